package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/newsdesk/internal/prompts"
	"github.com/nugget/newsdesk/internal/tools"
)

// ConfirmationTool is the meta operation offered to the model for
// proposing a gated operation.
const ConfirmationTool = "ask_confirmation"

// ChatClient is the chat completion API the decider needs.
// *llm.Client satisfies it.
type ChatClient interface {
	Chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMDecider decides with a tool-calling language model. The model is
// offered every safe operation directly and gated operations only
// through the ask_confirmation meta tool.
type LLMDecider struct {
	client ChatClient
	logger *slog.Logger
}

// NewLLMDecider creates a decider backed by client.
func NewLLMDecider(client ChatClient, logger *slog.Logger) *LLMDecider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMDecider{client: client, logger: logger}
}

// Decide implements Decider.
func (d *LLMDecider) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	req := openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.NewsletterManagerSystem(in.MemoryContext)},
			{Role: openai.ChatMessageRoleUser, Content: in.UserText},
		},
		Tools: toolDefinitions(in.Safe, in.Gated),
	}

	resp, err := d.client.Chat(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if len(resp.Choices) == 0 {
		return Decision{}, errors.New("decide: no choices in response")
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return Decision{Kind: DecisionReply, Text: msg.Content}, nil
	}
	if len(msg.ToolCalls) > 1 {
		d.logger.Debug("ignoring extra tool calls",
			"conversation_id", in.ConversationID,
			"count", len(msg.ToolCalls),
		)
	}

	call := msg.ToolCalls[0].Function
	dec, err := decodeToolCall(call.Name, call.Arguments)
	if err != nil {
		return Decision{}, err
	}
	dec.Text = msg.Content
	return dec, nil
}

// toolDefinitions builds the tools offered to the model.
func toolDefinitions(safe, gated []tools.Spec) []openai.Tool {
	defs := make([]openai.Tool, 0, len(safe)+1)
	for _, s := range safe {
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	if len(gated) == 0 {
		return defs
	}

	names := make([]string, len(gated))
	var catalog bytes.Buffer
	for i, s := range gated {
		names[i] = s.Name
		fmt.Fprintf(&catalog, "\n- %s: %s", s.Name, s.Description)
	}

	defs = append(defs, openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        ConfirmationTool,
			Description: prompts.ConfirmationToolDescription + "\nOperations:" + catalog.String(),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool_name": map[string]any{"type": "string", "enum": names},
					"tool_args": map[string]any{"type": "object"},
					"summary":   map[string]any{"type": "string"},
				},
				"required": []string{"tool_name", "tool_args", "summary"},
			},
		},
	})
	return defs
}

type confirmationCall struct {
	ToolName string          `json:"tool_name"`
	ToolArgs json.RawMessage `json:"tool_args"`
	Summary  string          `json:"summary"`
}

// decodeToolCall converts a model tool call into a decision.
func decodeToolCall(name, arguments string) (Decision, error) {
	if tools.CanonicalName(name) == ConfirmationTool {
		var cc confirmationCall
		if err := json.Unmarshal([]byte(orEmptyObject(arguments)), &cc); err != nil {
			return Decision{}, fmt.Errorf("decode %s arguments: %w", ConfirmationTool, err)
		}
		args, err := decodeArgs(cc.ToolArgs)
		if err != nil {
			return Decision{}, fmt.Errorf("decode %s tool_args: %w", ConfirmationTool, err)
		}
		return Decision{
			Kind:      DecisionRequestConfirmation,
			Operation: tools.CanonicalName(cc.ToolName),
			Arguments: args,
			Summary:   cc.Summary,
		}, nil
	}

	args, err := decodeArgs(json.RawMessage(arguments))
	if err != nil {
		return Decision{}, fmt.Errorf("decode %s arguments: %w", name, err)
	}
	return Decision{Kind: DecisionInvokeSafe, Operation: tools.CanonicalName(name), Arguments: args}, nil
}

// decodeArgs decodes an argument object. Models sometimes send the
// object JSON-encoded as a string; both forms are accepted.
func decodeArgs(raw json.RawMessage) (tools.Args, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return tools.Args{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return tools.Args{}, err
		}
		raw = []byte(orEmptyObject(s))
	}
	var args tools.Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return tools.Args{}, err
	}
	return args, nil
}

func orEmptyObject(s string) string {
	if len(bytes.TrimSpace([]byte(s))) == 0 {
		return "{}"
	}
	return s
}
