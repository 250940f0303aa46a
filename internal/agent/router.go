package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/newsdesk/internal/confirm"
	"github.com/nugget/newsdesk/internal/events"
	"github.com/nugget/newsdesk/internal/memory"
	"github.com/nugget/newsdesk/internal/metrics"
	"github.com/nugget/newsdesk/internal/prompts"
	"github.com/nugget/newsdesk/internal/tools"
)

// Gate is the confirmation gate as seen by the router.
type Gate interface {
	Request(ctx context.Context, in confirm.RequestInput) (confirm.Outcome, error)
	Approve(ctx context.Context, conversationID, actor string) confirm.Outcome
	Deny(ctx context.Context, conversationID, actor string) confirm.Outcome
}

// Turn is one inbound chat message.
type Turn struct {
	ConversationID string
	Sender         string
	Text           string
	Target         confirm.Target
}

// Reply is the router's answer to a turn.
type Reply struct {
	Text     string
	Decision DecisionKind
	// Outcome is set when the turn went through the gate.
	Outcome *confirm.Outcome
	// Result is set when a safe operation ran.
	Result *tools.Result
}

// Config holds the router's collaborators.
type Config struct {
	Registry *tools.Registry
	Gate     Gate
	Memory   *memory.Store
	Decider  Decider
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Router handles turns and approval signals for all conversations.
// It holds no per-conversation state of its own; ordering within a
// conversation is the dispatcher's job and the gate serializes its own
// state.
type Router struct {
	registry *tools.Registry
	gate     Gate
	memory   *memory.Store
	decider  Decider
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRouter creates a router.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: cfg.Registry,
		gate:     cfg.Gate,
		memory:   cfg.Memory,
		decider:  cfg.Decider,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// HandleMessage runs one turn. The user text is recorded before the
// decision step sees the context and the reply is recorded after. An
// error is returned only when conversation memory cannot be written;
// every other failure becomes a plain-language reply.
func (r *Router) HandleMessage(ctx context.Context, turn Turn) (Reply, error) {
	start := time.Now()
	log := r.logger.With("conversation_id", turn.ConversationID)

	if err := r.memory.Append(turn.ConversationID, memory.RoleUser, turn.Text); err != nil {
		return Reply{}, fmt.Errorf("record user message: %w", err)
	}

	memCtx, err := r.memory.RenderContext(turn.ConversationID)
	if err != nil {
		log.Warn("memory context unavailable", "error", err)
		memCtx = ""
	}

	safe, gated := r.registry.Catalog()
	decision, err := r.decider.Decide(ctx, DecisionInput{
		ConversationID: turn.ConversationID,
		UserText:       turn.Text,
		MemoryContext:  memCtx,
		Safe:           safe,
		Gated:          gated,
	})

	var reply Reply
	if err != nil {
		log.Error("decision step failed", "error", err)
		reply = Reply{Text: prompts.DecisionFailure, Decision: DecisionReply}
	} else {
		reply = r.route(ctx, turn, decision, log)
	}

	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = prompts.EmptyResponseFallback
	}
	if err := r.memory.Append(turn.ConversationID, memory.RoleAssistant, reply.Text); err != nil {
		log.Warn("failed to record reply", "error", err)
	}

	elapsed := time.Since(start)
	r.metrics.ObserveTurn(elapsed)
	r.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"conversation_id": turn.ConversationID,
		"decision":        string(reply.Decision),
		"elapsed_ms":      elapsed.Milliseconds(),
	})
	log.Info("turn complete", "decision", reply.Decision, "elapsed", elapsed.Round(time.Millisecond))

	return reply, nil
}

func (r *Router) route(ctx context.Context, turn Turn, d Decision, log *slog.Logger) Reply {
	switch d.Kind {
	case DecisionInvokeSafe:
		tool, err := r.registry.Resolve(d.Operation)
		if err != nil {
			log.Warn("decision named unknown operation", "operation", d.Operation)
			return Reply{Text: unavailableText(d.Operation), Decision: DecisionReply}
		}
		// Classification is static: a gated operation never runs
		// without approval, whatever the decision step asked for.
		if tool.Class == tools.ClassGated {
			log.Info("redirecting gated operation to confirmation", "operation", tool.Name)
			return r.requestConfirmation(ctx, turn, tool.Name, d.Arguments, d.Summary, log)
		}
		if err := r.registry.ValidateArgs(tool, d.Arguments); err != nil {
			return Reply{Text: invalidArgsText(tool.Name, err), Decision: DecisionInvokeSafe}
		}
		res := r.registry.Invoke(ctx, tool, d.Arguments)
		return Reply{Text: resultText(res), Decision: DecisionInvokeSafe, Result: &res}

	case DecisionRequestConfirmation:
		return r.requestConfirmation(ctx, turn, d.Operation, d.Arguments, d.Summary, log)

	default:
		return Reply{Text: d.Text, Decision: DecisionReply}
	}
}

func (r *Router) requestConfirmation(ctx context.Context, turn Turn, op string, args tools.Args, summary string, log *slog.Logger) Reply {
	out, err := r.gate.Request(ctx, confirm.RequestInput{
		ConversationID: turn.ConversationID,
		Operation:      op,
		Arguments:      args,
		Summary:        summary,
		Target:         turn.Target,
		RequestedBy:    turn.Sender,
	})
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		var invalid *tools.ErrInvalidArguments
		switch {
		case errors.As(err, &unavailable):
			return Reply{Text: unavailableText(op), Decision: DecisionRequestConfirmation}
		case errors.As(err, &invalid):
			return Reply{Text: invalidArgsText(tools.CanonicalName(op), invalid), Decision: DecisionRequestConfirmation}
		default:
			log.Error("confirmation request failed", "operation", op, "error", err)
			return Reply{Text: "Sorry, I couldn't save that request for approval. Please try again.", Decision: DecisionRequestConfirmation}
		}
	}
	return Reply{Text: out.Text, Decision: DecisionRequestConfirmation, Outcome: &out}
}

// HandleApprove forwards an approval signal to the gate.
func (r *Router) HandleApprove(ctx context.Context, conversationID, actor string) string {
	return r.gate.Approve(ctx, conversationID, actor).Text
}

// HandleDeny forwards a denial signal to the gate.
func (r *Router) HandleDeny(ctx context.Context, conversationID, actor string) string {
	return r.gate.Deny(ctx, conversationID, actor).Text
}

func resultText(res tools.Result) string {
	if res.Message != "" {
		if res.Success {
			return res.Message
		}
		return "⚠️ " + res.Message
	}
	return res.String()
}

func unavailableText(op string) string {
	return fmt.Sprintf("I don't know how to do %q. I can create, update, publish, unpublish, delete, read, search or list articles.", op)
}

func invalidArgsText(op string, err error) string {
	return fmt.Sprintf("I couldn't prepare %s because some details were missing or wrong: %v", op, err)
}
