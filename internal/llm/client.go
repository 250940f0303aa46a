// Package llm provides the language-model client: an OpenAI-compatible
// chat completion API (OpenRouter by default) used by the agent's
// decision step and by the content and image generation operations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/newsdesk/internal/httpkit"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ErrNoChoices is returned when the provider answers with no choices.
var ErrNoChoices = errors.New("llm: response contained no choices")

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	ImageModel  string
	Temperature float32
	Timeout     time.Duration

	// Attribution headers sent to OpenRouter.
	Referer string
	Title   string
}

// Client wraps an OpenAI-compatible chat completion API.
type Client struct {
	api         *openai.Client
	model       string
	imageModel  string
	temperature float32
	logger      *slog.Logger
}

// New creates a client. The model name may carry an "openrouter/"
// routing prefix; it is stripped because the API itself rejects it.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(cfg.Timeout),
		httpkit.WithHeader("HTTP-Referer", cfg.Referer),
		httpkit.WithHeader("X-Title", cfg.Title),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)

	return &Client{
		api:         openai.NewClientWithConfig(oc),
		model:       strings.TrimPrefix(cfg.Model, "openrouter/"),
		imageModel:  strings.TrimPrefix(cfg.ImageModel, "openrouter/"),
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

// Model returns the chat model name.
func (c *Client) Model() string {
	return c.model
}

// Ping checks that the provider accepts the configured credentials by
// listing models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Chat sends a chat completion request. An empty Model is filled in
// with the configured chat model.
func (c *Client) Chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("chat completion (%s): %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return resp, ErrNoChoices
	}

	c.logger.Debug("chat completion",
		"model", req.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed", time.Since(start),
	)
	return resp, nil
}

// Generate returns the model's reply to a single system + user prompt.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := c.Chat(ctx, openai.ChatCompletionRequest{
		Messages:    msgs,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateImage asks the image model for an image. Providers that
// generate images over the chat endpoint answer with a URL (often as a
// markdown image); the raw reply is returned for the caller to parse.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, string, error) {
	if c.imageModel == "" {
		return "", "", errors.New("llm: no image model configured")
	}

	resp, err := c.Chat(ctx, openai.ChatCompletionRequest{
		Model: c.imageModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", c.imageModel, err
	}
	return resp.Choices[0].Message.Content, c.imageModel, nil
}

// StripCodeFence removes a surrounding markdown code fence (```json or
// ```) that models often wrap JSON answers in.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
