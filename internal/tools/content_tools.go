package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/nugget/newsdesk/internal/llm"
	"github.com/nugget/newsdesk/internal/prompts"
)

// TextGenerator produces text from a system and user prompt.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ImageGenerator produces an image for a prompt and returns whatever
// the model replied with (usually a URL, possibly inside markdown).
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (reply, model string, err error)
}

const placeholderImageBase = "https://placehold.co/1024x576?text="

var (
	markdownLinkURL = regexp.MustCompile(`\((https?://[^\s)]+)\)`)
	rawURL          = regexp.MustCompile(`https?://[^\s]+`)
)

// GeneratedContent is the draft produced by generate_content.
type GeneratedContent struct {
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
	Content string `json:"content"`
}

// ContentTools holds the generation collaborators.
type ContentTools struct {
	text  TextGenerator
	image ImageGenerator
}

// RegisterContentTools registers ask_clarification, generate_content
// and generate_image. All three are safe: nothing they produce is
// persisted until a gated operation stores it. Either generator may be
// nil; generate_content then fails and generate_image falls back to a
// placeholder.
func RegisterContentTools(r *Registry, text TextGenerator, image ImageGenerator) *ContentTools {
	ct := &ContentTools{text: text, image: image}

	r.Register(&Tool{
		Name:        "ask_clarification",
		Description: "Ask the user for clarification when a request is ambiguous.",
		Class:       ClassSafe,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string", "minLength": 1},
				"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"examples": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"question"},
		},
		Handler: handleClarification,
	})

	r.Register(&Tool{
		Name:        "generate_content",
		Description: "Draft an article (title, excerpt, markdown body) about a topic. Does not save anything.",
		Class:       ClassSafe,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic":   map[string]any{"type": "string", "minLength": 1},
				"tone":    map[string]any{"type": "string", "description": "Default inspiring"},
				"length":  map[string]any{"type": "string", "enum": []string{"short", "medium", "long"}},
				"details": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"topic"},
		},
		Handler: ct.handleGenerateContent,
	})

	r.Register(&Tool{
		Name:        "generate_image",
		Description: "Generate a header image and return its URL.",
		Class:       ClassSafe,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{"type": "string", "minLength": 1},
				"style":       map[string]any{"type": "string", "description": "Default vibrant"},
				"mood":        map[string]any{"type": "string", "description": "Default inspiring"},
			},
			"required": []string{"description"},
		},
		Handler: ct.handleGenerateImage,
	})

	return ct
}

func handleClarification(_ context.Context, args Args) (Result, error) {
	var sb strings.Builder
	sb.WriteString("❓ ")
	sb.WriteString(args.GetString("question"))

	if opts := args.GetStrings("options"); len(opts) > 0 {
		sb.WriteString("\n\nOptions:")
		for _, o := range opts {
			sb.WriteString("\n- " + o)
		}
	}
	if ex := args.GetStrings("examples"); len(ex) > 0 {
		sb.WriteString("\n\nExamples:")
		for _, e := range ex {
			sb.WriteString("\n- " + e)
		}
	}

	return OK(sb.String(), map[string]any{"requires_user_input": true}), nil
}

func (ct *ContentTools) handleGenerateContent(ctx context.Context, args Args) (Result, error) {
	if ct.text == nil {
		return Fail(KindCollaborator, "no text generator configured",
			"Content generation is not available right now."), nil
	}

	topic := args.GetString("topic")
	tone := orDefault(args.GetString("tone"), "inspiring")
	length := orDefault(args.GetString("length"), "medium")

	prompt := prompts.ArticleDraft(topic, tone, length, args.GetStrings("details"))

	raw, err := ct.text.Generate(ctx, prompts.WriterSystem, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generate content: %w", err)
	}

	var gc GeneratedContent
	if err := json.Unmarshal([]byte(llm.StripCodeFence(raw)), &gc); err != nil {
		return Fail(KindCollaborator, "JSON parse error",
			"Failed to parse AI response. Raw output: "+truncate(raw, 200)), nil
	}
	return OK(fmt.Sprintf("Generated content for '%s'", topic), gc), nil
}

func (ct *ContentTools) handleGenerateImage(ctx context.Context, args Args) (Result, error) {
	desc := args.GetString("description")
	style := orDefault(args.GetString("style"), "vibrant")
	mood := orDefault(args.GetString("mood"), "inspiring")

	prompt := prompts.HeaderImage(style, mood, desc)

	imageURL, model := "", ""
	if ct.image != nil {
		reply, m, err := ct.image.GenerateImage(ctx, prompt)
		if err == nil {
			imageURL, model = ExtractImageURL(reply), m
		}
	}
	if imageURL == "" {
		imageURL = PlaceholderImageURL(desc)
		model = "placeholder (fallback)"
	}

	return OK(fmt.Sprintf("Generated image for '%s'", desc), map[string]any{
		"image_url":   imageURL,
		"description": prompt,
		"metadata": map[string]any{
			"style": style,
			"mood":  mood,
			"model": model,
		},
	}), nil
}

// ExtractImageURL pulls the first URL out of a model reply, preferring
// a markdown link target. If no URL is present the trimmed reply is
// returned as-is.
func ExtractImageURL(reply string) string {
	if m := markdownLinkURL.FindStringSubmatch(reply); m != nil {
		return m[1]
	}
	if m := rawURL.FindString(reply); m != "" {
		return m
	}
	return strings.TrimSpace(reply)
}

// PlaceholderImageURL returns a placeholder image labelled with desc.
func PlaceholderImageURL(desc string) string {
	return placeholderImageBase + url.QueryEscape(desc)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
