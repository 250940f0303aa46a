package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nugget/newsdesk/internal/confirm"
)

// Empty-state and fallback text shown on the preview page.
const (
	EmptyTitle       = "No Pending Action Found"
	EmptyMessage     = "There is no pending action awaiting approval for this conversation. It may already have been approved or denied."
	UntitledTitle    = "Untitled"
	NoContentMessage = "No content available."
)

// Argument names tried, in order, for the preview title and body.
var (
	titleKeys   = []string{"title", "news_title", "headline"}
	contentKeys = []string{"content", "body", "newscontent"}
)

// Field is one extra argument shown as a key/value row.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Document is the rendered preview of a conversation's pending action.
type Document struct {
	ConversationID string        `json:"conversation_id"`
	Empty          bool          `json:"empty"`
	Title          string        `json:"title"`
	Operation      string        `json:"operation,omitempty"`
	Summary        string        `json:"summary,omitempty"`
	Content        string        `json:"content,omitempty"`
	HasContent     bool          `json:"has_content"`
	ContentHTML    template.HTML `json:"-"`
	ImageURL       string        `json:"image_url,omitempty"`
	Fields         []Field       `json:"fields,omitempty"`
	RequestedBy    string        `json:"requested_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at,omitzero"`
	Expired        bool          `json:"expired,omitempty"`
}

// PendingReader is the read-only view of the confirmation gate the
// renderer needs.
type PendingReader interface {
	Pending(conversationID string) (*confirm.PendingAction, bool, error)
	Expired(a *confirm.PendingAction) bool
}

// Renderer builds preview documents. It never mutates gate state.
type Renderer struct {
	pending PendingReader
	md      goldmark.Markdown
}

// NewRenderer creates a renderer reading from pending.
func NewRenderer(pending PendingReader) *Renderer {
	return &Renderer{pending: pending, md: goldmark.New()}
}

// Render returns the preview document for conversationID. A missing
// pending action yields the empty-state document, not an error.
func (r *Renderer) Render(conversationID string) (Document, error) {
	action, found, err := r.pending.Pending(conversationID)
	if err != nil {
		return Document{}, fmt.Errorf("read pending action: %w", err)
	}
	if !found {
		return Document{ConversationID: conversationID, Empty: true, Title: EmptyTitle}, nil
	}

	doc := Document{
		ConversationID: conversationID,
		Title:          UntitledTitle,
		Operation:      action.Operation,
		Summary:        action.Summary,
		RequestedBy:    action.RequestedBy,
		CreatedAt:      action.CreatedAt,
		Expired:        r.pending.Expired(action),
	}

	used := make(map[string]bool)
	if k, v, ok := firstString(action, titleKeys); ok {
		doc.Title = v
		used[k] = true
	}
	if k, v, ok := firstString(action, contentKeys); ok {
		doc.Content = v
		doc.HasContent = true
		doc.ContentHTML = r.markdown(v)
		used[k] = true
	}
	if v, ok := action.Arguments.Get("image_url"); ok {
		if s, isString := v.(string); isString && s != "" {
			doc.ImageURL = s
			used["image_url"] = true
		}
	}

	for _, k := range action.Arguments.Keys() {
		if used[k] {
			continue
		}
		v, _ := action.Arguments.Get(k)
		doc.Fields = append(doc.Fields, Field{Key: k, Value: displayValue(v)})
	}
	return doc, nil
}

func firstString(a *confirm.PendingAction, keys []string) (string, string, bool) {
	for _, k := range keys {
		v, ok := a.Arguments.Get(k)
		if !ok {
			continue
		}
		if s, isString := v.(string); isString && s != "" {
			return k, s, true
		}
	}
	return "", "", false
}

// markdown converts article content to HTML. Raw HTML in the source is
// escaped by goldmark's default renderer.
func (r *Renderer) markdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(buf.String())
}

// displayValue renders an argument for a key/value row. Strings are
// shown as-is; everything else as compact JSON.
func displayValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
