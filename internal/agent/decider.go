// Package agent implements the per-message turn: record the message,
// ask the decision step what to do, and route the decision to a safe
// operation, the confirmation gate, or a plain reply.
package agent

import (
	"context"

	"github.com/nugget/newsdesk/internal/tools"
)

// DecisionKind says what the decision step wants done.
type DecisionKind string

const (
	// DecisionReply answers with text and changes nothing.
	DecisionReply DecisionKind = "reply"
	// DecisionInvokeSafe runs a safe operation immediately.
	DecisionInvokeSafe DecisionKind = "invoke_safe"
	// DecisionRequestConfirmation proposes a gated operation for
	// human approval.
	DecisionRequestConfirmation DecisionKind = "request_confirmation"
)

// DecisionInput is everything the decision step sees for one turn.
type DecisionInput struct {
	ConversationID string
	UserText       string
	// MemoryContext is the rendered transcript, empty for a new
	// conversation.
	MemoryContext string
	Safe          []tools.Spec
	Gated         []tools.Spec
}

// Decision is the decision step's answer.
type Decision struct {
	Kind      DecisionKind
	Text      string
	Operation string
	Arguments tools.Args
	Summary   string
}

// Decider turns a user message into a decision. Implementations may be
// a language model or a scripted fake.
type Decider interface {
	Decide(ctx context.Context, in DecisionInput) (Decision, error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, in DecisionInput) (Decision, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	return f(ctx, in)
}
