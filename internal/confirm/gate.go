// Package confirm implements the confirmation gate: the per-conversation
// state machine that stores a proposed mutating operation as a pending
// action, asks a human to approve it, and later executes or discards it
// exactly once.
//
// Each conversation is either idle (nothing stored) or pending (one
// stored action). A new request while pending overwrites the stored
// action. Approve and deny consume the stored action under the
// conversation's lock, so a second signal always finds nothing pending.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/newsdesk/internal/events"
	"github.com/nugget/newsdesk/internal/keylock"
	"github.com/nugget/newsdesk/internal/memory"
	"github.com/nugget/newsdesk/internal/metrics"
	"github.com/nugget/newsdesk/internal/opstate"
	"github.com/nugget/newsdesk/internal/tools"
)

// Namespace is the opstate namespace holding pending actions.
const Namespace = "pending_actions"

// Action identifiers the messaging surface attaches to the prompt's
// controls and routes back to Approve/Deny.
const (
	ApproveActionID = "approve_action"
	DenyActionID    = "deny_action"
	PreviewActionID = "preview_action"
)

// Target is where the approval prompt was rendered: a channel and
// optionally a thread within it.
type Target struct {
	Channel string `json:"channel,omitempty"`
	Thread  string `json:"thread,omitempty"`
}

// PendingAction is one proposed operation awaiting approval.
type PendingAction struct {
	Operation   string     `json:"operation_name"`
	Arguments   tools.Args `json:"arguments"`
	Summary     string     `json:"summary"`
	CreatedAt   time.Time  `json:"created_at"`
	RequestedBy string     `json:"requested_by,omitempty"`
	Target      Target     `json:"target"`
}

// record is the persisted envelope for a pending action.
type record struct {
	Data      PendingAction `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// Listed pairs a pending action with its conversation.
type Listed struct {
	ConversationID string        `json:"conversation_id"`
	Action         PendingAction `json:"action"`
	Expired        bool          `json:"expired,omitempty"`
}

// Prompt is everything a messaging surface needs to render an approval
// request.
type Prompt struct {
	ConversationID  string
	Summary         string
	PreviewURL      string
	ApproveActionID string
	DenyActionID    string
	PreviewActionID string
	Target          Target
}

// Prompter renders approval prompts on a messaging surface.
type Prompter interface {
	PostApproval(ctx context.Context, p Prompt) error
}

// OutcomeKind classifies what a gate call did.
type OutcomeKind string

const (
	OutcomeRequested      OutcomeKind = "requested"
	OutcomeExecuted       OutcomeKind = "executed"
	OutcomeDenied         OutcomeKind = "denied"
	OutcomeNothingPending OutcomeKind = "nothing_pending"
	OutcomeExpired        OutcomeKind = "expired"
	OutcomeUnavailable    OutcomeKind = "unavailable"
)

// Stale reports whether the outcome means nothing was left to resolve.
func (k OutcomeKind) Stale() bool {
	return k == OutcomeNothingPending || k == OutcomeExpired
}

// Outcome is the result of a gate call. Text is the user-visible reply.
type Outcome struct {
	Kind           OutcomeKind   `json:"kind"`
	ConversationID string        `json:"conversation_id"`
	Operation      string        `json:"operation,omitempty"`
	Actor          string        `json:"actor,omitempty"`
	Text           string        `json:"text"`
	Result         *tools.Result `json:"result,omitempty"`
	Replaced       bool          `json:"replaced,omitempty"`
	PromptError    string        `json:"prompt_error,omitempty"`
}

// RequestInput describes a request for confirmation.
type RequestInput struct {
	ConversationID string
	Operation      string
	Arguments      tools.Args
	Summary        string
	Target         Target
	RequestedBy    string
}

// Option configures a Gate.
type Option func(*Gate)

// WithPrompter sets the approval prompt renderer. Without one, the
// request reply itself carries the preview link.
func WithPrompter(p Prompter) Option { return func(g *Gate) { g.prompter = p } }

// WithBus publishes gate events on b.
func WithBus(b *events.Bus) Option { return func(g *Gate) { g.bus = b } }

// WithMetrics records gate outcomes on m.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithTimeout expires pending actions older than d. Zero disables expiry.
func WithTimeout(d time.Duration) Option { return func(g *Gate) { g.timeout = d } }

// WithPreviewBaseURL sets the public root used to build preview links.
func WithPreviewBaseURL(u string) Option {
	return func(g *Gate) { g.previewBase = strings.TrimRight(u, "/") }
}

// WithActorFormat renders actor identities in reply text, e.g. as a
// platform mention.
func WithActorFormat(fn func(actor string) string) Option {
	return func(g *Gate) { g.formatActor = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// Gate is the confirmation state machine. All methods are safe for
// concurrent use; calls for the same conversation are serialized.
type Gate struct {
	state    *opstate.Store
	registry *tools.Registry
	memory   *memory.Store

	prompter    Prompter
	bus         *events.Bus
	metrics     *metrics.Metrics
	logger      *slog.Logger
	timeout     time.Duration
	previewBase string
	formatActor func(string) string
	now         func() time.Time

	locks keylock.Map
}

// New creates a gate.
func New(state *opstate.Store, registry *tools.Registry, mem *memory.Store, opts ...Option) *Gate {
	g := &Gate{
		state:       state,
		registry:    registry,
		memory:      mem,
		logger:      slog.Default(),
		previewBase: "http://localhost:8000",
		formatActor: func(a string) string { return a },
		now:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// PreviewURL returns the preview link for a conversation.
func (g *Gate) PreviewURL(conversationID string) string {
	return g.previewBase + "/preview/pending/" + url.PathEscape(conversationID)
}

// Request validates and stores a pending action, replacing any earlier
// one for the conversation, then posts the approval prompt. It returns
// *tools.ErrToolUnavailable or *tools.ErrInvalidArguments without
// storing anything when the operation does not resolve or the
// arguments do not fit its schema. A prompt that cannot be posted does
// not undo the request: the action stays stored and previewable and
// the outcome text says what went wrong.
func (g *Gate) Request(ctx context.Context, in RequestInput) (Outcome, error) {
	if in.ConversationID == "" {
		return Outcome{}, errors.New("request confirmation: empty conversation id")
	}

	tool, err := g.registry.Resolve(in.Operation)
	if err != nil {
		return Outcome{}, fmt.Errorf("request confirmation: %w", err)
	}
	if err := g.registry.ValidateArgs(tool, in.Arguments); err != nil {
		return Outcome{}, fmt.Errorf("request confirmation: %w", err)
	}

	summary := strings.TrimSpace(in.Summary)
	if summary == "" {
		summary = fmt.Sprintf("Run %s", tool.Name)
	}

	log := g.logger.With("conversation_id", in.ConversationID, "operation", tool.Name)

	unlock := g.locks.Lock(in.ConversationID)
	defer unlock()

	var prev record
	replaced, err := g.state.Get(Namespace, in.ConversationID, &prev)
	if err != nil {
		return Outcome{}, fmt.Errorf("request confirmation: %w", err)
	}

	now := g.now().UTC()
	action := PendingAction{
		Operation:   tool.Name,
		Arguments:   in.Arguments,
		Summary:     summary,
		CreatedAt:   now,
		RequestedBy: in.RequestedBy,
		Target:      in.Target,
	}
	if err := g.state.Set(Namespace, in.ConversationID, record{Data: action, Timestamp: now}); err != nil {
		return Outcome{}, fmt.Errorf("request confirmation: %w", err)
	}

	if replaced {
		log.Info("pending action replaced", "previous_operation", prev.Data.Operation)
	} else {
		log.Info("pending action stored")
	}
	g.bus.Emit(events.SourceGate, events.KindConfirmationRequested, map[string]any{
		"conversation_id": in.ConversationID,
		"operation":       tool.Name,
		"requested_by":    in.RequestedBy,
		"replaced":        replaced,
	})
	g.metrics.Confirmation(string(OutcomeRequested))
	g.refreshPendingGauge()

	out := Outcome{
		Kind:           OutcomeRequested,
		ConversationID: in.ConversationID,
		Operation:      tool.Name,
		Actor:          in.RequestedBy,
		Replaced:       replaced,
	}
	preview := g.PreviewURL(in.ConversationID)

	if g.prompter == nil {
		out.Text = fmt.Sprintf("🛑 Approval needed: %s\nPreview: %s", summary, preview)
		return out, nil
	}

	err = g.prompter.PostApproval(ctx, Prompt{
		ConversationID:  in.ConversationID,
		Summary:         summary,
		PreviewURL:      preview,
		ApproveActionID: ApproveActionID,
		DenyActionID:    DenyActionID,
		PreviewActionID: PreviewActionID,
		Target:          in.Target,
	})
	if err != nil {
		log.Warn("approval prompt failed", "error", err)
		out.PromptError = err.Error()
		out.Text = fmt.Sprintf("I prepared this action but couldn't post the approval buttons (%v). "+
			"It is still waiting for approval; you can review it at %s", err, preview)
		return out, nil
	}

	out.Text = "✅ Confirmation request sent. I'm waiting for someone to click Approve or Deny."
	return out, nil
}

// Approve executes the conversation's pending action. The action is
// removed from the store before it runs, so a crash mid-execution never
// leads to a second execution. With nothing pending the outcome is
// OutcomeNothingPending (or OutcomeExpired) and nothing else changes.
func (g *Gate) Approve(ctx context.Context, conversationID, actor string) Outcome {
	unlock := g.locks.Lock(conversationID)
	defer unlock()

	action, out, ok := g.claim(conversationID, actor)
	if !ok {
		return out
	}

	log := g.logger.With("conversation_id", conversationID, "operation", action.Operation, "actor", actor)

	var res tools.Result
	tool, err := g.registry.Resolve(action.Operation)
	if err != nil {
		res = tools.Fail(tools.KindNotFound, err.Error(),
			fmt.Sprintf("The operation %s is no longer available.", action.Operation))
	} else {
		res = g.registry.Invoke(ctx, tool, action.Arguments)
	}

	status := "success"
	if !res.Success {
		status = "failed"
	}
	note := fmt.Sprintf("Action %s executed by %s: %s. %s", action.Operation, actor, status, res.Message)
	g.appendNote(conversationID, note)

	log.Info("pending action executed", "success", res.Success)
	g.bus.Emit(events.SourceGate, events.KindActionApproved, map[string]any{
		"conversation_id": conversationID,
		"operation":       action.Operation,
		"actor":           actor,
		"success":         res.Success,
		"message":         res.Message,
	})
	g.metrics.Confirmation(string(OutcomeExecuted))

	who := g.formatActor(actor)
	var text string
	if res.Success {
		text = fmt.Sprintf("✅ Request approved by %s! %s\n```%s```", who, res.Message, res.String())
	} else {
		text = fmt.Sprintf("⚠️ Request approved by %s, but it failed: %s\n```%s```", who, res.Message, res.String())
	}

	return Outcome{
		Kind:           OutcomeExecuted,
		ConversationID: conversationID,
		Operation:      action.Operation,
		Actor:          actor,
		Text:           text,
		Result:         &res,
	}
}

// Deny discards the conversation's pending action without running it.
// With nothing pending it reports so and records nothing.
func (g *Gate) Deny(ctx context.Context, conversationID, actor string) Outcome {
	unlock := g.locks.Lock(conversationID)
	defer unlock()

	action, out, ok := g.claim(conversationID, actor)
	if !ok {
		return out
	}

	g.appendNote(conversationID, fmt.Sprintf("Action %s denied by %s.", action.Operation, actor))

	g.logger.Info("pending action denied",
		"conversation_id", conversationID,
		"operation", action.Operation,
		"actor", actor,
	)
	g.bus.Emit(events.SourceGate, events.KindActionDenied, map[string]any{
		"conversation_id": conversationID,
		"operation":       action.Operation,
		"actor":           actor,
	})
	g.metrics.Confirmation(string(OutcomeDenied))

	return Outcome{
		Kind:           OutcomeDenied,
		ConversationID: conversationID,
		Operation:      action.Operation,
		Actor:          actor,
		Text:           fmt.Sprintf("❌ Request denied by %s. Action cancelled.", g.formatActor(actor)),
	}
}

// claim loads and deletes the pending action. Must be called with the
// conversation lock held. When ok is false, out is the outcome to
// return to the caller.
func (g *Gate) claim(conversationID, actor string) (action PendingAction, out Outcome, ok bool) {
	log := g.logger.With("conversation_id", conversationID, "actor", actor)
	out = Outcome{ConversationID: conversationID, Actor: actor}

	var rec record
	found, err := g.state.Get(Namespace, conversationID, &rec)
	if err != nil {
		log.Error("load pending action failed", "error", err)
		out.Kind = OutcomeUnavailable
		out.Text = "I couldn't load the pending action right now. Please try again in a moment."
		return PendingAction{}, out, false
	}

	if !found {
		log.Info("approval signal with nothing pending")
		g.emitStale(conversationID, actor, false)
		out.Kind = OutcomeNothingPending
		out.Text = "There is no pending action to resolve here. It may have already been approved or denied."
		return PendingAction{}, out, false
	}

	if err := g.state.Delete(Namespace, conversationID); err != nil {
		log.Error("delete pending action failed", "error", err)
		out.Kind = OutcomeUnavailable
		out.Text = "I couldn't update the pending action right now. Please try again in a moment."
		return PendingAction{}, out, false
	}
	g.refreshPendingGauge()

	if g.expired(rec.Data) {
		log.Info("pending action expired", "operation", rec.Data.Operation, "created_at", rec.Data.CreatedAt)
		g.emitStale(conversationID, actor, true)
		out.Kind = OutcomeExpired
		out.Operation = rec.Data.Operation
		out.Text = fmt.Sprintf("That request (%s) expired before it was resolved. Please ask again if it's still needed.", rec.Data.Summary)
		return PendingAction{}, out, false
	}

	return rec.Data, out, true
}

func (g *Gate) emitStale(conversationID, actor string, expired bool) {
	g.bus.Emit(events.SourceGate, events.KindActionStale, map[string]any{
		"conversation_id": conversationID,
		"actor":           actor,
		"expired":         expired,
	})
	if expired {
		g.metrics.Confirmation(string(OutcomeExpired))
	} else {
		g.metrics.Confirmation(string(OutcomeNothingPending))
	}
}

func (g *Gate) appendNote(conversationID, note string) {
	if g.memory == nil {
		return
	}
	if err := g.memory.Append(conversationID, memory.RoleSystem, note); err != nil {
		g.logger.Warn("record gate note failed", "conversation_id", conversationID, "error", err)
	}
}

func (g *Gate) expired(a PendingAction) bool {
	return g.timeout > 0 && g.now().Sub(a.CreatedAt) > g.timeout
}

// Pending returns the conversation's pending action without consuming
// it. Expired actions are still returned; see [Gate.Expired].
func (g *Gate) Pending(conversationID string) (*PendingAction, bool, error) {
	var rec record
	found, err := g.state.Get(Namespace, conversationID, &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec.Data, true, nil
}

// Expired reports whether a would be treated as expired by Approve.
func (g *Gate) Expired(a *PendingAction) bool {
	return a != nil && g.expired(*a)
}

// List returns every stored pending action ordered by conversation id.
func (g *Gate) List() ([]Listed, error) {
	entries, err := g.state.List(Namespace)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}

	out := make([]Listed, 0, len(entries))
	for _, e := range entries {
		var rec record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			g.logger.Warn("skipping unreadable pending action", "conversation_id", e.Key, "error", err)
			continue
		}
		out = append(out, Listed{
			ConversationID: e.Key,
			Action:         rec.Data,
			Expired:        g.expired(rec.Data),
		})
	}
	return out, nil
}

// Purge discards every stored pending action without executing it and
// returns how many were removed. Conversation memory is left alone.
func (g *Gate) Purge(actor string) (int, error) {
	entries, err := g.state.List(Namespace)
	if err != nil {
		return 0, fmt.Errorf("list pending actions: %w", err)
	}
	if err := g.state.DeleteNamespace(Namespace); err != nil {
		return 0, fmt.Errorf("purge pending actions: %w", err)
	}
	g.refreshPendingGauge()
	g.logger.Info("pending actions purged", "actor", actor, "count", len(entries))
	return len(entries), nil
}

func (g *Gate) refreshPendingGauge() {
	if g.metrics == nil {
		return
	}
	entries, err := g.state.List(Namespace)
	if err != nil {
		return
	}
	g.metrics.SetPending(len(entries))
}
