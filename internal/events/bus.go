// Package events provides a publish/subscribe bus for workflow events:
// confirmations requested and resolved, turns handled, messages
// received. Subscribers are the WebSocket stream, the MQTT audit
// publisher and tests. A nil *Bus is valid and drops everything, so
// components never need guard checks.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sources identify the publishing component.
const (
	SourceGate   = "gate"
	SourceAgent  = "agent"
	SourceSlack  = "slack"
	SourceHTTP   = "http"
	SourceHealth = "health"
)

// Kinds describe the event within a source.
const (
	// KindConfirmationRequested: a pending action was stored.
	// Data: conversation_id, operation, requested_by, replaced.
	KindConfirmationRequested = "confirmation_requested"
	// KindActionApproved: a pending action was executed.
	// Data: conversation_id, operation, actor, success.
	KindActionApproved = "action_approved"
	// KindActionDenied: a pending action was discarded.
	// Data: conversation_id, operation, actor.
	KindActionDenied = "action_denied"
	// KindActionStale: approve/deny found nothing pending or an
	// expired action. Data: conversation_id, actor, expired.
	KindActionStale = "action_stale"

	// KindMessageReceived: an inbound chat message was queued.
	// Data: conversation_id, sender, message_len.
	KindMessageReceived = "message_received"
	// KindTurnComplete: the agent replied to a message.
	// Data: conversation_id, decision, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindDependencyUp and KindDependencyDown: a watched dependency
	// changed state. Data: dependency, error.
	KindDependencyUp   = "dependency_up"
	KindDependencyDown = "dependency_down"
)

// Event is a single published event.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates a bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Emit publishes an event stamped with a fresh ID and the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish delivers e to every subscriber with buffer space.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events with the given
// buffer. The caller must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
