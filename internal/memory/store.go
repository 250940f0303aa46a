// Package memory provides conversation memory: a short, size-bounded
// message log per conversation used to give the agent recent context.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/newsdesk/internal/keylock"
	"github.com/nugget/newsdesk/internal/opstate"
)

// Namespace is the opstate namespace that holds conversation logs.
const Namespace = "conversation_history"

// DefaultMaxMessages is the number of messages kept per conversation
// when the configured cap is not positive.
const DefaultMaxMessages = 10

// Role identifies who produced a message.
type Role string

const (
	// RoleUser marks a message typed by a staff member.
	RoleUser Role = "user"
	// RoleAssistant marks a reply produced by the agent.
	RoleAssistant Role = "assistant"
	// RoleSystem marks machine-generated status notes ("action
	// executed", "user denied") that belong to neither party.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// label is the transcript prefix for r.
func (r Role) label() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}

// Message represents a conversation message.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store manages conversation memory on top of the durable state store.
// Each conversation's log is one opstate entry; appends are
// read-modify-write under a per-conversation lock so concurrent appends
// to the same conversation keep their order and never lose a message.
type Store struct {
	state       *opstate.Store
	maxMessages int
	locks       keylock.Map
	now         func() time.Time
}

// NewStore creates a memory store that keeps at most maxMessages
// messages per conversation.
func NewStore(state *opstate.Store, maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		state:       state,
		maxMessages: maxMessages,
		now:         time.Now,
	}
}

// MaxMessages returns the per-conversation cap.
func (s *Store) MaxMessages() int {
	return s.maxMessages
}

// Append adds a message to a conversation, drops the oldest entries
// beyond the cap, and persists the result before returning.
func (s *Store) Append(conversationID string, role Role, content string) error {
	if conversationID == "" {
		return fmt.Errorf("append message: empty conversation id")
	}
	if !role.Valid() {
		return fmt.Errorf("append message: unknown role %q", role)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	msgs, err := s.load(conversationID)
	if err != nil {
		return err
	}

	msgs = append(msgs, Message{
		Role:      role,
		Content:   content,
		Timestamp: s.now().UTC(),
	})
	if len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}

	if err := s.state.Set(Namespace, conversationID, msgs); err != nil {
		return fmt.Errorf("save history for %s: %w", conversationID, err)
	}
	return nil
}

// Messages returns a copy of the conversation log in insertion order.
// Returns an empty slice if the conversation has no history.
func (s *Store) Messages(conversationID string) ([]Message, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()
	return s.load(conversationID)
}

// RenderContext produces a role-labelled, chronological transcript for
// inclusion in a generation prompt. It returns "" for a conversation
// with no history; callers omit the context block entirely in that case.
func (s *Store) RenderContext(conversationID string) (string, error) {
	msgs, err := s.Messages(conversationID)
	if err != nil {
		return "", err
	}
	return FormatTranscript(msgs), nil
}

// FormatTranscript renders msgs the way [Store.RenderContext] does.
func FormatTranscript(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("PREVIOUS CONVERSATION HISTORY:\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role.label(), m.Content)
	}
	sb.WriteString("\n(Use this history to understand context, references to 'it' or 'that', and previous actions)\n")
	return sb.String()
}

// Clear removes all history for a conversation.
func (s *Store) Clear(conversationID string) error {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	if err := s.state.Delete(Namespace, conversationID); err != nil {
		return fmt.Errorf("clear history for %s: %w", conversationID, err)
	}
	return nil
}

// load reads the log for a conversation. Must be called with the
// conversation's lock held.
func (s *Store) load(conversationID string) ([]Message, error) {
	var msgs []Message
	if _, err := s.state.Get(Namespace, conversationID, &msgs); err != nil {
		return nil, fmt.Errorf("load history for %s: %w", conversationID, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}
