// Package slackbot connects newsdesk to Slack over Socket Mode: it
// turns mentions, direct messages and approval button clicks into
// dispatcher events, and posts replies and approval prompts back into
// the originating thread.
package slackbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nugget/newsdesk/internal/confirm"
	"github.com/nugget/newsdesk/internal/dispatch"
	"github.com/nugget/newsdesk/internal/events"
	"github.com/nugget/newsdesk/internal/extract"
	"github.com/nugget/newsdesk/internal/prompts"
)

// DefaultMaxFileBytes caps attachment downloads.
const DefaultMaxFileBytes = 5 * 1024 * 1024

// API is the Slack Web API surface the bridge uses. *slack.Client
// satisfies it.
type API interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// Submitter accepts dispatcher events. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev dispatch.Event) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	API        API
	Socket     *socketmode.Client
	Dispatcher Submitter
	Extractor  *extract.Extractor
	Bus        *events.Bus
	Logger     *slog.Logger

	RateLimit    int // per sender per minute; 0 = unlimited
	MaxFileBytes int64
}

// Bridge receives Slack events and routes them through the dispatcher.
type Bridge struct {
	api          API
	socket       *socketmode.Client
	dispatcher   Submitter
	extractor    *extract.Extractor
	bus          *events.Bus
	logger       *slog.Logger
	limiter      *rateLimiter
	maxFileBytes int64

	botUserID string
}

// NewBridge creates a Slack bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Bridge{
		api:          cfg.API,
		socket:       cfg.Socket,
		dispatcher:   cfg.Dispatcher,
		extractor:    cfg.Extractor,
		bus:          cfg.Bus,
		logger:       logger,
		limiter:      newRateLimiter(cfg.RateLimit),
		maxFileBytes: cfg.MaxFileBytes,
	}
}

// ConversationID returns the conversation identifier for a message:
// the channel and the thread root timestamp.
func ConversationID(channel, threadTS, ts string) string {
	root := threadTS
	if root == "" {
		root = ts
	}
	return channel + ":" + root
}

// SplitConversationID is the inverse of ConversationID.
func SplitConversationID(id string) (channel, thread string, ok bool) {
	channel, thread, ok = strings.Cut(id, ":")
	if !ok || channel == "" || thread == "" {
		return "", "", false
	}
	return channel, thread, true
}

// FormatActor renders a Slack user id as a mention.
func FormatActor(userID string) string {
	if userID == "" || strings.HasPrefix(userID, "<@") {
		return userID
	}
	return "<@" + userID + ">"
}

// Run connects over Socket Mode and handles events until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.socket == nil {
		return fmt.Errorf("slack bridge: socket mode client not configured")
	}

	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.botUserID = auth.UserID
	b.logger.Info("slack bridge started", "bot_user_id", auth.UserID, "team", auth.Team)

	errc := make(chan error, 1)
	go func() { errc <- b.socket.RunContext(ctx) }()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("slack bridge shutting down")
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("slack socket mode: %w", err)
		case evt, ok := <-b.socket.Events:
			if !ok {
				b.logger.Info("slack event channel closed, bridge stopping")
				return nil
			}
			b.handleSocketEvent(ctx, evt)
		}
	}
}

func (b *Bridge) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug("slack connecting")
	case socketmode.EventTypeConnected:
		b.logger.Info("slack connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("slack connection error, retrying")

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		var payload json.RawMessage
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
			payload = evt.Request.Payload
		}
		if msg, ok := parseEventsAPI(apiEvent, payload); ok {
			b.HandleMessage(ctx, msg)
		}

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		for _, a := range parseInteraction(callback) {
			b.HandleAction(ctx, a)
		}
	}
}

// Message is an inbound user message addressed to the bot.
type Message struct {
	Channel  string
	User     string
	BotID    string
	Text     string
	TS       string
	ThreadTS string
	Files    []slack.File
}

// Action is an approval button click.
type Action struct {
	ActionID string
	Value    string
	User     string
	Channel  string
	ThreadTS string
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// filesPayload picks attached files out of a raw events API envelope.
type filesPayload struct {
	Event struct {
		Files []slack.File `json:"files"`
	} `json:"event"`
}

// parseEventsAPI extracts a user message from an app mention or a
// direct message. Channel messages arrive as app mentions, so plain
// message events outside DMs are ignored to avoid handling them twice.
func parseEventsAPI(ev slackevents.EventsAPIEvent, payload json.RawMessage) (Message, bool) {
	if ev.Type != slackevents.CallbackEvent {
		return Message{}, false
	}

	var msg Message
	switch inner := ev.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		msg = Message{
			Channel:  inner.Channel,
			User:     inner.User,
			BotID:    inner.BotID,
			Text:     inner.Text,
			TS:       inner.TimeStamp,
			ThreadTS: inner.ThreadTimeStamp,
		}
	case *slackevents.MessageEvent:
		if inner.ChannelType != "im" {
			return Message{}, false
		}
		if inner.SubType != "" && inner.SubType != "file_share" {
			return Message{}, false
		}
		msg = Message{
			Channel:  inner.Channel,
			User:     inner.User,
			BotID:    inner.BotID,
			Text:     inner.Text,
			TS:       inner.TimeStamp,
			ThreadTS: inner.ThreadTimeStamp,
		}
	default:
		return Message{}, false
	}

	if len(payload) > 0 {
		var fp filesPayload
		if err := json.Unmarshal(payload, &fp); err == nil {
			msg.Files = fp.Event.Files
		}
	}
	return msg, true
}

// parseInteraction returns the approve/deny clicks in a block actions
// callback. Preview clicks only open a URL and are ignored.
func parseInteraction(cb slack.InteractionCallback) []Action {
	if cb.Type != slack.InteractionTypeBlockActions {
		return nil
	}
	thread := cb.Message.ThreadTimestamp
	if thread == "" {
		thread = cb.Message.Timestamp
	}

	var out []Action
	for _, ba := range cb.ActionCallback.BlockActions {
		if ba == nil {
			continue
		}
		if ba.ActionID != confirm.ApproveActionID && ba.ActionID != confirm.DenyActionID {
			continue
		}
		out = append(out, Action{
			ActionID: ba.ActionID,
			Value:    ba.Value,
			User:     cb.User.ID,
			Channel:  cb.Channel.ID,
			ThreadTS: thread,
		})
	}
	return out
}

// HandleMessage filters bots and rate-limited senders and submits the
// message to the dispatcher. Posting the acknowledgement and reading
// attachments happen in prepareMessage on the conversation's worker,
// so the Socket Mode loop never waits on Slack I/O.
func (b *Bridge) HandleMessage(ctx context.Context, msg Message) {
	if msg.BotID != "" || msg.User == "" || (b.botUserID != "" && msg.User == b.botUserID) {
		return
	}

	convID := ConversationID(msg.Channel, msg.ThreadTS, msg.TS)
	root := msg.ThreadTS
	if root == "" {
		root = msg.TS
	}
	log := b.logger.With("conversation_id", convID, "sender", msg.User)

	if !b.limiter.allow(msg.User) {
		log.Warn("slack message rate-limited")
		return
	}

	files := msg.Files
	err := b.dispatcher.Submit(ctx, dispatch.Event{
		Kind:           dispatch.KindMessage,
		ConversationID: convID,
		Actor:          msg.User,
		Text:           strings.TrimSpace(mentionPattern.ReplaceAllString(msg.Text, "")),
		Target:         confirm.Target{Channel: msg.Channel, Thread: root},
		Reply:          b.replier(msg.Channel, root),
		Prepare: func(ctx context.Context, ev dispatch.Event) (dispatch.Event, bool) {
			return b.prepareMessage(ctx, ev, files, log)
		},
	})
	if err != nil {
		log.Error("slack message not queued", "error", err)
	}
}

// prepareMessage greets empty messages, acknowledges the rest and
// folds attachment text into the event.
func (b *Bridge) prepareMessage(ctx context.Context, ev dispatch.Event, files []slack.File, log *slog.Logger) (dispatch.Event, bool) {
	if ev.Text == "" && len(files) == 0 {
		ev.Reply(ctx, prompts.HelpGreeting)
		return ev, false
	}

	ev.Reply(ctx, prompts.Acknowledgement(FormatActor(ev.Actor)))

	if att := b.attachments(ctx, files, log); att != "" {
		ev.Text = strings.TrimSpace(ev.Text + "\n\n" + att)
	}

	log.Info("slack message received", "message_len", len(ev.Text), "files", len(files))
	b.bus.Emit(events.SourceSlack, events.KindMessageReceived, map[string]any{
		"conversation_id": ev.ConversationID,
		"sender":          ev.Actor,
		"message_len":     len(ev.Text),
	})
	return ev, true
}

// HandleAction routes an approve or deny click to the dispatcher. The
// conversation comes from the button value; the click's own channel
// and thread are only a fallback for replies.
func (b *Bridge) HandleAction(ctx context.Context, a Action) {
	kind := dispatch.KindApprove
	if a.ActionID == confirm.DenyActionID {
		kind = dispatch.KindDeny
	}

	convID := a.Value
	channel, thread, ok := SplitConversationID(convID)
	if !ok {
		convID = ConversationID(a.Channel, a.ThreadTS, "")
		channel, thread = a.Channel, a.ThreadTS
	}

	b.logger.Info("slack approval action",
		"conversation_id", convID,
		"action", a.ActionID,
		"actor", a.User,
	)
	err := b.dispatcher.Submit(ctx, dispatch.Event{
		Kind:           kind,
		ConversationID: convID,
		Actor:          a.User,
		Target:         confirm.Target{Channel: channel, Thread: thread},
		Reply:          b.replier(channel, thread),
	})
	if err != nil {
		b.logger.Error("slack action not queued", "conversation_id", convID, "error", err)
	}
}

func (b *Bridge) replier(channel, thread string) dispatch.ReplyFunc {
	return func(ctx context.Context, text string) {
		b.post(ctx, channel, thread, text)
	}
}

func (b *Bridge) post(ctx context.Context, channel, thread, text string) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	if _, _, err := b.api.PostMessageContext(ctx, channel, opts...); err != nil {
		b.logger.Error("slack post failed", "channel", channel, "thread", thread, "error", err)
	}
}

// attachments downloads and extracts each allowed file. Files of other
// types or over the size cap are skipped with a note.
func (b *Bridge) attachments(ctx context.Context, files []slack.File, log *slog.Logger) string {
	if len(files) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = f.Title
		}

		if b.extractor == nil || !b.extractor.Allowed(f.Filetype) {
			log.Info("skipping unsupported attachment", "file", name, "type", f.Filetype)
			fmt.Fprintf(&sb, "[Attachment %s skipped: %s files are not supported]\n", name, f.Filetype)
			continue
		}
		if int64(f.Size) > b.maxFileBytes {
			log.Info("skipping oversized attachment", "file", name, "size", f.Size)
			fmt.Fprintf(&sb, "[Attachment %s skipped: file is too large]\n", name)
			continue
		}

		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		var buf bytes.Buffer
		if err := b.api.GetFileContext(ctx, url, &buf); err != nil {
			log.Warn("attachment download failed", "file", name, "error", err)
			fmt.Fprintf(&sb, "[Attachment %s could not be downloaded]\n", name)
			continue
		}

		text, err := b.extractor.Extract(f.Filetype, buf.Bytes())
		if err != nil {
			log.Warn("attachment extraction failed", "file", name, "error", err)
			fmt.Fprintf(&sb, "[Attachment %s could not be read]\n", name)
			continue
		}
		fmt.Fprintf(&sb, "[Attachment: %s]\n%s\n", name, text)
	}
	return strings.TrimSpace(sb.String())
}
