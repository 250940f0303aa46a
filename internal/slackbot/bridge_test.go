package slackbot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/nugget/newsdesk/internal/confirm"
	"github.com/nugget/newsdesk/internal/dispatch"
	"github.com/nugget/newsdesk/internal/extract"
	"github.com/nugget/newsdesk/internal/prompts"
)

type post struct {
	channel string
	values  url.Values
}

type fakeAPI struct {
	mu      sync.Mutex
	posts   []post
	files   map[string]string
	postErr error
	// block, when set, holds every download until it is closed.
	block chan struct{}
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channel string, opts ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb-test", channel, "https://slack.com/api/", opts...)
	if err != nil {
		return "", "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posts = append(f.posts, post{channel: channel, values: values})
	return channel, "1700000001.0001", nil
}

func (f *fakeAPI) GetFileContext(ctx context.Context, u string, w io.Writer) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	body, ok := f.files[u]
	if !ok {
		return errors.New("not found")
	}
	_, err := io.WriteString(w, body)
	return err
}

func (f *fakeAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT", Team: "newsroom"}, nil
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.posts))
	for i, p := range f.posts {
		out[i] = p.values.Get("text")
	}
	return out
}

type fakeSubmitter struct {
	mu     sync.Mutex
	events []dispatch.Event
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, ev dispatch.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

// prepare runs the event's worker-side preparation the way the
// dispatcher does.
func prepare(t *testing.T, ev dispatch.Event) (dispatch.Event, bool) {
	t.Helper()
	if ev.Prepare == nil {
		t.Fatal("message event has no Prepare hook")
	}
	return ev.Prepare(context.Background(), ev)
}

func newTestBridge(api *fakeAPI, sub *fakeSubmitter, rate int) *Bridge {
	return NewBridge(BridgeConfig{
		API:        api,
		Dispatcher: sub,
		Extractor:  extract.New([]string{"text", "html"}, 0, nil),
		RateLimit:  rate,
	})
}

func TestConversationID(t *testing.T) {
	tests := []struct {
		channel, thread, ts string
		want                string
	}{
		{"C1", "", "1700000000.0001", "C1:1700000000.0001"},
		{"C1", "1699999999.0001", "1700000000.0001", "C1:1699999999.0001"},
		{"D9", "", "1.2", "D9:1.2"},
	}
	for _, tt := range tests {
		if got := ConversationID(tt.channel, tt.thread, tt.ts); got != tt.want {
			t.Errorf("ConversationID(%q, %q, %q) = %q, want %q", tt.channel, tt.thread, tt.ts, got, tt.want)
		}
		ch, th, ok := SplitConversationID(tt.want)
		if !ok || ch != tt.channel || ConversationID(ch, th, "") != tt.want {
			t.Errorf("SplitConversationID(%q) = %q, %q, %v", tt.want, ch, th, ok)
		}
	}

	for _, bad := range []string{"", "C1", ":1.2", "C1:"} {
		if _, _, ok := SplitConversationID(bad); ok {
			t.Errorf("SplitConversationID(%q) ok, want false", bad)
		}
	}
}

func TestFormatActor(t *testing.T) {
	for in, want := range map[string]string{"U1": "<@U1>", "<@U1>": "<@U1>", "": ""} {
		if got := FormatActor(in); got != want {
			t.Errorf("FormatActor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newRateLimiter(2)
	r.now = func() time.Time { return now }

	if !r.allow("U1") || !r.allow("U1") {
		t.Fatal("first two messages should be allowed")
	}
	if r.allow("U1") {
		t.Error("third message in the window should be refused")
	}
	if !r.allow("U2") {
		t.Error("other senders are limited independently")
	}

	now = now.Add(rateWindow + time.Second)
	if !r.allow("U1") {
		t.Error("message after the window should be allowed")
	}

	unlimited := newRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !unlimited.allow("U1") {
			t.Fatal("zero limit should allow everything")
		}
	}
}

func TestApprovalBlocks(t *testing.T) {
	blocks := ApprovalBlocks(confirm.Prompt{
		ConversationID:  "C1:1700000000.0001",
		Summary:         "Publish *Gala recap*",
		PreviewURL:      "https://news.example.org/preview/pending/C1:1700000000.0001",
		ApproveActionID: confirm.ApproveActionID,
		DenyActionID:    confirm.DenyActionID,
		PreviewActionID: confirm.PreviewActionID,
	})
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}

	raw, err := json.Marshal(blocks)
	if err != nil {
		t.Fatal(err)
	}
	js := string(raw)
	for _, want := range []string{
		`"action_id":"approve_action"`,
		`"action_id":"deny_action"`,
		`"action_id":"preview_action"`,
		`"value":"C1:1700000000.0001"`,
		`"url":"https://news.example.org/preview/pending/C1:1700000000.0001"`,
		`"style":"primary"`,
		`"style":"danger"`,
		"Publish *Gala recap*",
	} {
		if !strings.Contains(js, want) {
			t.Errorf("blocks JSON missing %s\n%s", want, js)
		}
	}
}

func TestPrompter_PostApproval(t *testing.T) {
	api := &fakeAPI{}
	p := NewPrompter(api)

	err := p.PostApproval(context.Background(), confirm.Prompt{
		ConversationID:  "C1:1700000000.0001",
		Summary:         "Publish draft",
		ApproveActionID: confirm.ApproveActionID,
		DenyActionID:    confirm.DenyActionID,
	})
	if err != nil {
		t.Fatalf("PostApproval() error: %v", err)
	}
	if len(api.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(api.posts))
	}
	got := api.posts[0]
	if got.channel != "C1" || got.values.Get("thread_ts") != "1700000000.0001" {
		t.Errorf("posted to %s thread %q", got.channel, got.values.Get("thread_ts"))
	}
	if !strings.Contains(got.values.Get("blocks"), "approve_action") {
		t.Errorf("blocks = %s", got.values.Get("blocks"))
	}

	if err := p.PostApproval(context.Background(), confirm.Prompt{ConversationID: "bogus"}); err == nil {
		t.Error("PostApproval() without a channel succeeded")
	}

	api.postErr = errors.New("channel_not_found")
	err = p.PostApproval(context.Background(), confirm.Prompt{Target: confirm.Target{Channel: "C2"}})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("PostApproval() error = %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	api := &fakeAPI{}
	sub := &fakeSubmitter{}
	b := newTestBridge(api, sub, 0)

	b.HandleMessage(context.Background(), Message{
		Channel: "C1",
		User:    "U1",
		Text:    "<@UBOT> draft a post about the gala",
		TS:      "1700000000.0001",
	})

	if got := api.texts(); len(got) != 0 {
		t.Errorf("posts before the worker ran = %q, want none", got)
	}
	if len(sub.events) != 1 {
		t.Fatalf("submitted %d events, want 1", len(sub.events))
	}
	ev, ok := prepare(t, sub.events[0])
	if !ok {
		t.Fatal("prepared event dropped")
	}
	if got := api.texts(); len(got) != 1 || got[0] != prompts.Acknowledgement("<@U1>") {
		t.Errorf("posts = %q, want acknowledgement", got)
	}
	if ev.Kind != dispatch.KindMessage || ev.ConversationID != "C1:1700000000.0001" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Text != "draft a post about the gala" {
		t.Errorf("text = %q, mention not stripped", ev.Text)
	}
	if ev.Target != (confirm.Target{Channel: "C1", Thread: "1700000000.0001"}) {
		t.Errorf("target = %+v", ev.Target)
	}

	ev.Reply(context.Background(), "done")
	last := api.posts[len(api.posts)-1]
	if last.values.Get("text") != "done" || last.values.Get("thread_ts") != "1700000000.0001" {
		t.Errorf("reply posted as %v", last.values)
	}
}

func TestHandleMessage_Filtered(t *testing.T) {
	tests := []struct {
		name       string
		msg        Message
		wantQueued bool
		wantPosts  []string
	}{
		{"bot message", Message{Channel: "C1", User: "U1", BotID: "B1", Text: "hi", TS: "1.1"}, false, nil},
		{"own message", Message{Channel: "C1", User: "UBOT", Text: "hi", TS: "1.1"}, false, nil},
		{"no user", Message{Channel: "C1", Text: "hi", TS: "1.1"}, false, nil},
		{"bare mention", Message{Channel: "C1", User: "U1", Text: "<@UBOT>  ", TS: "1.1"}, true, []string{prompts.HelpGreeting}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{}
			sub := &fakeSubmitter{}
			b := newTestBridge(api, sub, 0)
			b.botUserID = "UBOT"

			b.HandleMessage(context.Background(), tt.msg)

			if !tt.wantQueued {
				if len(sub.events) != 0 {
					t.Errorf("submitted %d events, want 0", len(sub.events))
				}
			} else {
				if len(sub.events) != 1 {
					t.Fatalf("submitted %d events, want 1", len(sub.events))
				}
				if _, ok := prepare(t, sub.events[0]); ok {
					t.Error("empty message should be dropped after the greeting")
				}
			}
			if got := api.texts(); strings.Join(got, "|") != strings.Join(tt.wantPosts, "|") {
				t.Errorf("posts = %q, want %q", got, tt.wantPosts)
			}
		})
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	api := &fakeAPI{}
	sub := &fakeSubmitter{}
	b := newTestBridge(api, sub, 1)

	for i := 0; i < 3; i++ {
		b.HandleMessage(context.Background(), Message{Channel: "D1", User: "U1", Text: "hello", TS: "1.1"})
	}
	if len(sub.events) != 1 {
		t.Errorf("submitted %d events, want 1", len(sub.events))
	}
}

func TestHandleMessage_Attachments(t *testing.T) {
	api := &fakeAPI{files: map[string]string{
		"https://files.slack.com/notes.txt": "Gala raised $40k",
		"https://files.slack.com/page.html": "<p>Piano <b>week</b></p>",
	}}
	sub := &fakeSubmitter{}
	b := newTestBridge(api, sub, 0)

	b.HandleMessage(context.Background(), Message{
		Channel: "D1",
		User:    "U1",
		Text:    "use these",
		TS:      "1.1",
		Files: []slack.File{
			{Name: "notes.txt", Filetype: "text", Size: 16, URLPrivateDownload: "https://files.slack.com/notes.txt"},
			{Name: "page.html", Filetype: "html", Size: 24, URLPrivate: "https://files.slack.com/page.html"},
			{Name: "scan.pdf", Filetype: "pdf", Size: 100},
			{Name: "big.txt", Filetype: "text", Size: DefaultMaxFileBytes + 1},
			{Name: "gone.txt", Filetype: "text", Size: 1, URLPrivateDownload: "https://files.slack.com/gone.txt"},
		},
	})

	if len(sub.events) != 1 {
		t.Fatalf("submitted %d events, want 1", len(sub.events))
	}
	ev, ok := prepare(t, sub.events[0])
	if !ok {
		t.Fatal("prepared event dropped")
	}
	text := ev.Text
	for _, want := range []string{
		"use these",
		"[Attachment: notes.txt]\nGala raised $40k",
		"Piano week",
		"scan.pdf skipped",
		"big.txt skipped: file is too large",
		"gone.txt could not be downloaded",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestHandleMessage_DownloadDoesNotBlockOtherConversations(t *testing.T) {
	api := &fakeAPI{
		files: map[string]string{"https://files.slack.com/notes.txt": "Gala raised $40k"},
		block: make(chan struct{}),
	}
	sub := &fakeSubmitter{}
	b := newTestBridge(api, sub, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.HandleMessage(context.Background(), Message{
			Channel: "CA", User: "U1", Text: "summarize this", TS: "1.1",
			Files: []slack.File{{Name: "notes.txt", Filetype: "text", Size: 16, URLPrivateDownload: "https://files.slack.com/notes.txt"}},
		})
		b.HandleMessage(context.Background(), Message{Channel: "CB", User: "U2", Text: "list drafts", TS: "2.2"})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(api.block)
		t.Fatal("HandleMessage waited on an attachment download")
	}
	if len(sub.events) != 2 || sub.events[1].ConversationID != "CB:2.2" {
		t.Fatalf("events = %+v, want CA then CB queued", sub.events)
	}

	close(api.block)
	ev, ok := prepare(t, sub.events[0])
	if !ok || !strings.Contains(ev.Text, "Gala raised $40k") {
		t.Errorf("prepared CA text = %q", ev.Text)
	}
}

func TestHandleAction(t *testing.T) {
	api := &fakeAPI{}
	sub := &fakeSubmitter{}
	b := newTestBridge(api, sub, 0)

	b.HandleAction(context.Background(), Action{
		ActionID: confirm.ApproveActionID,
		Value:    "C1:1700000000.0001",
		User:     "U2",
		Channel:  "C1",
		ThreadTS: "1700000000.0001",
	})
	b.HandleAction(context.Background(), Action{
		ActionID: confirm.DenyActionID,
		Value:    "",
		User:     "U3",
		Channel:  "C7",
		ThreadTS: "1700000005.0001",
	})

	if len(sub.events) != 2 {
		t.Fatalf("submitted %d events, want 2", len(sub.events))
	}
	approve, deny := sub.events[0], sub.events[1]
	if approve.Kind != dispatch.KindApprove || approve.ConversationID != "C1:1700000000.0001" || approve.Actor != "U2" {
		t.Errorf("approve event = %+v", approve)
	}
	if deny.Kind != dispatch.KindDeny || deny.ConversationID != "C7:1700000005.0001" {
		t.Errorf("deny event = %+v", deny)
	}
}

func TestParseEventsAPI(t *testing.T) {
	payload := json.RawMessage(`{"event":{"files":[{"id":"F1","name":"notes.txt","filetype":"text"}]}}`)

	tests := []struct {
		name   string
		inner  any
		ok     bool
		wantTS string
		files  int
	}{
		{"mention", &slackevents.AppMentionEvent{Channel: "C1", User: "U1", Text: "hi", TimeStamp: "1.1"}, true, "1.1", 1},
		{"dm", &slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "U1", Text: "hi", TimeStamp: "2.2"}, true, "2.2", 1},
		{"channel message", &slackevents.MessageEvent{Channel: "C1", ChannelType: "channel", User: "U1", TimeStamp: "3.3"}, false, "", 0},
		{"edited dm", &slackevents.MessageEvent{Channel: "D1", ChannelType: "im", SubType: "message_changed", TimeStamp: "4.4"}, false, "", 0},
		{"other event", &slackevents.ReactionAddedEvent{}, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := slackevents.EventsAPIEvent{
				Type:       slackevents.CallbackEvent,
				InnerEvent: slackevents.EventsAPIInnerEvent{Data: tt.inner},
			}
			msg, ok := parseEventsAPI(ev, payload)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if msg.TS != tt.wantTS || len(msg.Files) != tt.files {
				t.Errorf("msg = %+v", msg)
			}
		})
	}
}

func TestParseInteraction(t *testing.T) {
	cb := slack.InteractionCallback{
		Type: slack.InteractionTypeBlockActions,
		User: slack.User{ID: "U2"},
		ActionCallback: slack.ActionCallbacks{BlockActions: []*slack.BlockAction{
			{ActionID: confirm.PreviewActionID, Value: "C1:1.1"},
			{ActionID: confirm.ApproveActionID, Value: "C1:1.1"},
		}},
	}
	cb.Channel.ID = "C1"
	cb.Message.Timestamp = "1.2"
	cb.Message.ThreadTimestamp = "1.1"

	got := parseInteraction(cb)
	if len(got) != 1 {
		t.Fatalf("got %d actions, want 1", len(got))
	}
	want := Action{ActionID: confirm.ApproveActionID, Value: "C1:1.1", User: "U2", Channel: "C1", ThreadTS: "1.1"}
	if got[0] != want {
		t.Errorf("action = %+v, want %+v", got[0], want)
	}

	cb.Type = slack.InteractionTypeViewSubmission
	if len(parseInteraction(cb)) != 0 {
		t.Error("non block-action callbacks should be ignored")
	}
}
