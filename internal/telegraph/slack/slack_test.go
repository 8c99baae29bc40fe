package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/signalbox/internal/telegraph"
)

type fakeAPI struct {
	mu        sync.Mutex
	authErr   error
	posts     []fakePost
	postErrs  []error // consumed one per post
	users     map[string]*slackapi.User
	userCalls int
}

type fakePost struct {
	channel string
	opts    []slackapi.MsgOption
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{users: make(map[string]*slackapi.User)}
}

func (f *fakeAPI) AuthTestContext(context.Context) (*slackapi.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "U_BOT"}, nil
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channel string, opts ...slackapi.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.postErrs) > 0 {
		err := f.postErrs[0]
		f.postErrs = f.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	f.posts = append(f.posts, fakePost{channel: channel, opts: opts})
	return channel, fmt.Sprintf("1700000000.%06d", len(f.posts)), nil
}

func (f *fakeAPI) GetUserInfoContext(_ context.Context, id string) (*slackapi.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user_not_found")
}

type fakeEvents struct {
	mu       sync.Mutex
	envs     chan socketmode.Event
	acks     int
	runs     int
	failRuns int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{envs: make(chan socketmode.Event, 16)}
}

// RunContext fails failRuns times, then blocks until ctx ends.
func (f *fakeEvents) RunContext(ctx context.Context) error {
	f.mu.Lock()
	f.runs++
	n := f.runs
	f.mu.Unlock()
	if n <= f.failRuns {
		return fmt.Errorf("dial failed (%d)", n)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeEvents) Envelopes() <-chan socketmode.Event { return f.envs }

func (f *fakeEvents) Ack(socketmode.Request, ...interface{}) {
	f.mu.Lock()
	f.acks++
	f.mu.Unlock()
}

func (f *fakeEvents) counts() (runs, acks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.acks
}

func connectedAdapter(t *testing.T) (*Adapter, *fakeAPI, *fakeEvents) {
	t.Helper()
	api, events := newFakeAPI(), newFakeEvents()
	a, err := New(AdapterOpts{API: api, Events: events, ChannelID: "C_ALERTS"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, api, events
}

func message(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: "env-" + ev.TimeStamp},
	}
}

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-1"}); err == nil {
		t.Error("expected error without bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-1"}); err == nil {
		t.Error("expected error without app token")
	}
}

func TestConnect(t *testing.T) {
	a, _, _ := connectedAdapter(t)
	if a.BotUserID() != "U_BOT" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("reconnect should be a no-op: %v", err)
	}
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Error("connect after close should fail")
	}

	api := newFakeAPI()
	api.authErr = errors.New("invalid_auth")
	b, _ := New(AdapterOpts{API: api, Events: newFakeEvents()})
	if err := b.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("auth failure = %v", err)
	}
}

func TestPost_StartsThreadPerNotification(t *testing.T) {
	a, api, _ := connectedAdapter(t)
	ctx := context.Background()

	posted, err := a.Post(ctx, telegraph.OutboundMessage{
		Text:   "Assistant is waiting for input",
		Events: []telegraph.FormattedEvent{{Title: "Waiting", Fields: []telegraph.Field{{Name: "Token", Value: "ABCD2345"}}}},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if posted.ID != "1700000000.000001" || posted.ThreadID != posted.ID {
		t.Errorf("posted = %+v, want the message to root its own thread", posted)
	}

	reply, err := a.Post(ctx, telegraph.OutboundMessage{ChannelID: "C2", ThreadID: posted.ID, Text: "Command sent"})
	if err != nil {
		t.Fatalf("Post reply: %v", err)
	}
	if reply.ThreadID != posted.ID {
		t.Errorf("reply thread = %q, want %q", reply.ThreadID, posted.ID)
	}
	if api.posts[0].channel != "C_ALERTS" || api.posts[1].channel != "C2" {
		t.Errorf("channels = %s, %s", api.posts[0].channel, api.posts[1].channel)
	}
}

func TestPost_Errors(t *testing.T) {
	a, _ := New(AdapterOpts{API: newFakeAPI(), Events: newFakeEvents()})
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("send before connect should fail")
	}
	a.Connect(context.Background())
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("send without any channel should fail")
	}
}

func TestPost_RetriesRateLimit(t *testing.T) {
	a, api, _ := connectedAdapter(t)
	api.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}, nil}

	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(api.posts) != 1 {
		t.Errorf("posts = %d, want 1", len(api.posts))
	}
}

func TestWithRateLimit(t *testing.T) {
	calls := 0
	err := withRateLimit(context.Background(), func() error {
		calls++
		return errors.New("channel_not_found")
	})
	if err == nil || calls != 1 {
		t.Errorf("plain error: calls=%d err=%v", calls, err)
	}

	calls = 0
	err = withRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil || calls != rateLimitTries {
		t.Errorf("exhausted: calls=%d err=%v", calls, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = withRateLimit(ctx, func() error { return &slackapi.RateLimitedError{RetryAfter: time.Hour} })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: err=%v", err)
	}
}

func TestListen_ForwardsUserMessages(t *testing.T) {
	a, api, events := connectedAdapter(t)
	api.users["U_ALICE"] = &slackapi.User{Profile: slackapi.UserProfile{DisplayName: "alice"}}

	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	events.envs <- message(&slackevents.MessageEvent{User: "U_BOT", Text: "echo", TimeStamp: "1"})
	events.envs <- message(&slackevents.MessageEvent{User: "U_X", BotID: "B1", Text: "bot", TimeStamp: "2"})
	events.envs <- message(&slackevents.MessageEvent{User: "U_X", SubType: "message_changed", Text: "edit", TimeStamp: "3"})
	events.envs <- message(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "C1", ThreadTimeStamp: "1700000000.000001",
		Text: "npm test &gt; out.log &amp;&amp; cat <https://ci.example.com|ci>", TimeStamp: "1700000042.000100",
	})

	select {
	case msg := <-ch:
		if msg.Platform != "slack" || msg.ChannelID != "C1" || msg.ThreadID != "1700000000.000001" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.UserName != "alice" || msg.Text != "npm test > out.log && cat ci" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.Timestamp.Unix() != 1700000042 {
			t.Errorf("timestamp = %v", msg.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	select {
	case msg := <-ch:
		t.Errorf("unexpected message: %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
	if _, acks := events.counts(); acks != 4 {
		t.Errorf("acks = %d, want 4", acks)
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{API: newFakeAPI(), Events: newFakeEvents()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDisplayName(t *testing.T) {
	a, api, _ := connectedAdapter(t)
	api.users["U1"] = &slackapi.User{RealName: "Alice Real"}
	api.users["U2"] = &slackapi.User{Name: "bob"}
	ctx := context.Background()

	if got := a.displayName(ctx, "U1"); got != "Alice Real" {
		t.Errorf("U1 = %q", got)
	}
	a.displayName(ctx, "U1")
	if api.userCalls != 1 {
		t.Errorf("lookups = %d, want 1", api.userCalls)
	}
	if got := a.displayName(ctx, "U2"); got != "bob" {
		t.Errorf("U2 = %q", got)
	}
	if got := a.displayName(ctx, "U404"); got != "U404" {
		t.Errorf("unknown = %q", got)
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ls -la", "ls -la"},
		{"echo a &gt; b &amp;&amp; cat &lt; b", "echo a > b && cat < b"},
		{"open <https://example.com>", "open https://example.com"},
		{"see <https://example.com/x|the docs>", "see the docs"},
		{"<@U123> ABCD2345 ls", "<@U123> ABCD2345 ls"},
		{"literal &amp;gt;", "literal &gt;"},
	}
	for _, tt := range tests {
		if got := PlainText(tt.in); got != tt.want {
			t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessageOptions(t *testing.T) {
	tests := []struct {
		name string
		msg  telegraph.OutboundMessage
		want int
	}{
		{"text", telegraph.OutboundMessage{Text: "hi"}, 1},
		{"threaded", telegraph.OutboundMessage{Text: "hi", ThreadID: "1.2"}, 2},
		{"events", telegraph.OutboundMessage{Events: []telegraph.FormattedEvent{{Title: "t"}}}, 1},
		{"text and events", telegraph.OutboundMessage{Text: "hi", Events: []telegraph.FormattedEvent{{Title: "t"}}}, 2},
	}
	for _, tt := range tests {
		if got := len(messageOptions(tt.msg)); got != tt.want {
			t.Errorf("%s: %d options, want %d", tt.name, got, tt.want)
		}
	}
}

func TestAttachment(t *testing.T) {
	att := attachment(telegraph.FormattedEvent{
		Title:  "Assistant Task Completed",
		Body:   "All tests passed",
		Color:  telegraph.ColorSuccess,
		Fields: []telegraph.Field{{Name: "Token", Value: "ABCD2345", Short: true}},
	})
	if att.Title != "Assistant Task Completed" || att.Fallback != att.Title || att.Color != telegraph.ColorSuccess {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Value != "ABCD2345" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestTsTime(t *testing.T) {
	if got := tsTime("1700000000.123456"); got.Unix() != 1700000000 {
		t.Errorf("got %v", got)
	}
	if got := tsTime("nope"); !got.IsZero() {
		t.Errorf("garbage = %v", got)
	}
}

func TestKeepSocket_Reconnects(t *testing.T) {
	a, _, events := connectedAdapter(t)
	events.failRuns = 2
	a.reconnectBase = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.keepSocket(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if runs, _ := events.counts(); runs == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket was not restarted")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepSocket should stop on cancel")
	}
}

func TestKeepSocket_GivesUp(t *testing.T) {
	a, _, events := connectedAdapter(t)
	events.failRuns = reconnectLimit + 5
	a.reconnectBase = time.Microsecond

	done := make(chan struct{})
	go func() {
		a.keepSocket(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keepSocket should give up")
	}
	if runs, _ := events.counts(); runs != reconnectLimit {
		t.Errorf("runs = %d, want %d", runs, reconnectLimit)
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := connectedAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	a.deliver(telegraph.InboundMessage{Text: "late"})
}
