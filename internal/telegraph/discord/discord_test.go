package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/signalbox/internal/telegraph"
)

type fakeGateway struct {
	mu        sync.Mutex
	openErr   error
	closed    bool
	handlers  int
	detached  int
	channels  map[string]*discordgo.Channel
	sent      []fakeSend
	sendErr   error
	threads   []*discordgo.ThreadStart
	threadErr error
}

type fakeSend struct {
	channel string
	data    *discordgo.MessageSend
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{channels: make(map[string]*discordgo.Channel)}
}

func (f *fakeGateway) Open() error { return f.openErr }

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeGateway) AddHandler(interface{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers++
	return func() {
		f.mu.Lock()
		f.detached++
		f.mu.Unlock()
	}
}

func (f *fakeGateway) Channel(id string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("unknown channel %s", id)
}

func (f *fakeGateway) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, fakeSend{channel: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("m%d", len(f.sent)), ChannelID: channelID}, nil
}

func (f *fakeGateway) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	f.threads = append(f.threads, data)
	return &discordgo.Channel{ID: "th-" + messageID, ParentID: channelID, Type: discordgo.ChannelTypeGuildPublicThread}, nil
}

func connectedAdapter(t *testing.T) (*Adapter, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	a, err := New(AdapterOpts{Gateway: gw, ChannelID: "C_ALERTS"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a, gw
}

func notification(token string) telegraph.OutboundMessage {
	evt := telegraph.FormattedEvent{Title: "Assistant Waiting for Input", Color: telegraph.ColorWarning}
	if token != "" {
		evt.Fields = []telegraph.Field{{Name: "Session", Value: "claude-real"}, {Name: "Token", Value: token}}
	}
	return telegraph.OutboundMessage{Text: "waiting", Events: []telegraph.FormattedEvent{evt}}
}

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConnect(t *testing.T) {
	a, gw := connectedAdapter(t)
	if gw.handlers != 2 {
		t.Errorf("handlers = %d, want ready and disconnect", gw.handlers)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("reconnect should be a no-op: %v", err)
	}
	a.onReady(&discordgo.Ready{User: &discordgo.User{ID: "BOT", Username: "signalbox"}})
	if a.BotUserID() != "BOT" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}

	failing := newFakeGateway()
	failing.openErr = errors.New("4004 authentication failed")
	b, _ := New(AdapterOpts{Gateway: failing})
	if err := b.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("open failure = %v", err)
	}
}

func TestPost_OpensThreadForToken(t *testing.T) {
	a, gw := connectedAdapter(t)

	posted, err := a.Post(context.Background(), notification("ABCD2345"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if posted.ID != "m1" || posted.ThreadID != "th-m1" {
		t.Errorf("posted = %+v", posted)
	}
	if len(gw.threads) != 1 || gw.threads[0].Name != "Reply ABCD2345: Assistant Waiting for Input" {
		t.Errorf("threads = %+v", gw.threads)
	}
	if gw.threads[0].AutoArchiveDuration != threadArchive {
		t.Errorf("archive = %d", gw.threads[0].AutoArchiveDuration)
	}
	if gw.sent[0].channel != "C_ALERTS" || len(gw.sent[0].data.Embeds) != 1 {
		t.Errorf("sent = %+v", gw.sent[0])
	}
}

func TestPost_NoThreadWithoutToken(t *testing.T) {
	a, gw := connectedAdapter(t)

	posted, err := a.Post(context.Background(), notification(""))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if posted.ThreadID != "" || len(gw.threads) != 0 {
		t.Errorf("posted = %+v, threads = %d", posted, len(gw.threads))
	}
}

func TestPost_ThreadFailureKeepsMessageID(t *testing.T) {
	a, gw := connectedAdapter(t)
	gw.threadErr = errors.New("cannot create threads in DMs")

	posted, err := a.Post(context.Background(), notification("ABCD2345"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if posted.ID != "m1" || posted.ThreadID != "" {
		t.Errorf("posted = %+v", posted)
	}
}

func TestPost_ReplyInsideThread(t *testing.T) {
	a, gw := connectedAdapter(t)

	posted, err := a.Post(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", ThreadID: "th-9", Text: "Command sent"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gw.sent[0].channel != "th-9" || posted.ThreadID != "th-9" || len(gw.threads) != 0 {
		t.Errorf("sent to %s, posted = %+v", gw.sent[0].channel, posted)
	}
}

func TestPost_Errors(t *testing.T) {
	gw := newFakeGateway()
	a, _ := New(AdapterOpts{Gateway: gw})
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("send before connect should fail")
	}
	a.Connect(context.Background())
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("send without channel should fail")
	}
	gw.sendErr = errors.New("missing access")
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil {
		t.Error("send error should surface")
	}
}

func TestListen_ForwardsUserMessages(t *testing.T) {
	a, gw := connectedAdapter(t)
	a.onReady(&discordgo.Ready{User: &discordgo.User{ID: "BOT"}})
	gw.channels["th-m1"] = &discordgo.Channel{ID: "th-m1", ParentID: "C1", Type: discordgo.ChannelTypeGuildPublicThread}

	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", Author: &discordgo.User{ID: "BOT"}, Content: "self"}})
	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "2", Author: &discordgo.User{ID: "X", Bot: true}, Content: "bot"}})
	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "175928847299117063", ChannelID: "th-m1", Content: "yes, ship it",
		Author: &discordgo.User{ID: "U1", Username: "alice"},
	}})
	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "3", ChannelID: "C1", Content: "run it again",
		Author:           &discordgo.User{ID: "U2", Username: "bob"},
		MessageReference: &discordgo.MessageReference{MessageID: "m1", ChannelID: "C1"},
	}})

	want := []telegraph.InboundMessage{
		{Platform: "discord", ChannelID: "C1", ThreadID: "th-m1", UserID: "U1", UserName: "alice", Text: "yes, ship it"},
		{Platform: "discord", ChannelID: "C1", ReplyTo: "m1", UserID: "U2", UserName: "bob", Text: "run it again"},
	}
	for i, w := range want {
		select {
		case got := <-ch:
			got.Timestamp = time.Time{}
			if got != w {
				t.Errorf("message %d = %+v, want %+v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	if len(ch) != 0 {
		t.Errorf("%d unexpected messages queued", len(ch))
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Gateway: newFakeGateway()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOnMessage_AfterClose(t *testing.T) {
	a, _ := connectedAdapter(t)
	a.Close()
	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", Author: &discordgo.User{ID: "U1"}, Content: "late"}})
}

func TestRender(t *testing.T) {
	msg := render(telegraph.OutboundMessage{
		Text: strings.Repeat("x", maxContent+50),
		Events: []telegraph.FormattedEvent{{
			Title:  "Assistant Task Completed",
			Color:  telegraph.ColorSuccess,
			Fields: []telegraph.Field{{Name: "Token", Value: "ABCD2345", Short: true}},
		}},
	})
	if n := len([]rune(msg.Content)); n != maxContent {
		t.Errorf("content length = %d", n)
	}
	if len(msg.Embeds) != 1 || msg.Embeds[0].Color != 0x36a64f || !msg.Embeds[0].Fields[0].Inline {
		t.Errorf("embeds = %+v", msg.Embeds)
	}
}

func TestThreadName(t *testing.T) {
	if got := threadName("ABCD2345", nil); got != "Reply ABCD2345" {
		t.Errorf("bare = %q", got)
	}
	long := []telegraph.FormattedEvent{{Title: strings.Repeat("t", 200)}}
	if got := threadName("ABCD2345", long); len([]rune(got)) != maxThreadName {
		t.Errorf("long name length = %d", len([]rune(got)))
	}
}

func TestHexColor(t *testing.T) {
	tests := map[string]int{"#36a64f": 0x36a64f, "E53935": 0xe53935, "#zzz": 0, "": 0}
	for in, want := range tests {
		if got := hexColor(in); got != want {
			t.Errorf("hexColor(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestClose(t *testing.T) {
	a, gw := connectedAdapter(t)
	a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !gw.closed || gw.detached != 3 {
		t.Errorf("closed = %v, detached = %d", gw.closed, gw.detached)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
