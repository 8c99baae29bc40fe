// Package slack connects signalbox to Slack over Socket Mode. Each
// notification is posted as the root of a thread; replies in that thread
// carry the thread timestamp so they can be matched to the reply token.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/signalbox/internal/telegraph"
)

const (
	platform        = "slack"
	inboundBuffer   = 64
	rateLimitTries  = 4
	reconnectBase   = 2 * time.Second
	reconnectMax    = 2 * time.Minute
	reconnectLimit  = 10
	defaultRetryGap = time.Second
)

// api is the part of the Slack Web API signalbox calls.
type api interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error)
}

// eventSource delivers Socket Mode envelopes.
type eventSource interface {
	RunContext(ctx context.Context) error
	Envelopes() <-chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketSource struct{ c *socketmode.Client }

func (s socketSource) RunContext(ctx context.Context) error { return s.c.RunContext(ctx) }
func (s socketSource) Envelopes() <-chan socketmode.Event  { return s.c.Events }
func (s socketSource) Ack(req socketmode.Request, payload ...interface{}) {
	s.c.Ack(req, payload...)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token, required for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // where notifications go when a message names no channel

	// Test hooks; nil selects the real Slack clients.
	API    api
	Events eventSource
}

// Adapter implements telegraph.Adapter and telegraph.Poster for Slack.
type Adapter struct {
	opts    AdapterOpts
	api     api
	events  eventSource
	inbound chan telegraph.InboundMessage

	mu     sync.Mutex
	open   bool
	closed bool
	botID  string
	names  map[string]string
	cancel context.CancelFunc

	reconnectBase time.Duration
}

// New validates opts and returns an unconnected Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.API == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Events == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		opts:          opts,
		api:           opts.API,
		events:        opts.Events,
		inbound:       make(chan telegraph.InboundMessage, inboundBuffer),
		names:         make(map[string]string),
		reconnectBase: reconnectBase,
	}, nil
}

// Connect verifies the bot token and records the bot's user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter already closed")
	case a.open:
		return nil
	}
	if a.api == nil {
		client := slackapi.New(a.opts.BotToken, slackapi.OptionAppLevelToken(a.opts.AppToken))
		a.api = client
		a.events = socketSource{c: socketmode.New(client)}
	}
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botID = auth.UserID
	a.open = true
	return nil
}

// Listen starts Socket Mode and returns the inbound message stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, fmt.Errorf("slack: not connected")
	}
	lctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.keepSocket(lctx)
	go a.readEnvelopes(lctx)
	return a.inbound, nil
}

// Send posts msg.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	_, err := a.Post(ctx, msg)
	return err
}

// Post posts msg and reports its timestamp. A top-level message starts its
// own thread, so ThreadID is the message timestamp unless msg already
// targets a thread.
func (a *Adapter) Post(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.PostedMessage, error) {
	if !a.isOpen() {
		return telegraph.PostedMessage{}, fmt.Errorf("slack: not connected")
	}
	channel := msg.ChannelID
	if channel == "" {
		channel = a.opts.ChannelID
	}
	if channel == "" {
		return telegraph.PostedMessage{}, fmt.Errorf("slack: no channel specified")
	}

	var ts string
	err := withRateLimit(ctx, func() error {
		var err error
		_, ts, err = a.api.PostMessageContext(ctx, channel, messageOptions(msg)...)
		return err
	})
	if err != nil {
		return telegraph.PostedMessage{}, fmt.Errorf("slack: post to %s: %w", channel, err)
	}
	root := msg.ThreadID
	if root == "" {
		root = ts
	}
	return telegraph.PostedMessage{ID: ts, ThreadID: root}, nil
}

// Close stops Socket Mode and closes the inbound stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed, a.open = true, false
	if a.cancel != nil {
		a.cancel()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's user ID once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID
}

func (a *Adapter) isOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// keepSocket runs Socket Mode, reconnecting with doubling waits until ctx
// ends or reconnectLimit consecutive runs fail.
func (a *Adapter) keepSocket(ctx context.Context) {
	wait := a.reconnectBase
	for failures := 1; ; failures++ {
		err := a.events.RunContext(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}
		if failures >= reconnectLimit {
			log.Printf("slack: socket mode failed %d times, giving up: %v", failures, err)
			return
		}
		log.Printf("slack: socket mode dropped (%v), reconnecting in %v", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait *= 2; wait > reconnectMax {
			wait = reconnectMax
		}
	}
}

func (a *Adapter) readEnvelopes(ctx context.Context) {
	envelopes := a.events.Envelopes()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			a.handleEnvelope(ctx, env)
		}
	}
}

func (a *Adapter) handleEnvelope(ctx context.Context, env socketmode.Event) {
	switch env.Type {
	case socketmode.EventTypeEventsAPI:
		if env.Request != nil {
			a.events.Ack(*env.Request)
		}
		outer, ok := env.Data.(slackevents.EventsAPIEvent)
		if !ok || outer.Type != slackevents.CallbackEvent {
			return
		}
		ev, ok := outer.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok {
			return
		}
		if msg, ok := a.inboundFrom(ctx, ev); ok {
			a.deliver(msg)
		}
	case socketmode.EventTypeConnected:
		log.Printf("slack: socket mode connected")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: socket mode error: %v", env.Data)
	}
}

// deliver queues msg unless the adapter is closed or the buffer is full.
func (a *Adapter) deliver(msg telegraph.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("slack: inbound buffer full, dropping message from %s", msg.UserName)
	}
}

// inboundFrom converts a user's message. Bot posts, edits and other
// subtyped messages are dropped.
func (a *Adapter) inboundFrom(ctx context.Context, ev *slackevents.MessageEvent) (telegraph.InboundMessage, bool) {
	if ev.User == "" || ev.BotID != "" || ev.SubType != "" || ev.User == a.BotUserID() {
		return telegraph.InboundMessage{}, false
	}
	return telegraph.InboundMessage{
		Platform:  platform,
		ChannelID: ev.Channel,
		ThreadID:  ev.ThreadTimeStamp,
		UserID:    ev.User,
		UserName:  a.displayName(ctx, ev.User),
		Text:      PlainText(ev.Text),
		Timestamp: tsTime(ev.TimeStamp),
	}, true
}

// displayName resolves and caches a user's display name for the
// allowed-users check. Lookup failures fall back to the ID.
func (a *Adapter) displayName(ctx context.Context, id string) string {
	a.mu.Lock()
	name, ok := a.names[id]
	a.mu.Unlock()
	if ok {
		return name
	}
	name = id
	if u, err := a.api.GetUserInfoContext(ctx, id); err == nil {
		for _, n := range []string{u.Profile.DisplayName, u.RealName, u.Name} {
			if n != "" {
				name = n
				break
			}
		}
	}
	a.mu.Lock()
	a.names[id] = name
	a.mu.Unlock()
	return name
}

// linkRe matches Slack's link markup: <https://x|label> or <https://x>.
var linkRe = regexp.MustCompile(`<((?:https?|mailto|ftp):[^|>]+)(?:\|([^>]*))?>`)

// PlainText undoes Slack's message formatting so a relayed command reaches
// the terminal as typed: links lose their markup and the &, < and >
// escapes are restored.
func PlainText(s string) string {
	s = linkRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		if parts[2] != "" {
			return parts[2]
		}
		return parts[1]
	})
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&").Replace(s)
}

// messageOptions renders msg: text first, then one attachment per event.
func messageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	var opts []slackapi.MsgOption
	if msg.ThreadID != "" {
		opts = append(opts, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if msg.Text != "" || len(msg.Events) == 0 {
		opts = append(opts, slackapi.MsgOptionText(msg.Text, false))
	}
	if len(msg.Events) > 0 {
		atts := make([]slackapi.Attachment, len(msg.Events))
		for i, evt := range msg.Events {
			atts[i] = attachment(evt)
		}
		opts = append(opts, slackapi.MsgOptionAttachments(atts...))
	}
	return opts
}

func attachment(evt telegraph.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Fallback:   evt.Title,
		Title:      evt.Title,
		Text:       evt.Body,
		Color:      evt.Color,
		MarkdownIn: []string{"text"},
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// withRateLimit retries fn while Slack answers with a rate limit, sleeping
// for the advertised Retry-After.
func withRateLimit(ctx context.Context, fn func() error) error {
	var err error
	for try := 1; try <= rateLimitTries; try++ {
		if err = fn(); err == nil {
			return nil
		}
		var limited *slackapi.RateLimitedError
		if !errors.As(err, &limited) || try == rateLimitTries {
			return err
		}
		wait := limited.RetryAfter
		if wait <= 0 {
			wait = defaultRetryGap
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// tsTime converts a Slack timestamp ("1700000000.000100") to a time.
func tsTime(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
