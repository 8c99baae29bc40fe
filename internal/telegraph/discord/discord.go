// Package discord connects signalbox to a Discord channel through the
// Gateway. Notifications carrying a reply token open a thread named after
// the token; messages in that thread, or Discord replies quoting the
// notification, are reported with the IDs the router uses to find the token.
package discord

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/signalbox/internal/telegraph"
)

const (
	platform      = "discord"
	inboundBuffer = 64
	maxContent    = 2000
	maxThreadName = 100
	// threadArchive matches the default reply token lifetime (minutes).
	threadArchive = 1440
)

// gateway is the part of *discordgo.Session signalbox calls.
type gateway interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(id string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// liveGateway answers channel lookups from the gateway's state cache before
// asking the REST API.
type liveGateway struct{ *discordgo.Session }

func (g liveGateway) Channel(id string) (*discordgo.Channel, error) {
	if ch, err := g.State.Channel(id); err == nil {
		return ch, nil
	}
	return g.Session.Channel(id)
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // where notifications go when a message names no channel

	Gateway gateway // test hook; nil dials Discord with BotToken
}

// Adapter implements telegraph.Adapter and telegraph.Poster for Discord.
type Adapter struct {
	opts    AdapterOpts
	gw      gateway
	inbound chan telegraph.InboundMessage

	mu       sync.Mutex
	open     bool
	closed   bool
	botID    string
	detach   []func()
	stopRecv context.CancelFunc
}

// New validates opts and returns an unconnected Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Gateway == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		opts:    opts,
		gw:      opts.Gateway,
		inbound: make(chan telegraph.InboundMessage, inboundBuffer),
	}, nil
}

// Connect opens the Gateway. discordgo resumes dropped sessions itself, so
// the lifecycle handlers only record the bot identity and log.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("discord: adapter already closed")
	case a.open:
		return nil
	}
	if a.gw == nil {
		s, err := discordgo.New("Bot " + a.opts.BotToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.gw = liveGateway{s}
	}
	a.detach = append(a.detach,
		a.gw.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) { a.onReady(r) }),
		a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			log.Printf("discord: gateway disconnected, waiting for resume")
		}),
	)
	if err := a.gw.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.open = true
	return nil
}

func (a *Adapter) onReady(r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	a.mu.Lock()
	a.botID = r.User.ID
	a.mu.Unlock()
	log.Printf("discord: connected as %s", r.User.Username)
}

// Listen subscribes to new messages and returns the inbound stream.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, fmt.Errorf("discord: not connected")
	}
	lctx, cancel := context.WithCancel(ctx)
	a.stopRecv = cancel
	a.detach = append(a.detach, a.gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if lctx.Err() == nil {
			a.onMessage(m)
		}
	}))
	return a.inbound, nil
}

// Send posts msg.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	_, err := a.Post(ctx, msg)
	return err
}

// Post posts msg. A top-level message that carries a reply token gets its
// own thread; a failure to open the thread (direct messages cannot have
// one) still leaves the message ID for quoted replies.
func (a *Adapter) Post(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.PostedMessage, error) {
	a.mu.Lock()
	open := a.open
	a.mu.Unlock()
	if !open {
		return telegraph.PostedMessage{}, fmt.Errorf("discord: not connected")
	}

	// Threads are channels, so a reply goes straight to the thread.
	target := firstNonEmpty(msg.ThreadID, msg.ChannelID, a.opts.ChannelID)
	if target == "" {
		return telegraph.PostedMessage{}, fmt.Errorf("discord: no channel specified")
	}
	sent, err := a.gw.ChannelMessageSendComplex(target, render(msg), discordgo.WithContext(ctx))
	if err != nil {
		return telegraph.PostedMessage{}, fmt.Errorf("discord: send to %s: %w", target, err)
	}

	posted := telegraph.PostedMessage{ID: sent.ID, ThreadID: msg.ThreadID}
	token := replyToken(msg.Events)
	if msg.ThreadID != "" || token == "" {
		return posted, nil
	}
	thread, err := a.gw.MessageThreadStartComplex(target, sent.ID, &discordgo.ThreadStart{
		Name:                threadName(token, msg.Events),
		AutoArchiveDuration: threadArchive,
	}, discordgo.WithContext(ctx))
	if err != nil {
		log.Printf("discord: open reply thread for %s: %v", token, err)
		return posted, nil
	}
	posted.ThreadID = thread.ID
	return posted, nil
}

// Close detaches handlers, closes the Gateway and the inbound stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed, a.open = true, false
	if a.stopRecv != nil {
		a.stopRecv()
	}
	for _, d := range a.detach {
		d()
	}
	close(a.inbound)
	if a.gw != nil {
		return a.gw.Close()
	}
	return nil
}

// BotUserID returns the bot's user ID once the Ready event has arrived.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID
}

// onMessage converts a user message. A message inside a thread reports the
// parent channel with the thread as ThreadID; a Discord reply reports the
// quoted message as ReplyTo.
func (a *Adapter) onMessage(m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.Author.ID == a.BotUserID() {
		return
	}
	msg := telegraph.InboundMessage{
		Platform:  platform,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
	}
	if ch, err := a.gw.Channel(m.ChannelID); err == nil && ch.IsThread() {
		msg.ChannelID, msg.ThreadID = ch.ParentID, m.ChannelID
	}
	if ref := m.MessageReference; ref != nil {
		msg.ReplyTo = ref.MessageID
	}
	msg.Timestamp, _ = discordgo.SnowflakeTimestamp(m.ID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("discord: inbound buffer full, dropping message from %s", msg.UserName)
	}
}

// replyToken returns the value of the first "Token" field.
func replyToken(events []telegraph.FormattedEvent) string {
	for _, evt := range events {
		for _, f := range evt.Fields {
			if f.Name == "Token" {
				return f.Value
			}
		}
	}
	return ""
}

func threadName(token string, events []telegraph.FormattedEvent) string {
	name := "Reply " + token
	if len(events) > 0 && events[0].Title != "" {
		name += ": " + events[0].Title
	}
	return clip(name, maxThreadName)
}

// render builds the Discord payload: text as content, events as embeds.
func render(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	out := &discordgo.MessageSend{Content: clip(msg.Text, maxContent)}
	for _, evt := range msg.Events {
		embed := &discordgo.MessageEmbed{
			Title:       evt.Title,
			Description: evt.Body,
			Color:       hexColor(evt.Color),
		}
		for _, f := range evt.Fields {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
		}
		out.Embeds = append(out.Embeds, embed)
	}
	return out
}

// hexColor parses "#36a64f" into Discord's integer color; 0 when malformed.
func hexColor(s string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
