package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/relay"
)

// Injector is the subset of *relay.Injector the Router uses.
type Injector interface {
	InjectWithRetry(ctx context.Context, command, target string, policy relay.RetryPolicy) error
}

// Router classifies inbound chat messages: token replies are relayed to the
// session the token authorizes, "!" commands go to the command handler, and
// everything else is ignored.
type Router struct {
	registry   *registry.Registry
	injector   Injector
	cmdHandler *CommandHandler
	adapter    Adapter
	botUserID  string
	allowed    map[string]bool
	retry      relay.RetryPolicy
	platform   string
	threads    *ReplyThreads
	direct     string
	out        io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Registry     *registry.Registry
	Injector     Injector
	CmdHandler   *CommandHandler
	Adapter      Adapter
	BotUserID    string   // bot's user ID for self-message filtering
	AllowedUsers []string // user IDs or names; empty allows everyone
	Retry        relay.RetryPolicy
	Platform     string        // key for Threads lookups, e.g. "slack"
	Threads      *ReplyThreads // optional; relays replies inside notification threads
	DirectTarget string        // when set, plain messages are relayed here without a token
	Out          io.Writer     // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("telegraph: router: registry is required")
	}
	if opts.Injector == nil {
		return nil, fmt.Errorf("telegraph: router: injector is required")
	}
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("telegraph: router: command handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	var allowed map[string]bool
	if len(opts.AllowedUsers) > 0 {
		allowed = make(map[string]bool, len(opts.AllowedUsers))
		for _, u := range opts.AllowedUsers {
			if u = strings.TrimSpace(u); u != "" {
				allowed[strings.ToLower(u)] = true
			}
		}
	}
	return &Router{
		registry:   opts.Registry,
		injector:   opts.Injector,
		cmdHandler: opts.CmdHandler,
		adapter:    opts.Adapter,
		botUserID:  opts.BotUserID,
		allowed:    allowed,
		retry:      opts.Retry,
		platform:   opts.Platform,
		threads:    opts.Threads,
		direct:     opts.DirectTarget,
		out:        out,
	}, nil
}

// mentionRe matches Slack <@U123> and Discord <@123> / <@!123> mentions.
var mentionRe = regexp.MustCompile(`<@!?[A-Za-z0-9]+>`)

// Token replies: "/cmd TOKEN command" or "TOKEN command". The bare form only
// matches an upper-case word over the token alphabet so ordinary sentences
// are not mistaken for it.
var (
	cmdReplyRe  = regexp.MustCompile(`(?is)^/cmd\s+([A-Z0-9]{8})\s+(.+)$`)
	bareReplyRe = regexp.MustCompile(`(?s)^([` + registry.TokenAlphabet + `]{8})\s+(.+)$`)
)

// ParseReply extracts the token and command from a reply. Tokens are
// returned upper-cased.
func ParseReply(text string) (token, command string, ok bool) {
	token, command, _, ok = parseReply(text)
	return token, command, ok
}

// parseReply also reports whether the explicit "/cmd" form was used.
func parseReply(text string) (token, command string, explicit, ok bool) {
	text = strings.TrimSpace(text)
	m := cmdReplyRe.FindStringSubmatch(text)
	explicit = m != nil
	if m == nil {
		m = bareReplyRe.FindStringSubmatch(text)
	}
	if m == nil {
		return "", "", false, false
	}
	command = strings.TrimSpace(m[2])
	if command == "" {
		return "", "", false, false
	}
	return registry.NormalizeToken(m[1]), command, explicit, true
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. Sender not allowed → refuse
//  3. "/start" or "/help" → help text
//  4. "!" prefix → command handler
//  5. Token reply → resolve and relay (an unknown bare token falls through)
//  6. Reply inside a notification thread → relay with that thread's token
//  7. "/cmd" without a valid shape → usage hint
//  8. Direct mode → relay the whole text to the direct target
//  9. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}

	text := strings.TrimSpace(mentionRe.ReplaceAllString(msg.Text, ""))
	if text == "" {
		return
	}
	fmt.Fprintf(r.out, "telegraph: router: recv [%s ch=%s user=%s] %q\n",
		msg.Platform, msg.ChannelID, msg.UserName, truncate(text, 80))

	if !r.isAllowed(msg) {
		log.Printf("telegraph: router: unauthorized sender %s (%s)", msg.UserName, msg.UserID)
		r.reply(ctx, msg, "You are not authorized to send commands.")
		return
	}

	lower := strings.ToLower(text)
	if lower == "/start" || lower == "/help" {
		r.reply(ctx, msg, HelpText())
		return
	}

	if isCommand(text) {
		fmt.Fprintf(r.out, "telegraph: router: → command\n")
		resp := r.cmdHandler.Execute(ctx, text)
		r.send(ctx, msg, resp.Text, resp.Event)
		return
	}

	if token, command, explicit, ok := parseReply(text); ok {
		if r.relay(ctx, msg, token, command, !explicit) {
			fmt.Fprintf(r.out, "telegraph: router: → relay [token=%s]\n", token)
			return
		}
	}

	if r.threads != nil {
		if token, ok := r.threads.Lookup(r.platform, msg); ok {
			fmt.Fprintf(r.out, "telegraph: router: → thread reply [token=%s]\n", token)
			r.relay(ctx, msg, token, text, false)
			return
		}
	}

	if strings.HasPrefix(lower, "/cmd") {
		r.reply(ctx, msg, "Invalid format. Use: `/cmd TOKEN your command`")
		return
	}

	if r.direct != "" {
		fmt.Fprintf(r.out, "telegraph: router: → direct [%s]\n", r.direct)
		r.inject(ctx, msg, text, r.direct)
		return
	}

	fmt.Fprintf(r.out, "telegraph: router: → ignore\n")
}

// relay resolves token and injects command into its session. With quietMiss
// set an unknown token is not answered and relay reports false so the
// message can be routed another way.
func (r *Router) relay(ctx context.Context, msg InboundMessage, token, command string, quietMiss bool) bool {
	sess, err := r.registry.Resolve(ctx, token)
	switch {
	case errors.Is(err, registry.ErrNotFound) && quietMiss:
		return false
	case errors.Is(err, registry.ErrExpired):
		r.reply(ctx, msg, fmt.Sprintf("Token %s has expired. Wait for a new notification.", token))
		return true
	case errors.Is(err, registry.ErrNotFound):
		r.reply(ctx, msg, fmt.Sprintf("Invalid or expired token: %s", token))
		return true
	case err != nil:
		log.Printf("telegraph: router: resolve %s: %v", token, err)
		r.reply(ctx, msg, "Token lookup failed, please try again.")
		return true
	}
	r.inject(ctx, msg, command, sess.TargetSession)
	return true
}

// inject types command into target and reports the outcome to the sender.
func (r *Router) inject(ctx context.Context, msg InboundMessage, command, target string) {
	if err := r.injector.InjectWithRetry(ctx, command, target, r.retry); err != nil {
		log.Printf("telegraph: router: relay to %s: %v", target, err)
		r.reply(ctx, msg, fmt.Sprintf("Command failed for session %s: %v", target, err))
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("Command sent to %s\nCommand: %s", target, truncate(command, 200)))
}

func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) {
	r.send(ctx, msg, text, nil)
}

func (r *Router) send(ctx context.Context, msg InboundMessage, text string, evt *FormattedEvent) {
	out := OutboundMessage{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, Text: text}
	if evt != nil {
		out.Events = []FormattedEvent{*evt}
	}
	if err := r.adapter.Send(ctx, out); err != nil {
		log.Printf("telegraph: router: send reply: %v", err)
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

func (r *Router) isAllowed(msg InboundMessage) bool {
	if r.allowed == nil {
		return true
	}
	return r.allowed[strings.ToLower(msg.UserID)] || r.allowed[strings.ToLower(msg.UserName)]
}
