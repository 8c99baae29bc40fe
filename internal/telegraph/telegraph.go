package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/relay"
)

// Daemon connects one chat platform, routes its inbound messages, and
// posts online/offline notices to the default channel.
type Daemon struct {
	platform   string
	adapter    Adapter
	registry   *registry.Registry
	injector   Injector
	cmdHandler *CommandHandler
	allowed    []string
	retry      relay.RetryPolicy
	threads    *ReplyThreads
	direct     string
	announce   bool
	out        io.Writer
	connected  bool
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Platform     string // label for logs, e.g. "slack"
	Adapter      Adapter
	Registry     *registry.Registry
	Injector     Injector
	CmdHandler   *CommandHandler
	AllowedUsers []string
	Retry        relay.RetryPolicy
	Threads      *ReplyThreads // notification threads posted on this platform
	DirectTarget string        // relay plain messages here; empty disables direct mode
	Announce     bool          // post "Signalbox online" / "shutting down"
	Out          io.Writer     // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("telegraph: registry is required")
	}
	if opts.Injector == nil {
		return nil, fmt.Errorf("telegraph: injector is required")
	}
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("telegraph: command handler is required")
	}
	if opts.Platform == "" {
		opts.Platform = "chat"
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		platform:   opts.Platform,
		adapter:    opts.Adapter,
		registry:   opts.Registry,
		injector:   opts.Injector,
		cmdHandler: opts.CmdHandler,
		allowed:    opts.AllowedUsers,
		retry:      opts.Retry,
		threads:    opts.Threads,
		direct:     opts.DirectTarget,
		announce:   opts.Announce,
		out:        out,
	}, nil
}

// Connect establishes the platform connection. Run connects on its own when
// this has not been called; calling it first lets notifications flow
// through the adapter before the inbound loop starts. Not safe for
// concurrent use with Run.
func (d *Daemon) Connect(ctx context.Context) error {
	fmt.Fprintf(d.out, "Telegraph %s connecting...\n", d.platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: %s connect: %w", d.platform, err)
	}
	d.connected = true
	return nil
}

// Run builds the Router and pumps inbound messages until ctx is cancelled
// or the adapter closes its inbound channel. The adapter is closed on return.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.connected {
		if err := d.Connect(ctx); err != nil {
			return err
		}
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	router, err := NewRouter(RouterOpts{
		Registry:     d.registry,
		Injector:     d.injector,
		CmdHandler:   d.cmdHandler,
		Adapter:      d.adapter,
		BotUserID:    botUserID,
		AllowedUsers: d.allowed,
		Retry:        d.retry,
		Platform:     d.platform,
		Threads:      d.threads,
		DirectTarget: d.direct,
		Out:          d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: %s listen: %w", d.platform, err)
	}

	fmt.Fprintf(d.out, "Telegraph %s online\n", d.platform)
	if d.announce {
		d.post(ctx, "Signalbox online")
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Telegraph %s shutting down...\n", d.platform)
			if d.announce {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				d.post(sctx, "Signalbox shutting down")
				cancel()
			}
			if err := d.adapter.Close(); err != nil {
				log.Printf("telegraph: %s close adapter: %v", d.platform, err)
			}
			fmt.Fprintf(d.out, "Telegraph %s stopped\n", d.platform)
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Telegraph %s inbound channel closed\n", d.platform)
				return nil
			}
			router.Handle(ctx, msg)
		}
	}
}

// post sends a plain text message to the adapter's default channel.
func (d *Daemon) post(ctx context.Context, text string) {
	if err := d.adapter.Send(ctx, OutboundMessage{Text: text}); err != nil {
		log.Printf("telegraph: %s post %q: %v", d.platform, text, err)
	}
}
