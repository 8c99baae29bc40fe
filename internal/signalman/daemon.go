// Package signalman runs every signalbox component as one supervised
// process: the output monitor, the token sweeper, the chat bridges and the
// optional webhook server.
package signalman

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/signalbox/internal/monitor"
	"golang.org/x/sync/errgroup"
)

// RunOpts tunes RunDaemon.
type RunOpts struct {
	HealthInterval time.Duration // defaults to DefaultHealthInterval
}

// RunDaemon connects the chat bridges and runs all components until ctx is
// cancelled. A bridge that fails is logged and the rest keep running; a
// webhook or sweeper failure stops the daemon.
func RunDaemon(ctx context.Context, svc *Service, opts RunOpts) error {
	if svc == nil {
		return fmt.Errorf("signalman: service is required")
	}
	if svc.Monitor == nil || svc.Notifier == nil || svc.Sweeper == nil {
		return fmt.Errorf("signalman: service is incomplete")
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	out := svc.out

	fmt.Fprintf(out, "Signalbox starting (session=%s, channels=%v)...\n",
		svc.Config.TmuxSession, svc.Dispatcher.ChannelNames())
	defer fmt.Fprintf(out, "Signalbox stopped.\n")

	// Connect first so notifications raised by the monitor's first
	// reconcile can already reach the chat platforms.
	for _, b := range svc.Bridges {
		if err := b.Connect(ctx); err != nil {
			log.Printf("signalman: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.Monitor.Run(gctx, func(ev monitor.Event) { svc.handleEvent(gctx, ev) })
		return nil
	})
	g.Go(func() error { return svc.Sweeper.Run(gctx) })
	for _, b := range svc.Bridges {
		b := b
		g.Go(func() error {
			if err := b.Run(gctx); err != nil {
				log.Printf("signalman: bridge: %v", err)
			}
			return nil
		})
	}
	if svc.Webhook != nil {
		g.Go(func() error { return svc.Webhook.Run(gctx) })
	}
	g.Go(func() error {
		for {
			sleepWithContext(gctx, opts.HealthInterval)
			if gctx.Err() != nil {
				return nil
			}
			h, err := CheckHealth(gctx, svc)
			if err != nil {
				log.Printf("%v", err)
			}
			fmt.Fprintln(out, h.String())
		}
	})

	return g.Wait()
}

// handleEvent notifies on every monitor event and, with auto_approve set,
// answers waiting prompts affirmatively.
func (s *Service) handleEvent(ctx context.Context, ev monitor.Event) {
	s.Notifier.HandleEvent(ctx, ev)
	if s.Webhook != nil {
		s.Webhook.Publish(ev)
	}

	if ev.Type != monitor.StateWaiting || !s.Config.Monitor.AutoApprove {
		return
	}
	if err := s.Injector.Approve(ctx, ev.Session); err != nil {
		log.Printf("signalman: auto-approve %s: %v", ev.Session, err)
		return
	}
	fmt.Fprintf(s.out, "Auto-approved prompt in %s\n", ev.Session)
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
