package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Defaults for DispatcherOpts.
const (
	DefaultCooldown       = 5 * time.Second
	DefaultChannelTimeout = 10 * time.Second
)

// ChannelResult is the outcome of one channel's delivery attempt.
type ChannelResult struct {
	Channel  string
	Success  bool
	Err      error
	Duration time.Duration
}

// Report summarizes a dispatch. Dropped is set when the cooldown suppressed
// the notification and no channel was called.
type Report struct {
	Dropped   bool
	Succeeded int
	Total     int
	Results   []ChannelResult
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Channels       []Channel
	Cooldown       time.Duration    // defaults to DefaultCooldown; negative disables
	ChannelTimeout time.Duration    // defaults to DefaultChannelTimeout
	Out            io.Writer        // defaults to os.Stdout
	Now            func() time.Time // defaults to time.Now
}

// Dispatcher delivers each notification to every channel concurrently.
// Dispatches arriving within the cooldown of the last accepted one are
// dropped, not queued.
type Dispatcher struct {
	cooldown time.Duration
	timeout  time.Duration
	out      io.Writer
	now      func() time.Time

	mu           sync.Mutex
	channels     []Channel
	lastAccepted time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	if opts.Cooldown == 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.ChannelTimeout <= 0 {
		opts.ChannelTimeout = DefaultChannelTimeout
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		channels: append([]Channel(nil), opts.Channels...),
		cooldown: opts.Cooldown,
		timeout:  opts.ChannelTimeout,
		out:      opts.Out,
		now:      opts.Now,
	}
}

// AddChannel registers another channel for subsequent dispatches.
func (d *Dispatcher) AddChannel(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, c)
}

// ChannelNames lists registered channels in registration order.
func (d *Dispatcher) ChannelNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// accept applies the cooldown and returns the channel snapshot to use.
func (d *Dispatcher) accept() ([]Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if d.cooldown > 0 && !d.lastAccepted.IsZero() && now.Sub(d.lastAccepted) < d.cooldown {
		return nil, false
	}
	d.lastAccepted = now
	return append([]Channel(nil), d.channels...), true
}

// Dispatch sends n to all channels and waits for each to finish or time out.
// It never fails; per-channel outcomes are in the Report.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) Report {
	channels, ok := d.accept()
	if !ok {
		log.Printf("notify: %s notification dropped (cooldown %s)", n.Type, d.cooldown)
		return Report{Dropped: true}
	}

	results := make([]ChannelResult, len(channels))
	var wg sync.WaitGroup
	for i, c := range channels {
		wg.Add(1)
		go func(i int, c Channel) {
			defer wg.Done()
			results[i] = d.sendOne(ctx, c, n)
		}(i, c)
	}
	wg.Wait()

	rep := Report{Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			rep.Succeeded++
			continue
		}
		log.Printf("notify: channel %s failed: %v", r.Channel, r.Err)
	}
	if rep.Total > 0 && rep.Succeeded == 0 {
		log.Printf("notify: all %d channels failed for %s notification", rep.Total, n.Type)
	}
	fmt.Fprintf(d.out, "Notify: %s sent to %d/%d channels\n", n.Type, rep.Succeeded, rep.Total)
	return rep
}

// sendOne isolates a channel: a panic, error, false result, or timeout is
// a failure of that channel only.
func (d *Dispatcher) sendOne(ctx context.Context, c Channel, n Notification) ChannelResult {
	start := d.now()
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan ChannelResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ChannelResult{Channel: c.Name(), Err: fmt.Errorf("panic: %v", p)}
			}
		}()
		ok, err := c.Send(cctx, n)
		if err == nil && !ok {
			err = fmt.Errorf("delivery rejected")
		}
		done <- ChannelResult{Channel: c.Name(), Success: ok && err == nil, Err: err}
	}()

	select {
	case r := <-done:
		if !r.Success && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.Err = fmt.Errorf("timed out after %s: %w", d.timeout, r.Err)
		}
		r.Duration = d.now().Sub(start)
		return r
	case <-cctx.Done():
		return ChannelResult{Channel: c.Name(), Err: fmt.Errorf("timed out after %s: %w", d.timeout, cctx.Err()), Duration: d.now().Sub(start)}
	}
}
