// Package relay types commands into a live terminal session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/orchestration"
)

// DefaultSettle is the pause between keystroke steps.
const DefaultSettle = 200 * time.Millisecond

// Injection steps, in order.
const (
	StepClear  = "clear"
	StepType   = "type"
	StepSubmit = "submit"
)

// ErrSessionMissing is returned when the target session does not exist.
var ErrSessionMissing = errors.New("relay: target session not found")

// StepError reports which injection step failed.
type StepError struct {
	Step   string
	Target string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("relay: %s step on %s failed: %v", e.Step, e.Target, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Wrap configures wrapped mode: the command is bracketed by echoed markers
// and followed by an invocation of the notification trigger, for targets
// that are plain shells rather than the assistant.
type Wrap struct {
	Enabled     bool
	StartMarker string // defaults to "=== signalbox: start ==="
	DoneMarker  string // defaults to "=== signalbox: done ==="
	Trigger     string // defaults to "sb notify"
}

// InjectorOpts holds parameters for creating an Injector.
type InjectorOpts struct {
	Tmux   orchestration.Tmux
	Settle time.Duration // defaults to DefaultSettle
	Wrap   Wrap
	Out    io.Writer                                  // defaults to os.Stdout
	Sleep  func(ctx context.Context, d time.Duration) // defaults to a timer wait
}

// Injector performs the clear, type, submit sequence. Sequences aimed at
// the same target never interleave.
type Injector struct {
	tmux   orchestration.Tmux
	settle time.Duration
	wrap   Wrap
	out    io.Writer
	sleep  func(ctx context.Context, d time.Duration)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewInjector creates an Injector.
func NewInjector(opts InjectorOpts) (*Injector, error) {
	if opts.Tmux == nil {
		return nil, fmt.Errorf("relay: tmux is required")
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Wrap.StartMarker == "" {
		opts.Wrap.StartMarker = "=== signalbox: start ==="
	}
	if opts.Wrap.DoneMarker == "" {
		opts.Wrap.DoneMarker = "=== signalbox: done ==="
	}
	if opts.Wrap.Trigger == "" {
		opts.Wrap.Trigger = "sb notify"
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Injector{
		tmux:   opts.Tmux,
		settle: opts.Settle,
		wrap:   opts.Wrap,
		out:    opts.Out,
		sleep:  opts.Sleep,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// lock serializes keystroke sequences per target session.
func (i *Injector) lock(target string) func() {
	i.locksMu.Lock()
	mu, ok := i.locks[target]
	if !ok {
		mu = &sync.Mutex{}
		i.locks[target] = mu
	}
	i.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Inject clears the input line, types command literally, and submits it.
// A failed step aborts the sequence; later steps are not attempted. Once
// the clear step begins the sequence runs to completion even if ctx is
// cancelled, so a half-typed command is never left behind.
func (i *Injector) Inject(ctx context.Context, command, target string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("relay: command is empty")
	}
	if target == "" {
		return fmt.Errorf("relay: target session is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	defer i.lock(target)()

	payload := command
	if i.wrap.Enabled {
		payload = i.Wrapped(command, target)
	}

	if err := i.tmux.SendKey(ctx, target, orchestration.KeyClearLine); err != nil {
		return &StepError{Step: StepClear, Target: target, Err: err}
	}
	i.sleep(ctx, i.settle)
	if err := i.tmux.SendLiteral(ctx, target, payload); err != nil {
		return &StepError{Step: StepType, Target: target, Err: err}
	}
	i.sleep(ctx, i.settle)
	if err := i.tmux.SendKey(ctx, target, orchestration.KeySubmit); err != nil {
		return &StepError{Step: StepSubmit, Target: target, Err: err}
	}

	fmt.Fprintf(i.out, "Relay: sent %q to %s\n", truncate(command, 60), target)
	return nil
}

// Wrapped returns the wrapped-mode payload for command.
func (i *Injector) Wrapped(command, target string) string {
	return fmt.Sprintf("echo %s; %s; echo %s; %s completed --session %s",
		shellQuote(i.wrap.StartMarker), command, shellQuote(i.wrap.DoneMarker),
		i.wrap.Trigger, shellQuote(target))
}

// Approve answers a numbered permission dialog with its first option.
func (i *Injector) Approve(ctx context.Context, target string) error {
	ctx = context.WithoutCancel(ctx)
	defer i.lock(target)()
	if err := i.tmux.SendLiteral(ctx, target, "1"); err != nil {
		return &StepError{Step: StepType, Target: target, Err: err}
	}
	i.sleep(ctx, i.settle)
	if err := i.tmux.SendKey(ctx, target, orchestration.KeyEnter); err != nil {
		return &StepError{Step: StepSubmit, Target: target, Err: err}
	}
	fmt.Fprintf(i.out, "Relay: approved permission prompt in %s\n", target)
	return nil
}

// RetryPolicy bounds InjectWithRetry. Attempts are 1 + len(Backoff); the
// wait before attempt n+1 is Backoff[n].
type RetryPolicy struct {
	Backoff []time.Duration
	// EnsureSession, when set, is called once if the target is missing
	// so the session can be started before the next attempt.
	EnsureSession func(ctx context.Context, target string) error
}

// DefaultRetryPolicy retries twice, after one and then three seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: []time.Duration{time.Second, 3 * time.Second}}
}

// InjectWithRetry injects command, retrying on failure per policy. It checks
// that the target exists before each attempt. A session started by
// EnsureSession always gets one attempt, even when the backoff schedule is
// exhausted.
func (i *Injector) InjectWithRetry(ctx context.Context, command, target string, policy RetryPolicy) error {
	attempts := 1 + len(policy.Backoff)
	ensured := false
	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			wait := i.settle
			if n-1 < len(policy.Backoff) {
				wait = policy.Backoff[n-1]
			}
			i.sleep(ctx, wait)
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("relay: cancelled after %d attempt(s): %w", n, lastErr)
			}
		}

		if !i.tmux.SessionExists(ctx, target) {
			lastErr = fmt.Errorf("%w: %s", ErrSessionMissing, target)
			if policy.EnsureSession != nil && !ensured {
				ensured = true
				fmt.Fprintf(i.out, "Relay: session %s missing, starting it\n", target)
				if err := policy.EnsureSession(ctx, target); err != nil {
					lastErr = fmt.Errorf("relay: start session %s: %w", target, err)
				} else if n == attempts-1 {
					attempts++
				}
			}
			continue
		}

		if err := i.Inject(ctx, command, target); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("relay: giving up after %d attempt(s): %w", attempts, lastErr)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
