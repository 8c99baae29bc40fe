package orchestration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/shell"
)

// DefaultCommandTimeout bounds each tmux invocation.
const DefaultCommandTimeout = 3 * time.Second

// RealTmux is the production implementation that calls the real tmux binary
// through a shell.Executor.
type RealTmux struct {
	Exec    shell.Executor
	Timeout time.Duration
}

// NewRealTmux returns a RealTmux backed by os/exec.
func NewRealTmux() *RealTmux {
	return &RealTmux{Exec: shell.Exec{}, Timeout: DefaultCommandTimeout}
}

func (t *RealTmux) command(args ...string) shell.Command {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return shell.Command{Name: "tmux", Args: args, Timeout: timeout}
}

func (t *RealTmux) run(ctx context.Context, args ...string) shell.Result {
	return t.Exec.Run(ctx, t.command(args...))
}

func (t *RealTmux) SessionExists(ctx context.Context, name string) bool {
	return t.run(ctx, "has-session", "-t", name).OK()
}

func (t *RealTmux) CreateSession(ctx context.Context, name, dir, command string) error {
	args := []string{"new-session", "-d", "-s", name, "-x", "200", "-y", "50"}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if command != "" {
		args = append(args, command)
	}
	c := t.command(args...)
	// Unset TMUX so this works when invoked from inside an existing tmux session.
	c.Unset = []string{"TMUX"}
	if res := t.Exec.Run(ctx, c); !res.OK() {
		return fmt.Errorf("create tmux session %q: %w", name, res.Error())
	}
	return nil
}

func (t *RealTmux) KillSession(ctx context.Context, name string) error {
	if res := t.run(ctx, "kill-session", "-t", name); !res.OK() {
		return fmt.Errorf("kill tmux session %q: %w", name, res.Error())
	}
	return nil
}

func (t *RealTmux) ListSessions(ctx context.Context) ([]string, error) {
	res := t.run(ctx, "list-sessions", "-F", "#{session_name}")
	if res.Err != nil {
		return nil, fmt.Errorf("list tmux sessions: %w", res.Err)
	}
	// tmux exits nonzero when no server is running; that is an empty list.
	if res.ExitCode != 0 {
		return nil, nil
	}
	var sessions []string
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			sessions = append(sessions, l)
		}
	}
	return sessions, nil
}

func (t *RealTmux) CapturePane(ctx context.Context, target string) (string, error) {
	res := t.run(ctx, "capture-pane", "-p", "-J", "-t", target)
	if !res.OK() {
		return "", fmt.Errorf("capture pane %q: %w", target, res.Error())
	}
	return res.Stdout, nil
}

// SendLiteral types text without key-name interpretation.
func (t *RealTmux) SendLiteral(ctx context.Context, target, text string) error {
	if res := t.run(ctx, "send-keys", "-t", target, "-l", "--", text); !res.OK() {
		return fmt.Errorf("send literal to %q: %w", target, res.Error())
	}
	return nil
}

func (t *RealTmux) SendKey(ctx context.Context, target, key string) error {
	if res := t.run(ctx, "send-keys", "-t", target, key); !res.OK() {
		return fmt.Errorf("send key %s to %q: %w", key, target, res.Error())
	}
	return nil
}

func (t *RealTmux) DisplayMessage(ctx context.Context, target, msg string) error {
	args := []string{"display-message"}
	if target != "" {
		args = append(args, "-t", target)
	}
	args = append(args, msg)
	if res := t.run(ctx, args...); !res.OK() {
		return fmt.Errorf("display message on %q: %w", target, res.Error())
	}
	return nil
}

// CurrentSession reports the session of the calling client ($TMUX must be set).
func (t *RealTmux) CurrentSession(ctx context.Context) (string, error) {
	res := t.run(ctx, "display-message", "-p", "#S")
	if !res.OK() {
		return "", fmt.Errorf("current tmux session: %w", res.Error())
	}
	name := strings.TrimSpace(res.Stdout)
	if name == "" {
		return "", fmt.Errorf("current tmux session: empty name")
	}
	return name, nil
}

// SessionActivity reports when the session last produced output, from
// tmux's #{session_activity} (unix seconds).
func (t *RealTmux) SessionActivity(ctx context.Context, name string) (time.Time, error) {
	res := t.run(ctx, "display-message", "-p", "-t", name, "#{session_activity}")
	if !res.OK() {
		return time.Time{}, fmt.Errorf("session activity %q: %w", name, res.Error())
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("session activity %q: %w", name, err)
	}
	return time.Unix(sec, 0), nil
}
