package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultAssistantCommand is launched in new sessions when none is configured.
const DefaultAssistantCommand = "claude"

// StartOpts configures starting an assistant session.
type StartOpts struct {
	Name    string
	Dir     string // working directory for the session
	Command string // defaults to DefaultAssistantCommand
	Tmux    Tmux
}

// Start creates a detached tmux session running the assistant command.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Name == "" {
		return fmt.Errorf("orchestration: session name is required")
	}
	if opts.Tmux == nil {
		return fmt.Errorf("orchestration: tmux is required")
	}
	if opts.Command == "" {
		opts.Command = DefaultAssistantCommand
	}
	if opts.Tmux.SessionExists(ctx, opts.Name) {
		return fmt.Errorf("orchestration: session %q already running", opts.Name)
	}
	if err := opts.Tmux.CreateSession(ctx, opts.Name, opts.Dir, opts.Command); err != nil {
		return fmt.Errorf("orchestration: %w", err)
	}
	return nil
}

// StopOpts configures stopping an assistant session.
type StopOpts struct {
	Name  string
	Grace time.Duration // pause between interrupt and kill (default 500ms)
	Tmux  Tmux
}

// Stop interrupts the foreground process and kills the session.
func Stop(ctx context.Context, opts StopOpts) error {
	if opts.Name == "" {
		return fmt.Errorf("orchestration: session name is required")
	}
	if opts.Tmux == nil {
		return fmt.Errorf("orchestration: tmux is required")
	}
	if opts.Grace <= 0 {
		opts.Grace = 500 * time.Millisecond
	}
	if !opts.Tmux.SessionExists(ctx, opts.Name) {
		return fmt.Errorf("orchestration: no session %q running", opts.Name)
	}

	// Best effort; kill-session follows regardless.
	_ = opts.Tmux.SendKey(ctx, opts.Name, "C-c")
	select {
	case <-ctx.Done():
	case <-time.After(opts.Grace):
	}

	if err := opts.Tmux.KillSession(context.WithoutCancel(ctx), opts.Name); err != nil {
		return fmt.Errorf("orchestration: %w", err)
	}
	return nil
}

// Restart stops the session if it is running and starts it again.
func Restart(ctx context.Context, opts StartOpts) error {
	if opts.Tmux == nil {
		return fmt.Errorf("orchestration: tmux is required")
	}
	if opts.Tmux.SessionExists(ctx, opts.Name) {
		if err := Stop(ctx, StopOpts{Name: opts.Name, Tmux: opts.Tmux}); err != nil {
			return err
		}
	}
	return Start(ctx, opts)
}

// StatusInfo describes the monitored session and its tmux server.
type StatusInfo struct {
	Target   string
	Running  bool
	Sessions []string
	Tail     string // last non-empty lines of the target, if running
}

// Status gathers session information for the target.
func Status(ctx context.Context, tmux Tmux, target string, tailLines int) (*StatusInfo, error) {
	if tmux == nil {
		return nil, fmt.Errorf("orchestration: tmux is required")
	}
	info := &StatusInfo{Target: target, Running: tmux.SessionExists(ctx, target)}

	sessions, err := tmux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestration: %w", err)
	}
	info.Sessions = sessions

	if info.Running && tailLines > 0 {
		text, err := tmux.CapturePane(ctx, target)
		if err == nil {
			info.Tail = LastLines(text, tailLines)
		}
	}
	return info, nil
}

// FormatStatus renders StatusInfo as a human-readable report.
func FormatStatus(info *StatusInfo) string {
	var b strings.Builder

	if info.Running {
		fmt.Fprintf(&b, "Session %s: RUNNING\n", info.Target)
	} else {
		fmt.Fprintf(&b, "Session %s: STOPPED\n", info.Target)
	}
	b.WriteString("\n")

	b.WriteString("TMUX SESSIONS\n")
	for _, s := range info.Sessions {
		marker := " "
		if s == info.Target {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s\n", marker, s)
	}
	if len(info.Sessions) == 0 {
		b.WriteString("  (no tmux sessions)\n")
	}

	if info.Tail != "" {
		b.WriteString("\nRECENT OUTPUT\n")
		b.WriteString(info.Tail)
		b.WriteString("\n")
	}
	return b.String()
}

// LastLines returns the last n non-empty lines of text.
func LastLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			kept = append(kept, lines[i])
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}
