package orchestration

import (
	"context"
	"os"
	"time"
)

// DefaultSession is the tmux session monitored when none is configured.
const DefaultSession = "claude-real"

// SessionFromEnv returns $TMUX_SESSION or DefaultSession.
func SessionFromEnv() string {
	if s := os.Getenv("TMUX_SESSION"); s != "" {
		return s
	}
	return DefaultSession
}

// Tmux abstracts tmux operations for testability.
type Tmux interface {
	SessionExists(ctx context.Context, name string) bool
	CreateSession(ctx context.Context, name, dir, command string) error
	KillSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) ([]string, error)
	CapturePane(ctx context.Context, target string) (string, error)
	SendLiteral(ctx context.Context, target, text string) error
	SendKey(ctx context.Context, target, key string) error
	DisplayMessage(ctx context.Context, target, msg string) error
	CurrentSession(ctx context.Context) (string, error)
}

// ActivityReporter is implemented by backends that know when a session last
// produced output.
type ActivityReporter interface {
	SessionActivity(ctx context.Context, name string) (time.Time, error)
}

// Named keys understood by SendKey.
const (
	KeyClearLine = "C-u"
	KeySubmit    = "C-m"
	KeyEnter     = "Enter"
)
