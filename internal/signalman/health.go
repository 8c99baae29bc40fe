package signalman

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/monitor"
)

// DefaultHealthInterval is how often RunDaemon prints a health line.
const DefaultHealthInterval = 60 * time.Second

// Health summarises a running Service.
type Health struct {
	Session        string
	SessionRunning bool
	Monitor        monitor.Stats
	Channels       []string
	Tokens         int
	LiveTokens     int
}

// CheckHealth gathers a Health snapshot. Registry errors are returned after
// the rest of the snapshot is filled in.
func CheckHealth(ctx context.Context, svc *Service) (Health, error) {
	if svc == nil {
		return Health{}, fmt.Errorf("signalman: service is required")
	}
	h := Health{
		Session:        svc.Config.TmuxSession,
		SessionRunning: svc.Tmux.SessionExists(ctx, svc.Config.TmuxSession),
		Channels:       svc.Dispatcher.ChannelNames(),
	}
	if svc.Monitor != nil {
		h.Monitor = svc.Monitor.Stats()
	}
	sessions, err := svc.Registry.List(ctx)
	if err != nil {
		return h, fmt.Errorf("signalman: health: %w", err)
	}
	h.Tokens = len(sessions)
	for _, s := range sessions {
		if !svc.Registry.IsExpired(s) {
			h.LiveTokens++
		}
	}
	return h, nil
}

// String renders h as a single log line.
func (h Health) String() string {
	state := "running"
	if !h.SessionRunning {
		state = "missing"
	}
	channels := "none"
	if len(h.Channels) > 0 {
		channels = strings.Join(h.Channels, ",")
	}
	last := "never"
	if !h.Monitor.LastEventAt.IsZero() {
		last = h.Monitor.LastEventAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("Health: session=%s (%s) ticks=%d events=%d last_event=%s channels=%s tokens=%d/%d live",
		h.Session, state, h.Monitor.Ticks, h.Monitor.Events, last, channels, h.LiveTokens, h.Tokens)
}
