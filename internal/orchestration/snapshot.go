package orchestration

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Snapshot is the visible text of a terminal session at one instant.
type Snapshot struct {
	Session    string
	Text       string
	CapturedAt time.Time
}

// SnapshotSource captures terminal contents. Concurrent captures of the same
// session share one tmux invocation.
type SnapshotSource struct {
	Tmux Tmux

	group singleflight.Group
	now   func() time.Time
}

// NewSnapshotSource returns a SnapshotSource over t.
func NewSnapshotSource(t Tmux) *SnapshotSource {
	return &SnapshotSource{Tmux: t, now: time.Now}
}

// Capture returns the current contents of session. A session that does not
// exist yields an empty Text and no error; other capture failures are returned.
func (s *SnapshotSource) Capture(ctx context.Context, session string) (Snapshot, error) {
	v, err, _ := s.group.Do(session, func() (interface{}, error) {
		if !s.Tmux.SessionExists(ctx, session) {
			return "", nil
		}
		return s.Tmux.CapturePane(ctx, session)
	})
	snap := Snapshot{Session: session, CapturedAt: s.clock()}
	if err != nil {
		return snap, err
	}
	snap.Text = v.(string)
	return snap, nil
}

func (s *SnapshotSource) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
