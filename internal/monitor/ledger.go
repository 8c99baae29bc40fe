package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zulandar/signalbox/internal/fsutil"
)

// DefaultRetention is how long a fingerprint suppresses repeats.
const DefaultRetention = 24 * time.Hour

// ledger records when each fingerprint was first seen. When path is set the
// ledger survives restarts so startup reconciliation does not re-announce
// turns that were already delivered. Not safe for concurrent use.
type ledger struct {
	seen      map[string]time.Time
	retention time.Duration
	path      string
}

func newLedger(retention time.Duration, path string) *ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &ledger{seen: make(map[string]time.Time), retention: retention, path: path}
}

func (l *ledger) has(fp string) bool {
	_, ok := l.seen[fp]
	return ok
}

// add records fp and evicts entries older than the retention window.
func (l *ledger) add(fp string, now time.Time) {
	l.seen[fp] = now
	for k, at := range l.seen {
		if now.Sub(at) > l.retention {
			delete(l.seen, k)
		}
	}
}

func (l *ledger) load(now time.Time) error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: read ledger: %w", err)
	}
	var stored map[string]int64
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("monitor: parse ledger %s: %w", l.path, err)
	}
	for fp, unix := range stored {
		at := time.Unix(unix, 0)
		if now.Sub(at) <= l.retention {
			l.seen[fp] = at
		}
	}
	return nil
}

func (l *ledger) save() error {
	if l.path == "" {
		return nil
	}
	stored := make(map[string]int64, len(l.seen))
	for fp, at := range l.seen {
		stored[fp] = at.Unix()
	}
	return fsutil.WriteJSON(l.path, stored, 0600)
}
