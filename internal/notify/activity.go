package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/fsutil"
)

// TypeSubagent marks a finished subagent. It is recorded, not dispatched.
const TypeSubagent = "subagent"

// DefaultActivityMaxAge bounds how long unreported subagent activity is kept.
const DefaultActivityMaxAge = 24 * time.Hour

// Activity is one finished subagent run.
type Activity struct {
	Time        time.Time `json:"time"`
	Description string    `json:"description"`
}

type activityBucket struct {
	Started    time.Time  `json:"started"`
	Activities []Activity `json:"activities"`
}

// ActivityLog collects subagent activity per session until the session's
// next completion notification reports it. The log is a JSON file so the
// short-lived hook processes that record and report can share it.
type ActivityLog struct {
	path   string
	maxAge time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

// ActivityLogOpts holds parameters for creating an ActivityLog.
type ActivityLogOpts struct {
	Path   string
	MaxAge time.Duration    // defaults to DefaultActivityMaxAge
	Now    func() time.Time // defaults to time.Now
}

// NewActivityLog creates an ActivityLog backed by opts.Path.
func NewActivityLog(opts ActivityLogOpts) (*ActivityLog, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("notify: activity log path is required")
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultActivityMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ActivityLog{path: opts.Path, maxAge: opts.MaxAge, now: opts.Now}, nil
}

// Record appends a subagent activity for session.
func (l *ActivityLog) Record(session, description string) error {
	if session == "" {
		return fmt.Errorf("notify: activity session is required")
	}
	if description == "" {
		description = "Subagent finished"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	buckets, err := l.load()
	if err != nil {
		return err
	}
	now := l.now()
	b, ok := buckets[session]
	if !ok {
		b = &activityBucket{Started: now}
		buckets[session] = b
	}
	b.Activities = append(b.Activities, Activity{Time: now, Description: description})
	return l.save(buckets)
}

// Pending returns the unreported activity for session, oldest first.
func (l *ActivityLog) Pending(session string) ([]Activity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buckets, err := l.load()
	if err != nil {
		return nil, err
	}
	if b, ok := buckets[session]; ok {
		return b.Activities, nil
	}
	return nil, nil
}

// Clear forgets the activity for session.
func (l *ActivityLog) Clear(session string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buckets, err := l.load()
	if err != nil {
		return err
	}
	if _, ok := buckets[session]; !ok {
		return nil
	}
	delete(buckets, session)
	return l.save(buckets)
}

// load reads the file, dropping sessions whose activity started more than
// maxAge ago. A missing file is an empty log.
func (l *ActivityLog) load() (map[string]*activityBucket, error) {
	buckets := make(map[string]*activityBucket)
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return buckets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: read activity log: %w", err)
	}
	if err := json.Unmarshal(data, &buckets); err != nil {
		return nil, fmt.Errorf("notify: parse activity log: %w", err)
	}
	cutoff := l.now().Add(-l.maxAge)
	for session, b := range buckets {
		if b == nil || b.Started.Before(cutoff) {
			delete(buckets, session)
		}
	}
	return buckets, nil
}

func (l *ActivityLog) save(buckets map[string]*activityBucket) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("notify: write activity log: %w", err)
	}
	if err := fsutil.WriteJSON(l.path, buckets, 0600); err != nil {
		return fmt.Errorf("notify: write activity log: %w", err)
	}
	return nil
}

// FormatActivities lists activity as numbered lines under a count header.
func FormatActivities(acts []Activity, maxField int) string {
	if len(acts) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subagent activity (%d):", len(acts))
	for i, a := range acts {
		fmt.Fprintf(&b, "\n  %d. [%s] %s", i+1, a.Time.Format("15:04:05"), truncate(a.Description, maxField))
	}
	return b.String()
}
