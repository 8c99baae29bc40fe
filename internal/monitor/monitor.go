// Package monitor watches a terminal session and reports when the assistant
// inside it finishes a task or stops to wait for input.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/orchestration"
)

// Defaults for MonitorOpts.
const (
	DefaultInterval      = time.Second
	DefaultTailLines     = 10
	DefaultStartupWindow = 5 * time.Minute
)

// Event is a classified state transition carrying the turn that caused it.
type Event struct {
	Type        State
	Turn        Turn
	Session     string
	Timestamp   time.Time
	TriggerText string // tail window that matched
	Pattern     string // name of the matching pattern
}

// SnapshotSource captures terminal contents.
type SnapshotSource interface {
	Capture(ctx context.Context, session string) (orchestration.Snapshot, error)
}

// ActivityFunc reports when the monitored terminal last produced output.
type ActivityFunc func(ctx context.Context) (time.Time, error)

// MonitorOpts holds parameters for creating a Monitor.
type MonitorOpts struct {
	Session       string
	Source        SnapshotSource
	Patterns      *PatternRegistry // defaults to NewPatternRegistry()
	Markers       Markers          // defaults to DefaultMarkers
	TailLines     int              // defaults to DefaultTailLines
	Interval      time.Duration    // defaults to DefaultInterval
	Retention     time.Duration    // defaults to DefaultRetention
	StartupWindow time.Duration    // defaults to DefaultStartupWindow
	LedgerPath    string           // optional fingerprint persistence
	Activity      ActivityFunc     // optional; nil treats the screen as fresh
	Out           io.Writer        // defaults to os.Stdout
	Now           func() time.Time // defaults to time.Now
}

// Stats is a point-in-time view of monitor progress.
type Stats struct {
	Session      string
	Ticks        int64
	Events       int64
	Fingerprints int
	LastEventAt  time.Time
	Missing      bool
}

// Monitor polls one session. Tick and Reconcile may be driven directly or
// through Run; a Monitor must not be ticked concurrently.
type Monitor struct {
	session       string
	source        SnapshotSource
	patterns      *PatternRegistry
	markers       Markers
	tailLines     int
	interval      time.Duration
	startupWindow time.Duration
	activity      ActivityFunc
	out           io.Writer
	now           func() time.Time

	mu          sync.Mutex
	last        string
	ledger      *ledger
	missing     bool
	ticks       int64
	events      int64
	lastEventAt time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Monitor.
func New(opts MonitorOpts) (*Monitor, error) {
	if opts.Session == "" {
		return nil, fmt.Errorf("monitor: session is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("monitor: snapshot source is required")
	}
	if opts.Patterns == nil {
		opts.Patterns = NewPatternRegistry()
	}
	if opts.Markers.Response == "" {
		opts.Markers.Response = DefaultMarkers.Response
	}
	if opts.Markers.Question == "" {
		opts.Markers.Question = DefaultMarkers.Question
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StartupWindow <= 0 {
		opts.StartupWindow = DefaultStartupWindow
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Monitor{
		session:       opts.Session,
		source:        opts.Source,
		patterns:      opts.Patterns,
		markers:       opts.Markers,
		tailLines:     opts.TailLines,
		interval:      opts.Interval,
		startupWindow: opts.StartupWindow,
		activity:      opts.Activity,
		out:           opts.Out,
		now:           opts.Now,
		ledger:        newLedger(opts.Retention, opts.LedgerPath),
		stop:          make(chan struct{}),
	}
	if err := m.ledger.load(m.now()); err != nil {
		log.Printf("monitor: %v (starting with empty ledger)", err)
	}
	return m, nil
}

// Session returns the monitored session name.
func (m *Monitor) Session() string { return m.session }

// Tick captures once and returns an event when the screen changed into a
// completed or waiting state with a turn not seen before.
func (m *Monitor) Tick(ctx context.Context) (*Event, error) {
	snap, err := m.source.Capture(ctx, m.session)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++

	if err != nil {
		m.noteMissing(true, err)
		return nil, fmt.Errorf("monitor: capture %s: %w", m.session, err)
	}
	m.noteMissing(snap.Text == "", nil)

	if snap.Text == m.last {
		return nil, nil
	}
	defer func() { m.last = snap.Text }()

	tail := TailLines(snap.Text, m.tailLines)
	state, pattern := m.patterns.Classify(tail)
	if state == StateNone {
		return nil, nil
	}

	turn := ExtractTurn(snap.Text, m.markers)
	key := string(state) + ":" + turn.Fingerprint()
	if m.ledger.has(key) {
		return nil, nil
	}
	return m.record(key, Event{
		Type:        state,
		Turn:        turn,
		Session:     m.session,
		Timestamp:   snap.CapturedAt,
		TriggerText: tail,
		Pattern:     pattern,
	}), nil
}

// Reconcile scans the whole current screen once and emits the latest
// response if the terminal was active within the startup window and the
// turn has not been reported. It seeds the comparison baseline for Tick.
func (m *Monitor) Reconcile(ctx context.Context) (*Event, error) {
	snap, err := m.source.Capture(ctx, m.session)
	if err != nil {
		return nil, fmt.Errorf("monitor: reconcile %s: %w", m.session, err)
	}

	m.mu.Lock()
	m.last = snap.Text
	m.mu.Unlock()

	responses := allResponses(snap.Text, m.markers)
	if len(responses) == 0 {
		return nil, nil
	}

	if m.activity != nil {
		at, err := m.activity(ctx)
		if err != nil {
			log.Printf("monitor: reconcile %s: activity: %v", m.session, err)
		} else if m.now().Sub(at) > m.startupWindow {
			return nil, nil
		}
	}

	latest := responses[len(responses)-1].Turn
	key := string(StateCompleted) + ":" + latest.Fingerprint()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger.has(key) {
		return nil, nil
	}
	fmt.Fprintf(m.out, "Monitor: recovered unreported response in %s\n", m.session)
	return m.record(key, Event{
		Type:        StateCompleted,
		Turn:        latest,
		Session:     m.session,
		Timestamp:   snap.CapturedAt,
		TriggerText: TailLines(snap.Text, m.tailLines),
		Pattern:     "startup-reconcile",
	}), nil
}

// record must be called with mu held.
func (m *Monitor) record(key string, ev Event) *Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.ledger.add(key, m.now())
	if err := m.ledger.save(); err != nil {
		log.Printf("monitor: save ledger: %v", err)
	}
	m.events++
	m.lastEventAt = ev.Timestamp
	return &ev
}

// noteMissing logs transitions into and out of an outage once each.
// Must be called with mu held.
func (m *Monitor) noteMissing(missing bool, err error) {
	switch {
	case missing && !m.missing:
		if err != nil {
			log.Printf("monitor: session %s unavailable: %v", m.session, err)
		} else {
			log.Printf("monitor: session %s not found or empty, waiting for it", m.session)
		}
	case !missing && m.missing:
		fmt.Fprintf(m.out, "Monitor: session %s is back\n", m.session)
	}
	m.missing = missing
}

// Run reconciles once, then ticks every interval until ctx is cancelled or
// Stop is called. handler runs synchronously in tick order.
func (m *Monitor) Run(ctx context.Context, handler func(Event)) {
	fmt.Fprintf(m.out, "Monitor: watching %s every %s\n", m.session, m.interval)

	if ev, err := m.Reconcile(ctx); err != nil {
		log.Printf("%v", err)
	} else if ev != nil {
		handler(*ev)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(m.out, "Monitor: stopped watching %s\n", m.session)
			return
		case <-m.stop:
			fmt.Fprintf(m.out, "Monitor: stopped watching %s\n", m.session)
			return
		case <-ticker.C:
			ev, err := m.Tick(ctx)
			if err != nil || ev == nil {
				continue
			}
			handler(*ev)
		}
	}
}

// Stop ends Run at its next iteration.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Stats returns current counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Session:      m.session,
		Ticks:        m.ticks,
		Events:       m.events,
		Fingerprints: len(m.ledger.seen),
		LastEventAt:  m.lastEventAt,
		Missing:      m.missing,
	}
}
