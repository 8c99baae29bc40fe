package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockTmux is an in-memory Tmux for tests. Sessions hold the text returned by
// CapturePane; every mutating call is recorded in order.
type MockTmux struct {
	mu       sync.Mutex
	sessions map[string]string
	calls    []MockCall
	current  string

	// Per-operation failure injection, keyed by method name
	// ("SendLiteral", "SendKey", "CapturePane", ...).
	Fail map[string]error
	// FailKey fails SendKey only for the named key.
	FailKey map[string]error
}

// MockCall records one invocation.
type MockCall struct {
	Method string
	Target string
	Arg    string
}

// NewMockTmux returns a MockTmux with the given sessions pre-created.
func NewMockTmux(sessions ...string) *MockTmux {
	m := &MockTmux{sessions: make(map[string]string), Fail: map[string]error{}, FailKey: map[string]error{}}
	for _, s := range sessions {
		m.sessions[s] = ""
	}
	if len(sessions) > 0 {
		m.current = sessions[0]
	}
	return m
}

// SetScreen replaces the captured text of a session, creating it if needed.
func (m *MockTmux) SetScreen(session, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session] = text
}

// Remove deletes a session without recording a call.
func (m *MockTmux) Remove(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, session)
}

// Calls returns a copy of the recorded calls.
func (m *MockTmux) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns recorded calls for one method.
func (m *MockTmux) CallsTo(method string) []MockCall {
	var out []MockCall
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockTmux) record(method, target, arg string) error {
	m.calls = append(m.calls, MockCall{Method: method, Target: target, Arg: arg})
	if method == "SendKey" {
		if err := m.FailKey[arg]; err != nil {
			return err
		}
	}
	return m.Fail[method]
}

func (m *MockTmux) SessionExists(_ context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok
}

func (m *MockTmux) CreateSession(_ context.Context, name, dir, command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateSession", name, command); err != nil {
		return err
	}
	if _, ok := m.sessions[name]; ok {
		return fmt.Errorf("duplicate session: %s", name)
	}
	m.sessions[name] = ""
	return nil
}

func (m *MockTmux) KillSession(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("KillSession", name, ""); err != nil {
		return err
	}
	if _, ok := m.sessions[name]; !ok {
		return fmt.Errorf("can't find session: %s", name)
	}
	delete(m.sessions, name)
	return nil
}

func (m *MockTmux) ListSessions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Fail["ListSessions"]; err != nil {
		return nil, err
	}
	var out []string
	for s := range m.sessions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockTmux) CapturePane(_ context.Context, target string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Fail["CapturePane"]; err != nil {
		return "", err
	}
	text, ok := m.sessions[target]
	if !ok {
		return "", fmt.Errorf("can't find pane: %s", target)
	}
	return text, nil
}

func (m *MockTmux) SendLiteral(_ context.Context, target, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("SendLiteral", target, text)
}

func (m *MockTmux) SendKey(_ context.Context, target, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("SendKey", target, key)
}

func (m *MockTmux) DisplayMessage(_ context.Context, target, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("DisplayMessage", target, msg)
}

func (m *MockTmux) CurrentSession(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return "", fmt.Errorf("not inside tmux")
	}
	return m.current, nil
}
