package relay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/orchestration"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) {
	s.waits = append(s.waits, d)
}

func newTestInjector(t *testing.T, m *orchestration.MockTmux, wrap Wrap) (*Injector, *sleepRecorder) {
	t.Helper()
	sl := &sleepRecorder{}
	inj, err := NewInjector(InjectorOpts{Tmux: m, Wrap: wrap, Out: &bytes.Buffer{}, Sleep: sl.Sleep})
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}
	return inj, sl
}

func TestNewInjector_RequiresTmux(t *testing.T) {
	if _, err := NewInjector(InjectorOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestInject_Sequence(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	inj, sl := newTestInjector(t, m, Wrap{})

	if err := inj.Inject(context.Background(), "run the tests", "work"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	want := []orchestration.MockCall{
		{Method: "SendKey", Target: "work", Arg: orchestration.KeyClearLine},
		{Method: "SendLiteral", Target: "work", Arg: "run the tests"},
		{Method: "SendKey", Target: "work", Arg: orchestration.KeySubmit},
	}
	got := m.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if len(sl.waits) != 2 || sl.waits[0] != DefaultSettle || sl.waits[1] != DefaultSettle {
		t.Errorf("settle waits = %v", sl.waits)
	}
}

func TestInject_SpecialCharactersLiteral(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	inj, _ := newTestInjector(t, m, Wrap{})

	cmd := `echo "$HOME" 'x' ; C-c \n`
	if err := inj.Inject(context.Background(), cmd, "work"); err != nil {
		t.Fatal(err)
	}
	typed := m.CallsTo("SendLiteral")
	if len(typed) != 1 || typed[0].Arg != cmd {
		t.Errorf("typed = %+v", typed)
	}
}

func TestInject_StepFailureAborts(t *testing.T) {
	tests := []struct {
		name      string
		fail      func(m *orchestration.MockTmux)
		step      string
		wantCalls int
	}{
		{"clear", func(m *orchestration.MockTmux) { m.FailKey[orchestration.KeyClearLine] = errors.New("boom") }, StepClear, 1},
		{"type", func(m *orchestration.MockTmux) { m.Fail["SendLiteral"] = errors.New("boom") }, StepType, 2},
		{"submit", func(m *orchestration.MockTmux) { m.FailKey[orchestration.KeySubmit] = errors.New("boom") }, StepSubmit, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := orchestration.NewMockTmux("work")
			tt.fail(m)
			inj, _ := newTestInjector(t, m, Wrap{})

			err := inj.Inject(context.Background(), "ls", "work")
			var se *StepError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want StepError", err)
			}
			if se.Step != tt.step {
				t.Errorf("step = %q, want %q", se.Step, tt.step)
			}
			if n := len(m.Calls()); n != tt.wantCalls {
				t.Errorf("calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestInject_Validation(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	inj, _ := newTestInjector(t, m, Wrap{})

	if err := inj.Inject(context.Background(), "   ", "work"); err == nil {
		t.Error("empty command should fail")
	}
	if err := inj.Inject(context.Background(), "ls", ""); err == nil {
		t.Error("empty target should fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := inj.Inject(ctx, "ls", "work"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx err = %v", err)
	}
	if n := len(m.Calls()); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestInject_Wrapped(t *testing.T) {
	m := orchestration.NewMockTmux("shell")
	inj, _ := newTestInjector(t, m, Wrap{Enabled: true})

	if err := inj.Inject(context.Background(), "make build", "shell"); err != nil {
		t.Fatal(err)
	}
	typed := m.CallsTo("SendLiteral")[0].Arg
	want := "echo '=== signalbox: start ==='; make build; echo '=== signalbox: done ==='; sb notify completed --session 'shell'"
	if typed != want {
		t.Errorf("typed =\n  %q\nwant\n  %q", typed, want)
	}
}

func TestApprove(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	inj, sl := newTestInjector(t, m, Wrap{})

	if err := inj.Approve(context.Background(), "work"); err != nil {
		t.Fatal(err)
	}
	calls := m.Calls()
	if len(calls) != 2 || calls[0].Arg != "1" || calls[1].Arg != orchestration.KeyEnter {
		t.Errorf("calls = %+v", calls)
	}
	if len(sl.waits) != 1 {
		t.Errorf("waits = %v", sl.waits)
	}
}

func TestInjectWithRetry_SucceedsAfterTransientFailure(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	m.Fail["SendLiteral"] = errors.New("transient")
	inj, sl := newTestInjector(t, m, Wrap{})

	policy := RetryPolicy{Backoff: []time.Duration{time.Second, 2 * time.Second}}
	inj.sleep = func(ctx context.Context, d time.Duration) {
		sl.Sleep(ctx, d)
		if d == time.Second {
			delete(m.Fail, "SendLiteral")
		}
	}

	if err := inj.InjectWithRetry(context.Background(), "ls", "work", policy); err != nil {
		t.Fatalf("InjectWithRetry: %v", err)
	}
	if n := len(m.CallsTo("SendLiteral")); n != 2 {
		t.Errorf("typed %d times, want 2", n)
	}
}

func TestInjectWithRetry_GivesUp(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	m.Fail["SendLiteral"] = errors.New("dead")
	inj, sl := newTestInjector(t, m, Wrap{})

	err := inj.InjectWithRetry(context.Background(), "ls", "work", RetryPolicy{Backoff: []time.Duration{time.Second, 3 * time.Second}})
	if err == nil || !strings.Contains(err.Error(), "3 attempt") {
		t.Fatalf("err = %v", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepType {
		t.Errorf("err should wrap the last StepError: %v", err)
	}
	var backoffs []time.Duration
	for _, w := range sl.waits {
		if w != DefaultSettle {
			backoffs = append(backoffs, w)
		}
	}
	if len(backoffs) != 2 || backoffs[0] != time.Second || backoffs[1] != 3*time.Second {
		t.Errorf("backoffs = %v", backoffs)
	}
}

func TestInjectWithRetry_MissingSessionEnsured(t *testing.T) {
	m := orchestration.NewMockTmux()
	inj, _ := newTestInjector(t, m, Wrap{})

	ensures := 0
	policy := RetryPolicy{
		Backoff: []time.Duration{time.Millisecond},
		EnsureSession: func(ctx context.Context, target string) error {
			ensures++
			return m.CreateSession(ctx, target, "", "claude")
		},
	}
	if err := inj.InjectWithRetry(context.Background(), "hello", "claude-real", policy); err != nil {
		t.Fatalf("InjectWithRetry: %v", err)
	}
	if ensures != 1 {
		t.Errorf("ensures = %d, want 1", ensures)
	}
	if typed := m.CallsTo("SendLiteral"); len(typed) != 1 || typed[0].Target != "claude-real" {
		t.Errorf("typed = %+v", typed)
	}
}

func TestInjectWithRetry_EnsuredSessionWithoutBackoff(t *testing.T) {
	m := orchestration.NewMockTmux()
	inj, _ := newTestInjector(t, m, Wrap{})

	policy := RetryPolicy{
		EnsureSession: func(ctx context.Context, target string) error {
			return m.CreateSession(ctx, target, "", "claude")
		},
	}
	if err := inj.InjectWithRetry(context.Background(), "hello", "claude-real", policy); err != nil {
		t.Fatalf("InjectWithRetry: %v", err)
	}
	if typed := m.CallsTo("SendLiteral"); len(typed) != 1 || typed[0].Arg != "hello" {
		t.Errorf("typed = %+v", typed)
	}
}

func TestInject_ConcurrentSameTargetDoNotInterleave(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	inj, err := NewInjector(InjectorOpts{Tmux: m, Settle: 10 * time.Millisecond, Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	var wg sync.WaitGroup
	for _, cmd := range []string{"AAA", "BBB"} {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()
			if err := inj.Inject(context.Background(), cmd, "work"); err != nil {
				t.Errorf("Inject(%s): %v", cmd, err)
			}
		}(cmd)
	}
	wg.Wait()

	calls := m.Calls()
	if len(calls) != 6 {
		t.Fatalf("calls = %+v", calls)
	}
	for g := 0; g < 2; g++ {
		seq := calls[g*3 : g*3+3]
		if seq[0].Arg != orchestration.KeyClearLine || seq[1].Method != "SendLiteral" || seq[2].Arg != orchestration.KeySubmit {
			t.Errorf("sequence %d interleaved: %+v", g, calls)
		}
	}
}

func TestInject_ApproveWaitsForInjection(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	inj, err := NewInjector(InjectorOpts{Tmux: m, Settle: 10 * time.Millisecond, Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		inj.Inject(context.Background(), "ls", "work")
	}()
	go func() {
		defer wg.Done()
		time.Sleep(2 * time.Millisecond)
		inj.Approve(context.Background(), "work")
	}()
	wg.Wait()

	calls := m.Calls()
	if len(calls) != 5 {
		t.Fatalf("calls = %+v", calls)
	}
	first := calls[0].Method + ":" + calls[0].Arg
	if first == "SendLiteral:1" {
		if calls[1].Arg != orchestration.KeyEnter {
			t.Errorf("approve interleaved: %+v", calls)
		}
	} else if calls[2].Arg != orchestration.KeySubmit {
		t.Errorf("inject interleaved: %+v", calls)
	}
}

func TestInjectWithRetry_MissingSessionNoFallback(t *testing.T) {
	m := orchestration.NewMockTmux()
	inj, _ := newTestInjector(t, m, Wrap{})

	err := inj.InjectWithRetry(context.Background(), "hello", "gone", RetryPolicy{})
	if !errors.Is(err, ErrSessionMissing) {
		t.Fatalf("err = %v, want ErrSessionMissing", err)
	}
	if n := len(m.Calls()); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
}

func TestInjectWithRetry_CancelledBetweenAttempts(t *testing.T) {
	m := orchestration.NewMockTmux("work")
	m.Fail["SendLiteral"] = errors.New("dead")
	inj, _ := newTestInjector(t, m, Wrap{})

	ctx, cancel := context.WithCancel(context.Background())
	inj.sleep = func(context.Context, time.Duration) { cancel() }

	err := inj.InjectWithRetry(ctx, "ls", "work", DefaultRetryPolicy())
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("err = %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 6); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
