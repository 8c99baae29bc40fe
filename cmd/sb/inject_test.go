package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/signalman"
)

var errTest = errors.New("test failure")

func issueToken(t *testing.T, path, target string) string {
	t.Helper()
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	reg, closeReg, err := signalman.OpenRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeReg()
	s, err := reg.Create(context.Background(), target, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s.Token
}

func TestInject_CommandFromArgs(t *testing.T) {
	path := writeConfig(t, "")
	m := useMockTmux(t, "claude-real")
	token := issueToken(t, path, "claude-real")

	out, err := runCLI(t, "", "inject", "-c", path, strings.ToLower(token), "npm", "test")
	if err != nil {
		t.Fatalf("inject: %v\n%s", err, out)
	}
	lits := m.CallsTo("SendLiteral")
	if len(lits) != 1 || lits[0].Arg != "npm test" || lits[0].Target != "claude-real" {
		t.Errorf("SendLiteral calls = %+v", lits)
	}
	if !strings.Contains(out, "Command sent to claude-real") {
		t.Errorf("output = %s", out)
	}
}

func TestInject_CommandFromStdin(t *testing.T) {
	path := writeConfig(t, "")
	m := useMockTmux(t, "claude-real")
	token := issueToken(t, path, "claude-real")

	if out, err := runCLI(t, "git status\n", "inject", "-c", path, token); err != nil {
		t.Fatalf("inject: %v\n%s", err, out)
	}
	lits := m.CallsTo("SendLiteral")
	if len(lits) != 1 || lits[0].Arg != "git status" {
		t.Errorf("SendLiteral calls = %+v", lits)
	}
}

func TestInject_Errors(t *testing.T) {
	path := writeConfig(t, "")
	m := useMockTmux(t, "claude-real")
	token := issueToken(t, path, "claude-real")

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"unknown token", "", []string{"ZZZZ2345", "ls"}},
		{"empty command", "  \n", []string{token}},
		{"no token", "", nil},
	}
	for _, tt := range tests {
		args := append([]string{"inject", "-c", path}, tt.args...)
		if _, err := runCLI(t, tt.stdin, args...); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if n := len(m.CallsTo("SendLiteral")); n != 0 {
		t.Errorf("nothing should be typed, got %d literal(s)", n)
	}
}

func TestInject_TargetMissingFails(t *testing.T) {
	path := writeConfig(t, "")
	m := useMockTmux(t)
	m.Fail["CreateSession"] = errTest
	token := issueToken(t, path, "claude-real")

	if _, err := runCLI(t, "", "inject", "-c", path, token, "ls"); err == nil {
		t.Fatal("expected error when the session cannot be started")
	}
}
