package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHooksInstall(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "", "hooks", "install", "--dir", dir, "--binary", "/usr/local/bin/sb")
	if err != nil {
		t.Fatalf("install: %v\n%s", err, out)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".claude", "settings.json"))
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	for _, want := range []string{"/usr/local/bin/sb notify completed", "/usr/local/bin/sb notify waiting", "/usr/local/bin/sb notify subagent", "SubagentStop"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("settings missing %q:\n%s", want, data)
		}
	}

	// A second install must not duplicate entries.
	if _, err := runCLI(t, "", "hooks", "install", "--dir", dir, "--binary", "/usr/local/bin/sb"); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	again, _ := os.ReadFile(filepath.Join(dir, ".claude", "settings.json"))
	if strings.Count(string(again), "notify waiting") != 1 {
		t.Errorf("hooks duplicated:\n%s", again)
	}
}
