package orchestration

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readHooks(t *testing.T, dir string) (map[string]json.RawMessage, map[string][]hookEntry) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ".claude", "settings.json"))
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("parse settings: %v", err)
	}
	hooks := map[string][]hookEntry{}
	if err := json.Unmarshal(settings["hooks"], &hooks); err != nil {
		t.Fatalf("parse hooks: %v", err)
	}
	return settings, hooks
}

func TestEnsureHooks_CreatesNew(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureHooks(dir, "sb"); err != nil {
		t.Fatalf("EnsureHooks: %v", err)
	}

	_, hooks := readHooks(t, dir)
	for event, kind := range HookEvents {
		want := "sb notify " + kind
		if !hasHookCommand(hooks[event], want) {
			t.Errorf("event %s missing command %q", event, want)
		}
	}
}

func TestEnsureHooks_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	claudeDir := filepath.Join(dir, ".claude")
	os.MkdirAll(claudeDir, 0755)
	existing := `{
  "permissions": {"allow": ["Bash(git *)"]},
  "hooks": {"Stop": [{"matcher": "", "hooks": [{"type": "command", "command": "say done"}]}]}
}`
	os.WriteFile(filepath.Join(claudeDir, "settings.json"), []byte(existing), 0644)

	if err := EnsureHooks(dir, "/usr/local/bin/sb"); err != nil {
		t.Fatalf("EnsureHooks: %v", err)
	}

	settings, hooks := readHooks(t, dir)
	if _, ok := settings["permissions"]; !ok {
		t.Error("permissions key was dropped")
	}
	if !hasHookCommand(hooks["Stop"], "say done") {
		t.Error("existing Stop hook was not preserved")
	}
	if !hasHookCommand(hooks["Stop"], "/usr/local/bin/sb notify completed") {
		t.Error("Stop hook not added")
	}
}

func TestEnsureHooks_Idempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		if err := EnsureHooks(dir, "sb"); err != nil {
			t.Fatalf("EnsureHooks #%d: %v", i, err)
		}
	}
	_, hooks := readHooks(t, dir)
	if len(hooks["Stop"]) != 1 {
		t.Errorf("Stop entries = %d, want 1", len(hooks["Stop"]))
	}
}

func TestEnsureHooks_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	claudeDir := filepath.Join(dir, ".claude")
	os.MkdirAll(claudeDir, 0755)
	os.WriteFile(filepath.Join(claudeDir, "settings.json"), []byte("{not json"), 0644)

	if err := EnsureHooks(dir, "sb"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnsureHooks_RequiresBinary(t *testing.T) {
	if err := EnsureHooks(t.TempDir(), ""); err == nil {
		t.Fatal("expected error for empty binary")
	}
}
