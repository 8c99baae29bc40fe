package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type hookEntry struct {
	Matcher string        `json:"matcher"`
	Hooks   []hookCommand `json:"hooks"`
}

// HookEvents maps assistant hook events to the notify argument they run.
// Subagent stops are recorded and reported with the next completion.
var HookEvents = map[string]string{
	"Stop":         "completed",
	"SubagentStop": "subagent",
	"Notification": "waiting",
}

// EnsureHooks ensures <projectDir>/.claude/settings.json runs notifyBinary
// on the assistant's completion and notification hooks. Unrelated settings
// and existing hooks are preserved; missing entries are merged in.
func EnsureHooks(projectDir, notifyBinary string) error {
	if notifyBinary == "" {
		return fmt.Errorf("orchestration: notify binary is required")
	}
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("orchestration: resolve project dir: %w", err)
	}
	claudeDir := filepath.Join(absDir, ".claude")
	settingsPath := filepath.Join(claudeDir, "settings.json")

	if err := os.MkdirAll(claudeDir, 0755); err != nil {
		return fmt.Errorf("orchestration: create .claude dir: %w", err)
	}

	settings := map[string]json.RawMessage{}
	data, err := os.ReadFile(settingsPath)
	if err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("orchestration: parse %s: %w", settingsPath, err)
		}
	}

	hooks := map[string][]hookEntry{}
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			return fmt.Errorf("orchestration: parse hooks in %s: %w", settingsPath, err)
		}
	}

	for event, kind := range HookEvents {
		command := fmt.Sprintf("%s notify %s", notifyBinary, kind)
		if hasHookCommand(hooks[event], command) {
			continue
		}
		hooks[event] = append(hooks[event], hookEntry{
			Hooks: []hookCommand{{Type: "command", Command: command}},
		})
	}

	raw, err := json.Marshal(hooks)
	if err != nil {
		return fmt.Errorf("orchestration: marshal hooks: %w", err)
	}
	settings["hooks"] = raw

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestration: marshal settings: %w", err)
	}
	out = append(out, '\n')
	if err := os.WriteFile(settingsPath, out, 0644); err != nil {
		return fmt.Errorf("orchestration: write %s: %w", settingsPath, err)
	}
	return nil
}

func hasHookCommand(entries []hookEntry, command string) bool {
	for _, e := range entries {
		for _, h := range e.Hooks {
			if h.Command == command {
				return true
			}
		}
	}
	return false
}
