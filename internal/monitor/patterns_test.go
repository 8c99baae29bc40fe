package monitor

import "testing"

func TestClassify_Defaults(t *testing.T) {
	r := NewPatternRegistry()
	tests := []struct {
		name string
		tail string
		want State
	}{
		{"empty", "", StateNone},
		{"plain shell", "$ ls\nfoo bar", StateNone},
		{"response marker", "> hi\n⏺ Hello there", StateCompleted},
		{"bare marker no letters", "⏺ 123", StateNone},
		{"tool invocation", "Bash(go test ./...)", StateCompleted},
		{"success glyph", "✅ all good", StateCompleted},
		{"completed word", "Task Completed.", StateCompleted},
		{"successfully word", "Deployed successfully", StateCompleted},
		{"permission dialog", "╭────╮\n│ Bash command │\n│ ❯ 1. Yes │\n│   2. No  │\n╰────╯", StateWaiting},
		{"proceed prompt", "Do you want to proceed?\n  1. Yes", StateWaiting},
		{"proceed question without choices", "Do you want to proceed?", StateNone},
		{"cursor on first choice", "│ Allow edit? │\n│ ❯ 1  Allow │", StateWaiting},
		{"yes without box", "1. Yes", StateNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := r.Classify(tt.tail)
			if got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.tail, got, tt.want)
			}
		})
	}
}

func TestClassify_WaitingBeatsCompleted(t *testing.T) {
	tail := "⏺ I'll run the tests\nBash(go test ./...)\n│ Do you want to proceed? │\n│ ❯ 1. Yes │\n│ 2. No │"
	got, name := NewPatternRegistry().Classify(tail)
	if got != StateWaiting {
		t.Fatalf("Classify = %q (%s), want waiting", got, name)
	}
}

func TestAddPattern_WaitingInsertedBeforeCompleted(t *testing.T) {
	r := &PatternRegistry{}
	if err := r.AddPattern("done", `DONE`, StateCompleted); err != nil {
		t.Fatal(err)
	}
	if err := r.AddPattern("ask", `\?$`, StateWaiting); err != nil {
		t.Fatal(err)
	}
	if err := r.AddPattern("ask2", `\[y/N\]`, StateWaiting); err != nil {
		t.Fatal(err)
	}
	names := []string{}
	for _, p := range r.Patterns() {
		names = append(names, p.Name)
	}
	want := []string{"ask", "ask2", "done"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
	if got, _ := r.Classify("DONE. continue?"); got != StateWaiting {
		t.Errorf("Classify = %q, want waiting", got)
	}
}

func TestAddPattern_Errors(t *testing.T) {
	r := &PatternRegistry{}
	if err := r.AddPattern("bad", `(`, StateCompleted); err == nil {
		t.Error("expected compile error")
	}
	if err := r.AddPattern("bad", `x`, StateNone); err == nil {
		t.Error("expected state error")
	}
}

func TestNewPatternRegistryFromSpecs(t *testing.T) {
	r, err := NewPatternRegistryFromSpecs([]PatternSpec{
		{Name: "fin", State: "completed", Regex: `FIN`},
		{Name: "q", State: "Waiting", Regex: `\(y/n\)`},
	})
	if err != nil {
		t.Fatalf("NewPatternRegistryFromSpecs: %v", err)
	}
	if got, name := r.Classify("FIN (y/n)"); got != StateWaiting || name != "q" {
		t.Errorf("Classify = %q/%s", got, name)
	}

	if _, err := NewPatternRegistryFromSpecs([]PatternSpec{{Name: "x", State: "idle", Regex: "x"}}); err == nil {
		t.Error("expected error for unknown state")
	}

	def, err := NewPatternRegistryFromSpecs(nil)
	if err != nil || len(def.Patterns()) != len(defaultPatterns()) {
		t.Errorf("empty specs should yield defaults")
	}
}

func TestTailLines(t *testing.T) {
	text := "1\n2\n3\n4\n\n\n"
	if got := TailLines(text, 2); got != "3\n4" {
		t.Errorf("TailLines = %q", got)
	}
	if got := TailLines("a", 10); got != "a" {
		t.Errorf("TailLines = %q", got)
	}
}
