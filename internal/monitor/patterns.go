package monitor

import (
	"fmt"
	"regexp"
	"strings"
)

// State is the classification of a terminal tail window.
type State string

const (
	StateNone      State = ""
	StateCompleted State = "completed"
	StateWaiting   State = "waiting"
)

// ParseState accepts "completed" or "waiting".
func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateCompleted:
		return StateCompleted, nil
	case StateWaiting:
		return StateWaiting, nil
	}
	return StateNone, fmt.Errorf("monitor: unknown state %q (want completed or waiting)", s)
}

// Pattern maps output text to a terminal state.
type Pattern struct {
	Name  string
	State State
	Regex *regexp.Regexp
}

// PatternSpec is the uncompiled, configurable form of a Pattern.
type PatternSpec struct {
	Name  string `yaml:"name" toml:"name"`
	State string `yaml:"state" toml:"state"`
	Regex string `yaml:"regex" toml:"regex"`
}

// PatternRegistry holds patterns in priority order; first match wins.
// Waiting patterns always precede completed patterns so an interactive
// prompt is never reported as a finished task.
type PatternRegistry struct {
	patterns []Pattern
}

// NewPatternRegistry creates a registry with the default patterns.
func NewPatternRegistry() *PatternRegistry {
	return &PatternRegistry{patterns: defaultPatterns()}
}

// NewPatternRegistryFromSpecs compiles specs into a registry. An empty list
// yields the defaults.
func NewPatternRegistryFromSpecs(specs []PatternSpec) (*PatternRegistry, error) {
	if len(specs) == 0 {
		return NewPatternRegistry(), nil
	}
	r := &PatternRegistry{}
	for _, s := range specs {
		state, err := ParseState(s.State)
		if err != nil {
			return nil, fmt.Errorf("monitor: pattern %q: %w", s.Name, err)
		}
		if err := r.AddPattern(s.Name, s.Regex, state); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddPattern compiles and registers a pattern. Waiting patterns are inserted
// after the last existing waiting pattern; completed patterns are appended.
func (r *PatternRegistry) AddPattern(name, expr string, state State) error {
	if state != StateCompleted && state != StateWaiting {
		return fmt.Errorf("monitor: pattern %q: invalid state %q", name, state)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("monitor: pattern %q: %w", name, err)
	}
	p := Pattern{Name: name, State: state, Regex: re}
	if state == StateCompleted {
		r.patterns = append(r.patterns, p)
		return nil
	}
	i := 0
	for i < len(r.patterns) && r.patterns[i].State == StateWaiting {
		i++
	}
	r.patterns = append(r.patterns, Pattern{})
	copy(r.patterns[i+1:], r.patterns[i:])
	r.patterns[i] = p
	return nil
}

// Patterns returns the registered patterns in evaluation order.
func (r *PatternRegistry) Patterns() []Pattern {
	out := make([]Pattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Classify returns the state of the first matching pattern and its name.
func (r *PatternRegistry) Classify(tail string) (State, string) {
	if strings.TrimSpace(tail) == "" {
		return StateNone, ""
	}
	for _, p := range r.patterns {
		if p.Regex.MatchString(tail) {
			return p.State, p.Name
		}
	}
	return StateNone, ""
}

func defaultPatterns() []Pattern {
	return []Pattern{
		// Interactive permission dialogs: a box-drawn menu whose first choice
		// is "1. Yes" or sits under the ❯ cursor.
		{"permission-dialog", StateWaiting, regexp.MustCompile(`(?s)(?:│.*(?:1\.\s*Yes|❯\s*1)|(?:1\.\s*Yes|❯\s*1).*│)`)},
		{"proceed-prompt", StateWaiting, regexp.MustCompile(`(?s)Do you want to proceed\?.*1\.\s*Yes`)},

		{"response-marker", StateCompleted, regexp.MustCompile(`⏺.*[a-zA-Z]`)},
		{"tool-invocation", StateCompleted, regexp.MustCompile(`\b(?:Bash|Read|Write|Edit|Update)\(.*\)`)},
		{"success-glyph", StateCompleted, regexp.MustCompile(`✅`)},
		{"completed-word", StateCompleted, regexp.MustCompile(`(?i)\bcompleted\b`)},
		{"successfully-word", StateCompleted, regexp.MustCompile(`(?i)successfully`)},
	}
}

// TailLines returns the last n lines of text, trailing blank lines ignored.
func TailLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n "), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
