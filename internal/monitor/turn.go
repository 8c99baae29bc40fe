package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Placeholders used when a marker line cannot be found.
const (
	PlaceholderQuestion = "Recent command"
	PlaceholderResponse = "Command executed"
)

// Markers are the line prefixes that identify conversation lines.
type Markers struct {
	Question string
	Response string
}

// DefaultMarkers match the assistant's terminal rendering.
var DefaultMarkers = Markers{Question: "> ", Response: "⏺ "}

// Turn is the most recent question/response pair visible in a snapshot.
// Neither field is ever empty.
type Turn struct {
	UserQuestion      string
	AssistantResponse string
}

// Fingerprint identifies a turn for duplicate suppression.
func (t Turn) Fingerprint() string {
	sum := sha256.Sum256([]byte(t.UserQuestion + "\x00" + t.AssistantResponse))
	return hex.EncodeToString(sum[:16])
}

// responseAt pairs a response line with the question that preceded it.
type responseAt struct {
	Line int
	Turn Turn
}

// ExtractTurn scans backward for the last response line, then backward from
// there for the question that prompted it.
func ExtractTurn(text string, m Markers) Turn {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if resp, ok := markedText(lines[i], m.Response); ok {
			return Turn{UserQuestion: questionBefore(lines, i, m), AssistantResponse: resp}
		}
	}
	return Turn{UserQuestion: questionBefore(lines, len(lines), m), AssistantResponse: PlaceholderResponse}
}

// allResponses returns every response line in text, oldest first.
func allResponses(text string, m Markers) []responseAt {
	lines := strings.Split(text, "\n")
	var out []responseAt
	for i, l := range lines {
		if resp, ok := markedText(l, m.Response); ok {
			out = append(out, responseAt{Line: i, Turn: Turn{UserQuestion: questionBefore(lines, i, m), AssistantResponse: resp}})
		}
	}
	return out
}

func questionBefore(lines []string, end int, m Markers) string {
	for j := end - 1; j >= 0; j-- {
		if q, ok := markedText(lines[j], m.Question); ok {
			return q
		}
	}
	return PlaceholderQuestion
}

// markedText returns the text after prefix when line carries it and has content.
func markedText(line, prefix string) (string, bool) {
	line = strings.TrimSpace(line)
	if prefix == "" || !strings.HasPrefix(line, prefix) {
		return "", false
	}
	rest := strings.TrimSpace(line[len(prefix):])
	return rest, rest != ""
}
