// Package notify fans notifications out to delivery channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Notification types.
const (
	TypeCompleted = "completed"
	TypeWaiting   = "waiting"
)

// Metadata carries the conversation context of a notification.
type Metadata struct {
	UserQuestion      string
	AssistantResponse string
	TargetSession     string
	WorkingDirectory  string
	Timestamp         time.Time
	TriggerText       string
	Token             string
	Subagents         []Activity // reported on completion
	Extra             map[string]string
}

// Notification is an immutable message handed to every channel.
type Notification struct {
	Type     string
	Title    string
	Message  string
	Project  string
	Metadata Metadata
}

// Channel delivers notifications. Send reports whether delivery succeeded;
// it must honor ctx cancellation.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) (bool, error)
}

// New builds a Notification of the given type with the default title and
// message for that type.
func New(typ, project string, md Metadata) Notification {
	n := Notification{Type: typ, Project: project, Metadata: md}
	switch typ {
	case TypeWaiting:
		n.Title = "Assistant Waiting for Input"
		n.Message = "The assistant needs your input to continue"
	default:
		n.Title = "Assistant Task Completed"
		n.Message = "The assistant has completed a task and is ready for the next command"
	}
	if project != "" {
		n.Title = fmt.Sprintf("%s [%s]", n.Title, project)
	}
	return n
}

// ValidateType accepts completed or waiting.
func ValidateType(typ string) error {
	switch typ {
	case TypeCompleted, TypeWaiting:
		return nil
	}
	return fmt.Errorf("notify: unknown type %q (want %s or %s)", typ, TypeCompleted, TypeWaiting)
}

// ReplyHint is the instruction appended to messages that carry a token.
func ReplyHint(token string) string {
	if token == "" {
		return ""
	}
	return fmt.Sprintf("Reply with: %s <your command>", token)
}

// Summary renders the notification as plain text for simple channels.
func (n Notification) Summary(maxField int) string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString("\n")
	if n.Metadata.UserQuestion != "" {
		fmt.Fprintf(&b, "Question: %s\n", truncate(n.Metadata.UserQuestion, maxField))
	}
	if n.Metadata.AssistantResponse != "" {
		fmt.Fprintf(&b, "Response: %s\n", truncate(n.Metadata.AssistantResponse, maxField))
	}
	if n.Metadata.TargetSession != "" {
		fmt.Fprintf(&b, "Session: %s\n", n.Metadata.TargetSession)
	}
	if acts := FormatActivities(n.Metadata.Subagents, maxField); acts != "" {
		b.WriteString(acts)
		b.WriteString("\n")
	}
	if hint := ReplyHint(n.Metadata.Token); hint != "" {
		b.WriteString(hint)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate shortens s to max runes, appending "..." when cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
