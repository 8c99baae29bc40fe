package telegraph

import (
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/orchestration"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// maxFieldLen bounds question and response text in chat attachments.
const maxFieldLen = 500

const maxActivityLen = 120

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// notificationSeverity: completed turns are good news, waiting needs attention.
func notificationSeverity(typ string) string {
	if typ == notify.TypeWaiting {
		return "warning"
	}
	return "success"
}

// FormatNotification renders a notification as a chat attachment.
func FormatNotification(n notify.Notification) FormattedEvent {
	md := n.Metadata
	severity := notificationSeverity(n.Type)

	var body []string
	if md.UserQuestion != "" {
		body = append(body, "*Question:* "+truncate(md.UserQuestion, maxFieldLen))
	}
	if md.AssistantResponse != "" {
		body = append(body, "*Response:* "+truncate(md.AssistantResponse, maxFieldLen))
	}
	if acts := notify.FormatActivities(md.Subagents, maxActivityLen); acts != "" {
		body = append(body, acts)
	}
	if hint := notify.ReplyHint(md.Token); hint != "" {
		body = append(body, hint)
	}
	if len(body) == 0 {
		body = append(body, n.Message)
	}

	var fields []Field
	if md.TargetSession != "" {
		fields = append(fields, Field{Name: "Session", Value: md.TargetSession, Short: true})
	}
	if md.Token != "" {
		fields = append(fields, Field{Name: "Token", Value: md.Token, Short: true})
	}
	if n.Project != "" {
		fields = append(fields, Field{Name: "Project", Value: n.Project, Short: true})
	}
	if !md.Timestamp.IsZero() {
		fields = append(fields, Field{Name: "Time", Value: md.Timestamp.Format("2006-01-02 15:04:05"), Short: true})
	}

	return FormattedEvent{
		Title:    n.Title,
		Body:     strings.Join(body, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// FormatStatus renders session status for the !status command.
func FormatStatus(info *orchestration.StatusInfo) FormattedEvent {
	state, severity := "stopped", "error"
	if info.Running {
		state, severity = "running", "success"
	}

	var body []string
	body = append(body, fmt.Sprintf("*Session %s:* %s", info.Target, state))
	if info.Tail != "" {
		body = append(body, "```\n"+info.Tail+"\n```")
	}

	return FormattedEvent{
		Title:    "Signalbox Status",
		Body:     strings.Join(body, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields: []Field{
			{Name: "Target", Value: info.Target, Short: true},
			{Name: "Sessions", Value: fmt.Sprintf("%d", len(info.Sessions)), Short: true},
		},
	}
}

// FormatSessions lists tmux sessions, marking the relay target.
func FormatSessions(names []string, target string) string {
	if len(names) == 0 {
		return "No tmux sessions running."
	}
	var b strings.Builder
	b.WriteString("Tmux sessions:\n")
	for _, s := range names {
		if s == target {
			fmt.Fprintf(&b, "• %s (target)\n", s)
			continue
		}
		fmt.Fprintf(&b, "• %s\n", s)
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate returns s cut to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
