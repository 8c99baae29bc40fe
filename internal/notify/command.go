package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/orchestration"
	"github.com/zulandar/signalbox/internal/shell"
)

// CommandChannel runs a shell command template per notification, for
// desktop notifiers, sounds, or custom webhooks. Placeholders are replaced
// with single-quote-escaped values; the same values are exported as SB_*
// environment variables for templates that prefer "$SB_TITLE".
type CommandChannel struct {
	Template string // e.g. "notify-send '{{.Title}}' '{{.Response}}'"
	Exec     shell.Executor
}

func (c *CommandChannel) Name() string { return "command" }

func (c *CommandChannel) Send(ctx context.Context, n Notification) (bool, error) {
	if c.Template == "" {
		return false, fmt.Errorf("command channel: template is empty")
	}
	exec := c.Exec
	if exec == nil {
		exec = shell.Exec{}
	}
	cmd := shell.Sh(TemplateCommand(c.Template, n), 0)
	cmd.Env = notificationEnv(n)
	res := exec.Run(ctx, cmd)
	if !res.OK() {
		return false, fmt.Errorf("command channel: %w", res.Error())
	}
	return true, nil
}

func fields(n Notification) [][2]string {
	return [][2]string{
		{"Type", n.Type},
		{"Title", n.Title},
		{"Message", n.Message},
		{"Project", n.Project},
		{"Question", n.Metadata.UserQuestion},
		{"Response", n.Metadata.AssistantResponse},
		{"Session", n.Metadata.TargetSession},
		{"Token", n.Metadata.Token},
	}
}

// TemplateCommand replaces {{.Field}} placeholders in command with values
// escaped for use inside single quotes.
func TemplateCommand(command string, n Notification) string {
	var pairs []string
	for _, f := range fields(n) {
		pairs = append(pairs, "{{."+f[0]+"}}", strings.ReplaceAll(f[1], "'", `'\''`))
	}
	return strings.NewReplacer(pairs...).Replace(command)
}

func notificationEnv(n Notification) []string {
	var env []string
	for _, f := range fields(n) {
		env = append(env, "SB_"+strings.ToUpper(f[0])+"="+f[1])
	}
	return env
}

// TmuxChannel shows a status-line message in the target session.
type TmuxChannel struct {
	Tmux orchestration.Tmux
}

func (c *TmuxChannel) Name() string { return "tmux" }

func (c *TmuxChannel) Send(ctx context.Context, n Notification) (bool, error) {
	if c.Tmux == nil {
		return false, fmt.Errorf("tmux channel: tmux is required")
	}
	target := n.Metadata.TargetSession
	if target == "" || !c.Tmux.SessionExists(ctx, target) {
		return false, fmt.Errorf("tmux channel: session %q not available", target)
	}
	msg := n.Title
	if hint := ReplyHint(n.Metadata.Token); hint != "" {
		msg += " | " + hint
	}
	if err := c.Tmux.DisplayMessage(ctx, target, msg); err != nil {
		return false, fmt.Errorf("tmux channel: %w", err)
	}
	return true, nil
}
