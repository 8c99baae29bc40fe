package telegraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/orchestration"
)

// commandPrefix marks system commands in chat ("!status").
const commandPrefix = "!"

// statusTailLines is how much recent output !status includes.
const statusTailLines = 5

// CommandHandler processes "!" system commands from chat.
type CommandHandler struct {
	tmux     orchestration.Tmux
	target   string
	startDir string
	startCmd string
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Tmux         orchestration.Tmux
	Target       string // default session for commands without a name
	StartDir     string
	StartCommand string // defaults to orchestration.DefaultAssistantCommand
}

// CommandResponse is the reply to a system command.
type CommandResponse struct {
	Text  string
	Event *FormattedEvent
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Tmux == nil {
		return nil, fmt.Errorf("telegraph: command handler: tmux is required")
	}
	if opts.Target == "" {
		opts.Target = orchestration.DefaultSession
	}
	return &CommandHandler{
		tmux:     opts.Tmux,
		target:   opts.Target,
		startDir: opts.StartDir,
		startCmd: opts.StartCommand,
	}, nil
}

// isCommand reports whether text is a system command.
func isCommand(text string) bool {
	return strings.HasPrefix(text, commandPrefix) && len(text) > len(commandPrefix)
}

// parseCommand strips the prefix and splits the remaining text. Only the
// command word is lowercased; tmux session names are case-sensitive.
func parseCommand(text string) []string {
	text = strings.TrimPrefix(strings.TrimSpace(text), commandPrefix)
	args := strings.Fields(text)
	if len(args) > 0 {
		args[0] = strings.ToLower(args[0])
	}
	return args
}

// Execute runs a system command and returns the reply.
func (ch *CommandHandler) Execute(ctx context.Context, text string) CommandResponse {
	args := parseCommand(text)
	if len(args) == 0 {
		return CommandResponse{Text: HelpText()}
	}

	name := ch.target
	if len(args) > 1 {
		name = args[1]
	}

	switch args[0] {
	case "help":
		return CommandResponse{Text: HelpText()}
	case "status":
		return ch.cmdStatus(ctx)
	case "sessions":
		return ch.cmdSessions(ctx)
	case "start":
		return ch.cmdStart(ctx, name)
	case "kill", "stop":
		return ch.cmdKill(ctx, name)
	case "restart":
		return ch.cmdRestart(ctx, name)
	default:
		return CommandResponse{Text: fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], HelpText())}
	}
}

func (ch *CommandHandler) cmdStatus(ctx context.Context) CommandResponse {
	info, err := orchestration.Status(ctx, ch.tmux, ch.target, statusTailLines)
	if err != nil {
		return CommandResponse{Text: fmt.Sprintf("Error getting status: %v", err)}
	}
	evt := FormatStatus(info)
	return CommandResponse{Text: evt.Title, Event: &evt}
}

func (ch *CommandHandler) cmdSessions(ctx context.Context) CommandResponse {
	names, err := ch.tmux.ListSessions(ctx)
	if err != nil {
		return CommandResponse{Text: fmt.Sprintf("Error listing sessions: %v", err)}
	}
	return CommandResponse{Text: FormatSessions(names, ch.target)}
}

func (ch *CommandHandler) cmdStart(ctx context.Context, name string) CommandResponse {
	err := orchestration.Start(ctx, orchestration.StartOpts{
		Name: name, Dir: ch.startDir, Command: ch.startCmd, Tmux: ch.tmux,
	})
	if err != nil {
		return CommandResponse{Text: fmt.Sprintf("Failed to start %s: %v", name, err)}
	}
	return CommandResponse{Text: fmt.Sprintf("Started session %s", name)}
}

func (ch *CommandHandler) cmdKill(ctx context.Context, name string) CommandResponse {
	if err := orchestration.Stop(ctx, orchestration.StopOpts{Name: name, Tmux: ch.tmux}); err != nil {
		return CommandResponse{Text: fmt.Sprintf("Failed to kill %s: %v", name, err)}
	}
	return CommandResponse{Text: fmt.Sprintf("Killed session %s", name)}
}

func (ch *CommandHandler) cmdRestart(ctx context.Context, name string) CommandResponse {
	err := orchestration.Restart(ctx, orchestration.StartOpts{
		Name: name, Dir: ch.startDir, Command: ch.startCmd, Tmux: ch.tmux,
	})
	if err != nil {
		return CommandResponse{Text: fmt.Sprintf("Failed to restart %s: %v", name, err)}
	}
	return CommandResponse{Text: fmt.Sprintf("Restarted session %s", name)}
}

// HelpText describes the reply format and system commands.
func HelpText() string {
	return strings.Join([]string{
		"*Signalbox*",
		"",
		"Reply to a notification with its token to run a command:",
		"  `TOKEN your command`  or  `/cmd TOKEN your command`",
		"",
		"System commands:",
		"  `!status` - target session state and recent output",
		"  `!sessions` - list tmux sessions",
		"  `!start [name]` - start an assistant session",
		"  `!kill [name]` - stop a session",
		"  `!restart [name]` - restart a session",
		"  `!help` - this message",
	}, "\n")
}
