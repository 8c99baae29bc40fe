package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/orchestration"
	"github.com/zulandar/signalbox/internal/signalman"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		tail       int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, channel and token status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, tail)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&tail, "tail", "n", 5, "recent output lines to show")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, tail int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	info, err := orchestration.Status(cmd.Context(), tmuxBackend(), cfg.TmuxSession, tail)
	if err != nil {
		return err
	}

	live, total := -1, -1
	reg, closeReg, err := signalman.OpenRegistry(cfg)
	if err == nil {
		defer closeReg()
		if sessions, err := reg.List(cmd.Context()); err == nil {
			total, live = len(sessions), 0
			for _, s := range sessions {
				if !reg.IsExpired(s) {
					live++
				}
			}
		}
	}

	writeStatus(cmd.OutOrStdout(), cfg, info, live, total)
	return nil
}

func writeStatus(out io.Writer, cfg *config.Config, info *orchestration.StatusInfo, live, total int) {
	state := okStyle.Render("RUNNING")
	if !info.Running {
		state = warnStyle.Render("STOPPED")
	}
	fmt.Fprintf(out, "%s %s: %s\n", headerStyle.Render("Session"), info.Target, state)

	fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Channels"), strings.Join(enabledChannels(cfg), ", "))
	if total >= 0 {
		fmt.Fprintf(out, "%s %d live, %d total (%s backend)\n", headerStyle.Render("Tokens"), live, total, cfg.Registry.Backend)
	} else {
		fmt.Fprintf(out, "%s %s\n", headerStyle.Render("Tokens"), warnStyle.Render("registry unavailable"))
	}
	if cfg.Webhook.Enabled {
		fmt.Fprintf(out, "%s :%d\n", headerStyle.Render("Webhook"), cfg.Webhook.Port)
	}

	if len(info.Sessions) > 0 {
		fmt.Fprintf(out, "\n%s\n", headerStyle.Render("TMUX SESSIONS"))
		for _, s := range info.Sessions {
			marker := " "
			if s == info.Target {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, s)
		}
	}
	if info.Tail != "" {
		fmt.Fprintf(out, "\n%s\n%s\n", headerStyle.Render("RECENT OUTPUT"), dimStyle.Render(info.Tail))
	}
}

func enabledChannels(cfg *config.Config) []string {
	var names []string
	if cfg.Channels.Command.Enabled {
		names = append(names, "command")
	}
	if cfg.Channels.Tmux.Enabled {
		names = append(names, "tmux")
	}
	if cfg.Channels.Slack.Enabled {
		names = append(names, "slack")
	}
	if cfg.Channels.Discord.Enabled {
		names = append(names, "discord")
	}
	if len(names) == 0 {
		names = append(names, "none")
	}
	return names
}
