package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/orchestration"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage assistant tmux sessions",
		Long:  "Start, list, kill and restart the tmux sessions the assistant runs in.",
	}

	cmd.AddCommand(newSessionStartCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionKillCmd())
	cmd.AddCommand(newSessionRestartCmd())
	return cmd
}

func newSessionStartCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Start a session running the bootstrap command",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionStart(cmd, configPath, args, false)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionRestartCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "restart [name]",
		Short: "Kill a session if running and start it again",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionStart(cmd, configPath, args, true)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionKillCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "kill [name]",
		Short: "Interrupt and kill a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionKill(cmd, configPath, args)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tmux sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionList(cmd, configPath)
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func sessionName(args []string, fallback string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return fallback
}

func runSessionStart(cmd *cobra.Command, configPath string, args []string, restart bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	opts := orchestration.StartOpts{
		Name:    sessionName(args, cfg.TmuxSession),
		Dir:     cfg.WorkDir,
		Command: cfg.Relay.BootstrapCommand,
		Tmux:    tmuxBackend(),
	}
	verb := "started"
	if restart {
		verb = "restarted"
		err = orchestration.Restart(cmd.Context(), opts)
	} else {
		err = orchestration.Start(cmd.Context(), opts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s (%s in %s)\n", opts.Name, verb, opts.Command, opts.Dir)
	return nil
}

func runSessionKill(cmd *cobra.Command, configPath string, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	name := sessionName(args, cfg.TmuxSession)
	if err := orchestration.Stop(cmd.Context(), orchestration.StopOpts{Name: name, Tmux: tmuxBackend()}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s killed\n", name)
	return nil
}

func runSessionList(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	names, err := tmuxBackend().ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, dimStyle.Render("(no tmux sessions)"))
		return nil
	}
	for _, name := range names {
		marker := " "
		if name == cfg.TmuxSession {
			marker = okStyle.Render("*")
		}
		fmt.Fprintf(out, "%s %s\n", marker, name)
	}
	return nil
}
