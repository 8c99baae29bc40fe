package main

import (
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/shell"
	"github.com/zulandar/signalbox/internal/signalman"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the Signalbox daemon",
		Long:  "Monitors the configured tmux session, dispatches notifications, bridges the enabled chat platforms, and serves the webhook when enabled. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	adapters, err := chatAdapters(cfg)
	if err != nil {
		return err
	}

	svc, err := signalman.Build(cfg, signalman.Deps{
		Tmux:     tmuxBackend(),
		Exec:     shell.Exec{},
		Adapters: adapters,
		Out:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return signalman.RunDaemon(ctx, svc, signalman.RunOpts{})
}
