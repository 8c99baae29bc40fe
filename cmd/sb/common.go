package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/orchestration"
	"github.com/zulandar/signalbox/internal/signalman"
	"github.com/zulandar/signalbox/internal/telegraph"
)

// tmuxBackend returns the tmux implementation to use. Allows test override.
var tmuxBackend func() orchestration.Tmux = func() orchestration.Tmux {
	return orchestration.NewRealTmux()
}

// chatAdapters builds the enabled chat adapters. Allows test override.
var chatAdapters func(cfg *config.Config) (map[string]telegraph.Adapter, error) = signalman.BuildAdapters

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", config.DefaultPath, "path to Signalbox config file (.yaml or .toml)")
}

// loadConfig reads path. A missing default config file falls back to
// built-in defaults so the tool works without any setup.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == config.DefaultPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
