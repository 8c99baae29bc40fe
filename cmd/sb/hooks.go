package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/orchestration"
)

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage assistant hook integration",
	}
	cmd.AddCommand(newHooksInstallCmd())
	return cmd
}

func newHooksInstallCmd() *cobra.Command {
	var (
		dir    string
		binary string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register sb notify in the project's assistant hooks",
		Long:  "Merges Stop, SubagentStop and Notification hooks that call the notify command into <dir>/.claude/settings.json, leaving other settings untouched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHooksInstall(cmd, dir, binary)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "project directory")
	cmd.Flags().StringVar(&binary, "binary", "", "sb executable to call (default: this executable)")
	return cmd
}

func runHooksInstall(cmd *cobra.Command, dir, binary string) error {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("hooks: locate executable: %w", err)
		}
		binary = exe
	}
	if err := orchestration.EnsureHooks(dir, binary); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Hooks installed in %s\n", filepath.Join(dir, ".claude", "settings.json"))
	return nil
}
