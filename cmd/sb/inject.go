package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/signalman"
	"golang.org/x/term"
)

func newInjectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "inject TOKEN [command...]",
		Short: "Relay a command to the session a token authorizes",
		Long:  "Resolves TOKEN and types the command into its session. Without a command argument the command is read from standard input, so mail filters and scripts can pipe it in.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInject(cmd, configPath, args[0], strings.Join(args[1:], " "))
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runInject(cmd *cobra.Command, configPath, token, command string) error {
	if command == "" {
		var err error
		if command, err = readCommand(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("inject: command is empty")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reg, closeReg, err := signalman.OpenRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := reg.Resolve(ctx, token)
	switch {
	case errors.Is(err, registry.ErrExpired):
		return fmt.Errorf("inject: token %s has expired", registry.NormalizeToken(token))
	case errors.Is(err, registry.ErrNotFound):
		return fmt.Errorf("inject: unknown token %s", registry.NormalizeToken(token))
	case err != nil:
		return err
	}

	out := cmd.OutOrStdout()
	inj, policy, err := signalman.NewInjector(cfg, tmuxBackend(), out)
	if err != nil {
		return err
	}
	if err := inj.InjectWithRetry(ctx, command, sess.TargetSession, policy); err != nil {
		return err
	}
	fmt.Fprintf(out, "Command sent to %s\n", sess.TargetSession)
	return nil
}

// readCommand reads the command from r unless r is an interactive terminal,
// where waiting for input would just hang.
func readCommand(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("inject: no command given (pass it as an argument or pipe it on stdin)")
	}
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "", fmt.Errorf("inject: read stdin: %w", err)
	}
	return string(data), nil
}
