package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/signalman"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"tokens"},
		Short:   "Manage reply tokens",
		Long:    "Create, list, revoke and purge the tokens that authorize remote commands.",
	}

	cmd.AddCommand(newTokenCreateCmd())
	cmd.AddCommand(newTokenListCmd())
	cmd.AddCommand(newTokenRevokeCmd())
	cmd.AddCommand(newTokenPurgeCmd())
	return cmd
}

func newTokenCreateCmd() *cobra.Command {
	var (
		configPath string
		session    string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a token for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenCreate(cmd, configPath, session, ttl)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&session, "session", "s", "", "target session (default: tmux_session)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: registry.ttl_hours)")
	return cmd
}

func newTokenListCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenList(cmd, configPath, all)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include expired tokens")
	return cmd
}

func newTokenRevokeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenRevoke(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newTokenPurgeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenPurge(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// withRegistry loads config, opens the registry and runs fn against it.
func withRegistry(configPath string, fn func(cfg *config.Config, reg *registry.Registry) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reg, closeReg, err := signalman.OpenRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeReg()
	return fn(cfg, reg)
}

func runTokenCreate(cmd *cobra.Command, configPath, session string, ttl time.Duration) error {
	return withRegistry(configPath, func(cfg *config.Config, reg *registry.Registry) error {
		if session == "" {
			session = cfg.TmuxSession
		}
		if ttl <= 0 {
			ttl = cfg.Registry.TTL()
		}
		s, err := reg.CreateWithTTL(cmd.Context(), session, ttl, map[string]string{"source": "cli"})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Token %s created for %s (expires %s)\n",
			okStyle.Render(s.Token), s.TargetSession, s.ExpiresAt.Local().Format(time.RFC3339))
		return nil
	})
}

func runTokenList(cmd *cobra.Command, configPath string, all bool) error {
	return withRegistry(configPath, func(cfg *config.Config, reg *registry.Registry) error {
		sessions, err := reg.List(cmd.Context())
		if err != nil {
			return err
		}
		writeTokenTable(cmd.OutOrStdout(), reg, sessions, all, time.Now())
		return nil
	})
}

func writeTokenTable(out io.Writer, reg *registry.Registry, sessions []registry.Session, all bool, now time.Time) {
	fmt.Fprintln(out, headerStyle.Render(padRight("TOKEN", 10)+padRight("SESSION", 20)+padRight("TYPE", 11)+"EXPIRES"))
	shown := 0
	for _, s := range sessions {
		expired := reg.IsExpired(s)
		if expired && !all {
			continue
		}
		shown++
		expires := "in " + s.ExpiresAt.Sub(now).Round(time.Minute).String()
		if expired {
			expires = warnStyle.Render("expired")
		}
		typ := s.Metadata["type"]
		if typ == "" {
			typ = "-"
		}
		fmt.Fprintln(out, padRight(s.Token, 10)+padRight(s.TargetSession, 20)+padRight(typ, 11)+expires)
	}
	if shown == 0 {
		fmt.Fprintln(out, dimStyle.Render("(no tokens)"))
	}
}

func runTokenRevoke(cmd *cobra.Command, configPath, token string) error {
	return withRegistry(configPath, func(cfg *config.Config, reg *registry.Registry) error {
		s, err := reg.FindByToken(cmd.Context(), token)
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("token: unknown token %s", registry.NormalizeToken(token))
		}
		if err != nil {
			return err
		}
		if err := reg.Remove(cmd.Context(), s.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked\n", s.Token)
		return nil
	})
}

func runTokenPurge(cmd *cobra.Command, configPath string) error {
	return withRegistry(configPath, func(cfg *config.Config, reg *registry.Registry) error {
		n, err := reg.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired token(s)\n", n)
		return nil
	})
}
