package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/monitor"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/orchestration"
	"github.com/zulandar/signalbox/internal/shell"
	"github.com/zulandar/signalbox/internal/signalman"
	"github.com/zulandar/signalbox/internal/telegraph"
)

type notifyFlags struct {
	configPath string
	session    string
	question   string
	response   string
}

func newNotifyCmd() *cobra.Command {
	var f notifyFlags

	cmd := &cobra.Command{
		Use:       "notify completed|waiting|subagent",
		Short:     "Send a notification for the current session",
		Long:      "Issues a reply token and fans a notification out to every enabled channel. Intended for assistant hooks and wrapped commands; the question and response are read from the session's screen unless given. The subagent type only records the activity, which the session's next completion notification reports.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{notify.TypeCompleted, notify.TypeWaiting, notify.TypeSubagent},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(cmd, args[0], f)
		},
	}

	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().StringVarP(&f.session, "session", "s", "", "target session (default: current tmux session, then tmux_session)")
	cmd.Flags().StringVar(&f.question, "question", "", "question text (default: read from the screen)")
	cmd.Flags().StringVar(&f.response, "response", "", "response text (default: read from the screen)")
	return cmd
}

func runNotify(cmd *cobra.Command, typ string, f notifyFlags) error {
	if typ != notify.TypeSubagent {
		if err := notify.ValidateType(typ); err != nil {
			return err
		}
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	tmux := tmuxBackend()
	out := cmd.OutOrStdout()

	session := resolveSession(ctx, tmux, cfg, f.session)
	turn := monitor.Turn{UserQuestion: f.question, AssistantResponse: f.response}
	if turn.UserQuestion == "" || turn.AssistantResponse == "" {
		screen, err := tmux.CapturePane(ctx, session)
		if err != nil {
			log.Printf("notify: capture %s: %v", session, err)
		}
		fromScreen := monitor.ExtractTurn(screen, monitor.DefaultMarkers)
		if turn.UserQuestion == "" {
			turn.UserQuestion = fromScreen.UserQuestion
		}
		if turn.AssistantResponse == "" {
			turn.AssistantResponse = fromScreen.AssistantResponse
		}
	}

	if typ == notify.TypeSubagent {
		return recordSubagent(out, cfg, session, turn)
	}

	adapters, err := connectAdapters(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAdapters(adapters)

	svc, err := signalman.Build(cfg, signalman.Deps{Tmux: tmux, Exec: shell.Exec{}, Adapters: adapters, Out: out})
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Notifier.Notify(ctx, telegraph.Request{Type: typ, Session: session, Turn: turn})
	if err != nil {
		return err
	}

	rep := res.Report
	switch {
	case rep.Dropped:
		fmt.Fprintf(out, "Notification suppressed (cooldown)\n")
		return nil
	case rep.Total == 0:
		fmt.Fprintf(out, "No notification channels enabled in %s\n", f.configPath)
		return nil
	}
	fmt.Fprintf(out, "Notification sent: %d/%d channels succeeded\n", rep.Succeeded, rep.Total)
	if res.Token != "" {
		fmt.Fprintf(out, "Reply token: %s\n", res.Token)
	}
	if rep.Succeeded == 0 {
		return fmt.Errorf("notify: every channel failed")
	}
	return nil
}

func recordSubagent(out io.Writer, cfg *config.Config, session string, turn monitor.Turn) error {
	activity, err := notify.NewActivityLog(notify.ActivityLogOpts{Path: cfg.ActivityPath()})
	if err != nil {
		return err
	}
	desc, _, _ := strings.Cut(strings.TrimSpace(turn.AssistantResponse), "\n")
	if err := activity.Record(session, desc); err != nil {
		return err
	}
	fmt.Fprintf(out, "Subagent activity recorded for %s\n", session)
	return nil
}

// resolveSession picks the flag value, then the tmux session this process
// runs in, then the configured target.
func resolveSession(ctx context.Context, tmux orchestration.Tmux, cfg *config.Config, flag string) string {
	if flag != "" {
		return flag
	}
	if cur, err := tmux.CurrentSession(ctx); err == nil && cur != "" {
		return cur
	}
	return cfg.TmuxSession
}

// connectAdapters builds and connects the enabled chat adapters. One that
// fails to connect is dropped so the other channels still deliver.
func connectAdapters(ctx context.Context, cfg *config.Config) (map[string]telegraph.Adapter, error) {
	adapters, err := chatAdapters(cfg)
	if err != nil {
		return nil, err
	}
	for name, a := range adapters {
		if err := a.Connect(ctx); err != nil {
			log.Printf("notify: %s: %v", name, err)
			a.Close()
			delete(adapters, name)
		}
	}
	return adapters, nil
}

func closeAdapters(adapters map[string]telegraph.Adapter) {
	for name, a := range adapters {
		if err := a.Close(); err != nil {
			log.Printf("notify: close %s: %v", name, err)
		}
	}
}
