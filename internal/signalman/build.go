package signalman

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/monitor"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/orchestration"
	"github.com/zulandar/signalbox/internal/registry"
	"github.com/zulandar/signalbox/internal/relay"
	"github.com/zulandar/signalbox/internal/shell"
	"github.com/zulandar/signalbox/internal/telegraph"
	"github.com/zulandar/signalbox/internal/telegraph/discord"
	"github.com/zulandar/signalbox/internal/telegraph/slack"
	"github.com/zulandar/signalbox/internal/webhook"
	"gorm.io/gorm"
)

// Deps replaces external collaborators. Zero values select production ones.
type Deps struct {
	Tmux     orchestration.Tmux           // defaults to orchestration.NewRealTmux()
	Exec     shell.Executor               // defaults to shell.Exec{}
	Adapters map[string]telegraph.Adapter // platform -> adapter; defaults built from config
	Out      io.Writer                    // defaults to os.Stdout
}

func (d *Deps) fill() {
	if d.Tmux == nil {
		d.Tmux = orchestration.NewRealTmux()
	}
	if d.Exec == nil {
		d.Exec = shell.Exec{}
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}
}

// Service is every long-running component built from one Config.
type Service struct {
	Config     *config.Config
	Tmux       orchestration.Tmux
	Registry   *registry.Registry
	Sweeper    *registry.Sweeper
	Dispatcher *notify.Dispatcher
	Injector   *relay.Injector
	Retry      relay.RetryPolicy
	Notifier   *telegraph.Notifier
	Activity   *notify.ActivityLog
	Monitor    *monitor.Monitor
	Bridges    []*telegraph.Daemon
	Threads    *telegraph.ReplyThreads
	Webhook    *webhook.Server // nil unless enabled

	out     io.Writer
	closers []func() error
}

// Build wires a Service from cfg.
func Build(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("signalman: config is required")
	}
	deps.fill()

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("signalman: create state dir: %w", err)
	}
	svc := &Service{Config: cfg, Tmux: deps.Tmux, Threads: telegraph.NewReplyThreads(0), out: deps.Out}

	reg, closeReg, err := OpenRegistry(cfg)
	if err != nil {
		return nil, err
	}
	svc.Registry = reg
	svc.closers = append(svc.closers, closeReg)

	if svc.Sweeper, err = registry.NewSweeper(reg, cfg.Registry.Sweep, deps.Out); err != nil {
		svc.Close()
		return nil, err
	}

	if svc.Injector, svc.Retry, err = NewInjector(cfg, deps.Tmux, deps.Out); err != nil {
		svc.Close()
		return nil, err
	}

	adapters := deps.Adapters
	if adapters == nil {
		if adapters, err = BuildAdapters(cfg); err != nil {
			svc.Close()
			return nil, err
		}
	}

	svc.Dispatcher = NewDispatcher(cfg, deps.Tmux, deps.Exec, adapters, svc.Threads, deps.Out)

	if svc.Activity, err = notify.NewActivityLog(notify.ActivityLogOpts{Path: cfg.ActivityPath()}); err != nil {
		svc.Close()
		return nil, err
	}
	if svc.Notifier, err = telegraph.NewNotifier(telegraph.NotifierOpts{
		Dispatcher: svc.Dispatcher,
		Registry:   reg,
		Activity:   svc.Activity,
		Project:    cfg.Project,
		WorkDir:    cfg.WorkDir,
		Out:        deps.Out,
	}); err != nil {
		svc.Close()
		return nil, err
	}

	if svc.Monitor, err = NewMonitor(cfg, deps.Tmux, deps.Out); err != nil {
		svc.Close()
		return nil, err
	}

	cmdHandler, err := telegraph.NewCommandHandler(telegraph.CommandHandlerOpts{
		Tmux:         deps.Tmux,
		Target:       cfg.TmuxSession,
		StartDir:     cfg.WorkDir,
		StartCommand: cfg.Relay.BootstrapCommand,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	var direct string
	if cfg.Channels.DirectMode {
		direct = cfg.TmuxSession
	}
	for _, platform := range sortedPlatforms(adapters) {
		bridge, err := telegraph.NewDaemon(telegraph.DaemonOpts{
			Platform:     platform,
			Adapter:      adapters[platform],
			Registry:     reg,
			Injector:     svc.Injector,
			CmdHandler:   cmdHandler,
			AllowedUsers: cfg.Channels.AllowedUsers,
			Retry:        svc.Retry,
			Threads:      svc.Threads,
			DirectTarget: direct,
			Announce:     cfg.Channels.Announce,
			Out:          deps.Out,
		})
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.Bridges = append(svc.Bridges, bridge)
	}

	if cfg.Webhook.Enabled {
		if svc.Webhook, err = webhook.NewServer(webhook.ServerOpts{
			Registry: reg,
			Injector: svc.Injector,
			Notifier: svc.Notifier,
			Tmux:     deps.Tmux,
			Target:   cfg.TmuxSession,
			Secret:   cfg.Webhook.Secret,
			Port:     cfg.Webhook.Port,
			Retry:    svc.Retry,
			Out:      deps.Out,
		}); err != nil {
			svc.Close()
			return nil, err
		}
	}

	return svc, nil
}

// Close releases database handles. Safe to call more than once.
func (s *Service) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// OpenRegistry opens the configured registry backend. The returned func
// releases the backend.
func OpenRegistry(cfg *config.Config) (*registry.Registry, func() error, error) {
	var (
		store registry.Store
		gdb   *gorm.DB
		err   error
	)
	switch cfg.Registry.Backend {
	case config.BackendFile, "":
		store, err = registry.NewFileStore(cfg.Registry.Dir)
	case config.BackendSQLite:
		if err = os.MkdirAll(filepath.Dir(cfg.Registry.SQLitePath), 0700); err == nil {
			gdb, err = db.ConnectSQLite(cfg.Registry.SQLitePath)
		}
	case config.BackendMySQL:
		m := cfg.Registry.MySQL
		gdb, err = db.ConnectMySQL(db.MySQLOpts{
			Host:     m.Host,
			Port:     m.Port,
			User:     m.User,
			Password: m.Password,
			Database: m.Database,
		})
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Registry.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("signalman: open registry: %w", err)
	}

	closeFn := func() error { return nil }
	if gdb != nil {
		if store, closeFn, err = sqlRegistryStore(gdb, db.AutoMigrate); err != nil {
			return nil, nil, fmt.Errorf("signalman: open registry: %w", err)
		}
	}

	reg, err := registry.New(registry.RegistryOpts{Store: store, TTL: cfg.Registry.TTL()})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return reg, closeFn, nil
}

// sqlRegistryStore migrates gdb and wraps it in a Store. The connection is
// closed when either step fails.
func sqlRegistryStore(gdb *gorm.DB, migrate func(*gorm.DB) error) (registry.Store, func() error, error) {
	closeFn := func() error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	if err := migrate(gdb); err != nil {
		closeFn()
		return nil, nil, err
	}
	store, err := registry.NewSQLStore(gdb)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return store, closeFn, nil
}

// NewInjector builds the injector and its retry policy. When the target is
// missing the policy bootstraps it with relay.bootstrap_command.
func NewInjector(cfg *config.Config, tmux orchestration.Tmux, out io.Writer) (*relay.Injector, relay.RetryPolicy, error) {
	inj, err := relay.NewInjector(relay.InjectorOpts{
		Tmux:   tmux,
		Settle: cfg.Relay.Settle(),
		Wrap: relay.Wrap{
			Enabled:     cfg.Relay.Wrap,
			StartMarker: cfg.Relay.StartMarker,
			DoneMarker:  cfg.Relay.DoneMarker,
			Trigger:     cfg.Relay.Trigger,
		},
		Out: out,
	})
	if err != nil {
		return nil, relay.RetryPolicy{}, err
	}
	policy := relay.RetryPolicy{
		Backoff: cfg.Relay.Backoff(),
		EnsureSession: func(ctx context.Context, target string) error {
			fmt.Fprintf(out, "Relay: starting missing session %s\n", target)
			return orchestration.Start(ctx, orchestration.StartOpts{
				Name:    target,
				Dir:     cfg.WorkDir,
				Command: cfg.Relay.BootstrapCommand,
				Tmux:    tmux,
			})
		},
	}
	return inj, policy, nil
}

// BuildAdapters creates a chat adapter per enabled platform.
func BuildAdapters(cfg *config.Config) (map[string]telegraph.Adapter, error) {
	adapters := make(map[string]telegraph.Adapter)
	if s := cfg.Channels.Slack; s.Enabled {
		a, err := slack.New(slack.AdapterOpts{AppToken: s.AppToken, BotToken: s.BotToken, ChannelID: s.Channel})
		if err != nil {
			return nil, err
		}
		adapters["slack"] = a
	}
	if d := cfg.Channels.Discord; d.Enabled {
		a, err := discord.New(discord.AdapterOpts{BotToken: d.BotToken, ChannelID: d.Channel})
		if err != nil {
			return nil, err
		}
		adapters["discord"] = a
	}
	return adapters, nil
}

// NewDispatcher registers every enabled notification channel. Chat
// notifications are bound to their reply tokens in threads when it is set.
func NewDispatcher(cfg *config.Config, tmux orchestration.Tmux, exec shell.Executor, adapters map[string]telegraph.Adapter, threads *telegraph.ReplyThreads, out io.Writer) *notify.Dispatcher {
	d := notify.NewDispatcher(notify.DispatcherOpts{
		Cooldown:       cfg.Dispatch.Cooldown(),
		ChannelTimeout: cfg.Dispatch.ChannelTimeout(),
		Out:            out,
	})
	if cfg.Channels.Command.Enabled {
		d.AddChannel(&notify.CommandChannel{Template: cfg.Channels.Command.Template, Exec: exec})
	}
	if cfg.Channels.Tmux.Enabled {
		d.AddChannel(&notify.TmuxChannel{Tmux: tmux})
	}
	for _, platform := range sortedPlatforms(adapters) {
		d.AddChannel(&telegraph.AdapterChannel{Adapter: adapters[platform], Platform: platform, Threads: threads})
	}
	return d
}

// NewMonitor builds the output monitor for cfg.TmuxSession.
func NewMonitor(cfg *config.Config, tmux orchestration.Tmux, out io.Writer) (*monitor.Monitor, error) {
	specs := make([]monitor.PatternSpec, len(cfg.Monitor.Patterns))
	for i, p := range cfg.Monitor.Patterns {
		specs[i] = monitor.PatternSpec{Name: p.Name, State: p.State, Regex: p.Regex}
	}
	patterns, err := monitor.NewPatternRegistryFromSpecs(specs)
	if err != nil {
		return nil, err
	}

	var activity monitor.ActivityFunc
	if ar, ok := tmux.(orchestration.ActivityReporter); ok {
		session := cfg.TmuxSession
		activity = func(ctx context.Context) (time.Time, error) {
			return ar.SessionActivity(ctx, session)
		}
	}

	return monitor.New(monitor.MonitorOpts{
		Session:       cfg.TmuxSession,
		Source:        orchestration.NewSnapshotSource(tmux),
		Patterns:      patterns,
		TailLines:     cfg.Monitor.TailLines,
		Interval:      cfg.Monitor.Interval(),
		Retention:     cfg.Monitor.Retention(),
		StartupWindow: cfg.Monitor.StartupWindow(),
		LedgerPath:    cfg.LedgerPath(),
		Activity:      activity,
		Out:           out,
	})
}

func sortedPlatforms(adapters map[string]telegraph.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
