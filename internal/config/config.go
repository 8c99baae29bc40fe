// Package config provides YAML and TOML configuration loading for Signalbox.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file the CLI looks for when --config is not given.
const DefaultPath = "signalbox.yaml"

// Formats accepted by Parse.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// Registry backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// Config is the top-level Signalbox configuration.
type Config struct {
	TmuxSession string         `yaml:"tmux_session" toml:"tmux_session"`
	Project     string         `yaml:"project" toml:"project"`
	WorkDir     string         `yaml:"work_dir" toml:"work_dir"`
	StateDir    string         `yaml:"state_dir" toml:"state_dir"`
	Monitor     MonitorConfig  `yaml:"monitor" toml:"monitor"`
	Registry    RegistryConfig `yaml:"registry" toml:"registry"`
	Dispatch    DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Relay       RelayConfig    `yaml:"relay" toml:"relay"`
	Channels    ChannelsConfig `yaml:"channels" toml:"channels"`
	Webhook     WebhookConfig  `yaml:"webhook" toml:"webhook"`
}

// MonitorConfig controls terminal polling and classification.
type MonitorConfig struct {
	IntervalMS       int             `yaml:"interval_ms" toml:"interval_ms"`
	TailLines        int             `yaml:"tail_lines" toml:"tail_lines"`
	RetentionHours   int             `yaml:"retention_hours" toml:"retention_hours"`
	StartupWindowSec int             `yaml:"startup_window_sec" toml:"startup_window_sec"`
	AutoApprove      bool            `yaml:"auto_approve" toml:"auto_approve"`
	Patterns         []PatternConfig `yaml:"patterns" toml:"patterns"`
}

// PatternConfig is one classification rule. State is "completed" or "waiting".
type PatternConfig struct {
	Name  string `yaml:"name" toml:"name"`
	State string `yaml:"state" toml:"state"`
	Regex string `yaml:"regex" toml:"regex"`
}

// RegistryConfig selects where reply tokens are stored.
type RegistryConfig struct {
	Backend    string      `yaml:"backend" toml:"backend"`
	Dir        string      `yaml:"dir" toml:"dir"`
	TTLHours   int         `yaml:"ttl_hours" toml:"ttl_hours"`
	Sweep      string      `yaml:"sweep" toml:"sweep"`
	SQLitePath string      `yaml:"sqlite_path" toml:"sqlite_path"`
	MySQL      MySQLConfig `yaml:"mysql" toml:"mysql"`
}

// MySQLConfig holds connection settings for the mysql registry backend.
type MySQLConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
	Database string `yaml:"database" toml:"database"`
}

// DispatchConfig tunes notification fan-out. A negative cooldown disables it.
type DispatchConfig struct {
	CooldownMS        int `yaml:"cooldown_ms" toml:"cooldown_ms"`
	ChannelTimeoutSec int `yaml:"channel_timeout_sec" toml:"channel_timeout_sec"`
}

// RelayConfig tunes keystroke injection.
type RelayConfig struct {
	SettleMS         int    `yaml:"settle_ms" toml:"settle_ms"`
	Wrap             bool   `yaml:"wrap" toml:"wrap"`
	Trigger          string `yaml:"trigger" toml:"trigger"`
	StartMarker      string `yaml:"start_marker" toml:"start_marker"`
	DoneMarker       string `yaml:"done_marker" toml:"done_marker"`
	RetryBackoffMS   []int  `yaml:"retry_backoff_ms" toml:"retry_backoff_ms"`
	BootstrapCommand string `yaml:"bootstrap_command" toml:"bootstrap_command"`
}

// ChannelsConfig enables notification channels and chat bridges.
type ChannelsConfig struct {
	Command      CommandChannelConfig `yaml:"command" toml:"command"`
	Tmux         TmuxChannelConfig    `yaml:"tmux" toml:"tmux"`
	Slack        SlackConfig          `yaml:"slack" toml:"slack"`
	Discord      DiscordConfig        `yaml:"discord" toml:"discord"`
	AllowedUsers []string             `yaml:"allowed_users" toml:"allowed_users"`
	Announce     bool                 `yaml:"announce" toml:"announce"`
	// DirectMode relays plain chat messages from allowed users to
	// tmux_session without a token.
	DirectMode bool `yaml:"direct_mode" toml:"direct_mode"`
}

// CommandChannelConfig runs a shell template per notification.
type CommandChannelConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Template string `yaml:"template" toml:"template"`
}

// TmuxChannelConfig shows notifications on the tmux status line.
type TmuxChannelConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// SlackConfig holds Socket Mode credentials.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	AppToken string `yaml:"app_token" toml:"app_token"`
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// DiscordConfig holds Gateway credentials.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// WebhookConfig controls the inbound HTTP surface.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Port    int    `yaml:"port" toml:"port"`
	Secret  string `yaml:"secret" toml:"secret"`
}

// envOverrides maps environment variables to the secret they replace.
var envOverrides = map[string]func(c *Config) *string{
	"SB_SLACK_APP_TOKEN":   func(c *Config) *string { return &c.Channels.Slack.AppToken },
	"SB_SLACK_BOT_TOKEN":   func(c *Config) *string { return &c.Channels.Slack.BotToken },
	"SB_DISCORD_BOT_TOKEN": func(c *Config) *string { return &c.Channels.Discord.BotToken },
	"SB_WEBHOOK_SECRET":    func(c *Config) *string { return &c.Webhook.Secret },
	"SB_MYSQL_PASSWORD":    func(c *Config) *string { return &c.Registry.MySQL.Password },
}

// Load reads a config file from path. Files ending in .toml are parsed as
// TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, FormatFor(path))
}

// FormatFor picks the parser for a file name.
func FormatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return cfg
}

// Parse unmarshals data in the given format into a validated Config.
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets environment variables supply secrets kept out of the file.
func (c *Config) applyEnv(getenv func(string) string) {
	for key, field := range envOverrides {
		if v := getenv(key); v != "" {
			*field(c) = v
		}
	}
	if c.TmuxSession == "" {
		c.TmuxSession = getenv("TMUX_SESSION")
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.TmuxSession == "" {
		c.TmuxSession = "claude-real"
	}
	if c.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.WorkDir = wd
		}
	}
	if c.Project == "" && c.WorkDir != "" {
		c.Project = filepath.Base(c.WorkDir)
	}
	if c.StateDir == "" {
		c.StateDir = ".signalbox"
		if home, err := os.UserHomeDir(); err == nil {
			c.StateDir = filepath.Join(home, ".signalbox")
		}
	}

	m := &c.Monitor
	if m.IntervalMS == 0 {
		m.IntervalMS = 1000
	}
	if m.TailLines == 0 {
		m.TailLines = 10
	}
	if m.RetentionHours == 0 {
		m.RetentionHours = 24
	}
	if m.StartupWindowSec == 0 {
		m.StartupWindowSec = 300
	}

	r := &c.Registry
	if r.Backend == "" {
		r.Backend = BackendFile
	}
	if r.Dir == "" {
		r.Dir = filepath.Join(c.StateDir, "sessions")
	}
	if r.TTLHours == 0 {
		r.TTLHours = 24
	}
	if r.Sweep == "" {
		r.Sweep = "@every 10m"
	}
	if r.SQLitePath == "" {
		r.SQLitePath = filepath.Join(c.StateDir, "signalbox.db")
	}
	if r.MySQL.Host == "" {
		r.MySQL.Host = "127.0.0.1"
	}
	if r.MySQL.Port == 0 {
		r.MySQL.Port = 3306
	}

	if c.Dispatch.CooldownMS == 0 {
		c.Dispatch.CooldownMS = 5000
	}
	if c.Dispatch.ChannelTimeoutSec == 0 {
		c.Dispatch.ChannelTimeoutSec = 10
	}

	rl := &c.Relay
	if rl.SettleMS == 0 {
		rl.SettleMS = 200
	}
	if rl.Trigger == "" {
		rl.Trigger = "sb notify"
	}
	if rl.RetryBackoffMS == nil {
		rl.RetryBackoffMS = []int{1000, 3000}
	}
	if rl.BootstrapCommand == "" {
		rl.BootstrapCommand = "claude"
	}

	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8787
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Monitor.IntervalMS < 0 {
		errs = append(errs, "monitor.interval_ms must be positive")
	}
	if c.Monitor.TailLines < 0 {
		errs = append(errs, "monitor.tail_lines must be positive")
	}
	for i, p := range c.Monitor.Patterns {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("monitor.patterns[%d].name is required", i))
		}
		if s := strings.ToLower(p.State); s != "completed" && s != "waiting" {
			errs = append(errs, fmt.Sprintf("monitor.patterns[%d].state must be completed or waiting", i))
		}
		if p.Regex == "" {
			errs = append(errs, fmt.Sprintf("monitor.patterns[%d].regex is required", i))
		} else if _, err := regexp.Compile(p.Regex); err != nil {
			errs = append(errs, fmt.Sprintf("monitor.patterns[%d].regex: %v", i, err))
		}
	}

	switch c.Registry.Backend {
	case BackendFile, BackendSQLite:
	case BackendMySQL:
		if c.Registry.MySQL.Database == "" {
			errs = append(errs, "registry.mysql.database is required for the mysql backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("registry.backend %q must be file, sqlite or mysql", c.Registry.Backend))
	}
	if c.Registry.TTLHours < 0 {
		errs = append(errs, "registry.ttl_hours must be positive")
	}

	if c.Relay.SettleMS < 0 {
		errs = append(errs, "relay.settle_ms must not be negative")
	}
	for i, ms := range c.Relay.RetryBackoffMS {
		if ms < 0 {
			errs = append(errs, fmt.Sprintf("relay.retry_backoff_ms[%d] must not be negative", i))
		}
	}

	ch := c.Channels
	if ch.Command.Enabled && ch.Command.Template == "" {
		errs = append(errs, "channels.command.template is required when enabled")
	}
	if ch.Slack.Enabled {
		if ch.Slack.AppToken == "" {
			errs = append(errs, "channels.slack.app_token is required (or SB_SLACK_APP_TOKEN)")
		}
		if ch.Slack.BotToken == "" {
			errs = append(errs, "channels.slack.bot_token is required (or SB_SLACK_BOT_TOKEN)")
		}
		if ch.Slack.Channel == "" {
			errs = append(errs, "channels.slack.channel is required")
		}
	}
	if ch.Discord.Enabled {
		if ch.Discord.BotToken == "" {
			errs = append(errs, "channels.discord.bot_token is required (or SB_DISCORD_BOT_TOKEN)")
		}
		if ch.Discord.Channel == "" {
			errs = append(errs, "channels.discord.channel is required")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.Secret == "" {
			errs = append(errs, "webhook.secret is required when enabled (or SB_WEBHOOK_SECRET)")
		}
		if c.Webhook.Port < 1 || c.Webhook.Port > 65535 {
			errs = append(errs, "webhook.port must be between 1 and 65535")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Interval is the monitor poll period.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMS) * time.Millisecond
}

// Retention is how long seen fingerprints are remembered.
func (m MonitorConfig) Retention() time.Duration {
	return time.Duration(m.RetentionHours) * time.Hour
}

// StartupWindow bounds how old a screen may be for startup reconciliation.
func (m MonitorConfig) StartupWindow() time.Duration {
	return time.Duration(m.StartupWindowSec) * time.Second
}

// TTL is the lifetime of a reply token.
func (r RegistryConfig) TTL() time.Duration {
	return time.Duration(r.TTLHours) * time.Hour
}

// Cooldown is the minimum gap between accepted dispatches.
func (d DispatchConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownMS) * time.Millisecond
}

// ChannelTimeout bounds each channel's Send.
func (d DispatchConfig) ChannelTimeout() time.Duration {
	return time.Duration(d.ChannelTimeoutSec) * time.Second
}

// Settle is the pause between injection steps.
func (r RelayConfig) Settle() time.Duration {
	return time.Duration(r.SettleMS) * time.Millisecond
}

// Backoff is the declared retry schedule.
func (r RelayConfig) Backoff() []time.Duration {
	out := make([]time.Duration, len(r.RetryBackoffMS))
	for i, ms := range r.RetryBackoffMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// ActivityPath is where subagent activity waits for the next completion.
func (c *Config) ActivityPath() string {
	return filepath.Join(c.StateDir, "subagent-activity.json")
}

// LedgerPath is where the monitor persists seen fingerprints.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir, "monitor-ledger.json")
}
