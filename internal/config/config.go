// Package config loads duelnet configuration from YAML and DUELNET_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "DUELNET"

type Config struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	QUIC    QUICConfig    `mapstructure:"quic" yaml:"quic"`
	Relay   RelayConfig   `mapstructure:"relay" yaml:"relay"`
	Outbox  OutboxConfig  `mapstructure:"outbox" yaml:"outbox"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Debug   DebugConfig   `mapstructure:"debug" yaml:"debug"`
}

type NodeConfig struct {
	// Name is sent to the relay as client metadata.
	Name    string `mapstructure:"name" yaml:"name"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type QUICConfig struct {
	// Listen is the inbound address; empty disables the listener.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// CertDir holds the dev CA and node certificate.
	CertDir string `mapstructure:"cert_dir" yaml:"cert_dir"`
	// OpenWindow bounds one channel-open attempt cycle.
	OpenWindow time.Duration `mapstructure:"open_window" yaml:"open_window"`
	// OpenRetrySleep is the fixed pause between open attempts.
	OpenRetrySleep time.Duration `mapstructure:"open_retry_sleep" yaml:"open_retry_sleep"`
	// ReplyTimeout is the watchdog ceiling for a full reply/request read.
	ReplyTimeout     time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	InsecureFallback bool          `mapstructure:"insecure_fallback" yaml:"insecure_fallback"`
	MaxConnsPerIP    int           `mapstructure:"max_conns_per_ip" yaml:"max_conns_per_ip"`
	MaxStreamsPerIP  int           `mapstructure:"max_streams_per_ip" yaml:"max_streams_per_ip"`
}

type RelayConfig struct {
	// Addr is the relay server the client registers with; empty disables
	// the relay transport.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Listen is used by duelnet-relay.
	Listen           string        `mapstructure:"listen" yaml:"listen"`
	RegisterInterval time.Duration `mapstructure:"register_interval" yaml:"register_interval"`
	KeepAlive        time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	SendQueue        int           `mapstructure:"send_queue" yaml:"send_queue"`
	MailboxLimit     int           `mapstructure:"mailbox_limit" yaml:"mailbox_limit"`
}

type OutboxConfig struct {
	IdleExit         time.Duration `mapstructure:"idle_exit" yaml:"idle_exit"`
	UnreachableAfter time.Duration `mapstructure:"unreachable_after" yaml:"unreachable_after"`
	ProbeLifetime    time.Duration `mapstructure:"probe_lifetime" yaml:"probe_lifetime"`
}

type MetricsConfig struct {
	SnapshotPath string        `mapstructure:"snapshot_path" yaml:"snapshot_path"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
}

type DebugConfig struct {
	Pprof            bool   `mapstructure:"pprof" yaml:"pprof"`
	PprofAddr        string `mapstructure:"pprof_addr" yaml:"pprof_addr"`
	PprofAllowPublic bool   `mapstructure:"pprof_allow_public" yaml:"pprof_allow_public"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:    "duelnet-node",
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/duelnet.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		QUIC: QUICConfig{
			Listen:           "0.0.0.0:4242",
			OpenWindow:       5 * time.Second,
			OpenRetrySleep:   250 * time.Millisecond,
			ReplyTimeout:     30 * time.Second,
			InsecureFallback: true,
			MaxConnsPerIP:    16,
			MaxStreamsPerIP:  64,
		},
		Relay: RelayConfig{
			Listen:           "0.0.0.0:4343",
			RegisterInterval: 10 * time.Second,
			KeepAlive:        30 * time.Second,
			SendQueue:        256,
			MailboxLimit:     128,
		},
		Outbox: OutboxConfig{
			IdleExit:         60 * time.Second,
			UnreachableAfter: 2 * time.Minute,
			ProbeLifetime:    5 * time.Second,
		},
		Metrics: MetricsConfig{
			Interval: 30 * time.Second,
		},
		Debug: DebugConfig{
			PprofAddr: "127.0.0.1:6060",
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $DUELNET_CONFIG or duelnet.yaml in the working directory or ~/.duelnet.
// Environment variables override file values: DUELNET_QUIC_LISTEN=...
// Overrides run last, before validation, so derived paths follow them.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("duelnet")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".duelnet"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDefaults registers every key so env-only configs are picked up by
// Unmarshal.
func seedDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("node.name", c.Node.Name)
	v.SetDefault("node.data_dir", c.Node.DataDir)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", c.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)

	v.SetDefault("quic.listen", c.QUIC.Listen)
	v.SetDefault("quic.cert_dir", c.QUIC.CertDir)
	v.SetDefault("quic.open_window", c.QUIC.OpenWindow)
	v.SetDefault("quic.open_retry_sleep", c.QUIC.OpenRetrySleep)
	v.SetDefault("quic.reply_timeout", c.QUIC.ReplyTimeout)
	v.SetDefault("quic.insecure_fallback", c.QUIC.InsecureFallback)
	v.SetDefault("quic.max_conns_per_ip", c.QUIC.MaxConnsPerIP)
	v.SetDefault("quic.max_streams_per_ip", c.QUIC.MaxStreamsPerIP)

	v.SetDefault("relay.addr", c.Relay.Addr)
	v.SetDefault("relay.listen", c.Relay.Listen)
	v.SetDefault("relay.register_interval", c.Relay.RegisterInterval)
	v.SetDefault("relay.keep_alive", c.Relay.KeepAlive)
	v.SetDefault("relay.send_queue", c.Relay.SendQueue)
	v.SetDefault("relay.mailbox_limit", c.Relay.MailboxLimit)

	v.SetDefault("outbox.idle_exit", c.Outbox.IdleExit)
	v.SetDefault("outbox.unreachable_after", c.Outbox.UnreachableAfter)
	v.SetDefault("outbox.probe_lifetime", c.Outbox.ProbeLifetime)

	v.SetDefault("metrics.snapshot_path", c.Metrics.SnapshotPath)
	v.SetDefault("metrics.interval", c.Metrics.Interval)

	v.SetDefault("debug.pprof", c.Debug.Pprof)
	v.SetDefault("debug.pprof_addr", c.Debug.PprofAddr)
	v.SetDefault("debug.pprof_allow_public", c.Debug.PprofAllowPublic)
}

// Validate rejects unusable values and fills in derived defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if strings.TrimSpace(c.Node.DataDir) == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.QUIC.CertDir == "" {
		c.QUIC.CertDir = filepath.Join(c.Node.DataDir, "certs")
	}
	if c.QUIC.OpenWindow <= 0 {
		return fmt.Errorf("quic.open_window must be positive, got %s", c.QUIC.OpenWindow)
	}
	if c.QUIC.OpenRetrySleep <= 0 || c.QUIC.OpenRetrySleep > c.QUIC.OpenWindow {
		return fmt.Errorf("quic.open_retry_sleep must be in (0, open_window], got %s", c.QUIC.OpenRetrySleep)
	}
	if c.QUIC.ReplyTimeout <= 0 {
		return fmt.Errorf("quic.reply_timeout must be positive, got %s", c.QUIC.ReplyTimeout)
	}
	if c.Relay.RegisterInterval <= 0 {
		return fmt.Errorf("relay.register_interval must be positive, got %s", c.Relay.RegisterInterval)
	}
	if c.Relay.KeepAlive <= 0 {
		return fmt.Errorf("relay.keep_alive must be positive, got %s", c.Relay.KeepAlive)
	}
	if c.Relay.SendQueue <= 0 {
		c.Relay.SendQueue = 256
	}
	if c.Relay.MailboxLimit <= 0 {
		c.Relay.MailboxLimit = 128
	}
	if c.Outbox.ProbeLifetime <= 0 {
		return fmt.Errorf("outbox.probe_lifetime must be positive, got %s", c.Outbox.ProbeLifetime)
	}
	if c.Outbox.IdleExit < 0 || c.Outbox.UnreachableAfter < 0 {
		return errors.New("outbox durations must not be negative")
	}
	if c.Metrics.SnapshotPath == "" {
		c.Metrics.SnapshotPath = filepath.Join(c.Node.DataDir, "metrics.json")
	}
	if c.Metrics.Interval <= 0 {
		c.Metrics.Interval = 30 * time.Second
	}
	return nil
}

// Render returns the effective configuration as YAML.
func (c *Config) Render() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}
