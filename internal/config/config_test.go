package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QUIC.ReplyTimeout != 30*time.Second {
		t.Fatalf("reply timeout %s", cfg.QUIC.ReplyTimeout)
	}
	if cfg.Relay.RegisterInterval != 10*time.Second {
		t.Fatalf("register interval %s", cfg.Relay.RegisterInterval)
	}
	if cfg.Outbox.ProbeLifetime != 5*time.Second {
		t.Fatalf("probe lifetime %s", cfg.Outbox.ProbeLifetime)
	}
	if cfg.QUIC.CertDir != filepath.Join(cfg.Node.DataDir, "certs") {
		t.Fatalf("cert dir not derived: %q", cfg.QUIC.CertDir)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	body := `
node:
  name: alice
  data_dir: /tmp/alice
quic:
  listen: 127.0.0.1:5000
  open_window: 2s
relay:
  addr: relay.example:4343
outbox:
  idle_exit: 90s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DUELNET_QUIC_LISTEN", "127.0.0.1:6000")
	t.Setenv("DUELNET_LOG_LEVEL", "debug")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Name != "alice" || cfg.Node.DataDir != "/tmp/alice" {
		t.Fatalf("node section: %+v", cfg.Node)
	}
	if cfg.QUIC.Listen != "127.0.0.1:6000" {
		t.Fatalf("env override ignored: %q", cfg.QUIC.Listen)
	}
	if cfg.QUIC.OpenWindow != 2*time.Second {
		t.Fatalf("open window %s", cfg.QUIC.OpenWindow)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level %q", cfg.Log.Level)
	}
	if cfg.Relay.Addr != "relay.example:4343" || cfg.Outbox.IdleExit != 90*time.Second {
		t.Fatalf("relay/outbox: %+v %+v", cfg.Relay, cfg.Outbox)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "log.level") {
		t.Fatalf("expected log.level error, got %v", err)
	}
}

func TestValidateRetrySleepWithinWindow(t *testing.T) {
	cfg := Default()
	cfg.QUIC.OpenRetrySleep = 10 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for retry sleep beyond open window")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	out, err := cfg.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(out), "reply_timeout: 30s") {
		t.Fatalf("rendered yaml missing reply_timeout:\n%s", out)
	}
	path := filepath.Join(t.TempDir(), "rendered.yaml")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if back.QUIC.OpenRetrySleep != cfg.QUIC.OpenRetrySleep || back.Outbox.IdleExit != cfg.Outbox.IdleExit {
		t.Fatalf("reloaded config differs: %+v", back)
	}
}

func TestOverridesDriveDerivedPaths(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	cfg, err := Load("", func(c *Config) { c.Node.DataDir = dir })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QUIC.CertDir != filepath.Join(dir, "certs") {
		t.Fatalf("cert dir %q", cfg.QUIC.CertDir)
	}
	if cfg.Metrics.SnapshotPath != filepath.Join(dir, "metrics.json") {
		t.Fatalf("snapshot path %q", cfg.Metrics.SnapshotPath)
	}
}
