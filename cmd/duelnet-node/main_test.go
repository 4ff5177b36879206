package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"duelnet/internal/config"
	"duelnet/internal/daemon"
	"duelnet/internal/store"
	"duelnet/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DUELNET_CONFIG", "")
}

// startPeer runs a listening node and returns its address and store.
func startPeer(t *testing.T) (string, *store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.QUIC.Listen = "127.0.0.1:0"
	cfg.Log.Level = "error"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	st, err := store.Open(cfg.Node.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	r, err := daemon.NewRunner(daemon.Options{Config: cfg, Store: st})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	testutil.WaitFor(t, "peer listener", func() bool { return r.ListenAddr() != "" })
	return r.ListenAddr(), st
}

func TestParseGameID(t *testing.T) {
	if id, err := parseGameID("4294967295"); err != nil || id != 1<<32-1 {
		t.Fatalf("max id: %d %v", id, err)
	}
	for _, bad := range []string{"", "-1", "4294967296", "abc"} {
		if _, err := parseGameID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestConfigShowAppliesOverrides(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	out, err := execute(t, "config", "show", "--data-dir", dir, "--log-level", "warn")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "data_dir: "+dir) || !strings.Contains(out, "level: warn") {
		t.Fatalf("overrides missing:\n%s", out)
	}
}

func TestRejectsBadLogLevel(t *testing.T) {
	isolate(t)
	if _, err := execute(t, "status", "--log-level", "loud"); err == nil {
		t.Fatalf("expected log level error")
	}
}

func TestStatusWithoutSnapshot(t *testing.T) {
	isolate(t)
	out, err := execute(t, "status", "--data-dir", t.TempDir())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "own identity: unknown") || !strings.Contains(out, "metrics: no snapshot") {
		t.Fatalf("unexpected status:\n%s", out)
	}
}

func TestInviteThenSend(t *testing.T) {
	isolate(t)
	addr, peerStore := startPeer(t)
	dest := "quic://" + addr
	dir := t.TempDir()
	common := []string{"--data-dir", dir, "--log-level", "error", "--timeout", "10s"}

	out, err := execute(t, append([]string{"invite", dest, "9", "white"}, common...)...)
	if err != nil {
		t.Fatalf("invite: %v\n%s", err, out)
	}
	if !strings.Contains(out, "event=invite_accepted") {
		t.Fatalf("unexpected invite output %q", out)
	}
	if !peerStore.HasGame(9) {
		t.Fatalf("peer did not open game 9")
	}

	out, err = execute(t, append([]string{"send", dest, "9", "e2e4"}, common...)...)
	if err != nil || !strings.Contains(out, "event=message_accepted") {
		t.Fatalf("send: %v %q", err, out)
	}
	entries, err := peerStore.Inbox(9)
	if err != nil || len(entries) != 1 || string(entries[0].Body) != "e2e4" {
		t.Fatalf("peer inbox %+v %v", entries, err)
	}

	if _, err := execute(t, append([]string{"send", dest, "77", "x"}, common...)...); err == nil || !strings.Contains(err.Error(), "message_no_such_game") {
		t.Fatalf("expected no-such-game error, got %v", err)
	}

	out, err = execute(t, "identity", "--data-dir", dir)
	if err != nil || !strings.Contains(out, "own: quic://127.0.0.1") {
		t.Fatalf("identity not learned: %v %q", err, out)
	}
}

func TestProbeReportsPong(t *testing.T) {
	isolate(t)
	addr, _ := startPeer(t)
	out, err := execute(t, "probe", "quic://"+addr, "--data-dir", t.TempDir(), "--log-level", "error", "--timeout", "5s")
	if err != nil || !strings.Contains(out, "event=pong") {
		t.Fatalf("probe: %v %q", err, out)
	}
}

func TestSendRejectsBadDestination(t *testing.T) {
	isolate(t)
	if _, err := execute(t, "send", "tcp://127.0.0.1:1", "1", "x", "--data-dir", t.TempDir()); err == nil {
		t.Fatalf("expected destination parse error")
	}
}
