package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"duelnet/internal/config"
	"duelnet/internal/daemon"
	"duelnet/internal/outbox"
	"duelnet/internal/store"
	"duelnet/internal/testutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startRelay(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Relay.Listen = "127.0.0.1:0"
	cfg.Relay.KeepAlive = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zap.NewNop(), &out, 50*time.Millisecond) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	testutil.WaitFor(t, "relay ready", func() bool { return strings.Contains(out.String(), "READY addr=") })
	line := strings.TrimSpace(out.String())
	return strings.TrimPrefix(line, "READY addr=")
}

type relayNode struct {
	runner *daemon.Runner
	store  *store.Store

	mu     sync.Mutex
	events []daemon.Event
}

func (n *relayNode) saw(kind daemon.EventKind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func startNode(t *testing.T, relayAddr string) *relayNode {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.QUIC.Listen = ""
	cfg.Relay.Addr = relayAddr
	cfg.Relay.RegisterInterval = 200 * time.Millisecond
	cfg.Relay.KeepAlive = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	st, err := store.Open(cfg.Node.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	n := &relayNode{store: st}
	n.runner, err = daemon.NewRunner(daemon.Options{
		Config: cfg,
		Store:  st,
		OnEvent: func(ev daemon.Event) {
			n.mu.Lock()
			n.events = append(n.events, ev)
			n.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.runner.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	testutil.WaitFor(t, "registration", func() bool { return n.runner.Status().RelayIdentity != "" })
	return n
}

func TestNodesExchangeThroughRelay(t *testing.T) {
	addr := startRelay(t)
	a := startNode(t, addr)
	b := startNode(t, addr)

	destB := outbox.Destination{Transport: outbox.TransportRelay, Addr: b.runner.Status().RelayIdentity}
	a.runner.AddCandidates(destB)
	if !a.runner.Invite(destB, 3, []byte("black"), "inv") {
		t.Fatalf("invite rejected")
	}
	testutil.WaitFor(t, "invite accepted", func() bool { return a.saw(daemon.EventInviteAccepted) })
	if !b.store.HasGame(3) {
		t.Fatalf("invite did not reach the peer")
	}
	testutil.WaitFor(t, "identity", func() bool { return a.saw(daemon.EventIdentityResolved) })
	if got, want := a.store.OwnIdentity(), "relay://"+a.runner.Status().RelayIdentity; got != want {
		t.Fatalf("own identity %q, want %q", got, want)
	}
	// b learned about a from the inbound traffic
	if !b.runner.Reachable(outbox.Destination{Transport: outbox.TransportRelay, Addr: a.runner.Status().RelayIdentity}) {
		t.Fatalf("sender not recorded as a candidate")
	}
}
