package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"duelnet/internal/metrics"
	"duelnet/internal/proto"
)

func startLoopback(t *testing.T, readTimeout time.Duration, handle Handler) (*Listener, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	l, err := Listen(ListenerOptions{Addr: "127.0.0.1:0", ReadTimeout: readTimeout, Metrics: m})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, handle) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("listener did not stop")
		}
	})
	return l, m
}

func newTestDialer(t *testing.T, window time.Duration) *QUICDialer {
	t.Helper()
	variants, err := ClientVariants("", true)
	if err != nil {
		t.Fatalf("variants: %v", err)
	}
	d, err := NewQUICDialer(DialerOptions{Variants: variants, Window: window, RetrySleep: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	return d
}

func TestQUICExchangeLoopback(t *testing.T) {
	gotFrom := make(chan net.Addr, 4)
	l, _ := startLoopback(t, 2*time.Second, func(remote net.Addr, packet []byte) [][]byte {
		gotFrom <- remote
		b, err := proto.DecodeBatch(packet)
		if err != nil {
			return [][]byte{proto.BadProtoPacket()}
		}
		replies := make([]proto.Command, 0, len(b.Commands))
		for _, c := range b.Commands {
			replies = append(replies, proto.Command{Kind: proto.KindMessageAccepted, Tag: c.Tag})
		}
		out, err := proto.EncodeReplies(b.Version, replies)
		if err != nil {
			t.Errorf("encode replies: %v", err)
		}
		return out
	})
	d := newTestDialer(t, 3*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := d.Open(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.InFlight("") != 1 {
		t.Fatalf("expected 1 in-flight conn, got %d", d.InFlight(""))
	}
	req, err := proto.EncodeBatch(proto.VersionTagged, []proto.Command{
		{Kind: proto.KindMessage, Tag: 11, Payload: proto.GamePayload(7, []byte{1, 2, 3})},
		{Kind: proto.KindMessage, Tag: 12, Payload: proto.GamePayload(7, []byte{4})},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ch.Send(ctx, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, tag := range []uint16{11, 12} {
		pkt, err := ch.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		b, err := proto.DecodeBatch(pkt)
		if err != nil || len(b.Commands) != 1 || b.Commands[0].Tag != tag {
			t.Fatalf("unexpected reply %+v %v", b, err)
		}
	}
	if _, err := ch.Recv(ctx); err == nil {
		t.Fatalf("expected end of stream after replies")
	}
	_ = ch.Close()
	_ = ch.Close()
	if d.InFlight("") != 0 {
		t.Fatalf("close did not release the conn")
	}
	if from := <-gotFrom; from == nil {
		t.Fatalf("handler saw no remote address")
	}
}

func TestQUICOpenFailsWithinWindow(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()

	d := newTestDialer(t, 600*time.Millisecond)
	start := time.Now()
	_, err = d.Open(context.Background(), addr)
	if !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("open ignored its window: %s", elapsed)
	}
}

func TestListenerWatchdogClosesSlowRequest(t *testing.T) {
	called := make(chan struct{}, 1)
	l, m := startLoopback(t, 200*time.Millisecond, func(net.Addr, []byte) [][]byte {
		called <- struct{}{}
		return nil
	})
	d := newTestDialer(t, 3*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	variants := d.variants
	ch, err := d.openOnce(ctx, l.Addr().String(), variants[len(variants)-1])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	qc := ch.(*quicChannel)
	if _, err := qc.stream.Write([]byte{0, 0}); err != nil {
		t.Fatalf("partial write: %v", err)
	}
	if _, err := ch.Recv(ctx); err == nil {
		t.Fatalf("expected recv to fail after watchdog")
	}
	select {
	case <-called:
		t.Fatalf("handler must not run for an incomplete request")
	default:
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().Transport.Watchdog == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog metric not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDialerCloseAll(t *testing.T) {
	l, _ := startLoopback(t, 2*time.Second, func(net.Addr, []byte) [][]byte { return nil })
	d := newTestDialer(t, 3*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := d.Open(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	if n := d.CloseAll(); n != 1 {
		t.Fatalf("expected 1 conn closed, got %d", n)
	}
	if _, err := ch.Recv(ctx); err == nil {
		t.Fatalf("recv on torn-down conn should fail")
	}
}
