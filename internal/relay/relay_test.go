package relay

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"duelnet/internal/metrics"
)

func TestPacketRoundTrip(t *testing.T) {
	body := DeliverBody{From: "a", To: "b", ID: 9, Packet: []byte{3, 1, 6}}
	data, err := Encode(KindDeliver, 42, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, raw, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Kind != KindDeliver || h.Seq != 42 {
		t.Fatalf("unexpected header %+v", h)
	}
	var got DeliverBody
	if err := DecodeBody(raw, &got); err != nil {
		t.Fatalf("body: %v", err)
	}
	if got.From != "a" || got.To != "b" || got.ID != 9 || !bytes.Equal(got.Packet, body.Packet) {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestDecodeRejectsBadDatagrams(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2}); !errors.Is(err, ErrShort) {
		t.Fatalf("expected ErrShort, got %v", err)
	}
	if _, _, err := Decode([]byte{9, 1, 0, 0, 0, 1}); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestAckTrackerRecordsOnlyAckedKinds(t *testing.T) {
	m := metrics.New()
	tr := NewAckTracker(0, nil, m)
	_, s1, _ := tr.Stamp(KindDeliver, DeliverBody{From: "a", To: "b"})
	_, s2, _ := tr.Stamp(KindAck, AckBody{Seq: 1})
	_, s3, _ := tr.Stamp(KindFetch, IdentityBody{Identity: "a"})
	_, s4, _ := tr.Stamp(KindKeepAlive, IdentityBody{Identity: "a"})
	if !(s1 < s2 && s2 < s3 && s3 < s4) {
		t.Fatalf("sequence ids not increasing: %d %d %d %d", s1, s2, s3, s4)
	}
	if tr.Len() != 2 {
		t.Fatalf("expected DELIVER and FETCH outstanding, got %d", tr.Len())
	}
	p := tr.Pending()
	if p[0].Seq != s1 || p[0].Kind != KindDeliver || p[1].Seq != s3 {
		t.Fatalf("unexpected pending list %+v", p)
	}
	if !tr.Ack(s1) || tr.Len() != 1 {
		t.Fatalf("ack did not remove record")
	}
	if m.Snapshot().Relay.Outstanding != 1 {
		t.Fatalf("outstanding gauge not updated")
	}
}

func TestAckTrackerOrphanAck(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := metrics.New()
	tr := NewAckTracker(0, zap.New(core), m)
	_, seq, _ := tr.Stamp(KindDeliver, DeliverBody{})
	if tr.Ack(seq + 100) {
		t.Fatalf("unknown ack reported as known")
	}
	if tr.Len() != 1 {
		t.Fatalf("orphan ack must not disturb outstanding packets")
	}
	if logs.Len() != 1 || m.Snapshot().Relay.OrphanAcks != 1 {
		t.Fatalf("orphan ack not logged and counted")
	}
	if !tr.Ack(seq) || tr.Ack(seq) {
		t.Fatalf("second ack of the same id should be an orphan")
	}
}

func TestAckTrackerForgetsStaleRecords(t *testing.T) {
	m := metrics.New()
	tr := NewAckTracker(time.Minute, nil, m)
	now := time.Unix(5000, 0)
	tr.now = func() time.Time { return now }

	_, lost, _ := tr.Stamp(KindDeliver, DeliverBody{From: "a", To: "b", Packet: make([]byte, 512)})
	now = now.Add(30 * time.Second)
	_, kept, _ := tr.Stamp(KindDeliver, DeliverBody{From: "a", To: "b"})
	if tr.Len() != 2 {
		t.Fatalf("records inside the horizon must stay, got %d", tr.Len())
	}

	now = now.Add(31 * time.Second)
	_, fresh, _ := tr.Stamp(KindDeliver, DeliverBody{From: "a", To: "b"})
	p := tr.Pending()
	if len(p) != 2 || p[0].Seq != kept || p[1].Seq != fresh {
		t.Fatalf("expected only the stale record gone, got %+v", p)
	}
	snap := m.Snapshot().Relay
	if snap.StalePruned != 1 || snap.Outstanding != 2 {
		t.Fatalf("unexpected relay metrics %+v", snap)
	}
	if tr.Ack(lost) {
		t.Fatalf("a forgotten record cannot be acked")
	}

	now = now.Add(2 * time.Minute)
	if n := tr.Prune(); n != 2 || tr.Len() != 0 {
		t.Fatalf("prune removed %d, %d left", n, tr.Len())
	}
	if m.Snapshot().Relay.StalePruned != 3 {
		t.Fatalf("pruned records not counted")
	}
}

func TestRegistrationRateLimit(t *testing.T) {
	r := NewRegistration(10*time.Second, "")
	t0 := time.Unix(1000, 0)
	if !r.Begin(t0) || r.State() != Registering {
		t.Fatalf("first attempt should start")
	}
	if r.Begin(t0.Add(9 * time.Second)) {
		t.Fatalf("attempt within interval should be suppressed")
	}
	if !r.Begin(t0.Add(10 * time.Second)) {
		t.Fatalf("attempt after interval should start")
	}
	r.Complete("dev-1", 30*time.Second)
	if id, ok := r.Registered(); !ok || id != "dev-1" || r.KeepAlive() != 30*time.Second {
		t.Fatalf("complete not recorded: %q %v", id, ok)
	}
	if r.Begin(t0.Add(time.Hour)) {
		t.Fatalf("registered state must not restart registration")
	}
}

func TestRegistrationInvalidate(t *testing.T) {
	r := NewRegistration(10*time.Second, "stale")
	t0 := time.Unix(1000, 0)
	r.Begin(t0)
	if r.Identity() != "stale" {
		t.Fatalf("remembered identity should be offered")
	}
	r.Invalidate()
	if r.State() != Unregistered || r.Identity() != "" {
		t.Fatalf("invalidate did not reset: %s %q", r.State(), r.Identity())
	}
	if !r.Begin(t0.Add(time.Second)) {
		t.Fatalf("re-registration after invalidation should not wait")
	}
}
