package relay

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"duelnet/internal/logging"
	"duelnet/internal/metrics"
)

// Outstanding is a sent packet still waiting for its ack.
type Outstanding struct {
	Seq       uint32
	Kind      Kind
	Bytes     []byte
	CreatedAt time.Time
}

// DefaultAckHorizon is how long an unacked record is kept when the owner
// does not pick a horizon.
const DefaultAckHorizon = 90 * time.Second

// AckTracker assigns sequence ids and remembers packets that need an ack.
// Nothing is ever resent from here: a lost DELIVER is retried only if the
// owning queue still holds the message. Records older than the horizon are
// forgotten.
type AckTracker struct {
	next    atomic.Uint32
	now     func() time.Time
	horizon time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	pending   map[uint32]Outstanding
	lastPrune time.Time
}

func NewAckTracker(horizon time.Duration, log *zap.Logger, m *metrics.Metrics) *AckTracker {
	if m == nil {
		m = metrics.New()
	}
	if horizon <= 0 {
		horizon = DefaultAckHorizon
	}
	return &AckTracker{
		now:     time.Now,
		horizon: horizon,
		log:     logging.OrNop(log),
		metrics: m,
		pending: make(map[uint32]Outstanding),
	}
}

// Stamp serializes a packet with a fresh sequence id and records it when its
// kind requires an ack.
func (t *AckTracker) Stamp(kind Kind, body any) ([]byte, uint32, error) {
	seq := t.next.Add(1)
	data, err := Encode(kind, seq, body)
	if err != nil {
		return nil, 0, err
	}
	if kind.RequiresAck() {
		now := t.now()
		t.mu.Lock()
		t.pending[seq] = Outstanding{Seq: seq, Kind: kind, Bytes: data, CreatedAt: now}
		pruned := 0
		if now.Sub(t.lastPrune) >= t.horizon/4 {
			pruned = t.pruneLocked(now)
		}
		n := len(t.pending)
		t.mu.Unlock()
		t.metrics.SetOutstanding(n)
		t.notePruned(pruned)
	}
	return data, seq, nil
}

// Prune forgets every record older than the horizon and reports how many
// went.
func (t *AckTracker) Prune() int {
	now := t.now()
	t.mu.Lock()
	pruned := t.pruneLocked(now)
	n := len(t.pending)
	t.mu.Unlock()
	t.metrics.SetOutstanding(n)
	t.notePruned(pruned)
	return pruned
}

func (t *AckTracker) pruneLocked(now time.Time) int {
	t.lastPrune = now
	pruned := 0
	for seq, o := range t.pending {
		if now.Sub(o.CreatedAt) > t.horizon {
			delete(t.pending, seq)
			pruned++
		}
	}
	return pruned
}

func (t *AckTracker) notePruned(n int) {
	if n == 0 {
		return
	}
	t.metrics.AddStalePruned(n)
	t.log.Debug("forgot unacked packets", zap.Int("count", n), zap.Duration("horizon", t.horizon))
}

// Ack removes the record for seq. An unknown id is an anomaly, not an error:
// the peer may be acking something sent before a restart.
func (t *AckTracker) Ack(seq uint32) bool {
	t.mu.Lock()
	_, ok := t.pending[seq]
	delete(t.pending, seq)
	n := len(t.pending)
	t.mu.Unlock()
	if !ok {
		t.metrics.IncOrphanAcks()
		t.log.Warn("ack for unknown packet", zap.Uint32("seq", seq))
		return false
	}
	t.metrics.SetOutstanding(n)
	return true
}

func (t *AckTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pending lists outstanding packets, oldest first.
func (t *AckTracker) Pending() []Outstanding {
	t.mu.Lock()
	out := make([]Outstanding, 0, len(t.pending))
	for _, o := range t.pending {
		out = append(out, o)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
