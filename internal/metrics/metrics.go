package metrics

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Outbox      OutboxMetrics    `json:"outbox"`
	Transport   TransportMetrics `json:"transport"`
	Relay       RelayMetrics     `json:"relay"`
	Inbound     InboundMetrics   `json:"inbound"`
	Recent      []Delivery       `json:"recent"`
}

type OutboxMetrics struct {
	Enqueued         uint64 `json:"enqueued"`
	Deduped          uint64 `json:"deduped"`
	RejectedOversize uint64 `json:"rejected_oversize"`
	RejectedNoRoute  uint64 `json:"rejected_no_route"`
	Acked            uint64 `json:"acked"`
	ActiveWorkers    int64  `json:"active_workers"`
}

type TransportMetrics struct {
	SentBatches  uint64 `json:"sent_batches"`
	OpenFailures uint64 `json:"open_failures"`
	SendFailures uint64 `json:"send_failures"`
	PartialAcks  uint64 `json:"partial_acks"`
	BadProto     uint64 `json:"bad_proto"`
	Watchdog     uint64 `json:"watchdog_fired"`
}

type RelayMetrics struct {
	Registrations uint64 `json:"registrations"`
	BadIdentity   uint64 `json:"bad_identity"`
	Outstanding   int64  `json:"outstanding"`
	OrphanAcks    uint64 `json:"orphan_acks"`
	StalePruned   uint64 `json:"stale_pruned"`
}

type InboundMetrics struct {
	Commands     uint64            `json:"commands"`
	ByKind       map[string]uint64 `json:"by_kind"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	CurrentConns int64             `json:"current_conns"`
}

// Delivery records one completed send cycle.
type Delivery struct {
	Dest    string    `json:"dest"`
	Sent    int       `json:"sent"`
	Acked   int       `json:"acked"`
	Version byte      `json:"version"`
	At      time.Time `json:"at"`
}

type Metrics struct {
	enqueued         atomic.Uint64
	deduped          atomic.Uint64
	rejectedOversize atomic.Uint64
	rejectedNoRoute  atomic.Uint64
	acked            atomic.Uint64
	activeWorkers    atomic.Int64

	sentBatches  atomic.Uint64
	openFailures atomic.Uint64
	sendFailures atomic.Uint64
	partialAcks  atomic.Uint64
	badProto     atomic.Uint64
	watchdog     atomic.Uint64

	registrations atomic.Uint64
	badIdentity   atomic.Uint64
	outstanding   atomic.Int64
	orphanAcks    atomic.Uint64
	stalePruned   atomic.Uint64

	inboundCommands atomic.Uint64
	currentConns    atomic.Int64

	mu           sync.Mutex
	byKind       map[string]uint64
	dropByReason map[string]uint64

	recent *DeliveryRecent
}

func New() *Metrics {
	return &Metrics{
		byKind:       make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewDeliveryRecent(64),
	}
}

func (m *Metrics) IncEnqueued()         { m.enqueued.Add(1) }
func (m *Metrics) IncDeduped()          { m.deduped.Add(1) }
func (m *Metrics) IncRejectedOversize() { m.rejectedOversize.Add(1) }
func (m *Metrics) IncRejectedNoRoute()  { m.rejectedNoRoute.Add(1) }
func (m *Metrics) AddAcked(n int)       { m.acked.Add(uint64(n)) }
func (m *Metrics) WorkerStarted()       { m.activeWorkers.Add(1) }
func (m *Metrics) WorkerStopped()       { m.activeWorkers.Add(-1) }

func (m *Metrics) IncSentBatches()  { m.sentBatches.Add(1) }
func (m *Metrics) IncOpenFailures() { m.openFailures.Add(1) }
func (m *Metrics) IncSendFailures() { m.sendFailures.Add(1) }
func (m *Metrics) IncPartialAcks()  { m.partialAcks.Add(1) }
func (m *Metrics) IncBadProto()     { m.badProto.Add(1) }
func (m *Metrics) IncWatchdog()     { m.watchdog.Add(1) }

func (m *Metrics) IncRegistrations()    { m.registrations.Add(1) }
func (m *Metrics) IncBadIdentity()      { m.badIdentity.Add(1) }
func (m *Metrics) SetOutstanding(n int) { m.outstanding.Store(int64(n)) }
func (m *Metrics) IncOrphanAcks()       { m.orphanAcks.Add(1) }
func (m *Metrics) AddStalePruned(n int) { m.stalePruned.Add(uint64(n)) }

func (m *Metrics) IncConns() { m.currentConns.Add(1) }
func (m *Metrics) DecConns() { m.currentConns.Add(-1) }

func (m *Metrics) IncInbound(kind string) {
	m.inboundCommands.Add(1)
	m.mu.Lock()
	m.byKind[kind]++
	m.mu.Unlock()
}

func (m *Metrics) IncDrop(reason string) {
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Recent() *DeliveryRecent {
	return m.recent
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	byKind := make(map[string]uint64, len(m.byKind))
	for k, v := range m.byKind {
		byKind[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	recent := []Delivery{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Outbox: OutboxMetrics{
			Enqueued:         m.enqueued.Load(),
			Deduped:          m.deduped.Load(),
			RejectedOversize: m.rejectedOversize.Load(),
			RejectedNoRoute:  m.rejectedNoRoute.Load(),
			Acked:            m.acked.Load(),
			ActiveWorkers:    m.activeWorkers.Load(),
		},
		Transport: TransportMetrics{
			SentBatches:  m.sentBatches.Load(),
			OpenFailures: m.openFailures.Load(),
			SendFailures: m.sendFailures.Load(),
			PartialAcks:  m.partialAcks.Load(),
			BadProto:     m.badProto.Load(),
			Watchdog:     m.watchdog.Load(),
		},
		Relay: RelayMetrics{
			Registrations: m.registrations.Load(),
			BadIdentity:   m.badIdentity.Load(),
			Outstanding:   m.outstanding.Load(),
			OrphanAcks:    m.orphanAcks.Load(),
			StalePruned:   m.stalePruned.Load(),
		},
		Inbound: InboundMetrics{
			Commands:     m.inboundCommands.Load(),
			ByKind:       byKind,
			DropByReason: drops,
			CurrentConns: m.currentConns.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// RunSnapshots writes a snapshot every interval until ctx ends, and once more
// on the way out.
func (m *Metrics) RunSnapshots(ctx context.Context, path string, interval time.Duration, log *zap.Logger) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.WriteSnapshot(path); err != nil && log != nil {
				log.Warn("final metrics snapshot failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := m.WriteSnapshot(path); err != nil && log != nil {
				log.Warn("metrics snapshot failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

type DeliveryRecent struct {
	mu   sync.Mutex
	cap  int
	list []Delivery
}

func NewDeliveryRecent(capacity int) *DeliveryRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DeliveryRecent{cap: capacity}
}

func (r *DeliveryRecent) Add(d Delivery) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = d
		return
	}
	r.list = append(r.list, d)
}

func (r *DeliveryRecent) List() []Delivery {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.list))
	copy(out, r.list)
	return out
}
