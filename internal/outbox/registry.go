package outbox

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"duelnet/internal/proto"
)

// StartFunc launches the worker that drains acc. It is called once per
// accumulator, outside the registry lock.
type StartFunc func(acc *Accumulator)

// Registry maps destinations to their steady-state accumulators.
type Registry struct {
	start StartFunc
	now   func() time.Time
	log   *zap.Logger

	mu   sync.Mutex
	accs map[Destination]*Accumulator
}

func NewRegistry(start StartFunc, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		start: start,
		now:   time.Now,
		log:   log,
		accs:  make(map[Destination]*Accumulator),
	}
}

// Enqueue adds a message to dest's accumulator, creating it and starting its
// worker on first use.
func (r *Registry) Enqueue(dest Destination, kind proto.Kind, gameID uint32, payload []byte, correlationID string) Result {
	r.mu.Lock()
	acc, ok := r.accs[dest]
	if !ok {
		acc = NewAccumulator(dest, Options{Now: r.now, Log: r.log})
	}
	res := acc.Add(kind, gameID, payload, correlationID)
	created := !ok && res == Queued
	if created {
		r.accs[dest] = acc
	}
	r.mu.Unlock()
	if created && r.start != nil {
		r.start(acc)
	}
	return res
}

// Release forgets acc if it is still the registered accumulator for its
// destination and holds nothing. A worker must keep running when Release
// returns false, since a message slipped in after it decided to leave.
func (r *Registry) Release(acc *Accumulator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.accs[acc.dest]
	if !ok || cur != acc {
		return true
	}
	if acc.Len() > 0 {
		return false
	}
	delete(r.accs, acc.dest)
	return true
}

func (r *Registry) Get(dest Destination) (*Accumulator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accs[dest]
	return acc, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accs)
}

// QueueStat is a point-in-time view of one accumulator.
type QueueStat struct {
	Dest     Destination
	Pending  int
	Bytes    int
	Failures int
}

func (r *Registry) Stats() []QueueStat {
	r.mu.Lock()
	accs := make([]*Accumulator, 0, len(r.accs))
	for _, acc := range r.accs {
		accs = append(accs, acc)
	}
	r.mu.Unlock()
	out := make([]QueueStat, 0, len(accs))
	for _, acc := range accs {
		out = append(out, QueueStat{
			Dest:     acc.dest,
			Pending:  acc.Len(),
			Bytes:    acc.Bytes(),
			Failures: acc.Failures(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dest.String() < out[j].Dest.String() })
	return out
}
