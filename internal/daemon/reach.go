package daemon

import (
	"sort"
	"sync"
	"time"

	"duelnet/internal/outbox"
)

// reachTracker remembers the delivery health of each destination so the
// unreachable event fires once per failing streak, however many workers
// (steady-state and probes) report on it.
type reachTracker struct {
	after time.Duration
	now   func() time.Time

	mu    sync.Mutex
	state map[outbox.Destination]*reachState
}

type reachState struct {
	lastOK       time.Time
	failingSince time.Time
	failures     int
	flagged      bool
}

// ReachInfo is the status view of one destination.
type ReachInfo struct {
	Dest         outbox.Destination
	LastOK       time.Time
	FailingSince time.Time
	Failures     int
	Unreachable  bool
}

func newReachTracker(after time.Duration) *reachTracker {
	return &reachTracker{
		after: after,
		now:   time.Now,
		state: make(map[outbox.Destination]*reachState),
	}
}

func (t *reachTracker) get(dest outbox.Destination) *reachState {
	st, ok := t.state[dest]
	if !ok {
		st = &reachState{}
		t.state[dest] = st
	}
	return st
}

func (t *reachTracker) success(dest outbox.Destination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(dest)
	st.lastOK = t.now()
	st.failingSince = time.Time{}
	st.failures = 0
	st.flagged = false
}

// failure records a failed cycle and reports whether the streak just crossed
// the unreachable threshold.
func (t *reachTracker) failure(dest outbox.Destination) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(dest)
	st.failures++
	if st.failingSince.IsZero() {
		st.failingSince = now
	}
	if st.flagged || now.Sub(st.failingSince) < t.after {
		return false
	}
	st.flagged = true
	return true
}

// flag marks dest unreachable outright and reports whether it was not already.
func (t *reachTracker) flag(dest outbox.Destination) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(dest)
	if st.flagged {
		return false
	}
	st.flagged = true
	if st.failingSince.IsZero() {
		st.failingSince = t.now()
	}
	return true
}

func (t *reachTracker) list() []ReachInfo {
	t.mu.Lock()
	out := make([]ReachInfo, 0, len(t.state))
	for dest, st := range t.state {
		out = append(out, ReachInfo{
			Dest:         dest,
			LastOK:       st.lastOK,
			FailingSince: st.failingSince,
			Failures:     st.failures,
			Unreachable:  st.flagged,
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Dest.String() < out[j].Dest.String() })
	return out
}
