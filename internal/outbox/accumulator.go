// Package outbox holds per-destination outbound queues. An Accumulator owns
// the ordered messages for one destination together with the bookkeeping the
// send worker needs to decide when to try again.
package outbox

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duelnet/internal/proto"
)

// Forever is returned by Wait when nothing will become ready on its own.
const Forever time.Duration = -1

const backoffUnit = time.Second

var seqCounter atomic.Uint64

type Result int

const (
	Queued Result = iota
	Duplicate
	Rejected
)

func (r Result) String() string {
	switch r {
	case Queued:
		return "queued"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

type Options struct {
	// Deadline ends the accumulator's life whether or not it drained.
	Deadline time.Time
	// ExitWhenEmpty makes Done report true as soon as the queue drains.
	ExitWhenEmpty bool
	Now           func() time.Time
	Log           *zap.Logger
}

type Accumulator struct {
	dest Destination
	now  func() time.Time
	log  *zap.Logger
	wake chan struct{}

	mu            sync.Mutex
	msgs          []PendingMessage
	index         map[[32]byte]struct{}
	total         int
	failures      int
	lastFailure   time.Time
	failingSince  time.Time
	deadline      time.Time
	exitWhenEmpty bool
}

func NewAccumulator(dest Destination, opts Options) *Accumulator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Accumulator{
		dest:          dest,
		now:           now,
		log:           log.With(zap.Stringer("dest", dest)),
		wake:          make(chan struct{}, 1),
		index:         make(map[[32]byte]struct{}),
		deadline:      opts.Deadline,
		exitWhenEmpty: opts.ExitWhenEmpty,
	}
}

func (a *Accumulator) Destination() Destination {
	return a.dest
}

// Enqueue reports whether the message is (now or already) queued.
func (a *Accumulator) Enqueue(kind proto.Kind, gameID uint32, payload []byte, correlationID string) bool {
	return a.Add(kind, gameID, payload, correlationID) != Rejected
}

// Add appends a message unless an equal one is already queued or the packet
// built from the queue would reach the size ceiling. A duplicate still resets
// the failure count so the next attempt happens right away.
func (a *Accumulator) Add(kind proto.Kind, gameID uint32, payload []byte, correlationID string) Result {
	msg := PendingMessage{
		Kind:          kind,
		GameID:        gameID,
		CorrelationID: correlationID,
		Payload:       append([]byte(nil), payload...),
	}
	fp := fingerprint(kind, gameID, msg.Payload)

	a.mu.Lock()
	if _, ok := a.index[fp]; ok {
		for _, queued := range a.msgs {
			if queued.SameContent(msg) && queued.CorrelationID != correlationID {
				a.log.Debug("duplicate with different correlation id",
					zap.Stringer("kind", kind),
					zap.Uint32("game", gameID),
					zap.String("queued_corr", queued.CorrelationID),
					zap.String("dup_corr", correlationID))
				break
			}
		}
		a.resetFailuresLocked()
		a.mu.Unlock()
		a.notify()
		return Duplicate
	}
	size := msg.EncodedSize()
	if len(a.msgs) >= proto.MaxBatchCount || proto.BatchHeaderLen+a.total+size >= proto.MaxPacketSize {
		total := a.total
		a.mu.Unlock()
		a.log.Debug("enqueue rejected: packet ceiling",
			zap.Stringer("kind", kind),
			zap.Int("size", size),
			zap.Int("queued_bytes", total))
		return Rejected
	}
	msg.Seq = seqCounter.Add(1)
	msg.EnqueuedAt = a.now()
	if kind == proto.KindMessage {
		msg.MessageID = uuid.New()
	}
	a.msgs = append(a.msgs, msg)
	a.index[fp] = struct{}{}
	a.total += size
	a.resetFailuresLocked()
	a.mu.Unlock()
	a.notify()
	return Queued
}

// Snapshot returns the queued messages in send order without removing them.
func (a *Accumulator) Snapshot() []PendingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingMessage, len(a.msgs))
	copy(out, a.msgs)
	return out
}

// Acknowledge drops the first n messages and clears the failure streak.
func (a *Accumulator) Acknowledge(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.msgs) {
		n = len(a.msgs)
	}
	for _, m := range a.msgs[:n] {
		delete(a.index, fingerprint(m.Kind, m.GameID, m.Payload))
		a.total -= m.EncodedSize()
	}
	rest := make([]PendingMessage, len(a.msgs)-n)
	copy(rest, a.msgs[n:])
	a.msgs = rest
	a.failures = 0
	a.lastFailure = time.Time{}
	a.failingSince = time.Time{}
}

func (a *Accumulator) NoteFailure() {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	a.lastFailure = now
	if a.failingSince.IsZero() {
		a.failingSince = now
	}
}

// Wait is how long the worker should sleep before the next attempt: zero when
// there is fresh data and no failure streak, otherwise failures² seconds since
// the last failure. An empty queue waits Forever unless a deadline bounds it.
func (a *Accumulator) Wait() time.Duration {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	var wait time.Duration
	switch {
	case len(a.msgs) == 0:
		wait = Forever
	case a.failures == 0:
		wait = 0
	default:
		f := time.Duration(a.failures)
		wait = backoffUnit*f*f - now.Sub(a.lastFailure)
		if wait < 0 {
			wait = 0
		}
	}
	if !a.deadline.IsZero() {
		left := a.deadline.Sub(now)
		if left < 0 {
			left = 0
		}
		if wait == Forever || wait > left {
			wait = left
		}
	}
	return wait
}

// Done reports whether the exit policy has fired.
func (a *Accumulator) Done() bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exitWhenEmpty && len(a.msgs) == 0 {
		return true
	}
	return !a.deadline.IsZero() && !now.Before(a.deadline)
}

// Deadline is the lifetime deadline, zero when the accumulator lives until
// released.
func (a *Accumulator) Deadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline
}

// Expired reports whether a lifetime deadline has passed.
func (a *Accumulator) Expired() bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.deadline.IsZero() && !now.Before(a.deadline)
}

// Wake fires after every successful Add.
func (a *Accumulator) Wake() <-chan struct{} {
	return a.wake
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func (a *Accumulator) Bytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *Accumulator) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// FailingFor is the length of the current failure streak.
func (a *Accumulator) FailingFor() time.Duration {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failingSince.IsZero() {
		return 0
	}
	return now.Sub(a.failingSince)
}

func (a *Accumulator) resetFailuresLocked() {
	a.failures = 0
	a.lastFailure = time.Time{}
}

func (a *Accumulator) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}
