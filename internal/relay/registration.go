package relay

import (
	"sync"
	"time"
)

type RegState int

const (
	Unregistered RegState = iota
	Registering
	Registered
)

func (s RegState) String() string {
	switch s {
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	default:
		return "unregistered"
	}
}

// Registration tracks the client's standing with the relay.
type Registration struct {
	interval time.Duration

	mu        sync.Mutex
	state     RegState
	startedAt time.Time
	identity  string
	keepAlive time.Duration
}

// NewRegistration starts unregistered. identity is the one remembered from an
// earlier run, offered to the server on the next attempt.
func NewRegistration(interval time.Duration, identity string) *Registration {
	return &Registration{interval: interval, identity: identity}
}

// Begin moves to Registering and reports whether a REGISTER should go out.
// Attempts closer together than the interval are suppressed.
func (r *Registration) Begin(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Registered {
		return false
	}
	if !r.startedAt.IsZero() && now.Sub(r.startedAt) < r.interval {
		return false
	}
	r.state = Registering
	r.startedAt = now
	return true
}

// Complete records the server-assigned identity. A late REGISTERED after an
// invalidation is still accepted since the server just vouched for it.
func (r *Registration) Complete(identity string, keepAlive time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Registered
	r.identity = identity
	r.keepAlive = keepAlive
}

// Invalidate forgets the identity after the server rejected it. The next
// Begin is allowed immediately.
func (r *Registration) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Unregistered
	r.identity = ""
	r.keepAlive = 0
	r.startedAt = time.Time{}
}

func (r *Registration) State() RegState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Identity is the assigned identity, or the remembered one while not
// registered.
func (r *Registration) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

func (r *Registration) KeepAlive() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keepAlive
}

// Registered returns the identity when registered.
func (r *Registration) Registered() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity, r.state == Registered
}
