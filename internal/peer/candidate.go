// Package peer tracks which destinations discovery has reported as
// reachable.
package peer

import (
	"container/list"
	"sync"
	"time"

	"duelnet/internal/outbox"
)

const (
	DefaultCandidateCap = 512
	DefaultCandidateTTL = 30 * time.Minute
)

// CandidatePool is a bounded, expiring set of reachable destinations. The most
// recently refreshed entries survive eviction.
type CandidatePool struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[outbox.Destination]*list.Element
	order *list.List
}

type candidateEntry struct {
	dest      outbox.Destination
	expiresAt time.Time
}

func NewCandidatePool(capacity int, ttl time.Duration) *CandidatePool {
	if capacity <= 0 {
		capacity = DefaultCandidateCap
	}
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	return &CandidatePool{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[outbox.Destination]*list.Element),
		order: list.New(),
	}
}

// Add inserts dest or refreshes its expiry.
func (c *CandidatePool) Add(dest outbox.Destination) {
	if dest.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	expires := c.now().Add(c.ttl)
	if el, ok := c.hot[dest]; ok {
		el.Value.(*candidateEntry).expiresAt = expires
		c.order.MoveToFront(el)
		return
	}
	if len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	c.hot[dest] = c.order.PushFront(&candidateEntry{dest: dest, expiresAt: expires})
}

func (c *CandidatePool) Remove(dest outbox.Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.hot[dest]; ok {
		delete(c.hot, dest)
		c.order.Remove(el)
	}
}

func (c *CandidatePool) Has(dest outbox.Destination) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	_, ok := c.hot[dest]
	return ok
}

// List returns live candidates, most recently refreshed first.
func (c *CandidatePool) List() []outbox.Destination {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]outbox.Destination, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*candidateEntry).dest)
	}
	return out
}

func (c *CandidatePool) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	return len(c.hot)
}

func (c *CandidatePool) pruneLocked() {
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if !ent.expiresAt.After(now) {
			delete(c.hot, ent.dest)
			c.order.Remove(el)
		}
		el = prev
	}
}

func (c *CandidatePool) evictLocked(n int) {
	for ; n > 0; n-- {
		el := c.order.Back()
		if el == nil {
			return
		}
		delete(c.hot, el.Value.(*candidateEntry).dest)
		c.order.Remove(el)
	}
}
