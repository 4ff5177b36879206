package network

import "sync"

// ipCounter caps concurrent units (connections or streams) per remote IP.
// A non-positive max disables the cap.
type ipCounter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newIPCounter(max int) *ipCounter {
	return &ipCounter{max: max, counts: make(map[string]int)}
}

func (c *ipCounter) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *ipCounter) release(ip string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

func (c *ipCounter) current(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ip]
}

type ipLimiter struct {
	conns   *ipCounter
	streams *ipCounter
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{conns: newIPCounter(maxConns), streams: newIPCounter(maxStreams)}
}
