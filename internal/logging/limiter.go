package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter suppresses repeats of the same log key within an interval. Hot
// network paths (bad packets, refused streams) log through it.
type Limiter struct {
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewLimiter(log *zap.Logger, interval time.Duration) *Limiter {
	return &Limiter{
		log:      OrNop(log),
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether key may be logged now and records it if so.
func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" {
		return false
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

func (l *Limiter) Warn(key, msg string, fields ...zap.Field) {
	if l.Allow(key) {
		l.log.Warn(msg, fields...)
	}
}

func (l *Limiter) Debug(key, msg string, fields ...zap.Field) {
	if l.Allow(key) {
		l.log.Debug(msg, fields...)
	}
}
