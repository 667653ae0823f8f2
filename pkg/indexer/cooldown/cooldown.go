// Package cooldown provides a minimum-interval gate for periodic jobs.
package cooldown

import (
	"sync"
	"time"
)

// Gate lets an operation run only when Interval has elapsed since it last ran. The first call always passes.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func New(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Allow reports whether the operation may run at now and, if so, records now as the last run.
func (g *Gate) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}

// Reset makes the next Allow pass.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = time.Time{}
}

func (g *Gate) Interval() time.Duration { return g.interval }
