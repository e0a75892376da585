package testutil

import (
	"sync"
	"time"
)

// TickingTime is a deterministic wall clock for tests.
//
// Every call to Now returns the previous value plus Step, starting at Base.
// Run records stamped with it are byte-identical across test runs, which
// golden snapshots rely on.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type TickingTime struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	n    int64
}

// NewTickingTime creates a clock starting at 2019-06-01T00:00:00Z that
// advances by one second per call.
func NewTickingTime() *TickingTime {
	return &TickingTime{
		base: time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
		step: time.Second,
	}
}

// Now returns the next instant.
func (c *TickingTime) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.base.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Reset rewinds the clock to its base.
func (c *TickingTime) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
