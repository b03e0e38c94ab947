package core

import (
	"sync"
	"time"
)

// Clock supplies the current time to services and the history ledger.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a preset instant, advancing by Step on every call when Step is non-zero.
type FixedClock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

// NewFixedClock creates a FixedClock starting at t.
func NewFixedClock(t time.Time, step time.Duration) *FixedClock {
	return &FixedClock{t: t.UTC(), Step: step}
}

// Now returns the current preset instant and advances it by Step.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.Step)
	return now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t.UTC()
	c.mu.Unlock()
}
