package core

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a CacheBreaker
type BreakerState string

const (
	// BreakerClosed lets cache calls through
	BreakerClosed BreakerState = "closed"
	// BreakerOpen skips the cache until the cooldown elapses
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single probe through
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned by Allow while the cache is being skipped
var ErrBreakerOpen = errors.New("cache breaker is open")

// BreakerConfig holds thresholds for a CacheBreaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before probing again
	Cooldown time.Duration
}

// Validate checks the breaker thresholds
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig opens after five consecutive failures and probes every 30s
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// CacheBreaker stops the services from hammering an unhealthy Redis. Tree reads fall
// back to assembling from SQLite while it is open.
type CacheBreaker struct {
	config   BreakerConfig
	now      func() time.Time
	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probing  bool
}

// NewCacheBreaker creates a closed breaker. now may be nil to use the wall clock.
func NewCacheBreaker(config BreakerConfig, now func() time.Time) (*CacheBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &CacheBreaker{config: config, now: now, state: BreakerClosed}, nil
}

// Allow reports whether a cache call may proceed. Once the cooldown has elapsed one
// caller is let through as a probe; the rest keep getting ErrBreakerOpen.
func (b *CacheBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and returns the state before and after
func (b *CacheBreaker) RecordSuccess() (oldState, newState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState = b.state
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
	return oldState, b.state
}

// RecordFailure counts a failure and returns the state before and after
func (b *CacheBreaker) RecordFailure() (oldState, newState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState = b.state
	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.MaxFailures {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
	}
	return oldState, b.state
}

// State returns the current state
func (b *CacheBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
