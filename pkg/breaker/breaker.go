// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides failure backoff for endpoint connect attempts.
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Defaults for the cooldown curve.
const (
	DefaultBase = 100 * time.Millisecond
	DefaultCap  = 10 * time.Second
)

// Cooldown tracks consecutive connect failures for one endpoint and keeps it
// out of rotation for an exponentially growing window: after the k-th
// consecutive failure the endpoint is not ready until now + min(base*2^(k-1), cap).
// A single success resets the counter.
type Cooldown struct {
	mu       sync.Mutex
	base     time.Duration
	cap      time.Duration
	clock    clockwork.Clock
	failures int
	until    time.Time
}

// Config holds cooldown configuration.
type Config struct {
	// Base is the cooldown after the first failure.
	Base time.Duration
	// Cap bounds the cooldown regardless of failure count.
	Cap time.Duration
	// Clock is the time source; nil means the real clock.
	Clock clockwork.Clock
}

// New creates a cooldown tracker.
func New(cfg Config) *Cooldown {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Cooldown{
		base:  cfg.Base,
		cap:   cfg.Cap,
		clock: cfg.Clock,
	}
}

// Failure records a failed connect and extends the cooldown window.
func (c *Cooldown) Failure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	d := c.base
	for i := 1; i < c.failures; i++ {
		d *= 2
		if d >= c.cap {
			d = c.cap
			break
		}
	}
	c.until = c.clock.Now().Add(d)
}

// Success records a successful connect and clears the cooldown.
func (c *Cooldown) Success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.until = time.Time{}
}

// Ready reports whether the endpoint may be offered to the selector.
func (c *Cooldown) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.clock.Now().Before(c.until)
}

// Failures returns the current consecutive failure count.
func (c *Cooldown) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Until returns the end of the current cooldown window; the zero time means
// no cooldown is in effect.
func (c *Cooldown) Until() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.until
}
