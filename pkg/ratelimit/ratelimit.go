// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides accept throttling using a token bucket algorithm.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
	clock      clockwork.Clock
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64, clock clockwork.Clock) *TokenBucket {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

// Allow checks if a request should be allowed.
// Returns true if allowed, false if rate limited.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N requests should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// AcceptLimiter throttles inbound accepts per source IP.
type AcceptLimiter struct {
	mu         sync.RWMutex
	limiters   map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxSources int
	clock      clockwork.Clock
}

// NewAcceptLimiter creates an accept limiter with per-source tracking.
func NewAcceptLimiter(capacity, refillRate int64, maxSources int, clock clockwork.Clock) *AcceptLimiter {
	if maxSources == 0 {
		maxSources = 10000
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AcceptLimiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxSources: maxSources,
		clock:      clock,
	}
}

// Allow checks if an accept from the given source IP should be allowed.
func (l *AcceptLimiter) Allow(sourceIP string) bool {
	l.mu.RLock()
	tb, ok := l.limiters[sourceIP]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		tb, ok = l.limiters[sourceIP]
		if !ok {
			// Bound the table; when full, spill to a shared bucket key so a
			// flood of spoofed sources cannot exhaust memory.
			if len(l.limiters) >= l.maxSources {
				sourceIP = ""
			}
			if tb, ok = l.limiters[sourceIP]; !ok {
				tb = NewTokenBucket(l.capacity, l.refillRate, l.clock)
				l.limiters[sourceIP] = tb
			}
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Sources returns the number of tracked source IPs.
func (l *AcceptLimiter) Sources() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
