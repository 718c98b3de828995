// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package binder caches balancer instances by destination name, lazily
// creating and reference-counting them.
package binder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mrouter/pkg/balancer"
	merrors "github.com/absmach/mrouter/pkg/errors"
	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/absmach/mrouter/pkg/resolver"
	"github.com/jonboulle/clockwork"
)

// Factory creates the balancer and resolver pair for one destination name.
// The binder owns both: it starts the resolver and subscribes the balancer,
// and shuts them down on eviction.
type Factory func(name string) (*balancer.Balancer, *resolver.Resolver)

// Config holds binder configuration.
type Config struct {
	// Router label for metrics.
	Router string

	// Factory builds balancers on demand.
	Factory Factory

	// CacheIdle is how long an unreferenced balancer survives before
	// eviction.
	CacheIdle time.Duration

	// NegTTL is how long a NotFound verdict fails lookups fast.
	NegTTL time.Duration

	// Metrics sink; nil disables instrumentation.
	Metrics *metrics.Metrics

	// Clock drives eviction and negative-cache expiry.
	Clock clockwork.Clock

	// Logger for cache events.
	Logger *slog.Logger
}

type entry struct {
	balancer *balancer.Balancer
	cancel   context.CancelFunc
	sub      *resolver.Subscription
	refcount int
	lastUsed time.Time
}

// Binder is the per-router balancer cache.
type Binder struct {
	config Config

	mu       sync.Mutex
	entries  map[string]*entry
	negUntil map[string]time.Time
}

// New creates a binder.
func New(cfg Config) *Binder {
	if cfg.CacheIdle <= 0 {
		cfg.CacheIdle = 60 * time.Second
	}
	if cfg.NegTTL <= 0 {
		cfg.NegTTL = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Binder{
		config:   cfg,
		entries:  make(map[string]*entry),
		negUntil: make(map[string]time.Time),
	}
}

// Get returns the balancer for name, creating it on first use. Every
// successful Get must be paired with a Release. Names in the negative cache
// fail fast with ErrNameNotFound.
func (b *Binder) Get(name string) (*balancer.Balancer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if until, ok := b.negUntil[name]; ok {
		if b.config.Clock.Now().Before(until) {
			return nil, merrors.ErrNameNotFound
		}
		delete(b.negUntil, name)
	}

	e, ok := b.entries[name]
	if !ok {
		bal, res := b.config.Factory(name)
		ctx, cancel := context.WithCancel(context.Background())
		snapshot, sub := res.Subscribe()

		go res.Run(ctx)
		go bal.Watch(ctx, snapshot, sub)

		e = &entry{balancer: bal, cancel: cancel, sub: sub}
		b.entries[name] = e
		b.gauge()
		b.config.Logger.Debug("balancer created", slog.String("name", name))
	}

	e.refcount++
	e.lastUsed = b.config.Clock.Now()
	return e.balancer, nil
}

// Release returns a reference obtained from Get.
func (b *Binder) Release(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[name]; ok && e.refcount > 0 {
		e.refcount--
		e.lastUsed = b.config.Clock.Now()
	}
}

// NoteNotFound records a NameNotFound verdict so lookups fail fast for the
// negative TTL.
func (b *Binder) NoteNotFound(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.negUntil[name] = b.config.Clock.Now().Add(b.config.NegTTL)
}

// Len returns the number of live balancers.
func (b *Binder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Run evicts idle balancers until ctx is cancelled, then shuts down every
// remaining balancer and resolver.
func (b *Binder) Run(ctx context.Context) error {
	interval := b.config.CacheIdle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := b.config.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case <-ticker.Chan():
			b.evictIdle()
		}
	}
}

// evictIdle drops entries that have been unreferenced for the cache-idle
// window, cancelling their resolvers.
func (b *Binder) evictIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock.Now()
	for name, e := range b.entries {
		if e.refcount > 0 || now.Sub(e.lastUsed) < b.config.CacheIdle {
			continue
		}
		e.sub.Cancel()
		e.cancel()
		delete(b.entries, name)
		b.config.Logger.Debug("balancer evicted", slog.String("name", name))
	}
	b.gauge()
}

func (b *Binder) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, e := range b.entries {
		e.sub.Cancel()
		e.cancel()
		delete(b.entries, name)
	}
	b.gauge()
}

// gauge publishes the live balancer count; callers hold b.mu.
func (b *Binder) gauge() {
	if m := b.config.Metrics; m != nil {
		m.BalancersLive.WithLabelValues(b.config.Router).Set(float64(len(b.entries)))
	}
}
