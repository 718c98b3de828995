// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package balancer holds the endpoint table for one destination name and
// selects endpoints for inbound connections using weighted
// power-of-two-choices over load scores.
package balancer

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sync"

	"github.com/absmach/mrouter/pkg/connector"
	"github.com/absmach/mrouter/pkg/endpoint"
	merrors "github.com/absmach/mrouter/pkg/errors"
	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/absmach/mrouter/pkg/resolver"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

// Config holds balancer configuration for one destination name.
type Config struct {
	// Name is the destination this balancer serves.
	Name string

	// Router label for metrics.
	Router string

	// MaxConnections bounds active + pending across all endpoints;
	// 0 means unlimited.
	MaxConnections int

	// MaxWaiters bounds concurrent selection attempts; 0 means unlimited.
	MaxWaiters int

	// Retries is the connect retry budget per inbound connection. Only
	// Refused, Unreachable and Timeout failures are retried, and never
	// against the endpoint that just failed.
	Retries int

	// Connector dials selected endpoints.
	Connector *connector.Connector

	// Metrics sink; nil disables instrumentation.
	Metrics *metrics.Metrics

	// Clock drives endpoint cooldowns; nil means the real clock.
	Clock clockwork.Clock

	// Logger for selection events.
	Logger *slog.Logger
}

// Balancer applies resolver updates to an endpoint table and picks an
// endpoint per inbound connection.
type Balancer struct {
	config Config

	mu        sync.Mutex
	endpoints map[endpoint.Key]*endpoint.Endpoint
	current   resolver.State
	rng       *rand.Rand

	waiters atomic.Int64
}

// New creates a balancer with an empty endpoint table in the Pending state.
func New(cfg Config) *Balancer {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Balancer{
		config:    cfg,
		endpoints: make(map[endpoint.Key]*endpoint.Endpoint),
		current:   resolver.State{Kind: resolver.Pending},
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Name returns the destination name this balancer serves.
func (b *Balancer) Name() string {
	return b.config.Name
}

// Apply folds one resolver state into the endpoint table atomically. Updates
// must arrive in stamp order; stale states are ignored. A Failed state keeps
// the last good address set. For a Resolved set: new keys are inserted with
// zero load, kept keys get the new weight, and removed keys are weighted to
// zero and dropped once their load drains.
func (b *Balancer) Apply(st resolver.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st.Stamp != 0 && st.Stamp <= b.current.Stamp {
		return
	}

	switch st.Kind {
	case resolver.Resolved:
		seen := make(map[endpoint.Key]struct{}, len(st.Addrs))
		for _, wa := range st.Addrs {
			seen[wa.Key] = struct{}{}
			if ep, ok := b.endpoints[wa.Key]; ok {
				ep.SetWeight(wa.Weight)
				continue
			}
			b.endpoints[wa.Key] = endpoint.New(wa.Key, wa.Weight, b.config.Clock)
		}
		for key, ep := range b.endpoints {
			if _, ok := seen[key]; ok {
				continue
			}
			ep.SetWeight(0)
			if ep.Retired() {
				delete(b.endpoints, key)
			}
		}
	case resolver.Failed:
		// Keep serving the last good set.
	case resolver.NotFound, resolver.Pending:
	}

	b.current = st
}

// Watch applies the subscription snapshot and then every transition until ctx
// is cancelled.
func (b *Balancer) Watch(ctx context.Context, snapshot resolver.State, sub *resolver.Subscription) {
	b.Apply(snapshot)
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-sub.C:
			b.Apply(st)
		}
	}
}

// State returns the latest resolution state folded into the balancer.
func (b *Balancer) State() resolver.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Load returns active + pending across all endpoints.
func (b *Balancer) Load() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, ep := range b.endpoints {
		total += ep.Load()
	}
	return total
}

// Endpoints returns a snapshot of the endpoint table.
func (b *Balancer) Endpoints() []*endpoint.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	eps := make([]*endpoint.Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

// SelectAndConnect admits the connection, picks an endpoint and dials it,
// retrying within the configured budget on retryable failures. On success the
// chosen endpoint has an active slot held; the caller must Release it when
// the proxied connection ends.
func (b *Balancer) SelectAndConnect(ctx context.Context) (net.Conn, *endpoint.Endpoint, error) {
	if max := b.config.MaxWaiters; max > 0 && b.waiters.Load() >= int64(max) {
		b.count("", "overloaded")
		return nil, nil, merrors.ErrOverloaded
	}
	b.waiters.Inc()
	defer b.waiters.Dec()

	var lastErr error
	exclude := make(map[endpoint.Key]struct{})
	for attempt := 0; attempt <= b.config.Retries; attempt++ {
		ep, err := b.admitAndSelect(exclude)
		if err != nil {
			if lastErr != nil {
				// All remaining endpoints are excluded; surface the
				// connect failure rather than NoEndpoints.
				return nil, nil, lastErr
			}
			return nil, nil, err
		}

		ep.BeginConnect()
		conn, err := b.config.Connector.Connect(ctx, ep.Key().String())
		if err == nil {
			ep.ConnectSuccess()
			b.count(ep.Key().String(), "ok")
			return conn, ep, nil
		}

		ep.ConnectFailure()
		b.reap(ep)
		lastErr = err

		ce, ok := merrors.AsConnectError(err)
		if !ok || !ce.Kind.Retryable() {
			b.count(ep.Key().String(), "connect_fail")
			return nil, nil, err
		}
		exclude[ep.Key()] = struct{}{}
		b.config.Logger.Debug("retrying after connect failure",
			slog.String("name", b.config.Name),
			slog.String("endpoint", ep.Key().String()),
			slog.String("kind", ce.Kind.String()))
	}
	b.count("", "connect_fail")
	return nil, nil, lastErr
}

// admitAndSelect runs admission control and weighted P2C under the table
// lock.
func (b *Balancer) admitAndSelect(exclude map[endpoint.Key]struct{}) (*endpoint.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current.Kind == resolver.NotFound {
		b.count("", "name_not_found")
		return nil, merrors.ErrNameNotFound
	}

	if max := b.config.MaxConnections; max > 0 {
		var total int64
		for _, ep := range b.endpoints {
			total += ep.Load()
		}
		if total >= int64(max) {
			b.count("", "overloaded")
			return nil, merrors.ErrOverloaded
		}
	}

	eligible := make([]*endpoint.Endpoint, 0, len(b.endpoints))
	for key, ep := range b.endpoints {
		if _, skip := exclude[key]; skip {
			continue
		}
		if ep.Eligible() {
			eligible = append(eligible, ep)
		}
	}

	switch len(eligible) {
	case 0:
		b.count("", "no_endpoints")
		return nil, merrors.ErrNoEndpoints
	case 1:
		return eligible[0], nil
	}

	i := b.rng.Intn(len(eligible))
	j := b.rng.Intn(len(eligible) - 1)
	if j >= i {
		j++
	}
	return better(eligible[i], eligible[j]), nil
}

// better picks the endpoint with the lower weighted load score. Ties break on
// fewer pending connects, then on the smaller key.
func better(a, c *endpoint.Endpoint) *endpoint.Endpoint {
	sa, sc := a.Score(), c.Score()
	if sa != sc {
		if sa < sc {
			return a
		}
		return c
	}
	pa, pc := a.Pending(), c.Pending()
	if pa != pc {
		if pa < pc {
			return a
		}
		return c
	}
	if a.Key().Less(c.Key()) {
		return a
	}
	return c
}

// Release returns an endpoint's active slot after its proxied connection
// ends and retires the endpoint if a resolver update has removed it.
func (b *Balancer) Release(ep *endpoint.Endpoint) {
	ep.Release()
	b.reap(ep)
}

// reap drops the endpoint from the table once it is both removed from the
// latest address set and free of load.
func (b *Balancer) reap(ep *endpoint.Endpoint) {
	if !ep.Retired() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.endpoints[ep.Key()]; ok && cur == ep && ep.Retired() {
		delete(b.endpoints, ep.Key())
	}
}

func (b *Balancer) count(ep, result string) {
	if m := b.config.Metrics; m != nil {
		if ep == "" {
			ep = "none"
		}
		m.ConnectsTotal.WithLabelValues(b.config.Router, ep, result).Inc()
	}
}
