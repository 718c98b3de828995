// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolver converts a logical destination name into a stream of
// weighted address sets by polling a discovery oracle.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mrouter/pkg/endpoint"
	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/jonboulle/clockwork"
)

// WeightedAddr is one (address, weight) pair of an AddressSet.
type WeightedAddr struct {
	Key    endpoint.Key
	Weight float64
}

// AddressSet is an ordered set of weighted addresses. Empty is a valid set:
// the name exists but has no endpoints.
type AddressSet []WeightedAddr

// Equal reports whether two sets have the same addresses and weights in the
// same order.
func (s AddressSet) Equal(o AddressSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Kind enumerates resolution states.
type Kind int

const (
	Pending Kind = iota
	Resolved
	Failed
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// State is one resolution state with a monotone stamp for ordering.
type State struct {
	Kind  Kind
	Addrs AddressSet
	Err   error
	Stamp uint64
}

// equivalent reports whether a new observation matches the current state and
// can be coalesced without an emission.
func (s State) equivalent(o State) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case Resolved:
		return s.Addrs.Equal(o.Addrs)
	case Failed:
		return s.Err != nil && o.Err != nil && s.Err.Error() == o.Err.Error()
	default:
		return true
	}
}

// Config holds resolver configuration for one destination name.
type Config struct {
	// Client queries the discovery oracle.
	Client *Client

	// Name is the logical destination, e.g. "/svc/echo".
	Name string

	// Period is the poll cadence.
	Period time.Duration

	// Router label for metrics.
	Router string

	// Metrics sink; nil disables instrumentation.
	Metrics *metrics.Metrics

	// Clock is the poll timer source; nil means the real clock.
	Clock clockwork.Clock

	// Logger for poll events.
	Logger *slog.Logger
}

// Resolver polls the oracle for one name and fans resolution states out to
// subscribers. Subscribers always observe the latest state first and then a
// latest-wins stream of transitions; consecutive identical results are
// coalesced.
type Resolver struct {
	config Config

	mu    sync.Mutex
	state State
	stamp uint64
	subs  map[*Subscription]struct{}
}

// Subscription is one subscriber's view of a resolver.
type Subscription struct {
	// C delivers state transitions. The channel has capacity one and is
	// written latest-wins: a slow reader only ever misses intermediate
	// states, never the newest.
	C <-chan State

	ch       chan State
	cancel   func(*Subscription)
	once   sync.Once
}

// Cancel detaches the subscription from its resolver.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.cancel(s) })
}

// New creates a resolver in the Pending state. Run starts polling.
func New(cfg Config) *Resolver {
	if cfg.Period <= 0 {
		cfg.Period = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		config: cfg,
		state:  State{Kind: Pending},
		subs:   make(map[*Subscription]struct{}),
	}
}

// State returns a snapshot of the latest resolution state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe attaches a subscriber. The snapshot is the state at subscription
// time; transitions after it arrive on the subscription channel.
func (r *Resolver) Subscribe() (State, *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &Subscription{
		ch:     make(chan State, 1),
		cancel: r.unsubscribe,
	}
	sub.C = sub.ch
	r.subs[sub] = struct{}{}
	return r.state, sub
}

func (r *Resolver) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sub)
}

// Run polls the oracle until ctx is cancelled. The first poll is issued
// immediately, subsequent polls on the configured cadence.
func (r *Resolver) Run(ctx context.Context) error {
	r.poll(ctx)

	ticker := r.config.Clock.NewTicker(r.config.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.poll(ctx)
		}
	}
}

func (r *Resolver) poll(ctx context.Context) {
	start := time.Now()
	addrs, err := r.config.Client.Resolve(ctx, r.config.Name)
	latency := time.Since(start)

	var next State
	switch {
	case err == nil:
		next = State{Kind: Resolved, Addrs: addrs}
	case isNotFound(err):
		next = State{Kind: NotFound}
	default:
		if ctx.Err() != nil {
			return
		}
		next = State{Kind: Failed, Err: err}
	}

	if m := r.config.Metrics; m != nil {
		m.ResolverUpdates.WithLabelValues(r.config.Router, next.Kind.String()).Inc()
		m.ResolverLatency.WithLabelValues(r.config.Router).Observe(float64(latency.Milliseconds()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.equivalent(next) {
		return
	}

	r.stamp++
	next.Stamp = r.stamp
	r.state = next

	if next.Kind == Failed {
		r.config.Logger.Warn("resolution failed",
			slog.String("name", r.config.Name),
			slog.String("error", next.Err.Error()))
	} else {
		r.config.Logger.Debug("resolution update",
			slog.String("name", r.config.Name),
			slog.String("state", next.Kind.String()),
			slog.Int("addrs", len(next.Addrs)))
	}

	for sub := range r.subs {
		select {
		case sub.ch <- next:
		default:
			// Displace the unread state; latest wins.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- next
		}
	}
}

func isNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
