// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint tracks load and health for one downstream address.
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/absmach/mrouter/pkg/breaker"
	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

// epsilon keeps the load score finite for tiny positive weights.
const epsilon = 1e-6

// Key identifies a downstream address.
type Key struct {
	IP   string
	Port uint16
}

// KeyOf builds a Key from a host:port address string.
func KeyOf(addr string) (Key, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Key{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Key{}, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return Key{IP: host, Port: uint16(p)}, nil
}

// String returns the host:port form of the key.
func (k Key) String() string {
	return net.JoinHostPort(k.IP, fmt.Sprintf("%d", k.Port))
}

// Less establishes a total order over keys: by IP, then by port.
func (k Key) Less(o Key) bool {
	if c := strings.Compare(k.IP, o.IP); c != 0 {
		return c < 0
	}
	return k.Port < o.Port
}

// Endpoint is one concrete downstream address with its load and health
// bookkeeping. Counters are atomic so selection can read them without locks.
type Endpoint struct {
	key Key

	weight  atomic.Float64
	active  atomic.Int64
	pending atomic.Int64

	cooldown *breaker.Cooldown
}

// New creates an endpoint with the given key and weight.
func New(key Key, weight float64, clock clockwork.Clock) *Endpoint {
	ep := &Endpoint{
		key:      key,
		cooldown: breaker.New(breaker.Config{Clock: clock}),
	}
	ep.weight.Store(weight)
	return ep
}

// Key returns the endpoint's address key.
func (e *Endpoint) Key() Key {
	return e.key
}

// Weight returns the current weight.
func (e *Endpoint) Weight() float64 {
	return e.weight.Load()
}

// SetWeight updates the weight from a resolver update. Weight zero marks the
// endpoint for retirement.
func (e *Endpoint) SetWeight(w float64) {
	e.weight.Store(w)
}

// Active returns the number of open proxied connections.
func (e *Endpoint) Active() int64 {
	return e.active.Load()
}

// Pending returns the number of in-flight connect attempts.
func (e *Endpoint) Pending() int64 {
	return e.pending.Load()
}

// Load returns active + pending.
func (e *Endpoint) Load() int64 {
	return e.active.Load() + e.pending.Load()
}

// Score returns the weighted load score used by selection:
// (active + pending) / max(weight, epsilon).
func (e *Endpoint) Score() float64 {
	w := e.weight.Load()
	if w < epsilon {
		w = epsilon
	}
	return float64(e.Load()) / w
}

// Eligible reports whether the endpoint may be selected: positive weight and
// not cooling down after failures.
func (e *Endpoint) Eligible() bool {
	return e.weight.Load() > 0 && e.cooldown.Ready()
}

// Retired reports whether the endpoint can be dropped from the table: weight
// zero and no remaining load.
func (e *Endpoint) Retired() bool {
	return e.weight.Load() == 0 && e.Load() == 0
}

// BeginConnect records the start of a connect attempt.
func (e *Endpoint) BeginConnect() {
	e.pending.Inc()
}

// ConnectSuccess records a successful connect: the pending slot becomes an
// active connection and the failure counter resets.
func (e *Endpoint) ConnectSuccess() {
	e.pending.Dec()
	e.active.Inc()
	e.cooldown.Success()
}

// ConnectFailure records a failed connect and starts or extends the cooldown.
func (e *Endpoint) ConnectFailure() {
	e.pending.Dec()
	e.cooldown.Failure()
}

// Release records the end of a proxied connection.
func (e *Endpoint) Release() {
	e.active.Dec()
}

// Failures returns the consecutive connect failure count.
func (e *Endpoint) Failures() int {
	return e.cooldown.Failures()
}
