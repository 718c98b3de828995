// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/common/expfmt"
)

// Snapshotter periodically encodes the registry into an immutable text
// exposition buffer. Readers of the admin /metrics endpoint see the latest
// snapshot and never touch the live registry.
type Snapshotter struct {
	metrics  *Metrics
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu   sync.RWMutex
	body []byte
}

// NewSnapshotter creates a snapshotter over m with the given cadence.
func NewSnapshotter(m *Metrics, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		metrics:  m,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run takes snapshots on the configured cadence until ctx is cancelled. An
// initial snapshot is taken immediately so /metrics is never empty.
func (s *Snapshotter) Run(ctx context.Context) error {
	s.Snap()
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.Snap()
		}
	}
}

// Snap gathers the registry once and replaces the buffer.
func (s *Snapshotter) Snap() {
	families, err := s.metrics.Registry().Gather()
	if err != nil {
		s.logger.Error("metrics gather failed", slog.String("error", err.Error()))
		return
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			s.logger.Error("metrics encode failed", slog.String("error", err.Error()))
			return
		}
	}

	s.mu.Lock()
	s.body = buf.Bytes()
	s.mu.Unlock()
}

// Latest returns the most recent snapshot.
func (s *Snapshotter) Latest() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.body
}
