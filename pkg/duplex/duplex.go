// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package duplex pumps bytes between two connections with half-close and
// timeout semantics.
package duplex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/absmach/mrouter/pkg/pool"
	"go.uber.org/atomic"
)

// Reason explains why a duplex completed.
type Reason int

const (
	// ClientClose: the client reached EOF first and the reverse direction
	// drained.
	ClientClose Reason = iota
	// ServerClose: the server reached EOF first.
	ServerClose
	// TimeoutIdle: no read in either direction within the idle timeout.
	TimeoutIdle
	// TimeoutStream: the absolute stream deadline passed.
	TimeoutStream
	// Error: a copy failed; both halves were closed.
	Error
)

func (r Reason) String() string {
	switch r {
	case ClientClose:
		return "client_close"
	case ServerClose:
		return "server_close"
	case TimeoutIdle:
		return "timeout_idle"
	case TimeoutStream:
		return "timeout_stream"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Record is the completion record of one duplex.
type Record struct {
	// RxBytes is the total read from the client and written to the server.
	RxBytes uint64
	// TxBytes is the total read from the server and written to the client.
	TxBytes uint64
	Reason  Reason
	Err     error
	Elapsed time.Duration
}

// closeWriter is the half-close surface of TCP and TLS connections.
type closeWriter interface {
	CloseWrite() error
}

// Config holds duplex configuration.
type Config struct {
	// IdleTimeout closes the connection when no read succeeds in either
	// direction for this long; 0 disables it.
	IdleTimeout time.Duration

	// StreamDeadline is the absolute lifetime cap; zero disables it.
	StreamDeadline time.Time

	// Buffers supplies copy buffers; nil allocates per connection.
	Buffers *pool.BufferPool

	// Router and Endpoint label the byte counters.
	Router   string
	Endpoint string

	// Metrics sink; nil disables instrumentation.
	Metrics *metrics.Metrics

	// SessionID tags log records.
	SessionID string

	// Logger for lifecycle events.
	Logger *slog.Logger
}

// Duplex copies client→server and server→client concurrently until both
// directions terminate or a timeout fires.
type Duplex struct {
	config Config
	client net.Conn
	server net.Conn

	rxBytes      atomic.Uint64
	txBytes      atomic.Uint64
	lastActivity atomic.Int64 // unix nanos of the last successful read

	mu     sync.Mutex
	reason Reason
	err    error
	done   bool
}

// New creates a duplex over an accepted client connection and an established
// server connection.
func New(client, server net.Conn, cfg Config) *Duplex {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Duplex{config: cfg, client: client, server: server}
}

// Run pumps both directions until completion and returns the completion
// record. Both connections are closed before it returns. Cancelling ctx
// force-closes the connection.
func (d *Duplex) Run(ctx context.Context) Record {
	start := time.Now()
	d.lastActivity.Store(start.UnixNano())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.terminate(Error, ctx.Err())
			d.forceClose()
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.copy(d.client, d.server, true)
	}()
	go func() {
		defer wg.Done()
		d.copy(d.server, d.client, false)
	}()
	wg.Wait()

	d.client.Close()
	d.server.Close()

	d.mu.Lock()
	rec := Record{
		RxBytes: d.rxBytes.Load(),
		TxBytes: d.txBytes.Load(),
		Reason:  d.reason,
		Err:     d.err,
		Elapsed: time.Since(start),
	}
	d.mu.Unlock()

	d.config.Logger.Debug("duplex complete",
		slog.String("session", d.config.SessionID),
		slog.String("reason", rec.Reason.String()),
		slog.Uint64("rx_bytes", rec.RxBytes),
		slog.Uint64("tx_bytes", rec.TxBytes),
		slog.Duration("elapsed", rec.Elapsed))
	return rec
}

// copy pumps one direction. srcIsClient marks the client→server direction.
func (d *Duplex) copy(src, dst net.Conn, srcIsClient bool) {
	var buf []byte
	if d.config.Buffers != nil {
		buf = d.config.Buffers.Get()
		defer d.config.Buffers.Put(buf)
	} else {
		buf = make([]byte, pool.DefaultBufferSize)
	}

	for {
		if !d.armReadDeadline(src) {
			return
		}

		n, err := src.Read(buf)
		if n > 0 {
			now := time.Now().UnixNano()
			d.lastActivity.Store(now)
			d.account(n, srcIsClient)

			if !d.config.StreamDeadline.IsZero() {
				dst.SetWriteDeadline(d.config.StreamDeadline)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				d.terminate(Error, werr)
				d.forceClose()
				return
			}
		}

		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			// Half-close: shut down the peer's write side; the reverse
			// direction keeps running until its own EOF.
			if cw, ok := dst.(closeWriter); ok {
				cw.CloseWrite()
			} else {
				dst.Close()
			}
			if srcIsClient {
				d.terminate(ClientClose, nil)
			} else {
				d.terminate(ServerClose, nil)
			}
			return

		case isTimeout(err):
			kind, expired := d.timeoutKind()
			if !expired {
				// The other direction was active; re-arm and keep reading.
				continue
			}
			d.terminate(kind, nil)
			d.forceClose()
			return

		default:
			d.terminate(Error, err)
			d.forceClose()
			return
		}
	}
}

// armReadDeadline sets the next read deadline from the idle timeout and the
// stream deadline. It returns false when the stream deadline has already
// passed.
func (d *Duplex) armReadDeadline(src net.Conn) bool {
	var deadline time.Time
	if d.config.IdleTimeout > 0 {
		deadline = time.Now().Add(d.config.IdleTimeout)
	}
	if sd := d.config.StreamDeadline; !sd.IsZero() {
		if !sd.After(time.Now()) {
			d.terminate(TimeoutStream, nil)
			d.forceClose()
			return false
		}
		if deadline.IsZero() || sd.Before(deadline) {
			deadline = sd
		}
	}
	src.SetReadDeadline(deadline)
	return true
}

// timeoutKind decides what a read timeout means: stream cap, true idleness,
// or a false alarm because the opposite direction made progress.
func (d *Duplex) timeoutKind() (Reason, bool) {
	now := time.Now()
	if sd := d.config.StreamDeadline; !sd.IsZero() && !sd.After(now) {
		return TimeoutStream, true
	}
	if it := d.config.IdleTimeout; it > 0 {
		last := time.Unix(0, d.lastActivity.Load())
		if now.Sub(last) >= it {
			return TimeoutIdle, true
		}
	}
	return TimeoutIdle, false
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// account updates byte counters for one successful read.
func (d *Duplex) account(n int, srcIsClient bool) {
	if srcIsClient {
		d.rxBytes.Add(uint64(n))
		if m := d.config.Metrics; m != nil {
			m.RxBytesTotal.WithLabelValues(d.config.Router, d.config.Endpoint).Add(float64(n))
		}
	} else {
		d.txBytes.Add(uint64(n))
		if m := d.config.Metrics; m != nil {
			m.TxBytesTotal.WithLabelValues(d.config.Router, d.config.Endpoint).Add(float64(n))
		}
	}
}

// terminate records the first completion reason; later calls lose.
func (d *Duplex) terminate(reason Reason, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.done = true
	d.reason = reason
	d.err = err
}

// forceClose unblocks both directions immediately.
func (d *Duplex) forceClose() {
	now := time.Now()
	d.client.SetDeadline(now)
	d.server.SetDeadline(now)
	d.client.Close()
	d.server.Close()
}
