// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connector establishes outbound TCP and TLS connections.
package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	merrors "github.com/absmach/mrouter/pkg/errors"
	"github.com/absmach/mrouter/pkg/metrics"
)

// DefaultConnectTimeout bounds a connect attempt when the connector's Config
// sets no ConnectTimeout.
const DefaultConnectTimeout = 500 * time.Millisecond

// Config holds connector configuration for one client prefix.
type Config struct {
	// ConnectTimeout bounds TCP connect plus, if TLS is enabled, the
	// handshake.
	ConnectTimeout time.Duration

	// TLSConfig, when non-nil, originates the downstream connection as TLS.
	// ServerName carries the SNI / verification name.
	TLSConfig *tls.Config

	// Router label for metrics.
	Router string

	// Metrics sink; nil disables instrumentation.
	Metrics *metrics.Metrics

	// Logger for connect events.
	Logger *slog.Logger
}

// Connector dials downstream endpoints. It never retries; retry policy
// belongs to the balancer.
type Connector struct {
	config Config
	dialer net.Dialer
}

// New creates a connector.
func New(cfg Config) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connector{config: cfg}
}

// Connect establishes a connection to addr, bounded by the connector's
// timeout and any earlier deadline on ctx. On failure it returns a typed
// *errors.ConnectError.
func (c *Connector) Connect(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		kind := classifyDial(err)
		c.fail(addr, kind, err)
		return nil, &merrors.ConnectError{Kind: kind, Addr: addr, Err: err}
	}

	if c.config.TLSConfig != nil {
		tlsConn := tls.Client(conn, c.config.TLSConfig)
		// The handshake spends whatever remains of the connect deadline.
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			kind := classifyTLS(err)
			c.fail(addr, kind, err)
			return nil, &merrors.ConnectError{Kind: kind, Addr: addr, Err: err}
		}
		conn = tlsConn
	}

	latency := time.Since(start)
	if m := c.config.Metrics; m != nil {
		m.ConnectLatency.WithLabelValues(c.config.Router, addr).Observe(float64(latency.Milliseconds()))
	}
	c.config.Logger.Debug("connect ok",
		slog.String("addr", addr),
		slog.Duration("latency", latency))
	return conn, nil
}

func (c *Connector) fail(addr string, kind merrors.ConnectKind, err error) {
	if m := c.config.Metrics; m != nil {
		m.ConnectFails.WithLabelValues(c.config.Router, addr, kind.String()).Inc()
	}
	c.config.Logger.Debug("connect failed",
		slog.String("addr", addr),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()))
}

// classifyDial maps a dial error onto the connect taxonomy.
func classifyDial(err error) merrors.ConnectKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return merrors.ConnectTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return merrors.ConnectTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return merrors.ConnectRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return merrors.ConnectUnreachable
	}
	return merrors.ConnectUnreachable
}

// classifyTLS distinguishes verification failures, which must never be
// retried against another endpoint, from other handshake errors.
func classifyTLS(err error) merrors.ConnectKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return merrors.ConnectTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return merrors.ConnectTimeout
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		certInvalid      x509.CertificateInvalidError
		hostname         x509.HostnameError
		certVerify       *tls.CertificateVerificationError
	)
	if errors.As(err, &certVerify) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &hostname) {
		return merrors.ConnectTLSVerify
	}
	return merrors.ConnectTLSHandshake
}
