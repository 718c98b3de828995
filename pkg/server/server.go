// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server accepts inbound TCP connections, optionally terminates TLS,
// and hands each connection to the router with an envelope.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	merrors "github.com/absmach/mrouter/pkg/errors"
	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/absmach/mrouter/pkg/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the
	// configured drain deadline.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Envelope is the metadata attached to an accepted connection. It is created
// here and consumed exactly once by the router.
type Envelope struct {
	SessionID  string
	SourceAddr net.Addr

	// ClientIdentity is the subject common name of the TLS peer
	// certificate, when one was presented.
	ClientIdentity string

	// DstName is the logical destination resolved through discovery.
	DstName string

	NegotiatedSNI  string
	NegotiatedALPN string

	// ConnectTimeout bounds the downstream connect for this connection.
	ConnectTimeout time.Duration

	// IdleTimeout and StreamDeadline bound the proxied stream; zero values
	// disable them.
	IdleTimeout    time.Duration
	StreamDeadline time.Time

	AcceptedAt time.Time
}

// Handler consumes accepted connections. The router implements it.
type Handler interface {
	// Handle proxies the accepted connection. It owns conn and must close
	// it. It returns when the proxied connection has ended.
	Handle(ctx context.Context, conn net.Conn, env *Envelope) error
}

// Config holds the acceptor configuration for one listening endpoint.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// DstName is the logical destination for connections accepted here.
	DstName string

	// Router label for metrics and logs.
	Router string

	// TLSConfig is optional TLS termination configuration for the listener.
	TLSConfig *tls.Config

	// ConnectTimeout, IdleTimeout and StreamTimeout seed each envelope.
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	StreamTimeout  time.Duration

	// MaxConnections bounds concurrent connections on this listener;
	// 0 means unlimited.
	MaxConnections int

	// KeepAlive enables TCP keepalive with the given period; 0 disables.
	KeepAlive time.Duration

	// NoDelay disables Nagle's algorithm on accepted sockets.
	NoDelay bool

	// Limiter throttles accepts per source IP; nil disables throttling.
	Limiter *ratelimit.AcceptLimiter

	// DrainDeadline is the maximum time to wait for active connections to
	// complete during graceful shutdown. After it, remaining connections
	// are forcefully closed.
	DrainDeadline time.Duration

	// Metrics sink; nil disables instrumentation.
	Metrics *metrics.Metrics

	// Logger for server events.
	Logger *slog.Logger
}

// Server is one listening endpoint producing envelopes.
type Server struct {
	config  Config
	handler Handler
	wg      sync.WaitGroup
	active  atomic.Int64
	addr    atomic.Value // net.Addr, set once bound
}

// Addr returns the bound listener address, or nil before Listen binds. With
// a configured port of 0 this is the only way to learn the real port.
func (s *Server) Addr() net.Addr {
	if a, ok := s.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// New creates a server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DrainDeadline == 0 {
		cfg.DrainDeadline = 30 * time.Second
	}
	return &Server{config: cfg, handler: h}
}

// Listen binds the listener and blocks until the context is cancelled,
// implementing graceful shutdown with connection draining. A bind failure is
// fatal for this listener.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", merrors.ErrBind, s.config.Address, err)
	}
	s.addr.Store(listener.Addr())

	if s.config.TLSConfig != nil {
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}
	s.config.Logger.Info("server started",
		slog.String("address", s.config.Address),
		slog.String("dst", s.config.DstName))

	// Connections get their own context so draining can outlive the accept
	// loop and still be force-terminated at the drain deadline.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					s.countAcceptError()
					continue
				}
			}

			if !s.admit(conn) {
				conn.Close()
				continue
			}

			s.wg.Add(1)
			s.active.Inc()
			go func() {
				defer s.wg.Done()
				defer s.active.Dec()
				if err := s.handleConn(connCtx, conn); err != nil {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.String("address", s.config.Address))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections drained", slog.String("address", s.config.Address))
		return nil
	case <-time.After(s.config.DrainDeadline):
		s.config.Logger.Warn("drain deadline exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// admit applies the per-listener connection cap and the per-source accept
// throttle.
func (s *Server) admit(conn net.Conn) bool {
	if max := s.config.MaxConnections; max > 0 && s.active.Load() >= int64(max) {
		s.config.Logger.Warn("connection limit reached",
			slog.String("address", s.config.Address),
			slog.String("remote", conn.RemoteAddr().String()))
		return false
	}
	if s.config.Limiter != nil {
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			host = conn.RemoteAddr().String()
		}
		if !s.config.Limiter.Allow(host) {
			if m := s.config.Metrics; m != nil {
				m.AcceptsThrottled.WithLabelValues(s.config.Router, s.config.Address).Inc()
			}
			return false
		}
	}
	return true
}

// handleConn applies socket options, performs the optional TLS handshake,
// builds the envelope, and hands the connection to the router.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	s.applyTCPOptions(conn)

	env := &Envelope{
		SessionID:      uuid.New().String(),
		SourceAddr:     conn.RemoteAddr(),
		DstName:        s.config.DstName,
		ConnectTimeout: s.config.ConnectTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		AcceptedAt:     time.Now(),
	}
	if s.config.StreamTimeout > 0 {
		env.StreamDeadline = env.AcceptedAt.Add(s.config.StreamTimeout)
	}

	if s.config.TLSConfig != nil {
		tlsConn := tls.Server(conn, s.config.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			if m := s.config.Metrics; m != nil {
				m.HandshakeFailures.WithLabelValues(s.config.Router, s.config.Address).Inc()
			}
			return merrors.New("handshake", s.config.Router, env.SessionID, conn.RemoteAddr().String(), err)
		}
		state := tlsConn.ConnectionState()
		env.NegotiatedSNI = state.ServerName
		env.NegotiatedALPN = state.NegotiatedProtocol
		if len(state.PeerCertificates) > 0 {
			env.ClientIdentity = state.PeerCertificates[0].Subject.CommonName
		}
		conn = tlsConn
	}

	return s.handler.Handle(ctx, conn, env)
}

// applyTCPOptions sets keepalive and nodelay on the raw socket.
func (s *Server) applyTCPOptions(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if s.config.KeepAlive > 0 {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(s.config.KeepAlive)
	} else {
		tcpConn.SetKeepAlive(false)
	}
	tcpConn.SetNoDelay(s.config.NoDelay)
}

func (s *Server) countAcceptError() {
	if m := s.config.Metrics; m != nil {
		m.AcceptErrors.WithLabelValues(s.config.Router, s.config.Address).Inc()
	}
}
