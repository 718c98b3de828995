// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router merges the servers of one router configuration and
// dispatches accepted connections through the binder into duplex tasks.
package router

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/absmach/mrouter/pkg/balancer"
	"github.com/absmach/mrouter/pkg/binder"
	"github.com/absmach/mrouter/pkg/config"
	"github.com/absmach/mrouter/pkg/connector"
	"github.com/absmach/mrouter/pkg/duplex"
	merrors "github.com/absmach/mrouter/pkg/errors"
	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/absmach/mrouter/pkg/pool"
	"github.com/absmach/mrouter/pkg/ratelimit"
	"github.com/absmach/mrouter/pkg/resolver"
	"github.com/absmach/mrouter/pkg/server"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Options carries the process-wide collaborators shared by all routers.
type Options struct {
	Metrics       *metrics.Metrics
	Buffers       *pool.BufferPool
	Clock         clockwork.Clock
	Logger        *slog.Logger
	DrainDeadline time.Duration
	CacheIdle     time.Duration
	NegTTL        time.Duration
}

// clientPolicy is one client config with its TLS material loaded.
type clientPolicy struct {
	config    *config.ClientConfig
	clientTLS *tls.Config
}

// loadClientPolicies loads TLS material for every client config eagerly so a
// bad trust store fails at startup, not on the first connection.
func loadClientPolicies(c config.Client) ([]clientPolicy, error) {
	policies := make([]clientPolicy, 0, len(c.Configs))
	for i := range c.Configs {
		cc := &c.Configs[i]
		pol := clientPolicy{config: cc}
		if cc.TLS != nil {
			tlsCfg, err := cc.TLS.Build()
			if err != nil {
				return nil, err
			}
			pol.clientTLS = tlsCfg
		}
		policies = append(policies, pol)
	}
	return policies, nil
}

// matchPolicy returns the longest-prefix policy for name, or a zero policy
// when no prefix matches.
func matchPolicy(policies []clientPolicy, name string) clientPolicy {
	best := clientPolicy{config: &config.ClientConfig{}}
	bestLen := -1
	for _, pol := range policies {
		if !strings.HasPrefix(name, pol.config.Prefix) {
			continue
		}
		if len(pol.config.Prefix) > bestLen {
			best = pol
			bestLen = len(pol.config.Prefix)
		}
	}
	return best
}

// Router is one logical proxy: its servers, its binder, and its dispatch
// loop.
type Router struct {
	label   string
	binder  *binder.Binder
	servers []*server.Server
	opts    Options
}

// New builds a router from its configuration: the discovery client, the
// balancer factory with per-prefix connectors, and all servers. TLS material
// is loaded eagerly; any failure is a fatal configuration error.
func New(cfg config.Router, opts Options) (*Router, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("router", cfg.Label))

	oracle := resolver.NewClient(cfg.Interpreter.BaseURL, cfg.Interpreter.Namespace, 10*time.Second)

	policies, err := loadClientPolicies(cfg.Client)
	if err != nil {
		return nil, err
	}

	factory := func(name string) (*balancer.Balancer, *resolver.Resolver) {
		pol := matchPolicy(policies, name)

		conn := connector.New(connector.Config{
			ConnectTimeout: pol.config.ConnectTimeout(),
			TLSConfig:      pol.clientTLS,
			Router:         cfg.Label,
			Metrics:        opts.Metrics,
			Logger:         logger,
		})

		res := resolver.New(resolver.Config{
			Client:  oracle,
			Name:    name,
			Period:  cfg.Interpreter.Period(),
			Router:  cfg.Label,
			Metrics: opts.Metrics,
			Clock:   opts.Clock,
			Logger:  logger,
		})

		bal := balancer.New(balancer.Config{
			Name:           name,
			Router:         cfg.Label,
			MaxConnections: pol.config.MaxConnections,
			MaxWaiters:     pol.config.MaxWaiters,
			Retries:        pol.config.RetryBudget(),
			Connector:      conn,
			Metrics:        opts.Metrics,
			Clock:          opts.Clock,
			Logger:         logger,
		})
		return bal, res
	}

	bnd := binder.New(binder.Config{
		Router:    cfg.Label,
		Factory:   factory,
		CacheIdle: opts.CacheIdle,
		NegTTL:    opts.NegTTL,
		Metrics:   opts.Metrics,
		Clock:     opts.Clock,
		Logger:    logger,
	})

	r := &Router{label: cfg.Label, binder: bnd, opts: opts}
	r.opts.Logger = logger

	for _, sc := range cfg.Servers {
		srv, err := buildServer(cfg.Label, sc, opts, logger, r)
		if err != nil {
			return nil, err
		}
		r.servers = append(r.servers, srv)
	}
	return r, nil
}

// Label returns the router's metrics label.
func (r *Router) Label() string {
	return r.label
}

// Binder exposes the router's balancer cache.
func (r *Router) Binder() *binder.Binder {
	return r.binder
}

// Run runs the binder janitor and every server until ctx is cancelled. All
// listeners must bind; the first bind failure tears the router down.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.binder.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	for _, srv := range r.servers {
		srv := srv
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}
	return g.Wait()
}

// Handle dispatches one accepted connection: resolve the balancer, select
// and connect an endpoint, then pump bytes until completion.
func (r *Router) Handle(ctx context.Context, conn net.Conn, env *server.Envelope) error {
	bal, err := r.binder.Get(env.DstName)
	if err != nil {
		conn.Close()
		if errors.Is(err, merrors.ErrNameNotFound) && r.opts.Metrics != nil {
			r.opts.Metrics.ConnectsTotal.WithLabelValues(r.label, "none", "name_not_found").Inc()
		}
		return merrors.New("bind", r.label, env.SessionID, env.SourceAddr.String(), err)
	}
	defer r.binder.Release(env.DstName)

	connectCtx := ctx
	if env.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, env.ConnectTimeout)
		defer cancel()
	}

	downstream, ep, err := bal.SelectAndConnect(connectCtx)
	if err != nil {
		conn.Close()
		if errors.Is(err, merrors.ErrNameNotFound) {
			r.binder.NoteNotFound(env.DstName)
		}
		return merrors.New("connect", r.label, env.SessionID, env.SourceAddr.String(), err)
	}

	epLabel := ep.Key().String()
	r.opts.Logger.Debug("connection established",
		slog.String("session", env.SessionID),
		slog.String("client", env.SourceAddr.String()),
		slog.String("endpoint", epLabel),
		slog.String("dst", env.DstName))

	d := duplex.New(conn, downstream, duplex.Config{
		IdleTimeout:    env.IdleTimeout,
		StreamDeadline: env.StreamDeadline,
		Buffers:        r.opts.Buffers,
		Router:         r.label,
		Endpoint:       epLabel,
		Metrics:        r.opts.Metrics,
		SessionID:      env.SessionID,
		Logger:         r.opts.Logger,
	})

	var rec duplex.Record
	observe := func() error {
		rec = d.Run(ctx)
		return rec.Err
	}
	if m := r.opts.Metrics; m != nil {
		m.ObserveConnection(r.label, epLabel, observe)
	} else {
		observe()
	}
	bal.Release(ep)

	if rec.Err != nil {
		return merrors.New("duplex", r.label, env.SessionID, env.SourceAddr.String(), rec.Err)
	}
	return nil
}

// buildServer constructs one listening endpoint for the router.
func buildServer(label string, sc config.Server, opts Options, logger *slog.Logger, h server.Handler) (*server.Server, error) {
	srvCfg := server.Config{
		Address:        sc.Addr(),
		DstName:        sc.DstName,
		Router:         label,
		ConnectTimeout: time.Duration(sc.ConnectTimeoutMs) * time.Millisecond,
		IdleTimeout:    sc.IdleTimeout(),
		StreamTimeout:  sc.StreamTimeout(),
		MaxConnections: sc.MaxConnections,
		KeepAlive:      time.Duration(sc.KeepAliveSecs) * time.Second,
		NoDelay:        sc.TCPNoDelay(),
		DrainDeadline:  opts.DrainDeadline,
		Metrics:        opts.Metrics,
		Logger:         logger,
	}
	if sc.TLS != nil {
		tlsCfg, err := sc.TLS.Build()
		if err != nil {
			return nil, err
		}
		srvCfg.TLSConfig = tlsCfg
	}
	if sc.AcceptRatePerSec > 0 {
		burst := sc.AcceptBurst
		if burst <= 0 {
			burst = sc.AcceptRatePerSec
		}
		srvCfg.Limiter = ratelimit.NewAcceptLimiter(burst, sc.AcceptRatePerSec, 0, opts.Clock)
	}
	return server.New(srvCfg, h), nil
}
