// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mRouter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for mRouter.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectsTotal      *prometheus.CounterVec
	ActiveConnections  *prometheus.GaugeVec
	ConnectionDuration *prometheus.HistogramVec
	AcceptsThrottled   *prometheus.CounterVec
	AcceptErrors       *prometheus.CounterVec
	HandshakeFailures  *prometheus.CounterVec

	// Transfer metrics
	RxBytesTotal *prometheus.CounterVec
	TxBytesTotal *prometheus.CounterVec

	// Endpoint metrics
	ConnectLatency *prometheus.HistogramVec
	ConnectFails   *prometheus.CounterVec

	// Resolver metrics
	ResolverUpdates *prometheus.CounterVec
	ResolverLatency *prometheus.HistogramVec

	// Binder metrics
	BalancersLive *prometheus.GaugeVec
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered on a private registry. Go runtime and process
// collectors (open file descriptors included) are registered alongside.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mrouter"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		registry: reg,
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connects_total",
				Help:      "Total number of routed connection attempts by result",
			},
			[]string{"router", "endpoint", "result"},
		),
		ActiveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active proxied connections",
			},
			[]string{"router", "endpoint"},
		),
		ConnectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Proxied connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"router"},
		),
		AcceptsThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accepts_throttled_total",
				Help:      "Total number of accepts rejected by the rate limiter",
			},
			[]string{"router", "server"},
		),
		AcceptErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Total number of listener accept errors",
			},
			[]string{"router", "server"},
		),
		HandshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshake_failures_total",
				Help:      "Total number of inbound TLS handshake failures",
			},
			[]string{"router", "server"},
		),
		RxBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rx_bytes_total",
				Help:      "Total bytes received from clients",
			},
			[]string{"router", "endpoint"},
		),
		TxBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tx_bytes_total",
				Help:      "Total bytes sent to clients",
			},
			[]string{"router", "endpoint"},
		),
		ConnectLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connect_latency_ms",
				Help:      "Outbound connect latency in milliseconds",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
			[]string{"router", "endpoint"},
		),
		ConnectFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_fail_total",
				Help:      "Total number of failed outbound connects by kind",
			},
			[]string{"router", "endpoint", "kind"},
		),
		ResolverUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_updates_total",
				Help:      "Total number of resolver polls by result",
			},
			[]string{"router", "result"},
		),
		ResolverLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolver_request_latency_ms",
				Help:      "Discovery request latency in milliseconds",
				Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"router"},
		),
		BalancersLive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "balancers_live",
				Help:      "Number of live balancer instances in the binder cache",
			},
			[]string{"router"},
		),
	}

	factory(m.ConnectsTotal)
	factory(m.ActiveConnections)
	factory(m.ConnectionDuration)
	factory(m.AcceptsThrottled)
	factory(m.AcceptErrors)
	factory(m.HandshakeFailures)
	factory(m.RxBytesTotal)
	factory(m.TxBytesTotal)
	factory(m.ConnectLatency)
	factory(m.ConnectFails)
	factory(m.ResolverUpdates)
	factory(m.ResolverLatency)
	factory(m.BalancersLive)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveConnection tracks a proxied connection lifecycle around f.
func (m *Metrics) ObserveConnection(router, endpoint string, f func() error) error {
	m.ActiveConnections.WithLabelValues(router, endpoint).Inc()
	defer m.ActiveConnections.WithLabelValues(router, endpoint).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(router).Observe(time.Since(start).Seconds())
	}()

	return f()
}
