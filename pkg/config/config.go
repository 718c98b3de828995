// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the mRouter configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	merrors "github.com/absmach/mrouter/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Recognized plugin kinds.
const (
	InterpreterKindNamerd = "io.l5d.namerd.http"
	ClientKindStatic      = "io.l5d.static"
)

// Defaults.
const (
	DefaultAdminIP             = "127.0.0.1"
	DefaultServerIP            = "127.0.0.1"
	DefaultMetricsIntervalSecs = 10
	DefaultDrainDeadlineSecs   = 30
	DefaultPeriodSecs          = 10
	DefaultConnectTimeoutMs    = 500
	DefaultCacheIdleSecs       = 60
	DefaultNegTTLSecs          = 10
	DefaultKeepAliveSecs       = 45
	DefaultBufferSize          = 32 * 1024
)

// App is the top-level configuration.
type App struct {
	Admin      Admin    `json:"admin" yaml:"admin"`
	Routers    []Router `json:"routers" yaml:"routers"`
	BufferSize int      `json:"bufferSize,omitempty" yaml:"bufferSize,omitempty"`
	Binder     Binder   `json:"binder,omitempty" yaml:"binder,omitempty"`
}

// Admin configures the admin HTTP server.
type Admin struct {
	IP                  string `json:"ip,omitempty" yaml:"ip,omitempty"`
	Port                uint16 `json:"port" yaml:"port"`
	MetricsIntervalSecs uint32 `json:"metricsIntervalSecs,omitempty" yaml:"metricsIntervalSecs,omitempty"`
	DrainDeadlineSecs   uint32 `json:"drainDeadlineSecs,omitempty" yaml:"drainDeadlineSecs,omitempty"`
}

// Addr returns the admin listen address.
func (a Admin) Addr() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// MetricsInterval returns the snapshot cadence.
func (a Admin) MetricsInterval() time.Duration {
	return time.Duration(a.MetricsIntervalSecs) * time.Second
}

// DrainDeadline returns the graceful-drain cap.
func (a Admin) DrainDeadline() time.Duration {
	return time.Duration(a.DrainDeadlineSecs) * time.Second
}

// Binder configures the balancer cache.
type Binder struct {
	CacheIdleSecs uint32 `json:"cacheIdleSecs,omitempty" yaml:"cacheIdleSecs,omitempty"`
	NegTTLSecs    uint32 `json:"negTtlSecs,omitempty" yaml:"negTtlSecs,omitempty"`
}

// Router is one logical proxy with its servers, discovery binding, and
// client policy.
type Router struct {
	Label       string      `json:"label" yaml:"label"`
	Interpreter Interpreter `json:"interpreter" yaml:"interpreter"`
	Servers     []Server    `json:"servers" yaml:"servers"`
	Client      Client      `json:"client,omitempty" yaml:"client,omitempty"`
}

// Interpreter binds a router to its discovery oracle.
type Interpreter struct {
	Kind       string `json:"kind" yaml:"kind"`
	BaseURL    string `json:"baseUrl" yaml:"baseUrl"`
	Namespace  string `json:"namespace" yaml:"namespace"`
	PeriodSecs uint32 `json:"periodSecs,omitempty" yaml:"periodSecs,omitempty"`
}

// Period returns the resolver poll cadence.
func (i Interpreter) Period() time.Duration {
	return time.Duration(i.PeriodSecs) * time.Second
}

// Server is one listening endpoint.
type Server struct {
	IP               string     `json:"ip,omitempty" yaml:"ip,omitempty"`
	Port             uint16     `json:"port" yaml:"port"`
	DstName          string     `json:"dstName" yaml:"dstName"`
	ConnectTimeoutMs uint32     `json:"connectTimeoutMs,omitempty" yaml:"connectTimeoutMs,omitempty"`
	TLS              *ServerTLS `json:"tls,omitempty" yaml:"tls,omitempty"`

	MaxConnections   int    `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`
	IdleTimeoutMs    uint32 `json:"idleTimeoutMs,omitempty" yaml:"idleTimeoutMs,omitempty"`
	StreamTimeoutMs  uint32 `json:"streamTimeoutMs,omitempty" yaml:"streamTimeoutMs,omitempty"`
	AcceptRatePerSec int64  `json:"acceptRatePerSec,omitempty" yaml:"acceptRatePerSec,omitempty"`
	AcceptBurst      int64  `json:"acceptBurst,omitempty" yaml:"acceptBurst,omitempty"`
	KeepAliveSecs    uint32 `json:"keepAliveSecs,omitempty" yaml:"keepAliveSecs,omitempty"`
	NoDelay          *bool  `json:"noDelay,omitempty" yaml:"noDelay,omitempty"`
}

// Addr returns the server listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// IdleTimeout returns the per-connection idle timeout; 0 disables it.
func (s Server) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// StreamTimeout returns the per-connection lifetime cap; 0 disables it.
func (s Server) StreamTimeout() time.Duration {
	return time.Duration(s.StreamTimeoutMs) * time.Millisecond
}

// TCPNoDelay reports whether Nagle's algorithm should be disabled.
func (s Server) TCPNoDelay() bool {
	return s.NoDelay == nil || *s.NoDelay
}

// ServerTLS configures TLS termination for one server.
type ServerTLS struct {
	DefaultIdentity *Identity           `json:"defaultIdentity,omitempty" yaml:"defaultIdentity,omitempty"`
	Identities      map[string]Identity `json:"identities,omitempty" yaml:"identities,omitempty"`
	ALPNProtocols   []string            `json:"alpnProtocols,omitempty" yaml:"alpnProtocols,omitempty"`
}

// Identity is a certificate chain with its private key.
type Identity struct {
	PrivateKey string   `json:"privateKey" yaml:"privateKey"`
	Certs      []string `json:"certs" yaml:"certs"`
}

// Client configures downstream connection policy by destination prefix.
type Client struct {
	Kind    string         `json:"kind,omitempty" yaml:"kind,omitempty"`
	Configs []ClientConfig `json:"configs,omitempty" yaml:"configs,omitempty"`
}

// Match returns the client config with the longest prefix matching name, or
// nil when none matches.
func (c Client) Match(name string) *ClientConfig {
	var best *ClientConfig
	for i := range c.Configs {
		cc := &c.Configs[i]
		if !strings.HasPrefix(name, cc.Prefix) {
			continue
		}
		if best == nil || len(cc.Prefix) > len(best.Prefix) {
			best = cc
		}
	}
	return best
}

// ClientConfig is the downstream policy for one destination prefix.
type ClientConfig struct {
	Prefix           string     `json:"prefix" yaml:"prefix"`
	ConnectTimeoutMs uint32     `json:"connectTimeoutMs,omitempty" yaml:"connectTimeoutMs,omitempty"`
	TLS              *ClientTLS `json:"tls,omitempty" yaml:"tls,omitempty"`

	MaxConnections int  `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`
	MaxWaiters     int  `json:"maxWaiters,omitempty" yaml:"maxWaiters,omitempty"`
	Retries        *int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// ConnectTimeout returns the effective connect timeout.
func (c *ClientConfig) ConnectTimeout() time.Duration {
	if c == nil || c.ConnectTimeoutMs == 0 {
		return DefaultConnectTimeoutMs * time.Millisecond
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// RetryBudget returns the connect retry budget, default 1.
func (c *ClientConfig) RetryBudget() int {
	if c == nil || c.Retries == nil {
		return 1
	}
	return *c.Retries
}

// ClientTLS originates downstream connections as TLS.
type ClientTLS struct {
	DNSName        string    `json:"dnsName" yaml:"dnsName"`
	TrustCerts     []string  `json:"trustCerts,omitempty" yaml:"trustCerts,omitempty"`
	ClientIdentity *Identity `json:"clientIdentity,omitempty" yaml:"clientIdentity,omitempty"`
}

// Load reads, decodes, validates and defaults the configuration at path.
func Load(path string) (*App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", merrors.ErrConfig, err)
	}
	return Parse(raw)
}

// Parse decodes a configuration document. A document whose first non-space
// byte is '{' is decoded as JSON, anything else as YAML.
func Parse(raw []byte) (*App, error) {
	var app App
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&app); err != nil {
			return nil, fmt.Errorf("%w: %v", merrors.ErrConfig, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&app); err != nil {
			return nil, fmt.Errorf("%w: %v", merrors.ErrConfig, err)
		}
	}

	app.applyDefaults()
	if err := app.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", merrors.ErrConfig, err)
	}
	return &app, nil
}

func (a *App) applyDefaults() {
	if a.Admin.IP == "" {
		a.Admin.IP = DefaultAdminIP
	}
	if a.Admin.MetricsIntervalSecs == 0 {
		a.Admin.MetricsIntervalSecs = DefaultMetricsIntervalSecs
	}
	if a.Admin.DrainDeadlineSecs == 0 {
		a.Admin.DrainDeadlineSecs = DefaultDrainDeadlineSecs
	}
	if a.BufferSize == 0 {
		a.BufferSize = DefaultBufferSize
	}
	if a.Binder.CacheIdleSecs == 0 {
		a.Binder.CacheIdleSecs = DefaultCacheIdleSecs
	}
	if a.Binder.NegTTLSecs == 0 {
		a.Binder.NegTTLSecs = DefaultNegTTLSecs
	}
	for ri := range a.Routers {
		r := &a.Routers[ri]
		if r.Interpreter.PeriodSecs == 0 {
			r.Interpreter.PeriodSecs = DefaultPeriodSecs
		}
		if r.Client.Kind == "" {
			r.Client.Kind = ClientKindStatic
		}
		for si := range r.Servers {
			s := &r.Servers[si]
			if s.IP == "" {
				s.IP = DefaultServerIP
			}
			if s.KeepAliveSecs == 0 {
				s.KeepAliveSecs = DefaultKeepAliveSecs
			}
		}
	}
}

func (a *App) validate() error {
	if a.Admin.Port == 0 {
		return fmt.Errorf("admin.port is required")
	}
	if len(a.Routers) == 0 {
		return fmt.Errorf("at least one router is required")
	}

	labels := make(map[string]struct{}, len(a.Routers))
	for ri := range a.Routers {
		r := &a.Routers[ri]
		if r.Label == "" {
			return fmt.Errorf("router %d: label is required", ri)
		}
		if _, dup := labels[r.Label]; dup {
			return fmt.Errorf("duplicate router label %q", r.Label)
		}
		labels[r.Label] = struct{}{}

		if r.Interpreter.Kind != InterpreterKindNamerd {
			return fmt.Errorf("router %q: unsupported interpreter kind %q", r.Label, r.Interpreter.Kind)
		}
		if _, err := url.Parse(r.Interpreter.BaseURL); err != nil || r.Interpreter.BaseURL == "" {
			return fmt.Errorf("router %q: invalid interpreter baseUrl %q", r.Label, r.Interpreter.BaseURL)
		}
		if r.Interpreter.Namespace == "" {
			return fmt.Errorf("router %q: interpreter namespace is required", r.Label)
		}

		if len(r.Servers) == 0 {
			return fmt.Errorf("router %q: at least one server is required", r.Label)
		}
		for si := range r.Servers {
			s := &r.Servers[si]
			if s.Port == 0 {
				return fmt.Errorf("router %q server %d: port is required", r.Label, si)
			}
			if !strings.HasPrefix(s.DstName, "/") {
				return fmt.Errorf("router %q server %d: dstName %q must start with '/'", r.Label, si, s.DstName)
			}
			if s.TLS != nil && s.TLS.DefaultIdentity == nil && len(s.TLS.Identities) == 0 {
				return fmt.Errorf("router %q server %d: no TLS server identities specified", r.Label, si)
			}
		}

		if r.Client.Kind != ClientKindStatic {
			return fmt.Errorf("router %q: unsupported client kind %q", r.Label, r.Client.Kind)
		}
		for ci := range r.Client.Configs {
			cc := &r.Client.Configs[ci]
			if !strings.HasPrefix(cc.Prefix, "/") {
				return fmt.Errorf("router %q client config %d: prefix %q must start with '/'", r.Label, ci, cc.Prefix)
			}
			if cc.TLS != nil && cc.TLS.DNSName == "" {
				return fmt.Errorf("router %q client config %d: tls.dnsName is required", r.Label, ci)
			}
		}
	}
	return nil
}
