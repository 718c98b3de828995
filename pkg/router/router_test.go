// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mrouter/pkg/config"
	"github.com/absmach/mrouter/pkg/metrics"
	"github.com/absmach/mrouter/pkg/pool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoBackend accepts connections and echoes bytes until EOF.
func echoBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				if tc, ok := c.(*net.TCPConn); ok {
					tc.CloseWrite()
				} else {
					c.Close()
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// oracle serves the namerd resolve API from a name→addrs table.
type oracle struct {
	mu    sync.Mutex
	names map[string][]string // name -> host:port
}

func (o *oracle) bind(name string, addrs ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names[name] = addrs
}

func (o *oracle) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		addrs, ok := o.names[r.URL.Query().Get("path")]
		o.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		type addr struct {
			IP   string `json:"ip"`
			Port int    `json:"port"`
		}
		rsp := struct {
			Type  string `json:"type"`
			Addrs []addr `json:"addrs"`
		}{Type: "bound"}
		for _, a := range addrs {
			host, port, _ := net.SplitHostPort(a)
			var p int
			fmt.Sscanf(port, "%d", &p)
			rsp.Addrs = append(rsp.Addrs, addr{IP: host, Port: p})
		}
		json.NewEncoder(w).Encode(rsp)
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func startRouter(t *testing.T, o *oracle, servers []config.Server) (*Router, *metrics.Metrics) {
	t.Helper()
	oracleSrv := httptest.NewServer(o.handler())
	t.Cleanup(oracleSrv.Close)

	cfg := config.Router{
		Label: "test",
		Interpreter: config.Interpreter{
			Kind:       config.InterpreterKindNamerd,
			BaseURL:    oracleSrv.URL,
			Namespace:  "default",
			PeriodSecs: 1,
		},
		Servers: servers,
		Client: config.Client{
			Kind: config.ClientKindStatic,
			Configs: []config.ClientConfig{
				{Prefix: "/svc", ConnectTimeoutMs: 500},
			},
		},
	}

	m := metrics.New("test")
	r, err := New(cfg, Options{
		Metrics:       m,
		Buffers:       pool.NewBufferPool(8 * 1024),
		DrainDeadline: 5 * time.Second,
		CacheIdle:     time.Minute,
		NegTTL:        time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("router did not stop")
		}
	})
	return r, m
}

// tryEcho dials addr once and attempts a full echo round trip.
func tryEcho(addr, msg string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", err
	}
	conn.(*net.TCPConn).CloseWrite()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(conn)
	return string(got), err
}

func TestRouterEchoEndToEnd(t *testing.T) {
	backend := echoBackend(t)
	o := &oracle{names: map[string][]string{"/svc/echo": {backend.Addr().String()}}}

	port := freePort(t)
	_, m := startRouter(t, o, []config.Server{{
		IP:      "127.0.0.1",
		Port:    port,
		DstName: "/svc/echo",
	}})
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// The first connections may race resolver warm-up; the name must heal.
	var got string
	require.Eventually(t, func() bool {
		out, err := tryEcho(addr, "hello")
		if err != nil || out != "hello" {
			return false
		}
		got = out
		return true
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, "hello", got)

	// Steady state: echo works first try.
	out, err := tryEcho(addr, "world")
	require.NoError(t, err)
	assert.Equal(t, "world", out)

	rx := testutil.ToFloat64(m.RxBytesTotal.WithLabelValues("test", backend.Addr().String()))
	tx := testutil.ToFloat64(m.TxBytesTotal.WithLabelValues("test", backend.Addr().String()))
	assert.GreaterOrEqual(t, rx, 10.0)
	assert.Equal(t, rx, tx, "echo moves the same bytes both ways")
}

func TestRouterNameNotFound(t *testing.T) {
	o := &oracle{names: map[string][]string{}}

	port := freePort(t)
	_, m := startRouter(t, o, []config.Server{{
		IP:      "127.0.0.1",
		Port:    port,
		DstName: "/svc/missing",
	}})
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// Inbound connections are closed once the oracle reports 404.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err = conn.Read(make([]byte, 1))
		if err != io.EOF {
			return false
		}
		count := testutil.ToFloat64(m.ConnectsTotal.WithLabelValues("test", "none", "name_not_found"))
		return count >= 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestRouterFailover(t *testing.T) {
	backend := echoBackend(t)

	// A port with nothing listening refuses connects.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadLn.Addr().String()
	deadLn.Close()

	o := &oracle{names: map[string][]string{
		"/svc/echo": {deadAddr, backend.Addr().String()},
	}}

	port := freePort(t)
	_, m := startRouter(t, o, []config.Server{{
		IP:      "127.0.0.1",
		Port:    port,
		DstName: "/svc/echo",
	}})
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	require.Eventually(t, func() bool {
		out, err := tryEcho(addr, "failover")
		return err == nil && out == "failover"
	}, 10*time.Second, 50*time.Millisecond)

	// Once warm, every connection succeeds via the live endpoint.
	for i := 0; i < 10; i++ {
		out, err := tryEcho(addr, "ping")
		require.NoError(t, err, "connection %d", i)
		require.Equal(t, "ping", out)
	}

	ok := testutil.ToFloat64(m.ConnectsTotal.WithLabelValues("test", backend.Addr().String(), "ok"))
	assert.GreaterOrEqual(t, ok, 11.0, "all connections must land on the live endpoint")
}
