// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	merrors "github.com/absmach/mrouter/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPlainTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c := New(Config{ConnectTimeout: time.Second})
	conn, err := c.Connect(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(Config{ConnectTimeout: time.Second})
	_, err = c.Connect(context.Background(), addr)
	require.Error(t, err)

	ce, ok := merrors.AsConnectError(err)
	require.True(t, ok)
	assert.Equal(t, merrors.ConnectRefused, ce.Kind)
	assert.True(t, ce.Kind.Retryable())
}

func TestConnectDeadlineExceeded(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	c := New(Config{ConnectTimeout: time.Second})
	_, err := c.Connect(ctx, "127.0.0.1:1")
	require.Error(t, err)

	ce, ok := merrors.AsConnectError(err)
	require.True(t, ok)
	assert.Equal(t, merrors.ConnectTimeout, ce.Kind)
	assert.True(t, ce.Kind.Retryable())
}

// selfSignedServer starts a TLS listener with a throwaway certificate.
func selfSignedServer(t *testing.T) (net.Listener, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "backend.test"},
		DNSNames:     []string{"backend.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(crand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				// Drive the handshake from the server side.
				c.(*tls.Conn).Handshake()
				c.Close()
			}(conn)
		}
	}()

	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool.AddCert(leaf)
	return ln, pool
}

func TestConnectTLSVerified(t *testing.T) {
	ln, pool := selfSignedServer(t)

	c := New(Config{
		ConnectTimeout: 2 * time.Second,
		TLSConfig:      &tls.Config{ServerName: "backend.test", RootCAs: pool},
	})
	conn, err := c.Connect(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestConnectTLSVerifyFailure(t *testing.T) {
	ln, _ := selfSignedServer(t)

	// No trust anchors: verification must fail and must not be retryable.
	c := New(Config{
		ConnectTimeout: 2 * time.Second,
		TLSConfig:      &tls.Config{ServerName: "backend.test"},
	})
	_, err := c.Connect(context.Background(), ln.Addr().String())
	require.Error(t, err)

	ce, ok := merrors.AsConnectError(err)
	require.True(t, ok)
	assert.Equal(t, merrors.ConnectTLSVerify, ce.Kind)
	assert.False(t, ce.Kind.Retryable())
}

func TestConnectTLSHandshakeFailure(t *testing.T) {
	// A plain TCP listener cannot answer a ClientHello.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("not a tls server\n"))
			conn.Close()
		}
	}()

	c := New(Config{
		ConnectTimeout: 2 * time.Second,
		TLSConfig:      &tls.Config{ServerName: "backend.test", InsecureSkipVerify: true},
	})
	_, err = c.Connect(context.Background(), ln.Addr().String())
	require.Error(t, err)

	ce, ok := merrors.AsConnectError(err)
	require.True(t, ok)
	assert.Equal(t, merrors.ConnectTLSHandshake, ce.Kind)
	assert.False(t, ce.Kind.Retryable())
}
