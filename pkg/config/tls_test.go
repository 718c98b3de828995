// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeIdentity generates a self-signed certificate for name and writes the
// PEM pair into dir.
func writeIdentity(t *testing.T, dir, name string) Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(crand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, name+".crt")
	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	certOut.Close()

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, name+".key")
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	keyOut.Close()

	return Identity{PrivateKey: keyPath, Certs: []string{certPath}}
}

func leafName(t *testing.T, cert *tls.Certificate) string {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func TestServerTLSSNISelection(t *testing.T) {
	dir := t.TempDir()
	def := writeIdentity(t, dir, "default.example.com")
	alt := writeIdentity(t, dir, "alt.example.com")

	st := ServerTLS{
		DefaultIdentity: &def,
		Identities:      map[string]Identity{"alt.example.com": alt},
		ALPNProtocols:   []string{"h2"},
	}
	cfg, err := st.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"h2"}, cfg.NextProtos)

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "alt.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alt.example.com", leafName(t, cert))

	// Unknown SNI falls back to the default identity.
	cert, err = cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "other.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "default.example.com", leafName(t, cert))
}

func TestServerTLSNoDefaultNoMatchFails(t *testing.T) {
	dir := t.TempDir()
	alt := writeIdentity(t, dir, "alt.example.com")

	st := ServerTLS{Identities: map[string]Identity{"alt.example.com": alt}}
	cfg, err := st.Build()
	require.NoError(t, err)

	_, err = cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.com"})
	assert.Error(t, err)
}

func TestServerTLSNoIdentitiesFailsToBuild(t *testing.T) {
	st := ServerTLS{}
	_, err := st.Build()
	assert.Error(t, err)
}

func TestServerTLSMissingFiles(t *testing.T) {
	st := ServerTLS{DefaultIdentity: &Identity{
		PrivateKey: "/nonexistent/key.pem",
		Certs:      []string{"/nonexistent/cert.pem"},
	}}
	_, err := st.Build()
	assert.Error(t, err)
}

func TestClientTLSBuild(t *testing.T) {
	dir := t.TempDir()
	ca := writeIdentity(t, dir, "ca.example.com")
	id := writeIdentity(t, dir, "client.example.com")

	ct := ClientTLS{
		DNSName:        "backend.example.com",
		TrustCerts:     ca.Certs,
		ClientIdentity: &id,
	}
	cfg, err := ct.Build()
	require.NoError(t, err)
	assert.Equal(t, "backend.example.com", cfg.ServerName)
	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
}

func TestClientTLSBadTrustFile(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a pem"), 0o600))

	ct := ClientTLS{DNSName: "x", TrustCerts: []string{junk}}
	_, err := ct.Build()
	assert.Error(t, err)
}
