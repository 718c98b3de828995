// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	merrors "github.com/absmach/mrouter/pkg/errors"
)

// loadIdentity reads an identity's certificate chain and key from disk.
func loadIdentity(id Identity) (tls.Certificate, error) {
	var chain []byte
	for _, p := range id.Certs {
		pem, err := os.ReadFile(p)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("reading certificate %s: %w", p, err)
		}
		chain = append(chain, pem...)
		chain = append(chain, '\n')
	}
	key, err := os.ReadFile(id.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading private key %s: %w", id.PrivateKey, err)
	}
	cert, err := tls.X509KeyPair(chain, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading identity: %w", err)
	}
	return cert, nil
}

// Build loads all server identities and returns a TLS config that selects a
// certificate by exact SNI match, falling back to the default identity. With
// no identities at all the server must not bind; Build fails.
func (t *ServerTLS) Build() (*tls.Config, error) {
	if t.DefaultIdentity == nil && len(t.Identities) == 0 {
		return nil, fmt.Errorf("%w: no TLS server identities specified", merrors.ErrConfig)
	}

	var def *tls.Certificate
	if t.DefaultIdentity != nil {
		cert, err := loadIdentity(*t.DefaultIdentity)
		if err != nil {
			return nil, err
		}
		def = &cert
	}

	bySNI := make(map[string]*tls.Certificate, len(t.Identities))
	for sni, id := range t.Identities {
		cert, err := loadIdentity(id)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", sni, err)
		}
		bySNI[sni] = &cert
	}

	cfg := &tls.Config{
		NextProtos: t.ALPNProtocols,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if cert, ok := bySNI[hello.ServerName]; ok {
				return cert, nil
			}
			if def != nil {
				return def, nil
			}
			return nil, fmt.Errorf("no certificate for server name %q", hello.ServerName)
		},
	}
	return cfg, nil
}

// Build returns a client TLS config: dnsName for SNI and verification,
// trustCerts as the root set, and the optional client identity for mTLS.
func (t *ClientTLS) Build() (*tls.Config, error) {
	cfg := &tls.Config{ServerName: t.DNSName}

	if len(t.TrustCerts) > 0 {
		pool := x509.NewCertPool()
		for _, p := range t.TrustCerts {
			pem, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("reading trust certificate %s: %w", p, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", p)
			}
		}
		cfg.RootCAs = pool
	}

	if t.ClientIdentity != nil {
		cert, err := loadIdentity(*t.ClientIdentity)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
