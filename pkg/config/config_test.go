// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	merrors "github.com/absmach/mrouter/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleYAML = `
admin:
  port: 9990
routers:
  - label: default
    interpreter:
      kind: io.l5d.namerd.http
      baseUrl: http://127.0.0.1:4180
      namespace: default
      periodSecs: 5
    servers:
      - port: 7474
        dstName: /svc/echo
    client:
      kind: io.l5d.static
      configs:
        - prefix: /svc
          connectTimeoutMs: 400
`

func TestParseYAML(t *testing.T) {
	app, err := Parse([]byte(simpleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9990", app.Admin.Addr())
	require.Len(t, app.Routers, 1)

	r := app.Routers[0]
	assert.Equal(t, "default", r.Label)
	assert.Equal(t, uint32(5), r.Interpreter.PeriodSecs)
	require.Len(t, r.Servers, 1)
	assert.Equal(t, "127.0.0.1:7474", r.Servers[0].Addr())
	assert.Equal(t, "/svc/echo", r.Servers[0].DstName)
}

func TestParseJSON(t *testing.T) {
	doc := `{
		"admin": {"port": 9990},
		"routers": [{
			"label": "default",
			"interpreter": {
				"kind": "io.l5d.namerd.http",
				"baseUrl": "http://127.0.0.1:4180",
				"namespace": "default"
			},
			"servers": [{"port": 7474, "dstName": "/svc/echo"}]
		}]
	}`
	app, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultPeriodSecs), app.Routers[0].Interpreter.PeriodSecs)
}

func TestParseLeadingWhitespaceJSON(t *testing.T) {
	doc := "\n\t  " + `{"admin":{"port":1},"routers":[{"label":"x","interpreter":{"kind":"io.l5d.namerd.http","baseUrl":"http://o","namespace":"n"},"servers":[{"port":2,"dstName":"/svc/x"}]}]}`
	_, err := Parse([]byte(doc))
	assert.NoError(t, err)
}

func TestDefaults(t *testing.T) {
	app, err := Parse([]byte(simpleYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultAdminIP, app.Admin.IP)
	assert.Equal(t, uint32(DefaultMetricsIntervalSecs), app.Admin.MetricsIntervalSecs)
	assert.Equal(t, uint32(DefaultDrainDeadlineSecs), app.Admin.DrainDeadlineSecs)
	assert.Equal(t, DefaultBufferSize, app.BufferSize)
	assert.Equal(t, uint32(DefaultCacheIdleSecs), app.Binder.CacheIdleSecs)
	assert.Equal(t, DefaultServerIP, app.Routers[0].Servers[0].IP)
	assert.True(t, app.Routers[0].Servers[0].TCPNoDelay())
}

func TestUnknownFieldRejected(t *testing.T) {
	doc := simpleYAML + "\nbogusKey: true\n"
	_, err := Parse([]byte(doc))
	assert.ErrorIs(t, err, merrors.ErrConfig)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate string
	}{
		{"missing admin port", `
admin: {}
routers:
  - label: a
    interpreter: {kind: io.l5d.namerd.http, baseUrl: "http://o", namespace: n}
    servers: [{port: 1, dstName: /svc/a}]
`},
		{"no routers", `
admin: {port: 1}
routers: []
`},
		{"bad interpreter kind", `
admin: {port: 1}
routers:
  - label: a
    interpreter: {kind: io.l5d.other, baseUrl: "http://o", namespace: n}
    servers: [{port: 1, dstName: /svc/a}]
`},
		{"duplicate labels", `
admin: {port: 1}
routers:
  - label: a
    interpreter: {kind: io.l5d.namerd.http, baseUrl: "http://o", namespace: n}
    servers: [{port: 1, dstName: /svc/a}]
  - label: a
    interpreter: {kind: io.l5d.namerd.http, baseUrl: "http://o", namespace: n}
    servers: [{port: 2, dstName: /svc/a}]
`},
		{"dstName without slash", `
admin: {port: 1}
routers:
  - label: a
    interpreter: {kind: io.l5d.namerd.http, baseUrl: "http://o", namespace: n}
    servers: [{port: 1, dstName: svc}]
`},
		{"tls without identities", `
admin: {port: 1}
routers:
  - label: a
    interpreter: {kind: io.l5d.namerd.http, baseUrl: "http://o", namespace: n}
    servers:
      - port: 1
        dstName: /svc/a
        tls: {}
`},
		{"client tls without dnsName", `
admin: {port: 1}
routers:
  - label: a
    interpreter: {kind: io.l5d.namerd.http, baseUrl: "http://o", namespace: n}
    servers: [{port: 1, dstName: /svc/a}]
    client:
      kind: io.l5d.static
      configs:
        - prefix: /svc
          tls: {trustCerts: [/tmp/ca.pem]}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.mutate))
			assert.ErrorIs(t, err, merrors.ErrConfig)
		})
	}
}

func TestClientMatchLongestPrefix(t *testing.T) {
	c := Client{
		Kind: ClientKindStatic,
		Configs: []ClientConfig{
			{Prefix: "/svc", ConnectTimeoutMs: 100},
			{Prefix: "/svc/special", ConnectTimeoutMs: 900},
		},
	}

	m := c.Match("/svc/special/thing")
	require.NotNil(t, m)
	assert.Equal(t, uint32(900), m.ConnectTimeoutMs)

	m = c.Match("/svc/other")
	require.NotNil(t, m)
	assert.Equal(t, uint32(100), m.ConnectTimeoutMs)

	assert.Nil(t, c.Match("/web/other"))
}

func TestClientConfigDefaults(t *testing.T) {
	var cc *ClientConfig
	assert.Equal(t, DefaultConnectTimeoutMs, int(cc.ConnectTimeout().Milliseconds()))
	assert.Equal(t, 1, cc.RetryBudget())

	zero := 0
	cc = &ClientConfig{Retries: &zero}
	assert.Equal(t, 0, cc.RetryBudget())
}
