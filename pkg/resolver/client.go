// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/mrouter/pkg/endpoint"
)

// ErrNotFound reports a 404 from the discovery oracle: the name does not
// exist in the namespace.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("name %s not found", e.Name)
}

// ErrUnexpectedStatus reports a non-200, non-404 oracle response.
type ErrUnexpectedStatus struct {
	Status int
}

func (e *ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected discovery response status %d", e.Status)
}

// Client queries a namerd-compatible discovery oracle over HTTP:
// GET {baseUrl}/api/1/resolve/{namespace}?path={name}.
type Client struct {
	base      string
	namespace string
	http      *http.Client
}

// NewClient creates a discovery client for one namespace.
func NewClient(baseURL, namespace string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:      baseURL,
		namespace: namespace,
		http:      &http.Client{Timeout: timeout},
	}
}

type boundResponse struct {
	Type  string      `json:"type"`
	Addrs []boundAddr `json:"addrs"`
}

type boundAddr struct {
	IP   string     `json:"ip"`
	Port uint16     `json:"port"`
	Meta *boundMeta `json:"meta"`
}

type boundMeta struct {
	Weight *float64 `json:"weight"`
}

// Resolve queries the oracle once for name. A 404 yields *ErrNotFound, any
// other non-200 status *ErrUnexpectedStatus.
func (c *Client) Resolve(ctx context.Context, name string) (AddressSet, error) {
	u := fmt.Sprintf("%s/api/1/resolve/%s?path=%s",
		c.base, url.PathEscape(c.namespace), url.QueryEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	switch rsp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &ErrNotFound{Name: name}
	default:
		return nil, &ErrUnexpectedStatus{Status: rsp.StatusCode}
	}

	var bound boundResponse
	if err := json.NewDecoder(rsp.Body).Decode(&bound); err != nil {
		return nil, fmt.Errorf("decoding discovery response: %w", err)
	}
	if bound.Type != "bound" {
		return nil, fmt.Errorf("discovery response not bound: %q", bound.Type)
	}

	return toAddressSet(bound.Addrs), nil
}

// toAddressSet converts oracle addresses into an AddressSet. Weight defaults
// to 1.0; for duplicate (ip, port) pairs the last occurrence wins.
func toAddressSet(addrs []boundAddr) AddressSet {
	index := make(map[endpoint.Key]int, len(addrs))
	set := make(AddressSet, 0, len(addrs))
	for _, a := range addrs {
		w := 1.0
		if a.Meta != nil && a.Meta.Weight != nil {
			w = *a.Meta.Weight
		}
		key := endpoint.Key{IP: a.IP, Port: a.Port}
		if i, ok := index[key]; ok {
			set[i].Weight = w
			continue
		}
		index[key] = len(set)
		set = append(set, WeightedAddr{Key: key, Weight: w})
	}
	return set
}
