// Package discovery implements C7: a single HTTPS probe against the
// configured discovery URL, returning the first usable connection
// candidate.
//
// Grounded on original_source's communication/tests/communication.cpp
// (CreateDiscoveryResponse / nextRequestDelay shape) and spec.md §4.7/§6.
package discovery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
)

// DefaultMinRetryDelay is the floor spec.md §7 imposes on the
// server-suggested nextRequestDelay.
const DefaultMinRetryDelay = 5 * time.Second

// Result is a successful discovery outcome.
type Result struct {
	URL             string
	NextRequestDelay time.Duration
}

type wireResponse struct {
	NextRequestDelay int      `json:"nextRequestDelay"`
	ConnectionInfo   []string `json:"connectionInfo"`
}

// Client issues the discovery probe. A single in-flight probe is shared
// across concurrent callers via singleflight, since the cloud link only
// ever wants one outstanding probe at a time but callers (e.g. a manual
// "reconnect now" trigger) may race with the link's own retry loop.
type Client struct {
	url        string
	httpClient *http.Client
	group      singleflight.Group
}

// New builds a discovery Client that dials discoveryURL with tlsConfig
// (expected to carry the local "online" client certificate and the
// configured CA pool).
func New(discoveryURL string, tlsConfig *tls.Config) *Client {
	return &Client{
		url: discoveryURL,
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   30 * time.Second,
		},
	}
}

// Discover issues the probe and returns the first URL whose scheme is
// wss/https and whose host resolves to a syntactically valid URL (actual
// DNS resolution is left to the dialer; "resolves" here means "parses as a
// URL with a non-empty host", matching how original_source's discovery
// validation works before the websocket dial is even attempted).
func (c *Client) Discover(ctx context.Context) (Result, error) {
	v, err, _ := c.group.Do("discover", func() (interface{}, error) {
		return c.discover(ctx)
	})

	return v.(Result), err
}

func (c *Client) discover(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(nil))
	if err != nil {
		return Result{}, fmt.Errorf("discovery: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.Unavailable, fmt.Errorf("discovery: request %s: %w", c.url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, errkind.New(errkind.Unavailable, fmt.Sprintf("discovery: %s returned status %d", c.url, resp.StatusCode))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Result{}, errkind.Wrap(errkind.BadMessage, fmt.Errorf("discovery: decode response: %w", err))
	}

	delay := time.Duration(wire.NextRequestDelay) * time.Second
	if delay < DefaultMinRetryDelay {
		delay = DefaultMinRetryDelay
	}

	for _, candidate := range wire.ConnectionInfo {
		parsed, err := url.Parse(candidate)
		if err != nil || parsed.Host == "" {
			continue
		}

		if parsed.Scheme != "wss" && parsed.Scheme != "https" {
			continue
		}

		return Result{URL: candidate, NextRequestDelay: delay}, nil
	}

	return Result{NextRequestDelay: delay}, errkind.New(errkind.NotFound, fmt.Sprintf("discovery: no usable candidate among %d returned", len(wire.ConnectionInfo)))
}
