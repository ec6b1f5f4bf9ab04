// Package peerhttp delivers envelopes to peer tenants over HTTP.
package peerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentworkforce/peertransit/internal/keys"
	"github.com/agentworkforce/peertransit/internal/peerauth"
	"github.com/agentworkforce/peertransit/internal/transit"
)

const (
	DeliverPath = "/api/peer/v1/inbox"

	maxResponseBytes = 64 << 10
)

type PeerLookup interface {
	Lookup(identity string) (keys.Peer, bool)
}

type Options struct {
	Identity   string
	Peers      PeerLookup
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Now        func() time.Time
}

// Client implements transit.Transport. Retryable responses (429 and 5xx) and
// connection errors are retried in place before the last result is handed
// back for classification.
type Client struct {
	identity   string
	peers      PeerLookup
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   20 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "peertransit"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		identity:   strings.TrimSpace(opts.Identity),
		peers:      opts.Peers,
		httpClient: httpClient,
		userAgent:  userAgent,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		now:        now,
	}
}

func (c *Client) Send(ctx context.Context, recipient string, cred transit.Credential, env transit.Envelope) (transit.Response, error) {
	if c == nil || c.peers == nil {
		return transit.Response{}, fmt.Errorf("peer transport is not configured")
	}
	peer, ok := c.peers.Lookup(recipient)
	if !ok || peer.URL == "" {
		return transit.Response{}, fmt.Errorf("%w: no address for %s", transit.ErrRecipientUnknown, recipient)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return transit.Response{}, err
	}
	url := peer.URL + DeliverPath

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return transit.Response{}, err
		}
		timestamp, signature := peerauth.Sign(peer.Secret, body, c.now())
		req.Header.Set("Authorization", "Bearer "+cred.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set(peerauth.SenderHeader, c.identity)
		req.Header.Set(peerauth.TimestampHeader, timestamp)
		req.Header.Set(peerauth.SignatureHeader, signature)
		if env.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", env.CorrelationID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isHostNotFound(err) {
				return transit.Response{}, fmt.Errorf("%w: %v", transit.ErrRecipientUnknown, err)
			}
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return transit.Response{}, waitErr
				}
				continue
			}
			return transit.Response{}, err
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			return transit.Response{}, readErr
		}
		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return transit.Response{}, waitErr
			}
			continue
		}
		return transit.Response{StatusCode: resp.StatusCode, Body: respBody}, nil
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

func isHostNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
