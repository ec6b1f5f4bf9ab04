// Package transitclient talks to a tenant's admin API.
package transitclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/peerauth"
	"github.com/agentworkforce/peertransit/internal/transit"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

func StaticToken(token string) TokenSource {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// MintedToken signs admin tokens locally from the shared admin secret and
// reuses each one until it is close to expiry.
func MintedToken(secret, subject string, scopes []string, ttl time.Duration) TokenSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	var (
		mu      sync.Mutex
		current string
		expires time.Time
	)
	return func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if current != "" && now.Add(ttl/4).Before(expires) {
			return current, nil
		}
		token, exp, err := peerauth.Mint(secret, subject, subject, scopes, ttl, now)
		if err != nil {
			return "", err
		}
		current, expires = token, exp
		return current, nil
	}
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Distribute(ctx context.Context, file transit.FileRef, opts transit.TransitOptions) ([]string, error) {
	var out struct {
		ItemIDs []string `json:"itemIds"`
	}
	body := map[string]any{"file": file, "options": opts}
	err := c.doJSON(ctx, http.MethodPost, "/v1/outbox/distribute", body, &out)
	return out.ItemIDs, err
}

func (c *Client) ProcessOutbox(ctx context.Context, box string, batchSize int) (transit.OutboxRunSummary, error) {
	var out transit.OutboxRunSummary
	body := map[string]any{"box": box, "batchSize": batchSize}
	err := c.doJSON(ctx, http.MethodPost, "/v1/outbox/process", body, &out)
	return out, err
}

// Dispatch lets a stoker drive processing through the API instead of in process.
func (c *Client) Dispatch(ctx context.Context, box string) error {
	_, err := c.ProcessOutbox(ctx, box, 0)
	return err
}

func (c *Client) OutboxStatus(ctx context.Context, drive string) (transit.Status, error) {
	var out transit.Status
	err := c.doJSON(ctx, http.MethodGet, "/v1/outbox/status/"+url.PathEscape(drive), nil, &out)
	return out, err
}

func (c *Client) Recipients(ctx context.Context) ([]string, error) {
	var out struct {
		Recipients []string `json:"recipients"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/outbox/recipients", nil, &out)
	return out.Recipients, err
}

func (c *Client) ProcessInbox(ctx context.Context, drive string, batchSize int) (transit.Status, error) {
	path := "/v1/inbox/" + url.PathEscape(drive) + "/process"
	if batchSize > 0 {
		path += "?batchSize=" + strconv.Itoa(batchSize)
	}
	var out transit.Status
	err := c.doJSON(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (c *Client) InboxStatus(ctx context.Context, drive string) (transit.Status, error) {
	var out transit.Status
	err := c.doJSON(ctx, http.MethodGet, "/v1/inbox/"+url.PathEscape(drive)+"/status", nil, &out)
	return out, err
}

type RecoverResult struct {
	Recovered map[string]int `json:"recovered"`
	OlderThan string         `json:"olderThan"`
}

func (c *Client) Recover(ctx context.Context, olderThan time.Duration) (RecoverResult, error) {
	path := "/v1/admin/recover"
	if olderThan > 0 {
		path += "?olderThan=" + url.QueryEscape(olderThan.String())
	}
	var out RecoverResult
	err := c.doJSON(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (c *Client) DeadLetters(ctx context.Context, limit int) ([]deadletter.Entry, error) {
	path := "/v1/admin/dead-letters"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Entries []deadletter.Entry `json:"entries"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Entries, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	token, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("resolve admin token: %w", err)
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", "ctl_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
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

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
