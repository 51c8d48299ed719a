// Package trace reads conversation metadata back from the Langfuse trace store.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultHost = "https://cloud.langfuse.com"

// HTTPStatusError captures non-2xx Langfuse responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("trace: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// HTTPStatusCode returns the upstream status.
func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type tracesResponse struct {
	Data []struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
}

// Client queries the Langfuse public API.
type Client struct {
	host       string
	publicKey  string
	secretKey  string
	httpClient *http.Client
	group      singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// New creates a Langfuse client. An empty host uses Langfuse Cloud.
func New(host, publicKey, secretKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(publicKey) == "" || strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("trace: public and secret keys are required")
	}
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = defaultHost
	}
	c := &Client{
		host:       host,
		publicKey:  publicKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LatestSessionID returns the session ID of the user's most recent trace, or
// "" when the user has no traces or the newest one carries no session.
// Concurrent calls for the same user share one request.
func (c *Client) LatestSessionID(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("trace: user id is required")
	}
	v, err, _ := c.group.Do(userID, func() (any, error) {
		return c.latestSessionID(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) latestSessionID(ctx context.Context, userID string) (string, error) {
	endpoint := c.host + "/api/public/traces"
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("limit", "1")
	q.Set("orderBy", "timestamp.desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("trace: create request: %w", err)
	}
	req.SetBasicAuth(c.publicKey, c.secretKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("trace: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}

	var payload tracesResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("trace: decode response: %w", err)
	}
	if len(payload.Data) == 0 {
		return "", nil
	}
	return payload.Data[0].SessionID, nil
}
