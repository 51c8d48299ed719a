package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a whole backend call when no HTTP client is supplied.
const DefaultTimeout = 120 * time.Second

const maxErrorBody = 4096

type options struct {
	apiKey     string
	httpClient *http.Client
}

// Option configures a backend client.
type Option func(*options)

// WithAPIKey sends the key as a bearer token. An empty key sends no
// Authorization header.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = strings.TrimSpace(key)
	}
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithTimeout uses a fresh HTTP client with the given overall timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpClient = &http.Client{Timeout: d}
		}
	}
}

func newOptions(opts []Option) options {
	o := options{httpClient: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return o
}

// post sends body as JSON and returns the response when the status is 2xx.
// The caller owns the returned body.
func (o options) post(ctx context.Context, url string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	res, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError(res, url)
	}
	return res, nil
}

// statusError drains and closes res into an *HTTPStatusError.
func statusError(res *http.Response, url string) error {
	defer func() { _ = res.Body.Close() }()
	buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
}

// decodeJSONReply reads a single-document Flowise reply and yields it as a
// token event (when it has text) followed by the result event.
func decodeJSONReply(body io.Reader, yield func(*Event, error) bool) {
	raw, err := io.ReadAll(io.LimitReader(body, 4<<20))
	if err != nil {
		yield(nil, fmt.Errorf("agent: read response body: %w", err))
		return
	}
	var payload predictionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		yield(nil, fmt.Errorf("agent: decode response: %w", err))
		return
	}
	if payload.Text != nil && *payload.Text != "" {
		if !yield(&Event{Kind: EventToken, Text: *payload.Text}, nil) {
			return
		}
	}
	yield(&Event{Kind: EventResult, SessionID: payload.SessionID, Raw: json.RawMessage(raw)}, nil)
}
