package agent

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strings"
)

// CustomClient posts a single non-streaming question to an arbitrary
// Flowise-compatible endpoint. The backend assigns the conversation ID on
// the first reply.
type CustomClient struct {
	url  string
	opts options
}

// NewCustomClient creates a client for POST {apiURL}.
func NewCustomClient(apiURL string, opts ...Option) (*CustomClient, error) {
	apiURL = strings.TrimSpace(apiURL)
	if apiURL == "" {
		return nil, errors.New("agent: api url must not be empty")
	}
	return &CustomClient{url: apiURL, opts: newOptions(opts)}, nil
}

// SessionPolicy implements Backend.
func (c *CustomClient) SessionPolicy() SessionPolicy {
	return ServerAssignedSessionID
}

// Send implements Backend. An unassigned session is sent as null. Only a
// 200 reply counts as an answer.
func (c *CustomClient) Send(ctx context.Context, req Request) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		res, err := c.opts.post(ctx, c.url, predictionRequest{
			Question:  req.Prompt,
			Streaming: false,
			OverrideConfig: overrideConfig{
				SessionID: optionalString(req.SessionID),
			},
		}, "application/json")
		if err != nil {
			yield(nil, err)
			return
		}
		if res.StatusCode != http.StatusOK {
			yield(nil, statusError(res, c.url))
			return
		}
		defer func() { _ = res.Body.Close() }()

		decodeJSONReply(res.Body, yield)
	}
}
