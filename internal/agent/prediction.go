package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"mime"
	"strings"
)

// ErrBackendStream is wrapped by errors the backend reports inside a stream.
var ErrBackendStream = errors.New("agent: backend stream error")

// PredictionClient streams replies from the Flowise prediction API. The
// caller mints the conversation ID before the first call.
type PredictionClient struct {
	url  string
	opts options
}

// NewPredictionClient creates a client for POST {baseURL}/api/v1/prediction/{flowID}.
func NewPredictionClient(baseURL, flowID string, opts ...Option) (*PredictionClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	flowID = strings.TrimSpace(flowID)
	if baseURL == "" {
		return nil, errors.New("agent: base url must not be empty")
	}
	if flowID == "" {
		return nil, errors.New("agent: flow id must not be empty")
	}
	return &PredictionClient{
		url:  baseURL + "/api/v1/prediction/" + flowID,
		opts: newOptions(opts),
	}, nil
}

// SessionPolicy implements Backend.
func (c *PredictionClient) SessionPolicy() SessionPolicy {
	return ClientSideSessionID
}

// Send implements Backend. Only "token" events with non-empty data
// contribute reply text; "metadata" may report the session ID; "error" fails
// the call; "end" finishes it.
func (c *PredictionClient) Send(ctx context.Context, req Request) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		body := predictionRequest{
			Question:  req.Prompt,
			Streaming: true,
			OverrideConfig: overrideConfig{
				SessionID: optionalString(req.SessionID),
			},
		}
		if req.UserID != "" {
			body.OverrideConfig.Analytics = &analytics{LangFuse: langFuse{UserID: req.UserID}}
		}

		res, err := c.opts.post(ctx, c.url, body, "text/event-stream")
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() { _ = res.Body.Close() }()

		// Flows without streaming support answer with one JSON document.
		if mt, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type")); mt == "application/json" {
			decodeJSONReply(res.Body, yield)
			return
		}

		sessionID := req.SessionID
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			payload, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			payload = strings.TrimSpace(payload)
			if payload == "" {
				continue
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				yield(nil, fmt.Errorf("agent: decode stream chunk: %w", err))
				return
			}

			switch chunk.Event {
			case "token":
				var text string
				if err := json.Unmarshal(chunk.Data, &text); err != nil || text == "" {
					continue
				}
				if !yield(&Event{Kind: EventToken, Text: text}, nil) {
					return
				}
			case "metadata":
				var meta struct {
					SessionID string `json:"sessionId"`
				}
				if err := json.Unmarshal(chunk.Data, &meta); err == nil && meta.SessionID != "" {
					sessionID = meta.SessionID
				}
			case "error":
				var msg string
				if err := json.Unmarshal(chunk.Data, &msg); err != nil {
					msg = string(chunk.Data)
				}
				yield(nil, fmt.Errorf("%w: %s", ErrBackendStream, msg))
				return
			case "end":
				yield(&Event{Kind: EventResult, SessionID: sessionID}, nil)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("agent: read stream: %w", err))
			return
		}
		yield(&Event{Kind: EventResult, SessionID: sessionID}, nil)
	}
}
