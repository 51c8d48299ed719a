// Package agent implements clients for the Flowise conversational backend.
package agent

import (
	"encoding/json"
	"fmt"
)

// SessionPolicy says who chooses the conversation ID for a backend.
type SessionPolicy int

const (
	// ClientSideSessionID backends need an ID minted before the first call.
	ClientSideSessionID SessionPolicy = iota + 1
	// ServerAssignedSessionID backends return an ID with their first reply.
	ServerAssignedSessionID
)

func (p SessionPolicy) String() string {
	switch p {
	case ClientSideSessionID:
		return "client_side"
	case ServerAssignedSessionID:
		return "server_assigned"
	default:
		return fmt.Sprintf("SessionPolicy(%d)", int(p))
	}
}

// Request is one user prompt sent to a backend.
type Request struct {
	Prompt string
	// SessionID is empty when no conversation has been assigned yet.
	SessionID string
	// UserID is forwarded to the backend's analytics integration.
	UserID string
}

// EventKind discriminates backend events.
type EventKind int

const (
	// EventToken carries a chunk of reply text.
	EventToken EventKind = iota + 1
	// EventResult is the last event of a successful call.
	EventResult
)

// Event is a single item yielded by Backend.Send.
type Event struct {
	Kind EventKind
	// Text is the reply chunk for EventToken.
	Text string
	// SessionID is the conversation ID reported by the backend, if any.
	SessionID string
	// Raw is the full response body for EventResult when the backend
	// returned one JSON document. Streaming backends leave it nil.
	Raw json.RawMessage
}

// HTTPStatusError captures non-2xx backend responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// HTTPStatusCode returns the upstream status.
func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// overrideConfig is the Flowise per-request configuration override.
type overrideConfig struct {
	SessionID *string    `json:"sessionId"`
	Analytics *analytics `json:"analytics,omitempty"`
}

type analytics struct {
	LangFuse langFuse `json:"langFuse"`
}

type langFuse struct {
	UserID string `json:"userId"`
}

type predictionRequest struct {
	Question       string         `json:"question"`
	Streaming      bool           `json:"streaming"`
	OverrideConfig overrideConfig `json:"overrideConfig"`
}

// predictionResponse is the subset of a non-streaming Flowise reply we read.
type predictionResponse struct {
	Text      *string `json:"text"`
	SessionID string  `json:"sessionId"`
}

// streamChunk is one server-sent event payload from a streaming prediction.
type streamChunk struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
