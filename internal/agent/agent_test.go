package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collect drains a Send sequence.
func collect(t *testing.T, b Backend, req Request) ([]*Event, error) {
	t.Helper()
	var events []*Event
	for ev, err := range b.Send(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func tokens(events []*Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == EventToken {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func sseServer(t *testing.T, check func(r *http.Request), lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			_, _ = fmt.Fprintf(w, "message:\ndata: %s\n\n", l)
		}
	}))
}

func TestSessionPolicy_String(t *testing.T) {
	require.Equal(t, "client_side", ClientSideSessionID.String())
	require.Equal(t, "server_assigned", ServerAssignedSessionID.String())
	require.Equal(t, "SessionPolicy(9)", SessionPolicy(9).String())
}

func TestNewPredictionClient_Validation(t *testing.T) {
	_, err := NewPredictionClient("", "flow")
	require.ErrorContains(t, err, "base url")
	_, err = NewPredictionClient("http://x", " ")
	require.ErrorContains(t, err, "flow id")

	c, err := NewPredictionClient("http://flowise.local/", "abc")
	require.NoError(t, err)
	require.Equal(t, "http://flowise.local/api/v1/prediction/abc", c.url)
	require.Equal(t, ClientSideSessionID, c.SessionPolicy())
}

func TestPredictionClient_StreamsOnlyNonEmptyTokens(t *testing.T) {
	var body predictionRequest
	var analyticsUser string
	srv := sseServer(t, func(r *http.Request) {
		require.Equal(t, "/api/v1/prediction/flow-1", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		encoded, _ := json.Marshal(raw)
		require.NoError(t, json.Unmarshal(encoded, &body))
		analyticsUser = raw["overrideConfig"].(map[string]any)["analytics"].(map[string]any)["langFuse"].(map[string]any)["userId"].(string)
	},
		`{"event":"start","data":""}`,
		`{"event":"token","data":"Hel"}`,
		`{"event":"token","data":""}`,
		`{"event":"sourceDocuments","data":[{"pageContent":"x"}]}`,
		`{"event":"token","data":"lo"}`,
		`{"event":"metadata","data":{"chatId":"c1","sessionId":"sess-1"}}`,
		`{"event":"end","data":"[DONE]"}`,
		`{"event":"token","data":"ignored"}`,
	)
	defer srv.Close()

	c, err := NewPredictionClient(srv.URL, "flow-1", WithAPIKey("secret"), WithTimeout(2*time.Second))
	require.NoError(t, err)

	events, err := collect(t, c, Request{Prompt: "hi", SessionID: "sess-1", UserID: "alice"})
	require.NoError(t, err)
	require.Equal(t, "Hello", tokens(events))

	last := events[len(events)-1]
	require.Equal(t, EventResult, last.Kind)
	require.Equal(t, "sess-1", last.SessionID)
	require.Nil(t, last.Raw)

	require.True(t, body.Streaming)
	require.Equal(t, "hi", body.Question)
	require.Equal(t, "sess-1", *body.OverrideConfig.SessionID)
	require.Equal(t, "alice", analyticsUser)
}

func TestPredictionClient_NoAPIKeyNoAuthHeader(t *testing.T) {
	srv := sseServer(t, func(r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
	}, `{"event":"token","data":"ok"}`)
	defer srv.Close()

	c, err := NewPredictionClient(srv.URL, "f")
	require.NoError(t, err)
	events, err := collect(t, c, Request{Prompt: "hi", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "ok", tokens(events))
	require.Equal(t, EventResult, events[len(events)-1].Kind, "EOF without end still yields a result")
}

func TestPredictionClient_ErrorEvent(t *testing.T) {
	srv := sseServer(t, nil,
		`{"event":"token","data":"par"}`,
		`{"event":"error","data":"flow crashed"}`,
	)
	defer srv.Close()

	c, err := NewPredictionClient(srv.URL, "f")
	require.NoError(t, err)
	events, err := collect(t, c, Request{Prompt: "hi", SessionID: "s"})
	require.ErrorIs(t, err, ErrBackendStream)
	require.Contains(t, err.Error(), "flow crashed")
	require.Equal(t, "par", tokens(events))
}

func TestPredictionClient_MalformedChunk(t *testing.T) {
	srv := sseServer(t, nil, `{not json`)
	defer srv.Close()

	c, err := NewPredictionClient(srv.URL, "f")
	require.NoError(t, err)
	_, err = collect(t, c, Request{Prompt: "hi"})
	require.ErrorContains(t, err, "decode stream chunk")
}

func TestPredictionClient_JSONFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"text":"whole reply","sessionId":"s-9"}`))
	}))
	defer srv.Close()

	c, err := NewPredictionClient(srv.URL, "f")
	require.NoError(t, err)
	events, err := collect(t, c, Request{Prompt: "hi", SessionID: "s-9"})
	require.NoError(t, err)
	require.Equal(t, "whole reply", tokens(events))
	require.JSONEq(t, `{"text":"whole reply","sessionId":"s-9"}`, string(events[len(events)-1].Raw))
}

func TestPredictionClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`chatflow not found`))
	}))
	defer srv.Close()

	c, err := NewPredictionClient(srv.URL, "missing")
	require.NoError(t, err)
	_, err = collect(t, c, Request{Prompt: "hi"})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.HTTPStatusCode())
	require.Equal(t, "chatflow not found", statusErr.Body)
}

func TestPredictionClient_StopsWhenConsumerBreaks(t *testing.T) {
	srv := sseServer(t, nil,
		`{"event":"token","data":"a"}`,
		`{"event":"token","data":"b"}`,
		`{"event":"end","data":"[DONE]"}`,
	)
	defer srv.Close()

	c, err := NewPredictionClient(srv.URL, "f")
	require.NoError(t, err)
	seen := 0
	for ev, err := range c.Send(context.Background(), Request{Prompt: "hi"}) {
		require.NoError(t, err)
		require.Equal(t, "a", ev.Text)
		seen++
		break
	}
	require.Equal(t, 1, seen)
}

func TestCustomClient_FirstCallSendsNullSession(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Halo!","sessionId":"srv-1","chatId":"c"}`))
	}))
	defer srv.Close()

	c, err := NewCustomClient(srv.URL)
	require.NoError(t, err)
	require.Equal(t, ServerAssignedSessionID, c.SessionPolicy())

	events, err := collect(t, c, Request{Prompt: "Hai"})
	require.NoError(t, err)
	require.Equal(t, "Halo!", tokens(events))
	last := events[len(events)-1]
	require.Equal(t, "srv-1", last.SessionID)
	require.JSONEq(t, `{"text":"Halo!","sessionId":"srv-1","chatId":"c"}`, string(last.Raw))

	require.Equal(t, "Hai", raw["question"])
	require.Equal(t, false, raw["streaming"])
	override := raw["overrideConfig"].(map[string]any)
	sid, present := override["sessionId"]
	require.True(t, present)
	require.Nil(t, sid)
	_, hasAnalytics := override["analytics"]
	require.False(t, hasAnalytics)
}

func TestCustomClient_MissingTextYieldsOnlyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"json":{"answer":42}}`))
	}))
	defer srv.Close()

	c, err := NewCustomClient(srv.URL)
	require.NoError(t, err)
	events, err := collect(t, c, Request{Prompt: "q", SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventResult, events[0].Kind)
	require.Empty(t, events[0].SessionID)
}

func TestCustomClient_Non200CarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c, err := NewCustomClient(srv.URL)
	require.NoError(t, err)
	_, err = collect(t, c, Request{Prompt: "q"})
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 500, statusErr.StatusCode)
	require.Equal(t, `{"error":"boom"}`, statusErr.Body)
	require.Contains(t, err.Error(), "500")
}

func TestCustomClient_Non200SuccessIsFailure(t *testing.T) {
	for _, code := range []int{http.StatusCreated, http.StatusAccepted, http.StatusNoContent} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			if code != http.StatusNoContent {
				_, _ = w.Write([]byte(`{"text":"queued"}`))
			}
		}))

		c, err := NewCustomClient(srv.URL)
		require.NoError(t, err)
		events, err := collect(t, c, Request{Prompt: "q"})
		srv.Close()

		require.Empty(t, events, code)
		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr, code)
		require.Equal(t, code, statusErr.StatusCode)
	}
}

func TestCustomClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"text":"late"}`))
	}))
	defer srv.Close()

	c, err := NewCustomClient(srv.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	require.NoError(t, err)
	_, err = collect(t, c, Request{Prompt: "q"})
	require.ErrorContains(t, err, "request failed")
}

func TestNewCustomClient_EmptyURL(t *testing.T) {
	_, err := NewCustomClient("  ")
	require.Error(t, err)
}
