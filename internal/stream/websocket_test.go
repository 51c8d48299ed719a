package stream

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/dala-chat/internal/agent"
	"github.com/ashureev/dala-chat/internal/chat"
	"github.com/ashureev/dala-chat/internal/domain"
)

type stubCredentials struct{}

func (stubCredentials) LookupUser(_ context.Context, username string) (*domain.User, error) {
	if username != "alice" {
		return nil, nil
	}
	pw := "secret"
	return &domain.User{Username: "alice", Credential: &pw}, nil
}

type stubHistory struct{}

func (stubHistory) AppendHistory(context.Context, domain.ChatHistoryRecord) error { return nil }

func (stubHistory) ListHistory(context.Context, string, int) ([]domain.ChatHistoryRecord, error) {
	return nil, nil
}

type echoBackend struct{}

func (echoBackend) SessionPolicy() agent.SessionPolicy { return agent.ClientSideSessionID }

func (echoBackend) Send(_ context.Context, req agent.Request) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		if !yield(&agent.Event{Kind: agent.EventToken, Text: "echo: " + req.Prompt}, nil) {
			return
		}
		yield(&agent.Event{Kind: agent.EventResult}, nil)
	}
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func newServer(t *testing.T, loggedIn bool, limiter Limiter) (*httptest.Server, *ConnManager, *chat.State) {
	t.Helper()
	mgr, err := chat.NewManager(chat.Config{
		Credentials: stubCredentials{},
		History:     stubHistory{},
		Pages:       []chat.Page{{ID: "assistant", Backend: echoBackend{}}},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st := chat.NewState("sid_test")
	if loggedIn {
		if _, err := mgr.Login(context.Background(), st, "alice", "secret"); err != nil {
			t.Fatalf("Login: %v", err)
		}
	}

	conns := NewConnManager()
	h := NewHandler(mgr, conns, limiter, "*", true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(chat.WithState(r.Context(), st)))
	}))
	t.Cleanup(srv.Close)
	return srv, conns, st
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) chat.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f chat.Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestConnManager_RegisterUnregister(t *testing.T) {
	m := NewConnManager()
	c1 := &websocket.Conn{}
	c2 := &websocket.Conn{}

	m.Register("sid_a", c1)
	m.Register("sid_a", c2)
	if got := m.Count("sid_a"); got != 2 {
		t.Errorf("Expected 2 connections, got %d", got)
	}

	m.Unregister("sid_a", c1)
	if got := m.Count("sid_a"); got != 1 {
		t.Errorf("Expected 1 connection, got %d", got)
	}
	m.Unregister("sid_a", c2)
	m.Unregister("sid_missing", c2)
	if got := m.Count("sid_a"); got != 0 {
		t.Errorf("Expected 0 connections, got %d", got)
	}
}

func TestHandler_RejectsAnonymous(t *testing.T) {
	srv, _, _ := newServer(t, false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", resp)
	}
}

func TestHandler_PromptStreamsFrames(t *testing.T) {
	srv, _, _ := newServer(t, true, nil)
	conn := dial(t, srv)

	if err := wsjson.Write(context.Background(), conn, inbound{Type: "prompt", Page: "assistant", Content: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := []string{chat.EventToken, chat.EventReply, chat.EventDone}
	for i, typ := range want {
		f := readFrame(t, conn)
		if f.Type != typ {
			t.Fatalf("frame %d: type %q, want %q", i, f.Type, typ)
		}
		if f.Type == chat.EventReply && f.Text != "echo: hi" {
			t.Errorf("reply text = %q", f.Text)
		}
		if f.Type == chat.EventDone && f.SessionID == "" {
			t.Error("done frame has no session id")
		}
	}
}

func TestHandler_ResetAndErrors(t *testing.T) {
	srv, _, _ := newServer(t, true, nil)
	conn := dial(t, srv)
	ctx := context.Background()

	_ = wsjson.Write(ctx, conn, inbound{Type: "reset", Page: "assistant"})
	if f := readFrame(t, conn); f.Type != chat.EventReset || f.Page != "assistant" {
		t.Errorf("reset ack = %+v", f)
	}

	_ = wsjson.Write(ctx, conn, inbound{Type: "reset", Page: "nope"})
	if f := readFrame(t, conn); f.Type != chat.EventError || f.Message != "Unknown page" {
		t.Errorf("unknown page = %+v", f)
	}

	_ = wsjson.Write(ctx, conn, inbound{Type: "dance"})
	if f := readFrame(t, conn); f.Type != chat.EventError {
		t.Errorf("unknown type = %+v", f)
	}
}

func TestHandler_RateLimited(t *testing.T) {
	srv, _, _ := newServer(t, true, denyAll{})
	conn := dial(t, srv)

	_ = wsjson.Write(context.Background(), conn, inbound{Type: "prompt", Page: "assistant", Content: "hi"})
	f := readFrame(t, conn)
	if f.Type != chat.EventError || f.Status != http.StatusTooManyRequests {
		t.Errorf("frame = %+v", f)
	}
}

func TestConnManager_CloseState(t *testing.T) {
	srv, conns, st := newServer(t, true, nil)
	conn := dial(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for conns.Count(st.ID()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conns.CloseState(st.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("Expected normal closure, got %v", err)
	}
	if conns.Count(st.ID()) != 0 {
		t.Error("Expected no registered connections")
	}
}
