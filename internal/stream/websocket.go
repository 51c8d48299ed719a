package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/dala-chat/internal/chat"
)

// Limiter throttles prompts per user.
type Limiter interface {
	Allow(key string) bool
}

// Handler upgrades /ws/chat and runs prompts and resets sent over it.
type Handler struct {
	mgr           *chat.Manager
	conns         *ConnManager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket chat handler. limiter may be nil.
func NewHandler(mgr *chat.Manager, conns *ConnManager, limiter Limiter, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		mgr:           mgr,
		conns:         conns,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// inbound is a message from the browser.
type inbound struct {
	Type    string `json:"type"`
	Page    string `json:"page"`
	Content string `json:"content,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := chat.StateFromContext(r.Context())
	if st == nil || st.Username() == "" {
		http.Error(w, `{"error": "not logged in"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "state_id", st.ID())
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "state_id", st.ID())
		}
	}()

	h.conns.Register(st.ID(), ws)
	defer h.conns.Unregister(st.ID(), ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	h.readLoop(ctx, ws, st, &wg)
	cancel()
	wg.Wait()
	slog.Info("Chat socket ended", "state_id", st.ID())
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, st *chat.State, wg *sync.WaitGroup) {
	emit := func(f chat.Frame) {
		if err := wsjson.Write(ctx, ws, f); err != nil {
			slog.Debug("WebSocket write error", "error", err, "state_id", st.ID())
		}
	}

	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "state_id", st.ID())
			} else {
				slog.Warn("WebSocket read error", "error", err, "state_id", st.ID())
			}
			return
		}

		switch msg.Type {
		case "prompt":
			username := st.Username()
			if username != "" && h.limiter != nil && !h.limiter.Allow(username) {
				emit(chat.Frame{Type: chat.EventError, Page: msg.Page, Message: "rate limit exceeded", Status: http.StatusTooManyRequests})
				continue
			}
			// Prompts run concurrently with reads so a reset can arrive
			// while a reply is pending.
			wg.Add(1)
			go func(msg inbound) {
				defer wg.Done()
				if err := h.mgr.SubmitFrames(ctx, st, msg.Page, msg.Content, emit); err != nil {
					slog.Debug("WebSocket prompt failed", "error", err, "state_id", st.ID(), "page", msg.Page)
				}
			}(msg)
		case "reset":
			if err := h.mgr.Reset(st, msg.Page); err != nil {
				emit(chat.Frame{Type: chat.EventError, Page: msg.Page, Message: chat.UserMessage(err)})
				continue
			}
			emit(chat.Frame{Type: chat.EventReset, Page: msg.Page})
		default:
			emit(chat.Frame{Type: chat.EventError, Page: msg.Page, Message: "unknown message type"})
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
