package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/dala-chat/internal/chat"
)

type submitRequest struct {
	Prompt string `json:"prompt"`
}

// HandleMessages handles GET /api/pages/{page}/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	st := chat.StateFromContext(r.Context())
	if st.Username() == "" {
		Error(w, http.StatusUnauthorized, "not logged in")
		return
	}
	snap, err := h.mgr.Messages(r.Context(), st, chi.URLParam(r, "page"))
	if err != nil {
		Error(w, errorStatus(err), chat.UserMessage(err))
		return
	}
	JSON(w, http.StatusOK, snap)
}

// HandleReset handles POST /api/pages/{page}/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	st := chat.StateFromContext(r.Context())
	if st.Username() == "" {
		Error(w, http.StatusUnauthorized, "not logged in")
		return
	}
	page := chi.URLParam(r, "page")
	if err := h.mgr.Reset(st, page); err != nil {
		Error(w, errorStatus(err), chat.UserMessage(err))
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reset", "page": page})
}

// HandleSubmit handles POST /api/pages/{page}/messages. The reply streams as
// SSE; errors detected before the backend is called are plain JSON.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	st := chat.StateFromContext(r.Context())
	username := st.Username()
	if username == "" {
		Error(w, http.StatusUnauthorized, "not logged in")
		return
	}
	if !h.limiter.Allow(username) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	page := chi.URLParam(r, "page")
	stream := &sseStream{w: w, flusher: flusher}
	var pending *chat.Frame
	err := h.mgr.SubmitFrames(r.Context(), st, page, req.Prompt, func(f chat.Frame) {
		if f.Type == chat.EventError && !stream.started {
			pending = &f
			return
		}
		stream.send(f)
	})
	if err != nil {
		var backendErr *chat.BackendUnavailableError
		if !stream.started && !errors.As(err, &backendErr) {
			Error(w, errorStatus(err), chat.UserMessage(err))
			return
		}
		slog.Warn("Chat submit failed", "error", err, "username", username, "page", page, "request_id", chiMiddleware.GetReqID(r.Context()))
		if pending != nil {
			stream.send(*pending)
		}
		stream.send(chat.Frame{Type: chat.EventDone, Page: page})
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrUnknownPage):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrRequestInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sseStream writes frames as server-sent events, sending the headers with
// the first frame.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	broken  bool
}

func (s *sseStream) send(f chat.Frame) {
	if s.broken {
		return
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("failed to marshal chat frame", "error", err)
		return
	}
	if err := writeSSE(s.w, f.Type, string(data)); err != nil {
		slog.Debug("failed to write SSE event", "error", err, "event", f.Type)
		s.broken = true
		return
	}
	s.flusher.Flush()
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
