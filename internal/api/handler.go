// Package api provides HTTP handlers for the DALA chat API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dala-chat/internal/chat"
	"github.com/ashureev/dala-chat/internal/config"
)

const maxRequestBodySize = 64 * 1024

// ConnCloser closes the live connections of a browser session.
type ConnCloser interface {
	CloseState(stateID string)
}

// Handler serves the auth and chat endpoints.
type Handler struct {
	mgr           *chat.Manager
	reg           *chat.Registry
	conns         ConnCloser
	limiter       *RateLimiter
	uploadMessage string
	traceEnabled  bool
	secure        bool
}

// NewHandler creates a Handler. conns may be nil.
func NewHandler(mgr *chat.Manager, reg *chat.Registry, conns ConnCloser, cfg *config.Config) *Handler {
	return &Handler{
		mgr:           mgr,
		reg:           reg,
		conns:         conns,
		limiter:       NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		uploadMessage: cfg.FileUploadMessage,
		traceEnabled:  cfg.TraceEnabled(),
		secure:        !cfg.IsDevelopment(),
	}
}

// RegisterRoutes registers the API routes. SessionMiddleware must run
// before them.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.HandleConfig)
		r.Post("/login", h.HandleLogin)
		r.Post("/logout", h.HandleLogout)
		r.Get("/me", h.HandleMe)
		r.Route("/pages/{page}", func(r chi.Router) {
			r.Get("/messages", h.HandleMessages)
			r.Post("/messages", h.HandleSubmit)
			r.Post("/reset", h.HandleReset)
		})
	})
}

// Limiter returns the submit rate limiter so other transports share it.
func (h *Handler) Limiter() *RateLimiter {
	return h.limiter
}

// Close stops background work.
func (h *Handler) Close() {
	h.limiter.Close()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
