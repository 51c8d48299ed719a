package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/dala-chat/internal/chat"
	"github.com/ashureev/dala-chat/internal/identity"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	Username  string          `json:"username"`
	StudentID string          `json:"student_id,omitempty"`
	Pages     []chat.PageInfo `json:"pages"`
}

// HandleLogin handles POST /api/login.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	st := chat.StateFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		Error(w, http.StatusBadRequest, "username is required")
		return
	}

	res, err := h.mgr.Login(r.Context(), st, req.Username, req.Password)
	if err != nil {
		var authErr *chat.AuthError
		if errors.As(err, &authErr) {
			slog.Info("Login rejected", "username", req.Username, "reason", authErr.Kind.String(), "ip", identity.IPFromRequest(r))
			Error(w, authStatus(authErr.Kind), authErr.Kind.Message())
			return
		}
		slog.Error("Login failed", "error", err, "username", req.Username)
		Error(w, http.StatusBadGateway, "user lookup failed")
		return
	}

	identity.SetAuthCookie(w, res.Token, res.ExpiresAt, h.secure)
	JSON(w, http.StatusOK, userResponse{
		Username:  res.User.Username,
		StudentID: res.User.StudentID,
		Pages:     h.mgr.Pages(),
	})
}

func authStatus(kind chat.AuthFailureKind) int {
	switch kind {
	case chat.UserNotFound:
		return http.StatusNotFound
	case chat.CredentialFieldMissing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusUnauthorized
	}
}

// HandleLogout handles POST /api/logout.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	st := chat.StateFromContext(r.Context())
	h.mgr.Logout(st, identity.AuthTokenFromRequest(r))
	identity.ClearAuthCookie(w, h.secure)
	if h.conns != nil {
		h.conns.CloseState(st.ID())
	}
	JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// HandleMe handles GET /api/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	st := chat.StateFromContext(r.Context())
	user, err := h.mgr.Profile(r.Context(), st)
	if errors.Is(err, chat.ErrNotAuthenticated) {
		Error(w, http.StatusUnauthorized, "not logged in")
		return
	}
	if err != nil {
		slog.Warn("Profile lookup failed", "error", err, "username", st.Username())
		user = nil
	}

	resp := userResponse{Username: st.Username(), Pages: h.mgr.Pages()}
	if user != nil {
		resp.StudentID = user.StudentID
	}
	JSON(w, http.StatusOK, resp)
}

// HandleConfig handles GET /api/config.
func (h *Handler) HandleConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"pages":               h.mgr.Pages(),
		"file_upload_message": h.uploadMessage,
		"trace_enabled":       h.traceEnabled,
	})
}
