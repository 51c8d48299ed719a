package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/dala-chat/internal/chat"
	"github.com/ashureev/dala-chat/internal/identity"
)

// SessionMiddleware attaches the browser session's chat.State to the request
// context. An anonymous state is signed in from the auth cookie when that
// token is still valid; an invalid cookie is dropped silently.
func (h *Handler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity.BrowserIDFromContext(r.Context())
		if id == "" {
			Error(w, http.StatusInternalServerError, "missing browser session")
			return
		}

		st := h.reg.GetOrCreate(id)
		if st.Username() == "" {
			if token := identity.AuthTokenFromRequest(r); token != "" {
				if _, ok := h.mgr.RestoreAuth(st, token); !ok {
					slog.Debug("Ignoring invalid auth cookie", "state_id", id)
					identity.ClearAuthCookie(w, h.secure)
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(chat.WithState(r.Context(), st)))
	})
}
