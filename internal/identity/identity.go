// Package identity provides browser-session and auth-token primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"
)

const (
	BrowserCookieName   = "dala_sid"
	AuthCookieName      = "auth_token"
	browserCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	browserIDKey contextKey = iota
)

var browserIDPattern = regexp.MustCompile(`^sid_[a-f0-9]{32}$`)

// BrowserIDFromContext extracts the browser-session ID from the request context.
func BrowserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(browserIDKey).(string); ok {
		return v
	}
	return ""
}

// WithBrowserID returns a copy of ctx carrying the browser-session ID.
func WithBrowserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, browserIDKey, id)
}

func generateBrowserID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate browser session id: %w", err)
	}
	return "sid_" + hex.EncodeToString(buf), nil
}

// IsValidBrowserID reports whether id has the shape of a generated ID.
func IsValidBrowserID(id string) bool {
	return browserIDPattern.MatchString(id)
}

func setBrowserCookie(w http.ResponseWriter, id string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     BrowserCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(browserCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(browserCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

func getOrCreateBrowserID(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	if c, err := r.Cookie(BrowserCookieName); err == nil && IsValidBrowserID(c.Value) {
		setBrowserCookie(w, c.Value, secure)
		return c.Value, nil
	}

	id, err := generateBrowserID()
	if err != nil {
		return "", err
	}
	setBrowserCookie(w, id, secure)
	return id, nil
}

// Middleware assigns every browser a stable session ID cookie and injects it
// into the request context.
func Middleware(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := getOrCreateBrowserID(w, r, secure)
			if err != nil {
				http.Error(w, `{"error":"failed to establish browser session"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithBrowserID(r.Context(), id)))
		})
	}
}

// AuthTokenFromRequest returns the auth token cookie value, or "".
func AuthTokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(AuthCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetAuthCookie stores token in the browser until expiresAt.
func SetAuthCookie(w http.ResponseWriter, token string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// ClearAuthCookie instructs the browser to delete the auth token.
func ClearAuthCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
