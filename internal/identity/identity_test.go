package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware_AssignsBrowserID(t *testing.T) {
	var seen string
	h := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = BrowserIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !IsValidBrowserID(seen) {
		t.Fatalf("expected generated browser id in context, got %q", seen)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != BrowserCookieName || cookies[0].Value != seen {
		t.Fatalf("expected %s cookie with %q, got %+v", BrowserCookieName, seen, cookies)
	}
	if !cookies[0].HttpOnly {
		t.Error("browser cookie must be HttpOnly")
	}
}

func TestMiddleware_ReusesValidCookie(t *testing.T) {
	existing := "sid_0123456789abcdef0123456789abcdef"
	var seen string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = BrowserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: existing})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen != existing {
		t.Errorf("expected %q, got %q", existing, seen)
	}
	if c := w.Result().Cookies()[0]; !c.Secure {
		t.Error("expected Secure cookie when secure=true")
	}
}

func TestMiddleware_ReplacesForgedCookie(t *testing.T) {
	var seen string
	h := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = BrowserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: "../../etc/passwd"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen == "../../etc/passwd" || !IsValidBrowserID(seen) {
		t.Errorf("expected a freshly generated id, got %q", seen)
	}
}

func TestAuthCookieRoundTrip(t *testing.T) {
	w := httptest.NewRecorder()
	SetAuthCookie(w, "alice|123.000000", time.Now().Add(time.Hour), false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}
	if got := AuthTokenFromRequest(req); got != "alice|123.000000" {
		t.Errorf("expected token from cookie, got %q", got)
	}

	w = httptest.NewRecorder()
	ClearAuthCookie(w, false)
	c := w.Result().Cookies()[0]
	if c.Name != AuthCookieName || c.MaxAge >= 0 {
		t.Errorf("expected deleting cookie, got %+v", c)
	}
}

func TestAuthTokenFromRequest_Missing(t *testing.T) {
	if got := AuthTokenFromRequest(httptest.NewRequest(http.MethodGet, "/", nil)); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := IPFromRequest(req); got != "10.1.2.3" {
		t.Errorf("expected 10.1.2.3, got %q", got)
	}
	req.RemoteAddr = "garbage"
	if got := IPFromRequest(req); got != "garbage" {
		t.Errorf("expected raw addr, got %q", got)
	}
}
