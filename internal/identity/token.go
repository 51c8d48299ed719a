package identity

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenSeparator splits the username from the expiry in an auth token.
const TokenSeparator = "|"

// DefaultTokenTTL is how long an issued auth token stays valid.
const DefaultTokenTTL = 7 * 24 * time.Hour

// ErrInvalidUsername is returned when a username cannot be embedded in a token.
var ErrInvalidUsername = errors.New("identity: username must be non-empty and must not contain " + TokenSeparator)

// TokenCodec issues and parses client-held auth tokens of the form
// "<username>|<epochSecondsAsFloat>".
//
// The token is not signed. Anyone who can write the cookie can claim any
// username until the expiry passes.
type TokenCodec struct {
	ttl time.Duration
	now func() time.Time
}

// NewTokenCodec creates a codec. A non-positive ttl falls back to DefaultTokenTTL.
func NewTokenCodec(ttl time.Duration) *TokenCodec {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCodec{ttl: ttl, now: time.Now}
}

// TTL returns the validity window of issued tokens.
func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

// Issue builds a token for username that expires ttl from now.
func (c *TokenCodec) Issue(username string) (string, time.Time, error) {
	if username == "" || strings.Contains(username, TokenSeparator) {
		return "", time.Time{}, ErrInvalidUsername
	}
	expiresAt := c.now().Add(c.ttl)
	return username + TokenSeparator + formatEpoch(expiresAt), expiresAt, nil
}

// Parse returns the username and expiry embedded in token. It does not check
// the expiry against the clock.
func (c *TokenCodec) Parse(token string) (string, time.Time, error) {
	parts := strings.Split(token, TokenSeparator)
	if len(parts) != 2 {
		return "", time.Time{}, fmt.Errorf("identity: malformed token: want 2 fields, got %d", len(parts))
	}
	username := parts[0]
	if username == "" {
		return "", time.Time{}, errors.New("identity: malformed token: empty username")
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("identity: malformed token expiry: %w", err)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return "", time.Time{}, errors.New("identity: malformed token expiry: not finite")
	}
	whole, frac := math.Modf(secs)
	return username, time.Unix(int64(whole), int64(frac*1e9)), nil
}

// Verify returns the username when token parses and has not expired.
func (c *TokenCodec) Verify(token string) (string, time.Time, bool) {
	username, expiresAt, err := c.Parse(token)
	if err != nil {
		return "", time.Time{}, false
	}
	if !expiresAt.After(c.now()) {
		return "", time.Time{}, false
	}
	return username, expiresAt, true
}

func formatEpoch(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

// Revocations remembers tokens invalidated by logout until they would have
// expired anyway.
type Revocations struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewRevocations creates an empty revocation list.
func NewRevocations() *Revocations {
	return &Revocations{tokens: make(map[string]time.Time)}
}

// Revoke marks token invalid until expiresAt.
func (r *Revocations) Revoke(token string, expiresAt time.Time) {
	if token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = expiresAt
}

// IsRevoked reports whether token was revoked.
func (r *Revocations) IsRevoked(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[token]
	return ok
}

// Prune drops entries whose expiry is at or before now and returns how many
// were removed.
func (r *Revocations) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for token, exp := range r.tokens {
		if !exp.After(now) {
			delete(r.tokens, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of revoked tokens still tracked.
func (r *Revocations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
