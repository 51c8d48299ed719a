package identity

import (
	"strings"
	"testing"
	"time"
)

func fixedCodec(now time.Time) *TokenCodec {
	c := NewTokenCodec(DefaultTokenTTL)
	c.now = func() time.Time { return now }
	return c
}

func TestTokenCodec_IssueFormat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	c := fixedCodec(now)

	token, exp, err := c.Issue("alice@example.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !exp.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Errorf("expected expiry now+7d, got %v", exp)
	}

	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		t.Fatalf("expected 2 fields, got %q", token)
	}
	if parts[0] != "alice@example.com" {
		t.Errorf("expected username field, got %q", parts[0])
	}
	if !strings.Contains(parts[1], ".") {
		t.Errorf("expected fractional epoch seconds, got %q", parts[1])
	}
}

func TestTokenCodec_IssueRejectsSeparator(t *testing.T) {
	c := NewTokenCodec(0)
	if _, _, err := c.Issue("a|b"); err == nil {
		t.Fatal("expected error for username containing separator")
	}
	if _, _, err := c.Issue(""); err == nil {
		t.Fatal("expected error for empty username")
	}
}

func TestTokenCodec_VerifyValidToken(t *testing.T) {
	now := time.Now()
	c := fixedCodec(now)

	for _, name := range []string{"alice", "bob@example.com", "0812345678", "Élodie"} {
		token, _, err := c.Issue(name)
		if err != nil {
			t.Fatalf("Issue(%q) failed: %v", name, err)
		}
		got, _, ok := c.Verify(token)
		if !ok {
			t.Errorf("Verify(%q) rejected a fresh token", token)
		}
		if got != name {
			t.Errorf("expected %q, got %q", name, got)
		}
	}
}

func TestTokenCodec_VerifyExpired(t *testing.T) {
	issuedAt := time.Now()
	c := fixedCodec(issuedAt)
	token, exp, err := c.Issue("alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	c.now = func() time.Time { return exp }
	if _, _, ok := c.Verify(token); ok {
		t.Error("token must be rejected when expiry == now")
	}

	c.now = func() time.Time { return exp.Add(time.Second) }
	if _, _, ok := c.Verify(token); ok {
		t.Error("token must be rejected after expiry")
	}
}

func TestTokenCodec_VerifyMalformed(t *testing.T) {
	c := NewTokenCodec(0)
	future := formatEpoch(time.Now().Add(time.Hour))

	cases := map[string]string{
		"empty":           "",
		"no separator":    "alice",
		"extra separator": "alice|bob|" + future,
		"empty username":  "|" + future,
		"not a number":    "alice|tomorrow",
		"nan":             "alice|NaN",
		"inf":             "alice|+Inf",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, ok := c.Verify(token); ok {
				t.Errorf("expected %q to be rejected", token)
			}
		})
	}
}

func TestTokenCodec_ParseHandwrittenToken(t *testing.T) {
	c := NewTokenCodec(0)
	username, exp, err := c.Parse("carol|1767225600.250000")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if username != "carol" {
		t.Errorf("expected carol, got %q", username)
	}
	want := time.Unix(1767225600, 250_000_000)
	if exp.Sub(want).Abs() > time.Microsecond {
		t.Errorf("expected %v, got %v", want, exp)
	}
}

func TestRevocations(t *testing.T) {
	r := NewRevocations()
	now := time.Now()

	r.Revoke("a|1", now.Add(time.Hour))
	r.Revoke("b|2", now.Add(-time.Minute))
	r.Revoke("", now.Add(time.Hour))

	if !r.IsRevoked("a|1") || !r.IsRevoked("b|2") {
		t.Fatal("expected both tokens revoked")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", r.Len())
	}

	if removed := r.Prune(now); removed != 1 {
		t.Errorf("expected 1 pruned, got %d", removed)
	}
	if r.IsRevoked("b|2") {
		t.Error("expired revocation should have been pruned")
	}
	if !r.IsRevoked("a|1") {
		t.Error("live revocation must survive prune")
	}
}
