// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"slices"

	"github.com/ashureev/dala-chat/internal/domain"
)

// CredentialStore looks up user records for login.
type CredentialStore interface {
	// LookupUser returns the user with exactly this username, or nil, nil
	// when no such user exists.
	LookupUser(ctx context.Context, username string) (*domain.User, error)
}

// HistoryStore persists completed chat turns.
type HistoryStore interface {
	// AppendHistory writes one turn.
	AppendHistory(ctx context.Context, rec domain.ChatHistoryRecord) error

	// ListHistory returns at most limit of the user's most recent turns in
	// chronological order. A non-positive limit returns everything.
	ListHistory(ctx context.Context, username string, limit int) ([]domain.ChatHistoryRecord, error)
}

// newestFirstToChronological reverses records read newest-first.
func newestFirstToChronological(recs []domain.ChatHistoryRecord) []domain.ChatHistoryRecord {
	slices.Reverse(recs)
	return recs
}

var (
	_ CredentialStore = (*SQLiteStore)(nil)
	_ HistoryStore    = (*SQLiteStore)(nil)
	_ CredentialStore = (*AirtableStore)(nil)
	_ HistoryStore    = (*AirtableStore)(nil)
	_ HistoryStore    = (*DynamoHistoryStore)(nil)
)
