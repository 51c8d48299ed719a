package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/dala-chat/internal/domain"
	"github.com/ashureev/dala-chat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	sqliteRetryAttempts = 3
	sqliteRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements CredentialStore and HistoryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Pragmas are applied on every pooled connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password TEXT,
		student_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		page TEXT NOT NULL DEFAULT '',
		user_input TEXT NOT NULL,
		response_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_history_user ON chat_history(username, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// LookupUser retrieves a user by exact username.
func (s *SQLiteStore) LookupUser(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, password, student_id FROM users WHERE username = ?`, username)

	var user domain.User
	var password sql.NullString
	err := row.Scan(&user.Username, &password, &user.StudentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	if password.Valid {
		user.Credential = &password.String
	}
	return &user, nil
}

// UpsertUser creates or updates a user record. A nil Credential stores a
// user without a password field.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	if user == nil || user.Username == "" {
		return errors.New("upsert user: username is required")
	}
	query := `
	INSERT INTO users (username, password, student_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(username) DO UPDATE SET
		password = excluded.password,
		student_id = excluded.student_id,
		updated_at = excluded.updated_at`

	var password any
	if user.Credential != nil {
		password = *user.Credential
	}
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, query, user.Username, password, user.StudentID, now, now)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// AppendHistory stores one chat turn, retrying while the database is busy.
func (s *SQLiteStore) AppendHistory(ctx context.Context, rec domain.ChatHistoryRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err := shared.RetryOnSQLiteConflict(ctx, "append history", sqliteRetryAttempts, sqliteRetryDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_history (username, session_id, page, user_input, response_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Username, rec.SessionID, rec.Page, rec.UserInput, rec.ResponseJSON, ts.UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns the user's most recent turns, oldest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, username string, limit int) ([]domain.ChatHistoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, session_id, page, user_input, response_json, created_at
		FROM chat_history WHERE username = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var recs []domain.ChatHistoryRecord
	for rows.Next() {
		var rec domain.ChatHistoryRecord
		var createdAt int64
		if err := rows.Scan(&rec.Username, &rec.SessionID, &rec.Page, &rec.UserInput, &rec.ResponseJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.Timestamp = time.Unix(0, createdAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return newestFirstToChronological(recs), nil
}
