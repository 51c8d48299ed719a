package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mehanizm/airtable"

	"github.com/ashureev/dala-chat/internal/domain"
)

const airtablePageSize = 100

// Airtable field names.
const (
	fieldUsername     = "Username"
	fieldPassword     = "Password"
	fieldStudentID    = "StudentID"
	fieldTimestamp    = "Timestamp"
	fieldSessionID    = "SessionID"
	fieldResponseJSON = "ResponseJSON"
	fieldUserInput    = "UserInput"
)

// APIError captures non-2xx responses from the Airtable API.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("airtable: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// HTTPStatusCode returns the upstream status.
func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// AirtableStore reads users from and writes chat history to Airtable tables.
type AirtableStore struct {
	client    *airtable.Client
	baseID    string
	userTable string
	chatTable string
	pageField string
	baseURL   string
}

// AirtableOption configures an AirtableStore.
type AirtableOption func(*AirtableStore)

// WithAirtableURL overrides the API root, mainly for tests.
func WithAirtableURL(u string) AirtableOption {
	return func(s *AirtableStore) {
		s.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

// WithAirtableHTTPClient sets the HTTP client used for API calls.
func WithAirtableHTTPClient(c *http.Client) AirtableOption {
	return func(s *AirtableStore) {
		if c != nil {
			s.client.SetCustomClient(c)
		}
	}
}

// WithAirtableRateLimit changes the client-side request rate.
func WithAirtableRateLimit(perSecond int) AirtableOption {
	return func(s *AirtableStore) {
		if perSecond > 0 {
			s.client.SetRateLimit(perSecond)
		}
	}
}

// WithTables overrides the user and chat-history table names.
func WithTables(userTable, chatTable string) AirtableOption {
	return func(s *AirtableStore) {
		if userTable != "" {
			s.userTable = userTable
		}
		if chatTable != "" {
			s.chatTable = chatTable
		}
	}
}

// WithPageField records the chat page in the named history field.
func WithPageField(field string) AirtableOption {
	return func(s *AirtableStore) {
		s.pageField = strings.TrimSpace(field)
	}
}

// NewAirtable creates an Airtable-backed store.
func NewAirtable(apiKey, baseID string, opts ...AirtableOption) (*AirtableStore, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("airtable: api key must not be empty")
	}
	if strings.TrimSpace(baseID) == "" {
		return nil, errors.New("airtable: base id must not be empty")
	}
	client := airtable.NewClient(apiKey)
	client.SetCustomClient(&http.Client{Timeout: 15 * time.Second})
	s := &AirtableStore{
		client:    client,
		baseID:    baseID,
		userTable: "Users",
		chatTable: "Chat History",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseURL != "" {
		if err := client.SetBaseURL(s.baseURL); err != nil {
			return nil, fmt.Errorf("airtable: %w", err)
		}
	}
	return s, nil
}

func (s *AirtableStore) table(name string) *airtable.Table {
	return s.client.GetTable(url.PathEscape(s.baseID), url.PathEscape(name))
}

// equalsFormula builds {field} = 'value' with the value quoted for Airtable's
// formula language.
func equalsFormula(field, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "{" + field + "} = '" + escaped + "'"
}

// LookupUser finds the user whose Username field equals username exactly.
func (s *AirtableStore) LookupUser(ctx context.Context, username string) (*domain.User, error) {
	page, err := s.table(s.userTable).GetRecords().
		WithFilterFormula(equalsFormula(fieldUsername, username)).
		MaxRecords(1).
		DoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("airtable: lookup user: %w", apiError(err))
	}
	if len(page.Records) == 0 {
		return nil, nil
	}

	fields := page.Records[0].Fields
	user := &domain.User{Username: username}
	if v, ok := fields[fieldPassword]; ok && v != nil {
		cred := fieldString(v)
		user.Credential = &cred
	}
	if v, ok := fields[fieldStudentID]; ok {
		user.StudentID = fieldString(v)
	}
	return user, nil
}

// AppendHistory creates one row in the chat history table.
func (s *AirtableStore) AppendHistory(ctx context.Context, rec domain.ChatHistoryRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := map[string]any{
		fieldTimestamp:    unixSeconds(ts),
		fieldSessionID:    rec.SessionID,
		fieldResponseJSON: rec.ResponseJSON,
		fieldUsername:     rec.Username,
		fieldUserInput:    rec.UserInput,
	}
	if s.pageField != "" {
		fields[s.pageField] = rec.Page
	}

	_, err := s.table(s.chatTable).AddRecordsContext(ctx, &airtable.Records{
		Records: []*airtable.Record{{Fields: fields}},
	})
	if err != nil {
		return fmt.Errorf("airtable: append history: %w", apiError(err))
	}
	return nil
}

// ListHistory returns the user's most recent rows, oldest first.
func (s *AirtableStore) ListHistory(ctx context.Context, username string, limit int) ([]domain.ChatHistoryRecord, error) {
	query := func(offset string) *airtable.GetRecordsConfig {
		q := s.table(s.chatTable).GetRecords().
			WithFilterFormula(equalsFormula(fieldUsername, username)).
			WithSort(struct {
				FieldName string
				Direction string
			}{fieldTimestamp, "desc"})
		pageSize := airtablePageSize
		if limit > 0 {
			q.MaxRecords(limit)
			pageSize = min(limit, airtablePageSize)
		}
		q.PageSize(pageSize)
		if offset != "" {
			q.WithOffset(offset)
		}
		return q
	}

	var rows []historyRow
	offset := ""
	for {
		page, err := query(offset).DoContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("airtable: list history: %w", apiError(err))
		}
		for _, r := range page.Records {
			rows = append(rows, historyRow{rec: s.historyFromFields(r.Fields), created: r.CreatedTime})
		}
		if page.Offset == "" || (limit > 0 && len(rows) >= limit) {
			break
		}
		offset = page.Offset
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	// Rows sharing a Timestamp fall back to Airtable's creation time.
	slices.SortStableFunc(rows, func(a, b historyRow) int {
		if c := b.rec.Timestamp.Compare(a.rec.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.created, a.created)
	})
	recs := make([]domain.ChatHistoryRecord, len(rows))
	for i, r := range rows {
		recs[i] = r.rec
	}
	return newestFirstToChronological(recs), nil
}

type historyRow struct {
	rec     domain.ChatHistoryRecord
	created string
}

func (s *AirtableStore) historyFromFields(fields map[string]any) domain.ChatHistoryRecord {
	rec := domain.ChatHistoryRecord{
		SessionID:    fieldString(fields[fieldSessionID]),
		Username:     fieldString(fields[fieldUsername]),
		UserInput:    fieldString(fields[fieldUserInput]),
		ResponseJSON: fieldString(fields[fieldResponseJSON]),
	}
	if s.pageField != "" {
		rec.Page = fieldString(fields[s.pageField])
	}
	switch ts := fields[fieldTimestamp].(type) {
	case float64:
		rec.Timestamp = time.UnixMilli(int64(math.Round(ts * 1000)))
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
	}
	return rec
}

// unixSeconds renders t as fractional Unix seconds with millisecond precision.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func apiError(err error) error {
	var httpErr *airtable.HTTPClientError
	if errors.As(err, &httpErr) {
		return &APIError{StatusCode: httpErr.StatusCode, Err: httpErr.Err}
	}
	return err
}

// fieldString renders an Airtable cell as text. Number cells arrive as
// float64 and are printed without exponent or trailing zeros.
func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
