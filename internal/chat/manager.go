// Package chat owns per-browser conversation state: who is signed in, which
// backend conversation each page belongs to, the message log of each page and
// whether a request is outstanding.
package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/dala-chat/internal/agent"
	"github.com/ashureev/dala-chat/internal/domain"
	"github.com/ashureev/dala-chat/internal/identity"
	"github.com/ashureev/dala-chat/internal/store"
)

// Unassigned is the conversation ID of a page whose backend has not yet
// assigned one.
const Unassigned = ""

// NoResponseText replaces an empty backend reply.
const NoResponseText = "No response received."

const (
	defaultReplayLimit    = 50
	defaultPersistTimeout = 10 * time.Second
)

// SessionSource selects where server-assigned conversation IDs come from.
type SessionSource string

const (
	// SessionFromResponse adopts the sessionId field of the first reply.
	SessionFromResponse SessionSource = "response"
	// SessionFromTrace asks the trace store for the user's latest trace.
	SessionFromTrace SessionSource = "trace"
)

// TraceLookup finds the conversation ID of a user's most recent trace.
type TraceLookup interface {
	LatestSessionID(ctx context.Context, userID string) (string, error)
}

// Page is a chat surface bound to one backend.
type Page struct {
	ID      string
	Title   string
	Intro   string
	Backend agent.Backend
}

// PageInfo describes a page to the UI shell.
type PageInfo struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Intro         string `json:"intro,omitempty"`
	SessionPolicy string `json:"session_policy"`
}

// Config wires a Manager.
type Config struct {
	Credentials store.CredentialStore
	History     store.HistoryStore
	Pages       []Page
	// DefaultPage receives history rows that carry no page.
	DefaultPage    string
	Tokens         *identity.TokenCodec
	Revocations    *identity.Revocations
	Traces         TraceLookup
	SessionSource  SessionSource
	ReplayLimit    int
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

// Manager implements the session and conversation operations. It holds no
// per-user state itself; every operation acts on an explicit *State.
type Manager struct {
	creds          store.CredentialStore
	history        store.HistoryStore
	pages          map[string]Page
	order          []string
	defaultPage    string
	tokens         *identity.TokenCodec
	revoked        *identity.Revocations
	traces         TraceLookup
	sessionSource  SessionSource
	replayLimit    int
	persistTimeout time.Duration
	logger         *slog.Logger
	newSessionID   func() string
	now            func() time.Time
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("chat: credential store is required")
	}
	if cfg.History == nil {
		return nil, errors.New("chat: history store is required")
	}
	if len(cfg.Pages) == 0 {
		return nil, errors.New("chat: at least one page is required")
	}

	m := &Manager{
		creds:          cfg.Credentials,
		history:        cfg.History,
		pages:          make(map[string]Page, len(cfg.Pages)),
		defaultPage:    cfg.DefaultPage,
		tokens:         cfg.Tokens,
		revoked:        cfg.Revocations,
		traces:         cfg.Traces,
		sessionSource:  cfg.SessionSource,
		replayLimit:    cfg.ReplayLimit,
		persistTimeout: cfg.PersistTimeout,
		logger:         cfg.Logger,
		newSessionID:   func() string { return uuid.NewString() },
		now:            time.Now,
	}
	for _, p := range cfg.Pages {
		if p.ID == "" || p.Backend == nil {
			return nil, fmt.Errorf("chat: page %q needs an id and a backend", p.ID)
		}
		if _, dup := m.pages[p.ID]; dup {
			return nil, fmt.Errorf("chat: duplicate page %q", p.ID)
		}
		m.pages[p.ID] = p
		m.order = append(m.order, p.ID)
	}
	if m.defaultPage == "" {
		m.defaultPage = m.order[0]
	}
	if m.tokens == nil {
		m.tokens = identity.NewTokenCodec(identity.DefaultTokenTTL)
	}
	if m.revoked == nil {
		m.revoked = identity.NewRevocations()
	}
	switch m.sessionSource {
	case "":
		m.sessionSource = SessionFromResponse
	case SessionFromResponse:
	case SessionFromTrace:
		if m.traces == nil {
			return nil, errors.New("chat: trace session source needs a trace lookup")
		}
	default:
		return nil, fmt.Errorf("chat: unknown session source %q", m.sessionSource)
	}
	// Zero selects the default limit.
	if m.replayLimit == 0 {
		m.replayLimit = defaultReplayLimit
	}
	if m.persistTimeout <= 0 {
		m.persistTimeout = defaultPersistTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Pages lists the configured pages in configuration order.
func (m *Manager) Pages() []PageInfo {
	out := make([]PageInfo, 0, len(m.order))
	for _, id := range m.order {
		p := m.pages[id]
		out = append(out, PageInfo{
			ID:            p.ID,
			Title:         p.Title,
			Intro:         p.Intro,
			SessionPolicy: p.Backend.SessionPolicy().String(),
		})
	}
	return out
}

// Revocations exposes the logout revocation list for the sweeper.
func (m *Manager) Revocations() *identity.Revocations {
	return m.revoked
}

// IssueAuth creates a token for username valid for the codec's TTL.
func (m *Manager) IssueAuth(username string) (string, time.Time, error) {
	token, expiresAt, err := m.tokens.Issue(username)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("chat: issue auth: %w", err)
	}
	return token, expiresAt, nil
}

// RestoreAuth signs st in from a previously issued token. Malformed, expired
// and revoked tokens are ignored and leave st untouched. On success every
// page log and conversation ID is dropped so they are replayed from history
// on next access.
func (m *Manager) RestoreAuth(st *State, token string) (string, bool) {
	if token == "" || m.revoked.IsRevoked(token) {
		return "", false
	}
	username, _, ok := m.tokens.Verify(token)
	if !ok {
		return "", false
	}

	st.mu.Lock()
	st.bind(username, token)
	st.mu.Unlock()

	m.logger.Info("Auth restored from token", "username", username, "state_id", st.ID())
	return username, true
}

// Authenticate checks credential against the stored user record by exact,
// case-sensitive equality. Rejections are *AuthError; any other error is a
// lookup failure.
func (m *Manager) Authenticate(ctx context.Context, username, credential string) (*domain.User, error) {
	user, err := m.creds.LookupUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("chat: lookup user: %w", err)
	}
	if user == nil {
		return nil, &AuthError{Kind: UserNotFound, Username: username}
	}
	if !user.HasCredential() {
		return nil, &AuthError{Kind: CredentialFieldMissing, Username: username}
	}
	if subtle.ConstantTimeCompare([]byte(*user.Credential), []byte(credential)) != 1 {
		return nil, &AuthError{Kind: CredentialMismatch, Username: username}
	}
	return user, nil
}

// Profile returns the signed-in user's record, or ErrNotAuthenticated.
func (m *Manager) Profile(ctx context.Context, st *State) (*domain.User, error) {
	username := st.Username()
	if username == "" {
		return nil, ErrNotAuthenticated
	}
	user, err := m.creds.LookupUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("chat: lookup user: %w", err)
	}
	if user == nil {
		return &domain.User{Username: username}, nil
	}
	return user, nil
}

// LoginResult is returned by Login.
type LoginResult struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
}

// Login authenticates, issues a token and signs st in. Page logs are dropped
// and replayed from history on next access.
func (m *Manager) Login(ctx context.Context, st *State, username, credential string) (*LoginResult, error) {
	user, err := m.Authenticate(ctx, username, credential)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := m.IssueAuth(user.Username)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.bind(user.Username, token)
	st.mu.Unlock()

	m.logger.Info("User logged in", "username", user.Username, "state_id", st.ID())
	return &LoginResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

// Logout revokes the state's token and token (the browser's cookie, if it
// differs) and clears every page, conversation ID, in-flight flag and the
// signed-in user.
func (m *Manager) Logout(st *State, token string) {
	st.mu.Lock()
	username := st.username
	bound := st.authToken
	st.clear()
	st.mu.Unlock()

	for _, t := range []string{bound, token} {
		if t == "" {
			continue
		}
		_, expiresAt, err := m.tokens.Parse(t)
		if err != nil {
			continue
		}
		m.revoked.Revoke(t, expiresAt)
	}
	m.logger.Info("User logged out", "username", username, "state_id", st.ID())
}

// GetOrCreateConversationSession returns the conversation ID for page. Pages
// whose backend needs a client-side ID get one minted on first call; others
// return Unassigned until a reply assigns one.
func (m *Manager) GetOrCreateConversationSession(st *State, username, page string) (string, error) {
	p, ok := m.pages[page]
	if !ok {
		return "", ErrUnknownPage
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if username == "" || st.username != username {
		return "", ErrNotAuthenticated
	}
	ps := st.page(page)
	if ps.sessionID == Unassigned && p.Backend.SessionPolicy() == agent.ClientSideSessionID {
		ps.sessionID = m.newSessionID()
	}
	return ps.sessionID, nil
}

// Reset clears the message log of page only. It does not touch the
// conversation ID, the in-flight flag or auth, and is idempotent.
func (m *Manager) Reset(st *State, page string) error {
	if _, ok := m.pages[page]; !ok {
		return ErrUnknownPage
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	ps := st.page(page)
	ps.messages = nil
	ps.epoch++
	// A reset log must not be refilled from history.
	ps.hydrated = true
	return nil
}

// Messages returns a copy of page's state, replaying the log from history
// first if this page has not been loaded since sign-in.
func (m *Manager) Messages(ctx context.Context, st *State, page string) (Snapshot, error) {
	if _, ok := m.pages[page]; !ok {
		return Snapshot{}, ErrUnknownPage
	}
	m.hydrate(ctx, st, page)
	return st.snapshot(page), nil
}

// SubmitInput is one user prompt.
type SubmitInput struct {
	Page   string
	Prompt string
	// OnToken, if set, receives reply text as it streams in.
	OnToken func(chunk string)
	// OnReply, if set, receives the final reply once it is in the log and
	// before it is persisted.
	OnReply func(reply string)
}

// SubmitResult is the outcome of a successful Submit.
type SubmitResult struct {
	Reply     string
	SessionID string
	// PersistErr is a *PersistenceError when the turn could not be saved.
	PersistErr error
}

// Submit sends a prompt to the page's backend and records the turn. At most
// one request per page is outstanding; a second call while one is running
// fails with ErrRequestInFlight. On backend failure the user message stays
// in the log, no assistant message is added and a *BackendUnavailableError
// is returned. Persistence failures never fail the call.
func (m *Manager) Submit(ctx context.Context, st *State, in SubmitInput) (*SubmitResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	p, ok := m.pages[in.Page]
	if !ok {
		return nil, ErrUnknownPage
	}
	policy := p.Backend.SessionPolicy()

	m.hydrate(ctx, st, in.Page)

	st.mu.Lock()
	if st.username == "" {
		st.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	ps := st.page(in.Page)
	if ps.inFlight {
		st.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	ps.inFlight = true
	ps.append(domain.RoleUser, in.Prompt, in.Page)
	if ps.sessionID == Unassigned && policy == agent.ClientSideSessionID {
		ps.sessionID = m.newSessionID()
	}
	username := st.username
	sessionID := ps.sessionID
	gen := st.gen
	epoch := ps.epoch
	st.mu.Unlock()

	log := m.logger.With("username", username, "page", in.Page, "state_id", st.ID())
	log.Info("Chat request", "session_id", sessionID, "prompt_length", len(in.Prompt))

	var reply strings.Builder
	var result *agent.Event
	var sendErr error
	for ev, err := range p.Backend.Send(ctx, agent.Request{Prompt: in.Prompt, SessionID: sessionID, UserID: username}) {
		if err != nil {
			sendErr = err
			break
		}
		switch ev.Kind {
		case agent.EventToken:
			reply.WriteString(ev.Text)
			if in.OnToken != nil {
				in.OnToken(ev.Text)
			}
		case agent.EventResult:
			result = ev
		}
	}
	if sendErr == nil && result == nil {
		sendErr = errors.New("backend returned no result")
	}

	if sendErr != nil {
		st.mu.Lock()
		if st.gen == gen {
			st.page(in.Page).inFlight = false
		}
		st.mu.Unlock()
		log.Error("Backend call failed", "error", sendErr)
		return nil, backendUnavailable(sendErr)
	}

	if sessionID == Unassigned && policy == agent.ServerAssignedSessionID {
		sessionID = m.adoptServerSession(ctx, log, username, result.SessionID)
	}

	text := reply.String()
	if text == "" {
		text = NoResponseText
	}

	st.mu.Lock()
	if st.gen == gen {
		ps := st.page(in.Page)
		if ps.sessionID == Unassigned {
			ps.sessionID = sessionID
		} else {
			sessionID = ps.sessionID
		}
		if ps.epoch == epoch {
			ps.append(domain.RoleAssistant, text, in.Page)
		} else {
			log.Info("Page reset during request; reply kept out of the log")
		}
		ps.inFlight = false
	}
	st.mu.Unlock()

	if in.OnReply != nil {
		in.OnReply(text)
	}

	res := &SubmitResult{Reply: text, SessionID: sessionID}
	if err := m.persist(ctx, domain.ChatHistoryRecord{
		Timestamp:    m.now(),
		SessionID:    sessionID,
		Username:     username,
		Page:         in.Page,
		UserInput:    in.Prompt,
		ResponseJSON: responseBody(result, text, sessionID),
	}); err != nil {
		log.Warn("Failed to persist chat history", "error", err)
		res.PersistErr = &PersistenceError{Err: err}
	}
	return res, nil
}

// adoptServerSession picks the conversation ID for a server-assigned page
// after its first reply. A failed trace lookup leaves the page unassigned.
func (m *Manager) adoptServerSession(ctx context.Context, log *slog.Logger, username, fromResponse string) string {
	switch m.sessionSource {
	case SessionFromTrace:
		sid, err := m.traces.LatestSessionID(ctx, username)
		if err != nil {
			log.Warn("Trace session lookup failed", "error", err)
			return Unassigned
		}
		return sid
	default:
		return fromResponse
	}
}

func (m *Manager) persist(ctx context.Context, rec domain.ChatHistoryRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()
	return m.history.AppendHistory(ctx, rec)
}

// hydrate replays page's log from history once per sign-in. Failures are
// logged and retried on the next access.
func (m *Manager) hydrate(ctx context.Context, st *State, page string) {
	st.mu.Lock()
	if st.username == "" || st.page(page).hydrated {
		st.mu.Unlock()
		return
	}
	username := st.username
	gen := st.gen
	st.mu.Unlock()

	recs, err := m.history.ListHistory(ctx, username, m.replayLimit)
	if err != nil {
		m.logger.Warn("Failed to load chat history", "error", err, "username", username, "page", page)
		return
	}
	sessionID, replay := m.replayFor(recs, page)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		return
	}
	ps := st.page(page)
	if ps.hydrated {
		return
	}
	if len(ps.messages) == 0 {
		for _, rec := range replay {
			ps.append(domain.RoleUser, rec.UserInput, page)
			ps.append(domain.RoleAssistant, replyFromResponse(rec.ResponseJSON), page)
		}
	}
	if ps.sessionID == Unassigned {
		ps.sessionID = sessionID
	}
	ps.hydrated = true
	m.logger.Debug("Chat history replayed", "username", username, "page", page, "turns", len(replay))
}

// replayFor selects the records of page's most recent conversation.
func (m *Manager) replayFor(recs []domain.ChatHistoryRecord, page string) (string, []domain.ChatHistoryRecord) {
	var forPage []domain.ChatHistoryRecord
	for _, rec := range recs {
		recPage := rec.Page
		if recPage == "" {
			recPage = m.defaultPage
		}
		if recPage == page {
			forPage = append(forPage, rec)
		}
	}

	var latest string
	for i := len(forPage) - 1; i >= 0; i-- {
		if forPage[i].SessionID != "" {
			latest = forPage[i].SessionID
			break
		}
	}
	if latest == "" {
		return Unassigned, forPage
	}

	var out []domain.ChatHistoryRecord
	for _, rec := range forPage {
		if rec.SessionID == latest {
			out = append(out, rec)
		}
	}
	return latest, out
}

// replyFromResponse extracts the reply text from a stored response body.
func replyFromResponse(raw string) string {
	var body struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		if raw == "" {
			return NoResponseText
		}
		return raw
	}
	if body.Text == nil || *body.Text == "" {
		return NoResponseText
	}
	return *body.Text
}

// responseBody is the JSON text stored with a turn: the backend's own
// document when it returned one, otherwise the assembled reply.
func responseBody(result *agent.Event, reply, sessionID string) string {
	if result != nil && len(result.Raw) > 0 && json.Valid(result.Raw) {
		return string(result.Raw)
	}
	b, err := json.Marshal(struct {
		Text      string `json:"text"`
		SessionID string `json:"sessionId,omitempty"`
	}{Text: reply, SessionID: sessionID})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func backendUnavailable(err error) *BackendUnavailableError {
	var statusErr *agent.HTTPStatusError
	if errors.As(err, &statusErr) {
		return &BackendUnavailableError{Status: statusErr.StatusCode, Body: statusErr.Body, Err: err}
	}
	return &BackendUnavailableError{Err: err}
}
