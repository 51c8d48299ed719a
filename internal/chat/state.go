package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/dala-chat/internal/domain"
)

// State is the conversation state of one browser session. All fields are
// guarded by mu; the Manager is the only writer.
type State struct {
	id string

	mu        sync.Mutex
	username  string
	authToken string
	pages     map[string]*pageState
	lastSeen  time.Time
	// gen changes whenever the signed-in identity changes so that replies
	// and replays started under an older identity are discarded.
	gen uint64
}

type pageState struct {
	messages  []domain.Message
	nextSeq   int
	sessionID string
	inFlight  bool
	hydrated  bool
	// epoch counts resets; a reply started in an older epoch is not logged.
	epoch int
}

// NewState creates an anonymous state.
func NewState(id string) *State {
	return &State{
		id:       id,
		pages:    make(map[string]*pageState),
		lastSeen: time.Now(),
	}
}

// ID returns the browser-session ID the state belongs to.
func (s *State) ID() string {
	return s.id
}

// Username returns the signed-in user, or "".
func (s *State) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Touch records activity at now.
func (s *State) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}

// LastSeen returns the time of the last recorded activity.
func (s *State) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Busy reports whether any page is waiting on a backend reply.
func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.pages {
		if ps.inFlight {
			return true
		}
	}
	return false
}

// page returns the page state, creating it on first use. mu must be held.
func (s *State) page(id string) *pageState {
	ps, ok := s.pages[id]
	if !ok {
		ps = &pageState{nextSeq: 1}
		s.pages[id] = ps
	}
	return ps
}

func (ps *pageState) append(role domain.Role, content, page string) {
	ps.messages = append(ps.messages, domain.Message{
		Role:    role,
		Content: content,
		Page:    page,
		Seq:     ps.nextSeq,
	})
	ps.nextSeq++
}

// bind signs username in with token and drops every page so logs are
// replayed from history on next access. mu must be held.
func (s *State) bind(username, token string) {
	s.username = username
	s.authToken = token
	s.resetPages()
}

// clear signs the user out and drops every page. mu must be held.
func (s *State) clear() {
	s.username = ""
	s.authToken = ""
	s.resetPages()
}

func (s *State) resetPages() {
	s.pages = make(map[string]*pageState)
	s.gen++
}

// Snapshot is a read-only copy of one page's state.
type Snapshot struct {
	Page      string           `json:"page"`
	Messages  []domain.Message `json:"messages"`
	SessionID string           `json:"session_id,omitempty"`
	InFlight  bool             `json:"in_flight"`
}

func (s *State) snapshot(page string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.page(page)
	msgs := slices.Clone(ps.messages)
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return Snapshot{
		Page:      page,
		Messages:  msgs,
		SessionID: ps.sessionID,
		InFlight:  ps.inFlight,
	}
}

type stateKey struct{}

// WithState returns a copy of ctx carrying st.
func WithState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// StateFromContext returns the State stored by WithState, or nil.
func StateFromContext(ctx context.Context) *State {
	st, _ := ctx.Value(stateKey{}).(*State)
	return st
}
