package authstore

import (
	"log/slog"
	"sync"
)

// User is the authenticated user's profile as issued by the backend.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           Role   `json:"role"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// State is a snapshot of the session.
//
// Authenticated implies AccessToken and User are present after any settled
// transition; it may be transiently true while a refresh is in flight.
type State struct {
	// AccessToken is the opaque bearer credential, empty if absent.
	AccessToken string

	// User is the profile record, nil if absent.
	User *User

	// Authenticated is the cached derived flag.
	Authenticated bool

	// Loading is true until the first login or session restoration settles.
	// Route evaluation is pending while Loading is true.
	Loading bool

	// Refreshing is true while a token refresh is in flight.
	Refreshing bool
}

// Store is the process-wide holder of session state.
// It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	state State

	// Registered observers by subscription ID.
	listeners map[int]func(State)
	nextID    int

	logger *slog.Logger
}

// Partial is a partial session update. Nil fields are left unchanged by
// SetAuth, not defaulted or cleared.
type Partial struct {
	AccessToken   *string
	User          *User
	Authenticated *bool
	Loading       *bool
	Refreshing    *bool
}

// New creates an empty store. The session starts in the Loading state until
// login or restoration settles it.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state:     State{Loading: true},
		listeners: make(map[int]func(State)),
		logger:    logger.With("component", "auth_store"),
	}
}

// State returns a snapshot of the current session.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetAuth merges the provided fields into the session and notifies
// observers. Fields left nil in the partial are unchanged.
func (s *Store) SetAuth(p Partial) {
	s.mu.Lock()

	if p.AccessToken != nil {
		s.state.AccessToken = *p.AccessToken
	}
	if p.User != nil {
		s.state.User = p.User
	}
	if p.Authenticated != nil {
		s.state.Authenticated = *p.Authenticated
	}
	if p.Loading != nil {
		s.state.Loading = *p.Loading
	}
	if p.Refreshing != nil {
		s.state.Refreshing = *p.Refreshing
	}

	state := s.state
	observers := s.collectListenersLocked()
	s.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

// Login populates the session after a successful backend login. A nil user
// still establishes the session; role and permission checks fail until a
// profile arrives.
func (s *Store) Login(token string, user *User) {
	authed := true
	loading := false
	s.SetAuth(Partial{
		AccessToken:   &token,
		User:          user,
		Authenticated: &authed,
		Loading:       &loading,
	})
	if user == nil {
		s.logger.Debug("session established")
		return
	}
	s.logger.Debug("session established", "user_id", user.ID, "role", user.Role)
}

// ClearAuth resets the session to the empty settled state and notifies
// observers. Idempotent: clearing an already-cleared store produces an
// identical state.
func (s *Store) ClearAuth() {
	s.mu.Lock()

	s.state = State{}
	state := s.state
	observers := s.collectListenersLocked()
	s.mu.Unlock()

	s.logger.Debug("session cleared")

	for _, fn := range observers {
		fn(state)
	}
}

// Subscribe registers an observer called after each committed mutation.
// The returned function removes the observer; it must be called on teardown
// to avoid leaks and is safe to call more than once.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Reset tears the store down to its initial state and drops all observers.
// Intended for tests and process shutdown.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Loading: true}
	s.listeners = make(map[int]func(State))
}

// collectListenersLocked snapshots observers in registration order so
// notifications run outside the lock.
func (s *Store) collectListenersLocked() []func(State) {
	if len(s.listeners) == 0 {
		return nil
	}
	out := make([]func(State), 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// HasRole reports whether the current user has the given role.
// Returns false when no user is present.
func (s *Store) HasRole(role Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.User == nil {
		return false
	}
	return s.state.User.Role == role
}

// HasPermission reports whether the current user's role grants the
// permission. Admin-equivalent roles carry the wildcard permission.
// Returns false when no user is present.
func (s *Store) HasPermission(permission Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.User == nil {
		return false
	}
	return RoleHasPermission(s.state.User.Role, permission)
}
