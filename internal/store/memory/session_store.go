package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/coopgate/internal/models"
	"github.com/wolfeidau/coopgate/internal/store"
)

// SessionStore implements store.SessionStore using in-memory storage.
// Sessions are bound to live connections so nothing survives a restart.
type SessionStore struct {
	mu sync.RWMutex

	sessions           map[uuid.UUID]*models.Session // session_id -> Session
	sessionsByUsername map[string][]uuid.UUID        // username -> []session_id
	order              []uuid.UUID                   // creation order
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:           make(map[uuid.UUID]*models.Session),
		sessionsByUsername: make(map[string][]uuid.UUID),
	}
}

// Create creates a new session in memory.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return store.ErrSessionAlreadyExists
	}

	// Clone to avoid external modifications
	clone := *session
	s.sessions[session.SessionID] = &clone
	s.order = append(s.order, session.SessionID)

	s.sessionsByUsername[session.Username] = append(
		s.sessionsByUsername[session.Username],
		session.SessionID,
	)

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	clone := *session
	return &clone, nil
}

// Update replaces the stored copy of a session.
func (s *SessionStore) Update(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[session.SessionID]
	if !exists {
		return store.ErrSessionNotFound
	}

	// Username is the index key and can't change under an existing session
	clone := *session
	clone.Username = existing.Username
	s.sessions[session.SessionID] = &clone

	return nil
}

// Delete deletes a session by ID and returns the removed session.
func (s *SessionStore) Delete(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	s.removeFromUsernameIndex(session.Username, sessionID)
	s.order = slices.DeleteFunc(s.order, func(id uuid.UUID) bool { return id == sessionID })
	delete(s.sessions, sessionID)

	session.State = models.ConnectionClosed
	return session, nil
}

// ListByUsername returns all sessions for a username, oldest first.
func (s *SessionStore) ListByUsername(ctx context.Context, username string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sessionsByUsername[username]
	result := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		clone := *s.sessions[id]
		result = append(result, &clone)
	}

	return result, nil
}

// List returns sessions matching the filter, oldest first.
func (s *SessionStore) List(ctx context.Context, opts store.ListSessionsOptions) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Session, 0, len(s.order))
	for _, id := range s.order {
		if id == opts.Exclude {
			continue
		}

		session := s.sessions[id]
		if opts.Role != "" && session.Role != opts.Role {
			continue
		}

		clone := *session
		result = append(result, &clone)
	}

	return result, nil
}

// removeFromUsernameIndex removes a session ID from the user's session list.
func (s *SessionStore) removeFromUsernameIndex(username string, sessionID uuid.UUID) {
	sessionIDs := s.sessionsByUsername[username]
	for i, id := range sessionIDs {
		if id == sessionID {
			s.sessionsByUsername[username] = append(sessionIDs[:i], sessionIDs[i+1:]...)
			break
		}
	}
	// Clean up empty entries
	if len(s.sessionsByUsername[username]) == 0 {
		delete(s.sessionsByUsername, username)
	}
}
