package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/auralis-ai/auralis/internal/clock"
)

// MemStore is an in-memory [Store]. Sessions live for the process lifetime
// or until removed on disconnect.
type MemStore struct {
	clk clock.Clock

	mu       sync.RWMutex
	sessions map[string]*UserSession
	byUser   map[string]string // user id -> session id
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty store. A nil clock defaults to the system
// clock.
func NewMemStore(clk clock.Clock) *MemStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemStore{
		clk:      clk,
		sessions: make(map[string]*UserSession),
		byUser:   make(map[string]string),
	}
}

// Get implements [Store].
func (m *MemStore) Get(sessionID string) (*UserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetByUser implements [Store].
func (m *MemStore) GetByUser(userID string) (*UserSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id], nil
}

// Create implements [Store]. A user opening a second session replaces the
// mapping from user id to session; the old session stays reachable by its
// session id until removed.
func (m *MemStore) Create(userID string) (*UserSession, error) {
	s := NewUserSession(uuid.NewString(), userID, m.clk.Now())

	m.mu.Lock()
	m.sessions[s.SessionID] = s
	m.byUser[userID] = s.SessionID
	m.mu.Unlock()

	return s, nil
}

// List implements [Store].
func (m *MemStore) List() []*UserSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*UserSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Remove implements [Store].
func (m *MemStore) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if m.byUser[s.UserID] == sessionID {
		delete(m.byUser, s.UserID)
	}
}
