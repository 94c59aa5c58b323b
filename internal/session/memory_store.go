package session

import (
	"context"
	"sync"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// MemoryStore is the default in-process SessionStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]audit.AuditSession
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]audit.AuditSession)}
}

// Put stores a session, overwriting any previous value.
func (s *MemoryStore) Put(_ context.Context, sess audit.AuditSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// Get fetches a session by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (audit.AuditSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

// Delete removes a session; absent IDs are a no-op.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// List returns a snapshot of all sessions.
func (s *MemoryStore) List(_ context.Context) ([]audit.AuditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.AuditSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}
