package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// SessionStore enforces the one-open-session rule the way the SQLite
// partial unique index does.
type SessionStore struct {
	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]types.EmployeeSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[int64]types.EmployeeSession)}
}

func (s *SessionStore) OpenSession(_ context.Context, employeeID int64) (types.EmployeeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.EmployeeID == employeeID && sess.State.Open() {
			return sess, nil
		}
	}
	return types.EmployeeSession{}, store.ErrNotFound
}

func (s *SessionStore) CreateSession(_ context.Context, sess types.EmployeeSession) (types.EmployeeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.State.Open() {
		for _, other := range s.sessions {
			if other.EmployeeID == sess.EmployeeID && other.State.Open() {
				return types.EmployeeSession{}, store.ErrOpenSessionExists
			}
		}
	}
	s.nextID++
	sess.ID = s.nextID
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *SessionStore) UpdateSession(_ context.Context, sess types.EmployeeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	if sess.State.Open() {
		for id, other := range s.sessions {
			if id != sess.ID && other.EmployeeID == sess.EmployeeID && other.State.Open() {
				return store.ErrOpenSessionExists
			}
		}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *SessionStore) SessionsByState(_ context.Context, state types.SessionState) ([]types.EmployeeSession, error) {
	return s.filter(func(sess types.EmployeeSession) bool { return sess.State == state }), nil
}

func (s *SessionStore) SessionsByEmployee(_ context.Context, employeeID int64) ([]types.EmployeeSession, error) {
	return s.filter(func(sess types.EmployeeSession) bool { return sess.EmployeeID == employeeID }), nil
}

func (s *SessionStore) PruneCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, sess := range s.sessions {
		if sess.State == types.SessionCompleted && sess.CompletedAt != nil && sess.CompletedAt.Before(cutoff) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *SessionStore) filter(keep func(types.EmployeeSession) bool) []types.EmployeeSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.EmployeeSession
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
