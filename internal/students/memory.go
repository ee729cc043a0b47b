package students

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
)

type studentKey struct {
	sessionID string
	pollID    uuid.UUID
}

// MemoryStore is a process-local Store used with STORE_DRIVER=memory and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	students map[studentKey]*models.Student
	order    []studentKey
}

// NewMemoryStore creates an empty in-memory student store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{students: make(map[studentKey]*models.Student)}
}

// GetOrCreate registers a student once per (session, poll).
func (m *MemoryStore) GetOrCreate(_ context.Context, s *models.Student) (*models.Student, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := studentKey{s.SessionID, s.PollID}
	if existing, ok := m.students[key]; ok {
		return existing.Clone(), false, nil
	}
	stored := s.Clone()
	m.students[key] = stored
	m.order = append(m.order, key)
	return stored.Clone(), true, nil
}

// Get returns the student registered with sessionID in pollID.
func (m *MemoryStore) Get(_ context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[studentKey{sessionID, pollID}]
	if !ok {
		return nil, apperr.NotFound("student")
	}
	return st.Clone(), nil
}

// ListActiveByPoll returns the non-removed students of a poll in join order.
func (m *MemoryStore) ListActiveByPoll(_ context.Context, pollID uuid.UUID) ([]*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Student
	for _, key := range m.order {
		st := m.students[key]
		if key.pollID == pollID && !st.IsRemoved {
			list = append(list, st.Clone())
		}
	}
	return list, nil
}

// MarkAnswered mirrors a recorded vote onto the student record.
func (m *MemoryStore) MarkAnswered(_ context.Context, sessionID string, pollID uuid.UUID, option string, at time.Time) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[studentKey{sessionID, pollID}]
	if !ok {
		return nil, nil
	}
	st.HasAnswered = true
	st.SelectedOption = option
	answered := at
	st.AnsweredAt = &answered
	return st.Clone(), nil
}

// MarkRemoved soft-deletes the student.
func (m *MemoryStore) MarkRemoved(_ context.Context, sessionID string, pollID uuid.UUID, at time.Time) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[studentKey{sessionID, pollID}]
	if !ok {
		return nil, apperr.NotFound("student")
	}
	st.IsRemoved = true
	if st.RemovedAt == nil {
		removed := at
		st.RemovedAt = &removed
	}
	return st.Clone(), nil
}

// DeleteRemovedBefore purges removed students of a poll older than cutoff.
func (m *MemoryStore) DeleteRemovedBefore(_ context.Context, pollID uuid.UUID, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	n := 0
	for _, key := range m.order {
		st := m.students[key]
		if key.pollID == pollID && st.IsRemoved && st.RemovalAge().Before(cutoff) {
			delete(m.students, key)
			n++
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
	return n, nil
}
