package polls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
)

// MemoryStore is a process-local Store used with STORE_DRIVER=memory and in tests.
// A single mutex serializes every operation, which makes RecordVote's
// check-and-insert atomic.
type MemoryStore struct {
	mu    sync.Mutex
	polls map[uuid.UUID]*models.Poll
	order []uuid.UUID // insertion order, oldest first
}

// NewMemoryStore creates an empty in-memory poll store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{polls: make(map[uuid.UUID]*models.Poll)}
}

// CreateReplacingActive closes the teacher's active polls and stores p.
func (m *MemoryStore) CreateReplacingActive(_ context.Context, p *models.Poll, now time.Time) ([]*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []*models.Poll
	for _, id := range m.order {
		existing := m.polls[id]
		if existing.TeacherID == p.TeacherID && existing.IsActive {
			existing.IsActive = false
			end := now
			existing.EndedAt = &end
			closed = append(closed, existing.Clone())
		}
	}
	stored := p.Clone()
	m.polls[stored.ID] = stored
	m.order = append(m.order, stored.ID)
	return closed, nil
}

// GetByID returns a copy of the poll.
func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, apperr.NotFound("poll")
	}
	return p.Clone(), nil
}

// GetActiveByTeacher returns the most recently started active poll, or nil.
func (m *MemoryStore) GetActiveByTeacher(_ context.Context, teacherID string) (*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Poll
	for _, id := range m.order {
		p := m.polls[id]
		if p.TeacherID != teacherID || !p.IsActive {
			continue
		}
		if best == nil || !p.StartedAt.Before(best.StartedAt) {
			best = p
		}
	}
	return best.Clone(), nil
}

// ListByTeacher returns up to limit polls, newest first.
func (m *MemoryStore) ListByTeacher(_ context.Context, teacherID string, limit int) ([]*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Poll
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.polls[m.order[i]]
		if p.TeacherID == teacherID {
			list = append(list, p.Clone())
		}
	}
	// Stable on insertion order so equal timestamps keep newest-inserted first.
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ListActive returns every active poll.
func (m *MemoryStore) ListActive(_ context.Context) ([]*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Poll
	for _, id := range m.order {
		if p := m.polls[id]; p.IsActive {
			list = append(list, p.Clone())
		}
	}
	return list, nil
}

// RecordVote inserts studentID into the response set if absent and bumps the tally.
func (m *MemoryStore) RecordVote(_ context.Context, pollID uuid.UUID, studentID, optionID string, _ time.Time) (*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[pollID]
	if !ok {
		return nil, apperr.NotFound("poll")
	}
	if p.HasResponded(studentID) {
		return nil, apperr.ErrDuplicateVote
	}
	p.Responses[studentID] = optionID
	if i := p.OptionIndex(optionID); i >= 0 {
		p.Options[i].Votes++
	}
	return p.Clone(), nil
}

// Close marks the poll inactive once.
func (m *MemoryStore) Close(_ context.Context, id uuid.UUID, endedAt time.Time) (*models.Poll, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, false, apperr.NotFound("poll")
	}
	if !p.IsActive {
		return p.Clone(), false, nil
	}
	p.IsActive = false
	end := endedAt
	p.EndedAt = &end
	return p.Clone(), true, nil
}
