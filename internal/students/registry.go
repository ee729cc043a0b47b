package students

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
)

// DefaultName is used when a student joins without a display name.
const DefaultName = "Anonymous"

// Registry records which participants joined which poll.
type Registry struct {
	store     Store
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry creates a student registry. Removed records older than retention
// are eligible for CleanupOldRemoved.
func NewRegistry(store Store, retention time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, retention: retention, logger: logger, now: time.Now}
}

// Register returns the student for (sessionID, pollID), creating it on first join.
func (r *Registry) Register(ctx context.Context, sessionID, name string, pollID uuid.UUID) (*models.Student, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, apperr.Validation("session id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	st, created, err := r.store.GetOrCreate(ctx, &models.Student{
		ID:        uuid.New(),
		SessionID: sessionID,
		Name:      name,
		PollID:    pollID,
		JoinedAt:  r.now(),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		r.logger.Info("student registered", zap.String("session_id", sessionID), zap.String("poll_id", pollID.String()))
	}
	return st, created, nil
}

// Get returns a single registration.
func (r *Registry) Get(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error) {
	return r.store.Get(ctx, sessionID, pollID)
}

// ListByPoll returns the non-removed students of a poll.
func (r *Registry) ListByPoll(ctx context.Context, pollID uuid.UUID) ([]*models.Student, error) {
	return r.store.ListActiveByPoll(ctx, pollID)
}

// MarkAnswered records the student's choice; unknown students are a no-op (nil, nil).
func (r *Registry) MarkAnswered(ctx context.Context, sessionID string, pollID uuid.UUID, option string) (*models.Student, error) {
	return r.store.MarkAnswered(ctx, sessionID, pollID, option, r.now())
}

// Remove soft-deletes a student. A vote already tallied stays counted.
func (r *Registry) Remove(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error) {
	st, err := r.store.MarkRemoved(ctx, sessionID, pollID, r.now())
	if err != nil {
		return nil, err
	}
	r.logger.Info("student removed", zap.String("session_id", sessionID), zap.String("poll_id", pollID.String()))
	return st, nil
}

// CleanupOldRemoved purges removed students of pollID past the retention window.
func (r *Registry) CleanupOldRemoved(ctx context.Context, pollID uuid.UUID) (int, error) {
	n, err := r.store.DeleteRemovedBefore(ctx, pollID, r.now().Add(-r.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("removed students purged", zap.String("poll_id", pollID.String()), zap.Int("count", n))
	}
	return n, nil
}
