package students

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
)

// Store persists participant records keyed by (session id, poll id).
type Store interface {
	// GetOrCreate inserts s unless a record for (s.SessionID, s.PollID) exists,
	// in which case the existing record is returned with created=false.
	GetOrCreate(ctx context.Context, s *models.Student) (st *models.Student, created bool, err error)
	Get(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error)
	ListActiveByPoll(ctx context.Context, pollID uuid.UUID) ([]*models.Student, error)
	// MarkAnswered returns nil, nil when no record matches.
	MarkAnswered(ctx context.Context, sessionID string, pollID uuid.UUID, option string, at time.Time) (*models.Student, error)
	MarkRemoved(ctx context.Context, sessionID string, pollID uuid.UUID, at time.Time) (*models.Student, error)
	DeleteRemovedBefore(ctx context.Context, pollID uuid.UUID, cutoff time.Time) (int, error)
}

// Repository handles student persistence in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a students repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const studentColumns = `id, session_id, name, poll_id, has_answered, selected_option, answered_at, joined_at, is_removed, removed_at`

func scanStudent(row pgx.Row) (*models.Student, error) {
	var s models.Student
	var selected *string
	if err := row.Scan(&s.ID, &s.SessionID, &s.Name, &s.PollID, &s.HasAnswered, &selected,
		&s.AnsweredAt, &s.JoinedAt, &s.IsRemoved, &s.RemovedAt); err != nil {
		return nil, err
	}
	if selected != nil {
		s.SelectedOption = *selected
	}
	return &s, nil
}

// GetOrCreate registers a student once per (session, poll).
func (r *Repository) GetOrCreate(ctx context.Context, s *models.Student) (*models.Student, bool, error) {
	const insert = `INSERT INTO students (id, session_id, name, poll_id, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, poll_id) DO NOTHING
		RETURNING ` + studentColumns
	st, err := scanStudent(r.pool.QueryRow(ctx, insert, s.ID, s.SessionID, s.Name, s.PollID, s.JoinedAt))
	if err == nil {
		return st, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperr.Storage("insert student", err)
	}
	st, err = r.Get(ctx, s.SessionID, s.PollID)
	if err != nil {
		return nil, false, err
	}
	return st, false, nil
}

// Get returns the student registered with sessionID in pollID.
func (r *Repository) Get(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error) {
	st, err := scanStudent(r.pool.QueryRow(ctx,
		`SELECT `+studentColumns+` FROM students WHERE session_id = $1 AND poll_id = $2`, sessionID, pollID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("student")
	}
	if err != nil {
		return nil, apperr.Storage("get student", err)
	}
	return st, nil
}

// ListActiveByPoll returns the non-removed students of a poll in join order.
func (r *Repository) ListActiveByPoll(ctx context.Context, pollID uuid.UUID) ([]*models.Student, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+studentColumns+` FROM students WHERE poll_id = $1 AND NOT is_removed ORDER BY joined_at`, pollID)
	if err != nil {
		return nil, apperr.Storage("list students", err)
	}
	defer rows.Close()
	var list []*models.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, apperr.Storage("scan student", err)
		}
		list = append(list, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate students", err)
	}
	return list, nil
}

// MarkAnswered mirrors a recorded vote onto the student record.
func (r *Repository) MarkAnswered(ctx context.Context, sessionID string, pollID uuid.UUID, option string, at time.Time) (*models.Student, error) {
	st, err := scanStudent(r.pool.QueryRow(ctx,
		`UPDATE students SET has_answered = TRUE, selected_option = $3, answered_at = $4
		WHERE session_id = $1 AND poll_id = $2 RETURNING `+studentColumns,
		sessionID, pollID, option, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("mark answered", err)
	}
	return st, nil
}

// MarkRemoved soft-deletes the student; removed_at is stamped only the first time.
func (r *Repository) MarkRemoved(ctx context.Context, sessionID string, pollID uuid.UUID, at time.Time) (*models.Student, error) {
	st, err := scanStudent(r.pool.QueryRow(ctx,
		`UPDATE students SET is_removed = TRUE, removed_at = COALESCE(removed_at, $3)
		WHERE session_id = $1 AND poll_id = $2 RETURNING `+studentColumns,
		sessionID, pollID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("student")
	}
	if err != nil {
		return nil, apperr.Storage("remove student", err)
	}
	return st, nil
}

// DeleteRemovedBefore purges removed students of a poll older than cutoff.
func (r *Repository) DeleteRemovedBefore(ctx context.Context, pollID uuid.UUID, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM students WHERE poll_id = $1 AND is_removed
		AND COALESCE(removed_at, answered_at, joined_at) < $2`, pollID, cutoff)
	if err != nil {
		return 0, apperr.Storage("cleanup students", err)
	}
	return int(tag.RowsAffected()), nil
}
