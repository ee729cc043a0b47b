package polls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
)

// Store persists polls, their option tallies and response sets.
// Implementations must make RecordVote an atomic insert-if-absent on
// (poll id, student id) so that a student can never be counted twice.
type Store interface {
	// CreateReplacingActive closes every active poll of p.TeacherID at now and
	// inserts p, as one unit. It returns the polls it closed.
	CreateReplacingActive(ctx context.Context, p *models.Poll, now time.Time) ([]*models.Poll, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Poll, error)
	// GetActiveByTeacher returns nil, nil when the teacher has no active poll.
	GetActiveByTeacher(ctx context.Context, teacherID string) (*models.Poll, error)
	ListByTeacher(ctx context.Context, teacherID string, limit int) ([]*models.Poll, error)
	ListActive(ctx context.Context) ([]*models.Poll, error)
	RecordVote(ctx context.Context, pollID uuid.UUID, studentID, optionID string, at time.Time) (*models.Poll, error)
	// Close marks the poll inactive. changed is false when it was already closed.
	Close(ctx context.Context, id uuid.UUID, endedAt time.Time) (p *models.Poll, changed bool, err error)
}

// Repository handles poll persistence in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a polls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pollColumns = `id, teacher_id, question, duration_seconds, started_at, ended_at, is_active, created_at`

// CreateReplacingActive closes the teacher's active poll and inserts p in one transaction.
func (r *Repository) CreateReplacingActive(ctx context.Context, p *models.Poll, now time.Time) ([]*models.Poll, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Storage("begin create poll", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE polls SET is_active = FALSE, ended_at = $2 WHERE teacher_id = $1 AND is_active RETURNING id`,
		p.TeacherID, now)
	if err != nil {
		return nil, apperr.Storage("close active polls", err)
	}
	closedIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, apperr.Storage("close active polls", err)
	}

	const insertPoll = `INSERT INTO polls (id, teacher_id, question, duration_seconds, started_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`
	if _, err := tx.Exec(ctx, insertPoll, p.ID, p.TeacherID, p.Question, p.DurationSeconds, p.StartedAt, p.CreatedAt); err != nil {
		return nil, apperr.Storage("insert poll", err)
	}
	for i, o := range p.Options {
		if _, err := tx.Exec(ctx,
			`INSERT INTO poll_options (poll_id, id, position, text, votes) VALUES ($1, $2, $3, $4, 0)`,
			p.ID, o.ID, i, o.Text); err != nil {
			return nil, apperr.Storage("insert poll option", err)
		}
	}

	closed, err := loadPolls(ctx, tx, `WHERE id = ANY($1)`, closedIDs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Storage("commit create poll", err)
	}
	return closed, nil
}

// GetByID returns a poll by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	return getPoll(ctx, r.pool, id)
}

// GetActiveByTeacher returns the most recently started active poll for a teacher.
func (r *Repository) GetActiveByTeacher(ctx context.Context, teacherID string) (*models.Poll, error) {
	list, err := loadPolls(ctx, r.pool, `WHERE teacher_id = $1 AND is_active ORDER BY started_at DESC LIMIT 1`, teacherID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// ListByTeacher returns the teacher's most recent polls, newest first.
func (r *Repository) ListByTeacher(ctx context.Context, teacherID string, limit int) ([]*models.Poll, error) {
	return loadPolls(ctx, r.pool, `WHERE teacher_id = $1 ORDER BY created_at DESC LIMIT $2`, teacherID, limit)
}

// ListActive returns every active poll, used to re-arm timers after a restart.
func (r *Repository) ListActive(ctx context.Context) ([]*models.Poll, error) {
	return loadPolls(ctx, r.pool, `WHERE is_active ORDER BY started_at`)
}

// RecordVote inserts the response and bumps the matching tally in one transaction.
// An unknown option id is recorded without touching any tally.
func (r *Repository) RecordVote(ctx context.Context, pollID uuid.UUID, studentID, optionID string, at time.Time) (*models.Poll, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Storage("begin vote", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT TRUE FROM polls WHERE id = $1 FOR UPDATE`, pollID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("poll")
	}
	if err != nil {
		return nil, apperr.Storage("lock poll", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO poll_responses (poll_id, student_id, option_id, answered_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (poll_id, student_id) DO NOTHING`,
		pollID, studentID, optionID, at)
	if err != nil {
		return nil, apperr.Storage("insert response", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.ErrDuplicateVote
	}
	if _, err := tx.Exec(ctx,
		`UPDATE poll_options SET votes = votes + 1 WHERE poll_id = $1 AND id::text = $2`,
		pollID, optionID); err != nil {
		return nil, apperr.Storage("increment tally", err)
	}

	p, err := getPoll(ctx, tx, pollID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Storage("commit vote", err)
	}
	return p, nil
}

// Close sets is_active false and ended_at once; closing again returns the poll unchanged.
func (r *Repository) Close(ctx context.Context, id uuid.UUID, endedAt time.Time) (*models.Poll, bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE polls SET is_active = FALSE, ended_at = $2 WHERE id = $1 AND is_active`, id, endedAt)
	if err != nil {
		return nil, false, apperr.Storage("close poll", err)
	}
	p, err := getPoll(ctx, r.pool, id)
	if err != nil {
		return nil, false, err
	}
	return p, tag.RowsAffected() > 0, nil
}

func getPoll(ctx context.Context, q querier, id uuid.UUID) (*models.Poll, error) {
	list, err := loadPolls(ctx, q, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperr.NotFound("poll")
	}
	return list[0], nil
}

// loadPolls selects polls with the given clause and fills options and responses
// with one extra query each.
func loadPolls(ctx context.Context, q querier, clause string, args ...any) ([]*models.Poll, error) {
	rows, err := q.Query(ctx, `SELECT `+pollColumns+` FROM polls `+clause, args...)
	if err != nil {
		return nil, apperr.Storage("query polls", err)
	}
	defer rows.Close()

	var list []*models.Poll
	byID := make(map[uuid.UUID]*models.Poll)
	for rows.Next() {
		p := &models.Poll{Responses: make(map[string]string)}
		if err := rows.Scan(&p.ID, &p.TeacherID, &p.Question, &p.DurationSeconds, &p.StartedAt, &p.EndedAt, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, apperr.Storage("scan poll", err)
		}
		list = append(list, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("iterate polls", err)
	}
	if len(list) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	if err := loadOptions(ctx, q, ids, byID); err != nil {
		return nil, err
	}
	if err := loadResponses(ctx, q, ids, byID); err != nil {
		return nil, err
	}
	return list, nil
}

func loadOptions(ctx context.Context, q querier, ids []uuid.UUID, byID map[uuid.UUID]*models.Poll) error {
	rows, err := q.Query(ctx,
		`SELECT poll_id, id, text, votes FROM poll_options WHERE poll_id = ANY($1) ORDER BY poll_id, position`, ids)
	if err != nil {
		return apperr.Storage("query options", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pollID uuid.UUID
		var o models.Option
		if err := rows.Scan(&pollID, &o.ID, &o.Text, &o.Votes); err != nil {
			return apperr.Storage("scan option", err)
		}
		if p := byID[pollID]; p != nil {
			p.Options = append(p.Options, o)
		}
	}
	if err := rows.Err(); err != nil {
		return apperr.Storage("iterate options", err)
	}
	return nil
}

func loadResponses(ctx context.Context, q querier, ids []uuid.UUID, byID map[uuid.UUID]*models.Poll) error {
	rows, err := q.Query(ctx,
		`SELECT poll_id, student_id, option_id FROM poll_responses WHERE poll_id = ANY($1)`, ids)
	if err != nil {
		return apperr.Storage("query responses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pollID uuid.UUID
		var studentID, optionID string
		if err := rows.Scan(&pollID, &studentID, &optionID); err != nil {
			return apperr.Storage("scan response", err)
		}
		if p := byID[pollID]; p != nil {
			p.Responses[studentID] = optionID
		}
	}
	if err := rows.Err(); err != nil {
		return apperr.Storage(fmt.Sprintf("iterate responses (%d polls)", len(ids)), err)
	}
	return nil
}
