package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/queue"
)

// dequeueWait bounds each blocking pop so delayed jobs get promoted regularly.
const dequeueWait = 5 * time.Second

// PollSource loads polls. polls.Store implements it.
type PollSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Poll, error)
}

// StudentSource lists and purges poll participants. *students.Registry implements it.
type StudentSource interface {
	ListByPoll(ctx context.Context, pollID uuid.UUID) ([]*models.Student, error)
	CleanupOldRemoved(ctx context.Context, pollID uuid.UUID) (int, error)
}

// ArchiveStore persists archive documents. *storage.S3 implements it.
type ArchiveStore interface {
	PutArchive(ctx context.Context, teacherID, pollID string, body io.Reader) (string, error)
}

// JobSource is the queue the worker drains. *queue.Queue implements it.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
	PromoteDue(ctx context.Context) (int, error)
}

// Archive is the document stored for a closed poll.
type Archive struct {
	Poll       models.PollSnapshot `json:"poll"`
	Students   []*models.Student   `json:"students"`
	ArchivedAt time.Time           `json:"archived_at"`
}

// Processor runs poll archive and student cleanup jobs.
type Processor struct {
	polls    PollSource
	students StudentSource
	archive  ArchiveStore // nil disables archiving
	queue    JobSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewProcessor creates a job processor. archive may be nil.
func NewProcessor(polls PollSource, students StudentSource, archive ArchiveStore, q JobSource, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{polls: polls, students: students, archive: archive, queue: q, logger: logger, now: time.Now}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	pollID, err := job.PollID()
	if err != nil {
		return err
	}
	switch job.Type {
	case queue.JobTypePollArchive:
		return p.archivePoll(ctx, pollID)
	case queue.JobTypeStudentCleanup:
		n, err := p.students.CleanupOldRemoved(ctx, pollID)
		if err != nil {
			return fmt.Errorf("cleanup students: %w", err)
		}
		p.logger.Info("student cleanup completed", zap.String("poll_id", pollID.String()), zap.Int("purged", n))
		return nil
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) archivePoll(ctx context.Context, pollID uuid.UUID) error {
	if p.archive == nil {
		p.logger.Debug("archiving disabled, skipping", zap.String("poll_id", pollID.String()))
		return nil
	}
	poll, err := p.polls.GetByID(ctx, pollID)
	if errors.Is(err, apperr.ErrNotFound) {
		p.logger.Warn("archive of unknown poll dropped", zap.String("poll_id", pollID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load poll: %w", err)
	}
	if poll.IsActive {
		// Only closed polls are archived.
		p.logger.Warn("archive of active poll skipped", zap.String("poll_id", pollID.String()))
		return nil
	}
	list, err := p.students.ListByPoll(ctx, pollID)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}

	now := p.now()
	body, err := json.Marshal(Archive{Poll: poll.Snapshot(now), Students: list, ArchivedAt: now})
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	key, err := p.archive.PutArchive(ctx, poll.TeacherID, pollID.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	p.logger.Info("poll archived", zap.String("poll_id", pollID.String()), zap.String("key", key))
	return nil
}

// Run starts the worker loop: promote due jobs, dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poll worker stopping")
			return
		default:
		}

		if n, err := p.queue.PromoteDue(ctx); err != nil {
			p.logger.Warn("promote delayed jobs", zap.Error(err))
		} else if n > 0 {
			p.logger.Debug("delayed jobs promoted", zap.Int("count", n))
		}

		job, err := p.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, queue.RetryBackoff)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
