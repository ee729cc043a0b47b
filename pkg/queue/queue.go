package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueuePolls is the Redis list key for jobs ready to run.
	QueuePolls = "worker:polls"
	// QueueDelayed is the Redis sorted set of jobs scored by their due time (unix seconds).
	QueueDelayed = "worker:polls:delayed"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypePollArchive    JobType = "poll_archive"
	JobTypeStudentCleanup JobType = "student_cleanup"
)

// PollPayload is the payload of every poll job.
type PollPayload struct {
	PollID uuid.UUID `json:"poll_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// PollID decodes the job's poll payload.
func (j *Job) PollID() (uuid.UUID, error) {
	var p PollPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.PollID == uuid.Nil {
		return uuid.Nil, errors.New("payload has no poll_id")
	}
	return p.PollID, nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client       *redis.Client
	cleanupDelay time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewQueue creates a Redis-backed job queue. Student cleanup jobs become due
// cleanupDelay after their poll closes.
func NewQueue(client *redis.Client, cleanupDelay time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, cleanupDelay: cleanupDelay, logger: logger, now: time.Now}
}

func newJob(t JobType, pollID uuid.UUID, at time.Time) ([]byte, *Job, error) {
	body, err := json.Marshal(PollPayload{PollID: pollID})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: at,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job: %w", err)
	}
	return raw, job, nil
}

// EnqueuePollClosed queues the archive of a closed poll and schedules the
// cleanup of its removed students.
func (q *Queue) EnqueuePollClosed(ctx context.Context, pollID uuid.UUID) error {
	archive, job, err := newJob(JobTypePollArchive, pollID, q.now())
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueuePolls, archive).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued poll archive job", zap.String("job_id", job.ID), zap.String("poll_id", pollID.String()))
	return q.ScheduleStudentCleanup(ctx, pollID)
}

// ScheduleStudentCleanup schedules a cleanup of pollID's removed students
// once the retention period has passed from now.
func (q *Queue) ScheduleStudentCleanup(ctx context.Context, pollID uuid.UUID) error {
	now := q.now()
	cleanup, job, err := newJob(JobTypeStudentCleanup, pollID, now)
	if err != nil {
		return err
	}
	due := now.Add(q.cleanupDelay)
	if err := q.client.ZAdd(ctx, QueueDelayed, redis.Z{Score: float64(due.Unix()), Member: cleanup}).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	q.logger.Debug("scheduled student cleanup job", zap.String("job_id", job.ID),
		zap.String("poll_id", pollID.String()), zap.Time("due", due))
	return nil
}

// PromoteDue moves delayed jobs whose due time has passed onto the ready list.
// ZRem decides ownership, so concurrent workers never promote a job twice.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, QueueDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}
	moved := 0
	for _, raw := range due {
		n, err := q.client.ZRem(ctx, QueueDelayed, raw).Result()
		if err != nil {
			return moved, fmt.Errorf("zrem: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := q.client.RPush(ctx, QueuePolls, raw).Err(); err != nil {
			return moved, fmt.Errorf("rpush: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Dequeue waits up to timeout for a job. It returns nil, nil when none arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueuePolls).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueuePolls, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
