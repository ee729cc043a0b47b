package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/config"
	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/realtime"
)

// expireTimeout bounds the storage work done by an auto-expiry callback.
const expireTimeout = 10 * time.Second

// RemovalMessage is shown to a student removed by the teacher.
const RemovalMessage = "You have been removed from this poll"

// Broadcaster fans events out to channel members. *realtime.Hub implements it.
type Broadcaster interface {
	Publish(channel, event string, payload interface{})
}

// StudentRegistry is the participant registry the lifecycle depends on. *students.Registry implements it.
type StudentRegistry interface {
	Register(ctx context.Context, sessionID, name string, pollID uuid.UUID) (*models.Student, bool, error)
	Get(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error)
	ListByPoll(ctx context.Context, pollID uuid.UUID) ([]*models.Student, error)
	MarkAnswered(ctx context.Context, sessionID string, pollID uuid.UUID, option string) (*models.Student, error)
	Remove(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error)
}

// JobQueue receives follow-up work for closed polls and removed students. *queue.Queue implements it.
type JobQueue interface {
	EnqueuePollClosed(ctx context.Context, pollID uuid.UUID) error
	ScheduleStudentCleanup(ctx context.Context, pollID uuid.UUID) error
}

// Service enforces poll creation, voting and closure rules and owns the
// auto-expiry timer of every active poll.
type Service struct {
	store    Store
	students StudentRegistry
	bus      Broadcaster
	jobs     JobQueue
	limits   config.PollConfig
	timers   *TimerRegistry
	teachers keyedMutex
	voters   keyedMutex // per (poll, session): vote and removal
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the poll lifecycle service.
func NewService(store Store, students StudentRegistry, bus Broadcaster, limits config.PollConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		students: students,
		bus:      bus,
		limits:   limits,
		timers:   NewTimerRegistry(),
		teachers: keyedMutex{locks: make(map[string]*refLock)},
		voters:   keyedMutex{locks: make(map[string]*refLock)},
		logger:   logger,
		now:      time.Now,
	}
}

// SetJobQueue enables archive and cleanup jobs for closed polls.
func (s *Service) SetJobQueue(q JobQueue) {
	s.jobs = q
}

// CreatePoll closes the teacher's active poll, if any, and starts a new one.
func (s *Service) CreatePoll(ctx context.Context, teacherID, question string, options []string, durationSec int) (*models.Poll, error) {
	teacherID = strings.TrimSpace(teacherID)
	question = strings.TrimSpace(question)
	if teacherID == "" {
		return nil, apperr.Validation("teacher id is required")
	}
	if question == "" {
		return nil, apperr.Validation("question is required")
	}
	if len(options) < 2 {
		return nil, apperr.Validation("at least 2 options are required")
	}
	if durationSec == 0 {
		durationSec = s.limits.DefaultDurationSec
	}
	if durationSec < 0 || durationSec > s.limits.MaxDurationSec {
		return nil, apperr.Validation(fmt.Sprintf("duration must be between 1 and %d seconds", s.limits.MaxDurationSec))
	}

	now := s.now()
	p := &models.Poll{
		ID:              uuid.New(),
		TeacherID:       teacherID,
		Question:        question,
		Options:         make([]models.Option, 0, len(options)),
		DurationSeconds: durationSec,
		StartedAt:       now,
		IsActive:        true,
		Responses:       make(map[string]string),
		CreatedAt:       now,
	}
	for i, text := range options {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, apperr.Validation(fmt.Sprintf("option %d is empty", i+1))
		}
		p.Options = append(p.Options, models.Option{ID: uuid.New(), Text: text})
	}

	unlock := s.teachers.Lock(teacherID)
	defer unlock()

	closed, err := s.store.CreateReplacingActive(ctx, p, now)
	if err != nil {
		return nil, err
	}
	for _, old := range closed {
		s.timers.Cancel(old.ID)
		s.announceClosed(ctx, old, models.CloseManual)
	}

	s.armTimer(p.ID, time.Duration(durationSec)*time.Second)
	s.bus.Publish(realtime.TeacherChannel(teacherID), EventPollCreated, PollCreatedPayload{
		Poll:      p.Snapshot(now),
		StartTime: now.UnixMilli(),
	})
	s.logger.Info("poll created",
		zap.String("poll_id", p.ID.String()),
		zap.String("teacher_id", teacherID),
		zap.Int("options", len(p.Options)),
		zap.Int("duration_sec", durationSec))
	return p, nil
}

// SubmitVote records studentID's single choice in pollID. The poll's active
// flag is not checked; a vote for an unknown option is recorded without a tally.
func (s *Service) SubmitVote(ctx context.Context, pollID uuid.UUID, studentID, optionID string) (*models.Poll, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, apperr.Validation("student id is required")
	}

	p, err := s.recordVote(ctx, pollID, studentID, optionID)
	if err != nil {
		return nil, err
	}
	if p.OptionIndex(optionID) < 0 {
		s.logger.Warn("vote for unknown option recorded without tally",
			zap.String("poll_id", pollID.String()), zap.String("option_id", optionID))
	}
	if _, err := s.students.MarkAnswered(ctx, studentID, pollID, optionID); err != nil {
		s.logger.Warn("mark student answered", zap.String("session_id", studentID), zap.Error(err))
	}

	now := s.now()
	channel := realtime.TeacherChannel(p.TeacherID)
	s.bus.Publish(channel, EventPollUpdated, PollUpdatedPayload{Poll: p.Snapshot(now), UpdatedAt: now.UnixMilli()})
	s.logger.Debug("vote recorded", zap.String("poll_id", pollID.String()), zap.String("session_id", studentID))

	all, err := s.allAnswered(ctx, p)
	if err != nil {
		s.logger.Warn("check all answered", zap.String("poll_id", pollID.String()), zap.Error(err))
	} else if all {
		s.bus.Publish(channel, EventAllAnswered, AllAnsweredPayload{PollID: pollID})
	}
	return p, nil
}

// recordVote checks the voter was not removed and inserts the response while
// holding the voter's lock, so a concurrent RemoveStudent lands before or after.
func (s *Service) recordVote(ctx context.Context, pollID uuid.UUID, studentID, optionID string) (*models.Poll, error) {
	unlock := s.voters.Lock(voterKey(pollID, studentID))
	defer unlock()

	st, err := s.students.Get(ctx, studentID, pollID)
	switch {
	case err == nil && st.IsRemoved:
		return nil, apperr.Forbidden("student was removed from this poll")
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	return s.store.RecordVote(ctx, pollID, studentID, optionID, s.now())
}

func voterKey(pollID uuid.UUID, sessionID string) string {
	return pollID.String() + "/" + sessionID
}

// EndPoll closes a poll manually. Closing an already-closed poll returns it unchanged.
func (s *Service) EndPoll(ctx context.Context, pollID uuid.UUID) (*models.Poll, error) {
	return s.closePoll(ctx, pollID, models.CloseManual)
}

// GetActivePoll returns the teacher's active poll, or nil.
func (s *Service) GetActivePoll(ctx context.Context, teacherID string) (*models.Poll, error) {
	return s.store.GetActiveByTeacher(ctx, teacherID)
}

// GetPoll returns a poll by id.
func (s *Service) GetPoll(ctx context.Context, pollID uuid.UUID) (*models.Poll, error) {
	return s.store.GetByID(ctx, pollID)
}

// GetPollHistory returns the teacher's latest polls, newest first. limit is
// clamped to the configured default and maximum.
func (s *Service) GetPollHistory(ctx context.Context, teacherID string, limit int) ([]*models.Poll, error) {
	if limit <= 0 {
		limit = s.limits.HistoryDefaultLimit
	}
	if limit > s.limits.HistoryMaxLimit {
		limit = s.limits.HistoryMaxLimit
	}
	return s.store.ListByTeacher(ctx, teacherID, limit)
}

// CheckAllAnswered reports whether every non-removed student of the poll has voted.
// It is false when no students are registered.
func (s *Service) CheckAllAnswered(ctx context.Context, pollID uuid.UUID) (bool, error) {
	p, err := s.store.GetByID(ctx, pollID)
	if err != nil {
		return false, err
	}
	return s.allAnswered(ctx, p)
}

// AuthorizeTeacher returns the poll if teacherID owns it.
func (s *Service) AuthorizeTeacher(ctx context.Context, teacherID string, pollID uuid.UUID) (*models.Poll, error) {
	p, err := s.store.GetByID(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if p.TeacherID != teacherID {
		return nil, apperr.Forbidden("poll belongs to another teacher")
	}
	return p, nil
}

// JoinPoll registers a student against an existing poll and announces the
// participant count. A removed student cannot rejoin the same poll.
func (s *Service) JoinPoll(ctx context.Context, sessionID, name string, pollID uuid.UUID) (*models.Student, *models.Poll, error) {
	p, err := s.store.GetByID(ctx, pollID)
	if err != nil {
		return nil, nil, err
	}
	st, _, err := s.students.Register(ctx, sessionID, name, pollID)
	if err != nil {
		return nil, nil, err
	}
	if st.IsRemoved {
		return nil, nil, apperr.Forbidden("student was removed from this poll")
	}
	s.publishCount(ctx, p)
	return st, p, nil
}

// ListStudents returns the non-removed students of a poll.
func (s *Service) ListStudents(ctx context.Context, pollID uuid.UUID) ([]*models.Student, error) {
	if _, err := s.store.GetByID(ctx, pollID); err != nil {
		return nil, err
	}
	return s.students.ListByPoll(ctx, pollID)
}

// RemoveStudent soft-deletes a student, tells the channel and notifies the student privately.
// Their recorded vote stays counted.
func (s *Service) RemoveStudent(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error) {
	p, err := s.store.GetByID(ctx, pollID)
	if err != nil {
		return nil, err
	}
	unlock := s.voters.Lock(voterKey(pollID, strings.TrimSpace(sessionID)))
	st, err := s.students.Remove(ctx, sessionID, pollID)
	unlock()
	if err != nil {
		return nil, err
	}
	if s.jobs != nil {
		if err := s.jobs.ScheduleStudentCleanup(ctx, pollID); err != nil {
			s.logger.Warn("schedule student cleanup", zap.String("poll_id", pollID.String()), zap.Error(err))
		}
	}
	s.bus.Publish(realtime.TeacherChannel(p.TeacherID), EventStudentRemoved, StudentRemovedPayload{PollID: pollID, SessionID: sessionID})
	s.publishCount(ctx, p)
	s.bus.Publish(realtime.StudentChannel(sessionID), EventRemovalNotice, RemovalNoticePayload{PollID: pollID, Message: RemovalMessage})
	return st, nil
}

// Resume re-arms timers for polls left active by a previous process and
// closes those whose window already elapsed. It returns how many were re-armed.
func (s *Service) Resume(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	armed := 0
	for _, p := range active {
		left := p.ExpiresAt().Sub(now)
		if left <= 0 {
			if _, err := s.closePoll(ctx, p.ID, models.CloseTimeout); err != nil {
				s.logger.Error("close expired poll on resume", zap.String("poll_id", p.ID.String()), zap.Error(err))
			}
			continue
		}
		s.armTimer(p.ID, left)
		armed++
	}
	s.logger.Info("poll timers resumed", zap.Int("armed", armed), zap.Int("active", len(active)))
	return armed, nil
}

// Shutdown cancels every pending timer.
func (s *Service) Shutdown() {
	s.timers.StopAll()
}

func (s *Service) armTimer(pollID uuid.UUID, d time.Duration) {
	s.timers.Schedule(pollID, d, func() { s.expire(pollID) })
	s.logger.Debug("poll timer scheduled", zap.String("poll_id", pollID.String()), zap.Duration("in", d))
}

// expire runs on the timer goroutine; failures are logged, never propagated.
func (s *Service) expire(pollID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	if _, err := s.closePoll(ctx, pollID, models.CloseTimeout); err != nil {
		s.logger.Error("auto-close poll", zap.String("poll_id", pollID.String()), zap.Error(err))
	}
}

func (s *Service) closePoll(ctx context.Context, pollID uuid.UUID, reason models.CloseReason) (*models.Poll, error) {
	p, changed, err := s.store.Close(ctx, pollID, s.now())
	if err != nil {
		return nil, err
	}
	s.timers.Cancel(pollID)
	if changed {
		s.announceClosed(ctx, p, reason)
	}
	return p, nil
}

func (s *Service) announceClosed(ctx context.Context, p *models.Poll, reason models.CloseReason) {
	s.bus.Publish(realtime.TeacherChannel(p.TeacherID), EventPollClosed, PollClosedPayload{
		Poll:   p.Snapshot(s.now()),
		Reason: reason,
	})
	s.logger.Info("poll closed",
		zap.String("poll_id", p.ID.String()),
		zap.String("teacher_id", p.TeacherID),
		zap.String("reason", string(reason)),
		zap.Int("votes", p.TotalVotes()))
	if s.jobs != nil {
		if err := s.jobs.EnqueuePollClosed(ctx, p.ID); err != nil {
			s.logger.Warn("enqueue poll closed jobs", zap.String("poll_id", p.ID.String()), zap.Error(err))
		}
	}
}

func (s *Service) allAnswered(ctx context.Context, p *models.Poll) (bool, error) {
	list, err := s.students.ListByPoll(ctx, p.ID)
	if err != nil {
		return false, err
	}
	if len(list) == 0 {
		return false, nil
	}
	for _, st := range list {
		if !p.HasResponded(st.SessionID) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) publishCount(ctx context.Context, p *models.Poll) {
	list, err := s.students.ListByPoll(ctx, p.ID)
	if err != nil {
		s.logger.Warn("count students", zap.String("poll_id", p.ID.String()), zap.Error(err))
		return
	}
	s.bus.Publish(realtime.TeacherChannel(p.TeacherID), EventParticipantCountChanged,
		ParticipantCountPayload{PollID: p.ID, Count: len(list)})
}

// keyedMutex serializes work per key, e.g. poll creation per teacher.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
