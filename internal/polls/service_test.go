package polls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/backend/config"
	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/internal/students"
)

type published struct {
	channel string
	event   string
	payload interface{}
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(channel, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{channel: channel, event: event, payload: payload})
}

func (b *recordingBus) named(event string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, e := range b.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type recordingJobs struct {
	mu       sync.Mutex
	closed   []uuid.UUID
	cleanups []uuid.UUID
	err      error
}

func (j *recordingJobs) ScheduleStudentCleanup(_ context.Context, pollID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleanups = append(j.cleanups, pollID)
	return j.err
}

func (j *recordingJobs) EnqueuePollClosed(_ context.Context, pollID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = append(j.closed, pollID)
	return j.err
}

var testLimits = config.PollConfig{
	DefaultDurationSec:  60,
	MaxDurationSec:      300,
	HistoryDefaultLimit: 10,
	HistoryMaxLimit:     50,
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *recordingBus) {
	t.Helper()
	store := NewMemoryStore()
	bus := &recordingBus{}
	reg := students.NewRegistry(students.NewMemoryStore(), time.Hour, nil)
	svc := NewService(store, reg, bus, testLimits, nil)
	t.Cleanup(svc.Shutdown)
	return svc, store, bus
}

func optionID(p *models.Poll, i int) string { return p.Options[i].ID.String() }

func TestCreatePollValidation(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		teacher  string
		question string
		options  []string
		duration int
	}{
		{"no teacher", "", "Q?", []string{"a", "b"}, 30},
		{"blank question", "t1", "  ", []string{"a", "b"}, 30},
		{"one option", "t1", "Q?", []string{"a"}, 30},
		{"empty option", "t1", "Q?", []string{"a", " "}, 30},
		{"negative duration", "t1", "Q?", []string{"a", "b"}, -1},
		{"too long", "t1", "Q?", []string{"a", "b"}, 301},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePoll(ctx, tc.teacher, tc.question, tc.options, tc.duration)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Empty(t, bus.named(EventPollCreated))
}

func TestCreatePollDefaultsAndAnnounces(t *testing.T) {
	svc, _, bus := newTestService(t)
	p, err := svc.CreatePoll(context.Background(), "t1", " Favourite colour? ", []string{"Red", "Blue"}, 0)
	require.NoError(t, err)

	assert.Equal(t, "Favourite colour?", p.Question)
	assert.Equal(t, 60, p.DurationSeconds)
	assert.True(t, p.IsActive)
	assert.Len(t, p.Options, 2)
	assert.True(t, svc.timers.Pending(p.ID))

	created := bus.named(EventPollCreated)
	require.Len(t, created, 1)
	assert.Equal(t, realtime.TeacherChannel("t1"), created[0].channel)
	payload := created[0].payload.(PollCreatedPayload)
	assert.Equal(t, p.ID, payload.Poll.ID)
	assert.Equal(t, 60, payload.Poll.RemainingSeconds)
}

func TestCreatePollReplacesActive(t *testing.T) {
	svc, _, bus := newTestService(t)
	jobs := &recordingJobs{}
	svc.SetJobQueue(jobs)
	ctx := context.Background()

	first, err := svc.CreatePoll(ctx, "t1", "Q1", []string{"a", "b"}, 30)
	require.NoError(t, err)
	second, err := svc.CreatePoll(ctx, "t1", "Q2", []string{"a", "b"}, 30)
	require.NoError(t, err)

	old, err := svc.GetPoll(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	require.NotNil(t, old.EndedAt)
	assert.False(t, svc.timers.Pending(first.ID))

	active, err := svc.GetActivePoll(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	closed := bus.named(EventPollClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, models.CloseManual, closed[0].payload.(PollClosedPayload).Reason)
	assert.Equal(t, []uuid.UUID{first.ID}, jobs.closed)
}

func TestSingleActivePollUnderConcurrentCreates(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, 1, svc.timers.Len())
}

func TestSubmitVoteTalliesAndRejectsDuplicates(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b", "c"}, 30)
	require.NoError(t, err)

	got, err := svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Options[1].Votes)
	assert.Equal(t, optionID(p, 1), got.Responses["s1"])

	_, err = svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 0))
	assert.ErrorIs(t, err, apperr.ErrDuplicateVote)

	after, err := svc.GetPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Options[0].Votes)
	assert.Equal(t, 1, after.Options[1].Votes)
	assert.Len(t, bus.named(EventPollUpdated), 1)
}

func TestSubmitVoteErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitVote(ctx, uuid.New(), "s1", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)
	_, err = svc.SubmitVote(ctx, p.ID, " ", optionID(p, 0))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestConcurrentVotesKeepTallyInvariant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 10; i++ {
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func(student, opt int) {
				defer wg.Done()
				_, err := svc.SubmitVote(ctx, p.ID, uuid.NewSHA1(uuid.Nil, []byte{byte(student)}).String(), optionID(p, opt%2))
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}(i, j)
		}
	}
	wg.Wait()

	got, err := svc.GetPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, accepted)
	assert.Equal(t, 10, got.TotalVotes())
	assert.Len(t, got.Responses, 10)
}

func TestVoteForUnknownOptionIsRecordedWithoutTally(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	got, err := svc.SubmitVote(ctx, p.ID, "s1", "not-an-option")
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalVotes())
	assert.True(t, got.HasResponded("s1"))

	_, err = svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 0))
	assert.ErrorIs(t, err, apperr.ErrDuplicateVote)
}

func TestAllAnsweredAnnouncement(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	all, err := svc.CheckAllAnswered(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, all, "no students means not all answered")

	for _, s := range []string{"s1", "s2"} {
		_, _, err := svc.JoinPoll(ctx, s, s, p.ID)
		require.NoError(t, err)
	}

	_, err = svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 0))
	require.NoError(t, err)
	assert.Empty(t, bus.named(EventAllAnswered))

	_, err = svc.SubmitVote(ctx, p.ID, "s2", optionID(p, 1))
	require.NoError(t, err)
	require.Len(t, bus.named(EventAllAnswered), 1)

	all, err = svc.CheckAllAnswered(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, all)
}

func TestEndPollIsIdempotent(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	ended, err := svc.EndPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.False(t, svc.timers.Pending(p.ID))

	again, err := svc.EndPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ended.EndedAt, again.EndedAt)
	assert.Len(t, bus.named(EventPollClosed), 1)

	_, err = svc.EndPoll(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPollAutoClosesOnce(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	// Re-arm with a short window so the test does not wait the full duration.
	svc.armTimer(p.ID, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(bus.named(EventPollClosed)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	closed := bus.named(EventPollClosed)[0].payload.(PollClosedPayload)
	assert.Equal(t, models.CloseTimeout, closed.Reason)
	assert.False(t, closed.Poll.IsActive)
	assert.Equal(t, 0, closed.Poll.RemainingSeconds)

	_, err = svc.EndPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, bus.named(EventPollClosed), 1)
}

func TestJoinAndRemoveStudent(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	_, _, err = svc.JoinPoll(ctx, "s1", "", uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	st, _, err := svc.JoinPoll(ctx, "s1", "", p.ID)
	require.NoError(t, err)
	assert.Equal(t, students.DefaultName, st.Name)
	_, _, err = svc.JoinPoll(ctx, "s2", "Bo", p.ID)
	require.NoError(t, err)

	_, err = svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 0))
	require.NoError(t, err)

	_, err = svc.RemoveStudent(ctx, "s1", p.ID)
	require.NoError(t, err)

	got, err := svc.GetPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Options[0].Votes, "removal keeps the recorded vote")

	list, err := svc.ListStudents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].SessionID)

	counts := bus.named(EventParticipantCountChanged)
	require.NotEmpty(t, counts)
	assert.Equal(t, 1, counts[len(counts)-1].payload.(ParticipantCountPayload).Count)

	notices := bus.named(EventRemovalNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, realtime.StudentChannel("s1"), notices[0].channel)
	require.Len(t, bus.named(EventStudentRemoved), 1)

	_, err = svc.RemoveStudent(ctx, "nobody", p.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRemovedStudentCannotVote(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)
	_, _, err = svc.JoinPoll(ctx, "s1", "Al", p.ID)
	require.NoError(t, err)
	_, err = svc.RemoveStudent(ctx, "s1", p.ID)
	require.NoError(t, err)

	_, err = svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 0))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, _, err = svc.JoinPoll(ctx, "s1", "Al", p.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestRemoveStudentSchedulesCleanup(t *testing.T) {
	svc, _, _ := newTestService(t)
	jobs := &recordingJobs{}
	svc.SetJobQueue(jobs)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)
	_, err = svc.EndPoll(ctx, p.ID)
	require.NoError(t, err)
	_, _, err = svc.JoinPoll(ctx, "s1", "Al", p.ID)
	require.NoError(t, err)

	// Removed after close: the close-time cleanup would find this record too young.
	_, err = svc.RemoveStudent(ctx, "s1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p.ID}, jobs.cleanups)

	jobs.err = errors.New("redis down")
	_, _, err = svc.JoinPoll(ctx, "s2", "Bo", p.ID)
	require.NoError(t, err)
	_, err = svc.RemoveStudent(ctx, "s2", p.ID)
	assert.NoError(t, err)
}

// gatedRegistry blocks the first Get until release is closed.
type gatedRegistry struct {
	StudentRegistry
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRegistry) Get(ctx context.Context, sessionID string, pollID uuid.UUID) (*models.Student, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.StudentRegistry.Get(ctx, sessionID, pollID)
}

func TestRemovalWaitsForInFlightVote(t *testing.T) {
	reg := &gatedRegistry{
		StudentRegistry: students.NewRegistry(students.NewMemoryStore(), time.Hour, nil),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	svc := NewService(NewMemoryStore(), reg, &recordingBus{}, testLimits, nil)
	t.Cleanup(svc.Shutdown)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)
	_, _, err = svc.JoinPoll(ctx, "s1", "Al", p.ID)
	require.NoError(t, err)

	voted := make(chan error, 1)
	go func() {
		_, err := svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 0))
		voted <- err
	}()
	<-reg.entered

	removed := make(chan error, 1)
	go func() {
		_, err := svc.RemoveStudent(ctx, "s1", p.ID)
		removed <- err
	}()
	select {
	case <-removed:
		t.Fatal("removal landed between the removed check and the vote insert")
	case <-time.After(50 * time.Millisecond):
	}

	close(reg.release)
	require.NoError(t, <-voted)
	require.NoError(t, <-removed)

	_, err = svc.SubmitVote(ctx, p.ID, "s1", optionID(p, 1))
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestAuthorizeTeacher(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	_, err = svc.AuthorizeTeacher(ctx, "t1", p.ID)
	assert.NoError(t, err)
	_, err = svc.AuthorizeTeacher(ctx, "t2", p.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestPollHistoryClampsLimit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
		require.NoError(t, err)
	}

	list, err := svc.GetPollHistory(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 10)
	assert.True(t, list[0].IsActive, "newest first")

	list, err = svc.GetPollHistory(ctx, "t1", 1000)
	require.NoError(t, err)
	assert.Len(t, list, 12)

	list, err = svc.GetPollHistory(ctx, "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResumeClosesExpiredAndArmsRest(t *testing.T) {
	store := NewMemoryStore()
	bus := &recordingBus{}
	ctx := context.Background()
	now := time.Now()

	expired := &models.Poll{ID: uuid.New(), TeacherID: "t1", Question: "old", DurationSeconds: 30,
		StartedAt: now.Add(-time.Minute), IsActive: true, Responses: map[string]string{}, CreatedAt: now.Add(-time.Minute)}
	running := &models.Poll{ID: uuid.New(), TeacherID: "t2", Question: "new", DurationSeconds: 30,
		StartedAt: now.Add(-10 * time.Second), IsActive: true, Responses: map[string]string{}, CreatedAt: now}
	_, err := store.CreateReplacingActive(ctx, expired, now)
	require.NoError(t, err)
	_, err = store.CreateReplacingActive(ctx, running, now)
	require.NoError(t, err)

	svc := NewService(store, students.NewRegistry(students.NewMemoryStore(), time.Hour, nil), bus, testLimits, nil)
	defer svc.Shutdown()

	armed, err := svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)
	assert.True(t, svc.timers.Pending(running.ID))
	assert.False(t, svc.timers.Pending(expired.ID))

	got, err := store.GetByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	closed := bus.named(EventPollClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, models.CloseTimeout, closed[0].payload.(PollClosedPayload).Reason)
}

func TestJobQueueFailureDoesNotFailClose(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.SetJobQueue(&recordingJobs{err: errors.New("redis down")})
	ctx := context.Background()
	p, err := svc.CreatePoll(ctx, "t1", "Q", []string{"a", "b"}, 30)
	require.NoError(t, err)

	_, err = svc.EndPoll(ctx, p.ID)
	assert.NoError(t, err)
}
