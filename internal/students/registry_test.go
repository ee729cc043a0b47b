package students

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/backend/internal/apperr"
)

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewRegistry(NewMemoryStore(), 24*time.Hour, nil)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	pollID := uuid.New()

	first, created, err := r.Register(ctx, "sess-1", "Ada", pollID)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := r.Register(ctx, "sess-1", "Ada again", pollID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ada", second.Name)

	list, err := r.ListByPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegisterSameSessionDifferentPolls(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	a, _, err := r.Register(ctx, "sess-1", "Ada", uuid.New())
	require.NoError(t, err)
	b, _, err := r.Register(ctx, "sess-1", "Ada", uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry()
	_, _, err := r.Register(context.Background(), "  ", "Ada", uuid.New())
	assert.ErrorIs(t, err, apperr.ErrValidation)

	st, _, err := r.Register(context.Background(), "sess-2", "", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, DefaultName, st.Name)
}

func TestMarkAnswered(t *testing.T) {
	r, now := newTestRegistry()
	ctx := context.Background()
	pollID := uuid.New()
	_, _, err := r.Register(ctx, "sess-1", "Ada", pollID)
	require.NoError(t, err)

	st, err := r.MarkAnswered(ctx, "sess-1", pollID, "opt-a")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.HasAnswered)
	assert.Equal(t, "opt-a", st.SelectedOption)
	assert.Equal(t, *now, *st.AnsweredAt)

	unknown, err := r.MarkAnswered(ctx, "nobody", pollID, "opt-a")
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestRemoveHidesStudent(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	pollID := uuid.New()
	_, _, _ = r.Register(ctx, "sess-1", "Ada", pollID)
	_, _, _ = r.Register(ctx, "sess-2", "Bob", pollID)

	st, err := r.Remove(ctx, "sess-1", pollID)
	require.NoError(t, err)
	assert.True(t, st.IsRemoved)

	list, err := r.ListByPoll(ctx, pollID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-2", list[0].SessionID)

	again, _, err := r.Register(ctx, "sess-1", "Ada", pollID)
	require.NoError(t, err)
	assert.True(t, again.IsRemoved, "re-joining must not resurrect a removed student")

	_, err = r.Remove(ctx, "ghost", pollID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCleanupOldRemoved(t *testing.T) {
	r, now := newTestRegistry()
	ctx := context.Background()
	pollID := uuid.New()
	_, _, _ = r.Register(ctx, "old", "Old", pollID)
	_, _, _ = r.Register(ctx, "recent", "Recent", pollID)
	_, _, _ = r.Register(ctx, "kept", "Kept", pollID)

	_, err := r.Remove(ctx, "old", pollID)
	require.NoError(t, err)

	*now = now.Add(23 * time.Hour)
	_, err = r.Remove(ctx, "recent", pollID)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	n, err := r.CleanupOldRemoved(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.Get(ctx, "old", pollID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = r.Get(ctx, "recent", pollID)
	assert.NoError(t, err)
	_, err = r.Get(ctx, "kept", pollID)
	assert.NoError(t, err)
}
