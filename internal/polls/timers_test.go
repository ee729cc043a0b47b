package polls

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerFiresOnceAndForgets(t *testing.T) {
	reg := NewTimerRegistry()
	id := uuid.New()
	var fired int32
	reg.Schedule(id, 10*time.Millisecond, func() {
		assert.False(t, reg.Pending(id), "entry is removed before the callback runs")
		atomic.AddInt32(&fired, 1)
	})
	assert.True(t, reg.Pending(id))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, reg.Len())
}

func TestTimerCancel(t *testing.T) {
	reg := NewTimerRegistry()
	id := uuid.New()
	var fired int32
	reg.Schedule(id, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	assert.True(t, reg.Cancel(id))
	assert.False(t, reg.Cancel(id))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestTimerRescheduleReplaces(t *testing.T) {
	reg := NewTimerRegistry()
	id := uuid.New()
	var first, second int32
	reg.Schedule(id, 10*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	reg.Schedule(id, 30*time.Millisecond, func() { atomic.AddInt32(&second, 1) })
	assert.Equal(t, 1, reg.Len())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&second) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
}

func TestTimerStopAll(t *testing.T) {
	reg := NewTimerRegistry()
	var fired int32
	for i := 0; i < 3; i++ {
		reg.Schedule(uuid.New(), 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	}
	reg.StopAll()
	assert.Equal(t, 0, reg.Len())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
