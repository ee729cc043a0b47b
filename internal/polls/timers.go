package polls

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerRegistry holds the pending auto-expiry timer of each active poll (thread-safe).
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*pollTimer
}

type pollTimer struct {
	t *time.Timer
}

// NewTimerRegistry creates an empty registry.
func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[uuid.UUID]*pollTimer)}
}

// Schedule arms fn to run once after d for pollID, replacing any timer already
// pending for it. The entry is removed before fn runs.
func (reg *TimerRegistry) Schedule(pollID uuid.UUID, d time.Duration, fn func()) {
	entry := &pollTimer{}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if old := reg.timers[pollID]; old != nil {
		old.t.Stop()
	}
	entry.t = time.AfterFunc(d, func() {
		reg.mu.Lock()
		current := reg.timers[pollID] == entry
		if current {
			delete(reg.timers, pollID)
		}
		reg.mu.Unlock()
		if current {
			fn()
		}
	})
	reg.timers[pollID] = entry
}

// Cancel stops and forgets the timer for pollID. It reports whether one was pending.
func (reg *TimerRegistry) Cancel(pollID uuid.UUID) bool {
	reg.mu.Lock()
	entry := reg.timers[pollID]
	delete(reg.timers, pollID)
	reg.mu.Unlock()
	if entry == nil {
		return false
	}
	entry.t.Stop()
	return true
}

// Pending reports whether a timer is armed for pollID.
func (reg *TimerRegistry) Pending(pollID uuid.UUID) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.timers[pollID]
	return ok
}

// Len returns the number of pending timers.
func (reg *TimerRegistry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.timers)
}

// StopAll cancels every pending timer, used on shutdown.
func (reg *TimerRegistry) StopAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for id, entry := range reg.timers {
		entry.t.Stop()
		delete(reg.timers, id)
	}
}
