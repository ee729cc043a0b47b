package models

import (
	"time"

	"github.com/google/uuid"
)

// Poll is a timed multiple-choice question owned by a teacher.
type Poll struct {
	ID              uuid.UUID         `json:"id"`
	TeacherID       string            `json:"teacher_id"`
	Question        string            `json:"question"`
	Options         []Option          `json:"options"`
	DurationSeconds int               `json:"duration_seconds"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	IsActive        bool              `json:"is_active"`
	Responses       map[string]string `json:"responses"` // student session id -> option id
	CreatedAt       time.Time         `json:"created_at"`
}

// Option is one selectable answer with its running tally.
type Option struct {
	ID    uuid.UUID `json:"id"`
	Text  string    `json:"text"`
	Votes int       `json:"votes"`
}

// ExpiresAt returns when the poll's voting window ends.
func (p *Poll) ExpiresAt() time.Time {
	return p.StartedAt.Add(time.Duration(p.DurationSeconds) * time.Second)
}

// RemainingSeconds is the whole seconds left in the voting window at now; 0 once closed or elapsed.
func (p *Poll) RemainingSeconds(now time.Time) int {
	if !p.IsActive {
		return 0
	}
	left := p.ExpiresAt().Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// TotalVotes sums the option tallies.
func (p *Poll) TotalVotes() int {
	n := 0
	for _, o := range p.Options {
		n += o.Votes
	}
	return n
}

// HasResponded reports whether studentID is in the response set.
func (p *Poll) HasResponded(studentID string) bool {
	_, ok := p.Responses[studentID]
	return ok
}

// OptionIndex returns the index of the option with id, or -1.
func (p *Poll) OptionIndex(id string) int {
	for i, o := range p.Options {
		if o.ID.String() == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so stores never hand out shared state.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Options = append([]Option(nil), p.Options...)
	cp.Responses = make(map[string]string, len(p.Responses))
	for k, v := range p.Responses {
		cp.Responses[k] = v
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// PollSnapshot is the outbound view of a poll at a point in time.
type PollSnapshot struct {
	*Poll
	TotalVotes       int `json:"total_votes"`
	RemainingSeconds int `json:"remaining_seconds"`
}

// Snapshot builds the outbound view of p at now.
func (p *Poll) Snapshot(now time.Time) PollSnapshot {
	return PollSnapshot{Poll: p, TotalVotes: p.TotalVotes(), RemainingSeconds: p.RemainingSeconds(now)}
}

// CloseReason distinguishes how a poll was closed.
type CloseReason string

const (
	CloseManual  CloseReason = "manual"
	CloseTimeout CloseReason = "timeout"
)
