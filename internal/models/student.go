package models

import (
	"time"

	"github.com/google/uuid"
)

// Student is a participant registered against one poll.
type Student struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      string     `json:"session_id"`
	Name           string     `json:"name"`
	PollID         uuid.UUID  `json:"poll_id"`
	HasAnswered    bool       `json:"has_answered"`
	SelectedOption string     `json:"selected_option,omitempty"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
	IsRemoved      bool       `json:"is_removed"`
	RemovedAt      *time.Time `json:"removed_at,omitempty"`
}

// RemovalAge is the timestamp cleanup measures retention from.
func (s *Student) RemovalAge() time.Time {
	switch {
	case s.RemovedAt != nil:
		return *s.RemovedAt
	case s.AnsweredAt != nil:
		return *s.AnsweredAt
	default:
		return s.JoinedAt
	}
}

// Clone returns a copy with its own timestamp pointers.
func (s *Student) Clone() *Student {
	if s == nil {
		return nil
	}
	cp := *s
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		cp.AnsweredAt = &t
	}
	if s.RemovedAt != nil {
		t := *s.RemovedAt
		cp.RemovedAt = &t
	}
	return &cp
}
