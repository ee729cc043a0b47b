package polls

import (
	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
)

// Events published to channels.
const (
	EventPollCreated             = "poll-created"
	EventPollUpdated             = "poll-updated"
	EventPollClosed              = "poll-closed"
	EventParticipantCountChanged = "participant-count-changed"
	EventStudentRemoved          = "student-removed"
	EventRemovalNotice           = "removal-notice"
	EventAllAnswered             = "all-answered"
)

// Events sent only to the requesting connection.
const (
	EventActivePoll        = "active-poll"
	EventNoActivePoll      = "no-active-poll"
	EventStudentRegistered = "student-registered"
	EventVoteSubmitted     = "vote-submitted"
	EventError             = "error"
)

// PollCreatedPayload announces a new active poll.
type PollCreatedPayload struct {
	Poll      models.PollSnapshot `json:"poll"`
	StartTime int64               `json:"start_time"` // unix millis
}

// PollUpdatedPayload carries the tallies after a vote.
type PollUpdatedPayload struct {
	Poll      models.PollSnapshot `json:"poll"`
	UpdatedAt int64               `json:"updated_at"`
}

// PollClosedPayload announces closure and why it happened.
type PollClosedPayload struct {
	Poll   models.PollSnapshot `json:"poll"`
	Reason models.CloseReason  `json:"reason"`
}

// ParticipantCountPayload is the number of non-removed students in a poll.
type ParticipantCountPayload struct {
	PollID uuid.UUID `json:"poll_id"`
	Count  int       `json:"count"`
}

// StudentRemovedPayload tells the channel which student was removed.
type StudentRemovedPayload struct {
	PollID    uuid.UUID `json:"poll_id"`
	SessionID string    `json:"session_id"`
}

// RemovalNoticePayload is delivered to the removed student's private channel.
type RemovalNoticePayload struct {
	PollID  uuid.UUID `json:"poll_id"`
	Message string    `json:"message"`
}

// AllAnsweredPayload signals every registered student has voted.
type AllAnsweredPayload struct {
	PollID uuid.UUID `json:"poll_id"`
}

// ErrorPayload reports a failed socket request to its sender.
type ErrorPayload struct {
	Message string `json:"message"`
}
