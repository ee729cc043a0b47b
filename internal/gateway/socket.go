// Package gateway translates inbound socket events into poll operations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/internal/realtime"
)

// Inbound socket events.
const (
	EventTeacherJoin       = "teacher-join"
	EventRequestActivePoll = "request-active-poll"
	EventStudentJoin       = "student-join"
	EventCreatePoll        = "create-poll"
	EventSubmitVote        = "submit-vote"
	EventEndPoll           = "end-poll"
	EventRemoveStudent     = "remove-student"
)

var errTeacherOnly = apperr.Forbidden("teacher token required")

// Session is one connected socket. *realtime.Client implements it.
type Session interface {
	ConnID() string
	TeacherID() string
	Join(channel string)
	Leave(channel string)
	InChannel(channel string) bool
	Emit(event string, payload interface{})
}

// ActivePollPayload replies with the teacher's current poll.
type ActivePollPayload struct {
	Poll models.PollSnapshot `json:"poll"`
}

// NoActivePollPayload replies when the teacher has no active poll.
type NoActivePollPayload struct {
	Message string `json:"message"`
}

// StudentRegisteredPayload confirms a student-join.
type StudentRegisteredPayload struct {
	Student     *models.Student     `json:"student"`
	Poll        models.PollSnapshot `json:"poll"`
	CurrentTime int64               `json:"current_time"`
}

// VoteSubmittedPayload confirms a vote to its sender.
type VoteSubmittedPayload struct {
	Success bool      `json:"success"`
	PollID  uuid.UUID `json:"poll_id"`
}

type requestActivePoll struct {
	TeacherID string `json:"teacher_id"`
}

type studentJoin struct {
	StudentName string `json:"student_name"`
	SessionID   string `json:"session_id"`
	PollID      string `json:"poll_id"`
	TeacherID   string `json:"teacher_id"`
}

type createPoll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Duration int      `json:"duration"`
}

type submitVote struct {
	PollID    string `json:"poll_id"`
	OptionID  string `json:"option_id"`
	SessionID string `json:"session_id"`
}

type endPoll struct {
	PollID string `json:"poll_id"`
}

type removeStudent struct {
	SessionID string `json:"session_id"`
	PollID    string `json:"poll_id"`
}

// Gateway dispatches socket events to the poll service.
type Gateway struct {
	svc    *polls.Service
	logger *zap.Logger
	now    func() time.Time
}

// New creates a socket gateway.
func New(svc *polls.Service, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{svc: svc, logger: logger, now: time.Now}
}

// HandleMessage adapts Handle to realtime.EventHandler.
func (g *Gateway) HandleMessage(ctx context.Context, c *realtime.Client, msg realtime.WSMessage) {
	g.Handle(ctx, c, msg.Event, msg.Data)
}

// Handle runs one inbound event. Failures are reported to the sender only.
func (g *Gateway) Handle(ctx context.Context, s Session, event string, data json.RawMessage) {
	var err error
	switch event {
	case EventTeacherJoin:
		err = g.teacherJoin(ctx, s)
	case EventRequestActivePoll:
		err = g.requestActivePoll(ctx, s, data)
	case EventStudentJoin:
		err = g.studentJoin(ctx, s, data)
	case EventCreatePoll:
		err = g.createPoll(ctx, s, data)
	case EventSubmitVote:
		err = g.submitVote(ctx, s, data)
	case EventEndPoll:
		err = g.endPoll(ctx, s, data)
	case EventRemoveStudent:
		err = g.removeStudent(ctx, s, data)
	default:
		err = apperr.Validation("unknown event " + event)
	}
	if err == nil {
		return
	}
	if !apperr.IsClientError(err) {
		g.logger.Error("socket event failed", zap.String("event", event), zap.String("conn_id", s.ConnID()), zap.Error(err))
	}
	s.Emit(polls.EventError, polls.ErrorPayload{Message: apperr.Message(err)})
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return apperr.Validation("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("invalid payload")
	}
	return nil
}

func parsePollID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid poll id")
	}
	return id, nil
}

// replyActive joins the teacher's channel and sends the current poll state.
func (g *Gateway) replyActive(ctx context.Context, s Session, teacherID string) error {
	s.Join(realtime.TeacherChannel(teacherID))
	p, err := g.svc.GetActivePoll(ctx, teacherID)
	if err != nil {
		return err
	}
	if p == nil {
		s.Emit(polls.EventNoActivePoll, NoActivePollPayload{Message: "No active poll"})
		return nil
	}
	s.Emit(polls.EventActivePoll, ActivePollPayload{Poll: p.Snapshot(g.now())})
	return nil
}

func (g *Gateway) teacherJoin(ctx context.Context, s Session) error {
	if s.TeacherID() == "" {
		return errTeacherOnly
	}
	return g.replyActive(ctx, s, s.TeacherID())
}

func (g *Gateway) requestActivePoll(ctx context.Context, s Session, data json.RawMessage) error {
	var req requestActivePoll
	if err := decode(data, &req); err != nil {
		return err
	}
	teacherID := strings.TrimSpace(req.TeacherID)
	if teacherID == "" {
		return apperr.Validation("teacher_id is required")
	}
	return g.replyActive(ctx, s, teacherID)
}

func (g *Gateway) studentJoin(ctx context.Context, s Session, data json.RawMessage) error {
	var req studentJoin
	if err := decode(data, &req); err != nil {
		return err
	}
	pollID, err := parsePollID(req.PollID)
	if err != nil {
		return err
	}
	var joinedHere string
	if req.TeacherID != "" {
		// Subscribe first so the student sees the count change their join causes.
		channel := realtime.TeacherChannel(req.TeacherID)
		if !s.InChannel(channel) {
			joinedHere = channel
		}
		s.Join(channel)
	}
	st, p, err := g.svc.JoinPoll(ctx, req.SessionID, req.StudentName, pollID)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrForbidden) && req.TeacherID != "":
			// A removed student gets no further broadcasts on this connection.
			s.Leave(realtime.TeacherChannel(req.TeacherID))
		case joinedHere != "":
			s.Leave(joinedHere)
		}
		return err
	}
	if req.TeacherID != p.TeacherID {
		s.Join(realtime.TeacherChannel(p.TeacherID))
	}
	s.Join(realtime.StudentChannel(st.SessionID))

	now := g.now()
	s.Emit(polls.EventStudentRegistered, StudentRegisteredPayload{
		Student:     st,
		Poll:        p.Snapshot(now),
		CurrentTime: now.UnixMilli(),
	})
	return nil
}

func (g *Gateway) createPoll(ctx context.Context, s Session, data json.RawMessage) error {
	if s.TeacherID() == "" {
		return errTeacherOnly
	}
	var req createPoll
	if err := decode(data, &req); err != nil {
		return err
	}
	s.Join(realtime.TeacherChannel(s.TeacherID()))
	_, err := g.svc.CreatePoll(ctx, s.TeacherID(), req.Question, req.Options, req.Duration)
	return err
}

func (g *Gateway) submitVote(ctx context.Context, s Session, data json.RawMessage) error {
	var req submitVote
	if err := decode(data, &req); err != nil {
		return err
	}
	pollID, err := parsePollID(req.PollID)
	if err != nil {
		return err
	}
	if _, err := g.svc.SubmitVote(ctx, pollID, req.SessionID, req.OptionID); err != nil {
		return err
	}
	s.Emit(polls.EventVoteSubmitted, VoteSubmittedPayload{Success: true, PollID: pollID})
	return nil
}

// authorize checks the session's teacher owns pollID.
func (g *Gateway) authorize(ctx context.Context, s Session, rawPollID string) (uuid.UUID, error) {
	if s.TeacherID() == "" {
		return uuid.Nil, errTeacherOnly
	}
	pollID, err := parsePollID(rawPollID)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := g.svc.AuthorizeTeacher(ctx, s.TeacherID(), pollID); err != nil {
		return uuid.Nil, err
	}
	return pollID, nil
}

func (g *Gateway) endPoll(ctx context.Context, s Session, data json.RawMessage) error {
	var req endPoll
	if err := decode(data, &req); err != nil {
		return err
	}
	pollID, err := g.authorize(ctx, s, req.PollID)
	if err != nil {
		return err
	}
	_, err = g.svc.EndPoll(ctx, pollID)
	return err
}

func (g *Gateway) removeStudent(ctx context.Context, s Session, data json.RawMessage) error {
	var req removeStudent
	if err := decode(data, &req); err != nil {
		return err
	}
	pollID, err := g.authorize(ctx, s, req.PollID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return apperr.Validation("session_id is required")
	}
	_, err = g.svc.RemoveStudent(ctx, req.SessionID, pollID)
	return err
}
