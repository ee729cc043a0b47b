package polls

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/apperr"
	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/response"
)

// CreateRequest is the body for POST /polls.
type CreateRequest struct {
	Question string   `json:"question" binding:"required"`
	Options  []string `json:"options" binding:"required"`
	Duration int      `json:"duration"` // seconds; 0 means the default
}

// VoteRequest is the body for POST /polls/:id/votes.
type VoteRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	OptionID  string `json:"option_id" binding:"required"`
}

// JoinRequest is the body for POST /polls/:id/students.
type JoinRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Name      string `json:"name"`
}

// JoinResponse is returned when a student joins a poll.
type JoinResponse struct {
	Student     *models.Student     `json:"student"`
	Poll        models.PollSnapshot `json:"poll"`
	CurrentTime int64               `json:"current_time"`
}

// ActiveResponse wraps the active poll, which may be absent.
type ActiveResponse struct {
	Poll    *models.PollSnapshot `json:"poll"`
	Message string               `json:"message,omitempty"`
}

// ArchiveLinker signs download links for poll archives. *storage.S3 implements it.
type ArchiveLinker interface {
	ArchiveURL(ctx context.Context, teacherID, pollID string) (string, error)
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	svc     *Service
	archive ArchiveLinker // nil when archiving is disabled
	logger  *zap.Logger
}

// NewHandler creates a polls handler. archive may be nil.
func NewHandler(svc *Service, archive ArchiveLinker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, archive: archive, logger: logger}
}

// Register mounts the poll routes. teacher authenticates the teacher token.
func (h *Handler) Register(rg *gin.RouterGroup, teacher gin.HandlerFunc) {
	owner := middleware.PollOwner(h.svc)

	rg.GET("/polls/active/:teacherId", h.GetActive)
	rg.GET("/polls/:id", h.Get)
	rg.POST("/polls/:id/votes", h.Vote)
	rg.POST("/polls/:id/students", h.Join)

	rg.POST("/polls", teacher, h.Create)
	rg.GET("/teachers/me/polls", teacher, h.History)
	rg.POST("/polls/:id/end", teacher, owner, h.End)
	rg.GET("/polls/:id/students", teacher, owner, h.ListStudents)
	rg.DELETE("/polls/:id/students/:sessionId", teacher, owner, h.RemoveStudent)
	if h.archive != nil {
		rg.GET("/polls/:id/archive-url", teacher, owner, h.ArchiveURL)
	}
}

func snapshot(p *models.Poll) models.PollSnapshot {
	return p.Snapshot(time.Now())
}

func pollParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /polls (teacher).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.CreatePoll(c.Request.Context(), middleware.TeacherID(c), req.Question, req.Options, req.Duration)
	if err != nil {
		h.fail(c, "create poll", err)
		return
	}
	response.Created(c, snapshot(p))
}

// GetActive handles GET /polls/active/:teacherId.
func (h *Handler) GetActive(c *gin.Context) {
	p, err := h.svc.GetActivePoll(c.Request.Context(), c.Param("teacherId"))
	if err != nil {
		h.fail(c, "get active poll", err)
		return
	}
	if p == nil {
		response.OK(c, ActiveResponse{Message: "no active poll"})
		return
	}
	s := snapshot(p)
	response.OK(c, ActiveResponse{Poll: &s})
}

// Get handles GET /polls/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := pollParam(c)
	if !ok {
		return
	}
	p, err := h.svc.GetPoll(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get poll", err)
		return
	}
	response.OK(c, snapshot(p))
}

// Vote handles POST /polls/:id/votes.
func (h *Handler) Vote(c *gin.Context) {
	id, ok := pollParam(c)
	if !ok {
		return
	}
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.svc.SubmitVote(c.Request.Context(), id, req.SessionID, req.OptionID)
	if err != nil {
		h.fail(c, "submit vote", err)
		return
	}
	response.OK(c, snapshot(p))
}

// End handles POST /polls/:id/end (teacher, owner).
func (h *Handler) End(c *gin.Context) {
	id, ok := pollParam(c)
	if !ok {
		return
	}
	p, err := h.svc.EndPoll(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "end poll", err)
		return
	}
	response.OK(c, snapshot(p))
}

// History handles GET /teachers/me/polls?limit= (teacher).
func (h *Handler) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.svc.GetPollHistory(c.Request.Context(), middleware.TeacherID(c), limit)
	if err != nil {
		h.fail(c, "poll history", err)
		return
	}
	out := make([]models.PollSnapshot, 0, len(list))
	for _, p := range list {
		out = append(out, snapshot(p))
	}
	response.OK(c, out)
}

// Join handles POST /polls/:id/students.
func (h *Handler) Join(c *gin.Context) {
	id, ok := pollParam(c)
	if !ok {
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	st, p, err := h.svc.JoinPoll(c.Request.Context(), req.SessionID, req.Name, id)
	if err != nil {
		h.fail(c, "join poll", err)
		return
	}
	now := time.Now()
	response.OK(c, JoinResponse{Student: st, Poll: p.Snapshot(now), CurrentTime: now.UnixMilli()})
}

// ListStudents handles GET /polls/:id/students (teacher, owner).
func (h *Handler) ListStudents(c *gin.Context) {
	id, ok := pollParam(c)
	if !ok {
		return
	}
	list, err := h.svc.ListStudents(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "list students", err)
		return
	}
	if list == nil {
		list = []*models.Student{}
	}
	response.OK(c, list)
}

// RemoveStudent handles DELETE /polls/:id/students/:sessionId (teacher, owner).
func (h *Handler) RemoveStudent(c *gin.Context) {
	id, ok := pollParam(c)
	if !ok {
		return
	}
	st, err := h.svc.RemoveStudent(c.Request.Context(), c.Param("sessionId"), id)
	if err != nil {
		h.fail(c, "remove student", err)
		return
	}
	response.OK(c, st)
}

// ArchiveURL handles GET /polls/:id/archive-url (teacher, owner).
func (h *Handler) ArchiveURL(c *gin.Context) {
	p, _ := c.MustGet(middleware.ContextPoll).(*models.Poll)
	if p.IsActive {
		response.Error(c, apperr.Validation("poll is still active"))
		return
	}
	url, err := h.archive.ArchiveURL(c.Request.Context(), p.TeacherID, p.ID.String())
	if err != nil {
		h.fail(c, "archive url", err)
		return
	}
	response.OK(c, gin.H{"url": url})
}

// fail logs unexpected errors and writes the mapped response.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	if !apperr.IsClientError(err) {
		h.logger.Error(op, zap.Error(err))
	}
	response.Error(c, err)
}
