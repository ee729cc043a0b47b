package auth

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livepoll/backend/pkg/response"
)

// SessionRequest is the body for POST /teachers/session. TeacherID is
// optional; a new one is minted when empty.
type SessionRequest struct {
	TeacherID string `json:"teacher_id"`
}

// SessionResponse carries the teacher id and its capability token.
type SessionResponse struct {
	TeacherID string    `json:"teacher_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler handles teacher session endpoints.
type Handler struct {
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(jwt *JWTService, logger *zap.Logger) *Handler {
	return &Handler{jwt: jwt, logger: logger}
}

// CreateSession handles POST /teachers/session.
func (h *Handler) CreateSession(c *gin.Context) {
	var req SessionRequest
	// An empty body is allowed.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	teacherID := strings.TrimSpace(req.TeacherID)
	if teacherID == "" {
		teacherID = uuid.New().String()
	}
	if len(teacherID) > 128 {
		response.BadRequest(c, "teacher_id is too long")
		return
	}

	token, expires, err := h.jwt.Generate(teacherID)
	if err != nil {
		h.logger.Error("generate teacher token", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}
	h.logger.Info("teacher session issued", zap.String("teacher_id", teacherID))
	response.Created(c, SessionResponse{TeacherID: teacherID, Token: token, ExpiresAt: expires})
}
