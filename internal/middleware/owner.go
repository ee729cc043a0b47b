package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/livepoll/backend/internal/models"
	"github.com/livepoll/backend/pkg/response"
)

const (
	// ContextPoll is the key for the poll loaded by PollOwner.
	ContextPoll = "poll"
)

// PollAuthorizer checks that a teacher owns a poll. *polls.Service implements it.
type PollAuthorizer interface {
	AuthorizeTeacher(ctx context.Context, teacherID string, pollID uuid.UUID) (*models.Poll, error)
}

// PollOwner allows the request only when the :id poll belongs to the
// authenticated teacher. Must run after Teacher.
func PollOwner(authz PollAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		teacherID := TeacherID(c)
		if teacherID == "" {
			response.Unauthorized(c, "missing teacher context")
			c.Abort()
			return
		}
		pollID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid poll id")
			c.Abort()
			return
		}
		p, err := authz.AuthorizeTeacher(c.Request.Context(), teacherID, pollID)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(ContextPoll, p)
		c.Next()
	}
}
