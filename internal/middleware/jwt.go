package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/livepoll/backend/internal/auth"
	"github.com/livepoll/backend/pkg/response"
)

const (
	// ContextTeacherID is the key for the authenticated teacher id in gin context.
	ContextTeacherID = "teacher_id"
)

// Teacher returns a middleware that validates the teacher token and sets the teacher id in context.
func Teacher(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextTeacherID, claims.TeacherID)
		c.Next()
	}
}

// TeacherID returns the teacher id set by Teacher, or "".
func TeacherID(c *gin.Context) string {
	return c.GetString(ContextTeacherID)
}
