package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	token, expires, err := svc.Generate("teacher-1")
	require.NoError(t, err)
	assert.False(t, expires.IsZero())

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "teacher-1", claims.TeacherID)

	id, err := svc.TeacherID(token)
	require.NoError(t, err)
	assert.Equal(t, "teacher-1", id)
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)
	other := NewJWTService("other", 1)
	token, _, err := other.Generate("teacher-1")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Validate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewJWTService("secret", -1)
	token, _, err = expired.Generate("teacher-1")
	require.NoError(t, err)
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = svc.Generate(" ")
	assert.Error(t, err)
}

func TestCreateSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewJWTService("secret", 1)
	r := gin.New()
	r.POST("/teachers/session", NewHandler(svc, zap.NewNop()).CreateSession)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/teachers/session", nil))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"teacher_id"`)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/teachers/session", strings.NewReader(`{"teacher_id":"room-42"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"teacher_id":"room-42"`)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/teachers/session", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
