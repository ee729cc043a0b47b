package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/backend/internal/apperr"
)

func TestErrorMapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", apperr.Validation("question is required"), http.StatusBadRequest},
		{"not found", apperr.NotFound("poll"), http.StatusNotFound},
		{"duplicate", apperr.ErrDuplicateVote, http.StatusConflict},
		{"forbidden", apperr.Forbidden("not your poll"), http.StatusForbidden},
		{"storage", apperr.Storage("insert", errors.New("down")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			Error(c, tc.err)

			assert.Equal(t, tc.code, w.Code)
			var body Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
}
