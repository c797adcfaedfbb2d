package response

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "callsession-backend/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func render(t *testing.T, fn func(c *gin.Context)) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set("request_id", "req-1")

	fn(c)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestFromError_TypedError(t *testing.T) {
	w, body := render(t, func(c *gin.Context) {
		FromError(c, fmt.Errorf("leave: %w", apperrors.CallEndedError()))
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "CALL_ENDED", body.Error.Code)
	assert.Equal(t, "This call has ended", body.Error.Message)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestFromError_HidesInternalDetail(t *testing.T) {
	w, body := render(t, func(c *gin.Context) {
		FromError(c, stderrors.New("ERROR: relation \"calls\" does not exist (SQLSTATE 42P01)"))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Equal(t, "Internal server error", body.Error.Message)
	assert.NotContains(t, w.Body.String(), "SQLSTATE")
}

func TestSuccess(t *testing.T) {
	w, body := render(t, func(c *gin.Context) {
		Success(c, http.StatusCreated, gin.H{"ok": true})
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
	assert.Equal(t, map[string]any{"ok": true}, body.Data)
}
