package call

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/repository/memory"
	"callsession-backend/internal/service/call"
	"callsession-backend/pkg/mediatoken"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type journal struct {
	events []*domain.CallEvent
}

func (j *journal) ListByCall(_ context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	var out []*domain.CallEvent
	for _, e := range j.events {
		if e.CallID == callID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *journal) Publish(_ context.Context, to call.Audience, event string, payload any) error {
	snap := payload.(*domain.CallSnapshot)
	j.events = append(j.events, &domain.CallEvent{CallID: snap.Call.CallID, Name: event, Recipient: to.Topic()})
	return nil
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := memory.NewDirectory()
	for _, id := range []int64{1, 2, 3} {
		dir.AddUser(domain.User{UserID: id})
	}
	dir.AddGroup(10, 1, 2, 3)

	j := &journal{}
	svc := call.NewService(memory.NewCallRepository(), dir, j,
		mediatoken.NewBuilder("970CA35de60c44645bbae8a215061b33", "5CFd2fd1755d40ecb72977518be15d3b"),
		call.Config{TokenTTL: time.Hour}, call.WithJournal(j))

	r := gin.New()
	v1 := r.Group("/v1/calls", func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			userID, err := strconv.ParseInt(id, 10, 64)
			require.NoError(t, err)
			c.Set(middleware.ContextUserID, userID)
			c.Set(middleware.ContextIsAdmin, c.GetHeader("X-Test-Admin") == "true")
		}
		c.Next()
	})
	NewHandler(svc).RegisterRoutes(v1)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, user int64, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set("X-Test-User", strconv.FormatInt(user, 10))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func initiate(t *testing.T, r http.Handler, body any) call.Session {
	t.Helper()
	code, env := do(t, r, http.MethodPost, "/v1/calls/initiate", 1, body)
	require.Equal(t, http.StatusCreated, code, env.Error)
	var s call.Session
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

func TestInitiateAndJoin(t *testing.T) {
	r := newRouter(t)

	s := initiate(t, r, gin.H{"receiver_id": 2, "is_video": true})
	assert.Equal(t, domain.CallStatusRinging, s.Call.Status)
	require.NotNil(t, s.Credentials)
	assert.NotEmpty(t, s.Credentials.Token)

	path := "/v1/calls/" + s.Call.CallID.String()

	code, env := do(t, r, http.MethodPost, path+"/join", 2, nil)
	require.Equal(t, http.StatusOK, code)
	var joined call.Session
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	assert.Equal(t, domain.CallStatusOngoing, joined.Call.Status)
	assert.Equal(t, uint32(2), joined.Credentials.UID)

	code, env = do(t, r, http.MethodGet, path+"/token", 2, nil)
	require.Equal(t, http.StatusOK, code)
	var creds call.Credentials
	require.NoError(t, json.Unmarshal(env.Data, &creds))
	assert.Equal(t, s.Call.ChannelName, creds.Channel)

	code, env = do(t, r, http.MethodPost, path+"/end", 1, nil)
	require.Equal(t, http.StatusOK, code)
	var ended call.Session
	require.NoError(t, json.Unmarshal(env.Data, &ended))
	assert.Equal(t, domain.CallStatusEnded, ended.Call.Status)

	code, env = do(t, r, http.MethodPost, path+"/join", 2, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CALL_ENDED", env.Error.Code)
}

func TestInitiate_Validation(t *testing.T) {
	r := newRouter(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"no target", gin.H{"is_video": true}, "VALIDATION_ERROR"},
		{"both targets", gin.H{"receiver_id": 2, "group_id": 10}, "VALIDATION_ERROR"},
		{"self", gin.H{"receiver_id": 1}, "VALIDATION_ERROR"},
		{"unknown receiver", gin.H{"receiver_id": 99}, "VALIDATION_ERROR"},
		{"bad body", "nope", "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, r, http.MethodPost, "/v1/calls/initiate", 1, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestUnauthenticated(t *testing.T) {
	r := newRouter(t)
	code, env := do(t, r, http.MethodGet, "/v1/calls/history", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestInvalidCallID(t *testing.T) {
	r := newRouter(t)
	code, env := do(t, r, http.MethodPost, "/v1/calls/not-a-uuid/join", 1, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid call ID", env.Error.Message)
}

func TestGetCall_NotParticipant(t *testing.T) {
	r := newRouter(t)
	s := initiate(t, r, gin.H{"receiver_id": 2})

	code, env := do(t, r, http.MethodGet, "/v1/calls/"+s.Call.CallID.String(), 3, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_PARTICIPANT", env.Error.Code)

	code, env = do(t, r, http.MethodGet, "/v1/calls/"+uuid.NewString(), 1, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "CALL_NOT_FOUND", env.Error.Code)
}

func TestToggles(t *testing.T) {
	r := newRouter(t)
	s := initiate(t, r, gin.H{"group_id": 10})
	path := "/v1/calls/" + s.Call.CallID.String()

	code, env := do(t, r, http.MethodPost, path+"/toggle-mic", 1, nil)
	require.Equal(t, http.StatusOK, code)
	var p domain.CallParticipant
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.True(t, p.IsMicMuted)

	code, env = do(t, r, http.MethodPost, path+"/toggle-mic", 1, gin.H{"value": true})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.True(t, p.IsMicMuted)

	code, env = do(t, r, http.MethodPost, path+"/toggle-video", 1, gin.H{"value": true})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.True(t, p.IsVideoOff)

	code, env = do(t, r, http.MethodPost, path+"/raise-hand", 1, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.True(t, p.IsHandRaised)

	// invited but not joined
	code, env = do(t, r, http.MethodPost, path+"/toggle-mic", 2, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestRejectAndCancel(t *testing.T) {
	r := newRouter(t)

	s := initiate(t, r, gin.H{"receiver_id": 2})
	code, env := do(t, r, http.MethodPost, "/v1/calls/"+s.Call.CallID.String()+"/reject", 2, nil)
	require.Equal(t, http.StatusOK, code)
	var rejected call.Session
	require.NoError(t, json.Unmarshal(env.Data, &rejected))
	assert.Equal(t, domain.CallStatusRejected, rejected.Call.Status)

	s = initiate(t, r, gin.H{"receiver_id": 2})
	code, env = do(t, r, http.MethodPost, "/v1/calls/"+s.Call.CallID.String()+"/cancel", 2, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = do(t, r, http.MethodPost, "/v1/calls/"+s.Call.CallID.String()+"/cancel", 1, nil)
	require.Equal(t, http.StatusOK, code)
	var cancelled call.Session
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Equal(t, domain.CallStatusCancelled, cancelled.Call.Status)
}

func TestHistoryAndEvents(t *testing.T) {
	r := newRouter(t)
	first := initiate(t, r, gin.H{"receiver_id": 2})
	initiate(t, r, gin.H{"receiver_id": 3})

	code, env := do(t, r, http.MethodGet, "/v1/calls/history?limit=1", 1, nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Calls []*domain.Call `json:"calls"`
		Count int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Count)

	code, _ = do(t, r, http.MethodGet, "/v1/calls/history?limit=abc", 1, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, r, http.MethodGet, "/v1/calls/"+first.Call.CallID.String()+"/events", 2, nil)
	require.Equal(t, http.StatusOK, code)
	var events struct {
		Events []*domain.CallEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events.Events, 1)
	assert.Equal(t, domain.EventCallOffered, events.Events[0].Name)
	assert.Equal(t, "user:2", events.Events[0].Recipient)
}
