package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/call"
	"callsession-backend/internal/signal"
	apperrors "callsession-backend/pkg/errors"
)

type lookup struct {
	session *call.Session
}

func (l lookup) GetCall(_ context.Context, actor domain.Actor, callID uuid.UUID) (*call.Session, error) {
	if l.session == nil || l.session.Call.CallID != callID {
		return nil, apperrors.CallNotFoundError()
	}
	for _, p := range l.session.Participants {
		if p.UserID == actor.UserID {
			return l.session, nil
		}
	}
	return nil, apperrors.NotParticipantError()
}

type gauge struct{ last atomic.Int64 }

func (g *gauge) SetWebSocketConnections(n int)         { g.last.Store(int64(n)) }
func (g *gauge) RecordWebSocketMessage(string, string) {}
func (g *gauge) RecordWebSocketError(string)           {}

func setup(t *testing.T, l lookup, maxConns int) (*httptest.Server, *database.RedisClient, *EventsHub, *gauge) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := database.NewRedisClient(client, nil)

	g := &gauge{}
	hub := NewEventsHub(rc, l, nil, maxConns, g)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, int64(1))
		c.Next()
	}, hub.ServeWS)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return srv, rc, hub, g
}

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signal.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env signal.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestEventsHub_UserTopic(t *testing.T) {
	srv, rc, hub, g := setup(t, lookup{}, 0)

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, g.last.Load())

	bus := signal.NewRedisBus(rc)
	snap := &domain.CallSnapshot{Call: &domain.Call{CallID: uuid.New(), ChannelName: "c1"}}
	require.NoError(t, bus.Publish(context.Background(), call.ToUser(2), domain.EventCallOffered, snap))
	require.NoError(t, bus.Publish(context.Background(), call.ToUser(1), domain.EventCallOffered, snap))

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.EventCallOffered, env.Event)
	assert.Equal(t, "user:1", env.Topic)
}

func TestEventsHub_CallChannel(t *testing.T) {
	callID := uuid.New()
	session := &call.Session{
		Call:         &domain.Call{CallID: callID, ChannelName: "call_abc_1"},
		Participants: []*domain.CallParticipant{{CallID: callID, UserID: 1}},
	}
	srv, rc, _, _ := setup(t, lookup{session: session}, 0)

	conn, _, err := dial(t, srv, "?call_id="+callID.String())
	require.NoError(t, err)
	defer conn.Close()

	snap := &domain.CallSnapshot{Call: session.Call, Participants: session.Participants}
	require.NoError(t, signal.NewRedisBus(rc).Publish(context.Background(), call.ToChannel("call_abc_1"), domain.EventParticipantUpdated, snap))

	env := readEnvelope(t, conn)
	assert.Equal(t, "channel:call_abc_1", env.Topic)
}

func TestEventsHub_Rejections(t *testing.T) {
	srv, _, _, _ := setup(t, lookup{}, 1)

	_, resp, err := dial(t, srv, "?call_id=nope")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = dial(t, srv, "?call_id="+uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err = dial(t, srv, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
