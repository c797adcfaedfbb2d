package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/call"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// DefaultMaxConnections bounds concurrent event streams per instance
	DefaultMaxConnections = 1000
)

// CallLookup resolves a call the connecting user may watch
type CallLookup interface {
	GetCall(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*call.Session, error)
}

// Recorder receives websocket metrics
type Recorder interface {
	SetWebSocketConnections(count int)
	RecordWebSocketMessage(msgType, direction string)
	RecordWebSocketError(err string)
}

// EventsHub streams call events to connected users. Every connection follows
// the user's own topic and, when call_id is given, the media channel topic of
// that call.
type EventsHub struct {
	redis    *database.RedisClient
	calls    CallLookup
	metrics  Recorder
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*EventsClient]struct{}

	maxConnections int
	semaphore      chan struct{}
}

// EventsClient is one websocket connection
type EventsClient struct {
	hub    *EventsHub
	conn   *websocket.Conn
	send   chan []byte
	userID int64
	cancel context.CancelFunc
}

// NewEventsHub creates a new hub. Browser connections must come from one of
// allowedOrigins; clients that send no Origin are accepted. metrics may be nil.
func NewEventsHub(redis *database.RedisClient, calls CallLookup, allowedOrigins []string, maxConnections int, metrics Recorder) *EventsHub {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &EventsHub{
		redis:   redis,
		calls:   calls,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin] || allowed["*"]
			},
		},
		clients:        make(map[*EventsClient]struct{}),
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS upgrades an authenticated request to an event stream
// GET /v1/calls/ws/events?call_id=
func (h *EventsHub) ServeWS(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	topics := []string{call.ToUser(actor.UserID).Topic()}
	if raw := c.Query("call_id"); raw != "" {
		callID, err := uuid.Parse(raw)
		if err != nil {
			response.ValidationError(c, "Invalid call ID")
			return
		}
		session, err := h.calls.GetCall(c.Request.Context(), actor, callID)
		if err != nil {
			response.FromError(c, err)
			return
		}
		topics = append(topics, call.ToChannel(session.Call.ChannelName).Topic())
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Server at capacity, please try again later")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub, err := h.redis.SafeSubscribe(ctx, topics...)
	if err == nil {
		// Wait for the confirmation so no event published after the upgrade is lost
		_, err = pubsub.Receive(ctx)
	}
	if err != nil {
		cancel()
		<-h.semaphore
		if pubsub != nil {
			pubsub.Close()
		}
		h.recordError("subscribe")
		logger.Warn("Failed to subscribe to call events",
			zap.Int64("user_id", actor.UserID),
			zap.Error(err))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Event stream unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		<-h.semaphore
		pubsub.Close()
		h.recordError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.Int64("user_id", actor.UserID),
			zap.Error(err))
		return
	}

	client := &EventsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: actor.UserID,
		cancel: cancel,
	}
	h.register(client)

	go client.forward(ctx, pubsub.Channel(), func() {
		pubsub.Close()
	})
	go client.writePump()
	go client.readPump()
}

// Connections returns the number of open streams
func (h *EventsHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventsHub) register(client *EventsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(n)
	}
	logger.Debug("Event stream opened", zap.Int64("user_id", client.userID))
}

func (h *EventsHub) unregister(client *EventsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.cancel()
	<-h.semaphore
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(n)
	}
	logger.Debug("Event stream closed", zap.Int64("user_id", client.userID))
}

func (h *EventsHub) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketError(kind)
	}
}

// Shutdown closes every open stream
func (h *EventsHub) Shutdown() {
	h.mu.Lock()
	clients := make([]*EventsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
}

// forward copies pub/sub messages into the send queue until ctx ends. A
// client that cannot keep up is dropped.
func (c *EventsClient) forward(ctx context.Context, messages <-chan *redis.Message, closeSub func()) {
	defer func() {
		closeSub()
		close(c.send)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case c.send <- []byte(msg.Payload):
			default:
				c.hub.recordError("slow_consumer")
				logger.Warn("Dropping slow event stream", zap.Int64("user_id", c.userID))
				return
			}
		}
	}
}

// readPump only watches for close and pong frames; clients send nothing else
func (c *EventsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.Int64("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage("client", "inbound")
		}
	}
}

func (c *EventsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.recordError("write")
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.RecordWebSocketMessage("event", "outbound")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
