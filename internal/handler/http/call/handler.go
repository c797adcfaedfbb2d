package call

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/call"
	"callsession-backend/pkg/response"
)

// Handler handles call HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{callService: callService}
}

// RegisterRoutes mounts the call endpoints on an authenticated group.
// initiate may carry extra middleware such as a rate limiter.
func (h *Handler) RegisterRoutes(calls *gin.RouterGroup, initiate ...gin.HandlerFunc) {
	calls.POST("/initiate", append(initiate, h.InitiateCall)...)
	calls.GET("/history", h.GetCallHistory)
	calls.GET("/:id", h.GetCall)
	calls.GET("/:id/token", h.GetToken)
	calls.GET("/:id/events", h.GetEvents)
	calls.POST("/:id/join", h.JoinCall)
	calls.POST("/:id/leave", h.LeaveCall)
	calls.POST("/:id/end", h.EndCall)
	calls.POST("/:id/reject", h.RejectCall)
	calls.POST("/:id/cancel", h.CancelCall)
	calls.POST("/:id/toggle-mic", h.ToggleMic)
	calls.POST("/:id/toggle-video", h.ToggleVideo)
	calls.POST("/:id/raise-hand", h.RaiseHand)
}

// InitiateCallRequest represents call initiation request. Exactly one of
// ReceiverID and GroupID is set.
type InitiateCallRequest struct {
	ReceiverID *int64 `json:"receiver_id"`
	GroupID    *int64 `json:"group_id"`
	IsVideo    bool   `json:"is_video"`
}

// InitiateCall starts a new call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}

	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body")
		return
	}
	target, err := domain.NewCallTarget(req.ReceiverID, req.GroupID)
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	session, err := h.callService.Initiate(c.Request.Context(), &call.InitiateInput{
		Actor:   actor,
		Target:  target,
		IsVideo: req.IsVideo,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, session)
}

// JoinCall admits the caller to a call
// POST /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	h.transition(c, h.callService.Join)
}

// LeaveCall takes the caller out of a call
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	h.transition(c, h.callService.Leave)
}

// EndCall terminates a call for everyone
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	h.transition(c, h.callService.End)
}

// RejectCall declines a ringing call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	h.transition(c, h.callService.Reject)
}

// CancelCall withdraws a call nobody answered yet
// POST /v1/calls/:id/cancel
func (h *Handler) CancelCall(c *gin.Context) {
	h.transition(c, h.callService.Cancel)
}

// GetCall returns a call with its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	h.transition(c, h.callService.GetCall)
}

type sessionFunc func(ctx context.Context, actor domain.Actor, callID uuid.UUID) (*call.Session, error)

func (h *Handler) transition(c *gin.Context, fn sessionFunc) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	callID, ok := callIDOf(c)
	if !ok {
		return
	}

	session, err := fn(c.Request.Context(), actor, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// ToggleRequest sets a media flag to Value. Without a body the flag flips.
type ToggleRequest struct {
	Value *bool `json:"value"`
}

type flagFunc func(ctx context.Context, actor domain.Actor, callID uuid.UUID, desired *bool) (*domain.CallParticipant, error)

// ToggleMic mutes or unmutes the caller
// POST /v1/calls/:id/toggle-mic
func (h *Handler) ToggleMic(c *gin.Context) {
	h.toggle(c, h.callService.ToggleMic)
}

// ToggleVideo turns the caller's camera off or on
// POST /v1/calls/:id/toggle-video
func (h *Handler) ToggleVideo(c *gin.Context) {
	h.toggle(c, h.callService.ToggleVideo)
}

// RaiseHand raises or lowers the caller's hand
// POST /v1/calls/:id/raise-hand
func (h *Handler) RaiseHand(c *gin.Context) {
	h.toggle(c, h.callService.RaiseHand)
}

func (h *Handler) toggle(c *gin.Context, fn flagFunc) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	callID, ok := callIDOf(c)
	if !ok {
		return
	}

	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ValidationError(c, "Invalid request body")
		return
	}

	participant, err := fn(c.Request.Context(), actor, callID, req.Value)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, participant)
}

// GetToken issues fresh media credentials to a joined participant
// GET /v1/calls/:id/token
func (h *Handler) GetToken(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	callID, ok := callIDOf(c)
	if !ok {
		return
	}

	creds, err := h.callService.IssueToken(c.Request.Context(), actor, callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, creds)
}

// GetEvents returns the journaled events of a call
// GET /v1/calls/:id/events?limit=
func (h *Handler) GetEvents(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	callID, ok := callIDOf(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	events, err := h.callService.Events(c.Request.Context(), actor, callID, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if events == nil {
		events = []*domain.CallEvent{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"events":  events,
	})
}

// GetCallHistory lists the caller's calls, newest first
// GET /v1/calls/history?limit=&offset=
func (h *Handler) GetCallHistory(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}

	calls, err := h.callService.History(c.Request.Context(), actor, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.Call{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"count":  len(calls),
		"offset": offset,
	})
}

func actorOf(c *gin.Context) (domain.Actor, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
	}
	return actor, ok
}

func callIDOf(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

// queryInt reads an optional integer query parameter; absent means 0
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		response.ValidationError(c, "Invalid "+name)
		return 0, false
	}
	return v, true
}
