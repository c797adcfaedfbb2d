package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsession-backend/internal/middleware"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/push"
	"callsession-backend/pkg/response"
)

// Handler handles push notification HTTP requests
type Handler struct {
	pushService *push.Service
}

// NewHandler creates a new push notification handler
func NewHandler(pushService *push.Service) *Handler {
	return &Handler{pushService: pushService}
}

// RegisterRoutes mounts the token endpoints on an authenticated group
func (h *Handler) RegisterRoutes(tokens *gin.RouterGroup) {
	tokens.POST("", h.RegisterToken)
	tokens.GET("", h.GetTokens)
	tokens.DELETE("", h.UnregisterToken)
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android"`
}

// RegisterToken registers a device for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID:   actor.UserID,
		Token:    req.Token,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	}
	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		response.FromError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("Push token registered",
		zap.Int64("user_id", actor.UserID),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	response.Success(c, http.StatusCreated, gin.H{"token_id": token.ID})
}

// GetTokens lists the authenticated user's devices
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	tokens, err := h.pushService.Tokens(c.Request.Context(), actor.UserID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if tokens == nil {
		tokens = []*push.Token{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token"`
}

// UnregisterToken stops pushes to a device
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if req.Token == "" {
		response.FromError(c, apperrors.MissingFieldError("token"))
		return
	}

	found, err := h.pushService.UnregisterToken(c.Request.Context(), actor.UserID, req.Token)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if !found {
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Token not found")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered"})
}
