package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/resilience"
)

// Provider calls stop for providerCooldown after providerFailureThreshold
// consecutive errors
const (
	providerFailureThreshold = 5
	providerCooldown         = 30 * time.Second
)

// Provider defines interface for sending push notifications
type Provider interface {
	Name() string
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Notification types, used in the payload and as a metrics label
const (
	TypeIncomingCall = "call"
	TypeCallEnded    = "call_ended"
	TypeMissedCall   = "missed_call"
)

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID      uuid.UUID
	ChannelName string
	CallerID    int64
	CallType    string
	IsVideo     bool
	Timestamp   int64
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID int64) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	MarkInactive(ctx context.Context, token string) error
}

// Recorder receives push delivery metrics
type Recorder interface {
	RecordPushNotification(notifType, platform string)
	RecordPushNotificationFailure(notifType, platform, reason string)
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  Recorder
	breaker  *resilience.Breaker
}

// NewService creates a new push notification service. metrics may be nil.
func NewService(provider Provider, repo TokenRepository, metrics Recorder) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		metrics:  metrics,
		breaker:  resilience.NewBreaker("push_"+provider.Name(), providerFailureThreshold, providerCooldown),
	}
}

// RegisterToken registers a push notification token for a user. A token that
// is already known is reassigned to the user and reactivated.
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err != nil {
		return fmt.Errorf("failed to look up push token: %w", err)
	}
	if existing != nil && existing.UserID == token.UserID {
		existing.Active = true
		existing.Type = token.Type
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		return s.repo.Update(ctx, existing)
	}

	token.Active = true
	return s.repo.Store(ctx, token)
}

// Tokens returns the tokens registered for a user
func (s *Service) Tokens(ctx context.Context, userID int64) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// UnregisterToken deactivates a token owned by userID. It reports false when
// the user has no such token.
func (s *Service) UnregisterToken(ctx context.Context, userID int64, tokenStr string) (bool, error) {
	token, err := s.repo.GetByToken(ctx, tokenStr)
	if err != nil {
		return false, fmt.Errorf("failed to look up push token: %w", err)
	}
	if token == nil || token.UserID != userID {
		return false, nil
	}
	if err := s.repo.MarkInactive(ctx, tokenStr); err != nil {
		return false, fmt.Errorf("failed to unregister push token: %w", err)
	}
	return true, nil
}

// SendIncomingCall notifies callees that they are being called
func (s *Service) SendIncomingCall(ctx context.Context, data *CallNotificationData, calleeIDs []int64) error {
	kind := "voice"
	if data.IsVideo {
		kind = "video"
	}
	return s.send(ctx, TypeIncomingCall, &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("Incoming %s call", kind),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":         TypeIncomingCall,
			"call_id":      data.CallID.String(),
			"channel_name": data.ChannelName,
			"caller_id":    strconv.FormatInt(data.CallerID, 10),
			"call_type":    data.CallType,
			"is_video":     strconv.FormatBool(data.IsVideo),
			"timestamp":    strconv.FormatInt(data.Timestamp, 10),
		},
	}, calleeIDs)
}

// SendCallEnded notifies participants that a call is over
func (s *Service) SendCallEnded(ctx context.Context, callID uuid.UUID, status string, duration int64, participantIDs []int64) error {
	return s.send(ctx, TypeCallEnded, &Notification{
		Title:    "Call Ended",
		Body:     fmt.Sprintf("Call %s. Duration: %s", status, formatDuration(duration)),
		Priority: "normal",
		Data: map[string]string{
			"type":     TypeCallEnded,
			"call_id":  callID.String(),
			"status":   status,
			"duration": strconv.FormatInt(duration, 10),
		},
	}, participantIDs)
}

// SendMissedCall notifies callees of a call that rang out
func (s *Service) SendMissedCall(ctx context.Context, callID uuid.UUID, callerID int64, calleeIDs []int64) error {
	return s.send(ctx, TypeMissedCall, &Notification{
		Title:    "Missed Call",
		Body:     "You missed a call",
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":      TypeMissedCall,
			"call_id":   callID.String(),
			"caller_id": strconv.FormatInt(callerID, 10),
		},
	}, calleeIDs)
}

func (s *Service) send(ctx context.Context, notifType string, notification *Notification, userIDs []int64) error {
	tokens := s.collectTokens(ctx, userIDs)
	if len(tokens) == 0 {
		logger.Debug("No active push tokens found",
			zap.String("type", notifType),
			zap.Int("user_count", len(userIDs)))
		return nil
	}

	var result *SendResult
	err := s.breaker.Execute(func() error {
		var err error
		result, err = s.provider.Send(ctx, notification, tokens)
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		s.recordFailure(notifType, "circuit_open")
		return fmt.Errorf("push provider unavailable: %w", err)
	}
	if err != nil {
		s.recordFailure(notifType, "provider_error")
		return fmt.Errorf("failed to send %s notification: %w", notifType, err)
	}

	for i := 0; i < result.SuccessCount; i++ {
		s.recordSuccess(notifType)
	}
	for i := 0; i < result.FailureCount; i++ {
		s.recordFailure(notifType, "rejected")
	}

	logger.Info("Push notification sent",
		zap.String("type", notifType),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	s.handleInvalidTokens(ctx, result.InvalidTokens)
	return nil
}

func (s *Service) collectTokens(ctx context.Context, userIDs []int64) []string {
	var all []string
	for _, userID := range userIDs {
		tokens, err := s.repo.GetByUserID(ctx, userID)
		if err != nil {
			logger.Warn("Failed to get push tokens for user",
				zap.Int64("user_id", userID),
				zap.Error(err))
			continue
		}
		for _, token := range tokens {
			if token.Active {
				all = append(all, token.Token)
			}
		}
	}
	return all
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, tokenStr); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token", maskPushToken(tokenStr)),
				zap.Error(err))
		}
	}
}

func (s *Service) recordSuccess(notifType string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotification(notifType, s.provider.Name())
	}
}

func (s *Service) recordFailure(notifType, reason string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotificationFailure(notifType, s.provider.Name(), reason)
	}
}

// formatDuration formats duration in seconds to human-readable format
func formatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	minutes = minutes % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// maskPushToken returns a safe masked version of a push token for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
	// Invalid tokens are reported back as invalid on every send
	Invalid map[string]bool
}

// Name implements Provider
func (m *MockProvider) Name() string { return "mock" }

// Send implements Provider
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	result := &SendResult{}
	for _, t := range tokens {
		if m.Invalid[t] {
			result.FailureCount++
			result.InvalidTokens = append(result.InvalidTokens, t)
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

// Sent returns every notification handed to the provider
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
