package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/push"
)

// pushTokenExpiry bounds how long a device stays registered without refreshing
const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID int64) string {
	return fmt.Sprintf("push:user:%d:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	// A device token moved to another account leaves its previous owner's set
	previous, err := r.GetByToken(ctx, token.Token)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	if previous != nil && previous.UserID != token.UserID {
		pipe.SRem(ctx, userTokensKey(previous.UserID), token.Token)
	}
	pipe.Set(ctx, tokenKey(token.Token), data, pushTokenExpiry)
	pipe.SAdd(ctx, userTokensKey(token.UserID), token.Token)
	pipe.Expire(ctx, userTokensKey(token.UserID), pushTokenExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.Int64("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value, or nil when it is unknown
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID int64) ([]*push.Token, error) {
	tokens, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.Int64("user_id", userID),
				zap.Error(err))
			continue
		}
		if token == nil {
			// Expired behind the set's back
			r.client.SRem(ctx, userTokensKey(userID), tokenStr)
			continue
		}
		if token.UserID == userID {
			result = append(result, token)
		}
	}

	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	return r.Store(ctx, token)
}

// MarkInactive marks a token as inactive
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil || token == nil {
		return err
	}

	token.Active = false
	token.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.Set(ctx, tokenKey(tokenStr), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("Push token marked as inactive",
		zap.String("token_id", token.ID.String()),
		zap.Int64("user_id", token.UserID))
	return nil
}
