package middleware

import (
	"context"
	"fmt"

	"callsession-backend/internal/database"
	"callsession-backend/pkg/jwt"
)

// RedisRevocationChecker looks tokens up in the blacklist the auth service
// maintains under blacklist:<jti>
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked implements RevocationChecker
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	if claims.ID == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, "blacklist:"+claims.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return exists > 0, nil
}
