package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/pkg/push"
)

func newRepo(t *testing.T) (*miniredis.Miniredis, *PushTokenRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewPushTokenRepository(client)
}

func TestPushTokenRepository_StoreAndGet(t *testing.T) {
	mr, repo := newRepo(t)
	ctx := context.Background()

	tok := &push.Token{UserID: 5, Token: "device-a", Type: push.TokenTypeFCM, Platform: "android", Active: true}
	require.NoError(t, repo.Store(ctx, tok))
	assert.NotZero(t, tok.CreatedAt)

	got, err := repo.GetByToken(ctx, "device-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.UserID)
	assert.Equal(t, tok.ID, got.ID)

	ttl := mr.TTL(tokenKey("device-a"))
	assert.Equal(t, pushTokenExpiry, ttl)

	missing, err := repo.GetByToken(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPushTokenRepository_MovesBetweenUsers(t *testing.T) {
	_, repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, &push.Token{UserID: 1, Token: "shared", Active: true}))
	require.NoError(t, repo.Store(ctx, &push.Token{UserID: 2, Token: "shared", Active: true}))

	first, err := repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, first)

	second, err := repo.GetByUserID(ctx, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "shared", second[0].Token)
}

func TestPushTokenRepository_ExpiredTokenDropped(t *testing.T) {
	mr, repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, &push.Token{UserID: 3, Token: "old", Active: true}))
	mr.Del(tokenKey("old"))

	tokens, err := repo.GetByUserID(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	members, err := mr.SMembers(userTokensKey(3))
	if err == nil {
		assert.NotContains(t, members, "old")
	}
}

func TestPushTokenRepository_MarkInactiveKeepsTTL(t *testing.T) {
	mr, repo := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, &push.Token{UserID: 4, Token: "t", Active: true}))
	mr.FastForward(time.Hour)

	require.NoError(t, repo.MarkInactive(ctx, "t"))
	got, err := repo.GetByToken(ctx, "t")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, pushTokenExpiry-time.Hour, mr.TTL(tokenKey("t")))

	// unknown tokens are ignored
	require.NoError(t, repo.MarkInactive(ctx, "unknown"))
}

func TestPushTokenRepository_WorksWithPushService(t *testing.T) {
	_, repo := newRepo(t)
	ctx := context.Background()
	provider := &push.MockProvider{Invalid: map[string]bool{"dead": true}}
	svc := push.NewService(provider, repo, nil)

	require.NoError(t, svc.RegisterToken(ctx, &push.Token{UserID: 9, Token: "live", Type: push.TokenTypeAPNs}))
	require.NoError(t, svc.RegisterToken(ctx, &push.Token{UserID: 9, Token: "dead", Type: push.TokenTypeAPNs}))

	require.NoError(t, svc.SendMissedCall(ctx, uuid.New(), 1, []int64{9}))
	require.Len(t, provider.Sent(), 1)

	dead, err := repo.GetByToken(ctx, "dead")
	require.NoError(t, err)
	assert.False(t, dead.Active)
}
