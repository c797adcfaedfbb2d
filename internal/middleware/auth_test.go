package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(context.Context, *jwt.Claims) (bool, error) {
	return s.revoked, s.err
}

func authRouter(manager *jwt.JWTManager, rc RevocationChecker, got *domain.Actor) *gin.Engine {
	r := gin.New()
	r.GET("/me", AuthMiddleware(manager, rc), func(c *gin.Context) {
		actor, ok := ActorFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		*got = actor
		c.Status(http.StatusOK)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-test-secret-test-secret", time.Hour)
	userToken, err := manager.GenerateAccessToken(42, "alice", jwt.RoleUser)
	require.NoError(t, err)
	adminToken, err := manager.GenerateAccessToken(7, "root", jwt.RoleAdmin)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		rc     RevocationChecker
		status int
		code   string
		actor  domain.Actor
	}{
		{name: "missing header", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "wrong scheme", header: "Basic " + userToken, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "garbage token", header: "Bearer nope", status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "user", header: "Bearer " + userToken, status: http.StatusOK, actor: domain.Actor{UserID: 42}},
		{name: "admin", header: "Bearer " + adminToken, status: http.StatusOK, actor: domain.Actor{UserID: 7, IsAdmin: true}},
		{name: "revoked", header: "Bearer " + userToken, rc: stubRevocation{revoked: true}, status: http.StatusUnauthorized, code: "INVALID_TOKEN"},
		{name: "revocation store down", header: "Bearer " + userToken, rc: stubRevocation{err: errors.New("down")}, status: http.StatusOK, actor: domain.Actor{UserID: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got domain.Actor
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authRouter(manager, tt.rc, &got).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.actor, got)
			if tt.code != "" {
				assert.Contains(t, w.Body.String(), `"`+tt.code+`"`)
			}
		})
	}
}

func TestAuthMiddleware_WebsocketQueryToken(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret-test-secret-test-secret", time.Hour)
	token, err := manager.GenerateAccessToken(5, "bob", jwt.RoleUser)
	require.NoError(t, err)

	var got domain.Actor
	r := authRouter(manager, nil, &got)

	req := httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "query token only for upgrades")

	req = httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), got.UserID)
}
