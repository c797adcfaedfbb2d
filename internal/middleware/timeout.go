package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/response"
)

// DefaultRequestTimeout bounds a request when no timeout is configured
const DefaultRequestTimeout = 30 * time.Second

// RequestTimeout puts a deadline on the request context. A handler that
// overran it without answering gets a 504. Not for websocket routes.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.FromContext(ctx).Warn("Request timed out",
				zap.Duration("timeout", timeout),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path))

			if !c.Writer.Written() {
				response.Error(c, http.StatusGatewayTimeout, string(apperrors.ErrCodeTimeout), "Request timeout")
				c.Abort()
			}
		}
	}
}
