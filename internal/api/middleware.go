package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// AuthValidator verifies the Authorization header of a request
type AuthValidator interface {
	VerifyAuthHeader(ctx context.Context, header string) bool
}

// Logger returns a middleware that logs requests
func Logger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info("request",
			"method", c.Request.Method,
			"path", path,
			"client_ip", c.ClientIP(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// RequireAuth returns a middleware that rejects requests whose
// Authorization header does not verify
func RequireAuth(validator AuthValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil || !validator.VerifyAuthHeader(c.Request.Context(), c.GetHeader("Authorization")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "invalid authorization header",
				},
			})
			return
		}
		c.Next()
	}
}

// CORS returns a middleware that handles CORS
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Recovery returns a middleware that recovers from panics
func Recovery() gin.HandlerFunc {
	return gin.Recovery()
}
