package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication Middleware
//
// Validates requests against a configured token. If set, all protected
// routes require: Authorization: Bearer <token>
//
// Public endpoints (websocket stream, health) are excluded.
// ──────────────────────────────────────────────────────────────────

// AuthMiddleware returns a Gin middleware that validates bearer tokens. If
// token is empty, all requests are allowed (dev mode) — adapted from the
// teacher's env-read AuthMiddleware to take the token as an explicit
// dependency from config.Load rather than re-reading the environment.
func AuthMiddleware(token string, log zerolog.Logger) gin.HandlerFunc {
	if token == "" {
		log.Warn().Msg("API_AUTH_TOKEN is not set — all protected endpoints are publicly accessible")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <API_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
