package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Pub/Sub push delivery; authenticated by Google-signed token when
		// PUSH_AUDIENCE is configured.
		api.POST("/notifications/push", h.HandlePush)

		// Operator routes. Registered only when a JWT secret is configured;
		// without one there is no way to mint a valid token.
		if h.config.JWTSecret != "" {
			ops := api.Group("/")
			ops.Use(AuthMiddleware(h.config.JWTSecret))
			{
				ops.POST("/sync/trigger", h.TriggerSync)
				ops.GET("/sync/checkpoint", h.GetCheckpoint)
				ops.PUT("/sync/checkpoint", h.ResetCheckpoint)
				ops.GET("/ledger", h.GetLedger)
				ops.GET("/retries", h.GetRetries)
			}
		}
	}
}

// AuthMiddleware validates operator bearer tokens signed with the shared
// HMAC secret.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
