package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"watchparty/internal/core/services"
)

// AuthMiddleware enforces a valid login token when login gating is enabled.
// With requireLogin false it is a no-op, matching the default open setup.
func AuthMiddleware(authService services.AuthService, requireLogin bool) gin.HandlerFunc {
	if !requireLogin {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}
