package middleware

import (
	"strings"

	"tradeloop/engine/internal/util"
	"tradeloop/engine/pkg/jwt"

	"github.com/gin-gonic/gin"
)

// Auth validates the Bearer token and stores the caller identity in
// the request context.
func Auth(jwtManager *jwt.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			util.AbortWithCustomError(c, 401, util.ErrCodeUnauthorized, "Missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			util.AbortWithCustomError(c, 401, util.ErrCodeUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := jwtManager.Validate(parts[1])
		if err != nil {
			util.AbortWithCustomError(c, 401, util.ErrCodeUnauthorized, "Invalid or expired token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)

		c.Next()
	}
}
