package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tradeloop/engine/internal/util"
	"tradeloop/engine/pkg/redis"

	"github.com/gin-gonic/gin"
)

// RateLimiter limits requests per identifier within a window, backed
// by a Redis counter so limits hold across replicas.
type RateLimiter struct {
	redis     *redis.Client
	limit     int
	window    time.Duration
	keyPrefix string
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, keyPrefix string) *RateLimiter {
	return &RateLimiter{
		redis:     redisClient,
		limit:     limit,
		window:    window,
		keyPrefix: keyPrefix,
	}
}

// Limit returns a middleware that enforces the configured limit
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		key := redis.RateLimitKey(identifier, rl.keyPrefix)

		allowed, err := rl.checkRateLimit(c.Request.Context(), key)
		if err != nil {
			// Redis trouble must not take the API down
			c.Next()
			return
		}

		if !allowed {
			util.AbortWithCustomError(c, http.StatusTooManyRequests,
				util.ErrCodeRateLimit, "Rate limit exceeded. Please try again later.")
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string) (bool, error) {
	count, err := rl.redis.Incr(ctx, key)
	if err != nil {
		return false, err
	}

	if count == 1 {
		if err := rl.redis.Expire(ctx, key, rl.window); err != nil {
			return false, err
		}
	}

	return count <= int64(rl.limit), nil
}

// RateLimit creates a rate limiting middleware with default settings
func RateLimit(redisClient *redis.Client, limit int) gin.HandlerFunc {
	limiter := NewRateLimiter(redisClient, limit, time.Minute, "general")
	return limiter.Limit()
}

// LifecycleRateLimit limits the bot start/stop family of endpoints,
// which fan out to exchange calls and deserve a tighter budget.
func LifecycleRateLimit(redisClient *redis.Client, limit int) gin.HandlerFunc {
	limiter := NewRateLimiter(redisClient, limit, time.Minute, "lifecycle")
	return limiter.Limit()
}
