package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/pkg/common"
	"github.com/drivelane/fleettrust/pkg/config"
	"github.com/drivelane/fleettrust/pkg/logger"
)

// DeviceIDHeader identifies the reporting device on ingestion requests.
const DeviceIDHeader = "X-Device-ID"

// Limiter enforces a fixed-window request limit per device in Redis.
type Limiter struct {
	client redis.Cmdable
	cfg    config.RateLimitConfig
	now    func() time.Time
}

// NewLimiter creates a rate limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{client: client, cfg: cfg, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (l *Limiter) WithNow(now func() time.Time) {
	l.now = now
}

// Allow increments the counter for the key's current window and reports
// whether the request is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if !l.cfg.Enabled {
		return true, nil
	}

	window := l.now().Unix() / int64(l.cfg.WindowSeconds)
	redisKey := fmt.Sprintf("%s:%s:%d", l.cfg.RedisPrefix, key, window)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		// First hit in the window owns the expiry.
		if err := l.client.Expire(ctx, redisKey, time.Duration(l.cfg.WindowSeconds)*time.Second).Err(); err != nil {
			return false, err
		}
	}

	return count <= int64(l.cfg.Limit), nil
}

// Middleware returns a gin middleware limiting requests per device. Requests
// without a device header fall back to the client IP. Redis failures fail
// open so a cache outage never blocks ingestion.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(DeviceIDHeader)
		if key == "" {
			key = c.ClientIP()
		}

		allowed, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request",
				zap.String("key", key),
				zap.Error(err),
			)
			c.Next()
			return
		}

		if !allowed {
			common.ErrorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}
