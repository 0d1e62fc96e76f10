// Package middleware provides HTTP middleware for PocketLedger.
// ratelimit.go implements a per-IP fixed-window rate limiter whose counters
// live in Redis, so every instance behind the load balancer shares them.
// Applied to the public auth endpoints.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// rateLimitKeyPrefix namespaces limiter counters in Redis.
const rateLimitKeyPrefix = "ratelimit:"

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	redis       redis.Cmdable
	maxRequests int64
	window      time.Duration
}

// NewRateLimiter creates a limiter allowing maxRequests per window.
func NewRateLimiter(rdb redis.Cmdable, maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:       rdb,
		maxRequests: int64(maxRequests),
		window:      window,
	}
}

// Allow increments the counter for key and reports whether the request fits
// in the current window. When it does not, retryAfter is the time left until
// the window resets.
func (l *RateLimiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	k := rateLimitKeyPrefix + key

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		// First hit opens the window.
		if err := l.redis.PExpire(ctx, k, l.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= l.maxRequests {
		return true, 0, nil
	}

	ttl, err := l.redis.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		// Key lost its expiry (e.g. PEXPIRE failed after INCR); reopen the window.
		_ = l.redis.PExpire(ctx, k, l.window).Err()
		ttl = l.window
	}
	return false, ttl, nil
}

// RateLimit returns middleware that limits requests per client IP and route.
// Returns 429 with a Retry-After header when exceeded. If Redis is
// unreachable the request is let through and a warning is logged. A nil
// limiter disables limiting.
func RateLimit(limiter *RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if limiter == nil {
			return next
		}
		return func(c echo.Context) error {
			key := c.Path() + ":" + c.RealIP()

			allowed, retryAfter, err := limiter.Allow(c.Request().Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request",
					slog.String("path", c.Path()),
					slog.Any("error", err),
				)
				return next(c)
			}
			if !allowed {
				secs := int64((retryAfter + time.Second - 1) / time.Second)
				c.Response().Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"success": false,
					"error":   "rate_limited",
					"message": "Rate limit exceeded. Please try again later.",
				})
			}

			return next(c)
		}
	}
}
