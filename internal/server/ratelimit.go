package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitKeyPrefix = "duranu:ratelimit:"

var (
	errMissingRedisClient  = errors.New("rate limiter: redis client required")
	errInvalidRateLimitCap = errors.New("rate limiter: max requests and window must be positive")
)

// WindowCounter counts hits per key inside a fixed window.
type WindowCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisWindowCounter keeps fixed-window counters in redis with INCR and EXPIRE.
type RedisWindowCounter struct {
	client redis.Cmdable
}

// NewRedisWindowCounter wraps a redis client.
func NewRedisWindowCounter(client redis.Cmdable) (*RedisWindowCounter, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return &RedisWindowCounter{client: client}, nil
}

// Increment bumps the counter and arms its expiry on the first hit of a window.
func (c *RedisWindowCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RateLimiterConfig describes a per-user request budget.
type RateLimiterConfig struct {
	Counter     WindowCounter
	MaxRequests int
	Window      time.Duration
	Logger      *zap.Logger
}

// RateLimiter rejects callers that exceed their request budget.
type RateLimiter struct {
	counter     WindowCounter
	maxRequests int64
	window      time.Duration
	logger      *zap.Logger
}

// NewRateLimiter validates the configuration.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	if cfg.Counter == nil {
		return nil, errMissingRedisClient
	}
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil, errInvalidRateLimitCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		counter:     cfg.Counter,
		maxRequests: int64(cfg.MaxRequests),
		window:      cfg.Window,
		logger:      logger,
	}, nil
}

// Middleware limits authenticated requests by user id, falling back to the client address.
// Counter failures let the request through.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetString(userIDContextKey)
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}
		count, err := l.counter.Increment(c.Request.Context(), rateLimitKeyPrefix+subject, l.window)
		if err != nil {
			l.logger.Warn("rate limit counter unavailable", zap.Error(err))
			c.Next()
			return
		}
		remaining := l.maxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(l.maxRequests, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if count > l.maxRequests {
			c.Header("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			respondFailure(c, http.StatusTooManyRequests, "rate_limited")
			return
		}
		c.Next()
	}
}
