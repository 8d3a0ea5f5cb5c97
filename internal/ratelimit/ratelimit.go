// Package ratelimit provides Redis-based rate limiting for login attempts
// and realtime message sends
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when a rate limit is exceeded
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter provides rate limiting functionality using Redis
type Limiter struct {
	redis *redis.Client
}

// NewLimiter creates a new rate limiter
func NewLimiter(redis *redis.Client) *Limiter {
	return &Limiter{redis: redis}
}

// Limits defines the fixed-window limits applied per concern
type Limits struct {
	// Per-IP: failed-or-not login attempts
	LoginLimit  int
	LoginWindow time.Duration

	// Per-user: send-message events over the realtime connection
	SendLimit  int
	SendWindow time.Duration

	// Per-user: post creations
	PostLimit  int
	PostWindow time.Duration
}

// DefaultLimits returns the recommended rate limits
func DefaultLimits() Limits {
	return Limits{
		LoginLimit:  10,
		LoginWindow: time.Minute,
		SendLimit:   60,
		SendWindow:  time.Minute,
		PostLimit:   20,
		PostWindow:  time.Minute,
	}
}

// CheckLogin limits login attempts per client IP.
// Returns nil if allowed, ErrRateLimited otherwise.
func (l *Limiter) CheckLogin(ctx context.Context, ip string) error {
	if l == nil || l.redis == nil || ip == "" {
		// If Redis is unavailable, allow the request (fail-open for availability)
		return nil
	}

	limits := DefaultLimits()
	key := fmt.Sprintf("ratelimit:login:ip:%s", ip)
	if err := l.checkLimit(ctx, key, limits.LoginLimit, limits.LoginWindow); err != nil {
		log.Printf("[RateLimit] IP %s exceeded login attempt limit", ip)
		return ErrRateLimited
	}

	return nil
}

// CheckSend limits realtime send-message events per sending user
func (l *Limiter) CheckSend(ctx context.Context, userID string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	limits := DefaultLimits()
	key := fmt.Sprintf("ratelimit:send:user:%s", userID)
	if err := l.checkLimit(ctx, key, limits.SendLimit, limits.SendWindow); err != nil {
		log.Printf("[RateLimit] User %s exceeded message send limit", userID)
		return ErrRateLimited
	}

	return nil
}

// CheckPost limits post creations per authoring user
func (l *Limiter) CheckPost(ctx context.Context, userID string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	limits := DefaultLimits()
	key := fmt.Sprintf("ratelimit:post:user:%s", userID)
	if err := l.checkLimit(ctx, key, limits.PostLimit, limits.PostWindow); err != nil {
		log.Printf("[RateLimit] User %s exceeded post creation limit", userID)
		return ErrRateLimited
	}

	return nil
}

// checkLimit performs the actual rate limit check using Redis INCR
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability
		return nil
	}

	// If this is the first request, set the expiry
	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}

	return nil
}
