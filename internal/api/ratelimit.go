package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// HitCounter counts hits on a key within a fixed window
type HitCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

type redisCounter struct {
	client *redis.Client
}

// NewRedisCounter counts hits with INCR and a key expiry set on the first hit
func NewRedisCounter(client *redis.Client) HitCounter {
	return &redisCounter{client: client}
}

func (c *redisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return count, 0, fmt.Errorf("failed to set expiry on %s: %w", key, err)
		}
		return count, window, nil
	}

	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return count, 0, nil
	}
	return count, ttl, nil
}

// RateLimiter caps requests per client IP
type RateLimiter struct {
	counter HitCounter
	name    string
	limit   int
	window  time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window
func NewRateLimiter(counter HitCounter, name string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		name:    name,
		limit:   limit,
		window:  window,
	}
}

// Middleware rejects requests over the limit. Counter failures let the
// request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("rate_limit:%s:%s", l.name, clientIP(r))

		count, ttl, err := l.counter.Hit(r.Context(), key, l.window)
		if err != nil {
			slog.Warn("rate limiter unavailable", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if count > int64(l.limit) {
			w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Round(time.Second).Seconds())))
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request's remote host. RealIP has already applied
// forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
