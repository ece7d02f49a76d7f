package api

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed lua/sliding_window.lua
var luaSlidingWindow string

// RateDecision is the outcome of one admission check.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter admits or refuses a request for key within a rolling window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// RedisRateLimiter keeps a sorted set of admitted request times per key and counts those
// inside the trailing window. Refused requests are not recorded.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	script *redis.Script
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "billing"
	}
	l := &RedisRateLimiter{
		client: client,
		prefix: prefix + ":ratelimit",
		script: redis.NewScript(luaSlidingWindow),
		now:    time.Now,
	}

	// Preload the script; Run falls back to EVAL if this fails.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.script.Load(ctx, client).Err()
	}()
	return l
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	if limit <= 0 || window <= 0 {
		return RateDecision{Allowed: true, Limit: limit}, nil
	}
	keys := []string{fmt.Sprintf("%s:{%s}", l.prefix, key)}
	args := []any{l.now().UnixMilli(), window.Milliseconds(), limit, uuid.NewString()}

	raw, err := l.script.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return RateDecision{}, err
	}
	return decodeWindowResult(raw, limit)
}

// decodeWindowResult turns the script reply {admitted, used, wait_ms} into a decision.
func decodeWindowResult(raw interface{}, limit int) (RateDecision, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 3 {
		return RateDecision{}, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}
	values := make([]int64, len(arr))
	for i, v := range arr {
		n, ok := v.(int64)
		if !ok {
			return RateDecision{}, fmt.Errorf("rate limit script: reply %d is %T", i, v)
		}
		values[i] = n
	}

	d := RateDecision{Allowed: values[0] == 1, Limit: limit}
	if remaining := limit - int(values[1]); remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(values[2]) * time.Millisecond
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}
