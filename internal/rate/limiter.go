// Package rate provides the advisory per-IP request limiter. The counter
// lives in Redis so all gateway instances share one window; the result is
// advisory and fails open only when the deployment explicitly opts in.
package rate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is consulted once per request with a single call.
type Limiter interface {
	// Allow reports whether key may proceed and, when it may not, how
	// long until the window resets.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// fixed-window counter: INCR, arm the expiry on first hit, return the
// count together with the window remainder.
const windowScript = `
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {c, ttl}
`

type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := l.rdb.Eval(ctx, windowScript, []string{"rate:" + key}, l.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr := res.([]interface{})
	count := arr[0].(int64)
	ttlMs := arr[1].(int64)
	if count <= int64(l.limit) {
		return true, 0, nil
	}
	retry := time.Duration(ttlMs) * time.Millisecond
	if retry <= 0 {
		retry = l.window
	}
	return false, retry, nil
}

// NoopLimiter admits everything; used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return true, 0, nil
}

// MemoryLimiter is a process-local fixed-window counter with the same
// semantics as RedisLimiter, for tests and Redis-free deployments.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]*memoryWindow
	now    func() time.Time
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]*memoryWindow),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.counts[key]
	if !ok || now.After(w.resetAt) {
		l.counts[key] = &memoryWindow{count: 1, resetAt: now.Add(l.window)}
		if l.limit < 1 {
			return false, l.window, nil
		}
		return true, 0, nil
	}
	w.count++
	if w.count <= l.limit {
		return true, 0, nil
	}
	return false, w.resetAt.Sub(now), nil
}
