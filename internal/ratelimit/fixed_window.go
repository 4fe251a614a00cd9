package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Returns {count, pttl} for the current window key.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter checks whether key may perform one more request.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// Rule is a quota of Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) validate() error {
	if r.Limit <= 0 || r.Window <= 0 {
		return errors.New("rate limiter requires positive limit and window")
	}
	return nil
}

// RedisFixedWindowLimiter shares counters across replicas through Redis.
type RedisFixedWindowLimiter struct {
	rule   Rule
	client *redis.Client
	prefix string
}

// NewRedisFixedWindowLimiter creates a distributed limiter. Keys are stored
// as <prefix>:<key>:<window slot>.
func NewRedisFixedWindowLimiter(client *redis.Client, prefix string, rule Rule) (*RedisFixedWindowLimiter, error) {
	if err := rule.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "profilehub:ratelimit"
	}
	return &RedisFixedWindowLimiter{rule: rule, client: client, prefix: prefix}, nil
}

// Allow fails closed: a Redis error denies the request.
func (l *RedisFixedWindowLimiter) Allow(ctx context.Context, key string) Decision {
	windowMs := l.rule.Window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{Allowed: false, RetryAfter: l.rule.Window}
	}
	if res[0] <= int64(l.rule.Limit) {
		return Decision{Allowed: true}
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry <= 0 {
		retry = l.rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// MemoryFixedWindowLimiter is a single-process limiter.
type MemoryFixedWindowLimiter struct {
	rule Rule
	now  func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

type window struct {
	start time.Time
	count int
}

func NewMemoryFixedWindowLimiter(rule Rule) (*MemoryFixedWindowLimiter, error) {
	if err := rule.validate(); err != nil {
		return nil, err
	}
	return &MemoryFixedWindowLimiter{rule: rule, now: time.Now, windows: make(map[string]window)}, nil
}

func (l *MemoryFixedWindowLimiter) Allow(_ context.Context, key string) Decision {
	key = normalizeKey(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.rule.Window {
		w = window{start: now}
		l.gcLocked(now)
	}
	w.count++
	l.windows[key] = w
	if w.count <= l.rule.Limit {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: w.start.Add(l.rule.Window).Sub(now)}
}

// gcLocked drops expired windows once the map grows.
func (l *MemoryFixedWindowLimiter) gcLocked(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.rule.Window {
			delete(l.windows, k)
		}
	}
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
