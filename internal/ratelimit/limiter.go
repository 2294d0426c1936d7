package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const allowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

// Limiter bounds how many messages a user may send per window. Limiting is
// best-effort: infrastructure errors never block a send.
type Limiter interface {
	Allow(ctx context.Context, userID int) bool
}

type redisLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
	prefix string
}

// NewRedisLimiter constructs a fixed-window Redis limiter.
func NewRedisLimiter(client *redis.Client, window time.Duration, max int) Limiter {
	if client == nil {
		return NoopLimiter{}
	}
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &redisLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: "msg:rl:",
	}
}

func (l *redisLimiter) Allow(ctx context.Context, userID int) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	key := l.prefix + strconv.Itoa(userID)
	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, allowScript, []string{key}, seconds).Int()
	if err != nil {
		return true
	}
	return count <= l.max
}

// NoopLimiter allows everything; used when Redis is not configured.
type NoopLimiter struct{}

func (NoopLimiter) Allow(ctx context.Context, userID int) bool { return true }
