package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter provides atomic per-account send throttling using a Redis Lua
// script. The check-and-increment runs as one script so concurrent workers
// (or a restarted worker racing its predecessor's last writes) cannot slip
// past a limit via a GET → check → INCR race.
//
// This is a short-horizon outbound pacing limit; the authoritative daily
// quota lives on the sender_accounts row and is enforced by the worker
// against the database.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script

	perSecond int
	perMinute int
}

// Lua script for atomic multi-window rate limit check. Checks both
// windows before incrementing either, so a denial leaves no residue.
const limitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")

if secCurrent + increment > secondLimit then
    return {0, 1}
end
if minCurrent + increment > minuteLimit then
    return {0, 2}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, 2)
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, 120)
end

return {1, 0}
`

// New creates a limiter with the given per-account windows.
func New(client *redis.Client, perSecond, perMinute int) *Limiter {
	if perSecond <= 0 {
		perSecond = 2
	}
	if perMinute <= 0 {
		perMinute = perSecond * 60
	}
	return &Limiter{
		redis:     client,
		script:    redis.NewScript(limitLuaScript),
		perSecond: perSecond,
		perMinute: perMinute,
	}
}

// NewFromURL creates a limiter by connecting to Redis.
func NewFromURL(redisURL string, perSecond, perMinute int) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return New(client, perSecond, perMinute), nil
}

// Allow atomically checks and increments the account's send counters.
// When denied it returns how long the caller should wait before retrying.
func (l *Limiter) Allow(ctx context.Context, accountID string, n int) (allowed bool, wait time.Duration, err error) {
	now := time.Now()
	secondKey := fmt.Sprintf("throttle:%s:sec:%d", accountID, now.Unix())
	minuteKey := fmt.Sprintf("throttle:%s:min:%d", accountID, now.Unix()/60)

	result, err := l.script.Run(ctx, l.redis, []string{secondKey, minuteKey},
		n, l.perSecond, l.perMinute).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("throttle check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1:
		wait = time.Second
	case 2:
		wait = time.Duration(60-now.Second()) * time.Second
	}
	return false, wait, nil
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
