package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript applies one hit atomically. State lives in a hash with fields
// count, reset and blocked (unix millis); the key expires with the later of
// the window reset and the block end.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local blocked = tonumber(redis.call('HGET', key, 'blocked') or '0')
if blocked > now then
  return {0, 0, blocked, blocked}
end

local reset = tonumber(redis.call('HGET', key, 'reset') or '0')
local count = tonumber(redis.call('HGET', key, 'count') or '0')
if reset <= now then
  count = 0
  reset = now + window
end
count = count + 1

local ttl = reset - now
if count > max then
  if block > 0 then
    blocked = now + block
    if blocked - now > ttl then
      ttl = blocked - now
    end
    redis.call('HSET', key, 'count', count, 'reset', reset, 'blocked', blocked)
    redis.call('PEXPIRE', key, ttl)
    return {0, 0, blocked, blocked}
  end
  redis.call('HSET', key, 'count', count, 'reset', reset, 'blocked', 0)
  redis.call('PEXPIRE', key, ttl)
  return {0, 0, reset, 0}
end

redis.call('HSET', key, 'count', count, 'reset', reset, 'blocked', 0)
redis.call('PEXPIRE', key, ttl)
return {1, max - count, reset, 0}
`)

// RedisStore shares counters across instances through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Hit(ctx context.Context, key string, p Policy, now time.Time) (Result, error) {
	vals, err := hitScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), p.Window.Milliseconds(), p.Max, p.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis hit: %w", err)
	}
	if len(vals) != 4 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply of %d values", len(vals))
	}

	res := Result{
		Allowed:   vals[0] == 1,
		Remaining: int(vals[1]),
		ResetTime: time.UnixMilli(vals[2]),
	}
	if vals[3] > 0 {
		bu := time.UnixMilli(vals[3])
		res.BlockedUntil = &bu
	}
	return res, nil
}
