package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a Take.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter estimates when the request would fit. It is zero when the
	// request was allowed or the bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket is an admission bucket in Redis, shared by every process that
// admits work under the same key.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	perSec   float64
	ttl      time.Duration
}

// NewTokenBucket builds a bucket holding up to capacity tokens and regaining
// refillPerSecond of them each second. Idle keys expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:",
		capacity: capacity,
		perSec:   refillPerSecond,
		ttl:      ttl,
	}
}

// Take removes n tokens from key's bucket when they are all available.
// A rejected take leaves the bucket untouched apart from refill.
func (b *TokenBucket) Take(ctx context.Context, key string, n int) (Decision, error) {
	if n < 1 {
		return Decision{}, fmt.Errorf("token bucket %s: cost must be positive, got %d", key, n)
	}
	reply, err := takeScript.Run(ctx, b.client,
		[]string{b.prefix + key},
		b.capacity, b.perSec, time.Now().UnixMilli(), b.ttl.Milliseconds(), n,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply length %d", key, len(reply))
	}

	var d Decision
	allowed, _ := reply[0].(int64)
	d.Allowed = allowed == 1
	if s, ok := reply[1].(string); ok {
		if d.Remaining, err = strconv.ParseFloat(s, 64); err != nil {
			return Decision{}, fmt.Errorf("token bucket %s: remaining %q: %w", key, s, err)
		}
	}
	if ms, _ := reply[2].(int64); ms > 0 {
		d.RetryAfter = time.Duration(ms) * time.Millisecond
	}
	return d, nil
}

// KEYS: bucket hash. ARGV: capacity, refill/s, now_ms, ttl_ms, cost.
// Remaining tokens are returned as a string so fractions survive the reply.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(capacity, tokens + (now - last) * rate / 1000)
end

local allowed = 0
local retry = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
elseif rate > 0 and cost <= capacity then
  retry = math.ceil((cost - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, tostring(tokens), retry}
`)
