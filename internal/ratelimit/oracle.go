package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"parts-enrichment/internal/models"
)

// Decision answers whether a (supplier, capability) request may proceed now.
// RetryAfter is only meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Oracle decides whether a request may proceed and records outcomes of
// attempted requests for future decisions.
type Oracle interface {
	Check(ctx context.Context, supplier string, capability models.Capability) (Decision, error)
	Record(ctx context.Context, supplier string, capability models.Capability, success bool, elapsed time.Duration, errText string) error
}

// RedisOracle implements Oracle with a distributed token bucket per
// (supplier, capability) pair plus outcome counters for operational
// inspection.
type RedisOracle struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewRedisOracle constructs an oracle with the provided capacity/refill.
func NewRedisOracle(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *RedisOracle {
	return &RedisOracle{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

func bucketKey(supplier string, capability models.Capability) string {
	return fmt.Sprintf("ratelimit:%s:%s", supplier, capability)
}

func recordKey(supplier string, capability models.Capability) string {
	return fmt.Sprintf("ratelimit:record:%s:%s", supplier, capability)
}

// Check consumes a single token for the pair if available. When denied, the
// retry-after is the refill time for one token.
func (o *RedisOracle) Check(ctx context.Context, supplier string, capability models.Capability) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, o.client, []string{bucketKey(supplier, capability)},
		o.capacity, o.refill, now, o.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	if arr[0].(int64) == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: o.refillInterval()}, nil
}

func (o *RedisOracle) refillInterval() time.Duration {
	if o.refill <= 0 {
		return time.Second
	}
	secs := math.Ceil(1 / o.refill)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Record accumulates outcome counters for the pair. Failures keep the last
// error text so operators can see what a supplier has been returning.
func (o *RedisOracle) Record(ctx context.Context, supplier string, capability models.Capability, success bool, elapsed time.Duration, errText string) error {
	key := recordKey(supplier, capability)
	pipe := o.client.TxPipeline()
	if success {
		pipe.HIncrBy(ctx, key, "success", 1)
	} else {
		pipe.HIncrBy(ctx, key, "failure", 1)
		if errText != "" {
			pipe.HSet(ctx, key, "last_error", errText)
		}
	}
	pipe.HIncrBy(ctx, key, "total_ms", elapsed.Milliseconds())
	if o.ttl > 0 {
		pipe.PExpire(ctx, key, o.ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
