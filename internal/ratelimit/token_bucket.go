package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/pixwatch/internal/clock"
)

var (
	ErrLimiterNotConfigured = errors.New("rate limiter not configured")
	ErrEmptyLimiterKey      = errors.New("rate limiter key is empty")
	ErrInvalidRate          = errors.New("rate limiter rate must be positive")
	ErrInvalidBurst         = errors.New("rate limiter burst must be positive")
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  local refill = (delta / 1000) * rate
  tokens = math.min(burst, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tokens, ts}
`

// Limiter is a keyed token bucket.
type Limiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return &RateLimitResult{}, ErrLimiterNotConfigured
	}
	if err := validateBucket(key, rate, burst); err != nil {
		return &RateLimitResult{}, err
	}

	ttl := defaultBucketTTL(rate, burst)
	res, err := t.script.Run(
		ctx,
		t.client,
		[]string{key},
		rate,
		burst,
		int64(ttl/time.Millisecond),
	).Slice()
	if err != nil {
		return &RateLimitResult{}, err
	}
	if len(res) < 3 {
		return &RateLimitResult{}, errors.New("invalid rate limit script response")
	}

	// Redis truncates Lua numbers to integers on the way out.
	allowed := castToInt(res[0]) == 1
	remaining := castToFloat(res[1])
	return newResult(allowed, remaining, rate, burst), nil
}

// LocalBucket runs the same refill math in process.
type LocalBucket struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*localBucketState
}

type localBucketState struct {
	tokens float64
	ts     time.Time
}

func NewLocalBucket(clk clock.Clock) *LocalBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &LocalBucket{
		clock:   clk,
		buckets: make(map[string]*localBucketState),
	}
}

func (b *LocalBucket) Allow(_ context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if err := validateBucket(key, rate, burst); err != nil {
		return &RateLimitResult{}, err
	}

	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.buckets[key]
	if !ok {
		state = &localBucketState{tokens: float64(burst), ts: now}
		b.buckets[key] = state
	} else {
		delta := now.Sub(state.ts)
		if delta < 0 {
			delta = 0
		}
		state.tokens = math.Min(float64(burst), state.tokens+delta.Seconds()*rate)
		state.ts = now
	}

	allowed := false
	if state.tokens >= 1 {
		allowed = true
		state.tokens--
	}
	return newResult(allowed, state.tokens, rate, burst), nil
}

func newResult(allowed bool, remaining, rate float64, burst int) *RateLimitResult {
	retryAfter := time.Duration(0)
	if !allowed {
		if needed := 1.0 - remaining; needed > 0 {
			retryAfter = time.Duration(needed / rate * float64(time.Second))
		}
	}
	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(remaining),
		RetryAfter: retryAfter,
	}
}

func validateBucket(key string, rate float64, burst int) error {
	switch {
	case key == "":
		return ErrEmptyLimiterKey
	case rate <= 0:
		return ErrInvalidRate
	case burst <= 0:
		return ErrInvalidBurst
	}
	return nil
}

func defaultBucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func castToFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	default:
		return 0
	}
}
