package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedConfig configures a Shared limiter.
type SharedConfig struct {
	BaseRatePS float64
	MaxDelay   time.Duration
	KeyPrefix  string // Redis key namespace, default "foiacquire:ratelimit:"
	Logger     *slog.Logger
}

func (c *SharedConfig) defaults() {
	if c.BaseRatePS <= 0 {
		c.BaseRatePS = 1
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "foiacquire:ratelimit:"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Shared is the Redis-backed Limiter backend for multi-worker deployments.
// All state for a host — effective rate, consecutive-failure counter, next
// delay, last-refill timestamp — lives in one Redis hash, and every
// read-modify-write against it runs as a single Lua script so concurrent
// workers see atomic updates instead of racing on separate GET/SET calls.
type Shared struct {
	cfg    SharedConfig
	client *redis.Client
}

// NewShared creates a Shared limiter against an already-connected client.
func NewShared(client *redis.Client, cfg SharedConfig) *Shared {
	cfg.defaults()
	return &Shared{cfg: cfg, client: client}
}

func (s *Shared) key(host string) string { return s.cfg.KeyPrefix + host }

// acquireScript atomically computes whether a token is available for host
// right now, consuming it if so, and returns [allowed, wait_seconds].
// Token refill uses the classic leaky-bucket formula: tokens accrue at
// rate_ps since last_refill, capped at 1 (burst of 1, matching the
// concurrency-gated fetch model where one host rarely needs burst > 1).
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local base_rate = tonumber(ARGV[2])

local data = redis.call('HMGET', key, 'rate', 'tokens', 'last_refill', 'next_delay_until')
local rate_ps = tonumber(data[1]) or base_rate
local tokens = tonumber(data[2]) or 1
local last_refill = tonumber(data[3]) or now
local next_delay_until = tonumber(data[4]) or 0

if now < next_delay_until then
	return {0, next_delay_until - now}
end

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = math.min(1, tokens + elapsed * rate_ps)
end

if tokens < 1 then
	local wait = (1 - tokens) / rate_ps
	redis.call('HSET', key, 'last_refill', now)
	return {0, wait}
end

tokens = tokens - 1
redis.call('HSET', key, 'rate', rate_ps, 'tokens', tokens, 'last_refill', now)
return {1, 0}
`)

// reportScript atomically applies a success/politeness outcome to host's
// stored rate, failure counter, and backoff delay.
var reportScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local outcome = ARGV[2]
local base_rate = tonumber(ARGV[3])
local max_delay = tonumber(ARGV[4])
local retry_after = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'rate', 'fails', 'oks')
local rate_ps = tonumber(data[1]) or base_rate
local fails = tonumber(data[2]) or 0
local oks = tonumber(data[3]) or 0

if outcome == 'success' then
	fails = 0
	oks = oks + 1
	rate_ps = math.min(base_rate, rate_ps + 0.1 * base_rate)
	local next_delay_until = 0
	if oks < 3 then
		local cur = redis.call('HGET', key, 'next_delay_until')
		next_delay_until = tonumber(cur) or 0
	end
	redis.call('HSET', key, 'rate', rate_ps, 'fails', fails, 'oks', oks, 'next_delay_until', next_delay_until)
elseif outcome == 'politeness' then
	oks = 0
	fails = fails + 1
	rate_ps = rate_ps / 2
	local backoff = math.min(max_delay, 2 ^ math.min(fails, 20))
	if retry_after > backoff then backoff = retry_after end
	redis.call('HSET', key, 'rate', rate_ps, 'fails', fails, 'oks', oks, 'next_delay_until', now + backoff)
end
return 1
`)

// Acquire polls the Redis-backed token bucket for host, sleeping between
// attempts when told to wait. There is no concurrency semaphore on the
// shared backend — concurrency gating across a worker fleet is a separate
// coordination problem the caller's worker-pool sizing addresses.
func (s *Shared) Acquire(ctx context.Context, host string) (*Permit, error) {
	for {
		res, err := acquireScript.Run(ctx, s.client, []string{s.key(host)},
			float64(time.Now().UnixNano())/1e9, s.cfg.BaseRatePS,
		).Slice()
		if err != nil {
			return nil, fmt.Errorf("ratelimit: shared acquire: %w", err)
		}
		allowed, _ := res[0].(int64)
		waitSecs, _ := res[1].(int64)
		if allowed == 1 {
			return &Permit{host: host, release: func() {}}, nil
		}

		wait := time.Duration(waitSecs) * time.Second
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Report applies outcome to host's shared state.
func (s *Shared) Report(ctx context.Context, host string, outcome Outcome, retryAfter time.Duration) error {
	name := "neutral"
	switch outcome {
	case OutcomeSuccess:
		name = "success"
	case OutcomePoliteness:
		name = "politeness"
	}
	if name == "neutral" {
		return nil
	}
	_, err := reportScript.Run(ctx, s.client, []string{s.key(host)},
		float64(time.Now().UnixNano())/1e9, name, s.cfg.BaseRatePS, s.cfg.MaxDelay.Seconds(), retryAfter.Seconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: shared report: %w", err)
	}
	return nil
}
