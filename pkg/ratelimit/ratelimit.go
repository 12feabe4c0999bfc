package ratelimit

import (
	"context"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
)

const (
	globalTokensKey = "ratelimit:global:tokens"
	globalRefillKey = "ratelimit:global:refill"
	partTokensKey   = "ratelimit:partition:tokens:"
	partRefillKey   = "ratelimit:partition:refill:"
)

// admitScript refills and decrements the global and per-partition buckets
// in one atomic evaluation. Tokens refill continuously at ratePerSecond,
// clamped to burst; refill credit is floor(elapsedMs * rate / 1000).
// Returns {allowed, deniedScope, globalTokens, partitionTokens} where
// deniedScope is 0 (admitted), 1 (global) or 2 (partition).
const admitScript = `
local function load(tokensKey, refillKey, burst, now)
	local tokens = tonumber(redis.call("GET", tokensKey))
	local last = tonumber(redis.call("GET", refillKey))
	if tokens == nil or last == nil then
		return burst, now
	end
	return tokens, last
end

local function refill(tokens, last, rate, burst, now)
	local elapsed = now - last
	if elapsed > 0 then
		local credit = math.floor(elapsed * rate / 1000)
		if credit > 0 then
			tokens = math.min(burst, tokens + credit)
			last = last + math.floor(credit * 1000 / rate)
			if tokens >= burst then
				last = now
			end
		end
	end
	return tokens, last
end

local gRate, gBurst = tonumber(ARGV[1]), tonumber(ARGV[2])
local pRate, pBurst = tonumber(ARGV[3]), tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local gTokens, gLast = load(KEYS[1], KEYS[2], gBurst, now)
gTokens, gLast = refill(gTokens, gLast, gRate, gBurst, now)
local pTokens, pLast = load(KEYS[3], KEYS[4], pBurst, now)
pTokens, pLast = refill(pTokens, pLast, pRate, pBurst, now)

local allowed = 0
local denied = 0
if gTokens < 1 then
	denied = 1
elseif pTokens < 1 then
	denied = 2
else
	allowed = 1
	gTokens = gTokens - 1
	pTokens = pTokens - 1
end

redis.call("SET", KEYS[1], gTokens, "PX", ttl)
redis.call("SET", KEYS[2], gLast, "PX", ttl)
redis.call("SET", KEYS[3], pTokens, "PX", ttl)
redis.call("SET", KEYS[4], pLast, "PX", ttl)
return {allowed, denied, gTokens, pTokens}`

// Decision is one admission result
type Decision struct {
	Allowed         bool
	DeniedScope     string // "global" or "partition" when denied
	GlobalTokens    int64
	PartitionTokens int64
	FailedOpen      bool
}

// Limiter admits requests against the global and per-partition token
// buckets. On coordination-store failure it fails open: admission is an
// availability concern, not a correctness one.
type Limiter struct {
	client coord.Client
	cfg    config.RateLimitConfig
	now    func() time.Time
}

// NewLimiter creates the rate limiter
func NewLimiter(client coord.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{client: client, cfg: cfg, now: time.Now}
}

// Allow takes one token from both buckets atomically
func (l *Limiter) Allow(ctx context.Context, partitionKey string) Decision {
	keys := []string{
		globalTokensKey,
		globalRefillKey,
		partTokensKey + partitionKey,
		partRefillKey + partitionKey,
	}
	// Bucket keys expire after enough idle time to fully refill; state
	// re-seeds at burst when absent.
	ttl := int64(10 * time.Minute / time.Millisecond)

	res, err := l.client.Eval(ctx, admitScript, keys,
		l.cfg.Global.RequestsPerSecond, l.cfg.Global.BurstSize,
		l.cfg.PerPartition.RequestsPerSecond, l.cfg.PerPartition.BurstSize,
		l.now().UnixMilli(), ttl)
	if err != nil {
		// Fail open: availability over throttling accuracy.
		log.WithComponent("ratelimit").Warn().Err(err).Msg("coordination store unavailable, admitting request")
		metrics.RateLimitFailOpen.Inc()
		return Decision{Allowed: true, FailedOpen: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		metrics.RateLimitFailOpen.Inc()
		return Decision{Allowed: true, FailedOpen: true}
	}

	d := Decision{
		Allowed:         asInt64(vals[0]) == 1,
		GlobalTokens:    asInt64(vals[2]),
		PartitionTokens: asInt64(vals[3]),
	}
	switch asInt64(vals[1]) {
	case 1:
		d.DeniedScope = "global"
	case 2:
		d.DeniedScope = "partition"
	}

	metrics.RateLimitTokens.WithLabelValues("global").Set(float64(d.GlobalTokens))
	metrics.RateLimitTokens.WithLabelValues("partition").Set(float64(d.PartitionTokens))
	if d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues("both", "allow").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(d.DeniedScope, "deny").Inc()
	}
	return d
}

// Tokens reports the token counts stored at the last admission without
// consuming any; refill since then is not applied, and a bucket that does
// not exist yet reports its burst size.
func (l *Limiter) Tokens(ctx context.Context, partitionKey string) (global, partition int64, err error) {
	g, err := l.client.Get(ctx, globalTokensKey)
	if err != nil && err != coord.ErrNotFound {
		return 0, 0, err
	}
	p, err2 := l.client.Get(ctx, partTokensKey+partitionKey)
	if err2 != nil && err2 != coord.ErrNotFound {
		return 0, 0, err2
	}
	return parseOrBurst(g, l.cfg.Global.BurstSize), parseOrBurst(p, l.cfg.PerPartition.BurstSize), nil
}

func parseOrBurst(s string, burst int64) int64 {
	if s == "" {
		return burst
	}
	var v int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return burst
		}
		v = v*10 + int64(c-'0')
	}
	return v
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
