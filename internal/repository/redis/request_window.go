package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"secmon/internal/clock"
	"secmon/internal/models"
)

const requestWindowPrefix = "secmon:requests:"

// Members are "<id>\x1f<endpoint>\x1f<api key>" so one sorted set per source
// IP can answer filtered counts.
const memberSep = "\x1f"

// Shared by the scripts below: true when the member matches the non-empty
// endpoint and api key filters.
const matchFn = `
local function matches(m, endpoint, apikey)
    local a = string.find(m, '\31', 1, true)
    if not a then return false end
    local b = string.find(m, '\31', a + 1, true)
    if not b then return false end
    local ep = string.sub(m, a + 1, b - 1)
    local ak = string.sub(m, b + 1)
    return (endpoint == '' or ep == endpoint) and (apikey == '' or ak == apikey)
end

local function count_matching(key, window_start, endpoint, apikey)
    local n = 0
    for _, m in ipairs(redis.call('ZRANGEBYSCORE', key, window_start, '+inf')) do
        if matches(m, endpoint, apikey) then n = n + 1 end
    end
    return n
end
`

// ARGV: prune_before, window_start, endpoint, api_key
var countScript = redis.NewScript(matchFn + `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
return count_matching(KEYS[1], ARGV[2], ARGV[3], ARGV[4])
`)

// ARGV: prune_before, window_start, endpoint, api_key, ceiling, now, member, ttl_ms
var admitScript = redis.NewScript(matchFn + `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local current = count_matching(KEYS[1], ARGV[2], ARGV[3], ARGV[4])
if current < tonumber(ARGV[5]) then
    redis.call('ZADD', KEYS[1], ARGV[6], ARGV[7])
    redis.call('PEXPIRE', KEYS[1], ARGV[8])
    return {1, current + 1}
end
return {0, current}
`)

// ARGV: endpoint
var resetScript = redis.NewScript(matchFn + `
local removed = 0
for _, m in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
    if matches(m, ARGV[1], '') then
        removed = removed + redis.call('ZREM', KEYS[1], m)
    end
end
return removed
`)

// Store is the subset of the Redis client the window needs.
type Store interface {
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
	ZRangeWithScores(ctx context.Context, key string) ([]redis.Z, error)
	Del(ctx context.Context, keys ...string) error
	TxPipeline() redis.Pipeliner
}

// RequestWindow keeps request markers in a sorted set per source IP, scored
// by arrival time in milliseconds. Admit prunes, counts, compares and adds in
// one script, closing the check-then-act gap of the relational log.
type RequestWindow struct {
	store     Store
	clock     clock.Clock
	retention time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

func NewRequestWindow(store Store, clk clock.Clock, retention time.Duration, logger *zap.Logger) *RequestWindow {
	if retention <= 0 {
		retention = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestWindow{
		store:     store,
		clock:     clock.OrReal(clk),
		retention: retention,
		timeout:   3 * time.Second,
		logger:    logger,
	}
}

func (w *RequestWindow) CountRequests(ctx context.Context, sourceIP, endpoint, apiKey string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	now := w.clock.Now()
	res, err := w.store.RunScript(ctx, countScript, []string{windowKey(sourceIP)},
		w.pruneBefore(now, window), millis(now.Add(-window)), endpoint, apiKey)
	if err != nil {
		return 0, fmt.Errorf("count requests for %s: %w", sourceIP, err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count result %T", res)
	}
	return n, nil
}

func (w *RequestWindow) RecordRequest(ctx context.Context, sourceIP, endpoint, apiKey string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	key := windowKey(sourceIP)
	now := w.clock.Now()

	pipe := w.store.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(millis(now)), Member: encodeMember(endpoint, apiKey)})
	pipe.PExpire(ctx, key, w.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record request for %s: %w", sourceIP, err)
	}
	return nil
}

// Admit atomically counts matching requests in the window and records this
// one when the count is below ceiling. It returns the count including this
// request when admitted.
func (w *RequestWindow) Admit(ctx context.Context, sourceIP, endpoint, apiKey string, window time.Duration, ceiling int64) (bool, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	now := w.clock.Now()
	res, err := w.store.RunScript(ctx, admitScript, []string{windowKey(sourceIP)},
		w.pruneBefore(now, window), millis(now.Add(-window)), endpoint, apiKey,
		ceiling, millis(now), encodeMember(endpoint, apiKey), w.retention.Milliseconds())
	if err != nil {
		return false, 0, fmt.Errorf("admit request for %s: %w", sourceIP, err)
	}

	out, ok := res.([]interface{})
	if !ok || len(out) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from admit script")
	}
	allowed, _ := out[0].(int64)
	count, _ := out[1].(int64)

	w.logger.Debug("sliding window admit",
		zap.String("source_ip", sourceIP),
		zap.Bool("allowed", allowed == 1),
		zap.Int64("count", count),
		zap.Int64("ceiling", ceiling))

	return allowed == 1, count, nil
}

func (w *RequestWindow) RequestStats(ctx context.Context, sourceIP, endpoint string) (*models.RequestStats, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	entries, err := w.store.ZRangeWithScores(ctx, windowKey(sourceIP))
	if err != nil {
		return nil, fmt.Errorf("read requests for %s: %w", sourceIP, err)
	}
	return statsFrom(entries, endpoint), nil
}

func (w *RequestWindow) ResetRequests(ctx context.Context, sourceIP, endpoint string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	key := windowKey(sourceIP)
	if endpoint == "" {
		if err := w.store.Del(ctx, key); err != nil {
			return 0, fmt.Errorf("reset requests for %s: %w", sourceIP, err)
		}
		return 0, nil
	}

	res, err := w.store.RunScript(ctx, resetScript, []string{key}, endpoint)
	if err != nil {
		return 0, fmt.Errorf("reset requests for %s: %w", sourceIP, err)
	}
	n, _ := res.(int64)
	return n, nil
}

func (w *RequestWindow) pruneBefore(now time.Time, window time.Duration) int64 {
	keep := w.retention
	if window > keep {
		keep = window
	}
	return millis(now.Add(-keep))
}

func windowKey(sourceIP string) string {
	return requestWindowPrefix + sourceIP
}

func encodeMember(endpoint, apiKey string) string {
	return uuid.NewString() + memberSep + endpoint + memberSep + apiKey
}

func decodeMember(member string) (endpoint, apiKey string, ok bool) {
	parts := strings.SplitN(member, memberSep, 3)
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func statsFrom(entries []redis.Z, endpoint string) *models.RequestStats {
	stats := &models.RequestStats{}
	for _, z := range entries {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		ep, _, ok := decodeMember(member)
		if !ok || (endpoint != "" && ep != endpoint) {
			continue
		}
		at := time.UnixMilli(int64(z.Score)).UTC()
		if stats.FirstSeen == nil || at.Before(*stats.FirstSeen) {
			stats.FirstSeen = &at
		}
		if stats.LastSeen == nil || at.After(*stats.LastSeen) {
			last := at
			stats.LastSeen = &last
		}
		stats.Count++
	}
	return stats
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

