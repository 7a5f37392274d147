package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foiacquire/corpus/internal/types"
)

// RedisBackend is the networked KV-cache Backend implementation, grounded
// on etalazz-vsa's idempotent-commit Lua pattern adapted from "apply a
// commit once" to "reserve the next send slot atomically": acquireScript
// reads the domain's last-request timestamp and delay, computes the wait,
// and advances last-request in one round trip so concurrent callers across
// processes serialize correctly.
type RedisBackend struct {
	client *redis.Client
	prefix string

	acquireScript *redis.Script
}

// NewRedisBackend wraps an already-constructed client. keyPrefix namespaces
// all keys (e.g. "corpus:ratelimit:").
func NewRedisBackend(client *redis.Client, keyPrefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: keyPrefix,
		acquireScript: redis.NewScript(`
			local key = KEYS[1]
			local base_delay_ms = tonumber(ARGV[1])
			local now_ms = tonumber(ARGV[2])

			local delay_ms = tonumber(redis.call('HGET', key, 'current_delay_ms'))
			if not delay_ms then
				delay_ms = base_delay_ms
				redis.call('HSET', key, 'current_delay_ms', delay_ms)
			end

			local last_ms = tonumber(redis.call('HGET', key, 'last_request_at_ms'))
			local wait = 0
			local new_last = now_ms
			if last_ms and last_ms > 0 then
				local next_allowed = last_ms + delay_ms
				if next_allowed > now_ms then
					wait = next_allowed - now_ms
					new_last = next_allowed
				end
			end

			redis.call('HSET', key, 'last_request_at_ms', new_last)
			redis.call('HINCRBY', key, 'total_requests', 1)
			return wait
		`),
	}
}

func (b *RedisBackend) key(domain string) string { return b.prefix + "state:" + domain }
func (b *RedisBackend) zkey(domain string) string { return b.prefix + "403:" + domain }

func (b *RedisBackend) GetOrCreate(ctx context.Context, domain string, baseDelayMs int64) (*types.DomainRateState, error) {
	key := b.key(domain)
	exists, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	if exists == 0 {
		if err := b.client.HSet(ctx, key, map[string]any{
			"current_delay_ms":      baseDelayMs,
			"consecutive_successes": 0,
			"in_backoff":            0,
			"total_requests":        0,
			"rate_limit_hits":       0,
		}).Err(); err != nil {
			return nil, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
		}
	}

	vals, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return stateFromHash(domain, vals), nil
}

func (b *RedisBackend) Update(ctx context.Context, state *types.DomainRateState) error {
	inBackoff := 0
	if state.InBackoff {
		inBackoff = 1
	}
	err := b.client.HSet(ctx, b.key(state.Domain), map[string]any{
		"current_delay_ms":      state.CurrentDelayMs,
		"last_request_at_ms":    state.LastRequestAt.UnixMilli(),
		"consecutive_successes": state.ConsecutiveSuccesses,
		"in_backoff":            inBackoff,
		"total_requests":        state.TotalRequests,
		"rate_limit_hits":       state.RateLimitHits,
	}).Err()
	if err != nil {
		return &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return nil
}

func (b *RedisBackend) Acquire(ctx context.Context, domain string, baseDelayMs int64) (time.Duration, error) {
	waitMs, err := b.acquireScript.Run(ctx, b.client, []string{b.key(domain)}, baseDelayMs, time.Now().UnixMilli()).Int64()
	if err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

func (b *RedisBackend) Record403(ctx context.Context, domain, url string) error {
	now := float64(time.Now().UnixMilli())
	if err := b.client.ZAdd(ctx, b.zkey(domain), redis.Z{Score: now, Member: url + "\x00" + strconv.FormatInt(time.Now().UnixNano(), 10)}).Err(); err != nil {
		return &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return nil
}

func (b *RedisBackend) Get403Count(ctx context.Context, domain string, windowMs int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(windowMs) * time.Millisecond).UnixMilli()
	members, err := b.client.ZRangeByScore(ctx, b.zkey(domain), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		url, _, _ := splitMember(m)
		seen[url] = struct{}{}
	}
	return len(seen), nil
}

func (b *RedisBackend) Clear403s(ctx context.Context, domain string) error {
	if err := b.client.Del(ctx, b.zkey(domain)).Err(); err != nil {
		return &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return nil
}

func (b *RedisBackend) CleanupExpired403s(ctx context.Context, domain string, windowMs int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(windowMs) * time.Millisecond).UnixMilli()
	n, err := b.client.ZRemRangeByScore(ctx, b.zkey(domain), "-inf", strconv.FormatInt(cutoff-1, 10)).Result()
	if err != nil {
		return 0, &types.BackendError{Kind: types.BackendUnavailable, Err: err}
	}
	return int(n), nil
}

func splitMember(m string) (url, nonce string, ok bool) {
	for i := 0; i < len(m); i++ {
		if m[i] == 0 {
			return m[:i], m[i+1:], true
		}
	}
	return m, "", false
}

func stateFromHash(domain string, vals map[string]string) *types.DomainRateState {
	s := &types.DomainRateState{Domain: domain}
	if v, ok := vals["current_delay_ms"]; ok {
		s.CurrentDelayMs, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["last_request_at_ms"]; ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		if ms > 0 {
			s.LastRequestAt = time.UnixMilli(ms)
		}
	}
	if v, ok := vals["consecutive_successes"]; ok {
		s.ConsecutiveSuccesses, _ = strconv.Atoi(v)
	}
	if v, ok := vals["in_backoff"]; ok {
		s.InBackoff = v == "1"
	}
	if v, ok := vals["total_requests"]; ok {
		s.TotalRequests, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["rate_limit_hits"]; ok {
		s.RateLimitHits, _ = strconv.ParseInt(v, 10, 64)
	}
	return s
}
