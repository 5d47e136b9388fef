package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manenim/coordkit/pkg/coord"
)

var (
	//go:embed scripts/compare_and_delete.lua
	compareAndDeleteSrc string
	//go:embed scripts/compare_and_expire.lua
	compareAndExpireSrc string
	//go:embed scripts/increment.lua
	incrementSrc string
	//go:embed scripts/consume_quota.lua
	consumeQuotaSrc string
	//go:embed scripts/add_if_exists.lua
	addIfExistsSrc string
)

const (
	defaultRedisTimeout = 5 * time.Second
	// popPollInterval paces the LPOP loop that covers the part of a blocking
	// pop BLPOP cannot express.
	popPollInterval = 20 * time.Millisecond
)

// RedisStore implements Store and QuotaConsumer on top of Redis. Compound
// operations run as Lua scripts so each one is atomic on the server.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger

	compareAndDelete *redis.Script
	compareAndExpire *redis.Script
	increment        *redis.Script
	consumeQuota     *redis.Script
	addIfExists      *redis.Script
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTimeout bounds every single store round trip (default 5s). Blocking pops
// get their wait time on top of it.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisStore) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *RedisStore) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedisStore checks connectivity and preloads the Lua scripts. Scripts are
// executed with EVALSHA and transparently reloaded if the server loses its
// script cache.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	r := &RedisStore{
		client:           client,
		timeout:          defaultRedisTimeout,
		logger:           slog.New(slog.DiscardHandler),
		compareAndDelete: redis.NewScript(compareAndDeleteSrc),
		compareAndExpire: redis.NewScript(compareAndExpireSrc),
		increment:        redis.NewScript(incrementSrc),
		consumeQuota:     redis.NewScript(consumeQuotaSrc),
		addIfExists:      redis.NewScript(addIfExistsSrc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "store", "backend", "redis")

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, coord.Unavailable("ping", err)
	}
	for _, s := range []*redis.Script{r.compareAndDelete, r.compareAndExpire, r.increment, r.consumeQuota, r.addIfExists} {
		if err := s.Load(ctx, client).Err(); err != nil {
			return nil, coord.Unavailable("script load", err)
		}
	}
	return r, nil
}

func (r *RedisStore) opContext(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout+extra)
}

// classify keeps caller cancellation distinct from store failures so that a
// cancelled request is never mistaken for an outage.
func (r *RedisStore) classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return fmt.Errorf("store %s: %w", op, parent.Err())
	}
	r.logger.Warn("redis operation failed", "op", op, "error", err)
	return coord.Unavailable(op, err)
}

func (r *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	ok, err := r.client.SetNX(opCtx, key, value, ttl).Result()
	if err != nil {
		return false, r.classify(ctx, "setnx", err)
	}
	return ok, nil
}

func (r *RedisStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	v, err := r.increment.Run(opCtx, r.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, r.classify(ctx, "incrby", err)
	}
	return v, nil
}

func (r *RedisStore) AddIfExists(ctx context.Context, key string, delta int64) (int64, bool, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	res, err := r.addIfExists.Run(opCtx, r.client, []string{key}, delta).Int64Slice()
	if err != nil {
		return 0, false, r.classify(ctx, "incrby-if-exists", err)
	}
	if len(res) != 2 {
		return 0, false, coord.Unavailable("incrby-if-exists", fmt.Errorf("unexpected reply length %d", len(res)))
	}
	return res[1], res[0] == 1, nil
}

func (r *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	n, err := r.compareAndDelete.Run(opCtx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, r.classify(ctx, "compare-and-delete", err)
	}
	return n == 1, nil
}

func (r *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	n, err := r.compareAndExpire.Run(opCtx, r.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, r.classify(ctx, "compare-and-expire", err)
	}
	return n == 1, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	v, err := r.client.Get(opCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.classify(ctx, "get", err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	return r.classify(ctx, "set", r.client.Set(opCtx, key, value, ttl).Err())
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	d, err := r.client.PTTL(opCtx, key).Result()
	if err != nil {
		return 0, r.classify(ctx, "pttl", err)
	}
	// -1 (no expiry) and -2 (missing) come back as negative durations.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *RedisStore) Push(ctx context.Context, queue, value string) error {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	return r.classify(ctx, "rpush", r.client.RPush(opCtx, queue, value).Err())
}

func (r *RedisStore) Pop(ctx context.Context, queue string) (string, bool, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	v, err := r.client.LPop(opCtx, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.classify(ctx, "lpop", err)
	}
	return v, true, nil
}

// BlockingPop waits with BLPOP for the whole seconds of timeout and polls
// LPOP for the remainder. The client sends BLPOP timeouts as integer seconds
// and turns anything under a second into a full one, so BLPOP alone would
// overshoot short waits.
func (r *RedisStore) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		return r.Pop(ctx, queue)
	}
	deadline := time.Now().Add(timeout)
	if whole := timeout.Truncate(time.Second); whole > 0 {
		v, ok, err := r.blockingPop(ctx, queue, whole)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return r.pollPop(ctx, queue, deadline)
}

func (r *RedisStore) pollPop(ctx context.Context, queue string, deadline time.Time) (string, bool, error) {
	timer := time.NewTimer(popPollInterval)
	defer timer.Stop()
	for {
		v, ok, err := r.Pop(ctx, queue)
		if err != nil || ok {
			return v, ok, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return "", false, nil
		}
		timer.Reset(min(left, popPollInterval))
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", false, fmt.Errorf("store lpop: %w", ctx.Err())
		}
	}
}

func (r *RedisStore) blockingPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	opCtx, cancel := r.opContext(ctx, timeout)
	defer cancel()
	res, err := r.client.BLPop(opCtx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.classify(ctx, "blpop", err)
	}
	if len(res) != 2 {
		return "", false, coord.Unavailable("blpop", fmt.Errorf("unexpected reply length %d", len(res)))
	}
	return res[1], true, nil
}

func (r *RedisStore) Peek(ctx context.Context, queue string) (string, bool, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	v, err := r.client.LIndex(opCtx, queue, 0).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.classify(ctx, "lindex", err)
	}
	return v, true, nil
}

func (r *RedisStore) Len(ctx context.Context, queue string) (int64, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	n, err := r.client.LLen(opCtx, queue).Result()
	if err != nil {
		return 0, r.classify(ctx, "llen", err)
	}
	return n, nil
}

// ConsumeQuota runs the fixed-window bucket decision as one Lua script.
func (r *RedisStore) ConsumeQuota(ctx context.Context, key string, cost, quota int64, window time.Duration) (QuotaResult, error) {
	opCtx, cancel := r.opContext(ctx, 0)
	defer cancel()
	res, err := r.consumeQuota.Run(opCtx, r.client, []string{key}, cost, quota, window.Milliseconds()).Result()
	if err != nil {
		return QuotaResult{}, r.classify(ctx, "consume-quota", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return QuotaResult{}, coord.Unavailable("consume-quota", errors.New("invalid lua response format"))
	}
	return QuotaResult{
		Admitted: toInt64(values[0]) == 1,
		Used:     toInt64(values[1]),
		TTL:      time.Duration(toInt64(values[2])) * time.Millisecond,
	}, nil
}

func toInt64(val interface{}) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

var (
	_ Store         = (*RedisStore)(nil)
	_ QuotaConsumer = (*RedisStore)(nil)
)
