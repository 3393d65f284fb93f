package guardian

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const baselineKeyPrefix = "conclave:baseline:"

// redisBaselines stores baselines in Redis hashes, one per source, so a
// fleet of evaluators restarted in place recovers its behavioral memory.
// Per-source exclusivity is enforced with local striped locks; the
// single-evaluator-per-source assumption makes cross-process locking
// unnecessary.
type redisBaselines struct {
	client *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisBaselines creates a Redis-backed baseline store.
func NewRedisBaselines(client *redis.Client) BaselineStore {
	return &redisBaselines{
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *redisBaselines) lock(source string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[source]
	if !ok {
		l = &sync.Mutex{}
		r.locks[source] = l
	}
	return l
}

func (r *redisBaselines) Observe(ctx context.Context, source string, length int, now time.Time) (Baseline, error) {
	l := r.lock(source)
	l.Lock()
	defer l.Unlock()

	before, err := r.fetch(ctx, source)
	if err != nil {
		return Baseline{}, err
	}

	after := advance(before, length, now)
	if err := r.write(ctx, source, after); err != nil {
		return Baseline{}, err
	}
	return before, nil
}

func (r *redisBaselines) RecordInjection(ctx context.Context, source string) error {
	if err := r.client.HIncrBy(ctx, baselineKeyPrefix+source, "inj", 1).Err(); err != nil {
		return fmt.Errorf("incrementing injection counter: %w", err)
	}
	return nil
}

func (r *redisBaselines) Get(ctx context.Context, source string) (Baseline, error) {
	return r.fetch(ctx, source)
}

func (r *redisBaselines) Reset(ctx context.Context, source string) error {
	if err := r.client.Del(ctx, baselineKeyPrefix+source).Err(); err != nil {
		return fmt.Errorf("resetting baseline: %w", err)
	}
	r.mu.Lock()
	delete(r.locks, source)
	r.mu.Unlock()
	return nil
}

func (r *redisBaselines) fetch(ctx context.Context, source string) (Baseline, error) {
	fields, err := r.client.HGetAll(ctx, baselineKeyPrefix+source).Result()
	if err != nil {
		return Baseline{}, fmt.Errorf("reading baseline: %w", err)
	}
	if len(fields) == 0 {
		return Baseline{}, nil
	}

	var b Baseline
	b.MessageCount, _ = strconv.ParseInt(fields["count"], 10, 64)
	b.AvgLength, _ = strconv.ParseFloat(fields["avg_len"], 64)
	b.AvgIntervalMs, _ = strconv.ParseFloat(fields["avg_int_ms"], 64)
	b.InjectionAttempts, _ = strconv.ParseInt(fields["inj"], 10, 64)
	if ms, err := strconv.ParseInt(fields["last_ms"], 10, 64); err == nil && ms > 0 {
		b.LastMessage = time.UnixMilli(ms).UTC()
	}
	return b, nil
}

func (r *redisBaselines) write(ctx context.Context, source string, b Baseline) error {
	err := r.client.HSet(ctx, baselineKeyPrefix+source,
		"count", strconv.FormatInt(b.MessageCount, 10),
		"avg_len", strconv.FormatFloat(b.AvgLength, 'f', -1, 64),
		"avg_int_ms", strconv.FormatFloat(b.AvgIntervalMs, 'f', -1, 64),
		"last_ms", strconv.FormatInt(b.LastMessage.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("writing baseline: %w", err)
	}
	return nil
}
