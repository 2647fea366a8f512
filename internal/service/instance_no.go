package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

const instanceNoPrefix = "AP"

// InstanceNoAllocator hands out instance numbers of the form AP + YYMMDD + NNNN.
type InstanceNoAllocator interface {
	Next(ctx context.Context, store repository.Store, at time.Time) (string, error)
}

func dayPrefix(at time.Time) string {
	return instanceNoPrefix + at.Format("060102")
}

func formatInstanceNo(prefix string, seq int64) string {
	return fmt.Sprintf("%s%04d", prefix, seq)
}

// CountAllocator numbers instances by counting today's instances. Two
// concurrent submissions can compute the same number; the unique index on
// instance_no rejects the loser.
type CountAllocator struct{}

func (CountAllocator) Next(ctx context.Context, store repository.Store, at time.Time) (string, error) {
	prefix := dayPrefix(at)
	n, err := store.CountInstanceNoPrefix(ctx, prefix)
	if err != nil {
		return "", err
	}
	return formatInstanceNo(prefix, int64(n)+1), nil
}

// RedisAllocator numbers instances with an atomic per-day counter. The
// counter is seeded from the stored count the first time a day is seen so
// numbers keep increasing across a Redis flush. A nil client falls back to
// counting.
type RedisAllocator struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisAllocator creates an allocator storing counters under keyPrefix.
func NewRedisAllocator(client redis.Cmdable, keyPrefix string) *RedisAllocator {
	return &RedisAllocator{client: client, keyPrefix: keyPrefix, ttl: 48 * time.Hour}
}

func (a *RedisAllocator) Next(ctx context.Context, store repository.Store, at time.Time) (string, error) {
	if a.client == nil {
		return CountAllocator{}.Next(ctx, store, at)
	}

	prefix := dayPrefix(at)
	key := a.keyPrefix + prefix

	n, err := store.CountInstanceNoPrefix(ctx, prefix)
	if err != nil {
		return "", err
	}
	if err := a.client.SetNX(ctx, key, n, a.ttl).Err(); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to seed instance number counter")
	}

	seq, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate instance number")
	}
	return formatInstanceNo(prefix, seq), nil
}
