package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/metrics"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// DedupStore remembers notification keys for a window.
type DedupStore interface {
	// Claim records key and reports whether it was not already recorded.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// DedupNotifier drops repeats of the same notification (type, receiver,
// instance, task) within a window, e.g. reminders fired by overlapping
// timeout sweeps.
type DedupNotifier struct {
	next   service.Notifier
	store  DedupStore
	window time.Duration
	log    *logger.Logger
}

// NewDedupNotifier wraps next. A non-positive window disables deduplication.
func NewDedupNotifier(next service.Notifier, store DedupStore, window time.Duration, log *logger.Logger) *DedupNotifier {
	return &DedupNotifier{next: next, store: store, window: window, log: log}
}

func (d *DedupNotifier) Send(ctx context.Context, n *service.Notification) error {
	if d.window <= 0 || d.store == nil {
		return d.next.Send(ctx, n)
	}

	fresh, err := d.store.Claim(ctx, dedupKey(n), d.window)
	if err != nil {
		// dedup is best effort; deliver when the store is unavailable
		d.log.Warn().Err(err).Str("type", n.Type).Msg("notification dedup unavailable")
		return d.next.Send(ctx, n)
	}
	if !fresh {
		metrics.NotificationsTotal.WithLabelValues(n.Type, "deduplicated").Inc()
		d.log.Debug().
			Str("type", n.Type).
			Int64("receiver_id", n.ReceiverID).
			Int64("instance_id", n.InstanceID).
			Msg("Duplicate notification dropped")
		return nil
	}
	return d.next.Send(ctx, n)
}

func dedupKey(n *service.Notification) string {
	var task int64
	if n.TaskID != nil {
		task = *n.TaskID
	}
	return fmt.Sprintf("%s:%d:%d:%d", n.Type, n.ReceiverID, n.InstanceID, task)
}

// RedisDedupStore claims keys with SETNX so every replica shares the window.
type RedisDedupStore struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisDedupStore(client redis.Cmdable, keyPrefix string) *RedisDedupStore {
	return &RedisDedupStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisDedupStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.keyPrefix+key, 1, ttl).Result()
}

// MemoryDedupStore is a process-local DedupStore.
type MemoryDedupStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDedupStore creates a store; now defaults to time.Now.
func NewMemoryDedupStore(now func() time.Time) *MemoryDedupStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryDedupStore{seen: make(map[string]time.Time), now: now}
}

func (s *MemoryDedupStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.seen {
		if !now.Before(exp) {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}
