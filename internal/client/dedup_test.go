package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

type countingNotifier struct {
	mu   sync.Mutex
	sent []*service.Notification
}

func (c *countingNotifier) Send(_ context.Context, n *service.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type failingDedupStore struct{}

func (failingDedupStore) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, assert.AnError
}

func TestDedupNotifier(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	next := &countingNotifier{}
	d := NewDedupNotifier(next, NewMemoryDedupStore(clock), 5*time.Minute, logger.Nop())

	taskID := int64(11)
	reminder := &service.Notification{Type: service.NotifyReminder, ReceiverID: 2, InstanceID: 1, TaskID: &taskID}

	require.NoError(t, d.Send(ctx, reminder))
	require.NoError(t, d.Send(ctx, reminder))
	assert.Equal(t, 1, next.count())

	// a different receiver or type is not a duplicate
	require.NoError(t, d.Send(ctx, &service.Notification{Type: service.NotifyReminder, ReceiverID: 3, InstanceID: 1, TaskID: &taskID}))
	require.NoError(t, d.Send(ctx, &service.Notification{Type: service.NotifyTaskAssigned, ReceiverID: 2, InstanceID: 1, TaskID: &taskID}))
	assert.Equal(t, 3, next.count())

	now = now.Add(5 * time.Minute)
	require.NoError(t, d.Send(ctx, reminder))
	assert.Equal(t, 4, next.count(), "the window has passed")
}

func TestDedupNotifier_Disabled(t *testing.T) {
	ctx := context.Background()
	n := &service.Notification{Type: service.NotifyCC, ReceiverID: 2, InstanceID: 1}

	next := &countingNotifier{}
	d := NewDedupNotifier(next, NewMemoryDedupStore(nil), 0, logger.Nop())
	require.NoError(t, d.Send(ctx, n))
	require.NoError(t, d.Send(ctx, n))
	assert.Equal(t, 2, next.count())

	next = &countingNotifier{}
	d = NewDedupNotifier(next, nil, time.Minute, logger.Nop())
	require.NoError(t, d.Send(ctx, n))
	require.NoError(t, d.Send(ctx, n))
	assert.Equal(t, 2, next.count())
}

func TestDedupNotifier_StoreFailureStillDelivers(t *testing.T) {
	next := &countingNotifier{}
	d := NewDedupNotifier(next, failingDedupStore{}, time.Minute, logger.Nop())

	n := &service.Notification{Type: service.NotifyApproved, ReceiverID: 1, InstanceID: 9}
	require.NoError(t, d.Send(context.Background(), n))
	require.NoError(t, d.Send(context.Background(), n))
	assert.Equal(t, 2, next.count())
}

func TestDedupKey(t *testing.T) {
	taskID := int64(7)
	assert.Equal(t, "reminder:2:1:7", dedupKey(&service.Notification{Type: "reminder", ReceiverID: 2, InstanceID: 1, TaskID: &taskID}))
	assert.Equal(t, "approved:2:1:0", dedupKey(&service.Notification{Type: "approved", ReceiverID: 2, InstanceID: 1}))
}

// fakeSetNX records SETNX calls; other commands are not used by the store.
type fakeSetNX struct {
	redis.Cmdable
	keys map[string]time.Duration
}

func (f *fakeSetNX) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisDedupStore(t *testing.T) {
	ctx := context.Background()
	fake := &fakeSetNX{keys: map[string]time.Duration{}}
	store := NewRedisDedupStore(fake, "approvals:notify:")

	fresh, err := store.Claim(ctx, "reminder:2:1:7", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.Claim(ctx, "reminder:2:1:7", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)

	assert.Equal(t, time.Minute, fake.keys["approvals:notify:reminder:2:1:7"])
}
