package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

type fakeEngine struct {
	mu       sync.Mutex
	overdue  []*repository.ApprovalTask
	listErr  error
	failures map[int64]error
	handled  []int64
	limit    int
}

func (f *fakeEngine) ListOverdueTasks(_ context.Context, limit int) ([]*repository.ApprovalTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.overdue, f.listErr
}

func (f *fakeEngine) HandleTimeout(_ context.Context, taskID int64) (repository.TimeoutAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[taskID]; err != nil {
		return repository.TimeoutNone, err
	}
	f.handled = append(f.handled, taskID)
	return repository.TimeoutRemind, nil
}

func (f *fakeEngine) handledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

func TestTimeoutSweeper_Sweep(t *testing.T) {
	engine := &fakeEngine{
		overdue: []*repository.ApprovalTask{{ID: 1}, {ID: 2}, {ID: 3}},
		failures: map[int64]error{
			2: errors.Conflict("task 2 is not pending"),
			3: errors.New(errors.ErrCodeInternal, "db down"),
		},
	}
	s := NewTimeoutSweeper(engine, "@every 1m", 50, logger.Nop())

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, engine.handled)
	assert.Equal(t, 50, engine.limit)
}

func TestTimeoutSweeper_ListFailure(t *testing.T) {
	engine := &fakeEngine{listErr: assert.AnError}
	s := NewTimeoutSweeper(engine, "@every 1m", 10, logger.Nop())

	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestTimeoutSweeper_StopsOnCancelledContext(t *testing.T) {
	engine := &fakeEngine{overdue: []*repository.ApprovalTask{{ID: 1}, {ID: 2}}}
	s := NewTimeoutSweeper(engine, "@every 1m", 10, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := s.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestTimeoutSweeper_Schedule(t *testing.T) {
	engine := &fakeEngine{overdue: []*repository.ApprovalTask{{ID: 1}}}
	s := NewTimeoutSweeper(engine, "* * * * * *", 10, logger.Nop())

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return engine.handledCount() > 0 }, 3*time.Second, 50*time.Millisecond)

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestTimeoutSweeper_InvalidSpec(t *testing.T) {
	s := NewTimeoutSweeper(&fakeEngine{}, "every minute please", 10, logger.Nop())
	assert.Error(t, s.Start(context.Background()))

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("stopping an unstarted sweeper must not block")
	}
}
