package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func newTestStore() (*Store, *time.Time) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return NewStore(WithClock(func() time.Time { return now })), &now
}

func TestStore_InstanceVersioning(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	inst := &repository.ApprovalInstance{InstanceNo: "AP2605010001", Status: repository.InstancePending, FormData: map[string]any{"a": 1}}
	require.NoError(t, s.CreateInstance(ctx, inst))
	assert.Equal(t, 1, inst.Version)

	first, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	second, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	first.Status = repository.InstanceApproved
	require.NoError(t, s.UpdateInstance(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Status = repository.InstanceRejected
	err = s.UpdateInstance(ctx, second)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	stored, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, stored.Status)

	// reads are copies
	stored.FormData["a"] = 2
	again, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.FormData["a"])
}

func TestStore_DuplicateInstanceNumber(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	require.NoError(t, s.CreateInstance(ctx, &repository.ApprovalInstance{InstanceNo: "AP2605010001"}))
	err := s.CreateInstance(ctx, &repository.ApprovalInstance{InstanceNo: "AP2605010001"})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	n, err := s.CountInstanceNoPrefix(ctx, "AP260501")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_TaskUpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	task := &repository.ApprovalTask{InstanceID: 1, NodeID: 2, AssigneeID: 3, Status: repository.TaskPending}
	require.NoError(t, s.CreateTasks(ctx, []*repository.ApprovalTask{task}))

	task.AssigneeID = 99
	task.Status = repository.TaskCompleted
	require.NoError(t, s.UpdateTask(ctx, task))

	stored, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.AssigneeID)
	assert.Equal(t, repository.TaskCompleted, stored.Status)
	assert.Equal(t, 2, stored.Version)

	stale := *stored
	stale.Version = 1
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(s.UpdateTask(ctx, &stale)))
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	boom := errors.New(errors.ErrCodeInternal, "boom")

	err := s.WithinTx(ctx, func(tx repository.Store) error {
		require.NoError(t, tx.CreateInstance(ctx, &repository.ApprovalInstance{InstanceNo: "X1"}))
		require.NoError(t, tx.AppendActionLog(ctx, &repository.ApprovalActionLog{InstanceID: 1, Action: "SUBMIT"}))
		return tx.WithinTx(ctx, func(nested repository.Store) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.CountInstanceNoPrefix(ctx, "X")
	require.NoError(t, err)
	assert.Zero(t, n)
	logs, err := s.ListActionLogs(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, logs)

	require.NoError(t, s.WithinTx(ctx, func(tx repository.Store) error {
		return tx.CreateInstance(ctx, &repository.ApprovalInstance{InstanceNo: "X2"})
	}))
	n, err = s.CountInstanceNoPrefix(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_WithinTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	assert.Panics(t, func() {
		_ = s.WithinTx(ctx, func(tx repository.Store) error {
			_ = tx.CreateInstance(ctx, &repository.ApprovalInstance{InstanceNo: "P1"})
			panic("kaboom")
		})
	})

	n, err := s.CountInstanceNoPrefix(ctx, "P")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ListTasks(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore()
	later := now.Add(2 * time.Hour)
	sooner := now.Add(time.Hour)

	tasks := []*repository.ApprovalTask{
		{InstanceID: 1, NodeID: 20, TaskOrder: 1, AssigneeID: 5, Status: repository.TaskPending, DueAt: &later},
		{InstanceID: 1, NodeID: 10, TaskOrder: 2, AssigneeID: 5, Status: repository.TaskPending},
		{InstanceID: 1, NodeID: 10, TaskOrder: 1, AssigneeID: 6, Status: repository.TaskPending, DueAt: &sooner},
		{InstanceID: 2, NodeID: 10, TaskOrder: 1, AssigneeID: 5, Status: repository.TaskCompleted},
	}
	require.NoError(t, s.CreateTasks(ctx, tasks))

	byNode, total, err := s.ListTasks(ctx, repository.TaskFilter{InstanceID: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Equal(t, []int64{tasks[2].ID, tasks[1].ID, tasks[0].ID}, ids(byNode))

	page := repository.Page{Limit: 10}
	inbox, total, err := s.ListTasks(ctx, repository.TaskFilter{
		AssigneeID: 5,
		Statuses:   []repository.TaskStatus{repository.TaskPending},
		Page:       &page,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, []int64{tasks[0].ID, tasks[1].ID}, ids(inbox), "tasks without a due time sort last")

	overdue, err := s.ListOverdueTasks(ctx, now.Add(90*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{tasks[2].ID}, ids(overdue))
}

func TestStore_ListOverdueTasksQueuesRemindedLast(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore()
	first := now.Add(-3 * time.Hour)
	second := now.Add(-2 * time.Hour)
	reminded := now.Add(-time.Hour)
	earlyNudge := now.Add(-4 * time.Hour)

	tasks := []*repository.ApprovalTask{
		{InstanceID: 1, NodeID: 10, AssigneeID: 5, Status: repository.TaskPending, DueAt: &first, RemindedAt: &reminded},
		{InstanceID: 2, NodeID: 10, AssigneeID: 6, Status: repository.TaskPending, DueAt: &second},
		{InstanceID: 3, NodeID: 10, AssigneeID: 7, Status: repository.TaskPending, DueAt: &first, RemindedAt: &earlyNudge},
	}
	require.NoError(t, s.CreateTasks(ctx, tasks))

	overdue, err := s.ListOverdueTasks(ctx, *now, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{tasks[2].ID, tasks[1].ID, tasks[0].ID}, ids(overdue),
		"a reminder before the deadline keeps the deadline as the sort key")

	overdue, err = s.ListOverdueTasks(ctx, *now, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{tasks[2].ID}, ids(overdue))
}

func TestStore_CarbonCopies(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore()

	cc := &repository.ApprovalCarbonCopy{InstanceID: 1, CCUserID: 7, Source: repository.CCSourceManual}
	inserted, err := s.CreateCCIfAbsent(ctx, cc)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.CreateCCIfAbsent(ctx, &repository.ApprovalCarbonCopy{InstanceID: 1, CCUserID: 7, Source: repository.CCSourceNode})
	require.NoError(t, err)
	assert.False(t, inserted)

	ok, err := s.MarkCCRead(ctx, cc.ID, 8, *now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.MarkCCRead(ctx, cc.ID, 7, *now)
	require.NoError(t, err)
	assert.True(t, ok)

	read := true
	records, total, err := s.ListCCForUser(ctx, repository.CCFilter{UserID: 7, IsRead: &read})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.NotNil(t, records[0].ReadAt)
	assert.Equal(t, *now, *records[0].ReadAt)
}

func TestStore_CountersignVersioning(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	tally := &repository.ApprovalCountersignResult{InstanceID: 1, NodeID: 2, TotalCount: 2, PendingCount: 2, FinalResult: repository.CountersignPending}
	require.NoError(t, s.CreateCountersign(ctx, tally))

	a, err := s.GetCountersign(ctx, 1, 2)
	require.NoError(t, err)
	b, err := s.GetCountersign(ctx, 1, 2)
	require.NoError(t, err)

	a.PendingCount--
	a.ApprovedCount++
	require.NoError(t, s.UpdateCountersign(ctx, a))

	b.PendingCount--
	b.RejectedCount++
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(s.UpdateCountersign(ctx, b)))

	missing, err := s.GetCountersign(ctx, 1, 3)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDirectory_GetActiveDelegate(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)
	tmpl := int64(42)

	d.AddDelegate(repository.Delegate{DelegatorID: 1, DelegateID: 2, Active: true})
	d.AddDelegate(repository.Delegate{DelegatorID: 1, DelegateID: 3, TemplateID: &tmpl, Active: true})
	d.AddDelegate(repository.Delegate{DelegatorID: 1, DelegateID: 4, TemplateID: &tmpl, EndAt: &yesterday, Active: true})
	d.AddDelegate(repository.Delegate{DelegatorID: 1, DelegateID: 5, StartAt: &tomorrow, Active: true})
	d.AddDelegate(repository.Delegate{DelegatorID: 1, DelegateID: 6, Active: false})

	got, err := d.GetActiveDelegate(ctx, 1, tmpl, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got, "template-scoped delegation wins")

	got, err = d.GetActiveDelegate(ctx, 1, 7, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	got, err = d.GetActiveDelegate(ctx, 9, tmpl, now)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func ids(tasks []*repository.ApprovalTask) []int64 {
	out := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
