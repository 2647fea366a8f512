package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/repository/memory"
)

// Directory users shared by the service tests.
const (
	alice int64 = 1 // initiator, dept 10, reports to bob
	bob   int64 = 2
	carol int64 = 3
	dave  int64 = 4
	erin  int64 = 5 // head of dept 10
	frank int64 = 6
	gina  int64 = 7 // inactive
)

const salesDept int64 = 10

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*Notification
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) ofType(typ string) []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Notification
	for _, n := range r.sent {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	clock  *testClock
	store  *memory.Store
	dir    *memory.Directory
	notes  *recordingNotifier
	engine *Engine
	tmpl   *repository.ApprovalTemplate
	flow   *repository.ApprovalFlow
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	dir := memory.NewDirectory()

	dept := salesDept
	manager := bob
	dir.AddUser(repository.User{ID: alice, Name: "Alice", DeptID: &dept, ManagerID: &manager, Active: true})
	dir.AddUser(repository.User{ID: bob, Name: "Bob", Active: true}, "finance")
	dir.AddUser(repository.User{ID: carol, Name: "Carol", Active: true}, "finance", "legal")
	dir.AddUser(repository.User{ID: dave, Name: "Dave", Active: true})
	dir.AddUser(repository.User{ID: erin, Name: "Erin", Active: true})
	dir.AddUser(repository.User{ID: frank, Name: "Frank", Active: true})
	dir.AddUser(repository.User{ID: gina, Name: "Gina", Active: false}, "finance")
	dir.SetDepartmentManager(salesDept, erin)

	tmpl := store.AddTemplate(&repository.ApprovalTemplate{Code: "PURCHASE", Name: "Purchase request", Active: true})
	flow := store.AddFlow(&repository.ApprovalFlow{TemplateID: tmpl.ID, Name: "Default", IsDefault: true, Active: true})

	notes := &recordingNotifier{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	return &fixture{
		t:      t,
		ctx:    context.Background(),
		clock:  clock,
		store:  store,
		dir:    dir,
		notes:  notes,
		engine: NewEngine(store, dir, notes, logger.Nop(), opts...),
		tmpl:   tmpl,
		flow:   flow,
	}
}

// addNode adds an active FIXED_USER approval node to the default flow.
func (f *fixture) addNode(order int, mode repository.ApprovalMode, userIDs ...int64) *repository.ApprovalNode {
	return f.store.AddNode(&repository.ApprovalNode{
		FlowID:         f.flow.ID,
		Name:           "step",
		NodeOrder:      order,
		NodeType:       repository.NodeTypeApproval,
		ApprovalMode:   mode,
		ApproverType:   repository.ApproverFixedUser,
		ApproverConfig: repository.ApproverConfig{UserIDs: userIDs},
		TimeoutAction:  repository.TimeoutNone,
		CanTransfer:    true,
		CanAddApprover: true,
		Active:         true,
	})
}

func (f *fixture) submit(formData map[string]any) *repository.ApprovalInstance {
	f.t.Helper()
	inst, err := f.engine.Submit(f.ctx, &SubmitRequest{
		TemplateCode: f.tmpl.Code,
		EntityType:   "purchase_order",
		EntityID:     "PO-1",
		Title:        "Laptops",
		FormData:     formData,
		InitiatorID:  alice,
	})
	require.NoError(f.t, err)
	return inst
}

func (f *fixture) instance(id int64) *repository.ApprovalInstance {
	f.t.Helper()
	inst, err := f.store.GetInstance(f.ctx, id)
	require.NoError(f.t, err)
	return inst
}

func (f *fixture) task(id int64) *repository.ApprovalTask {
	f.t.Helper()
	task, err := f.store.GetTask(f.ctx, id)
	require.NoError(f.t, err)
	return task
}

func (f *fixture) tasks(instanceID, nodeID int64) []*repository.ApprovalTask {
	f.t.Helper()
	tasks, _, err := f.store.ListTasks(f.ctx, repository.TaskFilter{InstanceID: instanceID, NodeID: nodeID})
	require.NoError(f.t, err)
	return tasks
}

func (f *fixture) pending(instanceID int64) []*repository.ApprovalTask {
	f.t.Helper()
	tasks, _, err := f.store.ListTasks(f.ctx, repository.TaskFilter{
		InstanceID: instanceID,
		Statuses:   []repository.TaskStatus{repository.TaskPending},
	})
	require.NoError(f.t, err)
	return tasks
}

// pendingFor returns the single PENDING task of user on the instance.
func (f *fixture) pendingFor(instanceID, userID int64) *repository.ApprovalTask {
	f.t.Helper()
	var found *repository.ApprovalTask
	for _, t := range f.pending(instanceID) {
		if t.AssigneeID == userID {
			require.Nil(f.t, found, "user %d has more than one pending task", userID)
			found = t
		}
	}
	require.NotNil(f.t, found, "user %d has no pending task", userID)
	return found
}

func (f *fixture) actions(instanceID int64) []string {
	f.t.Helper()
	logs, err := f.store.ListActionLogs(f.ctx, instanceID)
	require.NoError(f.t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func (f *fixture) approve(taskID, userID int64) *repository.ApprovalInstance {
	f.t.Helper()
	inst, err := f.engine.Approve(f.ctx, &ApproveRequest{TaskID: taskID, ApproverID: userID, Comment: "ok"})
	require.NoError(f.t, err)
	return inst
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
