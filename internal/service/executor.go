package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/metrics"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Assignee is a resolved approver with a display name.
type Assignee struct {
	ID   int64
	Name string
}

// Executor turns approver sets into tasks and applies task actions. Every
// method works against the store it is given so callers control the unit
// of work.
type Executor struct {
	dir        repository.Directory
	strategies map[repository.ApprovalMode]Strategy
	now        func() time.Time
	log        *logger.Logger
}

// NewExecutor creates an executor with a strategy for every approval mode.
func NewExecutor(dir repository.Directory, now func() time.Time, log *logger.Logger) *Executor {
	x := &Executor{dir: dir, now: now, log: log}
	x.strategies = map[repository.ApprovalMode]Strategy{
		repository.ModeSingle:     singleStrategy{x},
		repository.ModeOrSign:     orSignStrategy{x},
		repository.ModeAndSign:    andSignStrategy{x},
		repository.ModeSequential: sequentialStrategy{x},
	}
	return x
}

// strategyFor falls back to SINGLE for unknown modes.
func (x *Executor) strategyFor(mode repository.ApprovalMode) Strategy {
	if s, ok := x.strategies[mode]; ok {
		return s
	}
	return x.strategies[repository.ModeSingle]
}

// ── Task creation ─────────────────────────────────────────────────────────────

// CreateTasksForNode creates the tasks of node for the given approvers
// according to the node's approval mode. No approvers means no tasks.
func (x *Executor) CreateTasksForNode(
	ctx context.Context,
	store repository.Store,
	inst *repository.ApprovalInstance,
	node *repository.ApprovalNode,
	approverIDs []int64,
) ([]*repository.ApprovalTask, error) {
	if len(approverIDs) == 0 {
		return nil, nil
	}

	if err := x.retireSkipped(ctx, store, inst.ID, node.ID); err != nil {
		return nil, err
	}
	assignees, err := x.assignees(ctx, approverIDs)
	if err != nil {
		return nil, err
	}

	tasks, err := x.strategyFor(node.ApprovalMode).CreateTasks(ctx, store, inst, node, assignees)
	if err != nil {
		return nil, err
	}

	metrics.TasksCreatedTotal.WithLabelValues(string(node.ApprovalMode)).Add(float64(len(tasks)))
	x.log.Debug().
		Int64("instance_id", inst.ID).
		Int64("node_id", node.ID).
		Str("mode", string(node.ApprovalMode)).
		Int("tasks", len(tasks)).
		Msg("Tasks created for node")
	return tasks, nil
}

// retireSkipped cancels SKIPPED tasks left on a node by an earlier visit so a
// new sequential round cannot pick them up.
func (x *Executor) retireSkipped(ctx context.Context, store repository.Store, instanceID, nodeID int64) error {
	skipped, _, err := store.ListTasks(ctx, repository.TaskFilter{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Statuses:   []repository.TaskStatus{repository.TaskSkipped},
	})
	if err != nil {
		return err
	}
	now := x.now()
	for _, t := range skipped {
		if t.AssigneeType != repository.AssigneeNormal {
			continue
		}
		t.Status = repository.TaskCancelled
		t.CompletedAt = &now
		if err := store.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) assignees(ctx context.Context, ids []int64) ([]Assignee, error) {
	out := make([]Assignee, 0, len(ids))
	for _, id := range ids {
		a := Assignee{ID: id}
		u, err := x.dir.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			a.Name = u.Name
		}
		out = append(out, a)
	}
	return out, nil
}

func (x *Executor) newTask(
	inst *repository.ApprovalInstance,
	node *repository.ApprovalNode,
	a Assignee,
	order int,
	status repository.TaskStatus,
	countersign bool,
) *repository.ApprovalTask {
	t := &repository.ApprovalTask{
		InstanceID:    inst.ID,
		NodeID:        node.ID,
		TaskOrder:     order,
		AssigneeID:    a.ID,
		AssigneeName:  a.Name,
		AssigneeType:  repository.AssigneeNormal,
		Status:        status,
		IsCountersign: countersign,
	}
	if status == repository.TaskPending {
		t.DueAt = x.dueAt(node)
	}
	return t
}

// dueAt is now + timeout_hours, or nil when the node has no timeout.
func (x *Executor) dueAt(node *repository.ApprovalNode) *time.Time {
	if node.TimeoutHours == nil || *node.TimeoutHours <= 0 {
		return nil
	}
	due := x.now().Add(time.Duration(*node.TimeoutHours) * time.Hour)
	return &due
}

// ── Actions ───────────────────────────────────────────────────────────────────

// ProcessApproval completes a PENDING task with APPROVE or REJECT and reports
// whether the node is resolved. A task that is not PENDING is left untouched.
func (x *Executor) ProcessApproval(
	ctx context.Context,
	store repository.Store,
	task *repository.ApprovalTask,
	action repository.TaskAction,
	comment string,
	attachments []string,
	evalData map[string]any,
) (bool, error) {
	if task.Status != repository.TaskPending {
		return false, errors.Conflict(fmt.Sprintf("task %d is not pending (status: %s)", task.ID, task.Status))
	}
	if action != repository.ActionApprove && action != repository.ActionReject {
		return false, errors.InvalidInput("action", fmt.Sprintf("unsupported action %q", action))
	}

	node, err := store.GetNode(ctx, task.NodeID)
	if err != nil {
		return false, err
	}

	if err := x.completeTask(ctx, store, task, action, comment, attachments, evalData); err != nil {
		return false, err
	}

	return x.strategyFor(node.ApprovalMode).Complete(ctx, store, node, task)
}

// CompleteTask stamps a PENDING task with a terminal action without applying
// approval-mode semantics. Used for RETURN.
func (x *Executor) CompleteTask(
	ctx context.Context,
	store repository.Store,
	task *repository.ApprovalTask,
	action repository.TaskAction,
	comment string,
) error {
	if task.Status != repository.TaskPending {
		return errors.Conflict(fmt.Sprintf("task %d is not pending (status: %s)", task.ID, task.Status))
	}
	return x.completeTask(ctx, store, task, action, comment, nil, nil)
}

func (x *Executor) completeTask(
	ctx context.Context,
	store repository.Store,
	task *repository.ApprovalTask,
	action repository.TaskAction,
	comment string,
	attachments []string,
	evalData map[string]any,
) error {
	now := x.now()
	task.Action = &action
	task.Comment = comment
	task.Attachments = attachments
	task.EvalData = evalData
	task.Status = repository.TaskCompleted
	task.CompletedAt = &now
	return store.UpdateTask(ctx, task)
}

// CancelPendingTasks cancels every PENDING task of the instance, or of one
// node when nodeID is non-zero, and returns them.
func (x *Executor) CancelPendingTasks(ctx context.Context, store repository.Store, instanceID, nodeID int64) ([]*repository.ApprovalTask, error) {
	pending, _, err := store.ListTasks(ctx, repository.TaskFilter{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Statuses:   []repository.TaskStatus{repository.TaskPending},
	})
	if err != nil {
		return nil, err
	}

	now := x.now()
	for _, t := range pending {
		t.Status = repository.TaskCancelled
		t.CompletedAt = &now
		if err := store.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// TransferTask hands a PENDING task to another user. The original becomes
// TRANSFERRED and a new PENDING task takes its slot.
func (x *Executor) TransferTask(
	ctx context.Context,
	store repository.Store,
	task *repository.ApprovalTask,
	to *repository.User,
	comment string,
) (*repository.ApprovalTask, error) {
	if task.Status != repository.TaskPending {
		return nil, errors.Conflict(fmt.Sprintf("task %d is not pending (status: %s)", task.ID, task.Status))
	}

	from := task.AssigneeID
	now := x.now()
	action := repository.ActionTransfer
	task.Action = &action
	task.Comment = comment
	task.Status = repository.TaskTransferred
	task.CompletedAt = &now
	if err := store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	replacement := &repository.ApprovalTask{
		InstanceID:         task.InstanceID,
		NodeID:             task.NodeID,
		TaskOrder:          task.TaskOrder,
		AssigneeID:         to.ID,
		AssigneeName:       to.Name,
		AssigneeType:       repository.AssigneeTransferred,
		OriginalAssigneeID: &from,
		Status:             repository.TaskPending,
		IsCountersign:      task.IsCountersign,
		DueAt:              task.DueAt,
	}
	if err := store.CreateTasks(ctx, []*repository.ApprovalTask{replacement}); err != nil {
		return nil, err
	}
	return replacement, nil
}

// AddSignPosition places added approvers relative to the current task.
type AddSignPosition string

const (
	AddSignBefore AddSignPosition = "BEFORE"
	AddSignAfter  AddSignPosition = "AFTER"
)

// AddSignTasks adds approvers around a PENDING task. BEFORE tasks are PENDING
// and the current task is SKIPPED; on AND_SIGN nodes the task's tally slot is
// handed to the new tasks. AFTER tasks are created SKIPPED and do not gate
// the node.
func (x *Executor) AddSignTasks(
	ctx context.Context,
	store repository.Store,
	inst *repository.ApprovalInstance,
	node *repository.ApprovalNode,
	task *repository.ApprovalTask,
	approverIDs []int64,
	position AddSignPosition,
) ([]*repository.ApprovalTask, error) {
	if task.Status != repository.TaskPending {
		return nil, errors.Conflict(fmt.Sprintf("task %d is not pending (status: %s)", task.ID, task.Status))
	}
	assignees, err := x.assignees(ctx, approverIDs)
	if err != nil {
		return nil, err
	}

	var added []*repository.ApprovalTask
	switch position {
	case AddSignBefore:
		for _, a := range assignees {
			t := x.newTask(inst, node, a, task.TaskOrder, repository.TaskPending, task.IsCountersign)
			t.AssigneeType = repository.AssigneeAddedBefore
			added = append(added, t)
		}
		task.Status = repository.TaskSkipped
		if err := store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
		if task.IsCountersign {
			if err := x.growTally(ctx, store, inst.ID, node.ID, len(added)-1); err != nil {
				return nil, err
			}
		}
	case AddSignAfter:
		for _, a := range assignees {
			t := x.newTask(inst, node, a, task.TaskOrder, repository.TaskSkipped, false)
			t.AssigneeType = repository.AssigneeAddedAfter
			added = append(added, t)
		}
	default:
		return nil, errors.InvalidInput("position", fmt.Sprintf("unknown position %q", position))
	}

	if err := store.CreateTasks(ctx, added); err != nil {
		return nil, err
	}
	return added, nil
}

// ── Carbon copies ─────────────────────────────────────────────────────────────

// CreateCCRecords copies users on an instance. A user is copied at most once
// per instance; only newly created rows are returned. Unknown users are skipped.
func (x *Executor) CreateCCRecords(
	ctx context.Context,
	store repository.Store,
	inst *repository.ApprovalInstance,
	nodeID *int64,
	userIDs []int64,
	source repository.CCSource,
	addedBy int64,
) ([]*repository.ApprovalCarbonCopy, error) {
	var created []*repository.ApprovalCarbonCopy
	for _, id := range dedupeIDs(userIDs) {
		u, err := x.dir.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			x.log.Warn().Int64("instance_id", inst.ID).Int64("user_id", id).Msg("Skipping CC for unknown user")
			continue
		}

		cc := &repository.ApprovalCarbonCopy{
			InstanceID: inst.ID,
			NodeID:     nodeID,
			CCUserID:   u.ID,
			CCUserName: u.Name,
			Source:     source,
			AddedBy:    addedBy,
		}
		inserted, err := store.CreateCCIfAbsent(ctx, cc)
		if err != nil {
			return nil, err
		}
		if inserted {
			created = append(created, cc)
		}
	}
	return created, nil
}
