package service

import (
	"context"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Strategy implements one approval mode: how a node's tasks are laid out and
// when a completed task resolves the node.
type Strategy interface {
	CreateTasks(ctx context.Context, store repository.Store, inst *repository.ApprovalInstance, node *repository.ApprovalNode, assignees []Assignee) ([]*repository.ApprovalTask, error)
	// Complete is called after task was stamped COMPLETED and reports whether
	// the node is resolved.
	Complete(ctx context.Context, store repository.Store, node *repository.ApprovalNode, task *repository.ApprovalTask) (bool, error)
}

// ── SINGLE ────────────────────────────────────────────────────────────────────

// singleStrategy assigns the first approver only.
type singleStrategy struct{ x *Executor }

func (s singleStrategy) CreateTasks(ctx context.Context, store repository.Store, inst *repository.ApprovalInstance, node *repository.ApprovalNode, assignees []Assignee) ([]*repository.ApprovalTask, error) {
	tasks := []*repository.ApprovalTask{
		s.x.newTask(inst, node, assignees[0], 1, repository.TaskPending, false),
	}
	return tasks, store.CreateTasks(ctx, tasks)
}

func (s singleStrategy) Complete(context.Context, repository.Store, *repository.ApprovalNode, *repository.ApprovalTask) (bool, error) {
	return true, nil
}

// ── OR_SIGN ───────────────────────────────────────────────────────────────────

// orSignStrategy lets the first approval win. A rejection resolves the node
// only once nobody else can still approve.
type orSignStrategy struct{ x *Executor }

func (s orSignStrategy) CreateTasks(ctx context.Context, store repository.Store, inst *repository.ApprovalInstance, node *repository.ApprovalNode, assignees []Assignee) ([]*repository.ApprovalTask, error) {
	tasks := make([]*repository.ApprovalTask, 0, len(assignees))
	for i, a := range assignees {
		tasks = append(tasks, s.x.newTask(inst, node, a, i+1, repository.TaskPending, false))
	}
	return tasks, store.CreateTasks(ctx, tasks)
}

func (s orSignStrategy) Complete(ctx context.Context, store repository.Store, node *repository.ApprovalNode, task *repository.ApprovalTask) (bool, error) {
	if *task.Action == repository.ActionApprove {
		if _, err := s.x.CancelPendingTasks(ctx, store, task.InstanceID, node.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	pending, err := countPending(ctx, store, task.InstanceID, node.ID)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

// ── AND_SIGN ──────────────────────────────────────────────────────────────────

// andSignStrategy requires every approver to act; the shared tally decides.
type andSignStrategy struct{ x *Executor }

func (s andSignStrategy) CreateTasks(ctx context.Context, store repository.Store, inst *repository.ApprovalInstance, node *repository.ApprovalNode, assignees []Assignee) ([]*repository.ApprovalTask, error) {
	tasks := make([]*repository.ApprovalTask, 0, len(assignees))
	for i, a := range assignees {
		tasks = append(tasks, s.x.newTask(inst, node, a, i+1, repository.TaskPending, true))
	}
	if err := store.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}

	tally := &repository.ApprovalCountersignResult{
		InstanceID:   inst.ID,
		NodeID:       node.ID,
		TotalCount:   len(tasks),
		PendingCount: len(tasks),
		FinalResult:  repository.CountersignPending,
	}
	if len(tasks) > 0 {
		tally.RoundStartTaskID = tasks[0].ID
	}
	if err := store.CreateCountersign(ctx, tally); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s andSignStrategy) Complete(ctx context.Context, store repository.Store, node *repository.ApprovalNode, task *repository.ApprovalTask) (bool, error) {
	return s.x.processCountersign(ctx, store, node, task)
}

// ── SEQUENTIAL ────────────────────────────────────────────────────────────────

// sequentialStrategy walks approvers in task order, one PENDING at a time.
type sequentialStrategy struct{ x *Executor }

func (s sequentialStrategy) CreateTasks(ctx context.Context, store repository.Store, inst *repository.ApprovalInstance, node *repository.ApprovalNode, assignees []Assignee) ([]*repository.ApprovalTask, error) {
	tasks := make([]*repository.ApprovalTask, 0, len(assignees))
	for i, a := range assignees {
		status := repository.TaskSkipped
		if i == 0 {
			status = repository.TaskPending
		}
		tasks = append(tasks, s.x.newTask(inst, node, a, i+1, status, false))
	}
	return tasks, store.CreateTasks(ctx, tasks)
}

// Complete activates the next SKIPPED normal task after an approval. Tasks
// skipped by a BEFORE add-sign share the order of the task that added them
// and are never picked.
func (s sequentialStrategy) Complete(ctx context.Context, store repository.Store, node *repository.ApprovalNode, task *repository.ApprovalTask) (bool, error) {
	if *task.Action != repository.ActionApprove {
		return true, nil
	}

	tasks, _, err := store.ListTasks(ctx, repository.TaskFilter{InstanceID: task.InstanceID, NodeID: node.ID})
	if err != nil {
		return false, err
	}

	var next *repository.ApprovalTask
	for _, t := range tasks {
		if t.Status == repository.TaskPending {
			// an added-before approver is still in front of the queue
			return false, nil
		}
		if t.Status != repository.TaskSkipped || t.AssigneeType != repository.AssigneeNormal || t.TaskOrder <= task.TaskOrder {
			continue
		}
		if next == nil || t.TaskOrder < next.TaskOrder {
			next = t
		}
	}
	if next == nil {
		return true, nil
	}

	next.Status = repository.TaskPending
	next.DueAt = s.x.dueAt(node)
	if err := store.UpdateTask(ctx, next); err != nil {
		return false, err
	}
	return false, nil
}

func countPending(ctx context.Context, store repository.Store, instanceID, nodeID int64) (int, error) {
	pending, _, err := store.ListTasks(ctx, repository.TaskFilter{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Statuses:   []repository.TaskStatus{repository.TaskPending},
	})
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
