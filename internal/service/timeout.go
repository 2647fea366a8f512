package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// System comments stamped on tasks completed by a timeout.
const (
	autoPassComment   = "Automatically approved after timeout"
	autoRejectComment = "Automatically rejected after timeout"
)

// HandleTimeout applies the node's timeout action to an overdue PENDING task.
// The returned bool is the node resolution of AUTO_PASS / AUTO_REJECT.
// ESCALATE and unrecognised actions expire the task and report ESCALATE;
// picking an escalation target is left to the caller.
func (x *Executor) HandleTimeout(ctx context.Context, store repository.Store, task *repository.ApprovalTask) (repository.TimeoutAction, bool, error) {
	if task.Status != repository.TaskPending {
		return repository.TimeoutNone, false,
			errors.Conflict(fmt.Sprintf("task %d is not pending (status: %s)", task.ID, task.Status))
	}

	node, err := store.GetNode(ctx, task.NodeID)
	if err != nil {
		return repository.TimeoutNone, false, err
	}

	now := x.now()
	switch node.TimeoutAction {
	case repository.TimeoutRemind:
		task.RemindCount++
		task.RemindedAt = &now
		if err := store.UpdateTask(ctx, task); err != nil {
			return repository.TimeoutNone, false, err
		}
		return repository.TimeoutRemind, false, nil

	case repository.TimeoutAutoPass:
		canAdvance, err := x.ProcessApproval(ctx, store, task, repository.ActionApprove, autoPassComment, nil, nil)
		if err != nil {
			return repository.TimeoutNone, false, err
		}
		return repository.TimeoutAutoPass, canAdvance, nil

	case repository.TimeoutAutoReject:
		canAdvance, err := x.ProcessApproval(ctx, store, task, repository.ActionReject, autoRejectComment, nil, nil)
		if err != nil {
			return repository.TimeoutNone, false, err
		}
		return repository.TimeoutAutoReject, canAdvance, nil

	default:
		task.Status = repository.TaskExpired
		task.CompletedAt = &now
		if err := store.UpdateTask(ctx, task); err != nil {
			return repository.TimeoutNone, false, err
		}
		return repository.TimeoutEscalate, false, nil
	}
}
