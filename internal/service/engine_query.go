package service

import (
	"context"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// InstanceDetail is the full picture of one instance.
type InstanceDetail struct {
	Instance     *repository.ApprovalInstance
	Tasks        []*repository.ApprovalTask
	Countersigns []*repository.ApprovalCountersignResult
	ActionLogs   []*repository.ApprovalActionLog
	Comments     []*repository.ApprovalComment
	CarbonCopies []*repository.ApprovalCarbonCopy
}

// GetPendingTasks lists the user's PENDING tasks, earliest due first.
func (e *Engine) GetPendingTasks(ctx context.Context, userID int64, page repository.Page) ([]*repository.ApprovalTask, int64, error) {
	page = page.Normalize()
	return e.store.ListTasks(ctx, repository.TaskFilter{
		AssigneeID: userID,
		Statuses:   []repository.TaskStatus{repository.TaskPending},
		Page:       &page,
	})
}

// GetInitiatedInstances lists instances started by the user, newest first.
func (e *Engine) GetInitiatedInstances(ctx context.Context, userID int64, status *repository.InstanceStatus, page repository.Page) ([]*repository.ApprovalInstance, int64, error) {
	return e.store.ListInstances(ctx, repository.InstanceFilter{
		InitiatorID: userID,
		Status:      status,
		Page:        page.Normalize(),
	})
}

// GetCCRecords lists the instances the user has been copied on.
func (e *Engine) GetCCRecords(ctx context.Context, userID int64, isRead *bool, page repository.Page) ([]*repository.ApprovalCarbonCopy, int64, error) {
	return e.store.ListCCForUser(ctx, repository.CCFilter{
		UserID: userID,
		IsRead: isRead,
		Page:   page.Normalize(),
	})
}

// MarkCCAsRead marks a CC row read. Only the copied user may do so.
func (e *Engine) MarkCCAsRead(ctx context.Context, ccID, userID int64) error {
	ok, err := e.store.MarkCCRead(ctx, ccID, userID, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return errors.NotFound("approval_carbon_copy", ccID)
	}
	return nil
}

// GetInstanceDetail loads an instance with its tasks, tallies, history,
// comments and carbon copies.
func (e *Engine) GetInstanceDetail(ctx context.Context, instanceID int64) (*InstanceDetail, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	d := &InstanceDetail{Instance: inst}

	if d.Tasks, _, err = e.store.ListTasks(ctx, repository.TaskFilter{InstanceID: instanceID}); err != nil {
		return nil, err
	}

	seen := map[int64]bool{}
	for _, t := range d.Tasks {
		if !t.IsCountersign || seen[t.NodeID] {
			continue
		}
		seen[t.NodeID] = true
		cs, err := e.store.GetCountersign(ctx, instanceID, t.NodeID)
		if err != nil {
			return nil, err
		}
		if cs != nil {
			d.Countersigns = append(d.Countersigns, cs)
		}
	}

	if d.ActionLogs, err = e.store.ListActionLogs(ctx, instanceID); err != nil {
		return nil, err
	}
	if d.Comments, err = e.store.ListComments(ctx, instanceID); err != nil {
		return nil, err
	}
	if d.CarbonCopies, err = e.store.ListCCByInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return d, nil
}

// ListOverdueTasks returns PENDING tasks whose due time has passed.
func (e *Engine) ListOverdueTasks(ctx context.Context, limit int) ([]*repository.ApprovalTask, error) {
	return e.store.ListOverdueTasks(ctx, e.now(), limit)
}
