package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/metrics"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

type AddCCRequest struct {
	InstanceID int64
	OperatorID int64
	CCUserIDs  []int64
}

type WithdrawRequest struct {
	InstanceID  int64
	InitiatorID int64
	Comment     string
}

type TerminateRequest struct {
	InstanceID int64
	OperatorID int64
	Comment    string
}

type AddCommentRequest struct {
	InstanceID       int64
	UserID           int64
	Content          string
	ParentID         *int64
	MentionedUserIDs []int64
	Attachments      []string
}

// AddCC copies users on an instance at its current node. Users already
// copied are ignored; only new CC rows are returned.
func (e *Engine) AddCC(ctx context.Context, req *AddCCRequest) ([]*repository.ApprovalCarbonCopy, error) {
	if len(dedupeIDs(req.CCUserIDs)) == 0 {
		return nil, errors.InvalidInput("cc_user_ids", "at least one user is required")
	}

	var out []*repository.ApprovalCarbonCopy
	err := e.run(ctx, "add_cc", func(ctx context.Context, u *unit) error {
		inst, err := u.store.GetInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return errors.Conflict(fmt.Sprintf("instance %d is %s", inst.ID, inst.Status))
		}

		ccs, err := e.executor.CreateCCRecords(ctx, u.store, inst, inst.CurrentNodeID, req.CCUserIDs, repository.CCSourceManual, req.OperatorID)
		if err != nil {
			return err
		}
		u.notifyCC(inst, ccs)

		before := inst.Status
		added := make([]int64, 0, len(ccs))
		for _, cc := range ccs {
			added = append(added, cc.CCUserID)
		}
		u.record(ctx, inst, nil, inst.CurrentNodeID, req.OperatorID, repository.LogAddCC, &before, "",
			map[string]any{"cc_user_ids": added})
		out = ccs
		return nil
	})
	return out, err
}

// Withdraw lets the initiator cancel a PENDING or DRAFT instance.
func (e *Engine) Withdraw(ctx context.Context, req *WithdrawRequest) (*repository.ApprovalInstance, error) {
	var out *repository.ApprovalInstance
	err := e.run(ctx, "withdraw", func(ctx context.Context, u *unit) error {
		inst, err := u.store.GetInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.InitiatorID != req.InitiatorID {
			return errors.Forbidden("only the initiator can withdraw an approval")
		}
		if inst.Status != repository.InstancePending && inst.Status != repository.InstanceDraft {
			return errors.Conflict(fmt.Sprintf("instance %d cannot be withdrawn (status: %s)", inst.ID, inst.Status))
		}
		before := inst.Status
		nodeID := inst.CurrentNodeID

		cancelled, err := e.executor.CancelPendingTasks(ctx, u.store, inst.ID, 0)
		if err != nil {
			return err
		}
		if err := u.finish(ctx, inst, repository.InstanceCancelled); err != nil {
			return err
		}

		for _, id := range assigneeIDs(cancelled) {
			u.notify(inst, NotifyWithdrawn, id, nil,
				"Withdrawn: "+inst.Title,
				fmt.Sprintf("%s (%s) was withdrawn by the initiator", inst.Title, inst.InstanceNo))
		}
		u.record(ctx, inst, nil, nodeID, req.InitiatorID, repository.LogWithdraw, &before, req.Comment, nil)
		out = inst
		return nil
	})
	return out, err
}

// Terminate force-stops a PENDING instance.
func (e *Engine) Terminate(ctx context.Context, req *TerminateRequest) (*repository.ApprovalInstance, error) {
	var out *repository.ApprovalInstance
	err := e.run(ctx, "terminate", func(ctx context.Context, u *unit) error {
		inst, err := u.store.GetInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.InstancePending {
			return errors.Conflict(fmt.Sprintf("instance %d cannot be terminated (status: %s)", inst.ID, inst.Status))
		}
		before := inst.Status
		nodeID := inst.CurrentNodeID

		cancelled, err := e.executor.CancelPendingTasks(ctx, u.store, inst.ID, 0)
		if err != nil {
			return err
		}
		if err := u.finish(ctx, inst, repository.InstanceTerminated); err != nil {
			return err
		}

		receivers := dedupeIDs(append([]int64{inst.InitiatorID}, assigneeIDs(cancelled)...))
		for _, id := range receivers {
			u.notify(inst, NotifyTerminated, id, nil,
				"Terminated: "+inst.Title,
				fmt.Sprintf("%s (%s) was terminated", inst.Title, inst.InstanceNo))
		}
		u.record(ctx, inst, nil, nodeID, req.OperatorID, repository.LogTerminate, &before, req.Comment, nil)
		out = inst
		return nil
	})
	return out, err
}

// Remind nudges the assignee of a PENDING task.
func (e *Engine) Remind(ctx context.Context, taskID, operatorID int64) (*repository.ApprovalTask, error) {
	var out *repository.ApprovalTask
	err := e.run(ctx, "remind", func(ctx context.Context, u *unit) error {
		task, err := u.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != repository.TaskPending {
			return errors.Conflict(fmt.Sprintf("task %d is not pending (status: %s)", task.ID, task.Status))
		}
		inst, err := u.store.GetInstance(ctx, task.InstanceID)
		if err != nil {
			return err
		}

		now := e.now()
		task.RemindCount++
		task.RemindedAt = &now
		if err := u.store.UpdateTask(ctx, task); err != nil {
			return err
		}

		u.notify(inst, NotifyReminder, task.AssigneeID, &task.ID,
			"Reminder: "+inst.Title,
			fmt.Sprintf("%s (%s) is still waiting for your approval", inst.Title, inst.InstanceNo))
		before := inst.Status
		u.record(ctx, inst, &task.ID, &task.NodeID, operatorID, repository.LogRemind, &before, "",
			map[string]any{"remind_count": task.RemindCount})
		out = task
		return nil
	})
	return out, err
}

// AddComment posts a comment, optionally replying to another comment of the
// same instance, and notifies mentioned users and the replied-to author.
func (e *Engine) AddComment(ctx context.Context, req *AddCommentRequest) (*repository.ApprovalComment, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, errors.InvalidInput("content", "comment content is required")
	}

	var out *repository.ApprovalComment
	err := e.run(ctx, "comment", func(ctx context.Context, u *unit) error {
		inst, err := u.store.GetInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		author, err := e.dir.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if author == nil {
			return errors.NotFound("user", req.UserID)
		}

		c := &repository.ApprovalComment{
			InstanceID:       inst.ID,
			UserID:           author.ID,
			UserName:         author.Name,
			Content:          content,
			MentionedUserIDs: dedupeIDs(req.MentionedUserIDs),
			Attachments:      req.Attachments,
		}
		if req.ParentID != nil {
			parent, err := u.store.GetComment(ctx, *req.ParentID)
			if err != nil {
				return err
			}
			if parent.InstanceID != inst.ID {
				return errors.InvalidInput("parent_id", "parent comment belongs to another instance")
			}
			parentID, replyTo := parent.ID, parent.UserID
			c.ParentID = &parentID
			c.ReplyToUserID = &replyTo
		}
		if err := u.store.CreateComment(ctx, c); err != nil {
			return err
		}

		notified := map[int64]bool{author.ID: true}
		for _, id := range c.MentionedUserIDs {
			if notified[id] {
				continue
			}
			notified[id] = true
			u.notify(inst, NotifyMentioned, id, nil,
				author.Name+" mentioned you",
				fmt.Sprintf("%s mentioned you on %s (%s)", author.Name, inst.Title, inst.InstanceNo))
		}
		if c.ReplyToUserID != nil && !notified[*c.ReplyToUserID] {
			u.notify(inst, NotifyCommentReply, *c.ReplyToUserID, nil,
				author.Name+" replied to you",
				fmt.Sprintf("%s replied to your comment on %s (%s)", author.Name, inst.Title, inst.InstanceNo))
		}

		before := inst.Status
		u.record(ctx, inst, nil, inst.CurrentNodeID, author.ID, repository.LogComment, &before, "",
			map[string]any{"comment_id": c.ID})
		out = c
		return nil
	})
	return out, err
}

// HandleTimeout applies the node timeout action to an overdue task and moves
// the instance on when an automatic decision resolves the node.
func (e *Engine) HandleTimeout(ctx context.Context, taskID int64) (repository.TimeoutAction, error) {
	action := repository.TimeoutNone
	err := e.run(ctx, "timeout", func(ctx context.Context, u *unit) error {
		task, err := u.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		inst, err := u.store.GetInstance(ctx, task.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.InstancePending {
			return errors.Conflict(fmt.Sprintf("instance %d is not pending (status: %s)", inst.ID, inst.Status))
		}
		node, err := u.store.GetNode(ctx, task.NodeID)
		if err != nil {
			return err
		}
		before := inst.Status

		var canAdvance bool
		action, canAdvance, err = e.executor.HandleTimeout(ctx, u.store, task)
		if err != nil {
			return err
		}

		switch action {
		case repository.TimeoutRemind:
			u.notify(inst, NotifyReminder, task.AssigneeID, &task.ID,
				"Overdue: "+inst.Title,
				fmt.Sprintf("%s (%s) is overdue for your approval", inst.Title, inst.InstanceNo))
		case repository.TimeoutAutoPass:
			if canAdvance {
				if err := u.settleNode(ctx, inst, node, repository.ActionApprove, ""); err != nil {
					return err
				}
			}
		case repository.TimeoutAutoReject:
			if canAdvance {
				if err := u.settleNode(ctx, inst, node, repository.ActionReject, RejectToStart); err != nil {
					return err
				}
			}
		case repository.TimeoutEscalate:
			u.notify(inst, NotifyTaskExpired, inst.InitiatorID, &task.ID,
				"Expired: "+inst.Title,
				fmt.Sprintf("The approval of %s by %s at %s has expired", inst.InstanceNo, task.AssigneeName, node.Name))
		}

		u.record(ctx, inst, &task.ID, &node.ID, SystemOperatorID, repository.LogTimeout, &before, "",
			map[string]any{"timeout_action": string(action)})
		return nil
	})
	if err != nil {
		return repository.TimeoutNone, err
	}
	metrics.TimeoutsHandledTotal.WithLabelValues(string(action)).Inc()
	return action, nil
}

func assigneeIDs(tasks []*repository.ApprovalTask) []int64 {
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.AssigneeID)
	}
	return dedupeIDs(ids)
}
