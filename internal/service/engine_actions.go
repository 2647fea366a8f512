package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Reject targets understood by Reject besides a numeric node id.
const (
	RejectToStart = "START"
	RejectToPrev  = "PREV"
)

// SubmitRequest starts an approval for a business object.
type SubmitRequest struct {
	TemplateCode string
	EntityType   string
	EntityID     string
	Title        string
	FormData     map[string]any
	InitiatorID  int64
	Urgency      repository.Urgency
	CCUserIDs    []int64
}

type ApproveRequest struct {
	TaskID      int64
	ApproverID  int64
	Comment     string
	Attachments []string
	EvalData    map[string]any
}

// RejectRequest rejects a task. RejectTo is START (the default), PREV or a
// node id.
type RejectRequest struct {
	TaskID      int64
	ApproverID  int64
	Comment     string
	RejectTo    string
	Attachments []string
}

type ReturnRequest struct {
	TaskID       int64
	ApproverID   int64
	TargetNodeID int64
	Comment      string
}

type TransferRequest struct {
	TaskID     int64
	FromUserID int64
	ToUserID   int64
	Comment    string
}

type AddApproverRequest struct {
	TaskID      int64
	OperatorID  int64
	ApproverIDs []int64
	Position    AddSignPosition
	Comment     string
}

// ── Submission ────────────────────────────────────────────────────────────────

// Submit creates a PENDING instance, routes it to a flow and creates the
// tasks of its first approval node.
func (e *Engine) Submit(ctx context.Context, req *SubmitRequest) (*repository.ApprovalInstance, error) {
	var out *repository.ApprovalInstance
	err := e.run(ctx, "submit", func(ctx context.Context, u *unit) error {
		tmpl, initiator, err := u.loadSubmission(ctx, req)
		if err != nil {
			return err
		}

		evalCtx := e.evalContext(req.FormData, initiator, req.EntityType, req.EntityID)
		flow, err := u.router.SelectFlow(ctx, tmpl.ID, evalCtx)
		if err != nil {
			return err
		}
		if flow == nil {
			return errors.New(errors.ErrCodeNotFound,
				fmt.Sprintf("no applicable approval flow for template %s", tmpl.Code))
		}

		inst, err := u.newInstance(ctx, tmpl, initiator, req, repository.InstancePending)
		if err != nil {
			return err
		}
		flowID := flow.ID
		submittedAt := e.now()
		inst.FlowID = &flowID
		inst.SubmittedAt = &submittedAt
		if err := u.store.CreateInstance(ctx, inst); err != nil {
			return err
		}
		u.record(ctx, inst, nil, nil, initiator.ID, repository.LogSubmit, nil, "", map[string]any{"flow_id": flow.ID})

		first, err := u.router.FirstApprovalNode(ctx, flow.ID)
		if err != nil {
			return err
		}
		if first == nil {
			if err := u.approve(ctx, inst); err != nil {
				return err
			}
		} else if err := u.enter(ctx, inst, first); err != nil {
			return err
		}

		ccs, err := e.executor.CreateCCRecords(ctx, u.store, inst, nil, req.CCUserIDs, repository.CCSourceInitiator, initiator.ID)
		if err != nil {
			return err
		}
		u.notifyCC(inst, ccs)

		e.log.Info().
			Int64("instance_id", inst.ID).
			Str("instance_no", inst.InstanceNo).
			Int64("flow_id", flow.ID).
			Str("status", string(inst.Status)).
			Msg("Approval instance submitted")
		out = inst
		return nil
	})
	return out, err
}

// SaveDraft stores a DRAFT instance without routing it.
func (e *Engine) SaveDraft(ctx context.Context, req *SubmitRequest) (*repository.ApprovalInstance, error) {
	var out *repository.ApprovalInstance
	err := e.run(ctx, "save_draft", func(ctx context.Context, u *unit) error {
		tmpl, initiator, err := u.loadSubmission(ctx, req)
		if err != nil {
			return err
		}
		inst, err := u.newInstance(ctx, tmpl, initiator, req, repository.InstanceDraft)
		if err != nil {
			return err
		}
		if err := u.store.CreateInstance(ctx, inst); err != nil {
			return err
		}
		u.record(ctx, inst, nil, nil, initiator.ID, repository.LogSaveDraft, nil, "", nil)
		out = inst
		return nil
	})
	return out, err
}

func (u *unit) loadSubmission(ctx context.Context, req *SubmitRequest) (*repository.ApprovalTemplate, *repository.User, error) {
	if strings.TrimSpace(req.TemplateCode) == "" {
		return nil, nil, errors.InvalidInput("template_code", "template code is required")
	}
	tmpl, err := u.store.GetTemplateByCode(ctx, req.TemplateCode)
	if err != nil {
		return nil, nil, err
	}
	if !tmpl.Active {
		return nil, nil, errors.NotFound("approval_template", req.TemplateCode)
	}

	initiator, err := u.e.dir.GetUser(ctx, req.InitiatorID)
	if err != nil {
		return nil, nil, err
	}
	if initiator == nil {
		return nil, nil, errors.NotFound("user", strconv.FormatInt(req.InitiatorID, 10))
	}
	return tmpl, initiator, nil
}

func (u *unit) newInstance(
	ctx context.Context,
	tmpl *repository.ApprovalTemplate,
	initiator *repository.User,
	req *SubmitRequest,
	status repository.InstanceStatus,
) (*repository.ApprovalInstance, error) {
	no, err := u.e.allocator.Next(ctx, u.store, u.e.now())
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = tmpl.Name
	}
	urgency := req.Urgency
	if urgency == "" {
		urgency = repository.UrgencyNormal
	}
	formData := req.FormData
	if formData == nil {
		formData = map[string]any{}
	}

	return &repository.ApprovalInstance{
		InstanceNo:      no,
		TemplateID:      tmpl.ID,
		Title:           title,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		InitiatorID:     initiator.ID,
		InitiatorName:   initiator.Name,
		InitiatorDeptID: initiator.DeptID,
		FormData:        formData,
		Status:          status,
		Urgency:         urgency,
	}, nil
}

// ── Task actions ──────────────────────────────────────────────────────────────

// Approve approves a task and moves the instance on when its node resolves.
func (e *Engine) Approve(ctx context.Context, req *ApproveRequest) (*repository.ApprovalInstance, error) {
	var out *repository.ApprovalInstance
	err := e.run(ctx, "approve", func(ctx context.Context, u *unit) error {
		task, inst, node, err := u.loadActionableTask(ctx, req.TaskID, req.ApproverID)
		if err != nil {
			return err
		}
		before := inst.Status

		canAdvance, err := e.executor.ProcessApproval(ctx, u.store, task, repository.ActionApprove, req.Comment, req.Attachments, req.EvalData)
		if err != nil {
			return err
		}
		if canAdvance {
			if err := u.settleNode(ctx, inst, node, repository.ActionApprove, ""); err != nil {
				return err
			}
		}

		u.record(ctx, inst, &task.ID, &node.ID, req.ApproverID, repository.LogApprove, &before, req.Comment, nil)
		out = inst
		return nil
	})
	return out, err
}

// Reject rejects a task. Once the node resolves the instance goes where
// RejectTo says; AND_SIGN nodes follow their pass rule instead.
func (e *Engine) Reject(ctx context.Context, req *RejectRequest) (*repository.ApprovalInstance, error) {
	if strings.TrimSpace(req.Comment) == "" {
		return nil, errors.InvalidInput("comment", "a comment is required to reject")
	}

	var out *repository.ApprovalInstance
	err := e.run(ctx, "reject", func(ctx context.Context, u *unit) error {
		task, inst, node, err := u.loadActionableTask(ctx, req.TaskID, req.ApproverID)
		if err != nil {
			return err
		}
		before := inst.Status

		canAdvance, err := e.executor.ProcessApproval(ctx, u.store, task, repository.ActionReject, req.Comment, req.Attachments, nil)
		if err != nil {
			return err
		}
		if canAdvance {
			if err := u.settleNode(ctx, inst, node, repository.ActionReject, req.RejectTo); err != nil {
				return err
			}
		}

		var metadata map[string]any
		if req.RejectTo != "" {
			metadata = map[string]any{"reject_to": req.RejectTo}
		}
		u.record(ctx, inst, &task.ID, &node.ID, req.ApproverID, repository.LogReject, &before, req.Comment, metadata)
		out = inst
		return nil
	})
	return out, err
}

// rejectTo applies a reject target. Targets that cannot be resolved reject
// the whole instance.
func (u *unit) rejectTo(ctx context.Context, inst *repository.ApprovalInstance, node *repository.ApprovalNode, target string) error {
	target = strings.ToUpper(strings.TrimSpace(target))
	switch target {
	case "", RejectToStart:
		return u.reject(ctx, inst, node)

	case RejectToPrev:
		prev, err := u.router.PreviousApprovalNode(ctx, node)
		if err != nil {
			return err
		}
		if prev == nil {
			return u.reject(ctx, inst, node)
		}
		return u.moveTo(ctx, inst, node, prev)

	default:
		id, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return u.reject(ctx, inst, node)
		}
		dest, err := u.store.GetNode(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			return u.reject(ctx, inst, node)
		}
		if err != nil {
			return err
		}
		return u.moveTo(ctx, inst, node, dest)
	}
}

// ReturnTo sends the instance back to an arbitrary node.
func (e *Engine) ReturnTo(ctx context.Context, req *ReturnRequest) (*repository.ApprovalInstance, error) {
	var out *repository.ApprovalInstance
	err := e.run(ctx, "return", func(ctx context.Context, u *unit) error {
		task, inst, node, err := u.loadActionableTask(ctx, req.TaskID, req.ApproverID)
		if err != nil {
			return err
		}
		target, err := u.store.GetNode(ctx, req.TargetNodeID)
		if err != nil {
			return err
		}
		before := inst.Status

		if err := e.executor.CompleteTask(ctx, u.store, task, repository.ActionReturn, req.Comment); err != nil {
			return err
		}
		if err := u.moveTo(ctx, inst, node, target); err != nil {
			return err
		}

		u.notify(inst, NotifyReturned, inst.InitiatorID, nil,
			"Returned: "+inst.Title,
			fmt.Sprintf("%s (%s) was returned to %s", inst.Title, inst.InstanceNo, target.Name))
		u.record(ctx, inst, &task.ID, &node.ID, req.ApproverID, repository.LogReturn, &before, req.Comment,
			map[string]any{"target_node_id": target.ID})
		out = inst
		return nil
	})
	return out, err
}

// Transfer hands a task to another active user.
func (e *Engine) Transfer(ctx context.Context, req *TransferRequest) (*repository.ApprovalTask, error) {
	if req.ToUserID == req.FromUserID {
		return nil, errors.InvalidInput("to_user_id", "cannot transfer a task to its current assignee")
	}

	var out *repository.ApprovalTask
	err := e.run(ctx, "transfer", func(ctx context.Context, u *unit) error {
		task, inst, node, err := u.loadActionableTask(ctx, req.TaskID, req.FromUserID)
		if err != nil {
			return err
		}
		if !node.CanTransfer {
			return errors.Forbidden(fmt.Sprintf("node %d does not allow transfer", node.ID))
		}

		to, err := e.dir.GetUser(ctx, req.ToUserID)
		if err != nil {
			return err
		}
		if to == nil || !to.Active {
			return errors.InvalidInput("to_user_id", fmt.Sprintf("user %d not found or inactive", req.ToUserID))
		}

		before := inst.Status
		replacement, err := e.executor.TransferTask(ctx, u.store, task, to, req.Comment)
		if err != nil {
			return err
		}

		u.notify(inst, NotifyTaskTransferred, to.ID, &replacement.ID,
			"Approval transferred: "+inst.Title,
			fmt.Sprintf("%s (%s) was transferred to you", inst.Title, inst.InstanceNo))
		u.record(ctx, inst, &task.ID, &node.ID, req.FromUserID, repository.LogTransfer, &before, req.Comment,
			map[string]any{"from_user_id": req.FromUserID, "to_user_id": to.ID, "new_task_id": replacement.ID})
		out = replacement
		return nil
	})
	return out, err
}

// AddApprover adds approvers before or after the operator's task.
func (e *Engine) AddApprover(ctx context.Context, req *AddApproverRequest) ([]*repository.ApprovalTask, error) {
	position := AddSignPosition(strings.ToUpper(string(req.Position)))
	if position != AddSignBefore && position != AddSignAfter {
		return nil, errors.InvalidInput("position", fmt.Sprintf("unknown position %q", req.Position))
	}
	ids := dedupeIDs(req.ApproverIDs)
	if len(ids) == 0 {
		return nil, errors.InvalidInput("approver_ids", "at least one approver is required")
	}

	var out []*repository.ApprovalTask
	err := e.run(ctx, "add_approver", func(ctx context.Context, u *unit) error {
		task, inst, node, err := u.loadActionableTask(ctx, req.TaskID, req.OperatorID)
		if err != nil {
			return err
		}
		if !node.CanAddApprover {
			return errors.Forbidden(fmt.Sprintf("node %d does not allow adding approvers", node.ID))
		}
		for _, id := range ids {
			if id == task.AssigneeID {
				return errors.InvalidInput("approver_ids", "cannot add the current assignee")
			}
			user, err := e.dir.GetUser(ctx, id)
			if err != nil {
				return err
			}
			if user == nil || !user.Active {
				return errors.InvalidInput("approver_ids", fmt.Sprintf("user %d not found or inactive", id))
			}
		}

		before := inst.Status
		added, err := e.executor.AddSignTasks(ctx, u.store, inst, node, task, ids, position)
		if err != nil {
			return err
		}

		for _, t := range added {
			if t.Status != repository.TaskPending {
				continue
			}
			u.notify(inst, NotifyTaskAssigned, t.AssigneeID, &t.ID,
				"Approval required: "+inst.Title,
				fmt.Sprintf("%s (%s) is waiting for your approval at %s", inst.Title, inst.InstanceNo, node.Name))
		}
		u.record(ctx, inst, &task.ID, &node.ID, req.OperatorID, repository.LogAddApprover, &before, req.Comment,
			map[string]any{"position": string(position), "approver_ids": ids})
		out = added
		return nil
	})
	return out, err
}
