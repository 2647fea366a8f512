package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/metrics"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/tracing"
)

const (
	// SystemOperatorID marks actions taken by the engine itself.
	SystemOperatorID   int64 = 0
	systemOperatorName       = "system"

	// maxAutoAdvanceHops bounds auto-advancing through nodes without approvers.
	maxAutoAdvanceHops = 64
)

// Engine runs approval instances through their flows. Each public method is
// one unit of work: it either commits completely or leaves no trace, and its
// notifications are sent only after commit.
type Engine struct {
	store     repository.Store
	dir       repository.Directory
	router    *Router
	executor  *Executor
	notifier  Notifier
	allocator InstanceNoAllocator
	dynamic   DynamicResolver
	resolvers map[repository.ApproverType]ApproverResolver
	now       func() time.Time
	log       *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithInstanceNoAllocator replaces the default counting allocator.
func WithInstanceNoAllocator(a InstanceNoAllocator) Option {
	return func(e *Engine) { e.allocator = a }
}

// WithDynamicResolver supplies approvers for DYNAMIC nodes.
func WithDynamicResolver(r DynamicResolver) Option {
	return func(e *Engine) { e.dynamic = r }
}

// WithApproverResolver installs a resolver for an approver type, replacing
// the built-in one.
func WithApproverResolver(t repository.ApproverType, r ApproverResolver) Option {
	return func(e *Engine) { e.resolvers[t] = r }
}

// NewEngine creates an engine. A nil notifier discards notifications.
func NewEngine(
	store repository.Store,
	dir repository.Directory,
	notifier Notifier,
	log *logger.Logger,
	opts ...Option,
) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	e := &Engine{
		store:     store,
		dir:       dir,
		notifier:  notifier,
		allocator: CountAllocator{},
		resolvers: map[repository.ApproverType]ApproverResolver{},
		now:       time.Now,
		log:       log.Component("approval-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.router = NewRouter(store, dir, e.log)
	for t, r := range e.resolvers {
		e.router.RegisterResolver(t, r)
	}
	e.executor = NewExecutor(dir, e.now, e.log)
	return e
}

// Router exposes the engine's router.
func (e *Engine) Router() *Router { return e.router }

// Executor exposes the engine's executor.
func (e *Engine) Executor() *Executor { return e.executor }

// ── Unit of work ──────────────────────────────────────────────────────────────

// unit carries the transaction-bound collaborators of one engine call.
type unit struct {
	e      *Engine
	store  repository.Store
	router *Router
	notes  []*Notification
}

func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, u *unit) error) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "approval."+op, attribute.String("operation", op))

	var u *unit
	err := e.store.WithinTx(ctx, func(tx repository.Store) error {
		u = &unit{e: e, store: tx, router: e.router.bind(tx)}
		return fn(ctx, u)
	})
	span.End(err)

	result := "ok"
	if err != nil {
		result = string(errors.CodeOf(err))
	}
	metrics.EngineActionsTotal.WithLabelValues(op, result).Inc()
	metrics.EngineActionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		e.log.Debug().Err(err).Str("operation", op).Msg("Engine operation failed")
		return err
	}
	e.flush(ctx, u.notes)
	return nil
}

// flush sends queued notifications. Failures are logged and never returned.
func (e *Engine) flush(ctx context.Context, notes []*Notification) {
	for _, n := range notes {
		if err := e.notifier.Send(ctx, n); err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Type, "failed").Inc()
			e.log.Warn().Err(err).
				Str("type", n.Type).
				Int64("receiver_id", n.ReceiverID).
				Int64("instance_id", n.InstanceID).
				Msg("Failed to send notification")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(n.Type, "sent").Inc()
	}
}

func (u *unit) notify(inst *repository.ApprovalInstance, typ string, receiverID int64, taskID *int64, title, content string) {
	if receiverID == 0 {
		return
	}
	u.notes = append(u.notes, &Notification{
		Type:       typ,
		Title:      title,
		Content:    content,
		ReceiverID: receiverID,
		InstanceID: inst.ID,
		TaskID:     taskID,
		Urgency:    inst.Urgency,
	})
}

// record appends the action log row of a call. Like the notification sink it
// never fails the call.
func (u *unit) record(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	taskID, nodeID *int64,
	operatorID int64,
	action string,
	before *repository.InstanceStatus,
	comment string,
	metadata map[string]any,
) {
	after := inst.Status
	entry := &repository.ApprovalActionLog{
		InstanceID:   inst.ID,
		TaskID:       taskID,
		NodeID:       nodeID,
		OperatorID:   operatorID,
		OperatorName: u.e.userName(ctx, operatorID),
		Action:       action,
		BeforeStatus: before,
		AfterStatus:  &after,
		Comment:      comment,
		Metadata:     metadata,
	}
	if err := u.store.AppendActionLog(ctx, entry); err != nil {
		u.e.log.Warn().Err(err).
			Int64("instance_id", inst.ID).
			Str("action", action).
			Msg("Failed to write action log entry")
	}
}

func (e *Engine) userName(ctx context.Context, id int64) string {
	if id == SystemOperatorID {
		return systemOperatorName
	}
	u, err := e.dir.GetUser(ctx, id)
	if err != nil || u == nil {
		return ""
	}
	return u.Name
}

// ── Context & loading ─────────────────────────────────────────────────────────

func (e *Engine) evalContext(formData map[string]any, initiator *repository.User, entityType, entityID string) EvalContext {
	evalCtx := NewEvalContext(formData, initiator, entityType, entityID)
	if e.dynamic != nil {
		evalCtx = evalCtx.WithDynamicResolver(e.dynamic)
	}
	return evalCtx
}

// instanceContext rebuilds the evaluation context of a running instance.
func (u *unit) instanceContext(ctx context.Context, inst *repository.ApprovalInstance) (EvalContext, error) {
	initiator, err := u.e.dir.GetUser(ctx, inst.InitiatorID)
	if err != nil {
		return nil, err
	}
	if initiator == nil {
		initiator = &repository.User{ID: inst.InitiatorID, Name: inst.InitiatorName, DeptID: inst.InitiatorDeptID}
	}
	return u.e.evalContext(inst.FormData, initiator, inst.EntityType, inst.EntityID).WithInstance(inst), nil
}

// loadActionableTask checks, in order, that the task exists, belongs to
// userID and is PENDING on a PENDING instance.
func (u *unit) loadActionableTask(ctx context.Context, taskID, userID int64) (*repository.ApprovalTask, *repository.ApprovalInstance, *repository.ApprovalNode, error) {
	task, err := u.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, nil, err
	}
	if task.AssigneeID != userID {
		return nil, nil, nil, errors.Forbidden(fmt.Sprintf("user %d is not the assignee of task %d", userID, taskID))
	}
	if task.Status != repository.TaskPending {
		return nil, nil, nil, errors.Conflict(fmt.Sprintf("task %d is not pending (status: %s)", taskID, task.Status))
	}

	inst, err := u.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, nil, nil, err
	}
	if inst.Status != repository.InstancePending {
		return nil, nil, nil, errors.Conflict(fmt.Sprintf("instance %d is not pending (status: %s)", inst.ID, inst.Status))
	}

	node, err := u.store.GetNode(ctx, task.NodeID)
	if err != nil {
		return nil, nil, nil, err
	}
	return task, inst, node, nil
}

// ── Node transitions ──────────────────────────────────────────────────────────

// enter makes node current and creates its tasks. Nodes that resolve to no
// approvers are logged as AUTO_SKIP and passed through.
func (u *unit) enter(ctx context.Context, inst *repository.ApprovalInstance, node *repository.ApprovalNode) error {
	for hops := 0; hops < maxAutoAdvanceHops; hops++ {
		nodeID := node.ID
		inst.CurrentNodeID = &nodeID

		evalCtx, err := u.instanceContext(ctx, inst)
		if err != nil {
			return err
		}
		created, err := u.createNodeTasks(ctx, inst, node, evalCtx)
		if err != nil {
			return err
		}
		if len(created) > 0 {
			return u.store.UpdateInstance(ctx, inst)
		}

		u.e.log.Info().
			Int64("instance_id", inst.ID).
			Int64("node_id", node.ID).
			Msg("Node has no approvers; skipping")
		status := inst.Status
		u.record(ctx, inst, nil, &nodeID, SystemOperatorID, repository.LogAutoSkip, &status, "no approvers resolved", nil)

		next, err := u.router.GetNextNodes(ctx, node, evalCtx)
		if err != nil {
			return err
		}
		if len(next) == 0 {
			return u.approve(ctx, inst)
		}
		node = next[0]
	}
	return errors.New(errors.ErrCodeInternal,
		fmt.Sprintf("instance %d did not settle after %d nodes", inst.ID, maxAutoAdvanceHops))
}

// createNodeTasks resolves approvers (applying delegation), creates tasks,
// registers node-level CCs and queues assignment notifications.
func (u *unit) createNodeTasks(ctx context.Context, inst *repository.ApprovalInstance, node *repository.ApprovalNode, evalCtx EvalContext) ([]*repository.ApprovalTask, error) {
	ids, err := u.router.ResolveApprovers(ctx, node, evalCtx)
	if err != nil {
		return nil, err
	}
	ids, err = u.substituteDelegates(ctx, inst, ids)
	if err != nil {
		return nil, err
	}

	tasks, err := u.e.executor.CreateTasksForNode(ctx, u.store, inst, node, ids)
	if err != nil {
		return nil, err
	}

	if len(node.NotifyConfig.CCUserIDs) > 0 {
		nodeID := node.ID
		ccs, err := u.e.executor.CreateCCRecords(ctx, u.store, inst, &nodeID, node.NotifyConfig.CCUserIDs, repository.CCSourceNode, SystemOperatorID)
		if err != nil {
			return nil, err
		}
		u.notifyCC(inst, ccs)
	}

	if !node.NotifyConfig.Silent {
		for _, t := range tasks {
			if t.Status != repository.TaskPending {
				continue
			}
			u.notify(inst, NotifyTaskAssigned, t.AssigneeID, &t.ID,
				"Approval required: "+inst.Title,
				fmt.Sprintf("%s (%s) is waiting for your approval at %s", inst.Title, inst.InstanceNo, node.Name))
		}
	}
	return tasks, nil
}

// substituteDelegates replaces approvers that have an active delegate for the
// instance's template.
func (u *unit) substituteDelegates(ctx context.Context, inst *repository.ApprovalInstance, ids []int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		delegate, err := u.e.dir.GetActiveDelegate(ctx, id, inst.TemplateID, u.e.now())
		if err != nil {
			return nil, err
		}
		if delegate != 0 && delegate != id {
			u.e.log.Debug().
				Int64("instance_id", inst.ID).
				Int64("approver_id", id).
				Int64("delegate_id", delegate).
				Msg("Approver replaced by delegate")
			id = delegate
		}
		out = append(out, id)
	}
	return dedupeIDs(out), nil
}

// advance leaves a resolved node and enters the next one, or approves the
// instance when the flow is exhausted.
func (u *unit) advance(ctx context.Context, inst *repository.ApprovalInstance, from *repository.ApprovalNode) error {
	if _, err := u.e.executor.CancelPendingTasks(ctx, u.store, inst.ID, from.ID); err != nil {
		return err
	}
	evalCtx, err := u.instanceContext(ctx, inst)
	if err != nil {
		return err
	}
	next, err := u.router.GetNextNodes(ctx, from, evalCtx)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		return u.approve(ctx, inst)
	}
	return u.enter(ctx, inst, next[0])
}

// moveTo leaves from and re-enters target, following CONDITION branches.
func (u *unit) moveTo(ctx context.Context, inst *repository.ApprovalInstance, from, target *repository.ApprovalNode) error {
	if _, err := u.e.executor.CancelPendingTasks(ctx, u.store, inst.ID, from.ID); err != nil {
		return err
	}
	evalCtx, err := u.instanceContext(ctx, inst)
	if err != nil {
		return err
	}
	nodes, err := u.router.Expand(ctx, target, evalCtx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return u.approve(ctx, inst)
	}
	return u.enter(ctx, inst, nodes[0])
}

// settleNode applies the outcome of a resolved node. AND_SIGN nodes follow
// their tally; other nodes follow the last action.
func (u *unit) settleNode(ctx context.Context, inst *repository.ApprovalInstance, node *repository.ApprovalNode, last repository.TaskAction, rejectTo string) error {
	if node.ApprovalMode == repository.ModeAndSign {
		tally, err := u.store.GetCountersign(ctx, inst.ID, node.ID)
		if err != nil {
			return err
		}
		if tally == nil {
			return errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("countersign tally not found for instance %d node %d", inst.ID, node.ID))
		}
		if tally.FinalResult == repository.CountersignFailed {
			return u.reject(ctx, inst, node)
		}
		return u.advance(ctx, inst, node)
	}

	if last == repository.ActionReject {
		return u.rejectTo(ctx, inst, node, rejectTo)
	}
	return u.advance(ctx, inst, node)
}

// finish moves the instance to a terminal status.
func (u *unit) finish(ctx context.Context, inst *repository.ApprovalInstance, status repository.InstanceStatus) error {
	now := u.e.now()
	inst.Status = status
	inst.CompletedAt = &now
	inst.CurrentNodeID = nil
	if err := u.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	metrics.InstancesCompletedTotal.WithLabelValues(string(status)).Inc()
	u.e.log.Info().
		Int64("instance_id", inst.ID).
		Str("instance_no", inst.InstanceNo).
		Str("status", string(status)).
		Msg("Approval instance completed")
	return nil
}

func (u *unit) approve(ctx context.Context, inst *repository.ApprovalInstance) error {
	if err := u.finish(ctx, inst, repository.InstanceApproved); err != nil {
		return err
	}
	u.notify(inst, NotifyApproved, inst.InitiatorID, nil,
		"Approved: "+inst.Title,
		fmt.Sprintf("%s (%s) has been approved", inst.Title, inst.InstanceNo))
	return nil
}

func (u *unit) reject(ctx context.Context, inst *repository.ApprovalInstance, node *repository.ApprovalNode) error {
	if node != nil {
		if _, err := u.e.executor.CancelPendingTasks(ctx, u.store, inst.ID, node.ID); err != nil {
			return err
		}
	}
	if err := u.finish(ctx, inst, repository.InstanceRejected); err != nil {
		return err
	}
	u.notify(inst, NotifyRejected, inst.InitiatorID, nil,
		"Rejected: "+inst.Title,
		fmt.Sprintf("%s (%s) has been rejected", inst.Title, inst.InstanceNo))
	return nil
}

func (u *unit) notifyCC(inst *repository.ApprovalInstance, ccs []*repository.ApprovalCarbonCopy) {
	for _, cc := range ccs {
		u.notify(inst, NotifyCC, cc.CCUserID, nil,
			"CC: "+inst.Title,
			fmt.Sprintf("You have been copied on %s (%s)", inst.Title, inst.InstanceNo))
	}
}
