package service

import (
	"context"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Notification types sent by the engine.
const (
	NotifyTaskAssigned    = "task_assigned"
	NotifyTaskTransferred = "task_transferred"
	NotifyCC              = "cc"
	NotifyApproved        = "approved"
	NotifyRejected        = "rejected"
	NotifyReturned        = "returned"
	NotifyWithdrawn       = "withdrawn"
	NotifyTerminated      = "terminated"
	NotifyReminder        = "reminder"
	NotifyMentioned       = "mentioned"
	NotifyCommentReply    = "comment_reply"
	NotifyTaskExpired     = "task_expired"
)

// Notification is the payload handed to the notification sink.
type Notification struct {
	Type       string             `json:"type"`
	Title      string             `json:"title"`
	Content    string             `json:"content"`
	ReceiverID int64              `json:"receiver_id"`
	InstanceID int64              `json:"instance_id"`
	TaskID     *int64             `json:"task_id,omitempty"`
	Urgency    repository.Urgency `json:"urgency"`
}

// Notifier delivers notifications. Implementations choose the channel; the
// engine only logs failures.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, *Notification) error { return nil }

// DynamicResolver supplies approvers for nodes with approver type DYNAMIC.
type DynamicResolver interface {
	ResolveApprovers(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error)
}

// DynamicResolverFunc adapts a function to DynamicResolver.
type DynamicResolverFunc func(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error)

func (f DynamicResolverFunc) ResolveApprovers(ctx context.Context, node *repository.ApprovalNode, evalCtx EvalContext) ([]int64, error) {
	return f(ctx, node, evalCtx)
}
