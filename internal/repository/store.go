package repository

import (
	"context"
	"time"
)

// Store is the persistence port of the approval engine. Lookups of a single
// row return a NOT_FOUND error when the row is missing, except where noted.
// Update methods are optimistic: they fail with a CONFLICT error when the
// row's version no longer matches, and bump the version on success.
type Store interface {
	// WithinTx runs fn as one unit of work. The Store passed to fn must be
	// used for every read and write of that unit.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	GetTemplateByCode(ctx context.Context, code string) (*ApprovalTemplate, error)
	GetFlow(ctx context.Context, id int64) (*ApprovalFlow, error)
	// GetDefaultFlow returns nil, nil when the template has no active default.
	GetDefaultFlow(ctx context.Context, templateID int64) (*ApprovalFlow, error)
	ListActiveRules(ctx context.Context, templateID int64) ([]*ApprovalRoutingRule, error)
	GetNode(ctx context.Context, id int64) (*ApprovalNode, error)
	ListActiveNodes(ctx context.Context, flowID int64) ([]*ApprovalNode, error)

	CreateInstance(ctx context.Context, inst *ApprovalInstance) error
	GetInstance(ctx context.Context, id int64) (*ApprovalInstance, error)
	UpdateInstance(ctx context.Context, inst *ApprovalInstance) error
	CountInstanceNoPrefix(ctx context.Context, prefix string) (int, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*ApprovalInstance, int64, error)

	CreateTasks(ctx context.Context, tasks []*ApprovalTask) error
	GetTask(ctx context.Context, id int64) (*ApprovalTask, error)
	UpdateTask(ctx context.Context, task *ApprovalTask) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*ApprovalTask, int64, error)
	ListOverdueTasks(ctx context.Context, now time.Time, limit int) ([]*ApprovalTask, error)

	CreateCountersign(ctx context.Context, cs *ApprovalCountersignResult) error
	// GetCountersign returns nil, nil when no tally exists for the node.
	GetCountersign(ctx context.Context, instanceID, nodeID int64) (*ApprovalCountersignResult, error)
	UpdateCountersign(ctx context.Context, cs *ApprovalCountersignResult) error

	// CreateCCIfAbsent inserts cc unless (instance, user) already exists and
	// reports whether a row was inserted.
	CreateCCIfAbsent(ctx context.Context, cc *ApprovalCarbonCopy) (bool, error)
	ListCCByInstance(ctx context.Context, instanceID int64) ([]*ApprovalCarbonCopy, error)
	ListCCForUser(ctx context.Context, filter CCFilter) ([]*ApprovalCarbonCopy, int64, error)
	// MarkCCRead reports false when no CC row matches (id, user).
	MarkCCRead(ctx context.Context, ccID, userID int64, at time.Time) (bool, error)

	AppendActionLog(ctx context.Context, entry *ApprovalActionLog) error
	ListActionLogs(ctx context.Context, instanceID int64) ([]*ApprovalActionLog, error)

	CreateComment(ctx context.Context, c *ApprovalComment) error
	GetComment(ctx context.Context, id int64) (*ApprovalComment, error)
	ListComments(ctx context.Context, instanceID int64) ([]*ApprovalComment, error)
}

// Directory is the identity/org port. Missing users yield nil, nil; missing
// managers or delegates yield 0.
type Directory interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	ListActiveUserIDsByRoles(ctx context.Context, roleCodes []string) ([]int64, error)
	GetDepartmentManager(ctx context.Context, deptID int64) (int64, error)
	GetDirectManager(ctx context.Context, userID int64) (int64, error)
	GetActiveDelegate(ctx context.Context, userID, templateID int64, at time.Time) (int64, error)
}
