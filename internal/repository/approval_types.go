package repository

import "time"

// ── Enumerations ──────────────────────────────────────────────────────────────

type NodeType string

const (
	NodeTypeApproval  NodeType = "APPROVAL"
	NodeTypeCondition NodeType = "CONDITION"
)

type ApprovalMode string

const (
	ModeSingle     ApprovalMode = "SINGLE"
	ModeOrSign     ApprovalMode = "OR_SIGN"
	ModeAndSign    ApprovalMode = "AND_SIGN"
	ModeSequential ApprovalMode = "SEQUENTIAL"
)

type ApproverType string

const (
	ApproverFixedUser      ApproverType = "FIXED_USER"
	ApproverRole           ApproverType = "ROLE"
	ApproverDepartmentHead ApproverType = "DEPARTMENT_HEAD"
	ApproverDirectManager  ApproverType = "DIRECT_MANAGER"
	ApproverFormField      ApproverType = "FORM_FIELD"
	ApproverMultiDept      ApproverType = "MULTI_DEPT"
	ApproverDynamic        ApproverType = "DYNAMIC"
	ApproverInitiator      ApproverType = "INITIATOR"
)

type TimeoutAction string

const (
	TimeoutNone       TimeoutAction = "NONE"
	TimeoutRemind     TimeoutAction = "REMIND"
	TimeoutAutoPass   TimeoutAction = "AUTO_PASS"
	TimeoutAutoReject TimeoutAction = "AUTO_REJECT"
	TimeoutEscalate   TimeoutAction = "ESCALATE"
)

type PassRule string

const (
	PassRuleAll      PassRule = "ALL"
	PassRuleMajority PassRule = "MAJORITY"
	PassRuleAny      PassRule = "ANY"
)

type InstanceStatus string

const (
	InstanceDraft      InstanceStatus = "DRAFT"
	InstancePending    InstanceStatus = "PENDING"
	InstanceApproved   InstanceStatus = "APPROVED"
	InstanceRejected   InstanceStatus = "REJECTED"
	InstanceCancelled  InstanceStatus = "CANCELLED"
	InstanceTerminated InstanceStatus = "TERMINATED"
)

// IsTerminal reports whether no further transition is possible.
func (s InstanceStatus) IsTerminal() bool {
	return s != InstanceDraft && s != InstancePending
}

type Urgency string

const (
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyUrgent   Urgency = "URGENT"
	UrgencyCritical Urgency = "CRITICAL"
)

type TaskStatus string

const (
	TaskPending     TaskStatus = "PENDING"
	TaskSkipped     TaskStatus = "SKIPPED"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskCancelled   TaskStatus = "CANCELLED"
	TaskTransferred TaskStatus = "TRANSFERRED"
	TaskExpired     TaskStatus = "EXPIRED"
)

type TaskAction string

const (
	ActionApprove  TaskAction = "APPROVE"
	ActionReject   TaskAction = "REJECT"
	ActionReturn   TaskAction = "RETURN"
	ActionTransfer TaskAction = "TRANSFER"
)

type AssigneeType string

const (
	AssigneeNormal      AssigneeType = "NORMAL"
	AssigneeTransferred AssigneeType = "TRANSFERRED"
	AssigneeAddedBefore AssigneeType = "ADDED_BEFORE"
	AssigneeAddedAfter  AssigneeType = "ADDED_AFTER"
)

type CountersignResult string

const (
	CountersignPending CountersignResult = "PENDING"
	CountersignPassed  CountersignResult = "PASSED"
	CountersignFailed  CountersignResult = "FAILED"
)

type CCSource string

const (
	CCSourceInitiator CCSource = "INITIATOR"
	CCSourceNode      CCSource = "NODE"
	CCSourceManual    CCSource = "MANUAL"
)

// Action log verbs.
const (
	LogSubmit      = "SUBMIT"
	LogSaveDraft   = "SAVE_DRAFT"
	LogApprove     = "APPROVE"
	LogReject      = "REJECT"
	LogReturn      = "RETURN"
	LogTransfer    = "TRANSFER"
	LogAddApprover = "ADD_APPROVER"
	LogAddCC       = "ADD_CC"
	LogWithdraw    = "WITHDRAW"
	LogTerminate   = "TERMINATE"
	LogRemind      = "REMIND"
	LogComment     = "COMMENT"
	LogAutoSkip    = "AUTO_SKIP"
	LogTimeout     = "TIMEOUT"
)

// ── Definitions ───────────────────────────────────────────────────────────────

// ApprovalTemplate is the business-level approval type, looked up by code.
type ApprovalTemplate struct {
	ID        int64
	Code      string
	Name      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApprovalFlow is one concrete node graph of a template.
type ApprovalFlow struct {
	ID         int64
	TemplateID int64
	Name       string
	IsDefault  bool
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Condition is a node of a condition tree. A node with Operator or Items set
// is a group; otherwise it is a leaf comparison of Field against Value.
type Condition struct {
	Operator string      `json:"operator,omitempty"` // AND | OR
	Items    []Condition `json:"items,omitempty"`
	Field    string      `json:"field,omitempty"`
	Op       string      `json:"op,omitempty"`
	Value    any         `json:"value"`
}

// IsGroup reports whether c combines child conditions.
func (c Condition) IsGroup() bool {
	return c.Operator != "" || c.Items != nil || c.Field == ""
}

// ConditionBranch is one outgoing edge of a CONDITION node.
type ConditionBranch struct {
	Name         string     `json:"name,omitempty"`
	Conditions   *Condition `json:"conditions,omitempty"`
	TargetNodeID int64      `json:"target_node_id"`
}

// ApproverConfig is the JSONB approver_config column. Which fields matter
// depends on the node's approver type; CONDITION nodes use Branches.
type ApproverConfig struct {
	UserIDs       []int64           `json:"user_ids,omitempty"`
	RoleCodes     []string          `json:"role_codes,omitempty"`
	Field         string            `json:"field,omitempty"`
	DeptIDs       []int64           `json:"dept_ids,omitempty"`
	PassRule      PassRule          `json:"pass_rule,omitempty"`
	Branches      []ConditionBranch `json:"branches,omitempty"`
	DefaultNodeID *int64            `json:"default_node_id,omitempty"`
}

// NotifyConfig is the JSONB notify_config column.
type NotifyConfig struct {
	CCUserIDs []int64 `json:"cc_user_ids,omitempty"`
	Silent    bool    `json:"silent,omitempty"`
}

// ApprovalNode is a step definition within a flow.
type ApprovalNode struct {
	ID             int64
	FlowID         int64
	Name           string
	NodeOrder      int
	NodeType       NodeType
	ApprovalMode   ApprovalMode
	ApproverType   ApproverType
	ApproverConfig ApproverConfig
	TimeoutHours   *int
	TimeoutAction  TimeoutAction
	CanTransfer    bool
	CanAddApprover bool
	NotifyConfig   NotifyConfig
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalRoutingRule selects a flow when its conditions match.
// Nil Conditions never match.
type ApprovalRoutingRule struct {
	ID         int64
	TemplateID int64
	FlowID     int64
	Name       string
	RuleOrder  int
	Conditions *Condition
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ── Runtime ───────────────────────────────────────────────────────────────────

// ApprovalInstance is one run of a flow for a business object.
type ApprovalInstance struct {
	ID              int64
	InstanceNo      string
	TemplateID      int64
	FlowID          *int64
	Title           string
	EntityType      string
	EntityID        string
	InitiatorID     int64
	InitiatorName   string
	InitiatorDeptID *int64
	FormData        map[string]any
	Status          InstanceStatus
	CurrentNodeID   *int64
	Urgency         Urgency
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int
}

// ApprovalTask is one approver slot on a node.
type ApprovalTask struct {
	ID                 int64
	InstanceID         int64
	NodeID             int64
	TaskOrder          int
	AssigneeID         int64
	AssigneeName       string
	AssigneeType       AssigneeType
	OriginalAssigneeID *int64
	Status             TaskStatus
	Action             *TaskAction
	Comment            string
	Attachments        []string
	EvalData           map[string]any
	IsCountersign      bool
	DueAt              *time.Time
	RemindCount        int
	RemindedAt         *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int
}

// EvalSummary aggregates evaluation data of the completed tasks on a node.
type EvalSummary struct {
	Evaluations           []map[string]any `json:"evaluations"`
	TotalCostEstimate     string           `json:"total_cost_estimate"`
	TotalScheduleEstimate string           `json:"total_schedule_estimate"`
	MaxRiskAssessment     string           `json:"max_risk_assessment,omitempty"`
}

// ApprovalCountersignResult is the shared tally of an AND_SIGN node.
type ApprovalCountersignResult struct {
	ID               int64
	InstanceID       int64
	NodeID           int64
	TotalCount       int
	ApprovedCount    int
	RejectedCount    int
	PendingCount     int
	FinalResult      CountersignResult
	SummaryData      *EvalSummary
	// RoundStartTaskID is the first task of the current round; tasks with a
	// lower id belong to an earlier visit of the node.
	RoundStartTaskID int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int
}

// ApprovalCarbonCopy is a read-only recipient of an instance.
type ApprovalCarbonCopy struct {
	ID         int64
	InstanceID int64
	NodeID     *int64
	CCUserID   int64
	CCUserName string
	Source     CCSource
	AddedBy    int64
	IsRead     bool
	ReadAt     *time.Time
	CreatedAt  time.Time
}

// ApprovalActionLog is one immutable audit row.
type ApprovalActionLog struct {
	ID           int64
	InstanceID   int64
	TaskID       *int64
	NodeID       *int64
	OperatorID   int64
	OperatorName string
	Action       string
	BeforeStatus *InstanceStatus
	AfterStatus  *InstanceStatus
	Comment      string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// ApprovalComment is a threaded discussion entry on an instance.
type ApprovalComment struct {
	ID               int64
	InstanceID       int64
	UserID           int64
	UserName         string
	Content          string
	ParentID         *int64
	ReplyToUserID    *int64
	MentionedUserIDs []int64
	Attachments      []string
	CreatedAt        time.Time
}

// ── Identity / org ────────────────────────────────────────────────────────────

// User is the identity record the engine needs.
type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	DeptID    *int64 `json:"dept_id"`
	ManagerID *int64 `json:"manager_id"`
	Active    bool   `json:"active"`
}

// Delegate is a standing substitution of DelegateID for DelegatorID. A nil
// TemplateID applies to every template.
type Delegate struct {
	ID          int64
	DelegatorID int64
	DelegateID  int64
	TemplateID  *int64
	StartAt     *time.Time
	EndAt       *time.Time
	Active      bool
}

// ── Query filters ─────────────────────────────────────────────────────────────

// Page is a limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TaskFilter selects tasks; zero fields are ignored.
type TaskFilter struct {
	InstanceID int64
	NodeID     int64
	AssigneeID int64
	Statuses   []TaskStatus
	Page       *Page
}

// InstanceFilter selects instances; zero fields are ignored.
type InstanceFilter struct {
	InitiatorID int64
	TemplateID  int64
	Status      *InstanceStatus
	Page        Page
}

// CCFilter selects carbon copies for a user.
type CCFilter struct {
	UserID int64
	IsRead *bool
	Page   Page
}
