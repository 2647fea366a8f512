package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// TemplateRepository reads templates, flows, nodes and routing rules. These
// definitions are maintained by the surrounding application; the engine only
// reads them.
type TemplateRepository struct {
	db database.Querier
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db database.Querier) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// GetTemplateByCode retrieves a template by its unique code.
func (r *TemplateRepository) GetTemplateByCode(ctx context.Context, code string) (*ApprovalTemplate, error) {
	query := `
		SELECT id, code, name, active, created_at, updated_at
		FROM approval_templates
		WHERE code = $1
	`

	t := &ApprovalTemplate{}
	err := r.db.QueryRow(ctx, query, code).Scan(
		&t.ID, &t.Code, &t.Name, &t.Active, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_template", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval template")
	}
	return t, nil
}

// GetFlow retrieves a flow by primary key.
func (r *TemplateRepository) GetFlow(ctx context.Context, id int64) (*ApprovalFlow, error) {
	query := `
		SELECT id, template_id, name, is_default, active, created_at, updated_at
		FROM approval_flows
		WHERE id = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_flow", id)
	}
	return flow, err
}

// GetDefaultFlow returns the active default flow of a template, or nil.
func (r *TemplateRepository) GetDefaultFlow(ctx context.Context, templateID int64) (*ApprovalFlow, error) {
	query := `
		SELECT id, template_id, name, is_default, active, created_at, updated_at
		FROM approval_flows
		WHERE template_id = $1 AND is_default = TRUE AND active = TRUE
		ORDER BY id ASC
		LIMIT 1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, templateID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return flow, err
}

// ListActiveRules returns the active routing rules of a template in evaluation order.
func (r *TemplateRepository) ListActiveRules(ctx context.Context, templateID int64) ([]*ApprovalRoutingRule, error) {
	query := `
		SELECT id, template_id, flow_id, name, rule_order, conditions, active,
		       created_at, updated_at
		FROM approval_routing_rules
		WHERE template_id = $1 AND active = TRUE
		ORDER BY rule_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list routing rules")
	}
	defer rows.Close()

	var rules []*ApprovalRoutingRule
	for rows.Next() {
		rule := &ApprovalRoutingRule{}
		var conditionsJSON []byte
		err := rows.Scan(
			&rule.ID,
			&rule.TemplateID,
			&rule.FlowID,
			&rule.Name,
			&rule.RuleOrder,
			&conditionsJSON,
			&rule.Active,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan routing rule")
		}
		if len(conditionsJSON) > 0 && string(conditionsJSON) != "null" {
			rule.Conditions = &Condition{}
			if err := unmarshalJSON(conditionsJSON, rule.Conditions, "rule conditions"); err != nil {
				return nil, err
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetNode retrieves a node by primary key.
func (r *TemplateRepository) GetNode(ctx context.Context, id int64) (*ApprovalNode, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM approval_nodes
		WHERE id = $1
	`

	node, err := r.scanNode(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_node", id)
	}
	return node, err
}

// ListActiveNodes returns the active nodes of a flow ordered by node_order.
func (r *TemplateRepository) ListActiveNodes(ctx context.Context, flowID int64) ([]*ApprovalNode, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM approval_nodes
		WHERE flow_id = $1 AND active = TRUE
		ORDER BY node_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, flowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval nodes")
	}
	defer rows.Close()

	var nodes []*ApprovalNode
	for rows.Next() {
		node, err := r.scanNode(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval node")
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const nodeColumns = `id, flow_id, name, node_order, node_type, approval_mode, approver_type,
		       approver_config, timeout_hours, timeout_action, can_transfer, can_add_approver,
		       notify_config, active, created_at, updated_at`

func (r *TemplateRepository) scanFlow(row rowScanner) (*ApprovalFlow, error) {
	f := &ApprovalFlow{}
	err := row.Scan(&f.ID, &f.TemplateID, &f.Name, &f.IsDefault, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *TemplateRepository) scanNode(row rowScanner) (*ApprovalNode, error) {
	n := &ApprovalNode{}
	var approverJSON, notifyJSON []byte
	var timeoutAction *string

	err := row.Scan(
		&n.ID,
		&n.FlowID,
		&n.Name,
		&n.NodeOrder,
		&n.NodeType,
		&n.ApprovalMode,
		&n.ApproverType,
		&approverJSON,
		&n.TimeoutHours,
		&timeoutAction,
		&n.CanTransfer,
		&n.CanAddApprover,
		&notifyJSON,
		&n.Active,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if timeoutAction != nil {
		n.TimeoutAction = TimeoutAction(*timeoutAction)
	}
	if err := unmarshalJSON(approverJSON, &n.ApproverConfig, "approver config"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(notifyJSON, &n.NotifyConfig, "notify config"); err != nil {
		return nil, err
	}
	return n, nil
}
