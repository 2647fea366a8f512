package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// InstanceRepository manages approval instances. Instances are never deleted.
type InstanceRepository struct {
	db database.Querier
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db database.Querier) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `id, instance_no, template_id, flow_id, title, entity_type, entity_id,
		       initiator_id, initiator_name, initiator_dept_id, form_data, status,
		       current_node_id, urgency, submitted_at, completed_at, created_at, updated_at, version`

// CreateInstance inserts a new instance. instance_no carries a unique index so
// two concurrent submissions can never share a number.
func (r *InstanceRepository) CreateInstance(ctx context.Context, inst *ApprovalInstance) error {
	formJSON, err := marshalJSON(inst.FormData, "form data")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_instances
		    (instance_no, template_id, flow_id, title, entity_type, entity_id,
		     initiator_id, initiator_name, initiator_dept_id, form_data, status,
		     current_node_id, urgency, submitted_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, 1)
		RETURNING id, created_at, updated_at, version
	`

	err = r.db.QueryRow(ctx, query,
		inst.InstanceNo,
		inst.TemplateID,
		inst.FlowID,
		inst.Title,
		inst.EntityType,
		inst.EntityID,
		inst.InitiatorID,
		inst.InitiatorName,
		inst.InitiatorDeptID,
		formJSON,
		inst.Status,
		inst.CurrentNodeID,
		inst.Urgency,
		inst.SubmittedAt,
		inst.CompletedAt,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
	}
	return nil
}

// GetInstance retrieves an instance by primary key.
func (r *InstanceRepository) GetInstance(ctx context.Context, id int64) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// UpdateInstance persists mutable instance fields guarded by the version.
func (r *InstanceRepository) UpdateInstance(ctx context.Context, inst *ApprovalInstance) error {
	formJSON, err := marshalJSON(inst.FormData, "form data")
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_instances
		SET flow_id         = $3,
		    title           = $4,
		    form_data       = $5,
		    status          = $6,
		    current_node_id = $7,
		    urgency         = $8,
		    submitted_at    = $9,
		    completed_at    = $10,
		    version         = version + 1,
		    updated_at      = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		inst.ID,
		inst.Version,
		inst.FlowID,
		inst.Title,
		formJSON,
		inst.Status,
		inst.CurrentNodeID,
		inst.Urgency,
		inst.SubmittedAt,
		inst.CompletedAt,
	).Scan(&inst.Version, &inst.UpdatedAt)
	return conflictOnNoRows(err, "approval instance")
}

// CountInstanceNoPrefix counts instances whose number starts with prefix.
func (r *InstanceRepository) CountInstanceNoPrefix(ctx context.Context, prefix string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_instances WHERE instance_no LIKE $1 || '%'`, prefix,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count instance numbers")
	}
	return n, nil
}

// ListInstances returns a page of instances plus the unpaged total.
func (r *InstanceRepository) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ApprovalInstance, int64, error) {
	where := " WHERE 1 = 1"
	var args []any
	argCount := 1

	if filter.InitiatorID != 0 {
		where += fmt.Sprintf(" AND initiator_id = $%d", argCount)
		args = append(args, filter.InitiatorID)
		argCount++
	}
	if filter.TemplateID != 0 {
		where += fmt.Sprintf(" AND template_id = $%d", argCount)
		args = append(args, filter.TemplateID)
		argCount++
	}
	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *filter.Status)
		argCount++
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM approval_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval instances")
	}

	page := filter.Page.Normalize()
	query := `SELECT ` + instanceColumns + ` FROM approval_instances` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)

	rows, err := r.db.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval instances")
	}
	defer rows.Close()

	var out []*ApprovalInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
		}
		out = append(out, inst)
	}
	return out, total, rows.Err()
}

func (r *InstanceRepository) scanInstance(row rowScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	var formJSON []byte

	err := row.Scan(
		&inst.ID,
		&inst.InstanceNo,
		&inst.TemplateID,
		&inst.FlowID,
		&inst.Title,
		&inst.EntityType,
		&inst.EntityID,
		&inst.InitiatorID,
		&inst.InitiatorName,
		&inst.InitiatorDeptID,
		&formJSON,
		&inst.Status,
		&inst.CurrentNodeID,
		&inst.Urgency,
		&inst.SubmittedAt,
		&inst.CompletedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(formJSON, &inst.FormData, "form data"); err != nil {
		return nil, err
	}
	return inst, nil
}
