package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// ActionLogRepository appends and reads immutable approval action log rows.
type ActionLogRepository struct {
	db database.Querier
}

// NewActionLogRepository creates a new ActionLogRepository.
func NewActionLogRepository(db database.Querier) *ActionLogRepository {
	return &ActionLogRepository{db: db}
}

// AppendActionLog inserts one log row. The table has an update/delete
// prevention trigger so this is the only mutation exposed.
func (r *ActionLogRepository) AppendActionLog(ctx context.Context, entry *ApprovalActionLog) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = marshalJSON(entry.Metadata, "action log metadata")
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO approval_action_logs
		    (instance_id, task_id, node_id,
		     operator_id, operator_name, action,
		     before_status, after_status,
		     comment, metadata)
		VALUES ($1, $2, $3,
		        $4, $5, $6,
		        $7, $8,
		        $9, $10)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.InstanceID,
		entry.TaskID,
		entry.NodeID,
		entry.OperatorID,
		entry.OperatorName,
		entry.Action,
		entry.BeforeStatus,
		entry.AfterStatus,
		entry.Comment,
		metadataJSON,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append action log")
	}
	return nil
}

// ListActionLogs returns the full trail of an instance, oldest first.
func (r *ActionLogRepository) ListActionLogs(ctx context.Context, instanceID int64) ([]*ApprovalActionLog, error) {
	query := `
		SELECT id, instance_id, task_id, node_id,
		       operator_id, operator_name, action,
		       before_status, after_status,
		       comment, metadata, created_at
		FROM approval_action_logs
		WHERE instance_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list action logs")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ActionLogRepository) scanRows(rows pgx.Rows) ([]*ApprovalActionLog, error) {
	var entries []*ApprovalActionLog
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *ActionLogRepository) scanEntry(sc rowScanner) (*ApprovalActionLog, error) {
	entry := &ApprovalActionLog{}
	var metadataJSON []byte
	var comment *string

	err := sc.Scan(
		&entry.ID,
		&entry.InstanceID,
		&entry.TaskID,
		&entry.NodeID,
		&entry.OperatorID,
		&entry.OperatorName,
		&entry.Action,
		&entry.BeforeStatus,
		&entry.AfterStatus,
		&comment,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action log")
	}
	if comment != nil {
		entry.Comment = *comment
	}
	if err := unmarshalJSON(metadataJSON, &entry.Metadata, "action log metadata"); err != nil {
		return nil, err
	}
	return entry, nil
}
