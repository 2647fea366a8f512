package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// CountersignRepository stores the per-(instance, node) AND_SIGN tally.
type CountersignRepository struct {
	db database.Querier
}

// NewCountersignRepository creates a new CountersignRepository.
func NewCountersignRepository(db database.Querier) *CountersignRepository {
	return &CountersignRepository{db: db}
}

// CreateCountersign inserts a tally row. Re-entering an AND_SIGN node (after a
// return or PREV rejection) resets the existing row instead of failing.
func (r *CountersignRepository) CreateCountersign(ctx context.Context, cs *ApprovalCountersignResult) error {
	summaryJSON, err := r.summaryJSON(cs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_countersign_results
		    (instance_id, node_id, total_count, approved_count, rejected_count,
		     pending_count, final_result, summary_data, round_start_task_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		ON CONFLICT (instance_id, node_id) DO UPDATE
		SET total_count    = EXCLUDED.total_count,
		    approved_count = EXCLUDED.approved_count,
		    rejected_count = EXCLUDED.rejected_count,
		    pending_count  = EXCLUDED.pending_count,
		    final_result   = EXCLUDED.final_result,
		    summary_data   = EXCLUDED.summary_data,
		    round_start_task_id = EXCLUDED.round_start_task_id,
		    version        = approval_countersign_results.version + 1,
		    updated_at     = NOW()
		RETURNING id, created_at, updated_at, version
	`

	err = r.db.QueryRow(ctx, query,
		cs.InstanceID,
		cs.NodeID,
		cs.TotalCount,
		cs.ApprovedCount,
		cs.RejectedCount,
		cs.PendingCount,
		cs.FinalResult,
		summaryJSON,
		cs.RoundStartTaskID,
	).Scan(&cs.ID, &cs.CreatedAt, &cs.UpdatedAt, &cs.Version)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create countersign result")
	}
	return nil
}

// GetCountersign returns the tally of a node, or nil when none exists.
func (r *CountersignRepository) GetCountersign(ctx context.Context, instanceID, nodeID int64) (*ApprovalCountersignResult, error) {
	query := `
		SELECT id, instance_id, node_id, total_count, approved_count, rejected_count,
		       pending_count, final_result, summary_data, round_start_task_id,
		       created_at, updated_at, version
		FROM approval_countersign_results
		WHERE instance_id = $1 AND node_id = $2
	`

	cs := &ApprovalCountersignResult{}
	var summaryJSON []byte
	err := r.db.QueryRow(ctx, query, instanceID, nodeID).Scan(
		&cs.ID,
		&cs.InstanceID,
		&cs.NodeID,
		&cs.TotalCount,
		&cs.ApprovedCount,
		&cs.RejectedCount,
		&cs.PendingCount,
		&cs.FinalResult,
		&summaryJSON,
		&cs.RoundStartTaskID,
		&cs.CreatedAt,
		&cs.UpdatedAt,
		&cs.Version,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get countersign result")
	}
	if len(summaryJSON) > 0 {
		cs.SummaryData = &EvalSummary{}
		if err := unmarshalJSON(summaryJSON, cs.SummaryData, "summary data"); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// UpdateCountersign persists counts, result and summary guarded by the version.
func (r *CountersignRepository) UpdateCountersign(ctx context.Context, cs *ApprovalCountersignResult) error {
	summaryJSON, err := r.summaryJSON(cs)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_countersign_results
		SET total_count    = $3,
		    approved_count = $4,
		    rejected_count = $5,
		    pending_count  = $6,
		    final_result   = $7,
		    summary_data   = $8,
		    version        = version + 1,
		    updated_at     = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		cs.ID,
		cs.Version,
		cs.TotalCount,
		cs.ApprovedCount,
		cs.RejectedCount,
		cs.PendingCount,
		cs.FinalResult,
		summaryJSON,
	).Scan(&cs.Version, &cs.UpdatedAt)
	return conflictOnNoRows(err, "countersign result")
}

func (r *CountersignRepository) summaryJSON(cs *ApprovalCountersignResult) ([]byte, error) {
	if cs.SummaryData == nil {
		return nil, nil
	}
	return marshalJSON(cs.SummaryData, "summary data")
}
