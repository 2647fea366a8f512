package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// CarbonCopyRepository stores CC recipients. (instance_id, cc_user_id) is unique.
type CarbonCopyRepository struct {
	db database.Querier
}

// NewCarbonCopyRepository creates a new CarbonCopyRepository.
func NewCarbonCopyRepository(db database.Querier) *CarbonCopyRepository {
	return &CarbonCopyRepository{db: db}
}

const ccColumns = `id, instance_id, node_id, cc_user_id, cc_user_name, source, added_by,
		       is_read, read_at, created_at`

// CreateCCIfAbsent inserts a CC row unless the user was already copied on the instance.
func (r *CarbonCopyRepository) CreateCCIfAbsent(ctx context.Context, cc *ApprovalCarbonCopy) (bool, error) {
	query := `
		INSERT INTO approval_carbon_copies
		    (instance_id, node_id, cc_user_id, cc_user_name, source, added_by, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (instance_id, cc_user_id) DO NOTHING
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		cc.InstanceID,
		cc.NodeID,
		cc.CCUserID,
		cc.CCUserName,
		cc.Source,
		cc.AddedBy,
	).Scan(&cc.ID, &cc.CreatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create carbon copy")
	}
	return true, nil
}

// ListCCByInstance returns every CC row of an instance.
func (r *CarbonCopyRepository) ListCCByInstance(ctx context.Context, instanceID int64) ([]*ApprovalCarbonCopy, error) {
	query := `SELECT ` + ccColumns + ` FROM approval_carbon_copies WHERE instance_id = $1 ORDER BY id ASC`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list carbon copies")
	}
	defer rows.Close()

	return r.scanCCRows(rows)
}

// ListCCForUser returns a page of CC rows addressed to a user.
func (r *CarbonCopyRepository) ListCCForUser(ctx context.Context, filter CCFilter) ([]*ApprovalCarbonCopy, int64, error) {
	where := " WHERE cc_user_id = $1"
	args := []any{filter.UserID}
	argCount := 2

	if filter.IsRead != nil {
		where += fmt.Sprintf(" AND is_read = $%d", argCount)
		args = append(args, *filter.IsRead)
		argCount++
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM approval_carbon_copies`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count carbon copies")
	}

	page := filter.Page.Normalize()
	query := `SELECT ` + ccColumns + ` FROM approval_carbon_copies` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)

	rows, err := r.db.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list carbon copies")
	}
	defer rows.Close()

	ccs, err := r.scanCCRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return ccs, total, nil
}

// MarkCCRead marks a CC row read, scoped to its recipient.
func (r *CarbonCopyRepository) MarkCCRead(ctx context.Context, ccID, userID int64, at time.Time) (bool, error) {
	query := `
		UPDATE approval_carbon_copies
		SET is_read = TRUE,
		    read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND cc_user_id = $2
	`

	tag, err := r.db.Exec(ctx, query, ccID, userID, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark carbon copy read")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *CarbonCopyRepository) scanCCRows(rows pgx.Rows) ([]*ApprovalCarbonCopy, error) {
	var out []*ApprovalCarbonCopy
	for rows.Next() {
		cc := &ApprovalCarbonCopy{}
		err := rows.Scan(
			&cc.ID,
			&cc.InstanceID,
			&cc.NodeID,
			&cc.CCUserID,
			&cc.CCUserName,
			&cc.Source,
			&cc.AddedBy,
			&cc.IsRead,
			&cc.ReadAt,
			&cc.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan carbon copy")
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}
