package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// DirectoryRepository resolves users, roles, departments and delegations from
// the shared identity tables.
type DirectoryRepository struct {
	db database.Querier
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db database.Querier) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

var _ Directory = (*DirectoryRepository)(nil)

// GetUser returns the user or nil when it does not exist.
func (r *DirectoryRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, name, dept_id, manager_id, active
		FROM users
		WHERE id = $1
	`

	u := &User{}
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Name, &u.DeptID, &u.ManagerID, &u.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ListActiveUserIDsByRoles returns active holders of any of the roles, ordered by id.
func (r *DirectoryRepository) ListActiveUserIDsByRoles(ctx context.Context, roleCodes []string) ([]int64, error) {
	if len(roleCodes) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT u.id
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role_code = ANY($1) AND u.active = TRUE
		ORDER BY u.id ASC
	`

	rows, err := r.db.Query(ctx, query, roleCodes)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDepartmentManager returns the manager of a department, or 0.
func (r *DirectoryRepository) GetDepartmentManager(ctx context.Context, deptID int64) (int64, error) {
	return r.scanOptionalID(ctx, "department manager",
		`SELECT manager_id FROM departments WHERE id = $1`, deptID)
}

// GetDirectManager returns the direct manager of a user, or 0.
func (r *DirectoryRepository) GetDirectManager(ctx context.Context, userID int64) (int64, error) {
	return r.scanOptionalID(ctx, "direct manager",
		`SELECT manager_id FROM users WHERE id = $1`, userID)
}

// GetActiveDelegate returns the user standing in for userID on the template
// at the given time, or 0. A template-specific delegation wins over a global one.
func (r *DirectoryRepository) GetActiveDelegate(ctx context.Context, userID, templateID int64, at time.Time) (int64, error) {
	query := `
		SELECT delegate_id
		FROM approval_delegates
		WHERE delegator_id = $1
		  AND active = TRUE
		  AND (template_id IS NULL OR template_id = $2)
		  AND (start_at IS NULL OR start_at <= $3)
		  AND (end_at IS NULL OR end_at > $3)
		ORDER BY template_id NULLS LAST, id DESC
		LIMIT 1
	`
	return r.scanOptionalID(ctx, "delegate", query, userID, templateID, at)
}

func (r *DirectoryRepository) scanOptionalID(ctx context.Context, what, query string, args ...any) (int64, error) {
	var id *int64
	err := r.db.QueryRow(ctx, query, args...).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to get "+what)
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}
