package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// TaskRepository handles approval tasks. Status changes go through
// UpdateTask, which is guarded by the row version so two approvers racing on
// the same task cannot both win.
type TaskRepository struct {
	db database.Querier
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db database.Querier) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, instance_id, node_id, task_order, assignee_id, assignee_name,
		       assignee_type, original_assignee_id, status, action, comment, attachments,
		       eval_data, is_countersign, due_at, remind_count, reminded_at, completed_at,
		       created_at, updated_at, version`

// CreateTasks inserts tasks, filling in their ids.
func (r *TaskRepository) CreateTasks(ctx context.Context, tasks []*ApprovalTask) error {
	query := `
		INSERT INTO approval_tasks
		    (instance_id, node_id, task_order, assignee_id, assignee_name,
		     assignee_type, original_assignee_id, status, action, comment, attachments,
		     eval_data, is_countersign, due_at, remind_count, version)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, 1)
		RETURNING id, created_at, updated_at, version
	`

	for _, t := range tasks {
		evalJSON, err := r.evalJSON(t)
		if err != nil {
			return err
		}
		err = r.db.QueryRow(ctx, query,
			t.InstanceID,
			t.NodeID,
			t.TaskOrder,
			t.AssigneeID,
			t.AssigneeName,
			t.AssigneeType,
			t.OriginalAssigneeID,
			t.Status,
			t.Action,
			t.Comment,
			t.Attachments,
			evalJSON,
			t.IsCountersign,
			t.DueAt,
			t.RemindCount,
		).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt, &t.Version)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval task")
		}
	}
	return nil
}

// GetTask retrieves a task by primary key.
func (r *TaskRepository) GetTask(ctx context.Context, id int64) (*ApprovalTask, error) {
	query := `SELECT ` + taskColumns + ` FROM approval_tasks WHERE id = $1`

	task, err := r.scanTask(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_task", id)
	}
	return task, err
}

// UpdateTask persists mutable task fields. is_countersign, assignee and node
// are fixed at creation and deliberately absent from the SET list.
func (r *TaskRepository) UpdateTask(ctx context.Context, t *ApprovalTask) error {
	evalJSON, err := r.evalJSON(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_tasks
		SET status       = $3,
		    action       = $4,
		    comment      = $5,
		    attachments  = $6,
		    eval_data    = $7,
		    due_at       = $8,
		    remind_count = $9,
		    reminded_at  = $10,
		    completed_at = $11,
		    version      = version + 1,
		    updated_at   = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.ID,
		t.Version,
		t.Status,
		t.Action,
		t.Comment,
		t.Attachments,
		evalJSON,
		t.DueAt,
		t.RemindCount,
		t.RemindedAt,
		t.CompletedAt,
	).Scan(&t.Version, &t.UpdatedAt)
	return conflictOnNoRows(err, "approval task")
}

// ListTasks returns tasks matching the filter ordered by node then task order.
// The total is the unpaged count.
func (r *TaskRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*ApprovalTask, int64, error) {
	where := " WHERE 1 = 1"
	var args []any
	argCount := 1

	if filter.InstanceID != 0 {
		where += fmt.Sprintf(" AND instance_id = $%d", argCount)
		args = append(args, filter.InstanceID)
		argCount++
	}
	if filter.NodeID != 0 {
		where += fmt.Sprintf(" AND node_id = $%d", argCount)
		args = append(args, filter.NodeID)
		argCount++
	}
	if filter.AssigneeID != 0 {
		where += fmt.Sprintf(" AND assignee_id = $%d", argCount)
		args = append(args, filter.AssigneeID)
		argCount++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where += fmt.Sprintf(" AND status = ANY($%d)", argCount)
		args = append(args, statuses)
		argCount++
	}

	query := `SELECT ` + taskColumns + ` FROM approval_tasks` + where + ` ORDER BY node_id ASC, task_order ASC, id ASC`
	queryArgs := args

	var total int64
	if filter.Page != nil {
		if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM approval_tasks`+where, args...).Scan(&total); err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval tasks")
		}
		page := filter.Page.Normalize()
		query = `SELECT ` + taskColumns + ` FROM approval_tasks` + where +
			fmt.Sprintf(" ORDER BY due_at ASC NULLS LAST, created_at ASC LIMIT $%d OFFSET $%d", argCount, argCount+1)
		queryArgs = append(args, page.Limit, page.Offset)
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval tasks")
	}
	defer rows.Close()

	tasks, err := r.scanTaskRows(rows)
	if err != nil {
		return nil, 0, err
	}
	if filter.Page == nil {
		total = int64(len(tasks))
	}
	return tasks, total, nil
}

// ListOverdueTasks returns PENDING tasks whose due date has passed. Tasks are
// ordered by their last deadline or reminder, so a reminded task queues behind
// every task still waiting for its first timeout.
func (r *TaskRepository) ListOverdueTasks(ctx context.Context, now time.Time, limit int) ([]*ApprovalTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE status = 'PENDING' AND due_at IS NOT NULL AND due_at <= $1
		ORDER BY GREATEST(due_at, reminded_at) ASC, id ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue tasks")
	}
	defer rows.Close()

	return r.scanTaskRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *TaskRepository) evalJSON(t *ApprovalTask) ([]byte, error) {
	if t.EvalData == nil {
		return nil, nil
	}
	return marshalJSON(t.EvalData, "eval data")
}

func (r *TaskRepository) scanTask(row rowScanner) (*ApprovalTask, error) {
	t := &ApprovalTask{}
	var evalJSON []byte
	var comment *string

	err := row.Scan(
		&t.ID,
		&t.InstanceID,
		&t.NodeID,
		&t.TaskOrder,
		&t.AssigneeID,
		&t.AssigneeName,
		&t.AssigneeType,
		&t.OriginalAssigneeID,
		&t.Status,
		&t.Action,
		&comment,
		&t.Attachments,
		&evalJSON,
		&t.IsCountersign,
		&t.DueAt,
		&t.RemindCount,
		&t.RemindedAt,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.Version,
	)
	if err != nil {
		return nil, err
	}
	if comment != nil {
		t.Comment = *comment
	}
	if err := unmarshalJSON(evalJSON, &t.EvalData, "eval data"); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) scanTaskRows(rows pgx.Rows) ([]*ApprovalTask, error) {
	var tasks []*ApprovalTask
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval task")
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
