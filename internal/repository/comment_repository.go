package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// CommentRepository stores discussion threads attached to instances.
type CommentRepository struct {
	db database.Querier
}

// NewCommentRepository creates a new CommentRepository.
func NewCommentRepository(db database.Querier) *CommentRepository {
	return &CommentRepository{db: db}
}

const commentColumns = `id, instance_id, user_id, user_name, content, parent_id,
		       reply_to_user_id, mentioned_user_ids, attachments, created_at`

// CreateComment inserts a comment.
func (r *CommentRepository) CreateComment(ctx context.Context, c *ApprovalComment) error {
	query := `
		INSERT INTO approval_comments
		    (instance_id, user_id, user_name, content, parent_id,
		     reply_to_user_id, mentioned_user_ids, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		c.InstanceID,
		c.UserID,
		c.UserName,
		c.Content,
		c.ParentID,
		c.ReplyToUserID,
		c.MentionedUserIDs,
		c.Attachments,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create comment")
	}
	return nil
}

// GetComment retrieves a comment by primary key.
func (r *CommentRepository) GetComment(ctx context.Context, id int64) (*ApprovalComment, error) {
	query := `SELECT ` + commentColumns + ` FROM approval_comments WHERE id = $1`

	c, err := r.scanComment(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_comment", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get comment")
	}
	return c, nil
}

// ListComments returns the comments of an instance, oldest first.
func (r *CommentRepository) ListComments(ctx context.Context, instanceID int64) ([]*ApprovalComment, error) {
	query := `SELECT ` + commentColumns + ` FROM approval_comments WHERE instance_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list comments")
	}
	defer rows.Close()

	var out []*ApprovalComment
	for rows.Next() {
		c, err := r.scanComment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan comment")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CommentRepository) scanComment(row rowScanner) (*ApprovalComment, error) {
	c := &ApprovalComment{}
	err := row.Scan(
		&c.ID,
		&c.InstanceID,
		&c.UserID,
		&c.UserName,
		&c.Content,
		&c.ParentID,
		&c.ReplyToUserID,
		&c.MentionedUserIDs,
		&c.Attachments,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}
