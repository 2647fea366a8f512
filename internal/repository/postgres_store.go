package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// PostgresStore implements Store over pgx. Each embedded repository owns the
// SQL for one group of tables.
type PostgresStore struct {
	*TemplateRepository
	*InstanceRepository
	*TaskRepository
	*CountersignRepository
	*CarbonCopyRepository
	*ActionLogRepository
	*CommentRepository

	db   *database.DB
	inTx bool
}

// NewPostgresStore creates a store bound to the connection pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return newPostgresStore(db, db, false)
}

func newPostgresStore(db *database.DB, q database.Querier, inTx bool) *PostgresStore {
	return &PostgresStore{
		TemplateRepository:    NewTemplateRepository(q),
		InstanceRepository:    NewInstanceRepository(q),
		TaskRepository:        NewTaskRepository(q),
		CountersignRepository: NewCountersignRepository(q),
		CarbonCopyRepository:  NewCarbonCopyRepository(q),
		ActionLogRepository:   NewActionLogRepository(q),
		CommentRepository:     NewCommentRepository(q),
		db:                    db,
		inTx:                  inTx,
	}
}

// WithinTx runs fn inside a database transaction. Nested calls reuse the
// outer transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(newPostgresStore(s.db, tx, true))
	})
}

var _ Store = (*PostgresStore)(nil)

// ── shared helpers ────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v any, what string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal "+what)
	}
	return data, nil
}

func unmarshalJSON(data []byte, v any, what string) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal "+what)
	}
	return nil
}

func conflictOnNoRows(err error, what string) error {
	if err == pgx.ErrNoRows {
		return errors.Conflict(what + " was modified concurrently")
	}
	return err
}
