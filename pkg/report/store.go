package report

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx.Tx / pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const columns = `id, task_id, content, content_type, filename, size, created_at`

// Store provides access to the report table.
type Store struct {
	db DBTX
}

// NewStore builds a Store over db, which may be a pool or an open transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Insert persists a new report row.
func (s *Store) Insert(ctx context.Context, r Report) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO report (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.TaskID, r.Content, r.ContentType, r.Filename, r.Size, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting report for task %s: %w", r.TaskID, err)
	}
	return nil
}

// Get fetches a report by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Report, error) {
	var r Report
	err := s.db.QueryRow(ctx, `SELECT `+columns+` FROM report WHERE id = $1`, id).Scan(
		&r.ID, &r.TaskID, &r.Content, &r.ContentType, &r.Filename, &r.Size, &r.CreatedAt,
	)
	if err != nil {
		return Report{}, fmt.Errorf("getting report %s: %w", id, err)
	}
	return r, nil
}

// GetByTask fetches the report linked to a task, if any.
func (s *Store) GetByTask(ctx context.Context, taskID uuid.UUID) (Report, error) {
	var r Report
	err := s.db.QueryRow(ctx, `SELECT `+columns+` FROM report WHERE task_id = $1`, taskID).Scan(
		&r.ID, &r.TaskID, &r.Content, &r.ContentType, &r.Filename, &r.Size, &r.CreatedAt,
	)
	if err != nil {
		return Report{}, fmt.Errorf("getting report for task %s: %w", taskID, err)
	}
	return r, nil
}
