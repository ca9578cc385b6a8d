package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx.Tx / pgxpool.Pool the store needs. Accepting it
// lets every method run either inside a reconciler's one-transaction-per-tick
// or, for the read-only task-service handlers, directly against the pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const columns = `id, target, engine, priority, status, scanner_id, running_id,
	created_at, updated_at, finished_at, errmsg, report_id, except_num,
	parallelism, owner_id, name, remark`

// Store provides CRUD and query access to the task table.
type Store struct {
	db DBTX
}

// NewStore builds a Store over db, which may be a pool or an open transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	if err := row.Scan(
		&t.ID, &t.Target, &t.Engine, &t.Priority, &t.Status, &t.ScannerID, &t.RunningID,
		&t.CreatedAt, &t.UpdatedAt, &t.FinishedAt, &t.ErrMsg, &t.ReportID, &t.ExceptNum,
		&t.Parallelism, &t.OwnerID, &t.Name, &t.Remark,
	); err != nil {
		return Task{}, err
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Insert persists a new task row.
func (s *Store) Insert(ctx context.Context, t Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO task (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.Target, t.Engine, t.Priority, t.Status, t.ScannerID, t.RunningID,
		t.CreatedAt, t.UpdatedAt, t.FinishedAt, t.ErrMsg, t.ReportID, t.ExceptNum,
		t.Parallelism, t.OwnerID, t.Name, t.Remark,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// Get fetches a task by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM task WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("getting task %s: %w", id, err)
	}
	return t, nil
}

// ListByStatus returns all tasks in the given status, ordered by priority
// descending then created_at ascending — the order dispatch must respect.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+columns+` FROM task
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing tasks by status %s: %w", status, err)
	}
	return scanTasks(rows)
}

// ListQueuedByEngine returns queued tasks of one engine kind, in dispatch order.
func (s *Store) ListQueuedByEngine(ctx context.Context, engine string, limit int) ([]Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+columns+` FROM task
		WHERE status = $1 AND engine = $2
		ORDER BY priority DESC, created_at ASC
		LIMIT $3`, StatusQueued, engine, limit)
	if err != nil {
		return nil, fmt.Errorf("listing queued tasks for engine %s: %w", engine, err)
	}
	return scanTasks(rows)
}

// ListRunning returns every task currently running, for the trace phase.
func (s *Store) ListRunning(ctx context.Context) ([]Task, error) {
	return s.ListByStatus(ctx, StatusRunning)
}

// RunningCountByScanner returns the number of running tasks per scanner id,
// used by dispatch to compute free capacity.
func (s *Store) RunningCountByScanner(ctx context.Context) (map[uuid.UUID]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT scanner_id, count(*) FROM task
		WHERE status = $1 AND scanner_id IS NOT NULL
		GROUP BY scanner_id`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("counting running tasks by scanner: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning running-count row: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// RunningCountForScanner returns the running-task count for one scanner,
// backing the /get_running_task_num task-service endpoint.
func (s *Store) RunningCountForScanner(ctx context.Context, scannerID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM task WHERE status = $1 AND scanner_id = $2`,
		StatusRunning, scannerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting running tasks for scanner %s: %w", scannerID, err)
	}
	return n, nil
}

// EngineLoadCounts returns, per engine kind, the count of tasks in
// queued ∪ running — the "engine_load" input to the autoscaler.
func (s *Store) EngineLoadCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT engine, count(*) FROM task
		WHERE status IN ($1, $2)
		GROUP BY engine`, StatusQueued, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("counting engine load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var engine string
		var n int
		if err := rows.Scan(&engine, &n); err != nil {
			return nil, fmt.Errorf("scanning engine-load row: %w", err)
		}
		out[engine] = n
	}
	return out, rows.Err()
}

// Dispatch atomically transitions a queued task to running, assigning it to
// a scanner and recording the adapter's running id.
func (s *Store) Dispatch(ctx context.Context, id, scannerID uuid.UUID, runningID string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE task SET status = $1, scanner_id = $2, running_id = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		StatusRunning, scannerID, runningID, now, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("dispatching task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispatching task %s: not in queued status", id)
	}
	return nil
}

// Reload resets a running task back to queued, clearing scanner linkage and
// the except_num counter. This is the only path that returns a running task
// to queued.
func (s *Store) Reload(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		UPDATE task SET status = $1, scanner_id = NULL, running_id = NULL,
			except_num = 0, updated_at = $2
		WHERE id = $3`, StatusQueued, now, id)
	if err != nil {
		return fmt.Errorf("reloading task %s: %w", id, err)
	}
	return nil
}

// IncrementExceptNum increments the task's consecutive-exception counter and
// returns the new value.
func (s *Store) IncrementExceptNum(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		UPDATE task SET except_num = except_num + 1, updated_at = now()
		WHERE id = $1 RETURNING except_num`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incrementing except_num for task %s: %w", id, err)
	}
	return n, nil
}

// ResetExceptNum zeroes the task's consecutive-exception counter.
func (s *Store) ResetExceptNum(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE task SET except_num = 0, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resetting except_num for task %s: %w", id, err)
	}
	return nil
}

// Fail marks a task failed with the given message. Terminal, not retried.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errmsg string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		UPDATE task SET status = $1, errmsg = $2, finished_at = $3, updated_at = $3,
			except_num = 0
		WHERE id = $4`, StatusFailed, errmsg, now, id)
	if err != nil {
		return fmt.Errorf("failing task %s: %w", id, err)
	}
	return nil
}

// Complete marks a task done and links the given report, resetting the
// task's exception counter. The scanner's counter is not touched here.
func (s *Store) Complete(ctx context.Context, id, reportID uuid.UUID) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		UPDATE task SET status = $1, report_id = $2, finished_at = $3, updated_at = $3,
			except_num = 0
		WHERE id = $4`, StatusDone, reportID, now, id)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", id, err)
	}
	return nil
}
