package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx.Tx / pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const columns = `id, name, engine, type, node_name, ip, port, report_file_type,
	max_concurrency, except_num, status, created_at, updated_at`

// Store provides CRUD and query access to the scanner table.
type Store struct {
	db DBTX
}

// NewStore builds a Store over db, which may be a pool or an open transaction.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

func scanScanner(row pgx.Row) (Scanner, error) {
	var s Scanner
	if err := row.Scan(
		&s.ID, &s.Name, &s.Engine, &s.Type, &s.NodeName, &s.IP, &s.Port, &s.ReportFileType,
		&s.MaxConcurrency, &s.ExceptNum, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return Scanner{}, err
	}
	return s, nil
}

func scanScanners(rows pgx.Rows) ([]Scanner, error) {
	defer rows.Close()
	var out []Scanner
	for rows.Next() {
		s, err := scanScanner(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scanner row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Insert persists a new scanner row, normally in StatusEnable, as produced
// by the registry when it first observes a Running pod.
func (s *Store) Insert(ctx context.Context, sc Scanner) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scanner (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sc.ID, sc.Name, sc.Engine, sc.Type, sc.NodeName, sc.IP, sc.Port, sc.ReportFileType,
		sc.MaxConcurrency, sc.ExceptNum, sc.Status, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting scanner %s: %w", sc.Name, err)
	}
	return nil
}

// Get fetches a scanner by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Scanner, error) {
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM scanner WHERE id = $1`, id)
	sc, err := scanScanner(row)
	if err != nil {
		return Scanner{}, fmt.Errorf("getting scanner %s: %w", id, err)
	}
	return sc, nil
}

// GetByName fetches a scanner by its unique pod name.
func (s *Store) GetByName(ctx context.Context, name string) (Scanner, error) {
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM scanner WHERE name = $1`, name)
	sc, err := scanScanner(row)
	if err != nil {
		return Scanner{}, fmt.Errorf("getting scanner %q: %w", name, err)
	}
	return sc, nil
}

// ListNonTerminal returns every scanner row not in StatusDeleted, the input
// set the registry reconciles against observed pods.
func (s *Store) ListNonTerminal(ctx context.Context) ([]Scanner, error) {
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM scanner WHERE status != $1`, StatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal scanners: %w", err)
	}
	return scanScanners(rows)
}

// ListEnabled returns every scanner currently accepting dispatch, optionally
// filtered to one engine kind (pass "" for all engines).
func (s *Store) ListEnabled(ctx context.Context, engine string) ([]Scanner, error) {
	var rows pgx.Rows
	var err error
	if engine == "" {
		rows, err = s.db.Query(ctx, `SELECT `+columns+` FROM scanner WHERE status = $1`, StatusEnable)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+columns+` FROM scanner WHERE status = $1 AND engine = $2`, StatusEnable, engine)
	}
	if err != nil {
		return nil, fmt.Errorf("listing enabled scanners: %w", err)
	}
	return scanScanners(rows)
}

// ListByStatuses returns scanners whose status is one of statuses.
func (s *Store) ListByStatuses(ctx context.Context, statuses ...Status) ([]Scanner, error) {
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM scanner WHERE status = ANY($1)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("listing scanners by status: %w", err)
	}
	return scanScanners(rows)
}

// UpdateStatus transitions a scanner to a new status.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := s.db.Exec(ctx, `UPDATE scanner SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating scanner %s status to %s: %w", id, status, err)
	}
	return nil
}

// DecrementMaxConcurrency lowers max_concurrency by n (floored at 0) and
// flips the row to StatusWaiting if it reaches zero. Returns the new value.
func (s *Store) DecrementMaxConcurrency(ctx context.Context, id uuid.UUID, n int) (int, error) {
	var newVal int
	err := s.db.QueryRow(ctx, `
		UPDATE scanner SET max_concurrency = GREATEST(max_concurrency - $1, 0), updated_at = $2
		WHERE id = $3 RETURNING max_concurrency`, n, time.Now().UTC(), id).Scan(&newVal)
	if err != nil {
		return 0, fmt.Errorf("decrementing max_concurrency for scanner %s: %w", id, err)
	}
	if newVal == 0 {
		if err := s.UpdateStatus(ctx, id, StatusWaiting); err != nil {
			return newVal, err
		}
	}
	return newVal, nil
}

// IncrementMaxConcurrency raises max_concurrency by n, used by the headroom
// scale-out VPA path.
func (s *Store) IncrementMaxConcurrency(ctx context.Context, id uuid.UUID, n int) (int, error) {
	var newVal int
	err := s.db.QueryRow(ctx, `
		UPDATE scanner SET max_concurrency = max_concurrency + $1, updated_at = $2
		WHERE id = $3 RETURNING max_concurrency`, n, time.Now().UTC(), id).Scan(&newVal)
	if err != nil {
		return 0, fmt.Errorf("incrementing max_concurrency for scanner %s: %w", id, err)
	}
	return newVal, nil
}

// IncrementExceptNum increments the scanner's rolling failure counter and
// returns the new value.
func (s *Store) IncrementExceptNum(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		UPDATE scanner SET except_num = except_num + 1, updated_at = now()
		WHERE id = $1 RETURNING except_num`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incrementing except_num for scanner %s: %w", id, err)
	}
	return n, nil
}

// ResetExceptNum zeroes the scanner's failure counter.
func (s *Store) ResetExceptNum(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE scanner SET except_num = 0, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resetting except_num for scanner %s: %w", id, err)
	}
	return nil
}

// CountByStatus returns the current row count for each status, used for the
// vtscan_scanner_rows gauge.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM scanner GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting scanners by status: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning status-count row: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
