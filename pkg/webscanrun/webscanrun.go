// Package webscanrun persists the web-scan adapter's per-run crawl phase and
// target, the durable replacement for an in-process map: any replica can
// resume tracing a run after a restart or under the multi-replica
// deployment the tick lock is built to support.
package webscanrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by Get when no row exists for a running id.
var ErrNotFound = errors.New("webscanrun: run not found")

// Run is one web-scan run's persisted progress.
type Run struct {
	RunningID string
	Phase     string
	Target    string
	UpdatedAt time.Time
}

// DBTX is the subset of pgx.Tx / pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides access to the webscan_run table.
type Store struct {
	db DBTX
}

// NewStore builds a Store over db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Upsert records a run's current phase and target, creating the row on
// first call (from Create). Every subsequent call (from Status) updates the
// phase only; the target stored on creation is kept.
func (s *Store) Upsert(ctx context.Context, runningID, phase, target string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webscan_run (running_id, phase, target, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (running_id) DO UPDATE SET phase = $2, updated_at = now()`,
		runningID, phase, target)
	if err != nil {
		return fmt.Errorf("upserting webscan run %s: %w", runningID, err)
	}
	return nil
}

// Get fetches a run's phase and target. Returns ErrNotFound if no row
// exists, e.g. a runningID the adapter never created a row for.
func (s *Store) Get(ctx context.Context, runningID string) (Run, error) {
	var r Run
	r.RunningID = runningID
	err := s.db.QueryRow(ctx, `
		SELECT phase, target, updated_at FROM webscan_run WHERE running_id = $1`,
		runningID).Scan(&r.Phase, &r.Target, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("getting webscan run %s: %w", runningID, err)
	}
	return r, nil
}

// Delete removes a run's row, once it has reached a terminal state and been
// reclaimed (Delete on the adapter).
func (s *Store) Delete(ctx context.Context, runningID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM webscan_run WHERE running_id = $1`, runningID)
	if err != nil {
		return fmt.Errorf("deleting webscan run %s: %w", runningID, err)
	}
	return nil
}
