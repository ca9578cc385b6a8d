// Package subscan persists the parent/child running-id side table used by
// the network-scan engine adapter to fan a single logical task out into one
// child run per scan-family profile and present a single-task facade.
package subscan

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Child is one family profile's share of a fanned-out parent task;
// ScannerHost holds that profile's Host label.
type Child struct {
	ParentRunningID string
	ScannerHost     string
	ChildRunningID  string
	CreatedAt       time.Time
}

// DBTX is the subset of pgx.Tx / pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store provides access to the subscan_child table.
type Store struct {
	db DBTX
}

// NewStore builds a Store over db.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Insert records one child running id for a parent task.
func (s *Store) Insert(ctx context.Context, c Child) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscan_child (parent_running_id, scanner_host, child_running_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		c.ParentRunningID, c.ScannerHost, c.ChildRunningID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscan child for parent %s: %w", c.ParentRunningID, err)
	}
	return nil
}

// ListByParent returns every child registered under a parent running id.
func (s *Store) ListByParent(ctx context.Context, parentRunningID string) ([]Child, error) {
	rows, err := s.db.Query(ctx, `
		SELECT parent_running_id, scanner_host, child_running_id, created_at
		FROM subscan_child WHERE parent_running_id = $1`, parentRunningID)
	if err != nil {
		return nil, fmt.Errorf("listing subscan children for parent %s: %w", parentRunningID, err)
	}
	defer rows.Close()

	var out []Child
	for rows.Next() {
		var c Child
		if err := rows.Scan(&c.ParentRunningID, &c.ScannerHost, &c.ChildRunningID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning subscan child row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteByParent removes every child registered under a parent, once the
// parent task has reached a terminal state and its children are reclaimed.
func (s *Store) DeleteByParent(ctx context.Context, parentRunningID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM subscan_child WHERE parent_running_id = $1`, parentRunningID)
	if err != nil {
		return fmt.Errorf("deleting subscan children for parent %s: %w", parentRunningID, err)
	}
	return nil
}
