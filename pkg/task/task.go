// Package task models queued, running and terminal scan tasks, their store
// and the task-service HTTP endpoints. The trace and dispatch phases that
// drive tasks to completion live in pkg/scheduler.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is one unit of scan work: a target plus the engine kind that should
// scan it, tracked from submission through to a terminal state.
//
// Invariants (see spec): Status=running implies ScannerID and RunningID are
// both set. Status done/failed implies FinishedAt is set and after CreatedAt.
// A terminal task is never re-dispatched. Status=done implies ReportID is set.
type Task struct {
	ID          uuid.UUID
	Target      string
	Engine      string
	Priority    int
	Status      Status
	ScannerID   *uuid.UUID
	RunningID   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
	ErrMsg      string
	ReportID    *uuid.UUID
	ExceptNum   int
	Parallelism int
	OwnerID     string
	Name        string
	Remark      string
}

// IsTerminal reports whether t is in a status from which it never transitions.
func (t Task) IsTerminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

// New builds a queued Task ready for insertion. Parallelism defaults to 1
// when hint is 0 or negative, matching the spec's stated default.
func New(ownerID, name, target, engine string, priority, parallelismHint int, remark string) Task {
	parallelism := parallelismHint
	if parallelism <= 0 {
		parallelism = 1
	}
	now := time.Now().UTC()
	return Task{
		ID:          uuid.New(),
		Target:      target,
		Engine:      engine,
		Priority:    priority,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		Parallelism: parallelism,
		OwnerID:     ownerID,
		Name:        name,
		Remark:      remark,
	}
}
