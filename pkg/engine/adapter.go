// Package engine defines the uniform capability set every scanner family
// implements (create/status/report/stop/delete/scale_in) and a registry
// keyed by engine label, so the scheduler and autoscaler never know which
// concrete scanner dialect they are talking to.
package engine

import (
	"context"
	"errors"
)

// RunningStatus is the status an adapter reports for one running task.
type RunningStatus string

const (
	RunningStatusRunning RunningStatus = "running"
	RunningStatusDone    RunningStatus = "done"
	RunningStatusFailed  RunningStatus = "failed"
	RunningStatusError   RunningStatus = "error"
)

var (
	// ErrTransient wraps connection/timeout failures talking to a scanner
	// pod; callers retry per internal/platform.RetryPolicy and, on
	// exhaustion, record an exception against the scanner.
	ErrTransient = errors.New("engine: transient failure")
	// ErrInvalidTarget is returned by create when the engine rejects the
	// target outright (not retried).
	ErrInvalidTarget = errors.New("engine: invalid target")
	// ErrBusy is returned by create when the scanner has no free capacity
	// for this request at the protocol level (distinct from the scheduler's
	// own capacity accounting, which should make this rare).
	ErrBusy = errors.New("engine: scanner busy")
)

// Report is the bytes and metadata fetched for a done task.
type Report struct {
	Content     []byte
	ContentType string
	Filename    string
}

// Adapter is the capability set one scanner family implements. Every method
// suspends on network I/O and is expected to apply internal/platform's
// declarative retry policy on the transient class of errors.
type Adapter interface {
	// Create submits a new scan of target under taskID and returns the
	// engine's own running id for it. Fails with ErrTransient,
	// ErrInvalidTarget, or ErrBusy.
	Create(ctx context.Context, scanner ScannerTarget, taskID, target string) (runningID string, err error)

	// Status reports the current state of a previously created run.
	Status(ctx context.Context, scanner ScannerTarget, runningID string) (RunningStatus, error)

	// Report fetches the result bytes for a run already observed done.
	Report(ctx context.Context, scanner ScannerTarget, runningID string) (Report, error)

	// Stop halts a run without deleting its record. Idempotent.
	Stop(ctx context.Context, scanner ScannerTarget, runningID string) error

	// Delete removes a run's record entirely. Idempotent.
	Delete(ctx context.Context, scanner ScannerTarget, runningID string) error

	// ScaleIn asks the scanner to stop n of its currently-running tasks.
	// Those tasks re-enter queued via the scheduler's reload path on the
	// next trace; ScaleIn itself does not touch the task table.
	ScaleIn(ctx context.Context, scanner ScannerTarget, n int) error
}

// ScannerTarget is the addressing information an adapter needs to reach one
// scanner pod, independent of the scanner package's persistence model.
type ScannerTarget struct {
	IP             string
	Port           int
	ReportFileType string
}
