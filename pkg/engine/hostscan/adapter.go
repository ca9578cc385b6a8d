// Package hostscan implements the network-scan engine adapter. A single
// logical task may be split into several child runs (one per configured
// scan-family profile); this package owns that fan-out and presents the
// rest of the system a single-task facade. Every child run is created on,
// and polled from, the scanner pod the task was dispatched to; children are
// not spread across different backend hosts.
package hostscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cstcloud/vtscan/internal/platform"
	"github.com/cstcloud/vtscan/pkg/engine"
	"github.com/cstcloud/vtscan/pkg/subscan"
)

// FamilyProfile names one scan-family profile a logical task is fanned out
// to, e.g. distinct OpenVAS config profiles partitioned by NVT family. Host
// labels the child run (it is appended to the child's task id and stored as
// its sub-scan ScannerHost); requests still go to the task's own scanner pod.
type FamilyProfile struct {
	Host string
}

// Adapter implements engine.Adapter for the network-scan engine.
type Adapter struct {
	client   *client
	subscans *subscan.Store
	families []FamilyProfile // empty means single-host, no fan-out
	logger   *slog.Logger
	retry    platform.RetryPolicy
}

// New builds a host-scan Adapter. families may be empty for a deployment
// that runs one scanner per pod with no split/merge fan-out.
func New(subscans *subscan.Store, families []FamilyProfile, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:   newClient(logger),
		subscans: subscans,
		families: families,
		logger:   logger,
		retry: platform.RetryPolicy{
			MaxAttempts: platform.DefaultRetryPolicy.MaxAttempts,
			Backoff:     platform.DefaultRetryPolicy.Backoff,
			Retriable: func(err error) bool {
				return errors.Is(err, engine.ErrTransient) || platform.IsTransient(err)
			},
		},
	}
}

func (a *Adapter) Create(ctx context.Context, scanner engine.ScannerTarget, taskID, target string) (string, error) {
	if len(a.families) == 0 {
		return a.createSingle(ctx, scanner, taskID, target)
	}
	return a.createFannedOut(ctx, scanner, taskID, target)
}

func (a *Adapter) createSingle(ctx context.Context, scanner engine.ScannerTarget, taskID, target string) (string, error) {
	var runningID string
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		rid, err := a.client.createTask(ctx, scanner, taskID, target)
		if err != nil {
			return err
		}
		runningID = rid
		return nil
	})
	return runningID, err
}

// createFannedOut issues one create per family profile against the same
// pod, recording each child running id keyed by the synthesized parent id.
func (a *Adapter) createFannedOut(ctx context.Context, scanner engine.ScannerTarget, taskID, target string) (string, error) {
	parentID := uuid.New().String()

	for _, f := range a.families {
		var childID string
		err := a.retry.Do(ctx, func(ctx context.Context) error {
			rid, err := a.client.createTask(ctx, scanner, taskID+":"+f.Host, target)
			if err != nil {
				return err
			}
			childID = rid
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("creating sub-scan on family host %s: %w", f.Host, err)
		}

		if err := a.subscans.Insert(ctx, subscan.Child{
			ParentRunningID: parentID,
			ScannerHost:     f.Host,
			ChildRunningID:  childID,
			CreatedAt:       time.Now().UTC(),
		}); err != nil {
			return "", fmt.Errorf("recording sub-scan child: %w", err)
		}
	}

	return parentID, nil
}

func (a *Adapter) Status(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.RunningStatus, error) {
	children, err := a.subscans.ListByParent(ctx, runningID)
	if err != nil {
		return "", fmt.Errorf("listing sub-scan children: %w", err)
	}
	if len(children) == 0 {
		// Not a fanned-out parent: runningID is itself a single child id.
		return a.statusOne(ctx, scanner, runningID)
	}

	// The facade reports done only once every child is done; any child
	// failure is terminal for the whole logical task; otherwise the worst
	// (least-progressed) non-terminal status wins.
	allDone := true
	for _, c := range children {
		st, err := a.statusOne(ctx, scanner, c.ChildRunningID)
		if err != nil {
			return "", err
		}
		switch st {
		case engine.RunningStatusFailed:
			return engine.RunningStatusFailed, nil
		case engine.RunningStatusError:
			return engine.RunningStatusError, nil
		case engine.RunningStatusRunning:
			allDone = false
		}
	}
	if allDone {
		return engine.RunningStatusDone, nil
	}
	return engine.RunningStatusRunning, nil
}

func (a *Adapter) statusOne(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.RunningStatus, error) {
	var status engine.RunningStatus
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		st, err := a.client.getTask(ctx, scanner, runningID)
		if err != nil {
			return err
		}
		status = st
		return nil
	})
	return status, err
}

func (a *Adapter) Report(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.Report, error) {
	children, err := a.subscans.ListByParent(ctx, runningID)
	if err != nil {
		return engine.Report{}, fmt.Errorf("listing sub-scan children: %w", err)
	}
	if len(children) == 0 {
		return a.reportOne(ctx, scanner, runningID)
	}

	merged := newFindingMerger()
	var contentType string
	for _, c := range children {
		r, err := a.reportOne(ctx, scanner, c.ChildRunningID)
		if err != nil {
			return engine.Report{}, fmt.Errorf("fetching sub-scan report from %s: %w", c.ScannerHost, err)
		}
		contentType = r.ContentType
		merged.add(r.Content)
	}

	return engine.Report{
		Content:     merged.bytes(),
		ContentType: contentType,
		Filename:    runningID + "-merged",
	}, nil
}

func (a *Adapter) reportOne(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.Report, error) {
	var report engine.Report
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		r, err := a.client.getReport(ctx, scanner, runningID)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	return report, err
}

func (a *Adapter) Stop(ctx context.Context, scanner engine.ScannerTarget, runningID string) error {
	return a.forEachChild(ctx, runningID, func(child string) error {
		return a.retry.Do(ctx, func(ctx context.Context) error {
			return a.client.deleteTask(ctx, scanner, child, false)
		})
	})
}

func (a *Adapter) Delete(ctx context.Context, scanner engine.ScannerTarget, runningID string) error {
	err := a.forEachChild(ctx, runningID, func(child string) error {
		return a.retry.Do(ctx, func(ctx context.Context) error {
			return a.client.deleteTask(ctx, scanner, child, true)
		})
	})
	if err != nil {
		return err
	}
	return a.subscans.DeleteByParent(ctx, runningID)
}

func (a *Adapter) forEachChild(ctx context.Context, runningID string, fn func(childRunningID string) error) error {
	children, err := a.subscans.ListByParent(ctx, runningID)
	if err != nil {
		return fmt.Errorf("listing sub-scan children: %w", err)
	}
	if len(children) == 0 {
		return fn(runningID)
	}
	for _, c := range children {
		if err := fn(c.ChildRunningID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) ScaleIn(ctx context.Context, scanner engine.ScannerTarget, n int) error {
	return a.retry.Do(ctx, func(ctx context.Context) error {
		return a.client.scaleIn(ctx, scanner, n)
	})
}

// findingMerger deduplicates report bytes on finding OID (fallback: finding
// name), keeping the first occurrence, as the spec's sub-scan merge rule
// requires. Reports are treated as newline-delimited finding records; the
// first whitespace-delimited token of a record is its OID/name key.
type findingMerger struct {
	seen  map[string]bool
	lines []string
}

func newFindingMerger() *findingMerger {
	return &findingMerger{seen: make(map[string]bool)}
}

func (m *findingMerger) add(content []byte) {
	start := 0
	for i := 0; i <= len(content); i++ {
		if i == len(content) || content[i] == '\n' {
			if i > start {
				line := string(content[start:i])
				key := findingKey(line)
				if !m.seen[key] {
					m.seen[key] = true
					m.lines = append(m.lines, line)
				}
			}
			start = i + 1
		}
	}
}

func findingKey(line string) string {
	for i, c := range line {
		if c == ' ' || c == '\t' {
			return line[:i]
		}
	}
	return line
}

func (m *findingMerger) bytes() []byte {
	sort.Strings(m.lines)
	out := make([]byte, 0, len(m.lines)*64)
	for _, l := range m.lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}
