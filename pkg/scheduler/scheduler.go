// Package scheduler is the Task Scheduler (C5): a 60s loop with two phases
// under one transaction — trace running tasks to their terminal state, then
// dispatch queued tasks onto scanners with free capacity.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cstcloud/vtscan/internal/platform"
	"github.com/cstcloud/vtscan/internal/telemetry"
	"github.com/cstcloud/vtscan/pkg/engine"
	"github.com/cstcloud/vtscan/pkg/report"
	"github.com/cstcloud/vtscan/pkg/scanner"
	"github.com/cstcloud/vtscan/pkg/task"
)

const tickerName = "task_scheduler"

// maxConsecutiveExceptions is the number of consecutive trace failures
// (no status, or report fetch failure) before a running task is reloaded
// back to queued.
const maxConsecutiveExceptions = 5

// taskStorer is the subset of *task.Store the trace/dispatch phases use.
// A narrow interface rather than the concrete store lets tests drive both
// phases against an in-memory fake instead of a live transaction.
type taskStorer interface {
	ListRunning(ctx context.Context) ([]task.Task, error)
	ListQueuedByEngine(ctx context.Context, engine string, limit int) ([]task.Task, error)
	RunningCountByScanner(ctx context.Context) (map[uuid.UUID]int, error)
	Dispatch(ctx context.Context, id, scannerID uuid.UUID, runningID string) error
	Reload(ctx context.Context, id uuid.UUID) error
	IncrementExceptNum(ctx context.Context, id uuid.UUID) (int, error)
	ResetExceptNum(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, errmsg string) error
	Complete(ctx context.Context, id, reportID uuid.UUID) error
}

// scannerStorer is the subset of *scanner.Store the trace/dispatch phases use.
type scannerStorer interface {
	Get(ctx context.Context, id uuid.UUID) (scanner.Scanner, error)
	ListEnabled(ctx context.Context, engine string) ([]scanner.Scanner, error)
	IncrementExceptNum(ctx context.Context, id uuid.UUID) (int, error)
	ResetExceptNum(ctx context.Context, id uuid.UUID) error
}

// reportStorer is the subset of *report.Store the trace phase uses.
type reportStorer interface {
	Insert(ctx context.Context, r report.Report) error
}

// Scheduler is the Task Scheduler reconciler.
type Scheduler struct {
	pool     *pgxpool.Pool
	registry *engine.Registry
	lock     *platform.TickLock
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	interval time.Duration
}

// New builds a Scheduler.
func New(pool *pgxpool.Pool, registry *engine.Registry, lock *platform.TickLock, metrics *telemetry.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pool:     pool,
		registry: registry,
		lock:     lock,
		metrics:  metrics,
		logger:   logger,
		interval: 60 * time.Second,
	}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("task scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("task scheduler stopped")
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	acquired, err := s.lock.TryAcquire(ctx, tickerName)
	if err != nil {
		s.logger.Error("acquiring task scheduler tick lock", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.lock.Release(ctx, tickerName); err != nil {
			s.logger.Error("releasing task scheduler tick lock", "error", err)
		}
	}()

	start := time.Now()
	err = s.tick(ctx)
	if s.metrics != nil {
		s.metrics.TickDuration.WithLabelValues(tickerName).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.TickErrorsTotal.WithLabelValues(tickerName).Inc()
		}
	}
	if err != nil {
		s.logger.Error("task scheduler tick", "error", err)
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	taskStore := task.NewStore(tx)
	scannerStore := scanner.NewStore(tx)
	reportStore := report.NewStore(tx)

	if err := s.trace(ctx, taskStore, scannerStore, reportStore); err != nil {
		return fmt.Errorf("trace phase: %w", err)
	}
	if err := s.dispatch(ctx, taskStore, scannerStore); err != nil {
		return fmt.Errorf("dispatch phase: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// trace drives every running task toward a terminal state (or reloads it
// back to queued), per spec §4.5.1.
func (s *Scheduler) trace(ctx context.Context, taskStore taskStorer, scannerStore scannerStorer, reportStore reportStorer) error {
	running, err := taskStore.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("listing running tasks: %w", err)
	}

	for _, t := range running {
		if err := s.traceOne(ctx, taskStore, scannerStore, reportStore, t); err != nil {
			s.logger.Error("tracing task", "task", t.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) traceOne(ctx context.Context, taskStore taskStorer, scannerStore scannerStorer, reportStore reportStorer, t task.Task) error {
	if t.ScannerID == nil || t.RunningID == nil {
		// Invariant violation; reload rather than get stuck.
		s.countReload(t.Engine, "invariant")
		return taskStore.Reload(ctx, t.ID)
	}

	sc, err := scannerStore.Get(ctx, *t.ScannerID)
	if err != nil {
		return fmt.Errorf("getting scanner %s: %w", *t.ScannerID, err)
	}

	if sc.Status == scanner.StatusDeleted {
		s.countReload(t.Engine, "scanner_deleted")
		return taskStore.Reload(ctx, t.ID)
	}

	adapter, err := s.registry.Get(t.Engine)
	if err != nil {
		return fmt.Errorf("getting adapter: %w", err)
	}

	target := engine.ScannerTarget{IP: sc.IP, Port: sc.Port, ReportFileType: sc.ReportFileType}

	status, err := adapter.Status(ctx, target, *t.RunningID)
	if err != nil {
		return s.traceNoStatus(ctx, taskStore, scannerStore, t, sc)
	}

	switch status {
	case engine.RunningStatusError:
		if _, err := scannerStore.IncrementExceptNum(ctx, sc.ID); err != nil {
			return err
		}
		s.countReload(t.Engine, "error_status")
		return taskStore.Reload(ctx, t.ID)

	case engine.RunningStatusFailed:
		return taskStore.Fail(ctx, t.ID, fmt.Sprintf("engine %s reported task %s failed", t.Engine, *t.RunningID))

	case engine.RunningStatusDone:
		return s.traceDone(ctx, taskStore, scannerStore, reportStore, t, sc, adapter, target)

	case engine.RunningStatusRunning:
		if err := taskStore.ResetExceptNum(ctx, t.ID); err != nil {
			return err
		}
		return scannerStore.ResetExceptNum(ctx, sc.ID)

	default:
		return fmt.Errorf("unknown running status %q", status)
	}
}

// traceNoStatus handles an adapter call that failed outright (timeout,
// connection error after retries exhausted) — the "no status" branch of
// spec §4.5.1's last bullet.
func (s *Scheduler) traceNoStatus(ctx context.Context, taskStore taskStorer, scannerStore scannerStorer, t task.Task, sc scanner.Scanner) error {
	n, err := taskStore.IncrementExceptNum(ctx, t.ID)
	if err != nil {
		return err
	}
	if _, err := scannerStore.IncrementExceptNum(ctx, sc.ID); err != nil {
		return err
	}
	if n >= maxConsecutiveExceptions {
		s.countReload(t.Engine, "no_status")
		return taskStore.Reload(ctx, t.ID)
	}
	return nil
}

// countReload increments TasksReloaded, a no-op if metrics weren't wired
// (e.g. in tests that build a Scheduler directly).
func (s *Scheduler) countReload(engineName, reason string) {
	if s.metrics != nil {
		s.metrics.TasksReloaded.WithLabelValues(engineName, reason).Inc()
	}
}

func (s *Scheduler) traceDone(
	ctx context.Context,
	taskStore taskStorer,
	scannerStore scannerStorer,
	reportStore reportStorer,
	t task.Task,
	sc scanner.Scanner,
	adapter engine.Adapter,
	target engine.ScannerTarget,
) error {
	rep, err := adapter.Report(ctx, target, *t.RunningID)
	if err != nil {
		return s.traceNoStatus(ctx, taskStore, scannerStore, t, sc)
	}

	r := report.New(t.ID, rep.Content, rep.ContentType, rep.Filename)
	if err := reportStore.Insert(ctx, r); err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}
	if err := taskStore.Complete(ctx, t.ID, r.ID); err != nil {
		return err
	}
	return scannerStore.ResetExceptNum(ctx, sc.ID)
}

// dispatchCandidate is one scanner's remaining capacity within a tick's
// dispatch phase.
type dispatchCandidate struct {
	sc    scanner.Scanner
	free  int
	total int
}

// dispatch places queued tasks onto scanners with free capacity, per spec
// §4.5.2.
func (s *Scheduler) dispatch(ctx context.Context, taskStore taskStorer, scannerStore scannerStorer) error {
	scanners, err := scannerStore.ListEnabled(ctx, "")
	if err != nil {
		return fmt.Errorf("listing enabled scanners: %w", err)
	}
	runningCounts, err := taskStore.RunningCountByScanner(ctx)
	if err != nil {
		return fmt.Errorf("counting running tasks by scanner: %w", err)
	}

	byEngine := make(map[string][]*dispatchCandidate)
	for _, sc := range scanners {
		if sc.MaxConcurrency <= 0 {
			continue
		}
		free := sc.MaxConcurrency - runningCounts[sc.ID]
		if free < 0 {
			free = 0
		}
		if free == 0 {
			continue
		}
		byEngine[sc.Engine] = append(byEngine[sc.Engine], &dispatchCandidate{
			sc:    sc,
			free:  free,
			total: sc.MaxConcurrency,
		})
	}

	for engineName, candidates := range byEngine {
		if err := s.dispatchEngine(ctx, taskStore, scannerStore, engineName, candidates); err != nil {
			s.logger.Error("dispatching engine", "engine", engineName, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) dispatchEngine(ctx context.Context, taskStore taskStorer, scannerStore scannerStorer, engineName string, candidates []*dispatchCandidate) error {
	totalFree := 0
	for _, c := range candidates {
		totalFree += c.free
	}
	if totalFree <= 0 {
		return nil
	}

	adapter, err := s.registry.Get(engineName)
	if err != nil {
		s.logger.Warn("no adapter registered for engine, skipping dispatch", "engine", engineName)
		return nil
	}

	queued, err := taskStore.ListQueuedByEngine(ctx, engineName, totalFree)
	if err != nil {
		return fmt.Errorf("listing queued tasks for engine %s: %w", engineName, err)
	}

	for _, t := range queued {
		if len(candidates) == 0 {
			break
		}
		candidates, err = s.dispatchOne(ctx, taskStore, scannerStore, adapter, t, candidates)
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatchOne places a single queued task, re-sorting candidates by
// descending slack (free/total) each attempt and dropping any scanner
// whose create call fails, per spec §4.5.2 steps 4-5.
func (s *Scheduler) dispatchOne(ctx context.Context, taskStore taskStorer, scannerStore scannerStorer, adapter engine.Adapter, t task.Task, candidates []*dispatchCandidate) ([]*dispatchCandidate, error) {
	for len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return slack(candidates[i]) > slack(candidates[j])
		})
		head := candidates[0]
		sc := head.sc

		target := engine.ScannerTarget{IP: sc.IP, Port: sc.Port, ReportFileType: sc.ReportFileType}
		runningID, err := adapter.Create(ctx, target, t.ID.String(), t.Target)
		if err != nil {
			s.logger.Warn("dispatch create failed, dropping scanner from this tick", "scanner", sc.Name, "task", t.ID, "error", err)
			if _, err := scannerStore.IncrementExceptNum(ctx, sc.ID); err != nil {
				return candidates, err
			}
			candidates = candidates[1:]
			continue
		}

		if err := taskStore.Dispatch(ctx, t.ID, sc.ID, runningID); err != nil {
			return candidates, err
		}
		if err := scannerStore.ResetExceptNum(ctx, sc.ID); err != nil {
			return candidates, err
		}
		if s.metrics != nil {
			s.metrics.TasksDispatched.WithLabelValues(t.Engine).Inc()
		}

		head.free--
		if head.free <= 0 {
			candidates = candidates[1:]
		}
		return candidates, nil
	}
	return candidates, nil
}

func slack(c *dispatchCandidate) float64 {
	if c.total <= 0 {
		return 0
	}
	return float64(c.free) / float64(c.total)
}
