package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cstcloud/vtscan/pkg/engine"
	"github.com/cstcloud/vtscan/pkg/report"
	"github.com/cstcloud/vtscan/pkg/scanner"
	"github.com/cstcloud/vtscan/pkg/task"
)

func TestSlackOrdersByFreeOverTotalDescending(t *testing.T) {
	candidates := []*dispatchCandidate{
		{sc: scanner.Scanner{Name: "mostly-full"}, free: 1, total: 10},
		{sc: scanner.Scanner{Name: "half-free"}, free: 5, total: 10},
		{sc: scanner.Scanner{Name: "mostly-empty"}, free: 9, total: 10},
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return slack(candidates[i]) > slack(candidates[j])
	})

	if candidates[0].sc.Name != "mostly-empty" {
		t.Fatalf("head = %s, want mostly-empty (most slack first)", candidates[0].sc.Name)
	}
	if candidates[2].sc.Name != "mostly-full" {
		t.Fatalf("tail = %s, want mostly-full (least slack last)", candidates[2].sc.Name)
	}
}

func TestSlackZeroTotalIsZero(t *testing.T) {
	c := &dispatchCandidate{free: 0, total: 0}
	if slack(c) != 0 {
		t.Fatalf("slack with zero total = %v, want 0", slack(c))
	}
}

// fakeTaskStore is an in-memory stand-in for *task.Store, just enough of
// its surface to drive trace/dispatch without a live transaction.
type fakeTaskStore struct {
	tasks map[uuid.UUID]*task.Task
}

func newFakeTaskStore(tasks ...task.Task) *fakeTaskStore {
	f := &fakeTaskStore{tasks: make(map[uuid.UUID]*task.Task)}
	for i := range tasks {
		t := tasks[i]
		f.tasks[t.ID] = &t
	}
	return f
}

func (f *fakeTaskStore) ListRunning(ctx context.Context) ([]task.Task, error) {
	var out []task.Task
	for _, t := range f.tasks {
		if t.Status == task.StatusRunning {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) ListQueuedByEngine(ctx context.Context, engineName string, limit int) ([]task.Task, error) {
	var out []task.Task
	for _, t := range f.tasks {
		if t.Status == task.StatusQueued && t.Engine == engineName {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTaskStore) RunningCountByScanner(ctx context.Context) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int)
	for _, t := range f.tasks {
		if t.Status == task.StatusRunning && t.ScannerID != nil {
			out[*t.ScannerID]++
		}
	}
	return out, nil
}

func (f *fakeTaskStore) Dispatch(ctx context.Context, id, scannerID uuid.UUID, runningID string) error {
	t := f.tasks[id]
	t.Status = task.StatusRunning
	t.ScannerID = &scannerID
	t.RunningID = &runningID
	return nil
}

func (f *fakeTaskStore) Reload(ctx context.Context, id uuid.UUID) error {
	t := f.tasks[id]
	t.Status = task.StatusQueued
	t.ScannerID = nil
	t.RunningID = nil
	t.ExceptNum = 0
	return nil
}

func (f *fakeTaskStore) IncrementExceptNum(ctx context.Context, id uuid.UUID) (int, error) {
	t := f.tasks[id]
	t.ExceptNum++
	return t.ExceptNum, nil
}

func (f *fakeTaskStore) ResetExceptNum(ctx context.Context, id uuid.UUID) error {
	f.tasks[id].ExceptNum = 0
	return nil
}

func (f *fakeTaskStore) Fail(ctx context.Context, id uuid.UUID, errmsg string) error {
	t := f.tasks[id]
	t.Status = task.StatusFailed
	t.ErrMsg = errmsg
	now := time.Now().UTC()
	t.FinishedAt = &now
	return nil
}

func (f *fakeTaskStore) Complete(ctx context.Context, id, reportID uuid.UUID) error {
	t := f.tasks[id]
	t.Status = task.StatusDone
	t.ReportID = &reportID
	now := time.Now().UTC()
	t.FinishedAt = &now
	return nil
}

// fakeScannerStore is an in-memory stand-in for *scanner.Store.
type fakeScannerStore struct {
	scanners map[uuid.UUID]*scanner.Scanner
}

func newFakeScannerStore(scanners ...scanner.Scanner) *fakeScannerStore {
	f := &fakeScannerStore{scanners: make(map[uuid.UUID]*scanner.Scanner)}
	for i := range scanners {
		sc := scanners[i]
		f.scanners[sc.ID] = &sc
	}
	return f
}

func (f *fakeScannerStore) Get(ctx context.Context, id uuid.UUID) (scanner.Scanner, error) {
	sc, ok := f.scanners[id]
	if !ok {
		return scanner.Scanner{}, errors.New("scanner not found")
	}
	return *sc, nil
}

func (f *fakeScannerStore) ListEnabled(ctx context.Context, engineName string) ([]scanner.Scanner, error) {
	var out []scanner.Scanner
	for _, sc := range f.scanners {
		if sc.Status != scanner.StatusEnable {
			continue
		}
		if engineName != "" && sc.Engine != engineName {
			continue
		}
		out = append(out, *sc)
	}
	return out, nil
}

func (f *fakeScannerStore) IncrementExceptNum(ctx context.Context, id uuid.UUID) (int, error) {
	sc := f.scanners[id]
	sc.ExceptNum++
	return sc.ExceptNum, nil
}

func (f *fakeScannerStore) ResetExceptNum(ctx context.Context, id uuid.UUID) error {
	f.scanners[id].ExceptNum = 0
	return nil
}

// fakeReportStore is an in-memory stand-in for *report.Store.
type fakeReportStore struct {
	reports []report.Report
}

func (f *fakeReportStore) Insert(ctx context.Context, r report.Report) error {
	f.reports = append(f.reports, r)
	return nil
}

// fakeAdapter is a scriptable engine.Adapter double.
type fakeAdapter struct {
	statusFunc func(runningID string) (engine.RunningStatus, error)
	reportFunc func(runningID string) (engine.Report, error)
	createdIDs []string
}

func (a *fakeAdapter) Create(ctx context.Context, scanner engine.ScannerTarget, taskID, target string) (string, error) {
	runningID := "run-" + taskID
	a.createdIDs = append(a.createdIDs, runningID)
	return runningID, nil
}

func (a *fakeAdapter) Status(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.RunningStatus, error) {
	if a.statusFunc != nil {
		return a.statusFunc(runningID)
	}
	return engine.RunningStatusRunning, nil
}

func (a *fakeAdapter) Report(ctx context.Context, scanner engine.ScannerTarget, runningID string) (engine.Report, error) {
	if a.reportFunc != nil {
		return a.reportFunc(runningID)
	}
	return engine.Report{}, nil
}

func (a *fakeAdapter) Stop(ctx context.Context, scanner engine.ScannerTarget, runningID string) error   { return nil }
func (a *fakeAdapter) Delete(ctx context.Context, scanner engine.ScannerTarget, runningID string) error { return nil }
func (a *fakeAdapter) ScaleIn(ctx context.Context, scanner engine.ScannerTarget, n int) error            { return nil }

func testScheduler(registry *engine.Registry) *Scheduler {
	return &Scheduler{
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// TestSchedulerDispatchesBothByPriority covers S1: two queued tasks of the
// same engine on one scanner with free capacity for both; the higher
// priority task is dispatched first, and invariant 6 (priority DESC,
// created-at ASC ordering) holds.
func TestSchedulerDispatchesBothByPriority(t *testing.T) {
	scannerID := uuid.New()
	sc := scanner.Scanner{ID: scannerID, Name: "s1", Engine: "host-scan", Status: scanner.StatusEnable, MaxConcurrency: 2}

	now := time.Now().UTC()
	t1 := task.Task{ID: uuid.New(), Target: "t1", Engine: "host-scan", Priority: 5, Status: task.StatusQueued, CreatedAt: now}
	t2 := task.Task{ID: uuid.New(), Target: "t2", Engine: "host-scan", Priority: 3, Status: task.StatusQueued, CreatedAt: now.Add(time.Second)}

	taskStore := newFakeTaskStore(t1, t2)
	scannerStore := newFakeScannerStore(sc)

	registry := engine.NewRegistry()
	adapter := &fakeAdapter{}
	registry.Register("host-scan", adapter)

	s := testScheduler(registry)
	if err := s.dispatch(context.Background(), taskStore, scannerStore); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got1 := taskStore.tasks[t1.ID]
	got2 := taskStore.tasks[t2.ID]
	if got1.Status != task.StatusRunning || got2.Status != task.StatusRunning {
		t.Fatalf("t1.Status=%v t2.Status=%v, want both running", got1.Status, got2.Status)
	}
	if *got1.ScannerID != scannerID || *got2.ScannerID != scannerID {
		t.Fatalf("both tasks should be assigned to scanner %s", scannerID)
	}
	if len(adapter.createdIDs) != 2 || adapter.createdIDs[0] != "run-"+t1.ID.String() {
		t.Fatalf("createdIDs = %v, want t1 (higher priority) dispatched first", adapter.createdIDs)
	}
}

// TestSchedulerTraceCompletesAndDispatchesNext covers S2: a running task
// reported done gets a linked report and frees capacity the same tick that
// the queued task behind it is dispatched.
func TestSchedulerTraceCompletesAndDispatchesNext(t *testing.T) {
	scannerID := uuid.New()
	sc := scanner.Scanner{ID: scannerID, Name: "s1", Engine: "host-scan", Status: scanner.StatusEnable, MaxConcurrency: 1}

	runningID := "run-1"
	t1 := task.Task{ID: uuid.New(), Target: "t1", Engine: "host-scan", Status: task.StatusRunning, ScannerID: &scannerID, RunningID: &runningID}
	t2 := task.Task{ID: uuid.New(), Target: "t2", Engine: "host-scan", Status: task.StatusQueued, CreatedAt: time.Now().UTC()}

	taskStore := newFakeTaskStore(t1, t2)
	scannerStore := newFakeScannerStore(sc)
	reportStore := &fakeReportStore{}

	registry := engine.NewRegistry()
	adapter := &fakeAdapter{
		statusFunc: func(runningID string) (engine.RunningStatus, error) { return engine.RunningStatusDone, nil },
		reportFunc: func(runningID string) (engine.Report, error) {
			return engine.Report{Content: []byte("X"), ContentType: "text/plain", Filename: "r.txt"}, nil
		},
	}
	registry.Register("host-scan", adapter)

	s := testScheduler(registry)
	if err := s.trace(context.Background(), taskStore, scannerStore, reportStore); err != nil {
		t.Fatalf("trace: %v", err)
	}

	got1 := taskStore.tasks[t1.ID]
	if got1.Status != task.StatusDone {
		t.Fatalf("t1.Status = %v, want done", got1.Status)
	}
	if got1.ReportID == nil {
		t.Fatalf("t1 has no linked report")
	}
	if len(reportStore.reports) != 1 || reportStore.reports[0].Size != 1 {
		t.Fatalf("reports = %v, want one report of size 1", reportStore.reports)
	}

	if err := s.dispatch(context.Background(), taskStore, scannerStore); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got2 := taskStore.tasks[t2.ID]
	if got2.Status != task.StatusRunning {
		t.Fatalf("t2.Status = %v, want running (capacity freed by t1 completing)", got2.Status)
	}
}

// TestSchedulerReloadsAfterConsecutiveNoStatus covers S3: a task whose
// adapter status call fails five consecutive ticks is reloaded back to
// queued with except_num reset, and the scanner's except_num reaches 5.
func TestSchedulerReloadsAfterConsecutiveNoStatus(t *testing.T) {
	scannerID := uuid.New()
	sc := scanner.Scanner{ID: scannerID, Name: "s1", Engine: "host-scan", Status: scanner.StatusEnable, MaxConcurrency: 1}

	runningID := "run-1"
	taskID := uuid.New()
	tk := task.Task{ID: taskID, Target: "t1", Engine: "host-scan", Status: task.StatusRunning, ScannerID: &scannerID, RunningID: &runningID}

	taskStore := newFakeTaskStore(tk)
	scannerStore := newFakeScannerStore(sc)
	reportStore := &fakeReportStore{}

	registry := engine.NewRegistry()
	registry.Register("host-scan", &fakeAdapter{
		statusFunc: func(runningID string) (engine.RunningStatus, error) {
			return "", errors.New("timeout")
		},
	})

	s := testScheduler(registry)
	for i := 0; i < 5; i++ {
		if err := s.trace(context.Background(), taskStore, scannerStore, reportStore); err != nil {
			t.Fatalf("trace tick %d: %v", i+1, err)
		}
	}

	got := taskStore.tasks[taskID]
	if got.Status != task.StatusQueued {
		t.Fatalf("after 5 failures, Status = %v, want queued", got.Status)
	}
	if got.ScannerID != nil || got.RunningID != nil {
		t.Fatalf("reloaded task should have scanner/running id cleared")
	}
	if got.ExceptNum != 0 {
		t.Fatalf("reloaded task except_num = %d, want 0", got.ExceptNum)
	}
	gotSc := scannerStore.scanners[scannerID]
	if gotSc.ExceptNum < 5 {
		t.Fatalf("scanner except_num = %d, want >= 5", gotSc.ExceptNum)
	}
}

// TestSchedulerDispatchNeverCrossesEngines covers invariant 5: a queued task
// of one engine is never matched against a scanner of a different engine.
func TestSchedulerDispatchNeverCrossesEngines(t *testing.T) {
	scannerID := uuid.New()
	sc := scanner.Scanner{ID: scannerID, Name: "s1", Engine: "web-scan", Status: scanner.StatusEnable, MaxConcurrency: 2}
	tk := task.Task{ID: uuid.New(), Target: "t1", Engine: "host-scan", Status: task.StatusQueued, CreatedAt: time.Now().UTC()}

	taskStore := newFakeTaskStore(tk)
	scannerStore := newFakeScannerStore(sc)

	registry := engine.NewRegistry()
	registry.Register("host-scan", &fakeAdapter{})
	registry.Register("web-scan", &fakeAdapter{})

	s := testScheduler(registry)
	if err := s.dispatch(context.Background(), taskStore, scannerStore); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := taskStore.tasks[tk.ID]
	if got.Status != task.StatusQueued {
		t.Fatalf("cross-engine task should remain queued, got %v", got.Status)
	}
}
