package scannerregistry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"

	"github.com/cstcloud/vtscan/pkg/scanner"
)

type fakeTaskCounter struct {
	running int
	err     error
}

func (f fakeTaskCounter) GetRunningTaskNum(ctx context.Context, scannerName string) (int, error) {
	return f.running, f.err
}

type fakeStatusUpdater struct {
	updates map[uuid.UUID]scanner.Status
}

func (f *fakeStatusUpdater) UpdateStatus(ctx context.Context, id uuid.UUID, status scanner.Status) error {
	if f.updates == nil {
		f.updates = make(map[uuid.UUID]scanner.Status)
	}
	f.updates[id] = status
	return nil
}

// TestRegistryDrainsQuiescedWaitingScanner covers S4: a waiting scanner past
// its quiescence window with zero reported running tasks transitions to
// deleting.
func TestRegistryDrainsQuiescedWaitingScanner(t *testing.T) {
	r := &Registry{
		taskClient: fakeTaskCounter{running: 0},
		quiesce:    10 * time.Minute,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	row := scanner.Scanner{
		ID:             uuid.New(),
		Name:           "s1",
		Status:         scanner.StatusWaiting,
		MaxConcurrency: 0,
		UpdatedAt:      time.Now().UTC().Add(-11 * time.Minute),
	}
	store := &fakeStatusUpdater{}

	if err := r.reconcileWaiting(context.Background(), store, row); err != nil {
		t.Fatalf("reconcileWaiting: %v", err)
	}
	if store.updates[row.ID] != scanner.StatusDeleting {
		t.Fatalf("status = %v, want deleting", store.updates[row.ID])
	}
}

// TestRegistryLeavesWaitingScannerWithRunningTasks covers the negative case
// of rule 6: a waiting scanner with running tasks left does not drain.
func TestRegistryLeavesWaitingScannerWithRunningTasks(t *testing.T) {
	r := &Registry{
		taskClient: fakeTaskCounter{running: 2},
		quiesce:    10 * time.Minute,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	row := scanner.Scanner{
		ID:        uuid.New(),
		Name:      "s1",
		Status:    scanner.StatusWaiting,
		UpdatedAt: time.Now().UTC().Add(-11 * time.Minute),
	}
	store := &fakeStatusUpdater{}

	if err := r.reconcileWaiting(context.Background(), store, row); err != nil {
		t.Fatalf("reconcileWaiting: %v", err)
	}
	if _, updated := store.updates[row.ID]; updated {
		t.Fatalf("scanner with running tasks should not be updated, got %v", store.updates[row.ID])
	}
}

// TestRegistryLeavesWaitingScannerBeforeQuiescence covers the negative case
// of rule 6 where the quiescence window has not yet elapsed.
func TestRegistryLeavesWaitingScannerBeforeQuiescence(t *testing.T) {
	r := &Registry{
		taskClient: fakeTaskCounter{running: 0},
		quiesce:    10 * time.Minute,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	row := scanner.Scanner{
		ID:        uuid.New(),
		Name:      "s1",
		Status:    scanner.StatusWaiting,
		UpdatedAt: time.Now().UTC().Add(-1 * time.Minute),
	}
	store := &fakeStatusUpdater{}

	if err := r.reconcileWaiting(context.Background(), store, row); err != nil {
		t.Fatalf("reconcileWaiting: %v", err)
	}
	if _, updated := store.updates[row.ID]; updated {
		t.Fatalf("scanner before quiescence should not be updated, got %v", store.updates[row.ID])
	}
}

func TestObservedPodFromDefaultsPortAndFileType(t *testing.T) {
	pod := corev1.Pod{}
	pod.Name = "vtscan-openvas-0"
	pod.Labels = map[string]string{
		"engine":    "openvas",
		"scan_type": "host",
	}
	pod.Status.PodIP = "10.0.0.5"
	pod.Status.Phase = corev1.PodRunning

	got := observedPodFrom(pod)
	if got.port != 80 {
		t.Fatalf("port = %d, want default 80", got.port)
	}
	if got.reportFileType != "HTML" {
		t.Fatalf("reportFileType = %q, want default HTML", got.reportFileType)
	}
	if got.engine != "openvas" || got.ip != "10.0.0.5" {
		t.Fatalf("unexpected observed pod: %+v", got)
	}
}

func TestObservedPodFromHonorsExplicitLabels(t *testing.T) {
	pod := corev1.Pod{}
	pod.Name = "vtscan-zap-0"
	pod.Labels = map[string]string{
		"engine":          "zap",
		"scan_type":       "web",
		"port":            "9390",
		"filetype":        "PDF",
		"max_concurrency": "4",
	}

	got := observedPodFrom(pod)
	if got.port != 9390 {
		t.Fatalf("port = %d, want 9390", got.port)
	}
	if got.reportFileType != "PDF" {
		t.Fatalf("reportFileType = %q, want PDF", got.reportFileType)
	}
	if got.maxConcurrency != 4 {
		t.Fatalf("maxConcurrency = %d, want 4", got.maxConcurrency)
	}
}

func TestParsePositiveInt(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{"42", 42, false},
		{"", 0, true},
		{"-1", 0, true},
		{"4x", 0, true},
	}
	for _, tc := range cases {
		got, err := parsePositiveInt(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parsePositiveInt(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePositiveInt(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parsePositiveInt(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
