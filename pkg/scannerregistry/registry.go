// Package scannerregistry reconciles the scanner table against the scanner
// pods actually observed in the cluster, running every 60s. It is the
// source of truth other reconcilers (the task scheduler and the resource
// autoscaler) rely on for which scanner rows are live and healthy.
package scannerregistry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cstcloud/vtscan/internal/platform"
	"github.com/cstcloud/vtscan/internal/telemetry"
	"github.com/cstcloud/vtscan/pkg/scanner"
	"github.com/cstcloud/vtscan/pkg/taskclient"
)

const tickerName = "scanner_registry"

const podLabelSelector = "type=scanner,group=vtscan"

// alerter is the subset of pkg/opsalert.Notifier the registry calls. An
// interface here keeps the registry's only external side effect besides
// pod deletes and DB writes easy to stub in tests.
type alerter interface {
	UnexpectedDeletion(ctx context.Context, scannerName, engine string) error
	ForcedDrain(ctx context.Context, scannerName, engine string, exceptNum, maxConcurrency int) error
}

// taskCounter is the subset of *taskclient.Client reconcileWaiting calls.
type taskCounter interface {
	GetRunningTaskNum(ctx context.Context, scannerName string) (int, error)
}

// Registry is the Scanner Registry reconciler.
type Registry struct {
	pool       *pgxpool.Pool
	k8sClient  kubernetes.Interface
	namespace  string
	taskClient taskCounter
	alerts     alerter
	quiesce    time.Duration
	lock       *platform.TickLock
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	interval   time.Duration
}

// New builds a Registry.
func New(
	pool *pgxpool.Pool,
	k8sClient kubernetes.Interface,
	namespace string,
	taskClient *taskclient.Client,
	alerts alerter,
	quiesce time.Duration,
	lock *platform.TickLock,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		pool:       pool,
		k8sClient:  k8sClient,
		namespace:  namespace,
		taskClient: taskClient,
		alerts:     alerts,
		quiesce:    quiesce,
		lock:       lock,
		logger:     logger,
		metrics:    metrics,
		interval:   60 * time.Second,
	}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.Info("scanner registry started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scanner registry stopped")
			return nil
		case <-ticker.C:
			r.runTick(ctx)
		}
	}
}

func (r *Registry) runTick(ctx context.Context) {
	acquired, err := r.lock.TryAcquire(ctx, tickerName)
	if err != nil {
		r.logger.Error("acquiring scanner registry tick lock", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.lock.Release(ctx, tickerName); err != nil {
			r.logger.Error("releasing scanner registry tick lock", "error", err)
		}
	}()

	start := time.Now()
	err = r.tick(ctx)
	if r.metrics != nil {
		r.metrics.TickDuration.WithLabelValues(tickerName).Observe(time.Since(start).Seconds())
		if err != nil {
			r.metrics.TickErrorsTotal.WithLabelValues(tickerName).Inc()
		}
	}
	if err != nil {
		r.logger.Error("scanner registry tick", "error", err)
	}
}

// observedPod is one scanner pod as read off the cluster API.
type observedPod struct {
	name           string
	engine         string
	scanType       string
	maxConcurrency int
	port           int
	reportFileType string
	ip             string
	nodeName       string
	phase          corev1.PodPhase
}

func (r *Registry) tick(ctx context.Context) error {
	pods, err := r.observePods(ctx)
	if err != nil {
		return fmt.Errorf("observing scanner pods: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	store := scanner.NewStore(tx)

	rows, err := store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("listing non-terminal scanners: %w", err)
	}

	byName := make(map[string]observedPod, len(pods))
	for _, p := range pods {
		byName[p.name] = p
	}

	matched := make(map[string]bool, len(rows))
	for _, row := range rows {
		matched[row.Name] = true
		pod, ok := byName[row.Name]
		if !ok {
			if err := r.handleMissingPod(ctx, store, row); err != nil {
				return err
			}
			continue
		}
		if err := r.reconcileRow(ctx, store, row, pod); err != nil {
			return err
		}
	}

	for _, pod := range pods {
		if pod.phase != corev1.PodRunning || matched[pod.name] {
			continue
		}
		if err := r.insertScanner(ctx, store, pod); err != nil {
			return err
		}
	}

	if err := r.deleteGonePods(ctx, tx, pods); err != nil {
		return err
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting scanners by status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	r.observeRowCounts(counts)
	return nil
}

// observeRowCounts sets the vtscan_scanner_rows gauge from a post-commit
// snapshot. Counts are set for every known status so a status that just
// dropped to zero rows still reports zero rather than a stale last value.
func (r *Registry) observeRowCounts(counts map[scanner.Status]int) {
	if r.metrics == nil {
		return
	}
	for _, st := range scanner.AllStatuses {
		r.metrics.ScannerRowsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// handleMissingPod applies rule 1: a non-terminal row with no matching pod
// transitions to deleted. If it wasn't already heading there, this is an
// unexpected loss worth alerting on.
func (r *Registry) handleMissingPod(ctx context.Context, store *scanner.Store, row scanner.Scanner) error {
	if row.Status != scanner.StatusDeleting {
		r.logger.Warn("scanner pod disappeared unexpectedly", "scanner", row.Name, "engine", row.Engine, "prior_status", row.Status)
		if err := r.alerts.UnexpectedDeletion(ctx, row.Name, row.Engine); err != nil {
			r.logger.Error("posting unexpected deletion alert", "scanner", row.Name, "error", err)
		}
	}
	return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleted)
}

// reconcileRow applies rules 2-7 against one row with a matching pod.
func (r *Registry) reconcileRow(ctx context.Context, store *scanner.Store, row scanner.Scanner, pod observedPod) error {
	// Rule 7: force-drain overrides everything else this tick.
	if row.IsForciblyDrained() && row.Status != scanner.StatusDeleting {
		r.logger.Warn("scanner forcibly drained", "scanner", row.Name, "engine", row.Engine,
			"except_num", row.ExceptNum, "max_concurrency", row.MaxConcurrency)
		if err := r.alerts.ForcedDrain(ctx, row.Name, row.Engine, row.ExceptNum, row.MaxConcurrency); err != nil {
			r.logger.Error("posting forced drain alert", "scanner", row.Name, "error", err)
		}
		return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleting)
	}

	// Rule 2: identity mismatch.
	if !row.IdentityMatches(pod.ip, pod.engine, pod.port, pod.reportFileType) {
		return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleting)
	}

	switch pod.phase {
	case corev1.PodFailed, corev1.PodSucceeded:
		// Rule 3.
		return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleting)

	case corev1.PodPending:
		// Rule 4.
		if row.Status != scanner.StatusDisable {
			return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleting)
		}
		return nil

	case corev1.PodRunning:
		// Rule 5.
		switch row.Status {
		case scanner.StatusDisable:
			return store.UpdateStatus(ctx, row.ID, scanner.StatusEnable)
		case scanner.StatusDeleted:
			return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleting)
		case scanner.StatusWaiting:
			// Rule 6.
			return r.reconcileWaiting(ctx, store, row)
		default:
			return nil
		}

	default:
		// Unknown phase: treat as something went wrong, same as an
		// unexpected Pending.
		if row.Status != scanner.StatusDisable {
			return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleting)
		}
		return nil
	}
}

// statusUpdater is the subset of *scanner.Store reconcileWaiting uses,
// narrow enough to drive S4 against a fake in tests.
type statusUpdater interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status scanner.Status) error
}

// reconcileWaiting applies rule 6: a waiting scanner may only drain once its
// quiescence window has elapsed and the task service confirms it has no
// running tasks left.
func (r *Registry) reconcileWaiting(ctx context.Context, store statusUpdater, row scanner.Scanner) error {
	if time.Since(row.UpdatedAt) < r.quiesce {
		return nil
	}

	running, err := r.taskClient.GetRunningTaskNum(ctx, row.Name)
	if err != nil {
		// Task service unavailable this tick; leave the row waiting rather than
		// acting on unknown task load.
		r.logger.Warn("checking running task count for waiting scanner", "scanner", row.Name, "error", err)
		return nil
	}
	if running > 0 {
		return nil
	}
	return store.UpdateStatus(ctx, row.ID, scanner.StatusDeleting)
}

func (r *Registry) insertScanner(ctx context.Context, store *scanner.Store, pod observedPod) error {
	now := time.Now().UTC()
	sc := scanner.Scanner{
		ID:             uuid.New(),
		Name:           pod.name,
		Engine:         pod.engine,
		Type:           scanner.Type(pod.scanType),
		NodeName:       pod.nodeName,
		IP:             pod.ip,
		Port:           pod.port,
		ReportFileType: pod.reportFileType,
		MaxConcurrency: pod.maxConcurrency,
		Status:         scanner.StatusEnable,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Insert(ctx, sc); err != nil {
		return fmt.Errorf("inserting new scanner %s: %w", pod.name, err)
	}
	return nil
}

// deleteGonePods applies rule 8: any row already deleted whose pod is still
// present gets its pod deleted with grace period zero.
func (r *Registry) deleteGonePods(ctx context.Context, tx pgx.Tx, pods []observedPod) error {
	store := scanner.NewStore(tx)
	deleted, err := store.ListByStatuses(ctx, scanner.StatusDeleted)
	if err != nil {
		return fmt.Errorf("listing deleted scanners: %w", err)
	}

	present := make(map[string]bool, len(pods))
	for _, p := range pods {
		present[p.name] = true
	}

	gracePeriod := int64(0)
	for _, row := range deleted {
		if !present[row.Name] {
			continue
		}
		err := r.k8sClient.CoreV1().Pods(r.namespace).Delete(ctx, row.Name, metav1.DeleteOptions{
			GracePeriodSeconds: &gracePeriod,
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("deleting pod %s: %w", row.Name, err)
		}
	}
	return nil
}

func (r *Registry) observePods(ctx context.Context) ([]observedPod, error) {
	list, err := r.k8sClient.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: podLabelSelector,
	})
	if err != nil {
		return nil, err
	}

	out := make([]observedPod, 0, len(list.Items))
	for _, pod := range list.Items {
		out = append(out, observedPodFrom(pod))
	}
	return out, nil
}

func observedPodFrom(pod corev1.Pod) observedPod {
	labels := pod.Labels
	port := 80
	if p := labels["port"]; p != "" {
		if n, err := parsePositiveInt(p); err == nil {
			port = n
		}
	}
	reportFileType := labels["filetype"]
	if reportFileType == "" {
		reportFileType = "HTML"
	}
	maxConcurrency, _ := parsePositiveInt(labels["max_concurrency"])

	return observedPod{
		name:           pod.Name,
		engine:         labels["engine"],
		scanType:       labels["scan_type"],
		maxConcurrency: maxConcurrency,
		port:           port,
		reportFileType: reportFileType,
		ip:             pod.Status.PodIP,
		nodeName:       pod.Spec.NodeName,
		phase:          pod.Status.Phase,
	}
}

func parsePositiveInt(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
