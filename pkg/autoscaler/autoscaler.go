// Package autoscaler is the Resource Autoscaler (C6): a 30s loop with four
// phases, each committed in its own transaction before the next begins —
// inputs, load-low scale-in, node-pressure scale-in, headroom scale-out.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/client-go/kubernetes"

	"github.com/cstcloud/vtscan/internal/platform"
	"github.com/cstcloud/vtscan/internal/telemetry"
	"github.com/cstcloud/vtscan/pkg/clustermetrics"
	"github.com/cstcloud/vtscan/pkg/engine"
	"github.com/cstcloud/vtscan/pkg/scalercatalog"
	"github.com/cstcloud/vtscan/pkg/scanner"
	"github.com/cstcloud/vtscan/pkg/task"
	"github.com/cstcloud/vtscan/pkg/taskclient"
)

const tickerName = "resource_autoscaler"

// Watermarks holds the configured CPU/memory thresholds and the weights
// used to combine them into one node usage figure, per spec §5.
type Watermarks struct {
	CPUHigh      float64
	CPULow       float64
	MemoryHigh   float64
	MemoryLow    float64
	CPUWeight    float64
	MemoryWeight float64
}

// midpoint is the target a pressured node is driven toward by scale-in, and
// the apply-line a slack node is grown toward by scale-out. Both watermark
// pairs collapse to the same formula; spec names them differently per phase
// but the value is the midpoint of the pair either way.
func midpoint(low, high float64) float64 {
	return (low + high) / 2
}

// Autoscaler is the Resource Autoscaler reconciler.
type Autoscaler struct {
	pool       *pgxpool.Pool
	k8sClient  kubernetes.Interface
	catalog    *scalercatalog.Catalog
	metricsSrc *clustermetrics.Source
	taskClient *taskclient.Client
	registry   *engine.Registry
	scalerHTTP *scalerClient
	lock       *platform.TickLock
	retry      platform.RetryPolicy
	watermarks Watermarks
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	interval   time.Duration
}

// New builds an Autoscaler.
func New(
	pool *pgxpool.Pool,
	k8sClient kubernetes.Interface,
	catalog *scalercatalog.Catalog,
	metricsSrc *clustermetrics.Source,
	taskClient *taskclient.Client,
	registry *engine.Registry,
	watermarks Watermarks,
	lock *platform.TickLock,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Autoscaler {
	return &Autoscaler{
		pool:       pool,
		k8sClient:  k8sClient,
		catalog:    catalog,
		metricsSrc: metricsSrc,
		taskClient: taskClient,
		registry:   registry,
		scalerHTTP: newScalerClient(),
		lock:       lock,
		retry:      platform.DefaultRetryPolicy,
		watermarks: watermarks,
		metrics:    metrics,
		logger:     logger,
		interval:   30 * time.Second,
	}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) error {
	a.logger.Info("resource autoscaler started", "interval", a.interval)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("resource autoscaler stopped")
			return nil
		case <-ticker.C:
			a.runTick(ctx)
		}
	}
}

func (a *Autoscaler) runTick(ctx context.Context) {
	acquired, err := a.lock.TryAcquire(ctx, tickerName)
	if err != nil {
		a.logger.Error("acquiring autoscaler tick lock", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := a.lock.Release(ctx, tickerName); err != nil {
			a.logger.Error("releasing autoscaler tick lock", "error", err)
		}
	}()

	start := time.Now()
	err = a.tick(ctx)
	if a.metrics != nil {
		a.metrics.TickDuration.WithLabelValues(tickerName).Observe(time.Since(start).Seconds())
		if err != nil {
			a.metrics.TickErrorsTotal.WithLabelValues(tickerName).Inc()
		}
	}
	if err != nil {
		a.logger.Error("resource autoscaler tick", "error", err)
	}
}

// tickInputs is everything gathered once per tick before any phase mutates
// the scanner table, per spec §4.6 "Inputs per tick".
type tickInputs struct {
	catalog      map[string]scalercatalog.Registration
	engineLoad   map[string]int
	nodeTotals   map[string]NodeTotals
	cpuAvailable clustermetrics.NodeValues
	memAvailable clustermetrics.NodeValues
	nsCPUUsed    clustermetrics.NodeValues
	nsMemUsed    clustermetrics.NodeValues
}

func (a *Autoscaler) tick(ctx context.Context) error {
	in, err := a.gatherInputs(ctx)
	if err != nil {
		// Metrics/catalog/node listing unavailable this tick: skip scale
		// decisions entirely rather than act on partial data.
		a.logger.Warn("skipping autoscaler tick, inputs unavailable", "error", err)
		return nil
	}

	if err := a.loadLowScaleIn(ctx, in); err != nil {
		return fmt.Errorf("load-low scale-in phase: %w", err)
	}
	if err := a.nodePressureScaleIn(ctx, in); err != nil {
		return fmt.Errorf("node-pressure scale-in phase: %w", err)
	}
	if err := a.headroomScaleOut(ctx, in); err != nil {
		return fmt.Errorf("headroom scale-out phase: %w", err)
	}
	return nil
}

func (a *Autoscaler) gatherInputs(ctx context.Context) (*tickInputs, error) {
	catalog, err := a.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scaler catalog: %w", err)
	}

	engineLoad, err := a.taskClient.ListEngineTasksNum(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing engine task counts: %w", err)
	}

	nodeTotals, err := fetchNodeTotals(ctx, a.k8sClient, a.retry)
	if err != nil {
		return nil, fmt.Errorf("fetching node totals: %w", err)
	}

	cpuAvailable, err := a.metricsSrc.CPUAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying cpu available: %w", err)
	}
	memAvailable, err := a.metricsSrc.MemoryAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying memory available: %w", err)
	}
	nsCPUUsed, err := a.metricsSrc.NamespaceCPUUsed(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying namespace cpu used: %w", err)
	}
	nsMemUsed, err := a.metricsSrc.NamespaceMemoryUsed(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying namespace memory used: %w", err)
	}

	return &tickInputs{
		catalog:      catalog,
		engineLoad:   engineLoad,
		nodeTotals:   nodeTotals,
		cpuAvailable: cpuAvailable,
		memAvailable: memAvailable,
		nsCPUUsed:    nsCPUUsed,
		nsMemUsed:    nsMemUsed,
	}, nil
}

// nodeUsage is the combined, weighted usage figure from spec §4.6's intro
// paragraph: w_cpu*(1-available/total) + w_mem*(1-available/total).
func (a *Autoscaler) nodeUsage(in *tickInputs, nodeName string) float64 {
	totals, ok := in.nodeTotals[nodeName]
	if !ok || (totals.CPU <= 0 && totals.Memory <= 0) {
		return 0
	}
	cpuUsage := 0.0
	if totals.CPU > 0 {
		cpuUsage = 1 - in.cpuAvailable[nodeName]/totals.CPU
	}
	memUsage := 0.0
	if totals.Memory > 0 {
		memUsage = 1 - in.memAvailable[nodeName]/totals.Memory
	}
	return a.watermarks.CPUWeight*cpuUsage + a.watermarks.MemoryWeight*memUsage
}

// loadLowCandidate is one scanner eligible to shed capacity in §4.6.1.
type loadLowCandidate struct {
	sc        scanner.Scanner
	nodeUsage float64
	slack     int
}

// loadLowScaleIn implements §4.6.1: for every engine whose declared capacity
// exceeds its task load, shed the deficit from the most-loaded nodes' most
// slack-heavy scanners first. The adapter is never called here; only the
// virtual capacity (max_concurrency) shrinks.
func (a *Autoscaler) loadLowScaleIn(ctx context.Context, in *tickInputs) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scannerStore := scanner.NewStore(tx)
	rows, err := scannerStore.ListByStatuses(ctx, scanner.StatusEnable, scanner.StatusDisable, scanner.StatusWaiting)
	if err != nil {
		return fmt.Errorf("listing scanners: %w", err)
	}

	runningCounts, err := task.NewStore(a.pool).RunningCountByScanner(ctx)
	if err != nil {
		return fmt.Errorf("counting running tasks by scanner: %w", err)
	}

	byEngine := make(map[string][]scanner.Scanner)
	for _, sc := range rows {
		byEngine[sc.Engine] = append(byEngine[sc.Engine], sc)
	}

	for engineName, scanners := range byEngine {
		var total int
		for _, sc := range scanners {
			total += sc.MaxConcurrency
		}
		deficit := total - in.engineLoad[engineName]
		if deficit <= 0 {
			continue
		}

		candidates := make([]loadLowCandidate, 0, len(scanners))
		for _, sc := range scanners {
			running := runningCounts[sc.ID]
			slack := sc.MaxConcurrency - running
			if slack <= 0 {
				continue
			}
			candidates = append(candidates, loadLowCandidate{
				sc:        sc,
				nodeUsage: a.nodeUsage(in, sc.NodeName),
				slack:     slack,
			})
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].nodeUsage != candidates[j].nodeUsage {
				return candidates[i].nodeUsage > candidates[j].nodeUsage
			}
			return candidates[i].slack > candidates[j].slack
		})

		remaining := deficit
		for _, c := range candidates {
			if remaining <= 0 {
				break
			}
			reduceBy := c.slack
			if reduceBy > remaining {
				reduceBy = remaining
			}
			newMax, err := scannerStore.DecrementMaxConcurrency(ctx, c.sc.ID, reduceBy)
			if err != nil {
				return fmt.Errorf("decrementing max_concurrency for %s: %w", c.sc.Name, err)
			}
			remaining -= reduceBy
			if a.metrics != nil {
				a.metrics.ScannersScaledIn.WithLabelValues(engineName, "load_low").Inc()
			}
			if newMax <= 0 {
				if err := scannerStore.UpdateStatus(ctx, c.sc.ID, scanner.StatusWaiting); err != nil {
					return fmt.Errorf("marking %s waiting: %w", c.sc.Name, err)
				}
			}
		}
	}

	return tx.Commit(ctx)
}

// engineWeight is the resource weight spec §4.6.2 ranks engines by: cost per
// running task times its expected duration.
func engineWeight(reg scalercatalog.Registration) float64 {
	return reg.CPUCost * reg.TimeCost
}

// assignedValue is one engine's resource-weighted footprint on a node: its
// per-slot weight times the slots it already holds there, plus its one-time
// external (HPA pod) cost prorated across every node it has a presence on.
func assignedValue(reg scalercatalog.Registration, maxConcurrencyOnNode, nodesHosting int) float64 {
	assigned := engineWeight(reg) * float64(maxConcurrencyOnNode)
	if nodesHosting > 0 {
		assigned += (reg.ExternalCPUCost * reg.TimeCost) / float64(nodesHosting)
	}
	return assigned
}

// expectedValue is one engine's resource-weighted demand, cluster-wide — the
// same figure regardless of which node is being ranked, since it reflects
// global task load rather than node-local allocation.
func expectedValue(reg scalercatalog.Registration, engineLoad int) float64 {
	return engineWeight(reg) * float64(engineLoad)
}

// rank is assigned/expected. Ranking engines on the same node by this raw
// ratio is equivalent to ranking by assigned_rate/expected_rate: both rates
// divide by a per-node normalising constant (the node's assigned or expected
// total) that is identical across every engine being compared, so it cancels
// out of the comparison.
func rank(assigned, expected float64) float64 {
	if expected <= 0 {
		if assigned <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	return assigned / expected
}

type engineGroup struct {
	engine   string
	scanners []scanner.Scanner
}

func groupByEngine(scanners []scanner.Scanner) []engineGroup {
	byEngine := make(map[string][]scanner.Scanner)
	var order []string
	for _, sc := range scanners {
		if _, ok := byEngine[sc.Engine]; !ok {
			order = append(order, sc.Engine)
		}
		byEngine[sc.Engine] = append(byEngine[sc.Engine], sc)
	}
	out := make([]engineGroup, 0, len(order))
	for _, e := range order {
		out = append(out, engineGroup{engine: e, scanners: byEngine[e]})
	}
	return out
}

func removeScanner(scanners []scanner.Scanner, id uuid.UUID) []scanner.Scanner {
	out := scanners[:0:0]
	for _, sc := range scanners {
		if sc.ID != id {
			out = append(out, sc)
		}
	}
	return out
}

// expectedNodeUsage is the CPU/memory figure §4.6.2/§4.6.3 rank against the
// watermarks: non-scanner load plus every present engine's declared cost
// times its current slot count on this node.
func (a *Autoscaler) expectedNodeUsage(in *tickInputs, nodeName string, scanners []scanner.Scanner) (cpu, mem float64) {
	totals := in.nodeTotals[nodeName]
	cpuOther := totals.CPU - in.cpuAvailable[nodeName] - in.nsCPUUsed[nodeName]
	if cpuOther < 0 {
		cpuOther = 0
	}
	memOther := totals.Memory - in.memAvailable[nodeName] - in.nsMemUsed[nodeName]
	if memOther < 0 {
		memOther = 0
	}

	cpu, mem = cpuOther, memOther
	for _, g := range groupByEngine(scanners) {
		reg, ok := in.catalog[g.engine]
		if !ok {
			continue
		}
		var sumMax int
		for _, sc := range g.scanners {
			sumMax += sc.MaxConcurrency
		}
		cpu += reg.ExternalCPUCost + reg.CPUCost*float64(sumMax)
		mem += reg.ExternalMemoryCost + reg.MemoryCost*float64(sumMax)
	}
	return cpu, mem
}

// nodesHostingEngine counts, per engine, the number of distinct nodes with
// at least one scanner of that engine — the prorating denominator for
// assignedValue.
func nodesHostingEngine(rows []scanner.Scanner) map[string]int {
	seen := make(map[string]map[string]bool)
	for _, sc := range rows {
		if sc.NodeName == "" {
			continue
		}
		if seen[sc.Engine] == nil {
			seen[sc.Engine] = make(map[string]bool)
		}
		seen[sc.Engine][sc.NodeName] = true
	}
	out := make(map[string]int, len(seen))
	for e, nodes := range seen {
		out[e] = len(nodes)
	}
	return out
}

func groupByNode(rows []scanner.Scanner) map[string][]scanner.Scanner {
	out := make(map[string][]scanner.Scanner)
	for _, sc := range rows {
		if sc.NodeName == "" {
			continue
		}
		out[sc.NodeName] = append(out[sc.NodeName], sc)
	}
	return out
}

// nodePressureScaleIn implements §4.6.2: for every node whose expected CPU
// or memory usage exceeds its high watermark, shed capacity from the
// most-over-provisioned-relative-to-demand engine there, one slot at a
// time, until usage is back under the midpoint or no candidates remain.
func (a *Autoscaler) nodePressureScaleIn(ctx context.Context, in *tickInputs) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scannerStore := scanner.NewStore(tx)
	rows, err := scannerStore.ListByStatuses(ctx, scanner.StatusEnable, scanner.StatusDisable, scanner.StatusWaiting)
	if err != nil {
		return fmt.Errorf("listing scanners: %w", err)
	}

	hosting := nodesHostingEngine(rows)
	byNode := groupByNode(rows)

	for nodeName, totals := range in.nodeTotals {
		scanners := byNode[nodeName]
		if len(scanners) == 0 {
			continue
		}

		cpuHighAbs := a.watermarks.CPUHigh * totals.CPU
		memHighAbs := a.watermarks.MemoryHigh * totals.Memory
		cpuMidAbs := midpoint(a.watermarks.CPULow, a.watermarks.CPUHigh) * totals.CPU
		memMidAbs := midpoint(a.watermarks.MemoryLow, a.watermarks.MemoryHigh) * totals.Memory

		cpuExpected, memExpected := a.expectedNodeUsage(in, nodeName, scanners)
		if cpuExpected <= cpuHighAbs && memExpected <= memHighAbs {
			continue
		}

		for len(scanners) > 0 {
			if cpuExpected <= cpuMidAbs && memExpected <= memMidAbs {
				break
			}

			groups := groupByEngine(scanners)
			sort.SliceStable(groups, func(i, j int) bool {
				ri := rank(
					assignedValue(in.catalog[groups[i].engine], sumMaxConcurrency(groups[i].scanners), hosting[groups[i].engine]),
					expectedValue(in.catalog[groups[i].engine], in.engineLoad[groups[i].engine]),
				)
				rj := rank(
					assignedValue(in.catalog[groups[j].engine], sumMaxConcurrency(groups[j].scanners), hosting[groups[j].engine]),
					expectedValue(in.catalog[groups[j].engine], in.engineLoad[groups[j].engine]),
				)
				return ri > rj
			})

			top := groups[0]
			sc := scannerWithMostCapacity(top.scanners)
			if sc == nil {
				scanners = dropEngine(scanners, top.engine)
				continue
			}

			adapter, err := a.registry.Get(top.engine)
			if err != nil {
				scanners = removeScanner(scanners, sc.ID)
				continue
			}
			target := engine.ScannerTarget{IP: sc.IP, Port: sc.Port, ReportFileType: sc.ReportFileType}
			if err := adapter.ScaleIn(ctx, target, 1); err != nil {
				a.logger.Warn("node pressure scale_in failed, dropping scanner from candidate pool",
					"scanner", sc.Name, "node", nodeName, "error", err)
				scanners = removeScanner(scanners, sc.ID)
				continue
			}

			newMax, err := scannerStore.DecrementMaxConcurrency(ctx, sc.ID, 1)
			if err != nil {
				return fmt.Errorf("decrementing max_concurrency for %s: %w", sc.Name, err)
			}
			if a.metrics != nil {
				a.metrics.ScannersScaledIn.WithLabelValues(top.engine, "node_pressure").Inc()
			}

			for i := range scanners {
				if scanners[i].ID == sc.ID {
					scanners[i].MaxConcurrency = newMax
				}
			}
			if newMax <= 0 {
				scanners = removeScanner(scanners, sc.ID)
			}

			cpuExpected, memExpected = a.expectedNodeUsage(in, nodeName, scanners)
		}
	}

	return tx.Commit(ctx)
}

// headroomScaleOut implements §4.6.3: for every node whose expected CPU and
// memory usage are both below their low watermarks, grow the most-starved
// engine there one slot at a time (VPA in place, or a new HPA pod) until the
// apply-line is reached or nothing can grow.
func (a *Autoscaler) headroomScaleOut(ctx context.Context, in *tickInputs) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scannerStore := scanner.NewStore(tx)
	rows, err := scannerStore.ListByStatuses(ctx, scanner.StatusEnable, scanner.StatusDisable, scanner.StatusWaiting)
	if err != nil {
		return fmt.Errorf("listing scanners: %w", err)
	}

	hosting := nodesHostingEngine(rows)
	byNode := groupByNode(rows)

	for nodeName, totals := range in.nodeTotals {
		scanners := byNode[nodeName]

		cpuLowAbs := a.watermarks.CPULow * totals.CPU
		memLowAbs := a.watermarks.MemoryLow * totals.Memory
		cpuApplyAbs := midpoint(a.watermarks.CPULow, a.watermarks.CPUHigh) * totals.CPU
		memApplyAbs := midpoint(a.watermarks.MemoryLow, a.watermarks.MemoryHigh) * totals.Memory

		cpuExpected, memExpected := a.expectedNodeUsage(in, nodeName, scanners)
		if cpuExpected >= cpuLowAbs || memExpected >= memLowAbs {
			continue
		}

		for {
			if cpuExpected >= cpuApplyAbs && memExpected >= memApplyAbs {
				break
			}

			names := rankedEngineNamesAscending(in, scanners, hosting)
			if len(names) == 0 {
				break
			}

			grew := false
			for _, engineName := range names {
				reg, ok := in.catalog[engineName]
				if !ok || (!reg.SupportsMode(scalercatalog.ModeVPA) && !reg.SupportsMode(scalercatalog.ModeHPA)) {
					continue
				}

				onNode := scannersOfEngine(scanners, engineName)
				useVPA := reg.SupportsMode(scalercatalog.ModeVPA) && len(onNode) > 0
				extraCPU := reg.CPUCost
				extraMem := reg.MemoryCost
				if !useVPA {
					extraCPU += reg.ExternalCPUCost
					extraMem += reg.ExternalMemoryCost
				}
				if cpuExpected+extraCPU > cpuApplyAbs || memExpected+extraMem > memApplyAbs {
					continue
				}

				if useVPA {
					target := scannerWithLeastCapacity(onNode)
					newMax, err := scannerStore.IncrementMaxConcurrency(ctx, target.ID, 1)
					if err != nil {
						return fmt.Errorf("incrementing max_concurrency for %s: %w", target.Name, err)
					}
					for i := range scanners {
						if scanners[i].ID == target.ID {
							scanners[i].MaxConcurrency = newMax
						}
					}
				} else {
					if reg.Host == "" {
						continue
					}
					if err := a.scalerHTTP.ScaleOutWithNode(ctx, reg.Host, reg.Port, nodeName); err != nil {
						a.logger.Warn("headroom scale-out request failed", "engine", engineName, "node", nodeName, "error", err)
						continue
					}
					// The new pod surfaces through the scanner registry on a
					// later tick; this tick's local estimate accounts for it
					// directly so the loop doesn't immediately re-offer it.
				}

				if a.metrics != nil {
					a.metrics.ScannersScaledOut.WithLabelValues(engineName).Inc()
				}
				cpuExpected += extraCPU
				memExpected += extraMem
				grew = true
				break
			}

			if !grew {
				break
			}
		}
	}

	return tx.Commit(ctx)
}

func sumMaxConcurrency(scanners []scanner.Scanner) int {
	var n int
	for _, sc := range scanners {
		n += sc.MaxConcurrency
	}
	return n
}

func scannerWithMostCapacity(scanners []scanner.Scanner) *scanner.Scanner {
	var best *scanner.Scanner
	for i := range scanners {
		if scanners[i].MaxConcurrency <= 0 {
			continue
		}
		if best == nil || scanners[i].MaxConcurrency > best.MaxConcurrency {
			best = &scanners[i]
		}
	}
	return best
}

func scannerWithLeastCapacity(scanners []scanner.Scanner) *scanner.Scanner {
	var best *scanner.Scanner
	for i := range scanners {
		if best == nil || scanners[i].MaxConcurrency < best.MaxConcurrency {
			best = &scanners[i]
		}
	}
	return best
}

func scannersOfEngine(scanners []scanner.Scanner, engineName string) []scanner.Scanner {
	var out []scanner.Scanner
	for _, sc := range scanners {
		if sc.Engine == engineName {
			out = append(out, sc)
		}
	}
	return out
}

func dropEngine(scanners []scanner.Scanner, engineName string) []scanner.Scanner {
	out := scanners[:0:0]
	for _, sc := range scanners {
		if sc.Engine != engineName {
			out = append(out, sc)
		}
	}
	return out
}

// rankedEngineNamesAscending ranks every catalog engine by assigned/expected
// ascending (most starved first), for headroom scale-out. Unlike node
// pressure's ranking, this considers every catalog engine, not only ones
// already present on the node, since an HPA-only engine may be growing onto
// a node it has no footprint on yet.
func rankedEngineNamesAscending(in *tickInputs, scanners []scanner.Scanner, hosting map[string]int) []string {
	names := make([]string, 0, len(in.catalog))
	for name := range in.catalog {
		names = append(names, name)
	}
	sort.SliceStable(names, func(i, j int) bool {
		ri := rank(
			assignedValue(in.catalog[names[i]], sumMaxConcurrency(scannersOfEngine(scanners, names[i])), hosting[names[i]]),
			expectedValue(in.catalog[names[i]], in.engineLoad[names[i]]),
		)
		rj := rank(
			assignedValue(in.catalog[names[j]], sumMaxConcurrency(scannersOfEngine(scanners, names[j])), hosting[names[j]]),
			expectedValue(in.catalog[names[j]], in.engineLoad[names[j]]),
		)
		return ri < rj
	})
	return names
}
