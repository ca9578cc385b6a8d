package autoscaler

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/cstcloud/vtscan/pkg/scalercatalog"
	"github.com/cstcloud/vtscan/pkg/scanner"
)

// TestExpectedNodeUsageMatchesNoScaleInScenario covers S5: a node with
// cpu_total=10, available=1, namespace_used=8 (so non-scanner load is 1) and
// one host-scan scanner at max_concurrency=4, cpu_cost=1.5. Expected usage is
// 1 + 4*1.5 = 7, under the high watermark (0.9*10=9), so node-pressure
// scale-in would not trigger.
func TestExpectedNodeUsageMatchesNoScaleInScenario(t *testing.T) {
	a := &Autoscaler{watermarks: Watermarks{CPUHigh: 0.9, CPULow: 0.8}}
	in := &tickInputs{
		nodeTotals:   map[string]NodeTotals{"n1": {CPU: 10}},
		cpuAvailable: map[string]float64{"n1": 1},
		nsCPUUsed:    map[string]float64{"n1": 8},
		catalog: map[string]scalercatalog.Registration{
			"host-scan": {CPUCost: 1.5},
		},
	}
	scanners := []scanner.Scanner{{Engine: "host-scan", NodeName: "n1", MaxConcurrency: 4}}

	cpu, _ := a.expectedNodeUsage(in, "n1", scanners)
	if cpu != 7 {
		t.Fatalf("expectedNodeUsage cpu = %v, want 7", cpu)
	}

	totals := in.nodeTotals["n1"]
	cpuHighAbs := a.watermarks.CPUHigh * totals.CPU
	if cpu > cpuHighAbs {
		t.Fatalf("cpu %v exceeds high watermark %v, scale-in would trigger", cpu, cpuHighAbs)
	}

	// At max_concurrency=5 usage reaches exactly the mid-line (the
	// apply-line headroom scale-out grows toward): 1 + 5*1.5 = 8.5, and
	// midpoint(0.8, 0.9)*10 = 8.5. Being at, not under, the line means
	// headroom scale-out would not grow further either.
	scanners[0].MaxConcurrency = 5
	cpu, _ = a.expectedNodeUsage(in, "n1", scanners)
	if cpu != 8.5 {
		t.Fatalf("expectedNodeUsage cpu = %v, want 8.5", cpu)
	}
	cpuMidAbs := midpoint(a.watermarks.CPULow, a.watermarks.CPUHigh) * totals.CPU
	if cpuMidAbs != 8.5 {
		t.Fatalf("cpuMidAbs = %v, want 8.5", cpuMidAbs)
	}
	if cpu > cpuMidAbs {
		t.Fatalf("cpu %v exceeds mid-line %v, headroom scale-out would grow further", cpu, cpuMidAbs)
	}
}

func TestMidpoint(t *testing.T) {
	if got := midpoint(0.7, 0.9); got != 0.8 {
		t.Fatalf("midpoint(0.7, 0.9) = %v, want 0.8", got)
	}
}

func TestEngineWeight(t *testing.T) {
	reg := scalercatalog.Registration{CPUCost: 0.5, TimeCost: 10}
	if got := engineWeight(reg); got != 5 {
		t.Fatalf("engineWeight = %v, want 5", got)
	}
}

func TestAssignedValueProratesExternalCost(t *testing.T) {
	reg := scalercatalog.Registration{CPUCost: 1, TimeCost: 2, ExternalCPUCost: 4}
	got := assignedValue(reg, 3, 2)
	// weight=2, 2*3=6, external prorated = (4*2)/2 = 4, total 10.
	if got != 10 {
		t.Fatalf("assignedValue = %v, want 10", got)
	}
}

func TestAssignedValueNoHostingNodesSkipsExternal(t *testing.T) {
	reg := scalercatalog.Registration{CPUCost: 1, TimeCost: 1, ExternalCPUCost: 99}
	got := assignedValue(reg, 1, 0)
	if got != 1 {
		t.Fatalf("assignedValue = %v, want 1 (no external cost with zero hosting nodes)", got)
	}
}

func TestRankZeroExpectedWithAssignedIsInfinite(t *testing.T) {
	if got := rank(5, 0); !math.IsInf(got, 1) {
		t.Fatalf("rank(5, 0) = %v, want +Inf", got)
	}
}

func TestRankZeroExpectedZeroAssignedIsZero(t *testing.T) {
	if got := rank(0, 0); got != 0 {
		t.Fatalf("rank(0, 0) = %v, want 0", got)
	}
}

func TestRankOrdinary(t *testing.T) {
	if got := rank(10, 4); got != 2.5 {
		t.Fatalf("rank(10, 4) = %v, want 2.5", got)
	}
}

func TestGroupByEngineGroupsAndPreservesFirstSeenOrder(t *testing.T) {
	scanners := []scanner.Scanner{
		{Name: "a1", Engine: "zap"},
		{Name: "b1", Engine: "openvas"},
		{Name: "a2", Engine: "zap"},
	}
	groups := groupByEngine(scanners)
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if groups[0].engine != "zap" || len(groups[0].scanners) != 2 {
		t.Fatalf("unexpected first group: %+v", groups[0])
	}
	if groups[1].engine != "openvas" || len(groups[1].scanners) != 1 {
		t.Fatalf("unexpected second group: %+v", groups[1])
	}
}

func TestScannerWithMostCapacitySkipsZero(t *testing.T) {
	scanners := []scanner.Scanner{
		{Name: "empty", MaxConcurrency: 0},
		{Name: "small", MaxConcurrency: 2},
		{Name: "big", MaxConcurrency: 5},
	}
	got := scannerWithMostCapacity(scanners)
	if got == nil || got.Name != "big" {
		t.Fatalf("scannerWithMostCapacity = %+v, want big", got)
	}
}

func TestScannerWithMostCapacityAllZero(t *testing.T) {
	scanners := []scanner.Scanner{{Name: "a"}, {Name: "b"}}
	if got := scannerWithMostCapacity(scanners); got != nil {
		t.Fatalf("scannerWithMostCapacity = %+v, want nil", got)
	}
}

func TestScannerWithLeastCapacity(t *testing.T) {
	scanners := []scanner.Scanner{
		{Name: "big", MaxConcurrency: 5},
		{Name: "small", MaxConcurrency: 1},
	}
	got := scannerWithLeastCapacity(scanners)
	if got == nil || got.Name != "small" {
		t.Fatalf("scannerWithLeastCapacity = %+v, want small", got)
	}
}

func TestNodesHostingEngineCountsDistinctNodes(t *testing.T) {
	rows := []scanner.Scanner{
		{Engine: "zap", NodeName: "node-a"},
		{Engine: "zap", NodeName: "node-a"},
		{Engine: "zap", NodeName: "node-b"},
		{Engine: "openvas", NodeName: "node-a"},
	}
	hosting := nodesHostingEngine(rows)
	if hosting["zap"] != 2 {
		t.Fatalf("hosting[zap] = %d, want 2", hosting["zap"])
	}
	if hosting["openvas"] != 1 {
		t.Fatalf("hosting[openvas] = %d, want 1", hosting["openvas"])
	}
}

func TestRemoveScannerDropsOnlyMatchingID(t *testing.T) {
	keep := uuid.New()
	drop := uuid.New()
	scanners := []scanner.Scanner{{ID: keep}, {ID: drop}}
	got := removeScanner(scanners, drop)
	if len(got) != 1 || got[0].ID != keep {
		t.Fatalf("removeScanner result = %+v, want only %v", got, keep)
	}
}

func TestDropEngineRemovesAllScannersOfThatEngine(t *testing.T) {
	scanners := []scanner.Scanner{
		{Name: "a", Engine: "zap"},
		{Name: "b", Engine: "openvas"},
		{Name: "c", Engine: "zap"},
	}
	got := dropEngine(scanners, "zap")
	if len(got) != 1 || got[0].Engine != "openvas" {
		t.Fatalf("dropEngine result = %+v, want only openvas", got)
	}
}
