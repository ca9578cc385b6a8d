package scalercatalog

import "testing"

func TestRegistrationFromLabelsSkipsMissingEngineOrType(t *testing.T) {
	_, ok, err := registrationFromLabels(map[string]string{"type": "HPA"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected skip when engine label is missing")
	}

	_, ok, err = registrationFromLabels(map[string]string{"engine": "openvas"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected skip when type label is missing")
	}
}

func TestRegistrationFromLabelsParsesCosts(t *testing.T) {
	reg, ok, err := registrationFromLabels(map[string]string{
		"engine":               "openvas",
		"type":                 "HPA|VPA",
		"cpu_cost":             "0.5",
		"memory_cost":          "268435456",
		"time_cost":            "300",
		"external_cpu_cost":    "1",
		"external_memory_cost": "536870912",
		"port":                 "9390",
	})
	if err != nil {
		t.Fatalf("registrationFromLabels: %v", err)
	}
	if !ok {
		t.Fatal("expected registration to be accepted")
	}
	if reg.Engine != "openvas" {
		t.Fatalf("engine = %q, want openvas", reg.Engine)
	}
	if !reg.SupportsMode(ModeHPA) || !reg.SupportsMode(ModeVPA) {
		t.Fatalf("modes = %v, want both HPA and VPA", reg.Modes)
	}
	if reg.CPUCost != 0.5 || reg.ExternalCPUCost != 1 {
		t.Fatalf("cpu costs = %v/%v, want 0.5/1", reg.CPUCost, reg.ExternalCPUCost)
	}
	if reg.Port != 9390 {
		t.Fatalf("port = %d, want 9390", reg.Port)
	}
}

func TestRegistrationFromLabelsRejectsBadCost(t *testing.T) {
	_, _, err := registrationFromLabels(map[string]string{
		"engine":   "openvas",
		"type":     "HPA",
		"cpu_cost": "not-a-number",
	})
	if err == nil {
		t.Fatal("expected an error for a malformed cpu_cost label")
	}
}

func TestSplitModes(t *testing.T) {
	got := splitModes("HPA|VPA")
	if len(got) != 2 || got[0] != "HPA" || got[1] != "VPA" {
		t.Fatalf("splitModes = %v, want [HPA VPA]", got)
	}
}
