package hostscan

import "testing"

func TestFindingMergerDedupesByKey(t *testing.T) {
	m := newFindingMerger()
	m.add([]byte("oid-1 high finding on host a\noid-2 medium finding on host a\n"))
	m.add([]byte("oid-1 high finding on host b\noid-3 low finding on host b\n"))

	got := string(m.bytes())
	want := "oid-1 high finding on host a\noid-2 medium finding on host a\noid-3 low finding on host b\n"
	if got != want {
		t.Fatalf("merged findings = %q, want %q", got, want)
	}
}

func TestFindingMergerSkipsBlankLines(t *testing.T) {
	m := newFindingMerger()
	m.add([]byte("oid-1 a finding\n\noid-2 another finding\n"))

	if len(m.lines) != 2 {
		t.Fatalf("expected 2 findings, got %d: %v", len(m.lines), m.lines)
	}
}
