package integrity

import (
	"testing"

	"github.com/heroiclabs/nakama-index/index"
	"github.com/heroiclabs/nakama-index/segment"
)

func TestCheckIndexCleanOnEmptyManifest(t *testing.T) {
	dir := index.NewMemoryDirectory()
	m := index.NewManifest(index.NewSegmentInfos(), nil)
	if err := m.Commit(dir); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	report, err := CheckIndex(dir, Options{}, nil)
	if err != nil {
		t.Fatalf("CheckIndex: %v", err)
	}
	if !report.Clean {
		t.Fatalf("expected a clean report on a fresh empty index, got %+v", report.Failures)
	}
	if len(report.Segments) != 0 {
		t.Errorf("expected no segments, got %d", len(report.Segments))
	}
}

func TestCheckIndexAggregateCounterViolation(t *testing.T) {
	dir := index.NewMemoryDirectory()
	infos := index.NewSegmentInfos()
	infos.Counter = 0 // deliberately not advanced past the segment name below

	m := index.NewManifest(infos, nil)
	if err := m.Commit(dir); err != nil {
		t.Fatalf("initial Commit: %v", err)
	}

	// Hand-craft a manifest whose counter no longer exceeds the segment
	// name's numeric suffix, the violation checkAggregate looks for.
	bad := index.NewSegmentInfos()
	bad.Counter = 0
	bad.Segments = append(bad.Segments, &index.SegmentCommitInfo{
		Info:          segment.SegmentInfo{Name: "_5", Codec: "nak1"},
		DelGen:        -1,
		FieldInfosGen: -1,
		DVUpdateFiles: map[int64]map[string]struct{}{},
	})
	m.ReplaceInfos(bad)
	if err := m.Commit(dir); err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	report, err := CheckIndex(dir, Options{Segments: nil}, nil)
	if err != nil {
		t.Fatalf("CheckIndex: %v", err)
	}
	// The segment itself (named "_5" with no actual on-disk files) will
	// also fail to open as a reader; either way the report must not be
	// clean, and with no -segment subset the aggregate check also ran.
	if report.Clean {
		t.Fatalf("expected a dirty report for a counter that does not exceed every segment suffix")
	}
}

func TestReportOKOnNoFailures(t *testing.T) {
	sr := SegmentReport{Name: "_1"}
	if !sr.OK() {
		t.Errorf("expected SegmentReport with no Failures to report OK")
	}
	sr.Failures = append(sr.Failures, CheckFailure{Step: "x", Reason: "y"})
	if sr.OK() {
		t.Errorf("expected SegmentReport with a Failure to not report OK")
	}
}

func TestCheckFailureErrorFormatting(t *testing.T) {
	f := CheckFailure{Segment: "_1", Step: "terms", Reason: "out of order"}
	got := f.Error()
	want := "_1: terms: out of order"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
