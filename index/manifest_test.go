package index

import (
	"testing"

	"github.com/heroiclabs/nakama-index/segment"
)

func TestManifestCommitRoundTrip(t *testing.T) {
	dir := NewMemoryDirectory()
	infos := NewSegmentInfos()
	name := infos.NewSegmentName()
	sc := newSegmentCommitInfo(segment.SegmentInfo{Name: name, Codec: "nak1"})
	infos.Segments = append(infos.Segments, sc)
	infos.UserData["k"] = "v"

	m := NewManifest(infos, nil)
	if err := m.Commit(dir); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reopened, err := OpenSegmentInfos(dir)
	if err != nil {
		t.Fatalf("OpenSegmentInfos: %v", err)
	}
	if len(reopened.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(reopened.Segments))
	}
	if reopened.Segments[0].Info.Name != name {
		t.Errorf("segment name = %q, want %q", reopened.Segments[0].Info.Name, name)
	}
	if reopened.UserData["k"] != "v" {
		t.Errorf("userData[k] = %q, want %q", reopened.UserData["k"], "v")
	}
	if reopened.Counter != infos.Counter {
		t.Errorf("counter = %d, want %d", reopened.Counter, infos.Counter)
	}
}

func TestManifestCommitBumpsVersionAndGeneration(t *testing.T) {
	dir := NewMemoryDirectory()
	infos := NewSegmentInfos()
	m := NewManifest(infos, nil)

	startVersion := infos.Version
	if err := m.Commit(dir); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if infos.Version != startVersion+1 {
		t.Errorf("version after first commit = %d, want %d", infos.Version, startVersion+1)
	}
	gen1 := infos.Generation

	if err := m.Commit(dir); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if infos.Generation != gen1+1 {
		t.Errorf("generation after second commit = %d, want %d", infos.Generation, gen1+1)
	}
	if infos.Version != startVersion+2 {
		t.Errorf("version after second commit = %d, want %d", infos.Version, startVersion+2)
	}
}

func TestManifestRollbackLeavesNoPartialFile(t *testing.T) {
	dir := NewMemoryDirectory()
	infos := NewSegmentInfos()
	m := NewManifest(infos, nil)

	if err := m.prepareCommit(dir); err != nil {
		t.Fatalf("prepareCommit: %v", err)
	}
	pending := m.pendingName
	if err := m.rollbackCommit(dir); err != nil {
		t.Fatalf("rollbackCommit: %v", err)
	}

	names, err := dir.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, n := range names {
		if n == pending {
			t.Errorf("rollback left partial file %q on disk", pending)
		}
	}

	// A retry after rollback must pick a new, higher generation number,
	// never reusing the rolled-back one.
	if err := m.Commit(dir); err != nil {
		t.Fatalf("retry Commit: %v", err)
	}
	if got := segmentsFileName(m.Infos().Generation); got == pending {
		t.Errorf("retry reused rolled-back generation file %q", pending)
	}
}

func TestReplaceInfosSwapsWorkingSet(t *testing.T) {
	m := NewManifest(NewSegmentInfos(), nil)
	next := NewSegmentInfos()
	next.UserData["marker"] = "replaced"
	m.ReplaceInfos(next)
	if m.Infos().UserData["marker"] != "replaced" {
		t.Errorf("ReplaceInfos did not swap the working SegmentInfos")
	}
}

func TestParseSegmentNameSuffixRoundTrip(t *testing.T) {
	infos := NewSegmentInfos()
	infos.Counter = 42
	name := infos.NewSegmentName()
	suffix, err := ParseSegmentNameSuffix(name)
	if err != nil {
		t.Fatalf("ParseSegmentNameSuffix(%q): %v", name, err)
	}
	if suffix != 42 {
		t.Errorf("suffix = %d, want 42", suffix)
	}

	if _, err := ParseSegmentNameSuffix("noPrefix"); err == nil {
		t.Errorf("expected error for a name missing the '_' prefix")
	}
}
