package support

import (
	"bytes"
	"math/rand"
	"os"
	"sort"
	"testing"
)

func lessBytes(a, b []byte) bool { return bytes.Compare(a, b) < 0 }

func drain(t *testing.T, mr *MergedRecords) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		rec, err := mr.Next()
		if err != nil {
			break
		}
		out = append(out, append([]byte(nil), rec...))
	}
	return out
}

func TestExternalSorterInMemoryOnly(t *testing.T) {
	s := NewExternalSorter(1000, "", lessBytes)
	input := [][]byte{[]byte("banana"), []byte("apple"), []byte("cherry")}
	for _, r := range input {
		if err := s.Add(r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	mr, err := s.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	defer mr.Close()

	got := drain(t, mr)
	want := [][]byte{[]byte("apple"), []byte("banana"), []byte("cherry")}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExternalSorterSpillsAndMerges(t *testing.T) {
	dir := t.TempDir()
	s := NewExternalSorter(8, dir, lessBytes)

	r := rand.New(rand.NewSource(1))
	var all [][]byte
	for i := 0; i < 500; i++ {
		rec := make([]byte, 4)
		r.Read(rec)
		all = append(all, rec)
		if err := s.Add(rec); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	mr, err := s.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	defer mr.Close()

	got := drain(t, mr)
	if len(got) != len(all) {
		t.Fatalf("got %d records, want %d", len(got), len(all))
	}

	want := append([][]byte(nil), all...)
	sort.Slice(want, func(i, j int) bool { return lessBytes(want[i], want[j]) })
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d out of order: got %x, want %x", i, got[i], want[i])
		}
	}
}

func TestExternalSorterCloseRemovesRunFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewExternalSorter(2, dir, lessBytes)
	for i := 0; i < 10; i++ {
		if err := s.Add([]byte{byte(9 - i)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	mr, err := s.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	drain(t, mr)
	if err := mr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected run files removed, found %d entries", len(entries))
	}
}
