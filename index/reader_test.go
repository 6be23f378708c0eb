// Copyright 2024 The Nakama-Index Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package index

import (
	"context"
	"testing"

	"github.com/heroiclabs/nakama-index/segment"
)

func textField(name string, terms ...string) Field {
	toks := make([]Token, len(terms))
	for i, term := range terms {
		toks[i] = Token{Term: []byte(term), Position: i, StartOffset: i, EndOffset: i + len(term)}
	}
	return Field{
		Info:   segment.FieldInfo{Name: name, Indexed: true, IndexOptions: segment.IndexOptionsDocsAndFreqsAndPositionsAndOffsets},
		Tokens: toks,
	}
}

func writeTestSegment(t *testing.T, dir Directory) *Writer {
	t.Helper()
	w, err := OpenWriter(dir, NewConfig(), nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	return w
}

func TestReaderRoundTripTermsStoredAndDocValues(t *testing.T) {
	dir := NewMemoryDirectory()
	w := writeTestSegment(t, dir)

	docs := []struct {
		body  string
		title string
		rank  int64
	}{
		{"the quick brown fox", "doc-a", 10},
		{"the lazy dog", "doc-b", 20},
		{"quick fox jumps", "doc-c", 30},
	}

	for _, d := range docs {
		fields := []Field{
			textField("body", splitWords(d.body)...),
			{Info: segment.FieldInfo{Name: "title"}, Stored: []byte(d.title)},
			{Info: segment.FieldInfo{Name: "rank", DocValues: segment.DocValuesNumeric}, Numeric: d.rank},
		}
		if err := w.AddDocument(context.Background(), fields); err != nil {
			t.Fatalf("AddDocument: %v", err)
		}
	}

	if err := w.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	readers, err := w.OpenReaders()
	if err != nil {
		t.Fatalf("OpenReaders: %v", err)
	}
	if len(readers) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(readers))
	}
	r := readers[0]
	defer r.Close()

	if r.MaxDoc() != len(docs) {
		t.Fatalf("MaxDoc = %d, want %d", r.MaxDoc(), len(docs))
	}
	if r.NumDocs() != len(docs) {
		t.Fatalf("NumDocs = %d, want %d", r.NumDocs(), len(docs))
	}

	dict, err := r.Dictionary("body")
	if err != nil {
		t.Fatalf("Dictionary: %v", err)
	}
	pl, err := dict.PostingsList([]byte("quick"), nil)
	if err != nil {
		t.Fatalf("PostingsList: %v", err)
	}
	var gotDocs []int
	for {
		p, err := pl.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if p == nil {
			break
		}
		gotDocs = append(gotDocs, int(p.Number()))
	}
	if len(gotDocs) != 2 || gotDocs[0] != 0 || gotDocs[1] != 2 {
		t.Fatalf("quick postings = %v, want [0 2]", gotDocs)
	}

	sf := r.StoredFields()
	for docID, d := range docs {
		var got string
		if err := sf.VisitDocument(uint64(docID), func(field string, value []byte) bool {
			if field == "title" {
				got = string(value)
			}
			return true
		}); err != nil {
			t.Fatalf("VisitDocument(%d): %v", docID, err)
		}
		if got != d.title {
			t.Fatalf("doc %d title = %q, want %q", docID, got, d.title)
		}
	}

	numeric, err := r.DocValues().Numeric("rank")
	if err != nil {
		t.Fatalf("Numeric: %v", err)
	}
	for docID, d := range docs {
		v, ok := numeric.Get(docID)
		if !ok {
			t.Fatalf("doc %d: no rank value", docID)
		}
		if v != d.rank {
			t.Fatalf("doc %d rank = %d, want %d", docID, v, d.rank)
		}
	}
}

func splitWords(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}

func TestReaderPersistLiveDocsAndReopenSharesCore(t *testing.T) {
	dir := NewMemoryDirectory()
	w := writeTestSegment(t, dir)

	for i := 0; i < 3; i++ {
		if err := w.AddDocument(context.Background(), []Field{textField("body", "hello")}); err != nil {
			t.Fatalf("AddDocument: %v", err)
		}
	}
	if err := w.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	readers, err := w.OpenReaders()
	if err != nil {
		t.Fatalf("OpenReaders: %v", err)
	}
	r := readers[0]

	if !r.LiveDocs().Test(1) {
		t.Fatalf("doc 1 expected live before deletion")
	}

	beforeRefs := r.core.refCount.Load()

	r.live.Clear(1)
	if err := r.PersistLiveDocs(1); err != nil {
		t.Fatalf("PersistLiveDocs: %v", err)
	}

	sci := w.manifest.Infos().Segments[0]
	newSCI := &SegmentCommitInfo{Info: sci.Info, DelGen: 1, DelCount: 1}

	reopened, err := r.Reopen(newSCI)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.core != r.core {
		t.Fatalf("Reopen should share the unchanged core")
	}
	if reopened.core.refCount.Load() != beforeRefs+1 {
		t.Fatalf("refCount after reopen = %d, want %d", reopened.core.refCount.Load(), beforeRefs+1)
	}
	if reopened.LiveDocs().Test(1) {
		t.Fatalf("doc 1 should no longer be live after reopen")
	}
	if !reopened.LiveDocs().Test(0) || !reopened.LiveDocs().Test(2) {
		t.Fatalf("docs 0 and 2 should still be live after reopen")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close original reader: %v", err)
	}
}

func TestReaderTermsWithPrefix(t *testing.T) {
	dir := NewMemoryDirectory()
	w := writeTestSegment(t, dir)

	if err := w.AddDocument(context.Background(), []Field{textField("body", "cat", "car", "dog", "cart")}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := w.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	readers, err := w.OpenReaders()
	if err != nil {
		t.Fatalf("OpenReaders: %v", err)
	}
	r := readers[0]
	defer r.Close()

	got, err := r.TermsWithPrefix("body", []byte("ca"))
	if err != nil {
		t.Fatalf("TermsWithPrefix: %v", err)
	}
	want := map[string]bool{"cat": true, "car": true, "cart": true}
	if len(got) != len(want) {
		t.Fatalf("TermsWithPrefix(ca) = %v, want terms matching %v", got, want)
	}
	for _, term := range got {
		if !want[string(term)] {
			t.Fatalf("unexpected term %q in prefix match", term)
		}
	}

	none, err := r.TermsWithPrefix("body", []byte("xyz"))
	if err != nil {
		t.Fatalf("TermsWithPrefix(xyz): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("TermsWithPrefix(xyz) = %v, want none", none)
	}
}
