package index

import (
	"testing"

	"github.com/heroiclabs/nakama-index/segment"
)

type fakePostings struct {
	docs []int
	freq []int
	pos  [][]int
}

func (p *fakePostings) StartDoc(docID int, freq int) error {
	p.docs = append(p.docs, docID)
	p.freq = append(p.freq, freq)
	p.pos = append(p.pos, nil)
	return nil
}

func (p *fakePostings) AddPosition(position, startOffset, endOffset int, payload []byte) error {
	p.pos[len(p.pos)-1] = append(p.pos[len(p.pos)-1], position)
	return nil
}

func (p *fakePostings) FinishDoc() error { return nil }

type fakeTermsConsumer struct {
	terms    [][]byte
	postings map[string]*fakePostings
	stats    map[string]segment.TermStats
}

func (tc *fakeTermsConsumer) StartTerm(term []byte) (segment.PostingsConsumer, error) {
	cp := append([]byte(nil), term...)
	tc.terms = append(tc.terms, cp)
	pc := &fakePostings{}
	tc.postings[string(cp)] = pc
	return pc, nil
}

func (tc *fakeTermsConsumer) FinishTerm(term []byte, stats segment.TermStats) error {
	if term != nil {
		tc.stats[string(term)] = stats
	}
	return nil
}

type fakeFieldsConsumer struct {
	fields map[string]*fakeTermsConsumer
	order  []string
}

func (fc *fakeFieldsConsumer) AddField(field segment.FieldInfo) (segment.TermsConsumer, error) {
	tc := &fakeTermsConsumer{postings: make(map[string]*fakePostings), stats: make(map[string]segment.TermStats)}
	fc.fields[field.Name] = tc
	fc.order = append(fc.order, field.Name)
	return tc, nil
}

func (fc *fakeFieldsConsumer) Close() error { return nil }

func newFakeFieldsConsumer() *fakeFieldsConsumer {
	return &fakeFieldsConsumer{fields: make(map[string]*fakeTermsConsumer)}
}

func TestAccumulatorFlushProducesSortedTermsAndDocFreq(t *testing.T) {
	a := NewAccumulator()
	fs := FieldState{Info: segment.FieldInfo{
		Name:         "body",
		Indexed:      true,
		IndexOptions: segment.IndexOptionsDocsAndFreqsAndPositions,
	}}

	docs := []struct {
		docID int
		terms []string
	}{
		{0, []string{"zebra", "apple"}},
		{1, []string{"apple", "mango"}},
		{2, []string{"apple"}},
	}
	for _, d := range docs {
		for pos, term := range d.terms {
			if err := a.addTerm([]byte(term), DocState{DocID: d.docID}, fs, pos, pos*4, pos*4+3, nil); err != nil {
				t.Fatalf("addTerm(%q, doc %d): %v", term, d.docID, err)
			}
		}
	}

	fc := newFakeFieldsConsumer()
	liveDocs := newLiveDocs(3)
	if err := a.flush(fc, nil, liveDocs, nil); err != nil {
		t.Fatalf("flush: %v", err)
	}

	tc, ok := fc.fields["body"]
	if !ok {
		t.Fatalf("expected field %q to be flushed", "body")
	}

	wantOrder := []string{"apple", "mango", "zebra"}
	if len(tc.terms) != len(wantOrder) {
		t.Fatalf("got %d terms, want %d", len(tc.terms), len(wantOrder))
	}
	for i, want := range wantOrder {
		if string(tc.terms[i]) != want {
			t.Errorf("term %d = %q, want %q", i, tc.terms[i], want)
		}
	}

	appleDocs := tc.postings["apple"].docs
	if len(appleDocs) != 3 {
		t.Fatalf("apple appeared in %d docs, want 3", len(appleDocs))
	}
	for i, want := range []int{0, 1, 2} {
		if appleDocs[i] != want {
			t.Errorf("apple posting %d = doc %d, want %d", i, appleDocs[i], want)
		}
	}

	if stats := tc.stats["apple"]; stats.DocFreq != 3 {
		t.Errorf("apple docFreq = %d, want 3", stats.DocFreq)
	}
	if stats := tc.stats["zebra"]; stats.DocFreq != 1 {
		t.Errorf("zebra docFreq = %d, want 1", stats.DocFreq)
	}
}

func TestAccumulatorAddTermRejectsBackwardsDocID(t *testing.T) {
	a := NewAccumulator()
	fs := FieldState{Info: segment.FieldInfo{Name: "f", Indexed: true, IndexOptions: segment.IndexOptionsDocsAndFreqs}}

	if err := a.addTerm([]byte("x"), DocState{DocID: 5}, fs, 0, 0, 0, nil); err != nil {
		t.Fatalf("addTerm: %v", err)
	}
	if err := a.addTerm([]byte("x"), DocState{DocID: 2}, fs, 0, 0, 0, nil); err == nil {
		t.Fatalf("expected an error when docID goes backwards within a term")
	}
}

func TestAccumulatorAddTermRejectsUnindexedField(t *testing.T) {
	a := NewAccumulator()
	fs := FieldState{Info: segment.FieldInfo{Name: "f", Indexed: false}}
	if err := a.addTerm([]byte("x"), DocState{DocID: 0}, fs, 0, 0, 0, nil); err == nil {
		t.Fatalf("expected an error indexing into a non-indexed field")
	}
}

func TestAccumulatorAddDVRejectsTypeChange(t *testing.T) {
	a := NewAccumulator()
	info := segment.FieldInfo{Name: "score", DocValues: segment.DocValuesNumeric}
	if err := a.addDV(0, info, segment.DocValuesNumeric, 42, nil); err != nil {
		t.Fatalf("addDV numeric: %v", err)
	}
	if err := a.addDV(1, info, segment.DocValuesBinary, 0, []byte("x")); err == nil {
		t.Fatalf("expected an error changing a doc-value field's type")
	}
}

func TestAccumulatorResetClearsState(t *testing.T) {
	a := NewAccumulator()
	fs := FieldState{Info: segment.FieldInfo{Name: "f", Indexed: true, IndexOptions: segment.IndexOptionsDocs}}
	if err := a.addTerm([]byte("x"), DocState{DocID: 0}, fs, 0, 0, 0, nil); err != nil {
		t.Fatalf("addTerm: %v", err)
	}
	a.Reset()
	if len(a.fields) != 0 || len(a.fieldOrd) != 0 || a.numEntries != 0 {
		t.Errorf("Reset left state behind: fields=%d fieldOrd=%d numEntries=%d", len(a.fields), len(a.fieldOrd), a.numEntries)
	}
}
