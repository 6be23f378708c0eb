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
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/heroiclabs/nakama-index/segment"
)

// DocState carries the one piece of per-call state addTerm/addDV need
// about the document currently being indexed by this thread's slot.
type DocState struct {
	DocID int
}

// FieldState is the per-field indexing configuration the caller supplies
// alongside each addTerm call; it is immutable for the field's lifetime
// in this segment (data-model invariant 5).
type FieldState struct {
	Info segment.FieldInfo
}

// postingTerm is the per-term slab: five parallel scalars tracking delta
// state, plus the byte slabs the deltas are written into. Structured the
// way the teacher's ice/v2 "interim" struct structures per-term state
// (vendor/.../ice/v2/new.go), but the wire shape here is spec's literal
// delta/varint scheme rather than a roaring-bitmap postings list.
type postingTerm struct {
	lastDocID    int
	currentDocID int
	open         bool
	termFreq     int
	lastPosition int
	lastStartOff int

	docFreq          int
	sumTotalTermFreq int64

	postings  bytes.Buffer
	positions bytes.Buffer
}

type fieldAccumulator struct {
	info     segment.FieldInfo
	termIDs  map[string]int
	terms    []*postingTerm
	termText [][]byte
}

func newFieldAccumulator(info segment.FieldInfo) *fieldAccumulator {
	return &fieldAccumulator{
		info:    info,
		termIDs: make(map[string]int),
	}
}

func (f *fieldAccumulator) termID(term []byte, isNew bool) (int, *postingTerm) {
	id, ok := f.termIDs[string(term)]
	if ok {
		return id, f.terms[id]
	}
	id = len(f.terms)
	f.termIDs[string(term)] = id
	t := &postingTerm{lastDocID: -1}
	f.terms = append(f.terms, t)
	txt := make([]byte, len(term))
	copy(txt, term)
	f.termText = append(f.termText, txt)
	return id, t
}

// dvAccumulator collects one doc-value field's per-doc values until flush;
// SORTED and SORTED_SET values stay raw bytes (each its own copied slice)
// until ordinals are assigned at flush.
type dvAccumulator struct {
	kind segment.DocValuesType

	numeric []segment.NumericDocValue
	binary  []segment.BinaryDocValue

	sortedDoc []int
	sortedVal [][]byte

	sortedSetDoc []int
	sortedSetVal [][][]byte
}

// Accumulator is the per-thread-state posting accumulator (C1). It is
// owned exclusively by one thread-state slot (C2) at a time and is
// single-threaded internally, matching spec §4.2's "inside a slot the
// code is single-threaded" guarantee.
type Accumulator struct {
	fields   map[string]*fieldAccumulator
	fieldOrd []string

	dvFields map[string]*dvAccumulator

	numEntries int64
	maxEntries int64

	docCount int
}

const defaultMaxAccumulatorEntries = 1<<31 - 1 // INT32_MAX, per spec §4.1 failure semantics

// NewAccumulator returns a freshly reset accumulator, as handed out by the
// C2 thread-state pool's sync.Pool of reusable slabs.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		fields:     make(map[string]*fieldAccumulator),
		dvFields:   make(map[string]*dvAccumulator),
		maxEntries: defaultMaxAccumulatorEntries,
	}
}

// Reset clears an accumulator for reuse, mirroring the teacher's
// sync.Pool reuse of ice/v2's interim struct across flushes instead of
// reallocating one per thread-state acquisition.
func (a *Accumulator) Reset() {
	for k := range a.fields {
		delete(a.fields, k)
	}
	a.fieldOrd = a.fieldOrd[:0]
	for k := range a.dvFields {
		delete(a.dvFields, k)
	}
	a.numEntries = 0
	a.docCount = 0
}

func (a *Accumulator) fieldFor(fs FieldState) *fieldAccumulator {
	fa, ok := a.fields[fs.Info.Name]
	if !ok {
		fa = newFieldAccumulator(fs.Info)
		a.fields[fs.Info.Name] = fa
		a.fieldOrd = append(a.fieldOrd, fs.Info.Name)
	}
	return fa
}

func (a *Accumulator) finalizeOpenDoc(fa *fieldAccumulator, t *postingTerm) {
	if !t.open {
		return
	}
	delta := t.currentDocID - t.lastDocID
	if fa.info.IndexOptions.HasFreqs() {
		code := uint64(delta) << 1
		if t.termFreq == 1 {
			code |= 1
		}
		writeUvarint(&t.postings, code)
		if t.termFreq != 1 {
			writeUvarint(&t.postings, uint64(t.termFreq))
		}
	} else {
		writeUvarint(&t.postings, uint64(delta))
	}
	t.lastDocID = t.currentDocID
	t.sumTotalTermFreq += int64(t.termFreq)
	t.termFreq = 0
	t.lastPosition = 0
	t.lastStartOff = 0
	t.open = false
}

// newTerm is the first occurrence of a term in this segment; it behaves
// identically to addTerm but is exposed separately because the codec
// side (term interning) differs for a brand-new term versus a repeat
// occurrence, matching spec §4.1's public contract split.
func (a *Accumulator) newTerm(term []byte, docState DocState, fs FieldState, position, startOffset, endOffset int, payload []byte) error {
	return a.addTerm(term, docState, fs, position, startOffset, endOffset, payload)
}

// addTerm appends one occurrence. docState.DocID must be >= the last
// docID observed for this term (spec §4.1).
func (a *Accumulator) addTerm(term []byte, docState DocState, fs FieldState, position, startOffset, endOffset int, payload []byte) error {
	if !fs.Info.Indexed {
		return &SchemaConflictError{Field: fs.Info.Name, Reason: "field is not declared indexed"}
	}
	if fs.Info.HasPayloads && !fs.Info.IndexOptions.HasPositions() {
		return &SchemaConflictError{Field: fs.Info.Name, Reason: "payloads require positions to be enabled"}
	}
	if fs.Info.IndexOptions.HasOffsets() && !fs.Info.IndexOptions.HasPositions() {
		return &SchemaConflictError{Field: fs.Info.Name, Reason: "offsets require positions to be enabled"}
	}

	fa := a.fieldFor(fs)
	_, t := fa.termID(term, false)

	if t.currentDocID != docState.DocID || !t.open {
		if docState.DocID < t.lastDocID || (t.open && docState.DocID < t.currentDocID) {
			return &CorruptIndexError{Reason: "docID went backwards within a term"}
		}
		a.finalizeOpenDoc(fa, t)
		t.currentDocID = docState.DocID
		t.open = true
		t.docFreq++
	}

	if fs.Info.IndexOptions.HasPositions() {
		deltaPos := position - t.lastPosition
		hasPayload := len(payload) > 0
		code := uint64(deltaPos) << 1
		if hasPayload {
			code |= 1
		}
		writeUvarint(&t.positions, code)
		if hasPayload {
			writeUvarint(&t.positions, uint64(len(payload)))
			t.positions.Write(payload)
		}
		t.lastPosition = position

		if fs.Info.IndexOptions.HasOffsets() {
			if endOffset < startOffset {
				return &CorruptIndexError{Reason: "endOffset < startOffset"}
			}
			writeUvarint(&t.positions, uint64(startOffset-t.lastStartOff))
			writeUvarint(&t.positions, uint64(endOffset-startOffset))
			t.lastStartOff = startOffset
		}
	}

	t.termFreq++
	a.numEntries++
	if a.numEntries > a.maxEntries {
		return &CapacityExceededError{Field: fs.Info.Name, Limit: a.maxEntries}
	}
	return nil
}

// addDV appends a doc-value for the given type; fails with
// SchemaConflictError if the field already holds a different type
// (data-model invariant 6).
func (a *Accumulator) addDV(docID int, info segment.FieldInfo, kind segment.DocValuesType, numeric int64, binary []byte) error {
	dv, ok := a.dvFields[info.Name]
	if !ok {
		dv = &dvAccumulator{kind: kind}
		a.dvFields[info.Name] = dv
	} else if dv.kind != kind {
		return &SchemaConflictError{Field: info.Name, Reason: "doc-value type cannot change once chosen"}
	}

	switch kind {
	case segment.DocValuesNumeric:
		dv.numeric = append(dv.numeric, segment.NumericDocValue{DocID: docID, Value: numeric})
	case segment.DocValuesBinary:
		cp := make([]byte, len(binary))
		copy(cp, binary)
		dv.binary = append(dv.binary, segment.BinaryDocValue{DocID: docID, Value: cp})
	case segment.DocValuesSorted:
		cp := make([]byte, len(binary))
		copy(cp, binary)
		dv.sortedDoc = append(dv.sortedDoc, docID)
		dv.sortedVal = append(dv.sortedVal, cp)
	case segment.DocValuesSortedSet:
		return &SchemaConflictError{Field: info.Name, Reason: "sorted-set values must be added via addDVSortedSet"}
	}
	return nil
}

// addDVSortedSet appends the ascending, deduplicated set of values for one
// document to a SORTED_SET field.
func (a *Accumulator) addDVSortedSet(docID int, info segment.FieldInfo, values [][]byte) error {
	dv, ok := a.dvFields[info.Name]
	if !ok {
		dv = &dvAccumulator{kind: segment.DocValuesSortedSet}
		a.dvFields[info.Name] = dv
	} else if dv.kind != segment.DocValuesSortedSet {
		return &SchemaConflictError{Field: info.Name, Reason: "doc-value type cannot change once chosen"}
	}
	cp := make([][]byte, len(values))
	for i, v := range values {
		b := make([]byte, len(v))
		copy(b, v)
		cp[i] = b
	}
	sort.Slice(cp, func(i, j int) bool { return bytes.Compare(cp[i], cp[j]) < 0 })
	// dedup
	out := cp[:0]
	for i, v := range cp {
		if i == 0 || !bytes.Equal(v, out[len(out)-1]) {
			out = append(out, v)
		}
	}
	dv.sortedSetDoc = append(dv.sortedSetDoc, docID)
	dv.sortedSetVal = append(dv.sortedSetVal, out)
	return nil
}

// flush streams every accumulated field's postings to the codec's
// FieldsConsumer, sorted ascending by term under the field comparator,
// folding in any pending term-level deletes the writer has queued.
// deletesByTerm maps "field\x00term" -> docUpToExclusive; any doc less
// than that bound is cleared in liveDocs (not skipped from postings),
// preserving determinism per spec §4.1.
func (a *Accumulator) flush(consumer segment.FieldsConsumer, dvConsumer segment.DocValuesConsumer, liveDocs segment.MutableBits, deletesByTerm map[string]int) error {
	sortedFields := append([]string(nil), a.fieldOrd...)
	sort.Strings(sortedFields)

	for _, fname := range sortedFields {
		fa := a.fields[fname]
		termsConsumer, err := consumer.AddField(fa.info)
		if err != nil {
			return err
		}

		order := make([]int, len(fa.terms))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool {
			return bytes.Compare(fa.termText[order[i]], fa.termText[order[j]]) < 0
		})

		for _, idx := range order {
			t := fa.terms[idx]
			a.finalizeOpenDoc(fa, t)

			postingsConsumer, err := termsConsumer.StartTerm(fa.termText[idx])
			if err != nil {
				return err
			}

			delKey := fname + "\x00" + string(fa.termText[idx])
			if err := decodePostings(fa.info, t, postingsConsumer, liveDocs, delKey, deletesByTerm); err != nil {
				return err
			}

			if err := termsConsumer.FinishTerm(fa.termText[idx], segment.TermStats{
				DocFreq:       t.docFreq,
				TotalTermFreq: t.sumTotalTermFreq,
			}); err != nil {
				return err
			}
		}
		if err := termsConsumer.FinishTerm(nil, segment.TermStats{}); err != nil {
			_ = err // codecs that do not need an explicit field-end signal ignore nil
		}
	}
	if err := consumer.Close(); err != nil {
		return err
	}
	return a.flushDocValues(dvConsumer)
}

// flushDocValues assigns ordinals for SORTED/SORTED_SET fields (distinct
// byte strings sorted under unsigned byte order, per spec §4.1's
// "Sorted/sorted-set DV" rule) and hands every field's values to the
// codec's DocValuesConsumer.
func (a *Accumulator) flushDocValues(consumer segment.DocValuesConsumer) error {
	if consumer == nil || len(a.dvFields) == 0 {
		return nil
	}

	names := make([]string, 0, len(a.dvFields))
	for name := range a.dvFields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dv := a.dvFields[name]
		info := segment.FieldInfo{Name: name, DocValues: dv.kind}

		switch dv.kind {
		case segment.DocValuesNumeric:
			if err := consumer.AddNumericField(info, dv.numeric); err != nil {
				return err
			}
		case segment.DocValuesBinary:
			if err := consumer.AddBinaryField(info, dv.binary); err != nil {
				return err
			}
		case segment.DocValuesSorted:
			dict, ordForDoc := assignSortedOrdinals(dv.sortedDoc, dv.sortedVal)
			if err := consumer.AddSortedField(info, ordForDoc, dict); err != nil {
				return err
			}
		case segment.DocValuesSortedSet:
			dict, ordsForDoc := assignSortedSetOrdinals(dv.sortedSetDoc, dv.sortedSetVal)
			if err := consumer.AddSortedSetField(info, ordsForDoc, dict); err != nil {
				return err
			}
		}
	}
	return consumer.Close()
}

// assignSortedOrdinals sorts the distinct byte strings under unsigned
// byte order and maps each document to its ordinal (invariant 8).
func assignSortedOrdinals(docs []int, vals [][]byte) ([][]byte, []segment.SortedDocValue) {
	type pair struct {
		doc int
		val []byte
	}
	pairs := make([]pair, len(docs))
	for i := range docs {
		pairs[i] = pair{docs[i], vals[i]}
	}

	distinct := make(map[string][]byte)
	for _, p := range pairs {
		distinct[string(p.val)] = p.val
	}
	dict := make([][]byte, 0, len(distinct))
	for _, v := range distinct {
		dict = append(dict, v)
	}
	sort.Slice(dict, func(i, j int) bool { return bytes.Compare(dict[i], dict[j]) < 0 })

	ordOf := make(map[string]int, len(dict))
	for i, v := range dict {
		ordOf[string(v)] = i
	}

	out := make([]segment.SortedDocValue, len(pairs))
	for i, p := range pairs {
		out[i] = segment.SortedDocValue{DocID: p.doc, Ord: ordOf[string(p.val)]}
	}
	return dict, out
}

// assignSortedSetOrdinals is assignSortedOrdinals's multi-value sibling:
// per-doc ordinal lists come back ascending and already deduplicated
// (deduplication happened in addDVSortedSet).
func assignSortedSetOrdinals(docs []int, vals [][][]byte) ([][]byte, []segment.SortedSetDocValue) {
	distinct := make(map[string][]byte)
	for _, vs := range vals {
		for _, v := range vs {
			distinct[string(v)] = v
		}
	}
	dict := make([][]byte, 0, len(distinct))
	for _, v := range distinct {
		dict = append(dict, v)
	}
	sort.Slice(dict, func(i, j int) bool { return bytes.Compare(dict[i], dict[j]) < 0 })

	ordOf := make(map[string]int, len(dict))
	for i, v := range dict {
		ordOf[string(v)] = i
	}

	out := make([]segment.SortedSetDocValue, len(docs))
	for i, doc := range docs {
		ords := make([]int, len(vals[i]))
		for j, v := range vals[i] {
			ords[j] = ordOf[string(v)]
		}
		sort.Ints(ords)
		out[i] = segment.SortedSetDocValue{DocID: doc, Ords: ords}
	}
	return dict, out
}

// decodePostings walks one term's delta-encoded slabs back out and
// replays them as codec calls, exactly reconstructing the docID/freq/
// position/offset/payload values that were fed into addTerm.
func decodePostings(info segment.FieldInfo, t *postingTerm, pc segment.PostingsConsumer, liveDocs segment.MutableBits, delKey string, deletesByTerm map[string]int) error {
	pr := bytes.NewReader(t.postings.Bytes())
	xr := bytes.NewReader(t.positions.Bytes())

	docID := -1
	docUpToExclusive := -1
	if deletesByTerm != nil {
		if v, ok := deletesByTerm[delKey]; ok {
			docUpToExclusive = v
		}
	}

	for {
		code, err := binary.ReadUvarint(pr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return &LowLevelIOError{Op: "read postings slab", Cause: err}
		}

		freq := 1
		if info.IndexOptions.HasFreqs() {
			delta := code >> 1
			docID += int(delta)
			if code&1 == 0 {
				f, err := binary.ReadUvarint(pr)
				if err != nil {
					return &LowLevelIOError{Op: "read freq", Cause: err}
				}
				freq = int(f)
			}
		} else {
			docID += int(code)
		}

		if err := pc.StartDoc(docID, freq); err != nil {
			return err
		}

		if info.IndexOptions.HasPositions() {
			position := 0
			startOff := 0
			for i := 0; i < freq; i++ {
				pcode, err := binary.ReadUvarint(xr)
				if err != nil {
					return &LowLevelIOError{Op: "read position", Cause: err}
				}
				position += int(pcode >> 1)
				var payload []byte
				if pcode&1 != 0 {
					n, err := binary.ReadUvarint(xr)
					if err != nil {
						return &LowLevelIOError{Op: "read payload length", Cause: err}
					}
					payload = make([]byte, n)
					if _, err := io.ReadFull(xr, payload); err != nil {
						return &LowLevelIOError{Op: "read payload", Cause: err}
					}
				}
				startOffset, endOffset := 0, 0
				if info.IndexOptions.HasOffsets() {
					ds, err := binary.ReadUvarint(xr)
					if err != nil {
						return &LowLevelIOError{Op: "read start offset", Cause: err}
					}
					de, err := binary.ReadUvarint(xr)
					if err != nil {
						return &LowLevelIOError{Op: "read end offset", Cause: err}
					}
					startOff += int(ds)
					startOffset = startOff
					endOffset = startOffset + int(de)
				}
				if err := pc.AddPosition(position, startOffset, endOffset, payload); err != nil {
					return err
				}
			}
		}

		if err := pc.FinishDoc(); err != nil {
			return err
		}

		if liveDocs != nil && docUpToExclusive >= 0 && docID < docUpToExclusive {
			liveDocs.Clear(docID)
		}
	}
	return nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// accumulatorPool lets a thread-state slot (C2) reuse an Accumulator
// instance across flushes instead of allocating a new one each time,
// mirroring the teacher's sync.Pool reuse idiom throughout ice/v2.
var accumulatorPool = sync.Pool{
	New: func() interface{} { return NewAccumulator() },
}

func acquireAccumulator() *Accumulator {
	return accumulatorPool.Get().(*Accumulator)
}

func releaseAccumulator(a *Accumulator) {
	a.Reset()
	accumulatorPool.Put(a)
}
