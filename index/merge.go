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

// This file is the merge-commit path spec §4.3 describes: combine a run
// of existing segments into one, renumbering docIDs to drop whatever was
// already deleted, and fold the result into the manifest through
// SegmentInfos.applyMergeChanges.
package index

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/heroiclabs/nakama-index/segment"
	"github.com/heroiclabs/nakama-index/support"
)

type mergedPosting struct {
	docID     int
	freq      int
	positions []int
	startOffs []int
	endOffs   []int
	payloads  [][]byte
}

// MergeSegments combines the named segments (which must currently be
// live entries in the manifest) into a single replacement segment and
// commits the substitution. Documents already deleted in any input
// segment are dropped rather than renumbered forward; if every input
// document was deleted the merged segments are removed outright with no
// replacement (applyMergeChanges's dropSegment path).
func (w *Writer) MergeSegments(names []string) error {
	infos := w.manifest.Infos()

	var merged []*SegmentCommitInfo
	for _, sci := range infos.Segments {
		for _, n := range names {
			if sci.Info.Name == n {
				merged = append(merged, sci)
				break
			}
		}
	}
	if len(merged) < 2 {
		return fmt.Errorf("MergeSegments: matched %d of %d requested segment names, need at least 2", len(merged), len(names))
	}

	readers := make([]*Reader, 0, len(merged))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	for _, sci := range merged {
		r, err := OpenReader(w.dir, w.cache, sci)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}

	docMaps := make([][]int, len(readers))
	newDocCount := 0
	for i, r := range readers {
		docMaps[i] = make([]int, r.MaxDoc())
		for d := 0; d < r.MaxDoc(); d++ {
			if r.LiveDocs().Test(d) {
				docMaps[i][d] = newDocCount
				newDocCount++
			} else {
				docMaps[i][d] = -1
			}
		}
	}

	if newDocCount == 0 {
		infos.applyMergeChanges(merged, nil, true)
		return w.manifest.Commit(w.dir)
	}

	name := infos.NewSegmentName()
	sw := NewSegmentWriter(segment.SegmentInfo{Name: name, DocCount: newDocCount})

	fieldInfos, termPostings, err := mergeFields(readers, docMaps)
	if err != nil {
		return err
	}
	if err := writeMergedFields(sw.FieldsConsumer(), fieldInfos, termPostings); err != nil {
		return err
	}
	if err := writeMergedStoredFields(sw.StoredFieldsWriter(), readers, docMaps, newDocCount); err != nil {
		return err
	}
	if err := writeMergedDocValues(sw.DocValuesConsumer(), readers, docMaps); err != nil {
		return err
	}

	persisted, err := sw.Persist(w.dir)
	if err != nil {
		return err
	}

	infos.applyMergeChanges(merged, newSegmentCommitInfo(persisted), false)
	return w.manifest.Commit(w.dir)
}

// mergeFields walks every input reader's field dictionaries, remapping
// live postings to their new docIDs and grouping them by (field, term).
func mergeFields(readers []*Reader, docMaps [][]int) (map[string]segment.FieldInfo, map[string]map[string][]mergedPosting, error) {
	fieldInfos := make(map[string]segment.FieldInfo)
	termPostings := make(map[string]map[string][]mergedPosting)

	for i, r := range readers {
		for _, fname := range r.FieldNames() {
			info, _ := r.FieldInfo(fname)
			fieldInfos[fname] = info
			if termPostings[fname] == nil {
				termPostings[fname] = make(map[string][]mergedPosting)
			}

			dict, err := r.Dictionary(fname)
			if err != nil {
				return nil, nil, err
			}
			it := dict.Iterator()
			for {
				entry, err := it.Next()
				if err != nil {
					it.Close()
					return nil, nil, err
				}
				if entry == nil {
					break
				}
				if err := mergeTermPostings(dict, entry.Term(), docMaps[i], termPostings[fname]); err != nil {
					it.Close()
					return nil, nil, err
				}
			}
			it.Close()
		}
	}
	return fieldInfos, termPostings, nil
}

func mergeTermPostings(dict segment.Dictionary, term []byte, docMap []int, into map[string][]mergedPosting) error {
	pl, err := dict.PostingsList(term, nil)
	if err != nil {
		return err
	}
	defer pl.Close()

	key := string(term)
	for {
		p, err := pl.Next()
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		newDoc := docMap[int(p.Number())]
		if newDoc < 0 {
			continue
		}
		mp := mergedPosting{docID: newDoc, freq: p.Frequency()}
		for _, loc := range p.Locations() {
			mp.positions = append(mp.positions, loc.Pos())
			mp.startOffs = append(mp.startOffs, loc.Start())
			mp.endOffs = append(mp.endOffs, loc.End())
			mp.payloads = append(mp.payloads, loc.Payload())
		}
		into[key] = append(into[key], mp)
	}
}

// writeMergedFields streams every (field, term) pair to the codec in
// ascending order. The candidate set is externally sorted via
// support.ExternalSorter rather than collected into one slice and
// sort.Sliced in place -- the general chunk-sort-spill-merge shape a
// merge over postings too large to fit in memory would need, not just
// this in-memory-sized case.
func writeMergedFields(fc segment.FieldsConsumer, fieldInfos map[string]segment.FieldInfo, termPostings map[string]map[string][]mergedPosting) error {
	sorter := support.NewExternalSorter(1<<16, "", func(a, b []byte) bool { return bytes.Compare(a, b) < 0 })
	for fname, terms := range termPostings {
		for term := range terms {
			if err := sorter.Add([]byte(fname + "\x00" + term)); err != nil {
				return err
			}
		}
	}
	keys, err := sorter.Finish()
	if err != nil {
		return err
	}
	defer keys.Close()

	var curField string
	var termsConsumer segment.TermsConsumer
	for {
		rec, err := keys.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		key := string(rec)
		sep := strings.IndexByte(key, 0)
		fname, term := key[:sep], key[sep+1:]

		if termsConsumer == nil || fname != curField {
			if termsConsumer != nil {
				_ = termsConsumer.FinishTerm(nil, segment.TermStats{})
			}
			tc, err := fc.AddField(fieldInfos[fname])
			if err != nil {
				return err
			}
			termsConsumer, curField = tc, fname
		}

		postings := termPostings[fname][term]
		sort.Slice(postings, func(i, j int) bool { return postings[i].docID < postings[j].docID })

		pc, err := termsConsumer.StartTerm([]byte(term))
		if err != nil {
			return err
		}
		var totalTermFreq int64
		for _, p := range postings {
			if err := pc.StartDoc(p.docID, p.freq); err != nil {
				return err
			}
			for j := range p.positions {
				if err := pc.AddPosition(p.positions[j], p.startOffs[j], p.endOffs[j], p.payloads[j]); err != nil {
					return err
				}
			}
			if err := pc.FinishDoc(); err != nil {
				return err
			}
			totalTermFreq += int64(p.freq)
		}
		if err := termsConsumer.FinishTerm([]byte(term), segment.TermStats{DocFreq: len(postings), TotalTermFreq: totalTermFreq}); err != nil {
			return err
		}
	}
	if termsConsumer != nil {
		_ = termsConsumer.FinishTerm(nil, segment.TermStats{})
	}
	return fc.Close()
}

func writeMergedStoredFields(sfw segment.StoredFieldsWriter, readers []*Reader, docMaps [][]int, newDocCount int) error {
	docs := make([]map[string][]byte, newDocCount)
	for i, r := range readers {
		sf := r.StoredFields()
		for old := 0; old < r.MaxDoc(); old++ {
			nd := docMaps[i][old]
			if nd < 0 {
				continue
			}
			var doc map[string][]byte
			if err := sf.VisitDocument(uint64(old), func(field string, value []byte) bool {
				if doc == nil {
					doc = make(map[string][]byte)
				}
				doc[field] = value
				return true
			}); err != nil {
				return err
			}
			docs[nd] = doc
		}
	}
	for nd := 0; nd < newDocCount; nd++ {
		if err := sfw.StartDocument(); err != nil {
			return err
		}
		for k, v := range docs[nd] {
			if err := sfw.WriteField(segment.FieldInfo{Name: k}, v); err != nil {
				return err
			}
		}
		if err := sfw.FinishDocument(); err != nil {
			return err
		}
	}
	return sfw.Close()
}

func writeMergedDocValues(dvc segment.DocValuesConsumer, readers []*Reader, docMaps [][]int) error {
	kinds := make(map[string]segment.DocValuesType)
	for _, r := range readers {
		for _, n := range r.DVFieldNames() {
			kind, _ := r.DVFieldKind(n)
			kinds[n] = kind
		}
	}
	if len(kinds) == 0 {
		return nil
	}
	names := make([]string, 0, len(kinds))
	for n := range kinds {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		info := segment.FieldInfo{Name: name, DocValues: kinds[name]}
		switch kinds[name] {
		case segment.DocValuesNumeric:
			var vals []segment.NumericDocValue
			for i, r := range readers {
				prod, err := r.DocValues().Numeric(name)
				if err != nil {
					continue
				}
				for old := 0; old < r.MaxDoc(); old++ {
					nd := docMaps[i][old]
					if nd < 0 {
						continue
					}
					if v, ok := prod.Get(old); ok {
						vals = append(vals, segment.NumericDocValue{DocID: nd, Value: v})
					}
				}
			}
			sort.Slice(vals, func(i, j int) bool { return vals[i].DocID < vals[j].DocID })
			if err := dvc.AddNumericField(info, vals); err != nil {
				return err
			}

		case segment.DocValuesBinary:
			var vals []segment.BinaryDocValue
			for i, r := range readers {
				prod, err := r.DocValues().Binary(name)
				if err != nil {
					continue
				}
				for old := 0; old < r.MaxDoc(); old++ {
					nd := docMaps[i][old]
					if nd < 0 {
						continue
					}
					if v, ok := prod.Get(old); ok {
						vals = append(vals, segment.BinaryDocValue{DocID: nd, Value: v})
					}
				}
			}
			sort.Slice(vals, func(i, j int) bool { return vals[i].DocID < vals[j].DocID })
			if err := dvc.AddBinaryField(info, vals); err != nil {
				return err
			}

		case segment.DocValuesSorted:
			var docs []int
			var raw [][]byte
			for i, r := range readers {
				prod, err := r.DocValues().Sorted(name)
				if err != nil {
					continue
				}
				for old := 0; old < r.MaxDoc(); old++ {
					nd := docMaps[i][old]
					if nd < 0 {
						continue
					}
					ord, ok := prod.Ord(old)
					if !ok {
						continue
					}
					docs = append(docs, nd)
					raw = append(raw, prod.LookupOrd(ord))
				}
			}
			dict, ordForDoc := assignSortedOrdinals(docs, raw)
			sort.Slice(ordForDoc, func(i, j int) bool { return ordForDoc[i].DocID < ordForDoc[j].DocID })
			if err := dvc.AddSortedField(info, ordForDoc, dict); err != nil {
				return err
			}

		case segment.DocValuesSortedSet:
			var docs []int
			var raw [][][]byte
			for i, r := range readers {
				prod, err := r.DocValues().SortedSet(name)
				if err != nil {
					continue
				}
				for old := 0; old < r.MaxDoc(); old++ {
					nd := docMaps[i][old]
					if nd < 0 {
						continue
					}
					ords := prod.Ords(old)
					if len(ords) == 0 {
						continue
					}
					vals := make([][]byte, len(ords))
					for j, o := range ords {
						vals[j] = prod.LookupOrd(o)
					}
					docs = append(docs, nd)
					raw = append(raw, vals)
				}
			}
			dict, ordsForDoc := assignSortedSetOrdinals(docs, raw)
			sort.Slice(ordsForDoc, func(i, j int) bool { return ordsForDoc[i].DocID < ordsForDoc[j].DocID })
			if err := dvc.AddSortedSetField(info, ordsForDoc, dict); err != nil {
				return err
			}
		}
	}
	return dvc.Close()
}
