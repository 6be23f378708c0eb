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

// This file is C4, the segment reader. Opening a segment parses the
// codec.go on-disk layout back into the segment package's read-side
// capability interfaces, and a second reader opened over an unchanged
// segment shares the first reader's immutable core rather than
// re-parsing it -- ice/v2's Segment/SegmentBase split, adapted here as
// segmentCore (everything that can't change once written) plus a thin
// Reader overlay (live docs, doc-value generation) that reopen can swap
// out independently.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/blevesearch/vellum"
	"go.uber.org/atomic"

	"github.com/heroiclabs/nakama-index/segment"
	"github.com/heroiclabs/nakama-index/support"
)

// --- parsed, codec-identity state (immutable once built) ---------------

type parsedTerm struct {
	term     []byte
	stats    segment.TermStats
	postings []postingEntry
}

type parsedField struct {
	info  segment.FieldInfo
	terms []*parsedTerm
	fst   *vellum.FST
}

type parsedDVField struct {
	kind         segment.DocValuesType
	dict         [][]byte
	count        int32
	compressed   [][]byte
	firstDoc     []int
}

// segmentCore is everything about a segment that never changes once
// persisted: its field/term/posting data, stored fields, and raw
// doc-value chunks. It is reference counted so concurrent Readers (and
// a reopened generation) can share the parse without re-reading the
// file, matching the teacher's segment core refcounting.
type segmentCore struct {
	refCount atomic.Int64

	info       segment.SegmentInfo
	fields     map[string]*parsedField
	fieldOrder []string
	stored     []map[string][]byte
	dv         map[string]*parsedDVField

	data *SegmentData
}

func (c *segmentCore) incRef() {
	c.refCount.Inc()
}

func (c *segmentCore) decRef() error {
	if c.refCount.Dec() > 0 {
		return nil
	}
	if c.data != nil {
		return c.data.Close()
	}
	return nil
}

// coreCache lets a second open of the same (unchanged) segment file
// reuse the previous parse; keyed by segment name, guarded by its own
// mutex since readers can be opened/closed from multiple goroutines.
type coreCache struct {
	mu    sync.Mutex
	cores map[string]*segmentCore
}

func newCoreCache() *coreCache { return &coreCache{cores: make(map[string]*segmentCore)} }

func (cc *coreCache) acquire(dir Directory, sci *SegmentCommitInfo) (*segmentCore, error) {
	cc.mu.Lock()
	if c, ok := cc.cores[sci.Info.Name]; ok {
		c.incRef()
		cc.mu.Unlock()
		return c, nil
	}
	cc.mu.Unlock()

	core, err := parseSegmentCore(dir, sci.Info)
	if err != nil {
		return nil, err
	}
	core.refCount.Store(1)

	cc.mu.Lock()
	if existing, ok := cc.cores[sci.Info.Name]; ok {
		// lost a race with another opener; keep theirs, drop ours.
		existing.incRef()
		cc.mu.Unlock()
		_ = core.decRef()
		return existing, nil
	}
	cc.cores[sci.Info.Name] = core
	cc.mu.Unlock()
	return core, nil
}

func (cc *coreCache) release(name string, c *segmentCore) error {
	err := c.decRef()
	cc.mu.Lock()
	if c.refCount.Load() <= 0 {
		delete(cc.cores, name)
	}
	cc.mu.Unlock()
	return err
}

// parseSegmentCore reads one <name>.seg file in full and decodes it
// against codec.go's layout (the inverse of SegmentWriter.Persist).
func parseSegmentCore(dir Directory, info segment.SegmentInfo) (*segmentCore, error) {
	fileName := fmt.Sprintf("%s.seg", info.Name)
	if len(info.Files) > 0 {
		fileName = info.Files[0]
	}

	data, err := dir.Load(fileName)
	if err != nil {
		return nil, err
	}

	raw, err := data.Read(0, int(data.Size()))
	if err != nil {
		data.Close()
		return nil, err
	}
	if len(raw) < 4 {
		data.Close()
		return nil, &CorruptIndexError{Segment: info.Name, File: fileName, Reason: "truncated segment file"}
	}

	body, footer := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(footer) {
		data.Close()
		return nil, &CorruptIndexError{Segment: info.Name, File: fileName, Reason: "footer checksum mismatch"}
	}

	r := bytes.NewReader(body)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil || magic != magicHeader {
		data.Close()
		return nil, &CorruptIndexError{Segment: info.Name, File: fileName, Reason: "bad header magic"}
	}
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		data.Close()
		return nil, &CorruptIndexError{Segment: info.Name, File: fileName, Reason: "truncated version"}
	}
	if version > codecVersion {
		data.Close()
		return nil, &IndexFormatTooNewError{File: fileName, Version: int32(version), Max: int32(codecVersion)}
	}

	var docCount int32
	if err := binary.Read(r, binary.BigEndian, &docCount); err != nil {
		data.Close()
		return nil, &CorruptIndexError{Segment: info.Name, File: fileName, Reason: "truncated doc count", Offset: offsetOf(r, body)}
	}
	info.DocCount = int(docCount)

	fields, fieldOrder, err := readFieldPostings(r, info.Name, fileName)
	if err != nil {
		data.Close()
		return nil, err
	}

	stored, err := readStoredFields(r, info.Name, fileName)
	if err != nil {
		data.Close()
		return nil, err
	}

	dv, err := readDocValues(r, info.Name, fileName)
	if err != nil {
		data.Close()
		return nil, err
	}

	return &segmentCore{info: info, fields: fields, fieldOrder: fieldOrder, stored: stored, dv: dv, data: data}, nil
}

func offsetOf(r *bytes.Reader, body []byte) int64 {
	return int64(len(body)) - int64(r.Len())
}

func readFieldPostings(r *bytes.Reader, segName, fileName string) (map[string]*parsedField, []string, error) {
	var numFields int32
	if err := binary.Read(r, binary.BigEndian, &numFields); err != nil {
		return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated field count"}
	}
	fields := make(map[string]*parsedField, numFields)
	order := make([]string, 0, numFields)
	for i := int32(0); i < numFields; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated field name"}
		}
		var opts uint8
		if err := binary.Read(r, binary.BigEndian, &opts); err != nil {
			return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated index options"}
		}
		var hasPayloadsB uint8
		if err := binary.Read(r, binary.BigEndian, &hasPayloadsB); err != nil {
			return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated payloads flag"}
		}
		info := segment.FieldInfo{Name: name, IndexOptions: segment.IndexOptions(opts), HasPayloads: hasPayloadsB != 0, Indexed: true}

		var numTerms int32
		if err := binary.Read(r, binary.BigEndian, &numTerms); err != nil {
			return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated term count"}
		}
		pf := &parsedField{info: info, terms: make([]*parsedTerm, 0, numTerms)}
		termBytes := make([][]byte, 0, numTerms)

		for t := int32(0); t < numTerms; t++ {
			term, err := readString(r)
			if err != nil {
				return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated term"}
			}
			var docFreq int32
			if err := binary.Read(r, binary.BigEndian, &docFreq); err != nil {
				return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated docFreq"}
			}
			var totalTermFreq int64
			if err := binary.Read(r, binary.BigEndian, &totalTermFreq); err != nil {
				return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated totalTermFreq"}
			}
			var numPostings int32
			if err := binary.Read(r, binary.BigEndian, &numPostings); err != nil {
				return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated posting count"}
			}
			pt := &parsedTerm{
				term:     []byte(term),
				stats:    segment.TermStats{DocFreq: int(docFreq), TotalTermFreq: totalTermFreq},
				postings: make([]postingEntry, 0, numPostings),
			}
			for p := int32(0); p < numPostings; p++ {
				var docID, freq, numLoc int32
				if err := binary.Read(r, binary.BigEndian, &docID); err != nil {
					return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated posting docID"}
				}
				if err := binary.Read(r, binary.BigEndian, &freq); err != nil {
					return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated posting freq"}
				}
				if err := binary.Read(r, binary.BigEndian, &numLoc); err != nil {
					return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated location count"}
				}
				pe := postingEntry{docID: int(docID), freq: int(freq)}
				for l := int32(0); l < numLoc; l++ {
					var pos, start, end int32
					if err := binary.Read(r, binary.BigEndian, &pos); err != nil {
						return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated position"}
					}
					if err := binary.Read(r, binary.BigEndian, &start); err != nil {
						return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated start offset"}
					}
					if err := binary.Read(r, binary.BigEndian, &end); err != nil {
						return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated end offset"}
					}
					payload, err := readString(r)
					if err != nil {
						return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated payload"}
					}
					pe.positions = append(pe.positions, int(pos))
					pe.startOffs = append(pe.startOffs, int(start))
					pe.endOffs = append(pe.endOffs, int(end))
					pe.payloads = append(pe.payloads, []byte(payload))
				}
				pt.postings = append(pt.postings, pe)
			}
			pf.terms = append(pf.terms, pt)
			termBytes = append(termBytes, pt.term)
		}

		if len(termBytes) > 0 {
			fst, err := buildFST(termBytes)
			if err != nil {
				return nil, nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "term FST build failed", Cause: err}
			}
			pf.fst = fst
		}
		fields[name] = pf
		order = append(order, name)
	}
	return fields, order, nil
}

func readStoredFields(r *bytes.Reader, segName, fileName string) ([]map[string][]byte, error) {
	var numDocs int32
	if err := binary.Read(r, binary.BigEndian, &numDocs); err != nil {
		return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated stored doc count"}
	}
	docs := make([]map[string][]byte, numDocs)
	for d := int32(0); d < numDocs; d++ {
		var numFields int32
		if err := binary.Read(r, binary.BigEndian, &numFields); err != nil {
			return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated stored field count"}
		}
		doc := make(map[string][]byte, numFields)
		for f := int32(0); f < numFields; f++ {
			name, err := readString(r)
			if err != nil {
				return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated stored field name"}
			}
			var n int32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated stored value length"}
			}
			v := make([]byte, n)
			if _, err := r.Read(v); err != nil {
				return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated stored value"}
			}
			doc[name] = v
		}
		docs[d] = doc
	}
	return docs, nil
}

func readDocValues(r *bytes.Reader, segName, fileName string) (map[string]*parsedDVField, error) {
	var numFields int32
	if err := binary.Read(r, binary.BigEndian, &numFields); err != nil {
		return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated DV field count"}
	}
	out := make(map[string]*parsedDVField, numFields)
	for i := int32(0); i < numFields; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated DV field name"}
		}
		var kind uint8
		if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
			return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated DV kind"}
		}

		pd := &parsedDVField{kind: segment.DocValuesType(kind)}

		if pd.kind == segment.DocValuesSorted || pd.kind == segment.DocValuesSortedSet {
			var dictLen int32
			if err := binary.Read(r, binary.BigEndian, &dictLen); err != nil {
				return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated DV dict length"}
			}
			pd.dict = make([][]byte, dictLen)
			for d := int32(0); d < dictLen; d++ {
				var n int32
				if err := binary.Read(r, binary.BigEndian, &n); err != nil {
					return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated dict entry length"}
				}
				v := make([]byte, n)
				if _, err := r.Read(v); err != nil {
					return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated dict entry"}
				}
				pd.dict[d] = v
			}
		}

		var count, numChunks int32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated DV value count"}
		}
		if err := binary.Read(r, binary.BigEndian, &numChunks); err != nil {
			return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated DV chunk count"}
		}
		pd.count = count
		pd.compressed = make([][]byte, numChunks)
		pd.firstDoc = make([]int, numChunks)
		for c := int32(0); c < numChunks; c++ {
			var firstDoc, n int32
			if err := binary.Read(r, binary.BigEndian, &firstDoc); err != nil {
				return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated chunk firstDoc"}
			}
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated chunk length"}
			}
			chunk := make([]byte, n)
			if _, err := r.Read(chunk); err != nil {
				return nil, &CorruptIndexError{Segment: segName, File: fileName, Reason: "truncated chunk"}
			}
			pd.firstDoc[c] = int(firstDoc)
			pd.compressed[c] = chunk
		}
		out[name] = pd
	}
	return out, nil
}

// --- read-side Dictionary / PostingsIterator ----------------------------

type fstDictionary struct {
	field *parsedField
}

func (d *fstDictionary) PostingsList(term []byte, except segment.Bits) (segment.PostingsIterator, error) {
	if d.field.fst == nil {
		return &sliceIterator{}, nil
	}
	idx, ok, err := d.field.fst.Get(term)
	if err != nil {
		return nil, &CorruptIndexError{Reason: "FST lookup failed", Cause: err}
	}
	if !ok {
		return &sliceIterator{}, nil
	}
	pt := d.field.terms[idx]
	postings := pt.postings
	if except != nil {
		filtered := make([]postingEntry, 0, len(postings))
		for _, p := range postings {
			if !except.Test(p.docID) {
				filtered = append(filtered, p)
			}
		}
		postings = filtered
	}
	return &sliceIterator{postings: postings}, nil
}

func (d *fstDictionary) Iterator() segment.DictionaryIterator {
	return &fstDictIterator{terms: d.field.terms}
}

func (d *fstDictionary) Close() error { return nil }

type fstDictIterator struct {
	terms []*parsedTerm
	pos   int
}

type dictEntry struct {
	term    []byte
	docFreq int
}

func (e *dictEntry) Term() []byte { return e.term }
func (e *dictEntry) DocFreq() int  { return e.docFreq }

func (it *fstDictIterator) Next() (segment.DictionaryEntry, error) {
	if it.pos >= len(it.terms) {
		return nil, nil
	}
	t := it.terms[it.pos]
	it.pos++
	return &dictEntry{term: t.term, docFreq: t.stats.DocFreq}, nil
}

func (it *fstDictIterator) Close() error { return nil }

// sliceIterator walks postingEntry in the order they were persisted,
// which writeFieldPostings always writes in ascending docID order.
type sliceIterator struct {
	postings []postingEntry
	pos      int
}

type slicePosting struct{ entry postingEntry }

func (p *slicePosting) Number() uint64    { return uint64(p.entry.docID) }
func (p *slicePosting) Frequency() int    { return p.entry.freq }
func (p *slicePosting) Locations() []segment.Location {
	locs := make([]segment.Location, len(p.entry.positions))
	for i := range p.entry.positions {
		locs[i] = &sliceLocation{
			pos: p.entry.positions[i], start: p.entry.startOffs[i],
			end: p.entry.endOffs[i], payload: p.entry.payloads[i],
		}
	}
	return locs
}

type sliceLocation struct {
	pos, start, end int
	payload         []byte
}

func (l *sliceLocation) Pos() int        { return l.pos }
func (l *sliceLocation) Start() int      { return l.start }
func (l *sliceLocation) End() int        { return l.end }
func (l *sliceLocation) Payload() []byte { return l.payload }

func (it *sliceIterator) Next() (segment.Posting, error) {
	if it.pos >= len(it.postings) {
		return nil, nil
	}
	p := it.postings[it.pos]
	it.pos++
	return &slicePosting{entry: p}, nil
}

func (it *sliceIterator) Advance(docNum uint64) (segment.Posting, error) {
	for it.pos < len(it.postings) && uint64(it.postings[it.pos].docID) < docNum {
		it.pos++
	}
	return it.Next()
}

func (it *sliceIterator) Count() uint64 { return uint64(len(it.postings)) }
func (it *sliceIterator) Close() error  { return nil }

// --- read-side StoredFieldsReader ---------------------------------------

type storedReader struct {
	docs []map[string][]byte
}

func (s *storedReader) VisitDocument(docID uint64, visitor segment.StoredFieldVisitor) error {
	if int(docID) >= len(s.docs) {
		return &CorruptIndexError{Reason: fmt.Sprintf("stored fields: docID %d out of range", docID)}
	}
	doc := s.docs[docID]
	names := make([]string, 0, len(doc))
	for n := range doc {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if !visitor(n, doc[n]) {
			break
		}
	}
	return nil
}

// --- typed DV producer construction --------------------------------------

func buildDocValuesProducer(dv map[string]*parsedDVField) (*docValuesProducer, error) {
	out := &docValuesProducer{
		numeric:   make(map[string]*numericDVProducer),
		binary:    make(map[string]*binaryDVProducer),
		sorted:    make(map[string]*sortedDVProducer),
		sortedSet: make(map[string]*sortedSetDVProducer),
	}
	for name, pd := range dv {
		cf, err := newChunkedField(pd.compressed, pd.firstDoc)
		if err != nil {
			return nil, err
		}
		switch pd.kind {
		case segment.DocValuesNumeric:
			out.numeric[name] = &numericDVProducer{field: cf, count: int(pd.count)}
		case segment.DocValuesBinary:
			out.binary[name] = &binaryDVProducer{field: cf}
		case segment.DocValuesSorted:
			out.sorted[name] = &sortedDVProducer{field: cf, dict: pd.dict}
		case segment.DocValuesSortedSet:
			out.sortedSet[name] = &sortedSetDVProducer{field: cf, dict: pd.dict}
		}
	}
	return out, nil
}

// --- Reader: the per-open overlay over a shared core --------------------

// Reader is one open view of a segment: an immutable core plus the
// live-docs bitset and doc-values producer for this open (or reopen)
// generation. Opening a second Reader over a segment whose file hasn't
// changed reuses the previous core via the shared coreCache -- the
// "reopen-sharing" path -- while always rebuilding live docs and DV
// producers, since those can legitimately change generation to
// generation even when the segment's codec-identity data cannot.
type Reader struct {
	dir    Directory
	cache  *coreCache
	core   *segmentCore
	sci    *SegmentCommitInfo
	live   *roaringLiveDocs
	dvProd *docValuesProducer
	stored *storedReader

	closed bool
}

// OpenReader opens (or shares) the segment named by sci.Info.Name.
func OpenReader(dir Directory, cache *coreCache, sci *SegmentCommitInfo) (*Reader, error) {
	if cache == nil {
		cache = newCoreCache()
	}
	core, err := cache.acquire(dir, sci)
	if err != nil {
		return nil, err
	}

	live, err := loadLiveDocs(dir, sci)
	if err != nil {
		_ = cache.release(sci.Info.Name, core)
		return nil, err
	}

	dvProd, err := buildDocValuesProducer(core.dv)
	if err != nil {
		_ = cache.release(sci.Info.Name, core)
		return nil, err
	}

	return &Reader{
		dir: dir, cache: cache, core: core, sci: sci,
		live: live, dvProd: dvProd, stored: &storedReader{docs: core.stored},
	}, nil
}

// Reopen builds a new Reader sharing this one's core when the segment's
// codec-identity file is unchanged, but re-reading live docs / doc
// values against the (possibly newer) SegmentCommitInfo -- matching
// spec §4.4's reopen-sharing requirement.
func (r *Reader) Reopen(newSCI *SegmentCommitInfo) (*Reader, error) {
	if newSCI.Info.Name != r.sci.Info.Name {
		return OpenReader(r.dir, r.cache, newSCI)
	}
	r.core.incRef()

	live, err := loadLiveDocs(r.dir, newSCI)
	if err != nil {
		_ = r.cache.release(r.core.info.Name, r.core)
		return nil, err
	}
	dvProd, err := buildDocValuesProducer(r.core.dv)
	if err != nil {
		_ = r.cache.release(r.core.info.Name, r.core)
		return nil, err
	}
	return &Reader{
		dir: r.dir, cache: r.cache, core: r.core, sci: newSCI,
		live: live, dvProd: dvProd, stored: &storedReader{docs: r.core.stored},
	}, nil
}

func loadLiveDocs(dir Directory, sci *SegmentCommitInfo) (*roaringLiveDocs, error) {
	if !sci.HasDeletions() {
		return newLiveDocs(sci.Info.DocCount), nil
	}
	name := fmt.Sprintf("%s_%s.del", sci.Info.Name, segmentsFileName(sci.DelGen))
	data, err := dir.Load(name)
	if err != nil {
		return nil, err
	}
	defer data.Close()
	raw, err := data.Read(0, int(data.Size()))
	if err != nil {
		return nil, err
	}
	return unmarshalLiveDocs(raw)
}

// PersistLiveDocs writes the current live-docs bitset out under the
// given deletion generation, for a writer applying buffered deletes.
func (r *Reader) PersistLiveDocs(delGen int64) error {
	name := fmt.Sprintf("%s_%s.del", r.sci.Info.Name, segmentsFileName(delGen))
	return r.dir.PersistNamed(name, func(w DirectoryWriter) error {
		_, err := w.Write(r.live.marshal())
		return err
	})
}

func (r *Reader) FieldInfo(field string) (segment.FieldInfo, bool) {
	pf, ok := r.core.fields[field]
	if !ok {
		return segment.FieldInfo{}, false
	}
	return pf.info, true
}

// FieldNames returns the indexed fields in the order they were written to
// the segment file, used by the integrity checker to verify ascending
// name order without re-deriving it from map iteration (which Go does
// not guarantee to preserve file order).
func (r *Reader) FieldNames() []string { return r.core.fieldOrder }

// DVFieldNames returns the doc-valued fields present in this segment.
func (r *Reader) DVFieldNames() []string {
	names := make([]string, 0, len(r.core.dv))
	for name := range r.core.dv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DVFieldKind reports the DocValuesType recorded for field, if any.
func (r *Reader) DVFieldKind(field string) (segment.DocValuesType, bool) {
	f, ok := r.core.dv[field]
	if !ok {
		return segment.DocValuesNone, false
	}
	return f.kind, true
}

func (r *Reader) Dictionary(field string) (segment.Dictionary, error) {
	pf, ok := r.core.fields[field]
	if !ok {
		return nil, &SchemaConflictError{Field: field, Reason: "field not indexed in this segment"}
	}
	return &fstDictionary{field: pf}, nil
}

// TermsWithPrefix returns every term in field beginning with prefix. It
// builds a minimal automaton over the field's term alphabet rather than
// running a bytes.HasPrefix scan directly, the shape a richer
// automaton-based term matcher (wildcard, fuzzy) would extend once more
// than a plain prefix test is needed.
func (r *Reader) TermsWithPrefix(field string, prefix []byte) ([][]byte, error) {
	pf, ok := r.core.fields[field]
	if !ok {
		return nil, &SchemaConflictError{Field: field, Reason: "field not indexed in this segment"}
	}

	alphabet := collectAlphabet(pf.terms)
	dfa := buildPrefixDFA(prefix, alphabet).Minimize()

	var out [][]byte
	for _, t := range pf.terms {
		if dfa.Accepts(t.term) {
			out = append(out, t.term)
		}
	}
	return out, nil
}

func collectAlphabet(terms []*parsedTerm) []byte {
	seen := make(map[byte]bool)
	for _, t := range terms {
		for _, b := range t.term {
			seen[b] = true
		}
	}
	alphabet := make([]byte, 0, len(seen))
	for b := range seen {
		alphabet = append(alphabet, b)
	}
	sort.Slice(alphabet, func(i, j int) bool { return alphabet[i] < alphabet[j] })
	return alphabet
}

// buildPrefixDFA builds an automaton accepting exactly the byte strings
// beginning with prefix: a linear chain consuming prefix, ending in an
// accepting state that self-loops on every alphabet symbol.
func buildPrefixDFA(prefix, alphabet []byte) *support.DFA {
	dfa := support.NewDFA(len(prefix)+1, alphabet)
	dfa.Start = 0
	for i, b := range prefix {
		dfa.AddTransition(i, b, i+1)
	}
	final := len(prefix)
	dfa.Accept[final] = true
	for _, b := range alphabet {
		dfa.AddTransition(final, b, final)
	}
	return dfa
}

func (r *Reader) StoredFields() segment.StoredFieldsReader { return r.stored }

func (r *Reader) DocValues() segment.DocValuesProducer { return r.dvProd }

func (r *Reader) LiveDocs() segment.Bits { return r.live }

func (r *Reader) NumDocs() int { return r.live.liveCount() }

func (r *Reader) MaxDoc() int { return r.core.info.DocCount }

func (r *Reader) Info() segment.SegmentInfo { return r.core.info }

// Close releases this reader's reference on the shared core; the
// underlying file is only actually closed once every Reader sharing it
// (this open plus every prior reopen) has released its reference.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.dvProd.Close(); err != nil {
		return err
	}
	return r.cache.release(r.core.info.Name, r.core)
}

