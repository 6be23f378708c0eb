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

// Package segment defines the codec capability contract the index core is
// written against. Each on-disk capability (terms, postings, stored
// fields, norms, term vectors, doc values, live docs, segment/field-info
// metadata) is its own interface so a Codec value is just a record of
// named references into those capabilities, never a God-interface.
package segment

import "io"

// IndexOptions is the monotone per-field indexing depth. Later values
// imply everything earlier values imply.
type IndexOptions uint8

const (
	IndexOptionsNone IndexOptions = iota
	IndexOptionsDocs
	IndexOptionsDocsAndFreqs
	IndexOptionsDocsAndFreqsAndPositions
	IndexOptionsDocsAndFreqsAndPositionsAndOffsets
)

func (o IndexOptions) HasFreqs() bool      { return o >= IndexOptionsDocsAndFreqs }
func (o IndexOptions) HasPositions() bool  { return o >= IndexOptionsDocsAndFreqsAndPositions }
func (o IndexOptions) HasOffsets() bool    { return o >= IndexOptionsDocsAndFreqsAndPositionsAndOffsets }
func (o IndexOptions) HasPayloads(p bool) bool {
	return p && o.HasPositions()
}

// DocValuesType is a closed enum: a field carries at most one non-None
// type and it never widens once chosen (data-model invariant 6).
type DocValuesType uint8

const (
	DocValuesNone DocValuesType = iota
	DocValuesNumeric
	DocValuesBinary
	DocValuesSorted
	DocValuesSortedSet
)

func (t DocValuesType) String() string {
	switch t {
	case DocValuesNumeric:
		return "NUMERIC"
	case DocValuesBinary:
		return "BINARY"
	case DocValuesSorted:
		return "SORTED"
	case DocValuesSortedSet:
		return "SORTED_SET"
	default:
		return "NONE"
	}
}

// FieldInfo is the immutable per-field metadata record every capability
// reader/writer is handed. It never changes once a field has been seen
// in a segment (data-model invariant 5).
type FieldInfo struct {
	Name         string
	Number       int
	Indexed      bool
	IndexOptions IndexOptions
	HasNorms     bool
	HasVectors   bool
	HasPayloads  bool
	DocValues    DocValuesType
}

// Term is field+bytes, field names ordered by byte comparison and
// byte-strings within a field ordered by the field's comparator.
type Term interface {
	Field() string
	Term() []byte
}

// TermStats is what a TermsConsumer reports back when a term is finished.
type TermStats struct {
	DocFreq       int
	TotalTermFreq int64
}

// PostingsConsumer receives one term's postings in increasing docID order.
type PostingsConsumer interface {
	StartDoc(docID int, freq int) error
	AddPosition(position, startOffset, endOffset int, payload []byte) error
	FinishDoc() error
}

// TermsConsumer receives a field's terms in ascending comparator order.
type TermsConsumer interface {
	StartTerm(term []byte) (PostingsConsumer, error)
	FinishTerm(term []byte, stats TermStats) error
}

// FieldsConsumer is the entry point a flush hands postings to (C1 -> codec).
type FieldsConsumer interface {
	AddField(field FieldInfo) (TermsConsumer, error)
	Close() error
}

// Posting is one (docID, freq, locations) record read back from a segment.
type Posting interface {
	Number() uint64
	Frequency() int
	Locations() []Location
}

// Location is one position/offset/payload occurrence within a posting.
type Location interface {
	Pos() int
	Start() int
	End() int
	Payload() []byte
}

// PostingsIterator walks one term's postings in ascending docID order.
// Implementations may return a shared Posting instance from Next/Advance;
// callers must copy what they need before calling again, matching the
// contract bluge_segment_api.PostingsIterator documents.
type PostingsIterator interface {
	Next() (Posting, error)
	Advance(docNum uint64) (Posting, error)
	Count() uint64
	Close() error
}

// DictionaryEntry is one term as seen while walking a Dictionary.
type DictionaryEntry interface {
	Term() []byte
	DocFreq() int
}

// DictionaryIterator walks a field's terms in ascending comparator order.
type DictionaryIterator interface {
	Next() (DictionaryEntry, error)
	Close() error
}

// Dictionary is the read-side term index for one field.
type Dictionary interface {
	PostingsList(term []byte, except Bits) (PostingsIterator, error)
	Iterator() DictionaryIterator
	Close() error
}

// Bits is a read-only per-doc bit vector (live docs, docs-with-field).
type Bits interface {
	Test(docID int) bool
	Len() int
}

// MutableBits is Bits plus the ability to clear a bit (mark deleted).
type MutableBits interface {
	Bits
	Clear(docID int)
}

// StoredFieldVisitor callbacks receive one stored field value; returning
// false stops the remaining fields of the document from being visited.
type StoredFieldVisitor func(field string, value []byte) bool

// StoredFieldsWriter is the per-document stored-field sink.
type StoredFieldsWriter interface {
	StartDocument() error
	WriteField(field FieldInfo, value []byte) error
	FinishDocument() error
	Close() error
}

// StoredFieldsReader visits the stored fields of one live document.
type StoredFieldsReader interface {
	VisitDocument(docID uint64, visitor StoredFieldVisitor) error
}

// NumericProducer resolves one NUMERIC doc-value field.
type NumericProducer interface {
	Get(docID int) (value int64, ok bool)
}

// BinaryProducer resolves one BINARY doc-value field.
type BinaryProducer interface {
	Get(docID int) (value []byte, ok bool)
}

// SortedProducer resolves one SORTED doc-value field: a single ordinal
// per document plus the ordinal -> bytes lookup table.
type SortedProducer interface {
	Ord(docID int) (ord int, ok bool)
	LookupOrd(ord int) []byte
	ValueCount() int
}

// SortedSetProducer resolves one SORTED_SET doc-value field: an ascending,
// deduplicated list of ordinals per document.
type SortedSetProducer interface {
	Ords(docID int) []int
	LookupOrd(ord int) []byte
	ValueCount() int
}

// DocValuesProducer is the per-generation doc-value capability a reader's
// field -> producer table resolves into (C4 "opening" step 4).
type DocValuesProducer interface {
	Numeric(field string) (NumericProducer, error)
	Binary(field string) (BinaryProducer, error)
	Sorted(field string) (SortedProducer, error)
	SortedSet(field string) (SortedSetProducer, error)
	Close() error
}

// DocValuesConsumer is what the accumulator's flush hands per-doc values to.
type DocValuesConsumer interface {
	AddNumericField(field FieldInfo, values []NumericDocValue) error
	AddBinaryField(field FieldInfo, values []BinaryDocValue) error
	AddSortedField(field FieldInfo, values []SortedDocValue, dict [][]byte) error
	AddSortedSetField(field FieldInfo, values []SortedSetDocValue, dict [][]byte) error
	Close() error
}

type NumericDocValue struct {
	DocID int
	Value int64
}

type BinaryDocValue struct {
	DocID int
	Value []byte
}

type SortedDocValue struct {
	DocID int
	Ord   int
}

type SortedSetDocValue struct {
	DocID int
	Ords  []int
}

// TermVectorsReader/Writer model per-document term vectors: an inverted
// index restricted to one document, used for highlighting/MoreLikeThis.
type TermVectorPosting struct {
	Term      []byte
	Freq      int
	Positions []int
	StartOffs []int
	EndOffs   []int
	Payloads  [][]byte
}

type TermVectorsWriter interface {
	AddDocument(docID uint64, fields map[string][]TermVectorPosting) error
	Close() error
}

type TermVectorsReader interface {
	Get(docID uint64, field string) ([]TermVectorPosting, error)
}

// NormsProducer resolves the per-doc, per-field norm value (structurally a
// numeric doc value used by scoring, which is out of scope here).
type NormsProducer interface {
	Norm(field string, docID int) (int64, bool)
}

// SegmentInfo is the immutable, codec-identity part of a segment (data
// model §3). The mutable per-commit overlay lives in SegmentCommitInfo,
// defined by the index package since it is manifest, not codec, state.
type SegmentInfo struct {
	Name          string
	Codec         string
	DocCount      int
	Version       string
	Diagnostics   map[string]string
	Files         []string
	UseCompound   bool
}

// Merger is handed to a merge operation: it streams the merged file
// bytes and reports, per input segment, the doc numbers surviving the
// merge in their new, renumbered order.
type Merger interface {
	WriteTo(w io.Writer, closeCh chan struct{}) (int64, error)
	DocumentNumbers() [][]uint64
}
