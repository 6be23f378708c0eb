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

// Writer is the top-level collaborator coordinating the posting
// accumulator (C1), the stall/thread-state pool (C2), the segment-commit
// manifest (C3), and the default codec: acquire a slot, add a document's
// fields into that slot's accumulator, and once a flush trigger fires,
// persist the accumulator's segment and commit it into the manifest.
// Grounded on the shape of the teacher's vendor/.../bluge/index/writer.go
// (AddDocument -> requestSlot -> maybe flush -> commit).
package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/heroiclabs/nakama-index/segment"
)

// Field is one indexed/stored/doc-valued value a caller adds to a
// document; Writer.AddDocument takes a slice of these.
type Field struct {
	Info      segment.FieldInfo
	Tokens    []Token
	Stored    []byte
	Numeric   int64
	Binary    []byte
	SortedSet [][]byte
}

// Token is one term occurrence within a field's token stream.
type Token struct {
	Term        []byte
	Position    int
	StartOffset int
	EndOffset   int
	Payload     []byte
}

// Writer is the single entry point applications use to build segments.
// It is safe for concurrent use by multiple goroutines calling
// AddDocument; internally each concurrent caller is bound to its own
// thread-state slot by the pool.
type Writer struct {
	dir    Directory
	cfg    *Config
	logger *zap.Logger

	pool     *ThreadPool
	manifest *Manifest
	cache    *coreCache

	nextDocID []int                        // per-slot next docID cursor, indexed by slot position
	stored    []map[int]map[string][]byte // per-slot, per-docID stored field values

	delMu          sync.Mutex
	pendingDeletes []map[string]int // per-slot "field\x00term" -> docUpToExclusive, consumed by the next FlushSlot

	stats   Stats
	onEvent func(Event)
}

// OnEvent registers a callback fired around flush/commit/close
// boundaries; nil (the default) disables event reporting entirely.
func (w *Writer) OnEvent(f func(Event)) { w.onEvent = f }

func (w *Writer) fireEvent(kind EventKind, start time.Time) {
	if w.onEvent == nil {
		return
	}
	w.onEvent(Event{Kind: kind, Writer: w, Duration: time.Since(start)})
}

// OpenWriter opens (or initializes) a writer over dir: it runs the same
// generation-discovery path a reader would, but tolerates a missing
// index (data model §3: a fresh manifest is the valid empty state).
func OpenWriter(dir Directory, cfg *Config, logger *zap.Logger) (*Writer, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.clampDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := dir.Setup(false); err != nil {
		return nil, err
	}

	infos, err := OpenSegmentInfos(dir)
	if err != nil {
		if _, ok := err.(*IndexNotFoundError); !ok {
			return nil, err
		}
		infos = NewSegmentInfos()
	}

	w := &Writer{
		dir:       dir,
		cfg:       cfg,
		logger:    logger,
		pool:      NewThreadPool(cfg.MaxThreadStates, logger),
		manifest:  NewManifest(infos, logger),
		cache:     newCoreCache(),
		nextDocID:      make([]int, cfg.MaxThreadStates),
		stored:         make([]map[int]map[string][]byte, cfg.MaxThreadStates),
		pendingDeletes: make([]map[string]int, cfg.MaxThreadStates),
	}
	for i := range w.stored {
		w.stored[i] = make(map[int]map[string][]byte)
	}
	return w, nil
}

// writeStoredDocs replays a slot's buffered stored-field map through the
// codec's StoredFieldsWriter in ascending docID order, leaving a blank
// document wherever a docID had no stored fields (StartDocument /
// FinishDocument must still be called once per docID so stored-field
// docID and posting docID stay aligned).
func writeStoredDocs(sw segment.StoredFieldsWriter, docs map[int]map[string][]byte, docCount int) error {
	for docID := 0; docID < docCount; docID++ {
		if err := sw.StartDocument(); err != nil {
			return err
		}
		for name, value := range docs[docID] {
			if err := sw.WriteField(segment.FieldInfo{Name: name}, value); err != nil {
				return err
			}
		}
		if err := sw.FinishDocument(); err != nil {
			return err
		}
	}
	return sw.Close()
}

func (w *Writer) slotIndex(t *ThreadState) int {
	for i, s := range w.pool.Slots() {
		if s == t {
			return i
		}
	}
	return 0
}

// AddDocument acquires a thread-state slot, appends every field's
// tokens/doc-values into that slot's accumulator, and releases the slot.
// The docID is assigned per slot and is not returned to the caller.
func (w *Writer) AddDocument(ctx context.Context, fields []Field) error {
	if w.pool.Stalled() {
		atomic.AddUint64(&w.stats.TotStallEvents, 1)
	}
	slot, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer w.pool.Release(slot)

	idx := w.slotIndex(slot)
	docID := w.nextDocID[idx]
	w.nextDocID[idx]++

	acc := slot.Acc()
	ds := DocState{DocID: docID}

	for _, f := range fields {
		if f.Stored != nil {
			doc, ok := w.stored[idx][docID]
			if !ok {
				doc = make(map[string][]byte)
				w.stored[idx][docID] = doc
			}
			doc[f.Info.Name] = append([]byte(nil), f.Stored...)
		}

		fs := FieldState{Info: f.Info}
		for i, tok := range f.Tokens {
			add := acc.addTerm
			if i == 0 {
				add = acc.newTerm
			}
			if err := add(tok.Term, ds, fs, tok.Position, tok.StartOffset, tok.EndOffset, tok.Payload); err != nil {
				return err
			}
		}
		switch f.Info.DocValues {
		case segment.DocValuesNumeric:
			if err := acc.addDV(docID, f.Info, segment.DocValuesNumeric, f.Numeric, nil); err != nil {
				return err
			}
		case segment.DocValuesBinary:
			if err := acc.addDV(docID, f.Info, segment.DocValuesBinary, 0, f.Binary); err != nil {
				return err
			}
		case segment.DocValuesSorted:
			if err := acc.addDV(docID, f.Info, segment.DocValuesSorted, 0, f.Binary); err != nil {
				return err
			}
		case segment.DocValuesSortedSet:
			if err := acc.addDVSortedSet(docID, f.Info, f.SortedSet); err != nil {
				return err
			}
		}
	}
	atomic.AddUint64(&w.stats.TotDocsAdded, 1)
	return nil
}

// DeleteByTerm records a pending delete-by-term fold for every slot
// currently holding buffered documents (spec §4.1's "delete folding at
// flush"): any document carrying this (field, term) pair that was
// added to a slot before this call is cleared from that slot's live
// docs the next time the slot flushes. It does not touch documents
// already committed into prior segments -- deleting those requires
// reopening and calling PersistLiveDocs against the committed reader.
func (w *Writer) DeleteByTerm(field string, term []byte) {
	key := field + "\x00" + string(term)
	w.delMu.Lock()
	defer w.delMu.Unlock()
	for idx := range w.pool.Slots() {
		if w.pendingDeletes[idx] == nil {
			w.pendingDeletes[idx] = make(map[string]int)
		}
		w.pendingDeletes[idx][key] = w.nextDocID[idx]
	}
}

// FlushSlot persists the given slot's accumulator as a new segment and
// commits it into the manifest via the two-phase protocol (prepareCommit
// / finishCommit), matching the writer flush path in spec §4.3. The
// caller must hold the slot (i.e. call this between Acquire and
// Release, or have already acquired it via AddDocument's internal
// machinery -- exposed here for callers driving their own flush
// cadence against Config.RAMBufferSizeMB / MaxBufferedDocs).
func (w *Writer) FlushSlot(slot *ThreadState) (err error) {
	start := time.Now()
	w.fireEvent(EventKindFlushStart, start)
	defer w.fireEvent(EventKindFlushEnd, start)

	w.pool.BeginFlush(slot)
	defer w.pool.FinishFlush(slot)

	atomic.AddUint64(&w.stats.TotFlushes, 1)
	defer func() {
		if err != nil {
			atomic.AddUint64(&w.stats.TotFlushErrors, 1)
		}
	}()

	acc := slot.Acc()
	if acc == nil {
		return fmt.Errorf("flush requested on a slot with no accumulator")
	}
	idx := w.slotIndex(slot)

	infos := w.manifest.Infos()
	name := infos.NewSegmentName()
	info := segment.SegmentInfo{Name: name, DocCount: w.nextDocID[idx]}

	w.delMu.Lock()
	deletes := w.pendingDeletes[idx]
	w.pendingDeletes[idx] = nil
	w.delMu.Unlock()

	sw := NewSegmentWriter(info)
	liveDocs := newLiveDocs(info.DocCount)
	if err := acc.flush(sw.FieldsConsumer(), sw.DocValuesConsumer(), liveDocs, deletes); err != nil {
		return err
	}

	if err := writeStoredDocs(sw.StoredFieldsWriter(), w.stored[idx], info.DocCount); err != nil {
		return err
	}

	persisted, err := sw.Persist(w.dir)
	if err != nil {
		return err
	}

	sci := newSegmentCommitInfo(persisted)
	infos.Segments = append(infos.Segments, sci)

	if err := w.manifest.prepareCommit(w.dir); err != nil {
		return err
	}
	if err := w.manifest.finishCommit(w.dir); err != nil {
		_ = w.manifest.rollbackCommit(w.dir)
		return err
	}

	atomic.AddUint64(&w.stats.TotCommits, 1)
	releaseAccumulator(acc)
	slot.accumulator = acquireAccumulator()
	w.nextDocID[idx] = 0
	w.stored[idx] = make(map[int]map[string][]byte)
	return nil
}

// Commit flushes every slot that currently holds buffered documents.
// Callers must not have AddDocument calls in flight concurrently with
// Commit -- it walks the slot array directly rather than going through
// Acquire, since a slot already idle (the common case between indexing
// bursts) has nothing to contend over.
func (w *Writer) Commit(ctx context.Context) error {
	start := time.Now()
	w.fireEvent(EventKindCommitStart, start)
	defer w.fireEvent(EventKindCommitEnd, start)
	for _, slot := range w.pool.Slots() {
		idx := w.slotIndex(slot)
		if w.nextDocID[idx] == 0 {
			continue
		}
		if err := w.FlushSlot(slot); err != nil {
			return err
		}
	}
	return nil
}

// OpenReaders opens one Reader per live segment in the manifest,
// sharing cores across calls via the writer's coreCache so a reader
// opened immediately after Commit doesn't re-parse what FlushSlot just
// wrote.
func (w *Writer) OpenReaders() ([]*Reader, error) {
	infos := w.manifest.Infos()
	readers := make([]*Reader, 0, len(infos.Segments))
	for _, sci := range infos.Segments {
		r, err := OpenReader(w.dir, w.cache, sci)
		if err != nil {
			for _, opened := range readers {
				_ = opened.Close()
			}
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// Close deactivates the thread pool, refusing any further Acquire.
func (w *Writer) Close() error {
	start := time.Now()
	w.fireEvent(EventKindCloseStart, start)
	w.pool.Deactivate()
	w.fireEvent(EventKindClose, start)
	return nil
}
