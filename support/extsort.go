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

package support

import (
	"container/heap"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/gofrs/uuid"
)

// ExternalSorter sorts a record stream too large to hold entirely in
// memory: it buffers up to chunkSize records at a time, sorts each chunk
// in place, spills it to a temp file via RecordWriter, and k-way merges
// the spilled runs back into order on Finish. Grounded on the general
// chunk-sort-merge shape a segment-merge pass already has to perform
// over postings too large to hold in memory at once (the teacher's
// mergeplan package schedules *which* segments merge; this sorter
// supplies the *how* for any one oversized stream) -- no pack library
// offers an offline merge-sort primitive, so this is built directly on
// the standard library's sort and os.CreateTemp, with each run file
// tagged by a gofrs/uuid value so concurrent merges spilling into the
// same directory never collide on a name.
type ExternalSorter struct {
	less      func(a, b []byte) bool
	chunkSize int
	dir       string

	buf      [][]byte
	runFiles []*os.File
}

// NewExternalSorter builds a sorter that spills a new run every
// chunkSize records, ordering records with less, using dir (empty
// string means the OS default) for temp run files.
func NewExternalSorter(chunkSize int, dir string, less func(a, b []byte) bool) *ExternalSorter {
	if chunkSize <= 0 {
		chunkSize = 1 << 16
	}
	return &ExternalSorter{less: less, chunkSize: chunkSize, dir: dir}
}

// Add buffers one record, spilling the current chunk to a run file once
// chunkSize is reached.
func (s *ExternalSorter) Add(record []byte) error {
	cp := append([]byte(nil), record...)
	s.buf = append(s.buf, cp)
	if len(s.buf) >= s.chunkSize {
		return s.spill()
	}
	return nil
}

func (s *ExternalSorter) spill() error {
	if len(s.buf) == 0 {
		return nil
	}
	sort.Slice(s.buf, func(i, j int) bool { return s.less(s.buf[i], s.buf[j]) })

	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, fmt.Sprintf("nakidx-extsort-%s-*.run", id))
	if err != nil {
		return err
	}
	rw := NewRecordWriter(f)
	for _, r := range s.buf {
		if err := rw.Write(r); err != nil {
			f.Close()
			return err
		}
	}
	if err := rw.Flush(); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	s.runFiles = append(s.runFiles, f)
	s.buf = s.buf[:0]
	return nil
}

// mergeItem is one run's current head record, tracked in a min-heap
// ordered by ExternalSorter.less.
type mergeItem struct {
	record []byte
	run    int
}

type mergeHeap struct {
	items []mergeItem
	less  func(a, b []byte) bool
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return h.less(h.items[i].record, h.items[j].record)
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// Finish sorts any buffered records: when nothing was spilled they are
// served from memory (no temp files are created), otherwise they are
// spilled as a final run. It returns an iterator that yields every record across all runs in
// sorted order. The caller must call Close when done to remove the
// temp run files.
func (s *ExternalSorter) Finish() (*MergedRecords, error) {
	if len(s.buf) > 0 || len(s.runFiles) == 0 {
		sort.Slice(s.buf, func(i, j int) bool { return s.less(s.buf[i], s.buf[j]) })
		if len(s.runFiles) == 0 {
			return &MergedRecords{inMemRecs: s.buf}, nil
		}
		if err := s.spill(); err != nil {
			return nil, err
		}
	}

	readers := make([]*RecordReader, len(s.runFiles))
	for i, f := range s.runFiles {
		readers[i] = NewRecordReader(f)
	}
	mr := &MergedRecords{
		readers: readers,
		files:   s.runFiles,
		heap:    &mergeHeap{less: s.less},
	}
	for i, r := range readers {
		rec, err := r.Read()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return nil, err
		}
		heap.Push(mr.heap, mergeItem{record: rec, run: i})
	}
	heap.Init(mr.heap)
	return mr, nil
}

// MergedRecords streams the fully-sorted output of an ExternalSorter.
type MergedRecords struct {
	inMemRecs [][]byte

	readers []*RecordReader
	files   []*os.File
	heap    *mergeHeap
}

// Next returns the next record in sorted order, or io.EOF when
// exhausted.
func (m *MergedRecords) Next() ([]byte, error) {
	if m.heap == nil {
		if len(m.inMemRecs) == 0 {
			return nil, io.EOF
		}
		rec := m.inMemRecs[0]
		m.inMemRecs = m.inMemRecs[1:]
		return rec, nil
	}
	if m.heap.Len() == 0 {
		return nil, io.EOF
	}
	top := heap.Pop(m.heap).(mergeItem)
	next, err := m.readers[top.run].Read()
	if err == nil {
		heap.Push(m.heap, mergeItem{record: next, run: top.run})
	} else if err != io.EOF {
		return nil, err
	}
	return top.record, nil
}

// Close removes every temp run file this sorter created.
func (m *MergedRecords) Close() error {
	var firstErr error
	for _, f := range m.files {
		name := f.Name()
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
