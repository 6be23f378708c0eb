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
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryDirectory is an in-memory Directory, used by tests and by
// integrity-checker dry-runs that should never touch disk. It mirrors
// FileSystemDirectory's semantics (same rename-on-persist atomicity,
// same naming scheme) without the filesystem.
type MemoryDirectory struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{items: make(map[string][]byte)}
}

func (d *MemoryDirectory) Setup(readOnly bool) error { return nil }

func (d *MemoryDirectory) fileName(kind string, id uint64) string {
	return fmt.Sprintf("%s_%x.seg", kind, id)
}

func (d *MemoryDirectory) List(kind string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rv []string
	for name := range d.items {
		if strings.HasPrefix(name, kind) {
			rv = append(rv, name)
		}
	}
	sort.Strings(rv)
	return rv, nil
}

func (d *MemoryDirectory) Load(item string) (*SegmentData, error) {
	d.mu.Lock()
	data, ok := d.items[item]
	d.mu.Unlock()
	if !ok {
		return nil, &LowLevelIOError{Op: "open", File: item, Cause: fmt.Errorf("not found")}
	}
	return &SegmentData{
		Read: func(start, end int) ([]byte, error) {
			if start < 0 || end > len(data) || start > end {
				return nil, &CorruptIndexError{File: item, Reason: "read out of bounds"}
			}
			return data[start:end], nil
		},
		Size:  func() int64 { return int64(len(data)) },
		Close: func() error { return nil },
	}, nil
}

type memWriteCloser struct {
	buf bytes.Buffer
}

func (m *memWriteCloser) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memWriteCloser) Close() error                { return nil }

func (d *MemoryDirectory) persistTo(name string, w func(DirectoryWriter) error) error {
	mw := &memWriteCloser{}
	if err := w(mw); err != nil {
		return err
	}
	d.mu.Lock()
	d.items[name] = append([]byte(nil), mw.buf.Bytes()...)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Persist(kind string, id uint64, w func(DirectoryWriter) error, closeCh chan struct{}) error {
	return d.persistTo(d.fileName(kind, id), w)
}

func (d *MemoryDirectory) PersistNamed(name string, w func(DirectoryWriter) error) error {
	return d.persistTo(name, w)
}

func (d *MemoryDirectory) Remove(kind string, id uint64) error {
	return d.RemoveNamed(d.fileName(kind, id))
}

func (d *MemoryDirectory) RemoveNamed(name string) error {
	d.mu.Lock()
	delete(d.items, name)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) Stats() (uint64, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sz uint64
	for _, v := range d.items {
		sz += uint64(len(v))
	}
	return uint64(len(d.items)), sz
}

func (d *MemoryDirectory) Sync(kind string) error     { return nil }
func (d *MemoryDirectory) SyncNamed(name string) error { return nil }

func (d *MemoryDirectory) Lock() (io.Closer, error) { return nil, nil }

func (d *MemoryDirectory) Close() error { return nil }
