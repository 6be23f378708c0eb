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

import "io"

// ItemState is what Stats reports about one persisted item, mirroring
// the teacher's directory.go Stats() shape.
type ItemState struct {
	Name string
	Size int64
}

// DirectoryWriter is handed to Persist to stream a new file's bytes.
type DirectoryWriter interface {
	io.Writer
	io.Closer
}

// Directory abstracts the on-disk (or in-memory) backing store for a
// manifest and its segment files, directly grounded on the teacher's
// vendor/.../bluge/index/directory.go Directory interface.
type Directory interface {
	Setup(readOnly bool) error

	// List returns every persisted item whose name begins with kind.
	List(kind string) ([]string, error)

	// Load opens an item for reading. It takes no cancellation channel:
	// a read, once started, is not aborted.
	Load(item string) (*SegmentData, error)

	// Persist streams a new item's bytes via the callback. The item holds
	// exactly the bytes the callback writes; the directory appends no
	// footer of its own (segment and manifest writers add their own CRC32).
	Persist(kind string, id uint64, w func(DirectoryWriter) error, closeCh chan struct{}) error

	// PersistNamed is Persist for the manifest's own generation files,
	// which are named segments_N / segments.gen rather than
	// kind_<id>.seg.
	PersistNamed(name string, w func(DirectoryWriter) error) error

	Remove(kind string, id uint64) error
	RemoveNamed(name string) error

	Stats() (numItems uint64, numBytes uint64)

	Sync(kind string) error
	SyncNamed(name string) error

	Lock() (io.Closer, error)

	Close() error
}

// SegmentData is a read handle over one persisted item's bytes, backed
// either by an mmap'd region (FileSystemDirectory) or an in-memory
// buffer (MemoryDirectory).
type SegmentData struct {
	Read  func(start, end int) ([]byte, error)
	Size  func() int64
	Close func() error
}
