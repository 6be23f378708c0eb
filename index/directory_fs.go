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
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	mmap "github.com/blevesearch/mmap-go"
)

// FileSystemDirectory memory-maps segment files for reads and, on
// persist, writes them to a temp file renamed into place, appending no
// footer of its own, matching the teacher's
// vendor/.../bluge/index/directory_fs.go FileSystemDirectory.
type FileSystemDirectory struct {
	path string

	mu       sync.Mutex
	lockFile *os.File
}

// NewFileSystemDirectory returns a Directory rooted at path, creating it
// if necessary.
func NewFileSystemDirectory(path string) *FileSystemDirectory {
	return &FileSystemDirectory{path: path}
}

func (d *FileSystemDirectory) Setup(readOnly bool) error {
	if readOnly {
		if _, err := os.Stat(d.path); err != nil {
			return &IndexNotFoundError{Dir: d.path, Cause: err}
		}
		return nil
	}
	return os.MkdirAll(d.path, 0o755)
}

func (d *FileSystemDirectory) fileName(kind string, id uint64) string {
	return fmt.Sprintf("%s_%x.seg", kind, id)
}

func (d *FileSystemDirectory) List(kind string) ([]string, error) {
	entries, err := ioutil.ReadDir(d.path)
	if err != nil {
		return nil, &LowLevelIOError{Op: "list", File: d.path, Cause: err}
	}
	var rv []string
	prefix := kind
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			rv = append(rv, e.Name())
		}
	}
	sort.Strings(rv)
	return rv, nil
}

func (d *FileSystemDirectory) Load(item string) (*SegmentData, error) {
	f, err := os.Open(filepath.Join(d.path, item))
	if err != nil {
		return nil, &LowLevelIOError{Op: "open", File: item, Cause: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &LowLevelIOError{Op: "stat", File: item, Cause: err}
	}

	var mapped mmap.MMap
	if info.Size() > 0 {
		mapped, err = mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, &LowLevelIOError{Op: "mmap", File: item, Cause: err}
		}
	}

	closed := false
	return &SegmentData{
		Read: func(start, end int) ([]byte, error) {
			if closed {
				return nil, fmt.Errorf("read after close: %s", item)
			}
			if start < 0 || end > len(mapped) || start > end {
				return nil, &CorruptIndexError{File: item, Reason: "read out of bounds"}
			}
			return mapped[start:end], nil
		},
		Size: func() int64 { return info.Size() },
		Close: func() error {
			if closed {
				return nil
			}
			closed = true
			if mapped != nil {
				if err := mapped.Unmap(); err != nil {
					f.Close()
					return err
				}
			}
			return f.Close()
		},
	}, nil
}

func (d *FileSystemDirectory) persistTo(name string, w func(DirectoryWriter) error) error {
	tmpName := name + ".tmp"
	full := filepath.Join(d.path, tmpName)
	f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &LowLevelIOError{Op: "create", File: name, Cause: err}
	}

	cw := &countHashWriter{w: f, crc: crc32.NewIEEE()}
	if err := w(cw); err != nil {
		f.Close()
		os.Remove(full)
		return err
	}
	if err := f.Close(); err != nil {
		return &LowLevelIOError{Op: "close", File: name, Cause: err}
	}
	return os.Rename(full, filepath.Join(d.path, name))
}

func (d *FileSystemDirectory) Persist(kind string, id uint64, w func(DirectoryWriter) error, closeCh chan struct{}) error {
	return d.persistTo(d.fileName(kind, id), w)
}

func (d *FileSystemDirectory) PersistNamed(name string, w func(DirectoryWriter) error) error {
	return d.persistTo(name, w)
}

func (d *FileSystemDirectory) Remove(kind string, id uint64) error {
	return d.RemoveNamed(d.fileName(kind, id))
}

func (d *FileSystemDirectory) RemoveNamed(name string) error {
	if err := os.Remove(filepath.Join(d.path, name)); err != nil && !os.IsNotExist(err) {
		return &LowLevelIOError{Op: "remove", File: name, Cause: err}
	}
	return nil
}

func (d *FileSystemDirectory) Stats() (uint64, uint64) {
	entries, err := ioutil.ReadDir(d.path)
	if err != nil {
		return 0, 0
	}
	var n, sz uint64
	for _, e := range entries {
		if !e.IsDir() {
			n++
			sz += uint64(e.Size())
		}
	}
	return n, sz
}

func (d *FileSystemDirectory) Sync(kind string) error { return d.syncDir() }

func (d *FileSystemDirectory) SyncNamed(name string) error {
	f, err := os.Open(filepath.Join(d.path, name))
	if err != nil {
		return &LowLevelIOError{Op: "sync-open", File: name, Cause: err}
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return &LowLevelIOError{Op: "sync", File: name, Cause: err}
	}
	return d.syncDir()
}

func (d *FileSystemDirectory) syncDir() error {
	dirFile, err := os.Open(d.path)
	if err != nil {
		return &LowLevelIOError{Op: "sync-dir-open", File: d.path, Cause: err}
	}
	defer dirFile.Close()
	_ = dirFile.Sync() // best effort; some filesystems reject syncing directories
	return nil
}

func (d *FileSystemDirectory) Lock() (io.Closer, error) {
	return nil, nil
}

func (d *FileSystemDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockFile != nil {
		return d.lockFile.Close()
	}
	return nil
}

// countHashWriter wraps an io.Writer, accumulating a running CRC32 and
// byte count as bytes flow through. persistTo does not write the sum to
// the file; Sum32 is the only way to read it.
type countHashWriter struct {
	w   *os.File
	crc hashWriter
	n   int64
}

type hashWriter interface {
	Write(p []byte) (int, error)
	Sum32() uint32
}

func (c *countHashWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.crc.Write(p[:n])
		c.n += int64(n)
	}
	return n, err
}

func (c *countHashWriter) Close() error { return c.w.Close() }

func (c *countHashWriter) Sum32() uint32 { return c.crc.Sum32() }
