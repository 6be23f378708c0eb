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
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/heroiclabs/nakama-index/segment"
	"go.uber.org/zap"
)

// magicHeader is the generic codec header every manifest and segment
// file in this core begins with; the body format is field-level and
// codec-independent (spec §4.3).
const magicHeader uint32 = 0x6e616b31 // "nak1"

const manifestFormatVersion int32 = -2 // small negative sentinel, as segments.gen requires

// SegmentCommitInfo is the mutable-per-commit overlay on a SegmentInfo
// (data model §3): deletion generation/count, field-infos generation, and
// the per-generation doc-value-update file sets.
type SegmentCommitInfo struct {
	Info          segment.SegmentInfo
	DelGen        int64
	DelCount      int
	FieldInfosGen int64
	DVUpdateFiles map[int64]map[string]struct{}
}

func newSegmentCommitInfo(info segment.SegmentInfo) *SegmentCommitInfo {
	return &SegmentCommitInfo{
		Info:          info,
		DelGen:        -1,
		FieldInfosGen: -1,
		DVUpdateFiles: make(map[int64]map[string]struct{}),
	}
}

// HasDeletions reports invariant 1's delGen=-1 <=> delCount=0 contract.
func (sc *SegmentCommitInfo) HasDeletions() bool { return sc.DelGen != -1 }

// SegmentInfos is the manifest: the ordered list of segment-commit
// descriptors plus the counter/version/generation bookkeeping from data
// model §3.
type SegmentInfos struct {
	Segments       []*SegmentCommitInfo
	Counter        int64
	Version        int64
	Generation     int64
	LastGeneration int64
	UserData       map[string]string
}

func NewSegmentInfos() *SegmentInfos {
	return &SegmentInfos{
		Generation:     0,
		LastGeneration: 0,
		UserData:       make(map[string]string),
	}
}

// NewSegmentName allocates the next segment name from the counter and
// bumps it, matching invariant 2 (counter strictly exceeds every
// existing segment name's numeric suffix).
func (si *SegmentInfos) NewSegmentName() string {
	name := "_" + strconv.FormatInt(si.Counter, 36)
	si.Counter++
	return name
}

// ParseSegmentNameSuffix extracts the base-36 numeric suffix of a segment
// name like "_a", used both by invariant 2's counter check and by the
// integrity checker's aggregate check.
func ParseSegmentNameSuffix(name string) (int64, error) {
	if !strings.HasPrefix(name, "_") {
		return 0, fmt.Errorf("segment name %q missing '_' prefix", name)
	}
	return strconv.ParseInt(name[1:], 36, 64)
}

func segmentsFileName(gen int64) string {
	return "segments_" + strconv.FormatInt(gen, 36)
}

const segmentsGenFileName = "segments.gen"

// Manifest owns one SegmentInfos plus the write-once, two-phase commit
// protocol of spec §4.3, grounded on the teacher's snapshot.go
// WriteTo/ReadFrom + CRC32 footer, and directory.go's Persist/Sync split.
type Manifest struct {
	mu     sync.RWMutex
	infos  *SegmentInfos
	logger *zap.Logger

	pendingName string
	pendingBody []byte
}

func NewManifest(infos *SegmentInfos, logger *zap.Logger) *Manifest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manifest{infos: infos, logger: logger}
}

func (m *Manifest) Infos() *SegmentInfos {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.infos
}

// ReplaceInfos swaps the manifest's working SegmentInfos, for callers
// (the integrity checker's repair path) that build a new SegmentInfos
// out-of-band and want this manifest to carry it through Commit.
func (m *Manifest) ReplaceInfos(infos *SegmentInfos) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = infos
}

// Commit runs the two-phase prepareCommit/finishCommit protocol of spec
// §4.3, rolling back automatically on a finishCommit failure -- the same
// sequence FlushSlot already runs for an ordinary writer flush.
func (m *Manifest) Commit(dir Directory) error {
	if err := m.prepareCommit(dir); err != nil {
		return err
	}
	if err := m.finishCommit(dir); err != nil {
		_ = m.rollbackCommit(dir)
		return err
	}
	return nil
}

// serializeBody writes the field-level body layout from spec §4.3:
// header -> version -> counter -> segCount -> segments -> userData.
// It does NOT include the footer checksum; callers append that
// separately so prepareCommit can write a placeholder and finishCommit
// can overwrite it with the real value without re-deriving the body.
func serializeBody(buf *bytes.Buffer, infos *SegmentInfos, generation int64) {
	_ = binary.Write(buf, binary.BigEndian, magicHeader)
	_ = binary.Write(buf, binary.BigEndian, infos.Version)
	_ = binary.Write(buf, binary.BigEndian, int32(infos.Counter))
	_ = binary.Write(buf, binary.BigEndian, int32(len(infos.Segments)))

	for _, sc := range infos.Segments {
		writeString(buf, sc.Info.Name)
		writeString(buf, sc.Info.Codec)
		_ = binary.Write(buf, binary.BigEndian, sc.DelGen)
		_ = binary.Write(buf, binary.BigEndian, int32(sc.DelCount))
		_ = binary.Write(buf, binary.BigEndian, sc.FieldInfosGen)

		gens := make([]int64, 0, len(sc.DVUpdateFiles))
		for g := range sc.DVUpdateFiles {
			gens = append(gens, g)
		}
		sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
		_ = binary.Write(buf, binary.BigEndian, int32(len(gens)))
		for _, g := range gens {
			_ = binary.Write(buf, binary.BigEndian, g)
			names := make([]string, 0, len(sc.DVUpdateFiles[g]))
			for n := range sc.DVUpdateFiles[g] {
				names = append(names, n)
			}
			sort.Strings(names)
			_ = binary.Write(buf, binary.BigEndian, int32(len(names)))
			for _, n := range names {
				writeString(buf, n)
			}
		}
	}

	keys := make([]string, 0, len(infos.UserData))
	for k := range infos.UserData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_ = binary.Write(buf, binary.BigEndian, int32(len(keys)))
	for _, k := range keys {
		writeString(buf, k)
		writeString(buf, infos.UserData[k])
	}
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, int32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("negative string length")
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// deserializeBody is ReadFrom's counterpart to serializeBody.
func deserializeBody(data []byte) (*SegmentInfos, error) {
	r := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, &CorruptIndexError{Reason: "truncated header", Cause: err}
	}
	if magic != magicHeader {
		return nil, &CorruptIndexError{Reason: fmt.Sprintf("bad header magic %x", magic)}
	}

	infos := NewSegmentInfos()
	if err := binary.Read(r, binary.BigEndian, &infos.Version); err != nil {
		return nil, &CorruptIndexError{Reason: "truncated version", Cause: err}
	}
	var counter, segCount int32
	if err := binary.Read(r, binary.BigEndian, &counter); err != nil {
		return nil, &CorruptIndexError{Reason: "truncated counter", Cause: err}
	}
	infos.Counter = int64(counter)
	if err := binary.Read(r, binary.BigEndian, &segCount); err != nil {
		return nil, &CorruptIndexError{Reason: "truncated segCount", Cause: err}
	}
	if segCount < 0 {
		return nil, &CorruptIndexError{Reason: "negative segCount"}
	}

	for i := int32(0); i < segCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, &CorruptIndexError{Reason: "truncated segment name", Cause: err}
		}
		codec, err := readString(r)
		if err != nil {
			return nil, &CorruptIndexError{Reason: "truncated codec name", Cause: err}
		}
		sc := newSegmentCommitInfo(segment.SegmentInfo{Name: name, Codec: codec})
		if err := binary.Read(r, binary.BigEndian, &sc.DelGen); err != nil {
			return nil, &CorruptIndexError{Reason: "truncated delGen", Cause: err}
		}
		var delCount int32
		if err := binary.Read(r, binary.BigEndian, &delCount); err != nil {
			return nil, &CorruptIndexError{Reason: "truncated delCount", Cause: err}
		}
		sc.DelCount = int(delCount)
		if err := binary.Read(r, binary.BigEndian, &sc.FieldInfosGen); err != nil {
			return nil, &CorruptIndexError{Reason: "truncated fieldInfosGen", Cause: err}
		}
		var numGens int32
		if err := binary.Read(r, binary.BigEndian, &numGens); err != nil {
			return nil, &CorruptIndexError{Reason: "truncated numGenUpdates", Cause: err}
		}
		for g := int32(0); g < numGens; g++ {
			var gen int64
			if err := binary.Read(r, binary.BigEndian, &gen); err != nil {
				return nil, &CorruptIndexError{Reason: "truncated gen", Cause: err}
			}
			var numFiles int32
			if err := binary.Read(r, binary.BigEndian, &numFiles); err != nil {
				return nil, &CorruptIndexError{Reason: "truncated numFiles", Cause: err}
			}
			set := make(map[string]struct{}, numFiles)
			for f := int32(0); f < numFiles; f++ {
				fn, err := readString(r)
				if err != nil {
					return nil, &CorruptIndexError{Reason: "truncated update file name", Cause: err}
				}
				set[fn] = struct{}{}
			}
			sc.DVUpdateFiles[gen] = set
		}
		infos.Segments = append(infos.Segments, sc)
	}

	var numUser int32
	if err := binary.Read(r, binary.BigEndian, &numUser); err != nil {
		return nil, &CorruptIndexError{Reason: "truncated userData count", Cause: err}
	}
	for i := int32(0); i < numUser; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		infos.UserData[k] = v
	}

	return infos, nil
}

// prepareCommit computes the next filename, writes header+body+
// placeholder checksum (not yet synced), and remembers the pending
// output (spec §4.3 step 1).
func (m *Manifest) prepareCommit(dir Directory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingName != "" {
		return &CorruptIndexError{Reason: "prepareCommit called with a commit already pending"}
	}

	next := m.infos.Generation + 1
	name := segmentsFileName(next)

	var body bytes.Buffer
	serializeBody(&body, m.infos, next)

	var placeholder bytes.Buffer
	placeholder.Write(body.Bytes())
	_ = binary.Write(&placeholder, binary.BigEndian, uint32(0)) // placeholder checksum

	if err := dir.PersistNamed(name, func(w DirectoryWriter) error {
		_, err := w.Write(placeholder.Bytes())
		return err
	}); err != nil {
		return &LowLevelIOError{Op: "prepareCommit", File: name, Cause: err}
	}

	m.pendingName = name
	m.pendingBody = body.Bytes()
	m.infos.Generation = next
	return nil
}

// finishCommit writes the real footer checksum, syncs the file, then
// writes segments.gen as a best-effort hint (spec §4.3 step 2).
func (m *Manifest) finishCommit(dir Directory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingName == "" {
		return &CorruptIndexError{Reason: "finishCommit called with no commit pending"}
	}

	crc := crc32.ChecksumIEEE(m.pendingBody)
	var final bytes.Buffer
	final.Write(m.pendingBody)
	_ = binary.Write(&final, binary.BigEndian, crc)

	name := m.pendingName
	if err := dir.PersistNamed(name, func(w DirectoryWriter) error {
		_, err := w.Write(final.Bytes())
		return err
	}); err != nil {
		return &LowLevelIOError{Op: "finishCommit", File: name, Cause: err}
	}
	if err := dir.SyncNamed(name); err != nil {
		return &LowLevelIOError{Op: "finishCommit-sync", File: name, Cause: err}
	}

	m.infos.LastGeneration = m.infos.Generation
	m.infos.Version++

	if err := writeSegmentsGen(dir, m.infos.Generation); err != nil {
		// segments.gen is only a fallback hint for stale directory
		// caches (spec §9 open question 2): log and move on, never
		// fail the commit over it.
		m.logger.Warn("failed to write segments.gen hint", zap.Error(err))
	}

	m.pendingName = ""
	m.pendingBody = nil
	return nil
}

// rollbackCommit closes and deletes the partial segments_{N+1}; the
// manifest's generation counter stays advanced so a retry writes a new,
// higher N, but lastGeneration is untouched (spec §4.3 step 3).
func (m *Manifest) rollbackCommit(dir Directory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingName == "" {
		return nil
	}
	name := m.pendingName
	m.pendingName = ""
	m.pendingBody = nil
	return dir.RemoveNamed(name)
}

func writeSegmentsGen(dir Directory, gen int64) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, manifestFormatVersion)
	_ = binary.Write(&buf, binary.BigEndian, gen)
	_ = binary.Write(&buf, binary.BigEndian, gen)
	crc := crc32.ChecksumIEEE(buf.Bytes())
	_ = binary.Write(&buf, binary.BigEndian, crc)
	return dir.PersistNamed(segmentsGenFileName, func(w DirectoryWriter) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
}

func readSegmentsGen(dir Directory) (int64, error) {
	data, err := dir.Load(segmentsGenFileName)
	if err != nil {
		return 0, err
	}
	defer data.Close()
	raw, err := data.Read(0, int(data.Size()))
	if err != nil {
		return 0, err
	}
	if len(raw) < 4+8+8+4 {
		return 0, &CorruptIndexError{File: segmentsGenFileName, Reason: "truncated"}
	}
	body := raw[:4+8+8]
	crc := crc32.ChecksumIEEE(body)
	gotCRC := binary.BigEndian.Uint32(raw[4+8+8:])
	if crc != gotCRC {
		return 0, &CorruptIndexError{File: segmentsGenFileName, Reason: "checksum mismatch"}
	}
	n1 := int64(binary.BigEndian.Uint64(raw[4:12]))
	n2 := int64(binary.BigEndian.Uint64(raw[12:20]))
	if n1 != n2 {
		return 0, &CorruptIndexError{File: segmentsGenFileName, Reason: "disagreeing generation longs"}
	}
	return n1, nil
}

// discoveryState is the explicit FSM spec §9 asks for: TryListing ->
// TryGenFile -> Lookahead -> Fallback(N-1).
type discoveryState int

const (
	stateTryListing discoveryState = iota
	stateTryGenFile
	stateLookahead
	stateFallback
	stateDone
)

const maxLookahead = 10

func loadManifestBody(dir Directory, gen int64) (*SegmentInfos, error) {
	data, err := dir.Load(segmentsFileName(gen))
	if err != nil {
		return nil, err
	}
	defer data.Close()
	raw, err := data.Read(0, int(data.Size()))
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, &CorruptIndexError{File: segmentsFileName(gen), Reason: "truncated"}
	}
	body, footer := raw[:len(raw)-4], raw[len(raw)-4:]
	crc := crc32.ChecksumIEEE(body)
	gotCRC := binary.BigEndian.Uint32(footer)
	if crc != gotCRC {
		return nil, &CorruptIndexError{File: segmentsFileName(gen), Reason: "footer checksum mismatch"}
	}
	infos, err := deserializeBody(body)
	if err != nil {
		return nil, err
	}
	infos.Generation = gen
	infos.LastGeneration = gen
	return infos, nil
}

// OpenSegmentInfos runs the three-strategy generation-discovery FSM
// (spec §4.3 "Generation discovery (readers)"). It returns the
// SegmentInfos of the latest commit it could open without a low-level
// I/O error.
func OpenSegmentInfos(dir Directory) (*SegmentInfos, error) {
	var lastErr error
	var listedMax int64 = -1

	state := stateTryListing
	attemptedN := make(map[int64]bool)

	tryLoad := func(gen int64) (*SegmentInfos, error) {
		if attemptedN[gen] {
			return nil, fmt.Errorf("already attempted generation %d", gen)
		}
		attemptedN[gen] = true
		return loadManifestBody(dir, gen)
	}

	for state != stateDone {
		switch state {
		case stateTryListing:
			names, err := dir.List("segments_")
			if err == nil {
				for _, n := range names {
					if n == segmentsGenFileName {
						continue
					}
					if gen, perr := ParseSegmentNameSuffix("_" + strings.TrimPrefix(n, "segments_")); perr == nil {
						if gen > listedMax {
							listedMax = gen
						}
					}
				}
			}
			if listedMax >= 0 {
				if infos, err := tryLoad(listedMax); err == nil {
					return infos, nil
				} else {
					lastErr = err
				}
			}
			state = stateTryGenFile

		case stateTryGenFile:
			if gen, err := readSegmentsGen(dir); err == nil {
				if infos, err := tryLoad(gen); err == nil {
					return infos, nil
				} else {
					lastErr = err
				}
			} else {
				lastErr = err
			}
			state = stateLookahead

		case stateLookahead:
			base := listedMax
			if base < 0 {
				base = 0
			}
			for i := int64(1); i <= maxLookahead; i++ {
				if infos, err := tryLoad(base + i); err == nil {
					return infos, nil
				} else {
					lastErr = err
				}
			}
			state = stateFallback

		case stateFallback:
			// second failure in a row on the same N: try N-1 as a
			// last resort (spec §4.3).
			if listedMax >= 2 {
				if infos, err := tryLoad(listedMax - 1); err == nil {
					return infos, nil
				} else {
					lastErr = err
				}
			}
			state = stateDone
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no segments_* file discoverable")
	}
	return nil, &IndexNotFoundError{Cause: lastErr}
}

// applyMergeChanges replaces the contiguous run of merged segments with
// a single new one at the position of the first merged segment,
// preserving the relative order of unmerged segments (spec §4.3).
func (si *SegmentInfos) applyMergeChanges(merged []*SegmentCommitInfo, replacement *SegmentCommitInfo, dropSegment bool) {
	mergedSet := make(map[*SegmentCommitInfo]bool, len(merged))
	for _, m := range merged {
		mergedSet[m] = true
	}

	out := make([]*SegmentCommitInfo, 0, len(si.Segments))
	inserted := false
	for _, sc := range si.Segments {
		if mergedSet[sc] {
			if !inserted {
				if replacement != nil {
					out = append(out, replacement)
				}
				// if replacement is nil and dropSegment is true, every
				// merged segment was fully deleted during merge and no
				// replacement is inserted (spec §4.3).
				_ = dropSegment
				inserted = true
			}
			continue
		}
		out = append(out, sc)
	}
	si.Segments = out
}
