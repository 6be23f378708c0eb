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
	"encoding/binary"

	"github.com/RoaringBitmap/roaring"

	"github.com/heroiclabs/nakama-index/segment"
)

// roaringLiveDocs backs segment.MutableBits with a roaring bitmap of the
// docIDs that are still live; a doc starts live and Clear marks it
// deleted, matching the teacher's use of RoaringBitmap/roaring for
// deleted-doc tracking rather than a plain []bool.
type roaringLiveDocs struct {
	bits  *roaring.Bitmap
	count int
}

// newLiveDocs returns a live-docs bitset with every doc in [0, n) set.
func newLiveDocs(n int) *roaringLiveDocs {
	bits := roaring.New()
	if n > 0 {
		bits.AddRange(0, uint64(n))
	}
	return &roaringLiveDocs{bits: bits, count: n}
}

func (b *roaringLiveDocs) Test(docID int) bool { return b.bits.Contains(uint32(docID)) }
func (b *roaringLiveDocs) Len() int             { return b.count }

func (b *roaringLiveDocs) Clear(docID int) {
	if b.bits.Contains(uint32(docID)) {
		b.bits.Remove(uint32(docID))
	}
}

// liveCount is the number of docs still set, used by readers/checkers to
// cross-check against the manifest's DelCount (SegmentCommitInfo.DelCount
// == Len() - liveCount).
func (b *roaringLiveDocs) liveCount() int { return int(b.bits.GetCardinality()) }

func (b *roaringLiveDocs) marshal() []byte {
	buf, _ := b.bits.ToBytes()
	out := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(out, uint32(b.count))
	copy(out[4:], buf)
	return out
}

func unmarshalLiveDocs(data []byte) (*roaringLiveDocs, error) {
	if len(data) < 4 {
		return nil, &CorruptIndexError{Reason: "truncated live docs bitset"}
	}
	count := int(binary.BigEndian.Uint32(data[:4]))
	bits := roaring.New()
	if err := bits.UnmarshalBinary(data[4:]); err != nil {
		return nil, &CorruptIndexError{Reason: "malformed live docs bitset", Cause: err}
	}
	return &roaringLiveDocs{bits: bits, count: count}, nil
}

var _ segment.MutableBits = (*roaringLiveDocs)(nil)
