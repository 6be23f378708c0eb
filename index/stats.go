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

import "sync/atomic"

// Stats tracks counters about a Writer's lifetime, trimmed down from the
// teacher's much larger merge/persist-oriented Stats struct (this core has
// no background merger) to the operations C1-C3 actually perform.
// TotXxx fields are monotonic counters; CurXxx fields are gauges.
type Stats struct {
	TotDocsAdded   uint64
	TotFlushes     uint64
	TotFlushErrors uint64
	TotCommits     uint64
	TotStallEvents uint64

	CurOnDiskBytes uint64
	CurOnDiskFiles uint64
}

func (w *Writer) Stats() Stats {
	files, bytes := w.dir.Stats()
	rv := Stats{
		TotDocsAdded:   atomic.LoadUint64(&w.stats.TotDocsAdded),
		TotFlushes:     atomic.LoadUint64(&w.stats.TotFlushes),
		TotFlushErrors: atomic.LoadUint64(&w.stats.TotFlushErrors),
		TotCommits:     atomic.LoadUint64(&w.stats.TotCommits),
		TotStallEvents: atomic.LoadUint64(&w.stats.TotStallEvents),
		CurOnDiskBytes: bytes,
		CurOnDiskFiles: files,
	}
	return rv
}
