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

import "time"

// Event is what an OnEvent callback receives: which lifecycle moment
// fired, how long it took, and the Writer it fired on.
type Event struct {
	Kind     EventKind
	Writer   *Writer
	Duration time.Duration
}

// EventKind enumerates the lifecycle moments this core reports, trimmed
// to the operations C1-C3 actually perform (no background merger, unlike
// the teacher's bluge, so no merge-related kinds survive the trim).
type EventKind int

const (
	EventKindFlushStart EventKind = iota + 1
	EventKindFlushEnd
	EventKindCommitStart
	EventKindCommitEnd
	EventKindCloseStart
	EventKindClose
)
