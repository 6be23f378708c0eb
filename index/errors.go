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

import "fmt"

// The error kinds below are never confused with one another: each is its
// own type so callers can errors.As() for the specific kind they care
// about instead of string-matching a message.

// CorruptIndexError reports a file whose contents violate an invariant:
// bad checksum, out-of-order terms, an impossible count. Never
// auto-recovered.
type CorruptIndexError struct {
	Segment string
	File    string
	Offset  int64
	Reason  string
	Cause   error
}

func (e *CorruptIndexError) Error() string {
	msg := fmt.Sprintf("corrupt index: %s", e.Reason)
	if e.Segment != "" {
		msg += fmt.Sprintf(" (segment=%s)", e.Segment)
	}
	if e.File != "" {
		msg += fmt.Sprintf(" (file=%s offset=%d)", e.File, e.Offset)
	}
	return msg
}

func (e *CorruptIndexError) Unwrap() error { return e.Cause }

// IndexNotFoundError reports that no segments_* file could be discovered
// in the directory.
type IndexNotFoundError struct {
	Dir   string
	Cause error
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index not found in %q", e.Dir)
}

func (e *IndexNotFoundError) Unwrap() error { return e.Cause }

// IndexFormatTooNewError / IndexFormatTooOldError report a header version
// outside the window this core supports.
type IndexFormatTooNewError struct {
	File    string
	Version int32
	Min     int32
	Max     int32
}

func (e *IndexFormatTooNewError) Error() string {
	return fmt.Sprintf("format version %d too new for %q (supported %d-%d)", e.Version, e.File, e.Min, e.Max)
}

type IndexFormatTooOldError struct {
	File    string
	Version int32
	Min     int32
	Max     int32
}

func (e *IndexFormatTooOldError) Error() string {
	return fmt.Sprintf("format version %d too old for %q (supported %d-%d)", e.Version, e.File, e.Min, e.Max)
}

// LowLevelIOError is a transient read/write failure. It triggers the
// manifest's discovery retry loop; if retries exhaust, it is re-raised
// wrapping the original cause.
type LowLevelIOError struct {
	Op    string
	File  string
	Cause error
}

func (e *LowLevelIOError) Error() string {
	return fmt.Sprintf("low level io error during %s on %q: %v", e.Op, e.File, e.Cause)
}

func (e *LowLevelIOError) Unwrap() error { return e.Cause }

// CapacityExceededError reports an accumulator that hit its implementation
// ceiling (e.g. INT32_MAX postings entries). The caller must flush.
type CapacityExceededError struct {
	Field string
	Limit int64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for field %q (limit %d)", e.Field, e.Limit)
}

// SchemaConflictError reports an attempt to re-type a doc-value field, or
// to add postings to a field declared non-indexed. The document is
// rejected; the segment accumulating it is left unharmed.
type SchemaConflictError struct {
	Field  string
	Reason string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict on field %q: %s", e.Field, e.Reason)
}

// InterruptedError is cooperative cancellation: the caller's slot is
// released and the segment is unaffected.
type InterruptedError struct {
	Op string
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted during %s", e.Op)
}
