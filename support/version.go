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

// Package support holds the small, general-purpose pieces C1-C5 lean on
// that have no natural third-party home: a dotted version-string
// comparer (segment.SegmentInfo.Version), DFA minimization, an offline
// external sorter, and streaming length-prefixed record I/O.
package support

import (
	"strconv"
	"strings"
)

// CompareVersions orders two dotted numeric version strings
// (e.g. "4.6.0" vs "4.10.1") component by component, numerically rather
// than lexically, padding the shorter string with zeros. It returns a
// negative number, zero, or a positive number as a < b, a == b, a > b.
func CompareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var na, nb int64
		if i < len(pa) {
			na, _ = strconv.ParseInt(pa[i], 10, 64)
		}
		if i < len(pb) {
			nb, _ = strconv.ParseInt(pb[i], 10, 64)
		}
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}
