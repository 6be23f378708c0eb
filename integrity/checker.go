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

// Package integrity is C5, the deep integrity checker: for each segment
// it opens a reader and walks the eight checks below in order, then
// checks the manifest's counter against every segment's numeric suffix.
// Nothing here mutates the index unless a caller explicitly asks for
// FixIndex. Grounded on the same public segment.* capability surface
// C4's Reader exposes -- this checker is a reader client, not a second
// parser, mirroring how the teacher's own consistency tooling (e.g.
// server/session_cache.go's periodic validation) walks a collaborator's
// public API rather than reaching into its internals.
package integrity

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/heroiclabs/nakama-index/index"
	"github.com/heroiclabs/nakama-index/segment"
	"github.com/heroiclabs/nakama-index/support"
)

// CheckFailure is one typed, recorded violation of a per-segment or
// aggregate invariant. Segment is empty for the aggregate check.
type CheckFailure struct {
	Segment string
	Step    string
	Reason  string
	Cause   error
}

func (f CheckFailure) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Step, f.Reason)
	if f.Segment != "" {
		msg = f.Segment + ": " + msg
	}
	if f.Cause != nil {
		msg += fmt.Sprintf(": %v", f.Cause)
	}
	return msg
}

// SegmentReport is what CheckIndex records for one segment.
type SegmentReport struct {
	Name     string
	Info     *index.SegmentCommitInfo
	NumDocs  int
	MaxDoc   int
	Failures []CheckFailure
}

// OK reports whether the segment passed every check.
func (r SegmentReport) OK() bool { return len(r.Failures) == 0 }

// Report is the result of one CheckIndex run.
type Report struct {
	Segments       []SegmentReport
	Failures       []CheckFailure // aggregate (non-per-segment) failures
	NumBadSegments int
	Clean          bool
	subsetChecked  bool
}

// Options configures one CheckIndex run, mirroring the integrity-checker
// CLI surface.
type Options struct {
	// Segments restricts the check to these segment names; nil/empty
	// means every segment in the manifest. A non-empty Segments makes
	// FixIndex refuse to run, per spec §4.5's repair restriction.
	Segments []string

	// CrossCheckVectors is passed to step 7 (checkTermVectors), which
	// does not act on it: no segment this core writes carries term
	// vectors, so no vector/postings cross-check is run.
	CrossCheckVectors bool

	// Verbose requests per-step detail via the logger; CheckIndex never
	// prints directly, it only logs through the injected *zap.Logger.
	Verbose bool

	// MaxOrdSample bounds step 5's ordinal-seek sample; 0 uses the
	// spec's default of 10000.
	MaxOrdSample int
}

const defaultMaxOrdSample = 10000

func (o Options) maxOrdSample() int {
	if o.MaxOrdSample > 0 {
		return o.MaxOrdSample
	}
	return defaultMaxOrdSample
}

func (o Options) wanted() map[string]bool {
	if len(o.Segments) == 0 {
		return nil
	}
	m := make(map[string]bool, len(o.Segments))
	for _, s := range o.Segments {
		m[s] = true
	}
	return m
}

// CheckIndex opens the manifest, then runs the per-segment checks against
// every segment selected by opts (or all of them), followed by the
// aggregate counter check. It never mutates the directory.
func CheckIndex(dir index.Directory, opts Options, logger *zap.Logger) (*Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	infos, err := index.OpenSegmentInfos(dir)
	if err != nil {
		return nil, err
	}

	wanted := opts.wanted()
	report := &Report{subsetChecked: wanted != nil}

	for _, sci := range infos.Segments {
		if wanted != nil && !wanted[sci.Info.Name] {
			continue
		}
		sr := checkSegment(dir, sci, opts, logger)
		if !sr.OK() {
			report.NumBadSegments++
		}
		report.Segments = append(report.Segments, sr)
	}

	if wanted == nil {
		if f := checkAggregate(infos); f != nil {
			report.Failures = append(report.Failures, *f)
		}
	}

	report.Clean = report.NumBadSegments == 0 && len(report.Failures) == 0
	return report, nil
}

// checkAggregate is the manifest-level check: counter must strictly
// exceed the numeric suffix of every segment name.
func checkAggregate(infos *index.SegmentInfos) *CheckFailure {
	for _, sci := range infos.Segments {
		n, err := index.ParseSegmentNameSuffix(sci.Info.Name)
		if err != nil {
			return &CheckFailure{Step: "aggregate", Reason: fmt.Sprintf("unparseable segment name %q", sci.Info.Name), Cause: err}
		}
		if infos.Counter <= n {
			return &CheckFailure{Step: "aggregate", Reason: fmt.Sprintf("counter %d does not exceed segment %q's suffix %d", infos.Counter, sci.Info.Name, n)}
		}
	}
	return nil
}

// checkSegment opens one reader and runs checks 1-8 in order, catching
// and recording each independently rather than stopping at the first
// failure -- a later check may still be informative even once an
// earlier one has already marked the segment bad.
func checkSegment(dir index.Directory, sci *index.SegmentCommitInfo, opts Options, logger *zap.Logger) SegmentReport {
	sr := SegmentReport{Name: sci.Info.Name, Info: sci}

	r, err := index.OpenReader(dir, nil, sci)
	if err != nil {
		sr.Failures = append(sr.Failures, CheckFailure{Segment: sci.Info.Name, Step: "open", Reason: "could not open segment reader", Cause: err})
		return sr
	}
	defer r.Close()

	sr.MaxDoc = r.MaxDoc()
	sr.NumDocs = r.NumDocs()

	fail := func(step, reason string, cause error) {
		sr.Failures = append(sr.Failures, CheckFailure{Segment: sci.Info.Name, Step: step, Reason: reason, Cause: cause})
		if opts.Verbose {
			logger.Debug("check failed", zap.String("segment", sci.Info.Name), zap.String("step", step), zap.String("reason", reason))
		}
	}
	ok := func(step string) {
		if opts.Verbose {
			logger.Debug("check passed", zap.String("segment", sci.Info.Name), zap.String("step", step))
		}
	}

	checkIdentity(r, fail, ok)
	checkLiveDocs(r, sci, fail, ok)
	checkFieldNorms(r, fail, ok)
	checkTerms(r, fail, ok)
	checkOrdSeeking(r, opts.maxOrdSample(), fail, ok)
	checkStoredFields(r, fail, ok)
	checkTermVectors(r, opts.CrossCheckVectors, fail, ok)
	checkDocValues(r, fail, ok)

	return sr
}

type failFunc func(step, reason string, cause error)
type okFunc func(step string)

// checkIdentity is step 1: codec name present, docCount > 0. This codec
// has a single on-disk version (codecVersion == 1, always >= the
// spec's threshold), so a zero-doc segment is always illegal here --
// there is no pre-4.5-equivalent legacy format this core can produce.
func checkIdentity(r *index.Reader, fail failFunc, ok okFunc) {
	info := r.Info()
	if info.Codec == "" {
		fail("identity", "missing codec name", nil)
		return
	}
	if info.DocCount <= 0 {
		fail("identity", "illegal number of documents", nil)
		return
	}
	if info.Version != "" && support.CompareVersions(info.Version, index.CodecVersionString) > 0 {
		fail("identity", fmt.Sprintf("segment version %q is newer than this codec's %q", info.Version, index.CodecVersionString), nil)
		return
	}
	ok("identity")
}

// checkLiveDocs is step 2: live-docs cardinality and numDocs must both
// equal docCount - delCount when deletions exist; otherwise every doc is
// live.
func checkLiveDocs(r *index.Reader, sci *index.SegmentCommitInfo, fail failFunc, ok okFunc) {
	expected := sci.Info.DocCount - sci.DelCount
	if r.NumDocs() != expected {
		fail("liveDocs", fmt.Sprintf("numDocs=%d, want docCount-delCount=%d", r.NumDocs(), expected), nil)
		return
	}
	if !sci.HasDeletions() && r.NumDocs() != r.MaxDoc() {
		fail("liveDocs", fmt.Sprintf("no deletions recorded but numDocs=%d != maxDoc=%d", r.NumDocs(), r.MaxDoc()), nil)
		return
	}
	live := r.LiveDocs()
	count := 0
	for d := 0; d < r.MaxDoc(); d++ {
		if live.Test(d) {
			count++
		}
	}
	if count != expected {
		fail("liveDocs", fmt.Sprintf("recounted live bits=%d, want %d", count, expected), nil)
		return
	}
	ok("liveDocs")
}

// checkFieldNorms is step 3. This codec never wires a NormsProducer (no
// field accumulates norms, per the doc-value-only scoring model this
// core uses), so the only possible violation is a field whose FieldInfo
// claims HasNorms with nothing able to back it.
func checkFieldNorms(r *index.Reader, fail failFunc, ok okFunc) {
	for _, name := range r.FieldNames() {
		info, _ := r.FieldInfo(name)
		if info.HasNorms {
			fail("fieldNorms", fmt.Sprintf("field %q claims norms but this segment exposes none", name), nil)
			return
		}
	}
	ok("fieldNorms")
}

// checkTerms is step 4: fields in ascending order, terms within a field
// strictly increasing, postings strictly increasing docIDs in range,
// freq/position/offset/payload shape, and a spaced skip/advance
// cross-check against sequential iteration.
func checkTerms(r *index.Reader, fail failFunc, ok okFunc) {
	names := r.FieldNames()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			fail("terms", fmt.Sprintf("fields out of order: %q then %q", names[i-1], names[i]), nil)
			return
		}
	}

	for _, field := range names {
		info, _ := r.FieldInfo(field)
		dict, err := r.Dictionary(field)
		if err != nil {
			fail("terms", fmt.Sprintf("no dictionary for field %q", field), err)
			continue
		}

		it := dict.Iterator()
		var lastTerm []byte
		for {
			entry, err := it.Next()
			if err != nil {
				fail("terms", fmt.Sprintf("field %q: dictionary iteration failed", field), err)
				break
			}
			if entry == nil {
				break
			}
			term := entry.Term()
			if lastTerm != nil && bytes.Compare(lastTerm, term) >= 0 {
				fail("terms", fmt.Sprintf("terms out of order: lastTerm=%q term=%q", lastTerm, term), nil)
				break
			}
			lastTerm = term

			if entry.DocFreq() <= 0 {
				fail("terms", fmt.Sprintf("field %q term %q: docFreq must be > 0", field, term), nil)
				continue
			}

			if !checkPostingsForTerm(r, field, info, term, entry.DocFreq(), fail) {
				continue
			}
		}
		it.Close()
	}
	ok("terms")
}

// checkPostingsForTerm validates one term's posting list shape, plus
// the spaced skip/advance cross-check against sequential iteration, and
// returns false if any violation was recorded.
func checkPostingsForTerm(r *index.Reader, field string, info segment.FieldInfo, term []byte, docFreq int, fail failFunc) bool {
	dict, err := r.Dictionary(field)
	if err != nil {
		fail("terms", fmt.Sprintf("field %q: dictionary unavailable mid-check", field), err)
		return false
	}
	it, err := dict.PostingsList(term, nil)
	if err != nil {
		fail("terms", fmt.Sprintf("field %q term %q: postings list failed", field, term), err)
		return false
	}
	defer it.Close()

	clean := true
	lastDoc := -1
	seen := 0
	var seq []segment.Posting
	for {
		p, err := it.Next()
		if err != nil {
			fail("terms", fmt.Sprintf("field %q term %q: posting iteration failed", field, term), err)
			return false
		}
		if p == nil {
			break
		}
		doc := int(p.Number())
		if doc <= lastDoc {
			fail("terms", fmt.Sprintf("field %q term %q: postings not strictly increasing at doc %d", field, term, doc), nil)
			clean = false
		}
		if doc < 0 || doc >= r.MaxDoc() {
			fail("terms", fmt.Sprintf("field %q term %q: docID %d out of range [0,%d)", field, term, doc, r.MaxDoc()), nil)
			clean = false
		}
		lastDoc = doc
		seen++

		if !info.IndexOptions.HasFreqs() && p.Frequency() != 1 {
			fail("terms", fmt.Sprintf("field %q term %q: freqs disabled but doc %d reports freq=%d", field, term, doc, p.Frequency()), nil)
			clean = false
		}

		lastPos, lastStart := -1, -1
		for _, loc := range p.Locations() {
			if loc.Pos() < lastPos {
				fail("terms", fmt.Sprintf("field %q term %q doc %d: positions not non-decreasing", field, term, doc), nil)
				clean = false
			}
			if loc.End() < loc.Start() {
				fail("terms", fmt.Sprintf("field %q term %q doc %d: endOffset < startOffset", field, term, doc), nil)
				clean = false
			}
			if loc.Start() < lastStart {
				fail("terms", fmt.Sprintf("field %q term %q doc %d: offsets not non-decreasing", field, term, doc), nil)
				clean = false
			}
			lastPos, lastStart = loc.Pos(), loc.Start()
		}
		seq = append(seq, p)
	}
	if seen != docFreq {
		fail("terms", fmt.Sprintf("field %q term %q: recomputed docFreq=%d, recorded=%d", field, term, seen, docFreq), nil)
		clean = false
	}

	if !crossCheckSkips(r, field, term, seq, fail) {
		clean = false
	}
	return clean
}

// crossCheckSkips re-opens the postings list and advances to seven
// spaced targets drawn from the sequentially-collected postings,
// comparing against the sequential result at the same position.
func crossCheckSkips(r *index.Reader, field string, term []byte, seq []segment.Posting, fail failFunc) bool {
	if len(seq) == 0 {
		return true
	}
	const numTargets = 7
	stride := len(seq) / numTargets
	if stride == 0 {
		stride = 1
	}

	dict, err := r.Dictionary(field)
	if err != nil {
		return true // already reported by the caller
	}
	it, err := dict.PostingsList(term, nil)
	if err != nil {
		return true
	}
	defer it.Close()

	clean := true
	for k, i := 0, 0; k < numTargets && i < len(seq); k, i = k+1, i+stride {
		target := seq[i].Number()
		p, err := it.Advance(target)
		if err != nil {
			fail("terms", fmt.Sprintf("field %q term %q: advance(%d) failed", field, term, target), err)
			clean = false
			continue
		}
		if p == nil || p.Number() != target {
			fail("terms", fmt.Sprintf("field %q term %q: advance(%d) disagreed with sequential iteration", field, term, target), nil)
			clean = false
		}
	}
	return clean
}

// checkOrdSeeking is step 5. This codec's Dictionary has no distinct
// ordinal-addressed lookup (the FST's internal ordinal space is never
// surfaced past vellum itself), so "ordinal" here is a term's position
// in ascending iteration order: seeking by that position and re-deriving
// the term's postings through PostingsList(term) must agree with the
// term's own recorded docFreq, for a bounded sample.
func checkOrdSeeking(r *index.Reader, maxSample int, fail failFunc, ok okFunc) {
	for _, field := range r.FieldNames() {
		dict, err := r.Dictionary(field)
		if err != nil {
			continue
		}
		it := dict.Iterator()
		sampled := 0
		for sampled < maxSample {
			entry, err := it.Next()
			if err != nil {
				fail("ordSeeking", fmt.Sprintf("field %q: iteration failed while sampling ordinals", field), err)
				break
			}
			if entry == nil {
				break
			}
			piter, err := dict.PostingsList(entry.Term(), nil)
			if err != nil {
				fail("ordSeeking", fmt.Sprintf("field %q term %q: seek-by-term failed", field, entry.Term()), err)
				sampled++
				continue
			}
			if piter.Count() != uint64(entry.DocFreq()) {
				fail("ordSeeking", fmt.Sprintf("field %q term %q: seek-by-ord postings count %d != docFreq %d", field, entry.Term(), piter.Count(), entry.DocFreq()), nil)
			}
			piter.Close()
			sampled++
		}
		it.Close()
	}
	ok("ordSeeking")
}

// checkStoredFields is step 6: every live doc loads without error, and
// the total visited count equals numDocs.
func checkStoredFields(r *index.Reader, fail failFunc, ok okFunc) {
	sf := r.StoredFields()
	live := r.LiveDocs()
	visited := 0
	for d := 0; d < r.MaxDoc(); d++ {
		if !live.Test(d) {
			continue
		}
		err := sf.VisitDocument(uint64(d), func(field string, value []byte) bool { return true })
		if err != nil {
			fail("storedFields", fmt.Sprintf("doc %d failed to load", d), err)
			continue
		}
		visited++
	}
	if visited != r.NumDocs() {
		fail("storedFields", fmt.Sprintf("visited %d live docs, want numDocs=%d", visited, r.NumDocs()), nil)
		return
	}
	ok("storedFields")
}

// checkTermVectors is step 7. This core never wires a TermVectorsWriter
// (term vectors are out of scope: no field ever sets HasVectors), so
// there is nothing to visit; a future codec that starts setting
// HasVectors would have this check start doing real cross-check work
// against the already-validated postings from step 4.
func checkTermVectors(r *index.Reader, crossCheck bool, fail failFunc, ok okFunc) {
	for _, name := range r.FieldNames() {
		info, _ := r.FieldInfo(name)
		if info.HasVectors {
			fail("termVectors", fmt.Sprintf("field %q claims vectors but this segment exposes none", name), nil)
			return
		}
	}
	_ = crossCheck
	ok("termVectors")
}

// checkDocValues is step 8: per DV field, ordinals (for SORTED/
// SORTED_SET) lie in range, the reverse lookup table is strictly
// increasing under byte order, and every ordinal is referenced by at
// least one live doc.
func checkDocValues(r *index.Reader, fail failFunc, ok okFunc) {
	dv := r.DocValues()
	live := r.LiveDocs()

	for _, field := range r.DVFieldNames() {
		kind, _ := r.DVFieldKind(field)
		switch kind {
		case segment.DocValuesNumeric:
			p, err := dv.Numeric(field)
			if err != nil {
				fail("docValues", fmt.Sprintf("field %q: numeric producer unavailable", field), err)
				continue
			}
			for d := 0; d < r.MaxDoc(); d++ {
				if !live.Test(d) {
					continue
				}
				_, _ = p.Get(d) // absence (ok=false) is the zero-value sentinel
			}

		case segment.DocValuesBinary:
			p, err := dv.Binary(field)
			if err != nil {
				fail("docValues", fmt.Sprintf("field %q: binary producer unavailable", field), err)
				continue
			}
			for d := 0; d < r.MaxDoc(); d++ {
				if !live.Test(d) {
					continue
				}
				_, _ = p.Get(d)
			}

		case segment.DocValuesSorted:
			p, err := dv.Sorted(field)
			if err != nil {
				fail("docValues", fmt.Sprintf("field %q: sorted producer unavailable", field), err)
				continue
			}
			checkOrdTable(field, p.ValueCount(), p.LookupOrd, fail)
			referenced := make([]bool, p.ValueCount())
			for d := 0; d < r.MaxDoc(); d++ {
				if !live.Test(d) {
					continue
				}
				ord, ok := p.Ord(d)
				if !ok {
					continue
				}
				if ord < 0 || ord >= p.ValueCount() {
					fail("docValues", fmt.Sprintf("field %q doc %d: ord %d out of range [0,%d)", field, d, ord, p.ValueCount()), nil)
					continue
				}
				referenced[ord] = true
			}
			checkAllReferenced(field, referenced, fail)

		case segment.DocValuesSortedSet:
			p, err := dv.SortedSet(field)
			if err != nil {
				fail("docValues", fmt.Sprintf("field %q: sorted-set producer unavailable", field), err)
				continue
			}
			checkOrdTable(field, p.ValueCount(), p.LookupOrd, fail)
			referenced := make([]bool, p.ValueCount())
			for d := 0; d < r.MaxDoc(); d++ {
				if !live.Test(d) {
					continue
				}
				for _, ord := range p.Ords(d) {
					if ord < 0 || ord >= p.ValueCount() {
						fail("docValues", fmt.Sprintf("field %q doc %d: ord %d out of range [0,%d)", field, d, ord, p.ValueCount()), nil)
						continue
					}
					referenced[ord] = true
				}
			}
			checkAllReferenced(field, referenced, fail)
		}
	}
	ok("docValues")
}

func checkOrdTable(field string, valueCount int, lookup func(int) []byte, fail failFunc) {
	for i := 0; i < valueCount-1; i++ {
		if bytes.Compare(lookup(i), lookup(i+1)) >= 0 {
			fail("docValues", fmt.Sprintf("field %q: lookupOrd table not strictly increasing at ord %d", field, i), nil)
			return
		}
	}
}

func checkAllReferenced(field string, referenced []bool, fail failFunc) {
	for ord, hit := range referenced {
		if !hit {
			fail("docValues", fmt.Sprintf("field %q: ord %d never referenced by a live doc", field, ord), nil)
			return
		}
	}
}

// FixIndex repairs the manifest by dropping every segment that failed
// any check, bumping the counter above the highest surviving segment
// name, and committing the result through the ordinary two-phase
// protocol. It refuses to run against a checker invocation that was
// restricted to a subset of segments (spec §4.5): a partial view cannot
// safely decide which segments are droppable. Files belonging to
// dropped segments are left on disk; the next writer session collects
// them, matching the source's deferred-cleanup behavior (spec §9).
func FixIndex(dir index.Directory, report *Report, logger *zap.Logger) error {
	if report.subsetChecked {
		return fmt.Errorf("fixIndex refused: check was restricted to a segment subset")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	infos, err := index.OpenSegmentInfos(dir)
	if err != nil {
		return err
	}

	bad := make(map[string]bool, report.NumBadSegments)
	for _, sr := range report.Segments {
		if !sr.OK() {
			bad[sr.Name] = true
		}
	}

	kept := make([]*index.SegmentCommitInfo, 0, len(infos.Segments))
	var maxSuffix int64 = -1
	for _, sci := range infos.Segments {
		if bad[sci.Info.Name] {
			logger.Warn("dropping unreadable segment from manifest", zap.String("segment", sci.Info.Name))
			continue
		}
		kept = append(kept, sci)
		if n, err := index.ParseSegmentNameSuffix(sci.Info.Name); err == nil && n > maxSuffix {
			maxSuffix = n
		}
	}

	next := &index.SegmentInfos{
		Segments:       kept,
		Counter:        infos.Counter,
		Version:        infos.Version,
		Generation:     infos.Generation,
		LastGeneration: infos.LastGeneration,
		UserData:       infos.UserData,
	}
	if next.Counter <= maxSuffix {
		next.Counter = maxSuffix + 1
	}

	m := index.NewManifest(next, logger)
	return m.Commit(dir)
}
