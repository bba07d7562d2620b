package linemap

import (
	"fmt"
	"math"

	"github.com/kovaxis/gaze/errs"
	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/segment"
)

// Rounding selects which offset OffsetAt returns when the target spatial
// position falls between two character boundaries.
type Rounding uint8

const (
	// Floor returns the greatest offset whose spatial delta is <= target.
	Floor Rounding = iota
	// Round returns whichever neighbouring offset is spatially closer to the
	// target, ties broken toward the earlier offset.
	Round
	// Ceil returns the least offset whose spatial delta is >= target.
	Ceil
)

// maxMissing bounds the number of missing ranges a partial answer reports,
// keeping queries over hugely fragmented unmapped regions cheap. The list is
// a loading hint; refinement converges over repeated queries.
const maxMissing = 32

// maxMissingSpan clamps each reported missing range. A query touching a
// terabyte-sized unmapped fragment should hint at loading its first
// megabyte, not the whole thing.
const maxMissingSpan = 1 << 20

// clampMissing bounds a missing range near its leading edge.
func clampMissing(r segment.Range) segment.Range {
	if r.Len() > maxMissingSpan {
		r.End = r.Off + maxMissingSpan
	}

	return r
}

// clampMissingTail bounds a missing range near its trailing edge, for
// backward refinement hints.
func clampMissingTail(r segment.Range) segment.Range {
	if r.Len() > maxMissingSpan {
		r.Off = r.End - maxMissingSpan
	}

	return r
}

// DeltaResult is the answer to a SpatialDelta query. When Exact is false the
// delta composes only the mapped parts of the range and Missing lists file
// ranges whose arrival would refine it.
type DeltaResult struct {
	Delta   layout.Delta
	Exact   bool
	Missing []segment.Range
}

// OffsetResult is the answer to an OffsetAt query. Actual is the spatial
// delta from the base to the returned offset, which differs from the target
// under rounding and whenever the walk stopped at an unmapped boundary.
type OffsetResult struct {
	Off     int64
	Actual  layout.Delta
	Exact   bool
	Missing []segment.Range
}

// aggState accumulates a range aggregation left to right.
type aggState struct {
	delta   layout.Delta
	exact   bool
	width   float64
	missing []segment.Range
}

func (a *aggState) addKnown(d layout.Delta, w float64) {
	a.delta = a.delta.Comp(d)
	if w > a.width {
		a.width = w
	}
}

func (a *aggState) addMissing(r segment.Range, ok bool) {
	a.exact = false
	if ok && len(a.missing) < maxMissing {
		a.missing = append(a.missing, clampMissing(r))
	}
}

// rangeAgg composes the summary of [lo, hi) over subtree i, which starts at
// absolute offset start. Fully covered mapped subtrees contribute their
// cached summary; partial fragments are rescanned; unmapped parts degrade
// the answer to approximate.
func (t *Tree) rangeAgg(i int32, start, lo, hi int64, a *aggState) {
	nd := t.ar.at(i)
	if lo <= start && start+nd.sum.vlen <= hi && nd.sum.mapped {
		a.addKnown(nd.sum.delta, nd.sum.width)

		return
	}
	if nd.leaf {
		at := start
		for k := range nd.frags {
			f := &nd.frags[k]
			fe := at + f.vlen
			if fe > lo && at < hi {
				from := max(lo, at) - at
				to := min(hi, fe) - at
				if d, w, ok := t.fragRangeDelta(f, from, to); ok {
					a.addKnown(d, w)
				} else {
					r, backed := f.backingRange(from, to)
					a.addMissing(r, backed)
				}
			}
			at = fe
			if at >= hi {
				break
			}
		}

		return
	}
	at := start
	for _, c := range nd.child {
		ce := at + t.ar.at(c).sum.vlen
		if ce > lo && at < hi {
			t.rangeAgg(c, at, lo, hi, a)
		}
		at = ce
		if at >= hi {
			break
		}
	}
}

// SpatialDelta returns the spatial delta from virtual offset a to b, a <= b.
// When the range crosses unmapped or non-resident content the result is
// approximate: it composes the known parts and reports the backing ranges
// needed to refine the answer.
func (t *Tree) SpatialDelta(a, b int64) (DeltaResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt {
		return DeltaResult{}, errs.ErrQuarantined
	}
	if a < 0 || b > t.len() || a > b {
		return DeltaResult{}, fmt.Errorf("%w: range [%d, %d), length %d", errs.ErrInvalidOffset, a, b, t.len())
	}

	return t.spatialDeltaLocked(a, b), nil
}

func (t *Tree) spatialDeltaLocked(a, b int64) DeltaResult {
	res := aggState{exact: true}
	if a < b && t.root >= 0 {
		t.rangeAgg(t.root, 0, a, b, &res)
	}

	return DeltaResult{Delta: res.delta, Exact: res.exact, Missing: res.missing}
}

// MaxLineWidthLB returns a lower bound on the width of the widest line
// wholly contained in the mapped portion of [a, b). The bound may be
// conservatively small; it only ever grows as more content is mapped.
func (t *Tree) MaxLineWidthLB(a, b int64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt {
		return 0, errs.ErrQuarantined
	}
	if a < 0 || b > t.len() || a > b {
		return 0, fmt.Errorf("%w: range [%d, %d), length %d", errs.ErrInvalidOffset, a, b, t.len())
	}
	res := aggState{exact: true}
	if a < b && t.root >= 0 {
		t.rangeAgg(t.root, 0, a, b, &res)
	}

	return res.width, nil
}

// MappedNeighborhood returns the smallest and largest virtual offsets such
// that every fragment strictly between them is resident. An offset inside an
// unmapped fragment has an empty neighborhood (lo == hi == v).
func (t *Tree) MappedNeighborhood(v int64) (int64, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt {
		return 0, 0, errs.ErrQuarantined
	}
	if v < 0 || v > t.len() {
		return 0, 0, fmt.Errorf("%w: offset %d, length %d", errs.ErrInvalidOffset, v, t.len())
	}

	return v - t.mappedExtentLeft(v), v + t.mappedExtentRight(v), nil
}

// mappedExtentRight returns the number of contiguous mapped bytes starting
// at v.
func (t *Tree) mappedExtentRight(v int64) int64 {
	if v >= t.len() {
		return 0
	}
	path, leaf, fi, fragStart := t.locate(v)
	nd := t.ar.at(leaf)
	if !nd.frags[fi].mapped {
		return 0
	}
	ext := fragStart + nd.frags[fi].vlen - v
	for k := fi + 1; k < len(nd.frags); k++ {
		if !nd.frags[k].mapped {
			return ext
		}
		ext += nd.frags[k].vlen
	}
	for d := len(path) - 2; d >= 0; d-- {
		parent := t.ar.at(path[d])
		idx := indexOfChild(parent, path[d+1])
		for k := idx + 1; k < len(parent.child); k++ {
			c := parent.child[k]
			cn := t.ar.at(c)
			if cn.sum.mapped {
				ext += cn.sum.vlen
				continue
			}
			return ext + t.mappedPrefix(c)
		}
	}

	return ext
}

// mappedExtentLeft returns the number of contiguous mapped bytes ending at v.
func (t *Tree) mappedExtentLeft(v int64) int64 {
	if v <= 0 {
		return 0
	}
	path, leaf, fi, fragStart := t.locate(v - 1)
	nd := t.ar.at(leaf)
	if !nd.frags[fi].mapped {
		return 0
	}
	ext := v - fragStart
	for k := fi - 1; k >= 0; k-- {
		if !nd.frags[k].mapped {
			return ext
		}
		ext += nd.frags[k].vlen
	}
	for d := len(path) - 2; d >= 0; d-- {
		parent := t.ar.at(path[d])
		idx := indexOfChild(parent, path[d+1])
		for k := idx - 1; k >= 0; k-- {
			c := parent.child[k]
			cn := t.ar.at(c)
			if cn.sum.mapped {
				ext += cn.sum.vlen
				continue
			}
			return ext + t.mappedSuffix(c)
		}
	}

	return ext
}

// mappedPrefix returns the length of the fully-mapped prefix of subtree i.
func (t *Tree) mappedPrefix(i int32) int64 {
	nd := t.ar.at(i)
	if nd.sum.mapped {
		return nd.sum.vlen
	}
	var ext int64
	if nd.leaf {
		for k := range nd.frags {
			if !nd.frags[k].mapped {
				return ext
			}
			ext += nd.frags[k].vlen
		}

		return ext
	}
	for _, c := range nd.child {
		cn := t.ar.at(c)
		if cn.sum.mapped {
			ext += cn.sum.vlen
			continue
		}

		return ext + t.mappedPrefix(c)
	}

	return ext
}

// mappedSuffix returns the length of the fully-mapped suffix of subtree i.
func (t *Tree) mappedSuffix(i int32) int64 {
	nd := t.ar.at(i)
	if nd.sum.mapped {
		return nd.sum.vlen
	}
	var ext int64
	if nd.leaf {
		for k := len(nd.frags) - 1; k >= 0; k-- {
			if !nd.frags[k].mapped {
				return ext
			}
			ext += nd.frags[k].vlen
		}

		return ext
	}
	for k := len(nd.child) - 1; k >= 0; k-- {
		cn := t.ar.at(nd.child[k])
		if cn.sum.mapped {
			ext += cn.sum.vlen
			continue
		}

		return ext + t.mappedSuffix(nd.child[k])
	}

	return ext
}

// OffsetAt finds the virtual offset whose spatial delta from base is closest
// to target under the rounding mode. The walk anchors at the start of base's
// mapped neighborhood, so backward targets resolve through the same forward
// machinery. When the target falls beyond mapped content the result is the
// offset at the unmapped boundary, the delta actually achieved, and the
// backing ranges needed to refine.
func (t *Tree) OffsetAt(base int64, target layout.Delta, mode Rounding) (OffsetResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt {
		return OffsetResult{}, errs.ErrQuarantined
	}
	if base < 0 || base > t.len() {
		return OffsetResult{}, fmt.Errorf("%w: offset %d, length %d", errs.ErrInvalidOffset, base, t.len())
	}
	if t.root < 0 {
		return OffsetResult{Off: 0, Exact: true}, nil
	}

	m := base - t.mappedExtentLeft(base)
	anchor := t.spatialDeltaLocked(m, base)
	if !anchor.Exact {
		// Content inside the neighborhood was evicted under us; degrade to a
		// base-anchored walk.
		m = base
		anchor = DeltaResult{Exact: true}
	}
	tgt := anchor.Delta.Comp(target)
	if tgt.Cmp(layout.Delta{}) < 0 {
		// Target lies before the mapped neighborhood.
		res := OffsetResult{
			Off:    m,
			Actual: subDelta(layout.Delta{}, anchor.Delta),
			Exact:  false,
		}
		if r, ok := t.backingBefore(m); ok {
			res.Missing = append(res.Missing, clampMissingTail(r))
		}

		return res, nil
	}
	res := t.seekForward(m, tgt, mode)
	res.Actual = subDelta(res.Actual, anchor.Delta)

	return res, nil
}

// subDelta converts a delta measured from an anchor into a delta measured
// from the base, given the anchor-to-base delta d0.
func subDelta(dm, d0 layout.Delta) layout.Delta {
	if dm.Lines == d0.Lines {
		return layout.Delta{Lines: 0, X: dm.X - d0.X}
	}

	return layout.Delta{Lines: dm.Lines - d0.Lines, X: dm.X}
}

// backingBefore returns the file backing of the fragment ending at v.
func (t *Tree) backingBefore(v int64) (segment.Range, bool) {
	if v <= 0 || v > t.len() {
		return segment.Range{}, false
	}
	_, leaf, fi, fragStart := t.locate(v - 1)
	f := &t.ar.at(leaf).frags[fi]

	return f.backingRange(0, v-fragStart)
}

// seekForward walks right from `from`, composing unit summaries until the
// target is bracketed, then descends to the exact character boundary.
// Actual in the result is measured from `from`.
func (t *Tree) seekForward(from int64, tgt layout.Delta, mode Rounding) OffsetResult {
	acc := layout.Delta{}
	if from >= t.len() || acc.Cmp(tgt) >= 0 {
		return OffsetResult{Off: from, Actual: acc, Exact: true}
	}
	path, leaf, fi, fragStart := t.locate(from)
	nd := t.ar.at(leaf)

	res, acc, done := t.seekInFrag(&nd.frags[fi], fragStart, from-fragStart, acc, tgt, mode)
	if done {
		return res
	}
	// Walk the remaining fragments of this leaf, then climb.
	at := fragStart + nd.frags[fi].vlen
	for k := fi + 1; k < len(nd.frags); k++ {
		f := &nd.frags[k]
		res, nacc, done := t.seekInFrag(f, at, 0, acc, tgt, mode)
		if done {
			return res
		}
		acc = nacc
		at += f.vlen
	}
	for d := len(path) - 2; d >= 0; d-- {
		parent := t.ar.at(path[d])
		idx := indexOfChild(parent, path[d+1])
		for k := idx + 1; k < len(parent.child); k++ {
			c := parent.child[k]
			res, nacc, done := t.seekInNode(c, at, acc, tgt, mode)
			if done {
				return res
			}
			acc = nacc
			at += t.ar.at(c).sum.vlen
		}
	}

	// Ran past the end of the buffer: clamp.
	return OffsetResult{Off: t.len(), Actual: acc, Exact: true}
}

// seekInNode seeks the target inside subtree i starting at absolute offset
// nodeStart. Returns either a final result (done) or the accumulated delta
// past the subtree.
func (t *Tree) seekInNode(i int32, nodeStart int64, acc, tgt layout.Delta, mode Rounding) (OffsetResult, layout.Delta, bool) {
	nd := t.ar.at(i)
	if nd.sum.mapped {
		next := acc.Comp(nd.sum.delta)
		if next.Cmp(tgt) < 0 {
			return OffsetResult{}, next, false
		}
	}
	if nd.leaf {
		at := nodeStart
		for k := range nd.frags {
			f := &nd.frags[k]
			res, nacc, done := t.seekInFrag(f, at, 0, acc, tgt, mode)
			if done {
				return res, acc, true
			}
			acc = nacc
			at += f.vlen
		}

		return OffsetResult{}, acc, false
	}
	at := nodeStart
	for _, c := range nd.child {
		res, nacc, done := t.seekInNode(c, at, acc, tgt, mode)
		if done {
			return res, acc, true
		}
		acc = nacc
		at += t.ar.at(c).sum.vlen
	}

	return OffsetResult{}, acc, false
}

// seekInFrag seeks the target inside one fragment, starting `within` bytes
// into it. Unmapped or unavailable fragments terminate the walk with an
// approximate result at their boundary.
func (t *Tree) seekInFrag(f *fragment, fragStart, within int64, acc, tgt layout.Delta, mode Rounding) (OffsetResult, layout.Delta, bool) {
	if within >= f.vlen {
		return OffsetResult{}, acc, false
	}
	stop := func() (OffsetResult, layout.Delta, bool) {
		res := OffsetResult{Off: fragStart + within, Actual: acc, Exact: false}
		if r, ok := f.backingRange(within, f.vlen); ok {
			res.Missing = append(res.Missing, clampMissing(r))
		}

		return res, acc, true
	}
	if !f.mapped {
		return stop()
	}
	data := t.fragBytes(f)
	if data == nil {
		return stop()
	}
	rem := data[within:]

	// Quick skip when the target lies past this fragment.
	remDelta, _, _ := t.scanWhole(rem)
	if end := acc.Comp(remDelta); end.Cmp(tgt) < 0 {
		return OffsetResult{}, end, false
	}

	// The crossing is inside: step characters to find it.
	ld := layout.Delta{}
	prevOff := fragStart + within
	prevD := acc
	pos := 0
	for pos < len(rem) {
		r, size := layout.DecodeChar(rem[pos:])
		ld = t.metrics.Step(ld, r)
		cur := acc.Comp(ld)
		curOff := fragStart + within + int64(pos+size)
		if cur.Cmp(tgt) >= 0 {
			off, actual := pickRounded(prevOff, prevD, curOff, cur, tgt, mode)

			return OffsetResult{Off: off, Actual: actual, Exact: true}, acc, true
		}
		prevOff, prevD = curOff, cur
		pos += size
	}

	// The composed remainder said the target is here, but stepping ran out;
	// settle on the fragment end.
	return OffsetResult{Off: prevOff, Actual: prevD, Exact: true}, acc, true
}

// pickRounded chooses between the boundaries bracketing the target.
func pickRounded(prevOff int64, prevD layout.Delta, curOff int64, curD, tgt layout.Delta, mode Rounding) (int64, layout.Delta) {
	if curD.Cmp(tgt) == 0 {
		return curOff, curD
	}
	switch mode {
	case Floor:
		return prevOff, prevD
	case Ceil:
		return curOff, curD
	default:
		if deltaDistCmp(prevD, curD, tgt) <= 0 {
			return prevOff, prevD
		}

		return curOff, curD
	}
}

// deltaDistCmp compares |a - tgt| against |b - tgt| spatially: line distance
// dominates, x distance breaks same-line ties. Returns <= 0 when a is at
// least as close.
func deltaDistCmp(a, b, tgt layout.Delta) int {
	la := absInt64(a.Lines - tgt.Lines)
	lb := absInt64(b.Lines - tgt.Lines)
	if la != lb {
		if la < lb {
			return -1
		}

		return 1
	}
	xa := math.Abs(a.X - tgt.X)
	xb := math.Abs(b.X - tgt.X)
	switch {
	case xa < xb:
		return -1
	case xa > xb:
		return 1
	default:
		return 0
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}
