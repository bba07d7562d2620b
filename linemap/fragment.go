// Package linemap implements the ordered index between virtual byte offsets
// and spatial (line, x) positions: a fixed-fanout B-tree whose leaves hold
// fragments of the buffer and whose internal nodes cache monoidal layout
// summaries.
//
// A fragment is either a resident run, whose layout delta is known, or an
// unmapped run, which occupies virtual-offset space but has unknown layout
// (for example a freshly inserted multi-gigabyte file region). Queries over
// unmapped regions return partial answers plus the backing ranges needed to
// refine them; a background scan converts unmapped runs to resident runs as
// their bytes arrive.
package linemap

import (
	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/segment"
)

// ByteSource provides non-blocking access to file-backed bytes, implemented
// by the sparse store. A nil result means the bytes are not fully resident
// right now; the tree then degrades to a partial answer.
type ByteSource interface {
	TryBytes(off, n int64) []byte
}

// noBacking marks a fragment without a file backing.
const noBacking int64 = -1

// fragment is one leaf entry: a run of vlen virtual bytes.
//
// Content is backed either by in-RAM bytes (freshly inserted data) or by a
// file range served through the sparse store. The identity is unique per
// fragment incarnation; any structural change to a fragment mints new
// identities, which is what lets background scan commits detect that their
// target vanished.
type fragment struct {
	id      uint64
	vlen    int64
	mapped  bool
	delta   layout.Delta
	width   float64
	fileOff int64
	bytes   []byte
}

func (f *fragment) fileBacked() bool {
	return f.fileOff >= 0
}

// backingRange returns the file range backing the [from, to) span of the
// fragment, or false for in-RAM fragments.
func (f *fragment) backingRange(from, to int64) (segment.Range, bool) {
	if !f.fileBacked() {
		return segment.Range{}, false
	}

	return segment.Range{Off: f.fileOff + from, End: f.fileOff + to}, true
}

// fragBytes returns the fragment's content, or nil when it is file-backed
// and not fully resident.
func (t *Tree) fragBytes(f *fragment) []byte {
	if f.bytes != nil {
		return f.bytes
	}
	if f.fileBacked() && t.source != nil {
		return t.source.TryBytes(f.fileOff, f.vlen)
	}

	return nil
}

// fragRangeDelta computes the layout delta of the [from, to) span of a
// mapped fragment, scanning content when the span is a strict subrange.
// Returns false when the content needed is unavailable.
func (t *Tree) fragRangeDelta(f *fragment, from, to int64) (layout.Delta, float64, bool) {
	if from <= 0 && to >= f.vlen {
		return f.delta, f.width, f.mapped
	}
	if !f.mapped {
		return layout.Delta{}, 0, false
	}
	data := t.fragBytes(f)
	if data == nil {
		return layout.Delta{}, 0, false
	}
	d, st, w := layout.Scan(data[from:to], layout.State{}, t.metrics)
	if st.Pending() > 0 {
		fd, _, fw := layout.Flush(st, t.metrics)
		d = d.Comp(fd)
		if fw > w {
			w = fw
		}
	}

	return d, w, true
}

// splitFrag splits a fragment at k bytes, 0 < k < vlen, minting two new
// identities. Mapped fragments keep their mapping when their content is
// reachable; otherwise the halves degrade to unmapped and the background
// scan re-maps them later.
func (t *Tree) splitFrag(f *fragment, k int64) (fragment, fragment) {
	left := fragment{id: t.newFragID(), vlen: k, fileOff: noBacking}
	right := fragment{id: t.newFragID(), vlen: f.vlen - k, fileOff: noBacking}
	if f.fileBacked() {
		left.fileOff = f.fileOff
		right.fileOff = f.fileOff + k
	}
	if f.bytes != nil {
		left.bytes = f.bytes[:k:k]
		right.bytes = f.bytes[k:]
	}
	if f.mapped {
		if data := t.fragBytes(f); data != nil {
			left.delta, left.width, _ = t.scanWhole(data[:k])
			right.delta, right.width, _ = t.scanWhole(data[k:])
			left.mapped = true
			right.mapped = true
		}
	}

	return left, right
}

// scanWhole lays out a complete byte run from a fresh state, flushing any
// trailing partial code point as replacement characters.
func (t *Tree) scanWhole(data []byte) (layout.Delta, float64, layout.State) {
	d, st, w := layout.Scan(data, layout.State{}, t.metrics)
	if st.Pending() > 0 {
		fd, fst, fw := layout.Flush(st, t.metrics)
		d = d.Comp(fd)
		st = fst
		if fw > w {
			w = fw
		}
	}

	return d, w, st
}
