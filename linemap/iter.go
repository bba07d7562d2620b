package linemap

import (
	"github.com/kovaxis/gaze/layout"
)

// Unmapped is the sentinel character an iterator yields while crossing
// content whose bytes are not available, one per byte, until the loader and
// scan fill the gap.
const Unmapped rune = '￼'

// Iterator is a lazy character cursor over the buffer. Each step costs
// O(log N) worst case; consecutive steps inside one fragment are O(1) via a
// small cache that is invalidated whenever the tree changes.
type Iterator struct {
	t   *Tree
	off int64

	cacheEpoch uint64
	fragStart  int64
	fragEnd    int64
	data       []byte
	valid      bool
}

// Iter returns a character cursor positioned at the given virtual offset.
func (t *Tree) Iter(off int64) *Iterator {
	return &Iterator{t: t, off: off}
}

// Offset returns the cursor's current virtual offset.
func (it *Iterator) Offset() int64 {
	return it.off
}

// refill points the cache at the fragment containing off. Returns false at
// the end of the buffer.
func (it *Iterator) refill() bool {
	t := it.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt || it.off < 0 || it.off >= t.len() {
		return false
	}
	if it.valid && it.cacheEpoch == t.epoch.Load() && it.off >= it.fragStart && it.off < it.fragEnd {
		return true
	}
	_, leaf, fi, fragStart := t.locate(it.off)
	f := &t.ar.at(leaf).frags[fi]
	it.fragStart = fragStart
	it.fragEnd = fragStart + f.vlen
	it.data = nil
	if f.mapped {
		it.data = t.fragBytes(f)
	}
	it.cacheEpoch = t.epoch.Load()
	it.valid = true

	return true
}

// Next yields the character at the cursor and advances past it. Unavailable
// content yields the Unmapped sentinel one byte at a time. ok is false at
// the end of the buffer.
func (it *Iterator) Next() (r rune, size int64, ok bool) {
	if !it.refill() {
		return 0, 0, false
	}
	if it.data == nil {
		it.off++

		return Unmapped, 1, true
	}
	r, n := layout.DecodeChar(it.data[it.off-it.fragStart:])
	if n == 0 {
		return 0, 0, false
	}
	// Do not step across the fragment edge mid-character.
	if it.off+int64(n) > it.fragEnd {
		n = int(it.fragEnd - it.off)
		r = '�'
	}
	it.off += int64(n)

	return r, int64(n), true
}

// Prev yields the character just before the cursor and moves onto it. ok is
// false at the start of the buffer.
func (it *Iterator) Prev() (r rune, size int64, ok bool) {
	if it.off <= 0 {
		return 0, 0, false
	}
	it.off--
	if !it.refill() {
		it.off++

		return 0, 0, false
	}
	if it.data == nil {
		return Unmapped, 1, true
	}
	// Back up to the start of the character containing the byte at off.
	rel := it.off - it.fragStart
	for rel > 0 && it.off > it.fragStart {
		if boundaryOK(it.data, rel) {
			break
		}
		rel--
		it.off--
	}
	r, n := layout.DecodeChar(it.data[rel:])
	if n == 0 {
		return 0, 0, false
	}

	return r, int64(n), true
}
