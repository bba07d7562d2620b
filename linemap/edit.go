package linemap

import (
	"fmt"
	"unicode/utf8"

	"github.com/kovaxis/gaze/errs"
)

// boundaryOK reports whether offset k of data is a UTF-8 code point
// boundary.
func boundaryOK(data []byte, k int64) bool {
	return utf8.RuneStart(data[k])
}

func (t *Tree) checkEditable(v int64) error {
	if t.corrupt {
		return errs.ErrQuarantined
	}
	if v < 0 || v > t.len() {
		return fmt.Errorf("%w: offset %d, length %d", errs.ErrInvalidOffset, v, t.len())
	}

	return nil
}

// Insert grafts resident bytes at virtual offset v. Inserts at or below the
// inline limit are laid out on the calling thread; larger ones enter the
// tree as an unmapped in-RAM run for the background scan to lay out.
//
// An empty insert is the identity: the tree, including its epoch, is
// untouched. The bytes are copied; the caller keeps ownership of data.
func (t *Tree) Insert(v int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkEditable(v); err != nil {
		return err
	}

	frag := fragment{
		id:      t.newFragID(),
		vlen:    int64(len(data)),
		fileOff: noBacking,
		bytes:   append([]byte(nil), data...),
	}
	if frag.vlen <= t.inlineLimit {
		frag.delta, frag.width, _ = t.scanWhole(frag.bytes)
		frag.mapped = true
	}

	return t.graft(v, frag)
}

// InsertFileRegion grafts a file-backed region of known length at virtual
// offset v. The region enters the tree unmapped; its layout becomes known as
// the background scan processes it.
func (t *Tree) InsertFileRegion(v, fileOff, n int64) error {
	if n == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkEditable(v); err != nil {
		return err
	}
	if n < 0 || fileOff < 0 {
		return fmt.Errorf("%w: file region [%d, %d)", errs.ErrInvalidOffset, fileOff, fileOff+n)
	}

	return t.graft(v, fragment{
		id:      t.newFragID(),
		vlen:    n,
		fileOff: fileOff,
	})
}

// graft splits at v and joins the new fragment in. Caller holds the mutex
// and has validated v.
func (t *Tree) graft(v int64, frag fragment) error {
	if err := t.ensureBoundary(v); err != nil {
		return err
	}
	l, r := int32(-1), int32(-1)
	if t.root >= 0 {
		l, r = t.splitNode(t.root, v)
	}
	t.root = t.join(t.join(l, t.buildLeaf([]fragment{frag})), r)
	if t.corrupt {
		return errs.ErrCorruption
	}
	t.epoch.Add(1)

	return nil
}

// Delete removes the virtual range [lo, hi). Deleting an empty range is the
// identity. Mapped content rejects ranges that split a multi-byte character.
func (t *Tree) Delete(lo, hi int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt {
		return errs.ErrQuarantined
	}
	if lo < 0 || hi > t.len() || lo > hi {
		return fmt.Errorf("%w: range [%d, %d), length %d", errs.ErrInvalidOffset, lo, hi, t.len())
	}
	if lo == hi {
		return nil
	}
	// Validate both ends before splitting either, so a rejected delete leaves
	// the tree untouched.
	for _, v := range []int64{lo, hi} {
		if v <= 0 || v >= t.len() {
			continue
		}
		_, leaf, fi, fragStart := t.locate(v)
		f := &t.ar.at(leaf).frags[fi]
		if !f.mapped || fragStart == v {
			continue
		}
		if data := t.fragBytes(f); data != nil && !boundaryOK(data, v-fragStart) {
			return errs.ErrInvalidEdit
		}
	}
	if err := t.ensureBoundary(lo); err != nil {
		return err
	}
	if err := t.ensureBoundary(hi); err != nil {
		return err
	}
	l, rest := t.splitNode(t.root, lo)
	mid, r := int32(-1), int32(-1)
	if rest >= 0 {
		mid, r = t.splitNode(rest, hi-lo)
	}
	t.ar.releaseTree(mid)
	t.root = t.join(l, r)
	if t.corrupt {
		return errs.ErrCorruption
	}
	t.epoch.Add(1)

	return nil
}
