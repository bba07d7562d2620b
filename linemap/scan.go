package linemap

import "github.com/kovaxis/gaze/layout"

// UnmappedRun identifies one unmapped fragment for the background scan. The
// ID pins the fragment's identity: a commit against a stale ID is discarded,
// which is how scans and interleaved edits stay consistent.
type UnmappedRun struct {
	VOff    int64
	VLen    int64
	ID      uint64
	FileOff int64
	Bytes   []byte
}

// FileBacked reports whether the run's content lives in the backing file
// (served through the sparse store) rather than in RAM.
func (u UnmappedRun) FileBacked() bool {
	return u.FileOff >= 0
}

// NextUnmapped returns the first unmapped fragment overlapping [lo, hi), or
// false if everything in the range is mapped. The mapped flags cached on
// internal nodes make the search O(log N).
func (t *Tree) NextUnmapped(lo, hi int64) (UnmappedRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt || t.root < 0 {
		return UnmappedRun{}, false
	}
	lo = max(lo, 0)
	hi = min(hi, t.len())
	if lo >= hi {
		return UnmappedRun{}, false
	}

	return t.firstUnmapped(t.root, 0, lo, hi)
}

func (t *Tree) firstUnmapped(i int32, start, lo, hi int64) (UnmappedRun, bool) {
	nd := t.ar.at(i)
	if nd.sum.mapped || start >= hi || start+nd.sum.vlen <= lo {
		return UnmappedRun{}, false
	}
	if nd.leaf {
		at := start
		for k := range nd.frags {
			f := &nd.frags[k]
			if !f.mapped && at+f.vlen > lo && at < hi {
				return UnmappedRun{
					VOff:    at,
					VLen:    f.vlen,
					ID:      f.id,
					FileOff: f.fileOff,
					Bytes:   f.bytes,
				}, true
			}
			at += f.vlen
		}

		return UnmappedRun{}, false
	}
	at := start
	for _, c := range nd.child {
		if run, ok := t.firstUnmapped(c, at, lo, hi); ok {
			return run, ok
		}
		at += t.ar.at(c).sum.vlen
	}

	return UnmappedRun{}, false
}

// ScannedPart is one laid-out piece of an unmapped run, produced by the
// background scan.
type ScannedPart struct {
	VLen  int64
	Delta layout.Delta
	Width float64
}

// ScanCommit transmutes a prefix of the identified unmapped fragment into
// mapped fragments carrying the given layout. The commit is applied only if
// the fragment still exists unchanged at vOff (matched by ID); otherwise it
// is discarded and the scan re-reads the tree. Committing overlapping or
// repeated scans is safe: a fragment can only be transmuted once.
func (t *Tree) ScanCommit(vOff int64, id uint64, parts []ScannedPart) bool {
	if len(parts) == 0 {
		return false
	}
	var consumed int64
	for _, p := range parts {
		if p.VLen <= 0 {
			return false
		}
		consumed += p.VLen
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt || vOff < 0 || vOff >= t.len() {
		return false
	}
	_, leaf, fi, fragStart := t.locate(vOff)
	old := t.ar.at(leaf).frags[fi]
	if fragStart != vOff || old.id != id || old.mapped || consumed > old.vlen {
		return false
	}

	frags := make([]fragment, 0, len(parts)+1)
	var cum int64
	for _, p := range parts {
		f := fragment{
			id:      t.newFragID(),
			vlen:    p.VLen,
			mapped:  true,
			delta:   p.Delta,
			width:   p.Width,
			fileOff: noBacking,
		}
		if old.fileBacked() {
			f.fileOff = old.fileOff + cum
		}
		if old.bytes != nil {
			f.bytes = old.bytes[cum : cum+p.VLen : cum+p.VLen]
		}
		frags = append(frags, f)
		cum += p.VLen
	}
	if cum < old.vlen {
		tail := fragment{id: t.newFragID(), vlen: old.vlen - cum, fileOff: noBacking}
		if old.fileBacked() {
			tail.fileOff = old.fileOff + cum
		}
		if old.bytes != nil {
			tail.bytes = old.bytes[cum:]
		}
		frags = append(frags, tail)
	}

	l, rest := t.splitNode(t.root, vOff)
	mid, r := t.splitNode(rest, old.vlen)
	t.ar.releaseTree(mid)

	nt := int32(-1)
	for len(frags) > 0 {
		n := min(len(frags), fanout)
		nt = t.join(nt, t.buildLeaf(frags[:n]))
		frags = frags[n:]
	}
	t.root = t.join(t.join(l, nt), r)
	t.epoch.Add(1)

	return !t.corrupt
}
