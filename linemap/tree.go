package linemap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kovaxis/gaze/errs"
	"github.com/kovaxis/gaze/internal/options"
	"github.com/kovaxis/gaze/layout"
)

// DefaultInlineLimit is the largest insert laid out synchronously on the
// caller's thread. Bigger inserts enter the tree as unmapped runs and are
// laid out by the background scan.
const DefaultInlineLimit = 64 * 1024

// Tree is the linemap: a balanced ordered tree of fragments keyed by virtual
// offset. All operations are O(log N) in the buffer length plus the size of
// the touched span. A Tree is owned by exactly one buffer and guarded by its
// own mutex; the background scan holds it only long enough to splice one
// fragment at a time.
type Tree struct {
	mu          sync.Mutex
	ar          arena
	root        int32
	nextID      uint64
	metrics     *layout.Metrics
	source      ByteSource
	inlineLimit int64
	corrupt     bool
	epoch       atomic.Uint64
}

// TreeOption configures a Tree.
type TreeOption = options.Option[*Tree]

// WithInlineLimit sets the largest insert laid out on the caller's thread.
func WithInlineLimit(bytes int64) TreeOption {
	return options.New(func(t *Tree) error {
		if bytes < 0 {
			return fmt.Errorf("invalid inline limit: %d", bytes)
		}
		t.inlineLimit = bytes

		return nil
	})
}

// NewTree creates an empty linemap using the given width metrics.
func NewTree(metrics *layout.Metrics, opts ...TreeOption) (*Tree, error) {
	if metrics == nil {
		return nil, fmt.Errorf("linemap: nil metrics")
	}
	t := &Tree{
		ar:          newArena(),
		root:        -1,
		metrics:     metrics,
		inlineLimit: DefaultInlineLimit,
	}
	if err := options.Apply(t, opts...); err != nil {
		return nil, err
	}

	return t, nil
}

// SetSource wires the byte source used to rescan file-backed resident
// fragments. The source must be non-blocking (the sparse store's try-reads).
func (t *Tree) SetSource(src ByteSource) {
	t.mu.Lock()
	t.source = src
	t.mu.Unlock()
}

// Len returns the buffer length in virtual bytes.
func (t *Tree) Len() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.len()
}

// Epoch returns the tree's change counter. Every edit and every scan commit
// advances it.
func (t *Tree) Epoch() uint64 {
	return t.epoch.Load()
}

// Corrupt reports whether an internal invariant violation was detected. A
// corrupt tree rejects all further operations; the owning buffer quarantines
// itself.
func (t *Tree) Corrupt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.corrupt
}

func (t *Tree) len() int64 {
	if t.root < 0 {
		return 0
	}

	return t.ar.at(t.root).sum.vlen
}

func (t *Tree) newFragID() uint64 {
	t.nextID++

	return t.nextID
}

// locate descends to the leaf fragment containing v (0 <= v < len). It
// returns the root-to-leaf path, the leaf index, the fragment index, and the
// fragment's starting virtual offset.
func (t *Tree) locate(v int64) (path []int32, leaf int32, fi int, fragStart int64) {
	i := t.root
	start := int64(0)
	for {
		path = append(path, i)
		nd := t.ar.at(i)
		if nd.leaf {
			for k := range nd.frags {
				if v < start+nd.frags[k].vlen {
					return path, i, k, start
				}
				start += nd.frags[k].vlen
			}
			t.corrupt = true

			return path, i, len(nd.frags) - 1, start
		}
		next := int32(-1)
		for _, c := range nd.child {
			cl := t.ar.at(c).sum.vlen
			if v < start+cl {
				next = c
				break
			}
			start += cl
		}
		if next < 0 {
			t.corrupt = true
			next = nd.child[len(nd.child)-1]
			start -= t.ar.at(next).sum.vlen
		}
		i = next
	}
}

// buildLeaf makes a leaf node from the given fragments (values are copied).
// Returns -1 for an empty slice.
func (t *Tree) buildLeaf(frags []fragment) int32 {
	if len(frags) == 0 {
		return -1
	}
	i := t.ar.alloc(true)
	nd := t.ar.at(i)
	nd.frags = append(nd.frags, frags...)
	t.ar.recompute(i)

	return i
}

// buildInternal makes an internal node from the given children. A single
// child collapses to the child itself; empty returns -1. Occupancy below the
// minimum is allowed: the result is only ever used as a tree root or fed to
// join, which absorbs underfull roots.
func (t *Tree) buildInternal(children []int32) int32 {
	switch len(children) {
	case 0:
		return -1
	case 1:
		return children[0]
	}
	i := t.ar.alloc(false)
	nd := t.ar.at(i)
	nd.child = append(nd.child, children...)
	t.ar.recompute(i)

	return i
}

// appendAll moves all entries of src after dst's entries. Same-kind nodes
// only; src is left empty.
func (t *Tree) appendAll(dst, src int32) {
	dn, sn := t.ar.at(dst), t.ar.at(src)
	if dn.leaf {
		dn.frags = append(dn.frags, sn.frags...)
		sn.frags = sn.frags[:0]
	} else {
		dn.child = append(dn.child, sn.child...)
		sn.child = sn.child[:0]
	}
}

// balancePair redistributes the entries of two sibling nodes evenly,
// preserving order. Used when their total exceeds one node but either is
// underfull.
func (t *Tree) balancePair(li, ri int32) {
	ln, rn := t.ar.at(li), t.ar.at(ri)
	if ln.leaf {
		all := append(append(make([]fragment, 0, len(ln.frags)+len(rn.frags)), ln.frags...), rn.frags...)
		h := (len(all) + 1) / 2
		ln.frags = append(ln.frags[:0], all[:h]...)
		rn.frags = append(rn.frags[:0], all[h:]...)
	} else {
		all := append(append(make([]int32, 0, len(ln.child)+len(rn.child)), ln.child...), rn.child...)
		h := (len(all) + 1) / 2
		ln.child = append(ln.child[:0], all[:h]...)
		rn.child = append(rn.child[:0], all[h:]...)
	}
	t.ar.recompute(li)
	t.ar.recompute(ri)
}

// splitNodeEven splits an overflowing node into two, returning the new right
// sibling.
func (t *Tree) splitNodeEven(i int32) int32 {
	nd := t.ar.at(i)
	r := t.ar.alloc(nd.leaf)
	rn := t.ar.at(r)
	nd = t.ar.at(i) // alloc may have grown the arena
	if nd.leaf {
		h := len(nd.frags) / 2
		rn.frags = append(rn.frags, nd.frags[h:]...)
		nd.frags = nd.frags[:h]
	} else {
		h := len(nd.child) / 2
		rn.child = append(rn.child, nd.child[h:]...)
		nd.child = nd.child[:h]
	}
	t.ar.recompute(i)
	t.ar.recompute(r)

	return r
}

func indexOfChild(nd *node, c int32) int {
	for k, x := range nd.child {
		if x == c {
			return k
		}
	}

	return -1
}

// fixUp recomputes summaries along a root-to-leaf path and splits any
// overflowing node, growing a new root when the overflow reaches the top.
// Returns the (possibly new) root.
func (t *Tree) fixUp(path []int32) int32 {
	for i := len(path) - 1; i >= 0; i-- {
		cur := path[i]
		t.ar.recompute(cur)
		if t.ar.at(cur).count() <= fanout {
			continue
		}
		right := t.splitNodeEven(cur)
		if i == 0 {
			root := t.ar.alloc(false)
			nd := t.ar.at(root)
			nd.child = append(nd.child, cur, right)
			t.ar.recompute(root)

			return root
		}
		parent := t.ar.at(path[i-1])
		pos := indexOfChild(parent, cur)
		if pos < 0 {
			t.corrupt = true

			return path[0]
		}
		parent.child = append(parent.child, 0)
		copy(parent.child[pos+2:], parent.child[pos+1:])
		parent.child[pos+1] = right
	}

	return path[0]
}

// join concatenates two trees. Either may be -1 (empty). The arguments'
// roots may be underfull; the result is a valid tree.
func (t *Tree) join(l, r int32) int32 {
	if l < 0 {
		return r
	}
	if r < 0 {
		return l
	}
	hl, hr := t.ar.at(l).height, t.ar.at(r).height
	switch {
	case hl == hr:
		if t.ar.at(l).count()+t.ar.at(r).count() <= fanout {
			t.appendAll(l, r)
			t.ar.release(r)
			t.ar.recompute(l)

			return l
		}
		t.balancePair(l, r)
		root := t.ar.alloc(false)
		nd := t.ar.at(root)
		nd.child = append(nd.child, l, r)
		t.ar.recompute(root)

		return root
	case hl > hr:
		return t.joinRight(l, r)
	default:
		return t.joinLeft(l, r)
	}
}

// joinRight attaches the shorter tree r at the right spine of l.
func (t *Tree) joinRight(l, r int32) int32 {
	hr := t.ar.at(r).height
	path := []int32{l}
	for t.ar.at(path[len(path)-1]).height > hr+1 {
		nd := t.ar.at(path[len(path)-1])
		path = append(path, nd.child[len(nd.child)-1])
	}
	att := path[len(path)-1]
	nd := t.ar.at(att)
	nd.child = append(nd.child, r)
	if t.ar.at(r).count() < minOccupancy {
		prev := nd.child[len(nd.child)-2]
		if t.ar.at(prev).count()+t.ar.at(r).count() <= fanout {
			t.appendAll(prev, r)
			t.ar.release(r)
			nd.child = nd.child[:len(nd.child)-1]
			t.ar.recompute(prev)
		} else {
			t.balancePair(prev, r)
		}
	}

	return t.fixUp(path)
}

// joinLeft attaches the shorter tree l at the left spine of r.
func (t *Tree) joinLeft(l, r int32) int32 {
	hl := t.ar.at(l).height
	path := []int32{r}
	for t.ar.at(path[len(path)-1]).height > hl+1 {
		nd := t.ar.at(path[len(path)-1])
		path = append(path, nd.child[0])
	}
	att := path[len(path)-1]
	nd := t.ar.at(att)
	nd.child = append(nd.child, 0)
	copy(nd.child[1:], nd.child)
	nd.child[0] = l
	if t.ar.at(l).count() < minOccupancy {
		next := nd.child[1]
		if t.ar.at(l).count()+t.ar.at(next).count() <= fanout {
			// Merge into l so order is preserved.
			t.appendAll(l, next)
			t.ar.release(next)
			nd.child = append(nd.child[:1], nd.child[2:]...)
			t.ar.recompute(l)
		} else {
			t.balancePair(l, next)
		}
	}

	return t.fixUp(path)
}

// splitNode splits subtree i at relative offset v, which must fall on a
// fragment boundary. The subtree is consumed; the two result trees may be
// -1.
func (t *Tree) splitNode(i int32, v int64) (int32, int32) {
	nd := t.ar.at(i)
	if v <= 0 {
		return -1, i
	}
	if v >= nd.sum.vlen {
		return i, -1
	}
	if nd.leaf {
		var acc int64
		k := 0
		for k < len(nd.frags) && acc+nd.frags[k].vlen <= v {
			acc += nd.frags[k].vlen
			k++
		}
		if acc != v {
			t.corrupt = true
		}
		l := t.buildLeaf(nd.frags[:k])
		r := t.buildLeaf(nd.frags[k:])
		t.ar.release(i)

		return l, r
	}
	var acc int64
	k := 0
	for k < len(nd.child) && acc+t.ar.at(nd.child[k]).sum.vlen <= v {
		acc += t.ar.at(nd.child[k]).sum.vlen
		k++
	}
	if acc == v {
		l := t.buildInternal(nd.child[:k:k])
		r := t.buildInternal(nd.child[k:])
		t.ar.release(i)

		return l, r
	}
	cl, cr := t.splitNode(nd.child[k], v-acc)
	l := t.join(t.buildInternal(nd.child[:k:k]), cl)
	r := t.join(cr, t.buildInternal(nd.child[k+1:]))
	t.ar.release(i)

	return l, r
}

// ensureBoundary splits the fragment containing v so a fragment boundary
// exists exactly at v. Mapped content is validated against splitting inside
// a multi-byte character.
func (t *Tree) ensureBoundary(v int64) error {
	if v <= 0 || v >= t.len() {
		return nil
	}
	path, leaf, fi, fragStart := t.locate(v)
	if t.corrupt {
		return errs.ErrCorruption
	}
	if fragStart == v {
		return nil
	}
	nd := t.ar.at(leaf)
	f := &nd.frags[fi]
	k := v - fragStart
	if f.mapped {
		if data := t.fragBytes(f); data != nil && !boundaryOK(data, k) {
			return errs.ErrInvalidEdit
		}
	}
	left, right := t.splitFrag(f, k)
	nd.frags = append(nd.frags, fragment{})
	copy(nd.frags[fi+2:], nd.frags[fi+1:])
	nd.frags[fi] = left
	nd.frags[fi+1] = right
	t.root = t.fixUp(path)

	return nil
}

// Validate checks every structural invariant of the tree: balanced leaves,
// node occupancy, virtual length sums, and cached summary consistency. It
// returns an error wrapping errs.ErrCorruption on the first violation.
func (t *Tree) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt {
		return fmt.Errorf("%w: corruption flag set", errs.ErrCorruption)
	}
	if t.root < 0 {
		return nil
	}

	return t.validateNode(t.root, true)
}

func (t *Tree) validateNode(i int32, isRoot bool) error {
	nd := t.ar.at(i)
	if nd.free {
		return fmt.Errorf("%w: freed node %d in tree", errs.ErrCorruption, i)
	}
	n := nd.count()
	if n > fanout {
		return fmt.Errorf("%w: node %d overflows: %d entries", errs.ErrCorruption, i, n)
	}
	if !isRoot && n < minOccupancy {
		return fmt.Errorf("%w: node %d underfull: %d entries", errs.ErrCorruption, i, n)
	}
	if isRoot && !nd.leaf && n < 2 {
		return fmt.Errorf("%w: internal root with %d children", errs.ErrCorruption, n)
	}
	if nd.leaf {
		var s summary
		for k := range nd.frags {
			f := &nd.frags[k]
			if f.vlen <= 0 {
				return fmt.Errorf("%w: fragment with length %d", errs.ErrCorruption, f.vlen)
			}
			if k == 0 {
				s = fragSummary(f)
			} else {
				s = s.comp(fragSummary(f))
			}
		}
		if s.vlen != nd.sum.vlen || s.mapped != nd.sum.mapped {
			return fmt.Errorf("%w: leaf %d summary stale", errs.ErrCorruption, i)
		}

		return nil
	}
	var s summary
	for k, c := range nd.child {
		cn := t.ar.at(c)
		if cn.height != nd.height-1 {
			return fmt.Errorf("%w: child height %d under node height %d", errs.ErrCorruption, cn.height, nd.height)
		}
		if err := t.validateNode(c, false); err != nil {
			return err
		}
		if k == 0 {
			s = cn.sum
		} else {
			s = s.comp(cn.sum)
		}
	}
	if s.vlen != nd.sum.vlen || s.mapped != nd.sum.mapped {
		return fmt.Errorf("%w: node %d summary stale", errs.ErrCorruption, i)
	}
	if nd.sum.mapped && s.delta != nd.sum.delta {
		return fmt.Errorf("%w: node %d delta stale", errs.ErrCorruption, i)
	}

	return nil
}
