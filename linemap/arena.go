package linemap

import "github.com/kovaxis/gaze/layout"

// Tree fan-out. Nodes hold between fanout/2 and fanout entries, except the
// root. Sixteen keeps a node within a few cache lines while holding the
// height of a terabyte-size tree around ten levels.
const (
	fanout       = 16
	minOccupancy = fanout / 2
)

// summary is the cached monoidal aggregate of a subtree or fragment: total
// virtual length, composed layout delta (meaningful only while mapped), the
// all-descendants-mapped flag, and a lower bound on the widest line wholly
// inside the mapped portion.
type summary struct {
	vlen   int64
	delta  layout.Delta
	mapped bool
	width  float64
}

// comp composes two adjacent summaries.
func (a summary) comp(b summary) summary {
	out := summary{
		vlen:   a.vlen + b.vlen,
		mapped: a.mapped && b.mapped,
		width:  max(a.width, b.width),
	}
	if out.mapped {
		out.delta = a.delta.Comp(b.delta)
	}

	return out
}

func fragSummary(f *fragment) summary {
	return summary{vlen: f.vlen, delta: f.delta, mapped: f.mapped, width: f.width}
}

// node is one arena slot. Leaves hold fragments; internal nodes hold arena
// indices of children, all of equal height. Entry slices have capacity
// fanout+1 so an insertion can overflow transiently before the overflow is
// split away.
type node struct {
	leaf   bool
	height int
	child  []int32
	frags  []fragment
	sum    summary
	free   bool
	next   int32
}

func (nd *node) count() int {
	if nd.leaf {
		return len(nd.frags)
	}

	return len(nd.child)
}

// arena owns all nodes of one tree. Children reference each other by index,
// which keeps the structure compact and makes split/join free of ownership
// cycles.
type arena struct {
	nodes []node
	free  int32
}

func newArena() arena {
	return arena{free: -1}
}

func (ar *arena) at(i int32) *node {
	return &ar.nodes[i]
}

// alloc returns a fresh node slot, reusing freed slots first.
func (ar *arena) alloc(leaf bool) int32 {
	var i int32
	if ar.free >= 0 {
		i = ar.free
		ar.free = ar.nodes[i].next
	} else {
		ar.nodes = append(ar.nodes, node{})
		i = int32(len(ar.nodes) - 1)
	}
	nd := &ar.nodes[i]
	*nd = node{leaf: leaf, next: -1}
	if leaf {
		nd.frags = make([]fragment, 0, fanout+1)
	} else {
		nd.child = make([]int32, 0, fanout+1)
	}

	return i
}

// release returns one node slot to the freelist. It does not touch children.
func (ar *arena) release(i int32) {
	nd := &ar.nodes[i]
	nd.free = true
	nd.child = nil
	nd.frags = nil
	nd.next = ar.free
	ar.free = i
}

// releaseTree returns a whole subtree to the freelist.
func (ar *arena) releaseTree(i int32) {
	if i < 0 {
		return
	}
	nd := ar.at(i)
	if !nd.leaf {
		for _, c := range nd.child {
			ar.releaseTree(c)
		}
	}
	ar.release(i)
}

// recompute refreshes a node's cached summary and height from its entries.
func (ar *arena) recompute(i int32) {
	nd := &ar.nodes[i]
	s := summary{mapped: true}
	if nd.leaf {
		nd.height = 0
		for k := range nd.frags {
			fs := fragSummary(&nd.frags[k])
			if k == 0 {
				s = fs
			} else {
				s = s.comp(fs)
			}
		}
	} else {
		for k, c := range nd.child {
			cs := ar.nodes[c].sum
			if k == 0 {
				s = cs
				nd.height = ar.nodes[c].height + 1
			} else {
				s = s.comp(cs)
			}
		}
	}
	nd.sum = s
}
