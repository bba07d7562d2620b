package linemap

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kovaxis/gaze/errs"
	"github.com/kovaxis/gaze/layout"
)

// sliceSource serves a byte slice as the backing file.
type sliceSource []byte

func (s sliceSource) TryBytes(off, n int64) []byte {
	if off < 0 || n < 0 || off+n > int64(len(s)) {
		return nil
	}

	return s[off : off+n]
}

func testMetrics(t *testing.T) *layout.Metrics {
	t.Helper()
	m, err := layout.NewMetrics(layout.WithCellAdvance(1.0))
	require.NoError(t, err)

	return m
}

func newTestTree(t *testing.T, opts ...TreeOption) *Tree {
	t.Helper()
	tree, err := NewTree(testMetrics(t), opts...)
	require.NoError(t, err)

	return tree
}

// mapAll drives the background-scan protocol synchronously until no unmapped
// fragment remains in [0, len).
func mapAll(t *testing.T, tree *Tree, src sliceSource, granularity int64) {
	t.Helper()
	m := testMetrics(t)
	for {
		run, ok := tree.NextUnmapped(0, tree.Len())
		if !ok {
			return
		}
		data := run.Bytes
		if run.FileBacked() {
			data = src.TryBytes(run.FileOff, run.VLen)
			require.NotNil(t, data, "test source must cover file-backed runs")
		}
		var parts []ScannedPart
		for off := int64(0); off < run.VLen; {
			n := min(granularity, run.VLen-off)
			d, st, w := layout.Scan(data[off:off+n], layout.State{}, m)
			vlen := n - int64(st.Pending())
			if off+n == run.VLen && st.Pending() > 0 {
				fd, _, fw := layout.Flush(st, m)
				d = d.Comp(fd)
				vlen = n
				if fw > w {
					w = fw
				}
			}
			require.Positive(t, vlen)
			parts = append(parts, ScannedPart{VLen: vlen, Delta: d, Width: w})
			off += vlen
		}
		require.True(t, tree.ScanCommit(run.VOff, run.ID, parts))
	}
}

// content returns the buffer's bytes, failing on unavailable content.
func content(t *testing.T, tree *Tree) []byte {
	t.Helper()
	runs, err := tree.Runs(0, tree.Len())
	require.NoError(t, err)
	var buf bytes.Buffer
	for _, r := range runs {
		require.NotNil(t, r.Bytes, "content unavailable at %d", r.Off)
		buf.Write(r.Bytes)
	}

	return buf.Bytes()
}

func TestTree_EmptyBuffer(t *testing.T) {
	tree := newTestTree(t)
	require.Zero(t, tree.Len())
	require.NoError(t, tree.Validate())

	d, err := tree.SpatialDelta(0, 0)
	require.NoError(t, err)
	require.True(t, d.Exact)
	require.True(t, d.Delta.IsZero())

	res, err := tree.OffsetAt(0, layout.Delta{}, Round)
	require.NoError(t, err)
	require.Zero(t, res.Off)
}

func TestTree_SingleByte(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(0, []byte("x")))
	require.Equal(t, int64(1), tree.Len())
	require.NoError(t, tree.Validate())

	d, err := tree.SpatialDelta(0, 1)
	require.NoError(t, err)
	require.Equal(t, layout.Delta{Lines: 0, X: 1.0}, d.Delta)
}

func TestTree_InsertIdentity(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(0, []byte("hello")))
	before := tree.Epoch()

	require.NoError(t, tree.Insert(2, nil))
	require.NoError(t, tree.Insert(2, []byte{}))
	require.NoError(t, tree.Delete(3, 3))

	require.Equal(t, before, tree.Epoch())
	require.Equal(t, []byte("hello"), content(t, tree))
}

func TestTree_InsertAtEdges(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(0, []byte("middle")))
	require.NoError(t, tree.Insert(0, []byte("front-")))
	require.NoError(t, tree.Insert(tree.Len(), []byte("-back")))

	require.Equal(t, []byte("front-middle-back"), content(t, tree))
	require.NoError(t, tree.Validate())
}

func TestTree_InsertOutOfRange(t *testing.T) {
	tree := newTestTree(t)
	require.ErrorIs(t, tree.Insert(1, []byte("x")), errs.ErrInvalidOffset)
	require.ErrorIs(t, tree.Insert(-1, []byte("x")), errs.ErrInvalidOffset)
	require.ErrorIs(t, tree.Delete(0, 1), errs.ErrInvalidOffset)
}

func TestTree_InvalidEditMidCharacter(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(0, []byte("a日b"))) // boundaries at 0,1,4,5

	err := tree.Insert(2, []byte("x"))
	require.ErrorIs(t, err, errs.ErrInvalidEdit)
	err = tree.Delete(1, 3)
	require.ErrorIs(t, err, errs.ErrInvalidEdit)

	// The rejected edits must not have mutated anything.
	require.Equal(t, []byte("a日b"), content(t, tree))
	require.NoError(t, tree.Validate())
}

func TestTree_DeleteMiddle(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(0, []byte("0123456789")))
	require.NoError(t, tree.Delete(3, 7))
	require.Equal(t, []byte("012789"), content(t, tree))
	require.NoError(t, tree.Validate())
}

func TestTree_ManyEditsStayBalanced(t *testing.T) {
	tree := newTestTree(t)
	var want []byte
	// Deterministic mix of front, middle, and back inserts.
	for i := 0; i < 300; i++ {
		chunk := []byte(fmt.Sprintf("c%03d\n", i))
		pos := (int64(i) * 37) % (tree.Len() + 1)
		require.NoError(t, tree.Insert(pos, chunk))
		want = append(want[:pos:pos], append(append([]byte{}, chunk...), want[pos:]...)...)
		if i%25 == 0 {
			require.NoError(t, tree.Validate())
		}
	}
	require.Equal(t, want, content(t, tree))
	require.NoError(t, tree.Validate())

	// Delete deterministic slices until little remains.
	for tree.Len() > 40 {
		lo := tree.Len() / 5
		hi := lo + tree.Len()/3
		require.NoError(t, tree.Delete(lo, hi))
		want = append(want[:lo:lo], want[hi:]...)
		require.NoError(t, tree.Validate())
	}
	require.Equal(t, want, content(t, tree))
}

func TestTree_FileRegionInsertIsUnmapped(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.InsertFileRegion(0, 0, 1<<40))
	require.Equal(t, int64(1)<<40, tree.Len())

	d, err := tree.SpatialDelta(0, 1<<40)
	require.NoError(t, err)
	require.False(t, d.Exact)
	require.NotEmpty(t, d.Missing)
	require.NoError(t, tree.Validate())
}

func TestTree_LargeInsertGoesUnmapped(t *testing.T) {
	tree := newTestTree(t, WithInlineLimit(8))
	big := bytes.Repeat([]byte("ab\n"), 10) // 30 bytes > limit
	require.NoError(t, tree.Insert(0, big))

	run, ok := tree.NextUnmapped(0, tree.Len())
	require.True(t, ok)
	require.False(t, run.FileBacked())
	require.Equal(t, big, run.Bytes)

	mapAll(t, tree, nil, 7)
	_, ok = tree.NextUnmapped(0, tree.Len())
	require.False(t, ok)
	require.Equal(t, big, content(t, tree))

	d, err := tree.SpatialDelta(0, tree.Len())
	require.NoError(t, err)
	require.True(t, d.Exact)
	require.Equal(t, layout.Delta{Lines: 10, X: 0}, d.Delta)
}

func TestTree_AdjacentUnmappedRunsStayUnmerged(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.InsertFileRegion(0, 1000, 50))
	require.NoError(t, tree.InsertFileRegion(50, 9000, 70))

	run1, ok := tree.NextUnmapped(0, 50)
	require.True(t, ok)
	require.Equal(t, int64(50), run1.VLen)
	require.Equal(t, int64(1000), run1.FileOff)

	run2, ok := tree.NextUnmapped(50, 120)
	require.True(t, ok)
	require.Equal(t, int64(70), run2.VLen)
	require.Equal(t, int64(9000), run2.FileOff)

	// An edit in between must not fuse them either.
	require.NoError(t, tree.Insert(50, []byte("x")))
	run1, ok = tree.NextUnmapped(0, 50)
	require.True(t, ok)
	require.Equal(t, int64(50), run1.VLen)
	require.NoError(t, tree.Validate())
}

func TestTree_SplitMappedFragmentKeepsLayout(t *testing.T) {
	src := sliceSource([]byte("one\ntwo\nthree\n"))
	tree := newTestTree(t)
	tree.SetSource(src)

	require.NoError(t, tree.InsertFileRegion(0, 0, int64(len(src))))
	mapAll(t, tree, src, 1<<20)

	before, err := tree.SpatialDelta(0, tree.Len())
	require.NoError(t, err)
	require.True(t, before.Exact)

	// Splitting a mapped file-backed fragment rescans both halves.
	require.NoError(t, tree.Insert(6, []byte("X")))
	after, err := tree.SpatialDelta(0, tree.Len())
	require.NoError(t, err)
	require.True(t, after.Exact)
	require.Equal(t, before.Delta.Lines, after.Delta.Lines)
	require.NoError(t, tree.Validate())
}

func TestTree_ScanCommitStaleIDDiscarded(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.InsertFileRegion(0, 0, 100))

	run, ok := tree.NextUnmapped(0, 100)
	require.True(t, ok)

	// An edit splits the fragment, minting fresh identities.
	require.NoError(t, tree.Insert(10, []byte("zz")))

	ok = tree.ScanCommit(run.VOff, run.ID, []ScannedPart{{VLen: 10, Delta: layout.Delta{X: 10}}})
	require.False(t, ok, "commit against a stale fragment identity must be discarded")
	require.NoError(t, tree.Validate())
}

func TestTree_ScanCommitPartialLeavesTail(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.InsertFileRegion(0, 500, 100))

	run, ok := tree.NextUnmapped(0, 100)
	require.True(t, ok)
	require.True(t, tree.ScanCommit(run.VOff, run.ID, []ScannedPart{
		{VLen: 40, Delta: layout.Delta{Lines: 2, X: 3}},
	}))

	tail, ok := tree.NextUnmapped(0, 100)
	require.True(t, ok)
	require.Equal(t, int64(40), tail.VOff)
	require.Equal(t, int64(60), tail.VLen)
	require.Equal(t, int64(540), tail.FileOff)

	// Replaying the first commit must be a no-op: the prefix is mapped now.
	require.False(t, tree.ScanCommit(run.VOff, run.ID, []ScannedPart{
		{VLen: 40, Delta: layout.Delta{Lines: 2, X: 3}},
	}))
	require.NoError(t, tree.Validate())
}
