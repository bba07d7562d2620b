package gaze

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kovaxis/gaze/buffer"
	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/linemap"
)

// hugeFile synthesizes a file of arbitrary length without materializing it:
// a newline every 64 bytes, printable filler elsewhere.
type hugeFile struct {
	length int64
}

func (f hugeFile) Length() int64 {
	return f.length
}

func (f hugeFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= f.length {
		return 0, fmt.Errorf("read outside file at %d", off)
	}
	for i := range p {
		at := off + int64(i)
		if at >= f.length {
			return i, fmt.Errorf("EOF")
		}
		if at%64 == 63 {
			p[i] = '\n'
		} else {
			p[i] = byte('a' + at%26)
		}
	}

	return len(p), nil
}

func waitExactDelta(t *testing.T, b *buffer.Buffer, lo, hi int64) layout.Delta {
	t.Helper()
	var d layout.Delta
	var qerr error
	require.Eventually(t, func() bool {
		res, err := b.SpatialDelta(lo, hi)
		if err != nil {
			qerr = err

			return true
		}
		d = res.Delta

		return res.Exact
	}, 10*time.Second, time.Millisecond)
	require.NoError(t, qerr)

	return d
}

// Scenario: opening a terabyte file yields one unmapped fragment; queries
// answer partially, and the first viewport's worth becomes concrete once the
// loader and scan catch up.
func TestScenario_TerabyteFileRefines(t *testing.T) {
	b, err := OpenFile(hugeFile{length: 1 << 40})
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, int64(1)<<40, b.Len())

	res, err := b.SpatialDelta(0, 1e12)
	require.NoError(t, err)
	require.False(t, res.Exact, "nothing is resident yet")
	require.NotEmpty(t, res.Missing)

	// A viewport query retargets the hot set at the top of the file.
	_, err = b.QueryRect(buffer.Rect{Size: buffer.Spatial{Lines: 50, X: 120}})
	require.NoError(t, err)

	d := waitExactDelta(t, b, 0, 1_000_000)
	// One newline every 64 bytes.
	require.Equal(t, int64(1_000_000/64), d.Lines)
}

// Scenario: inserting "hello\n" into a resident region adds exactly one line
// to every spatial delta that spans it.
func TestScenario_InsertAddsLine(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 30)
	b, err := OpenBytes(content)
	require.NoError(t, err)
	defer b.Close()
	_, err = b.QueryRect(buffer.Rect{Size: buffer.Spatial{Lines: 10, X: 400}})
	require.NoError(t, err)

	pre := waitExactDelta(t, b, 0, 100)
	require.NoError(t, b.Insert(100, []byte("hello\n")))
	post := waitExactDelta(t, b, 0, 106)

	require.Equal(t, pre.Lines+1, post.Lines)
	require.Zero(t, post.X)
}

// Scenario: pasting a 30 GB file region at the front leaves the tail fully
// queryable.
func TestScenario_HugePasteKeepsTailResponsive(t *testing.T) {
	file := hugeFile{length: 1 << 36}
	b, err := OpenFile(file)
	require.NoError(t, err)
	defer b.Close()
	_, err = b.QueryRect(buffer.Rect{Size: buffer.Spatial{Lines: 20, X: 120}})
	require.NoError(t, err)
	waitExactDelta(t, b, 0, 4096)

	require.NoError(t, b.InsertFileRegion(0, 1<<35, 30<<30))
	require.Equal(t, int64(1<<36)+30<<30, b.Len())

	// The previously mapped head now sits past the pasted region and still
	// answers exactly.
	res, err := b.SpatialDelta(30<<30, 30<<30+4096)
	require.NoError(t, err)
	require.True(t, res.Exact)

	// The paste itself reads as unmapped until scanned.
	front, err := b.SpatialDelta(0, 100)
	require.NoError(t, err)
	require.False(t, front.Exact)
}

// Scenario: a buffer persists its unsaved edits and a restart replays them
// against the same backing file.
func TestScenario_PersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0o644))

	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Insert(0, []byte("title\n")))
	state, err := b.Persist()
	require.NoError(t, err)
	b.Close()

	st, err := DecodeState(state)
	require.NoError(t, err)
	require.Equal(t, path, st.Path)
	require.Len(t, st.Edits, 1)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	restored, err := RestoreFile(osFile{File: f, length: info.Size()}, state)
	require.NoError(t, err)
	defer restored.Close()
	require.Equal(t, int64(len("title\nalpha\nbeta\ngamma\n")), restored.Len())
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
}

func TestIterator_WalksBufferContent(t *testing.T) {
	b, err := OpenBytes([]byte("hi\nthere"))
	require.NoError(t, err)
	defer b.Close()
	_, err = b.QueryRect(buffer.Rect{Size: buffer.Spatial{Lines: 5, X: 80}})
	require.NoError(t, err)
	waitExactDelta(t, b, 0, b.Len())

	it := b.Iter(0)
	var sb []rune
	for {
		r, _, ok := it.Next()
		if !ok {
			break
		}
		if r == linemap.Unmapped {
			continue
		}
		sb = append(sb, r)
	}
	require.Equal(t, "hi\nthere", string(sb))
}
