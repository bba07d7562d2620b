package buffer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kovaxis/gaze/compress"
	"github.com/kovaxis/gaze/errs"
	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/linemap"
	"github.com/kovaxis/gaze/persist"
)

// memFile serves a byte slice as the backing file, with an optional failing
// window.
type memFile struct {
	data   []byte
	failLo int64
	failHi int64
}

func (f *memFile) Length() int64 {
	return int64(len(f.data))
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(f.data)) {
		return 0, errors.New("read outside file")
	}
	for i := range p {
		at := off + int64(i)
		if at >= int64(len(f.data)) {
			return i, errors.New("EOF")
		}
		if f.failHi > f.failLo && at >= f.failLo && at < f.failHi {
			return i, errors.New("bad sector")
		}
		p[i] = f.data[at]
	}

	return len(p), nil
}

func openTest(t *testing.T, content []byte, opts ...Option) *Buffer {
	t.Helper()
	b, err := New(&memFile{data: content}, opts...)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	return b
}

// viewBytes re-queries the rect until the view is complete, then returns its
// content.
func viewBytes(t *testing.T, b *Buffer, r Rect) []byte {
	t.Helper()
	var out []byte
	var qerr error
	require.Eventually(t, func() bool {
		view, err := b.QueryRect(r)
		if err != nil {
			qerr = err

			return true
		}
		if view.Incomplete {
			return false
		}
		out = out[:0]
		for _, run := range view.Runs {
			out = append(out, run.Bytes...)
		}

		return true
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, qerr)

	return out
}

func TestBuffer_OpenAndView(t *testing.T) {
	content := []byte("one\ntwo\nthree\nfour\nfive\n")
	b := openTest(t, content)
	require.Equal(t, int64(len(content)), b.Len())

	got := viewBytes(t, b, Rect{Size: Spatial{Lines: 100, X: 80}})
	require.Equal(t, content, got)
}

func TestBuffer_ViewClipsToRequestedLines(t *testing.T) {
	content := []byte("l0\nl1\nl2\nl3\nl4\nl5\n")
	b := openTest(t, content)

	got := viewBytes(t, b, Rect{Size: Spatial{Lines: 2, X: 80}})
	// The view is bounded by the start of the first line past the bottom.
	require.Equal(t, []byte("l0\nl1\nl2\n"), got)
}

func TestBuffer_InsertShiftsLayout(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 20) // one long line
	b := openTest(t, content)
	viewBytes(t, b, Rect{Size: Spatial{Lines: 5, X: 80}}) // force mapping

	before, err := b.SpatialDelta(0, 100)
	require.NoError(t, err)
	require.True(t, before.Exact)

	require.NoError(t, b.Insert(100, []byte("hello\n")))

	after, err := b.SpatialDelta(0, 106)
	require.NoError(t, err)
	require.True(t, after.Exact)
	require.Equal(t, before.Delta.Lines+1, after.Delta.Lines)
	require.Zero(t, after.Delta.X)
}

func TestBuffer_DeleteShiftsOffsets(t *testing.T) {
	content := bytes.Repeat([]byte("abcd\n"), 60) // 300 bytes, 60 lines
	b := openTest(t, content)
	viewBytes(t, b, Rect{Size: Spatial{Lines: 100, X: 80}})

	require.NoError(t, b.Delete(50, 150)) // removes 20 whole lines

	// The content byte previously at offset 200 now sits at offset 100 and
	// owns its new, smaller spatial delta.
	at100, err := b.SpatialDelta(0, 100)
	require.NoError(t, err)
	require.Equal(t, layout.Delta{Lines: 20, X: 0}, at100.Delta)
	res, err := b.OffsetAt(0, layout.Delta{Lines: 20, X: 0}, linemap.Floor)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Off)
}

func TestBuffer_DeleteZeroWidthRangePreservesDeltas(t *testing.T) {
	// The deleted range has no spatial extent, so spatial positions recorded
	// before the delete resolve to the shifted offsets afterwards.
	content := append(bytes.Repeat([]byte("a"), 50), bytes.Repeat([]byte{0}, 100)...)
	content = append(content, bytes.Repeat([]byte("b"), 150)...)
	b := openTest(t, content)
	viewBytes(t, b, Rect{Size: Spatial{Lines: 5, X: 1000}})

	at200, err := b.SpatialDelta(0, 200)
	require.NoError(t, err)
	require.True(t, at200.Exact)

	require.NoError(t, b.Delete(50, 150))

	res, err := b.OffsetAt(0, at200.Delta, linemap.Floor)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Off)
}

func TestBuffer_EpochAdvancesOnEdit(t *testing.T) {
	b := openTest(t, []byte("stable content\n"))
	e0 := b.Epoch()
	ch := b.Changed()

	require.NoError(t, b.Insert(0, []byte("x")))
	require.Greater(t, b.Epoch(), e0)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed did not fire after an edit")
	}
}

func TestBuffer_EmptyEditIsIdentity(t *testing.T) {
	b := openTest(t, []byte("abc"))
	e0 := b.Epoch()
	require.NoError(t, b.Insert(1, nil))
	require.NoError(t, b.Delete(2, 2))
	require.Equal(t, e0, b.Epoch())

	blob, err := b.Persist()
	require.NoError(t, err)
	st, err := persist.Decode(blob)
	require.NoError(t, err)
	require.Empty(t, st.Edits)
}

func TestBuffer_PersistRestoreRoundTrip(t *testing.T) {
	content := []byte("persistent\ncontent\nhere\n")
	b := openTest(t, content, WithPath("/tmp/x.txt"), WithCompression(compress.S2))
	viewBytes(t, b, Rect{Size: Spatial{Lines: 50, X: 80}})

	require.NoError(t, b.Insert(0, []byte("## ")))
	require.NoError(t, b.Delete(3, 13)) // drops "persistent"
	blob, err := b.Persist()
	require.NoError(t, err)

	restored, err := Restore(&memFile{data: content}, blob, WithCompression(compress.S2))
	require.NoError(t, err)
	defer restored.Close()

	want := viewBytes(t, b, Rect{Size: Spatial{Lines: 50, X: 80}})
	got := viewBytes(t, restored, Rect{Size: Spatial{Lines: 50, X: 80}})
	require.Equal(t, want, got)
}

func TestBuffer_RestoreLengthMismatchReloads(t *testing.T) {
	content := []byte("original file content\n")
	b := openTest(t, content)
	require.NoError(t, b.Insert(0, []byte("edit")))
	blob, err := b.Persist()
	require.NoError(t, err)

	// The backing file grew since persist time: edits must be discarded.
	grown := append(append([]byte(nil), content...), []byte("more\n")...)
	restored, err := Restore(&memFile{data: grown}, blob)
	require.NoError(t, err)
	defer restored.Close()

	require.Equal(t, int64(len(grown)), restored.Len())
	got := viewBytes(t, restored, Rect{Size: Spatial{Lines: 50, X: 80}})
	require.Equal(t, grown, got)
}

func TestBuffer_SaveStreamsContent(t *testing.T) {
	content := []byte("save me\nplease\n")
	b := openTest(t, content)
	require.NoError(t, b.Insert(0, []byte("# header\n")))
	require.NoError(t, b.Delete(int64(len("# header\nsave me\n")), b.Len()))

	var out bytes.Buffer
	job, err := b.Save(&out)
	require.NoError(t, err)
	<-job.Done()
	require.NoError(t, job.Err())
	require.Equal(t, []byte("# header\nsave me\n"), out.Bytes())
}

func TestBuffer_IOErrorSurfacesButDoesNotKill(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1<<16)
	file := &memFile{data: content, failLo: 0, failHi: 1 << 16}
	b, err := New(file)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.QueryRect(Rect{Size: Spatial{Lines: 5, X: 80}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.Err() != nil
	}, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, b.Err(), errs.ErrReadFailed)

	// Edits still work: the failure is a data condition, not a crash.
	require.NoError(t, b.Insert(0, []byte("still alive\n")))
	require.False(t, b.Quarantined())
}

func TestBuffer_ClosedRejectsOperations(t *testing.T) {
	b := openTest(t, []byte("abc"))
	b.Close()
	require.ErrorIs(t, b.Insert(0, []byte("x")), errs.ErrBufferClosed)
	_, err := b.QueryRect(Rect{})
	require.ErrorIs(t, err, errs.ErrBufferClosed)
	b.Close() // double close is safe
}

func TestBuffer_InvalidEditRejected(t *testing.T) {
	b := openTest(t, []byte("日本語"))
	viewBytes(t, b, Rect{Size: Spatial{Lines: 5, X: 80}})
	require.ErrorIs(t, b.Insert(1, []byte("x")), errs.ErrInvalidEdit)
}

func TestBuffer_BudgetExceededSurfaces(t *testing.T) {
	content := bytes.Repeat([]byte("line of text here\n"), 1024)
	b := openTest(t, content, WithMemoryBudget(64), WithChunkSize(512))

	_, err := b.QueryRect(Rect{Size: Spatial{Lines: 10, X: 80}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.BudgetExceeded()
	}, 5*time.Second, time.Millisecond)
}

func TestBuffer_MetricsOptionShapesLayout(t *testing.T) {
	m, err := layout.NewMetrics(layout.WithCellAdvance(1.0))
	require.NoError(t, err)
	b := openTest(t, []byte("abc\n"), WithMetrics(m))
	viewBytes(t, b, Rect{Size: Spatial{Lines: 5, X: 80}})

	d, err := b.SpatialDelta(0, 3)
	require.NoError(t, err)
	require.Equal(t, layout.Delta{Lines: 0, X: 3.0}, d.Delta)
}
