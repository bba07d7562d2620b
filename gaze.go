// Package gaze is the editing core of a plaintext editor built for
// stutter-free editing of files larger than RAM.
//
// The core pairs two subsystems per open buffer: a sparse store, a
// demand-paged cache of file-backed byte ranges serviced by a background
// loader, and a linemap tree, a balanced index between virtual byte offsets
// and spatial (line, x) positions that tolerates partial knowledge about
// unscanned regions. The interactive thread never performs I/O and never
// runs an operation costlier than O(log N) in the buffer length; anything
// heavier runs on a buffer's loader or scan worker and publishes its results
// through a change epoch.
//
// # Basic Usage
//
// Opening a file and querying a viewport:
//
//	buf, _ := gaze.Open("/var/log/huge.log")
//	defer buf.Close()
//
//	view, _ := buf.QueryRect(buffer.Rect{
//	    Corner: buffer.Pos{Off: 0},
//	    Size:   buffer.Spatial{Lines: 50, X: 120},
//	})
//	render(view.Runs) // unmapped runs draw as pending
//	<-buf.Changed()   // re-query once more content arrives
//
// Edits are plain offset operations:
//
//	buf.Insert(100, []byte("hello\n"))
//	buf.Delete(50, 150)
//
// Queries on not-yet-resident regions return partial answers plus the
// ranges needed to refine them; the buffer feeds those into the loader's hot
// set automatically, so callers just retry after the epoch advances.
//
// # Package Structure
//
// This package provides convenience constructors around the buffer package.
// The subsystems live in their own packages for direct use: segment and
// sparse (the paging side), layout and linemap (the indexing side), persist
// and compress (compact session state).
package gaze

import (
	"fmt"
	"os"

	"github.com/kovaxis/gaze/buffer"
	"github.com/kovaxis/gaze/persist"
	"github.com/kovaxis/gaze/sparse"
)

// File is the I/O collaborator a buffer reads from. Any ReaderAt with a
// defined length serves; see Open for the os.File wrapper.
type File = sparse.File

// osFile adapts an os.File to the File contract with a length captured at
// open time. The on-disk stream is treated as immutable while open.
type osFile struct {
	*os.File
	length int64
}

func (f osFile) Length() int64 {
	return f.length
}

// Open opens a buffer over a file path. The file handle closes with the
// buffer.
func Open(path string, opts ...buffer.Option) (*buffer.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	wrapped := osFile{File: f, length: info.Size()}
	opts = append([]buffer.Option{buffer.WithPath(path), buffer.WithCloser(f)}, opts...)
	b, err := buffer.New(wrapped, opts...)
	if err != nil {
		f.Close()

		return nil, err
	}

	return b, nil
}

// bytesFile serves an in-memory slice as a backing file.
type bytesFile []byte

func (f bytesFile) Length() int64 {
	return int64(len(f))
}

func (f bytesFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(f)) {
		return 0, fmt.Errorf("read outside buffer at %d", off)
	}
	n := copy(p, f[off:])
	if n < len(p) {
		return n, fmt.Errorf("read past end of buffer")
	}

	return n, nil
}

// OpenBytes opens a buffer over in-memory content. Useful for scratch
// buffers and tests.
func OpenBytes(data []byte, opts ...buffer.Option) (*buffer.Buffer, error) {
	return buffer.New(bytesFile(data), opts...)
}

// OpenFile opens a buffer over a caller-supplied File collaborator.
func OpenFile(file File, opts ...buffer.Option) (*buffer.Buffer, error) {
	return buffer.New(file, opts...)
}

// RestoreFile reopens a buffer from persisted state over a caller-supplied
// File. If the file length no longer matches the state, the edit log is
// discarded and the file reloads whole as unmapped.
func RestoreFile(file File, state []byte, opts ...buffer.Option) (*buffer.Buffer, error) {
	return buffer.Restore(file, state, opts...)
}

// DecodeState inspects persisted state without opening a buffer.
func DecodeState(state []byte) (persist.State, error) {
	return persist.Decode(state)
}
