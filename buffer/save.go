package buffer

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// saveChunk bounds how much content a save job materializes per tree query,
// so the tree mutex is held only briefly at a time.
const saveChunk = 1 << 20

var saveSeq atomic.Uint64

// SaveJob tracks one background write-out of buffer content.
type SaveJob struct {
	id   uint64
	done chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the job identifier.
func (j *SaveJob) ID() uint64 {
	return j.id
}

// Done returns a channel closed when the job finishes.
func (j *SaveJob) Done() <-chan struct{} {
	return j.done
}

// Err returns the job's outcome once Done is closed.
func (j *SaveJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.err
}

func (j *SaveJob) fail(err error) {
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
}

// Save streams the buffer's current content to w on a background goroutine
// and returns immediately with a job handle. In-RAM fragments write their
// bytes; file-backed fragments stream straight from the backing file, whose
// bytes equal the buffer's by the resident-run invariant. Edits racing a
// save land in the saved output chunk by chunk; callers wanting a stable
// snapshot pause edits until the job completes.
func (b *Buffer) Save(w io.Writer) (*SaveJob, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	job := &SaveJob{id: saveSeq.Add(1), done: make(chan struct{})}
	go func() {
		defer close(job.done)
		job.fail(b.writeContent(w))
	}()

	return job, nil
}

func (b *Buffer) writeContent(w io.Writer) error {
	buf := make([]byte, 0, saveChunk)
	for off := int64(0); off < b.tree.Len(); {
		end := min(off+saveChunk, b.tree.Len())
		runs, err := b.tree.Runs(off, end)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			break
		}
		for _, run := range runs {
			switch {
			case run.Bytes != nil:
				if _, err := w.Write(run.Bytes); err != nil {
					return fmt.Errorf("failed to write saved content: %w", err)
				}
			case run.HasBacking:
				if err := b.copyFileRange(w, &buf, run.Backing.Off, run.Backing.End); err != nil {
					return err
				}
			default:
				return fmt.Errorf("content at offset %d is unavailable", run.Off)
			}
			off = run.Off + run.Len
		}
	}

	return nil
}

// copyFileRange streams [lo, hi) of the backing file to w.
func (b *Buffer) copyFileRange(w io.Writer, buf *[]byte, lo, hi int64) error {
	for at := lo; at < hi; {
		n := min(int64(saveChunk), hi-at)
		*buf = (*buf)[:n]
		read, err := b.file.ReadAt(*buf, at)
		if read > 0 {
			if _, werr := w.Write((*buf)[:read]); werr != nil {
				return fmt.Errorf("failed to write saved content: %w", werr)
			}
			at += int64(read)
		}
		if err != nil && at < hi {
			return fmt.Errorf("failed to read backing file at %d: %w", at, err)
		}
	}

	return nil
}
