package sparse

import (
	"context"
	"fmt"

	"github.com/kovaxis/gaze/internal/options"
	"github.com/kovaxis/gaze/internal/pool"
)

// File is the I/O collaborator consumed by the loader. Files must have a
// defined length. os.File satisfies the ReadAt half; see gaze.Open for a
// wrapper that adds Length.
type File interface {
	// ReadAt reads len(p) bytes into p starting at the given file offset,
	// following io.ReaderAt semantics.
	ReadAt(p []byte, off int64) (int, error)

	// Length returns the total length of the file in bytes.
	Length() int64
}

// DefaultChunkSize bounds a single loader read. Reads larger than the hot
// range are never issued; reads larger than the chunk size are split so
// cancellation and mutex latency stay bounded.
const DefaultChunkSize = 256 * 1024

// Loader is the single background worker of one store. It wakes on hot-set
// or budget changes, loads the first missing hot range in bounded chunks, and
// commits each chunk under the store mutex. It never performs I/O while
// holding the mutex and never calls back into interactive components.
type Loader struct {
	store  *Store
	file   File
	chunk  int64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// LoaderOption configures a Loader.
type LoaderOption = options.Option[*Loader]

// WithChunkSize bounds the size of a single read.
func WithChunkSize(bytes int64) LoaderOption {
	return options.New(func(l *Loader) error {
		if bytes <= 0 {
			return fmt.Errorf("invalid chunk size: %d", bytes)
		}
		l.chunk = bytes

		return nil
	})
}

// NewLoader starts the background worker for the given store and file.
func NewLoader(store *Store, file File, opts ...LoaderOption) (*Loader, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		store:  store,
		file:   file,
		chunk:  DefaultChunkSize,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := options.Apply(l, opts...); err != nil {
		cancel()

		return nil, err
	}
	go l.run()

	return l, nil
}

// Close cancels outstanding work and joins the worker. The cancellation
// token is observed between chunks, so Close returns promptly even while a
// large hot set is loading.
func (l *Loader) Close() {
	l.cancel()
	<-l.done
}

func (l *Loader) run() {
	defer close(l.done)
	for {
		if l.ctx.Err() != nil {
			return
		}
		r, ok := l.store.takeWork(l.chunk)
		if !ok {
			// Nothing to load; park until the hot set or budget changes.
			select {
			case <-l.ctx.Done():
				return
			case <-l.store.wake:
			}
			continue
		}
		l.loadChunk(r)
	}
}

// loadChunk reads one bounded chunk into a pooled buffer with the mutex
// released, then commits it. Read errors become sticky failed intervals.
func (l *Loader) loadChunk(r Range) {
	bb := pool.GetChunkBuffer()
	defer pool.PutChunkBuffer(bb)
	bb.SetLength(int(r.Len()))

	n, err := l.file.ReadAt(bb.B, r.Off)
	if n > 0 {
		l.store.insertLoaded(r.Off, bb.B[:n])
	}
	if int64(n) < r.Len() {
		if err == nil {
			// A ReaderAt must not return a short read without an error, but a
			// misbehaving collaborator must not stall the worker either.
			err = fmt.Errorf("short read: %d of %d bytes", n, r.Len())
		}
		l.store.markFailed(Range{Off: r.Off + int64(n), End: r.End}, err)
	}
}
