// Package buffer binds one sparse store and one linemap tree into the
// editing core's façade: it mediates main-thread queries, translates
// viewports into hot-set membership, logs unsaved edits for persistence, and
// schedules background layout refinement.
//
// All façade calls honor the interactive contract: no call performs I/O and
// no call exceeds O(log N) plus the size of the touched span. Partial
// answers carry the ranges whose arrival would refine them; callers re-query
// after the change epoch advances.
package buffer

import (
	"fmt"
	"io"
	"sync"

	"github.com/kovaxis/gaze/compress"
	"github.com/kovaxis/gaze/errs"
	"github.com/kovaxis/gaze/internal/options"
	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/linemap"
	"github.com/kovaxis/gaze/persist"
	"github.com/kovaxis/gaze/sparse"
)

// config collects construction options.
type config struct {
	metrics     *layout.Metrics
	budget      int64
	chunk       int64
	inlineLimit int64
	granularity int64
	comp        compress.Type
	path        string
	closer      io.Closer
}

// Option configures a Buffer.
type Option = options.Option[*config]

// WithMetrics sets the width metrics used for layout. Defaults to
// layout.NewMetrics defaults.
func WithMetrics(m *layout.Metrics) Option {
	return options.New(func(c *config) error {
		if m == nil {
			return fmt.Errorf("nil metrics")
		}
		c.metrics = m

		return nil
	})
}

// WithMemoryBudget sets the advisory resident-byte cap of the sparse store.
func WithMemoryBudget(bytes int64) Option {
	return options.NoError(func(c *config) { c.budget = bytes })
}

// WithChunkSize bounds individual loader reads.
func WithChunkSize(bytes int64) Option {
	return options.NoError(func(c *config) { c.chunk = bytes })
}

// WithInlineLimit sets the largest insert laid out on the caller's thread.
func WithInlineLimit(bytes int64) Option {
	return options.NoError(func(c *config) { c.inlineLimit = bytes })
}

// WithScanGranularity sets the fragment size the background scan produces.
func WithScanGranularity(bytes int64) Option {
	return options.NoError(func(c *config) { c.granularity = bytes })
}

// WithCompression selects the codec for persisted state.
func WithCompression(t compress.Type) Option {
	return options.NoError(func(c *config) { c.comp = t })
}

// WithPath records the backing file path in persisted state.
func WithPath(path string) Option {
	return options.NoError(func(c *config) { c.path = path })
}

// WithCloser attaches a resource (typically the backing file handle) closed
// when the buffer closes.
func WithCloser(c io.Closer) Option {
	return options.NoError(func(cfg *config) { cfg.closer = c })
}

// Buffer is one open file: a sparse store of resident bytes, a linemap tree
// indexing its layout, their background workers, and the unsaved edit log.
type Buffer struct {
	path    string
	file    sparse.File
	fileLen int64
	metrics *layout.Metrics
	store   *sparse.Store
	loader  *sparse.Loader
	tree    *linemap.Tree
	scan    *scanner
	comp    compress.Type

	mu     sync.Mutex
	edits  []persist.Edit
	hot    []sparse.Range
	closed bool
	signal chan struct{}
	closer io.Closer
}

// storeSource adapts the sparse store to the tree's non-blocking ByteSource.
type storeSource struct {
	s *sparse.Store
}

func (ss storeSource) TryBytes(off, n int64) []byte {
	data := ss.s.TryReadForward(off)
	if int64(len(data)) < n {
		return nil
	}

	return data[:n]
}

// New opens a buffer over the given backing file. The whole file enters the
// tree as a single unmapped fragment; layout and residency refine in the
// background as viewports request them.
func New(file sparse.File, opts ...Option) (*Buffer, error) {
	cfg := config{
		chunk:       sparse.DefaultChunkSize,
		inlineLimit: linemap.DefaultInlineLimit,
		granularity: defaultScanGranularity,
		comp:        compress.Zstd,
	}
	if err := options.Apply(&cfg, opts...); err != nil {
		return nil, err
	}
	if cfg.metrics == nil {
		m, err := layout.NewMetrics()
		if err != nil {
			return nil, err
		}
		cfg.metrics = m
	}

	fileLen := file.Length()
	store, err := sparse.NewStore(fileLen, sparse.WithMemoryBudget(cfg.budget))
	if err != nil {
		return nil, err
	}
	tree, err := linemap.NewTree(cfg.metrics, linemap.WithInlineLimit(cfg.inlineLimit))
	if err != nil {
		return nil, err
	}
	tree.SetSource(storeSource{s: store})
	if err := tree.InsertFileRegion(0, 0, fileLen); err != nil {
		return nil, err
	}
	loader, err := sparse.NewLoader(store, file, sparse.WithChunkSize(cfg.chunk))
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		path:    cfg.path,
		file:    file,
		fileLen: fileLen,
		metrics: cfg.metrics,
		store:   store,
		loader:  loader,
		tree:    tree,
		comp:    cfg.comp,
		signal:  make(chan struct{}),
		closer:  cfg.closer,
	}
	b.scan = newScanner(b, cfg.granularity)

	return b, nil
}

// Restore reopens a buffer from persisted state. The backing file length is
// validated first: on mismatch the edit log is discarded and the file is
// reloaded whole as unmapped.
func Restore(file sparse.File, blob []byte, opts ...Option) (*Buffer, error) {
	st, err := persist.Decode(blob)
	if err != nil {
		return nil, err
	}
	b, err := New(file, append([]Option{WithPath(st.Path)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if file.Length() != st.FileLen {
		// Stale state; keep the fresh unmapped buffer.
		return b, nil
	}
	for _, e := range st.Edits {
		switch e.Op {
		case persist.OpInsertBytes:
			err = b.Insert(e.Off, e.Bytes)
		case persist.OpInsertFileRegion:
			err = b.InsertFileRegion(e.Off, e.FileOff, e.Len)
		case persist.OpDelete:
			err = b.Delete(e.Off, e.Off+e.Len)
		default:
			err = fmt.Errorf("unknown edit op: %d", e.Op)
		}
		if err != nil {
			b.Close()

			return nil, fmt.Errorf("failed to replay edit log: %w", err)
		}
	}

	return b, nil
}

// Close cancels background work and joins both workers. Safe to call twice.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return
	}
	b.closed = true
	b.mu.Unlock()

	b.scan.close()
	b.loader.Close()
	if b.closer != nil {
		b.closer.Close()
	}
	b.bump()
}

func (b *Buffer) guard() error {
	if b.tree.Corrupt() {
		return errs.ErrQuarantined
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.ErrBufferClosed
	}

	return nil
}

// Len returns the buffer length in virtual bytes.
func (b *Buffer) Len() int64 {
	return b.tree.Len()
}

// Epoch returns a monotonic counter that advances whenever resident data or
// the tree changes. Renderers re-query when it moves.
func (b *Buffer) Epoch() uint64 {
	return b.store.PollEpoch() + b.tree.Epoch()
}

// Changed returns a channel closed at the next epoch advance, merging store
// and tree signals.
func (b *Buffer) Changed() <-chan struct{} {
	out := make(chan struct{})
	storeCh := b.store.WaitEpoch(b.store.PollEpoch())
	b.mu.Lock()
	bufCh := b.signal
	b.mu.Unlock()
	go func() {
		select {
		case <-storeCh:
		case <-bufCh:
		}
		close(out)
	}()

	return out
}

// bump signals Changed watchers.
func (b *Buffer) bump() {
	b.mu.Lock()
	close(b.signal)
	b.signal = make(chan struct{})
	b.mu.Unlock()
}

// Err returns the sticky I/O error recorded by the loader, if any.
func (b *Buffer) Err() error {
	return b.store.Err()
}

// BudgetExceeded reports whether the hot set alone overflows the memory
// budget, so loading cannot progress until the budget is raised or the hot
// set shrinks.
func (b *Buffer) BudgetExceeded() bool {
	return b.store.BudgetExceeded()
}

// Quarantined reports whether the buffer was shut down after an internal
// invariant violation.
func (b *Buffer) Quarantined() bool {
	return b.tree.Corrupt()
}

// Insert grafts bytes at the given virtual offset and logs the edit.
func (b *Buffer) Insert(off int64, data []byte) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := b.tree.Insert(off, data); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	b.mu.Lock()
	b.edits = append(b.edits, persist.Edit{
		Op:    persist.OpInsertBytes,
		Off:   off,
		Bytes: append([]byte(nil), data...),
	})
	b.mu.Unlock()
	b.scan.wakeUp()
	b.bump()

	return nil
}

// InsertFileRegion grafts a region of the backing file by reference. The
// region enters the tree unmapped and lays out in the background.
func (b *Buffer) InsertFileRegion(off, fileOff, n int64) error {
	if err := b.guard(); err != nil {
		return err
	}
	if fileOff < 0 || n < 0 || fileOff+n > b.fileLen {
		return fmt.Errorf("%w: file region [%d, %d)", errs.ErrInvalidOffset, fileOff, fileOff+n)
	}
	if err := b.tree.InsertFileRegion(off, fileOff, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	b.mu.Lock()
	b.edits = append(b.edits, persist.Edit{
		Op:      persist.OpInsertFileRegion,
		Off:     off,
		FileOff: fileOff,
		Len:     n,
	})
	b.mu.Unlock()
	b.scan.wakeUp()
	b.bump()

	return nil
}

// Delete removes the virtual range [lo, hi) and logs the edit.
func (b *Buffer) Delete(lo, hi int64) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := b.tree.Delete(lo, hi); err != nil {
		return err
	}
	if lo == hi {
		return nil
	}
	b.mu.Lock()
	b.edits = append(b.edits, persist.Edit{Op: persist.OpDelete, Off: lo, Len: hi - lo})
	b.mu.Unlock()
	b.bump()

	return nil
}

// Persist returns the buffer's compact state: backing-file identity plus the
// unsaved edit log, compressed with the configured codec.
func (b *Buffer) Persist() ([]byte, error) {
	b.mu.Lock()
	st := persist.State{Path: b.path, FileLen: b.fileLen, Edits: b.edits}
	b.mu.Unlock()

	return persist.Encode(st, b.comp)
}

// SpatialDelta returns the spatial delta between two virtual offsets.
// Partial answers enqueue their missing ranges into the hot set so the
// loader refines them.
func (b *Buffer) SpatialDelta(a, c int64) (linemap.DeltaResult, error) {
	if err := b.guard(); err != nil {
		return linemap.DeltaResult{}, err
	}
	res, err := b.tree.SpatialDelta(a, c)
	if err == nil && !res.Exact {
		b.requestLoad(res.Missing)
	}

	return res, err
}

// OffsetAt finds the offset closest to a spatial target from a base offset.
func (b *Buffer) OffsetAt(base int64, target layout.Delta, mode linemap.Rounding) (linemap.OffsetResult, error) {
	if err := b.guard(); err != nil {
		return linemap.OffsetResult{}, err
	}
	res, err := b.tree.OffsetAt(base, target, mode)
	if err == nil && !res.Exact {
		b.requestLoad(res.Missing)
	}

	return res, err
}

// MappedNeighborhood returns the maximal fully-mapped range around an
// offset.
func (b *Buffer) MappedNeighborhood(off int64) (int64, int64, error) {
	if err := b.guard(); err != nil {
		return 0, 0, err
	}

	return b.tree.MappedNeighborhood(off)
}

// MaxLineWidthLB returns a lower bound on the widest line in a range, for
// horizontal scrollbar sizing.
func (b *Buffer) MaxLineWidthLB(a, c int64) (float64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	return b.tree.MaxLineWidthLB(a, c)
}

// Iter returns a lazy character cursor at the given offset.
func (b *Buffer) Iter(off int64) *linemap.Iterator {
	return b.tree.Iter(off)
}

// requestLoad merges ranges into the hot set, keeping previously requested
// ranges hot. QueryRect replaces the set wholesale; point queries only add.
func (b *Buffer) requestLoad(ranges []sparse.Range) {
	if len(ranges) == 0 {
		return
	}
	b.mu.Lock()
	b.hot = append(b.hot, ranges...)
	hot := append([]sparse.Range(nil), b.hot...)
	b.mu.Unlock()
	b.store.SetHotSet(hot)
	b.scan.wakeUp()
}

// setHot replaces the hot set wholesale.
func (b *Buffer) setHot(ranges []sparse.Range) {
	b.mu.Lock()
	b.hot = append(b.hot[:0], ranges...)
	b.mu.Unlock()
	b.store.SetHotSet(ranges)
	b.scan.wakeUp()
}
