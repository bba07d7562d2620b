package buffer

import (
	"context"
	"sync"

	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/linemap"
)

// defaultScanGranularity is the fragment size the background scan produces.
// Smaller fragments keep edit-time rescans cheap; larger ones keep the tree
// shallow. 64 KiB matches the inline-edit limit.
const defaultScanGranularity = 64 * 1024

// scanner is the background worker that converts unmapped runs into resident
// runs: it asks the sparse store for contiguous blocks, computes their
// layout, and splices the results into the tree one fragment at a time.
type scanner struct {
	b           *Buffer
	granularity int64
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	wake        chan struct{}

	mu sync.Mutex
	lo int64
	hi int64
}

func newScanner(b *Buffer, granularity int64) *scanner {
	ctx, cancel := context.WithCancel(context.Background())
	s := &scanner{
		b:           b,
		granularity: max(granularity, 16),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}
	go s.run()

	return s
}

func (s *scanner) close() {
	s.cancel()
	<-s.done
}

func (s *scanner) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// setInterest points the scan at the virtual range the renderer cares
// about.
func (s *scanner) setInterest(lo, hi int64) {
	s.mu.Lock()
	s.lo, s.hi = lo, hi
	s.mu.Unlock()
	s.wakeUp()
}

func (s *scanner) interest() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lo, s.hi
}

func (s *scanner) run() {
	defer close(s.done)
	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.step() {
			continue
		}
		// Nothing to map right now: park until the viewport moves, an edit
		// lands, or the loader delivers bytes.
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-s.b.store.WaitEpoch(s.b.store.PollEpoch()):
		}
	}
}

// step maps one unmapped fragment (or a prefix of one). Returns false when
// there is nothing it can do right now.
func (s *scanner) step() bool {
	lo, hi := s.interest()
	run, ok := s.b.tree.NextUnmapped(lo, hi)
	if !ok {
		return false
	}

	data := run.Bytes
	atHardEnd := true
	if run.FileBacked() {
		data = s.b.store.ReadForward(run.FileOff)
		if int64(len(data)) > run.VLen {
			data = data[:run.VLen]
		}
		if len(data) == 0 {
			return false
		}
		atHardEnd = int64(len(data)) == run.VLen
	}

	parts := s.layoutParts(data, atHardEnd)
	if len(parts) == 0 {
		return false
	}
	if s.b.tree.ScanCommit(run.VOff, run.ID, parts) {
		s.b.bump()
	}

	// More of this run (or others) may remain; keep going.
	return true
}

// layoutParts chops data into granularity-sized fragments and lays each out
// from a fresh state. Fragment edges stay on code point boundaries except at
// a hard end, where a trailing partial sequence is flushed as replacement
// characters.
func (s *scanner) layoutParts(data []byte, atHardEnd bool) []linemap.ScannedPart {
	var parts []linemap.ScannedPart
	for off := int64(0); off < int64(len(data)); {
		n := min(s.granularity, int64(len(data))-off)
		d, st, w := layout.Scan(data[off:off+n], layout.State{}, s.b.metrics)
		vlen := n - int64(st.Pending())
		if off+n == int64(len(data)) && atHardEnd && st.Pending() > 0 {
			fd, _, fw := layout.Flush(st, s.b.metrics)
			d = d.Comp(fd)
			vlen = n
			if fw > w {
				w = fw
			}
		}
		if vlen == 0 {
			break
		}
		parts = append(parts, linemap.ScannedPart{VLen: vlen, Delta: d, Width: w})
		off += vlen
	}

	return parts
}
