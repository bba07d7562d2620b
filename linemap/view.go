package linemap

import (
	"fmt"

	"github.com/kovaxis/gaze/errs"
	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/segment"
)

// Run describes the part of one fragment that overlaps a queried range.
// Mapped runs with resident content carry their bytes and layout delta;
// mapped runs whose bytes were evicted carry only their backing range.
type Run struct {
	Off        int64
	Len        int64
	Mapped     bool
	Delta      layout.Delta
	Width      float64
	Bytes      []byte
	Backing    segment.Range
	HasBacking bool
}

// Runs enumerates the fragments overlapping [lo, hi), clipped to the range.
// Cost is proportional to the number of overlapped fragments, so callers
// should keep ranges viewport-sized.
func (t *Tree) Runs(lo, hi int64) ([]Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.corrupt {
		return nil, errs.ErrQuarantined
	}
	if lo < 0 || hi > t.len() || lo > hi {
		return nil, fmt.Errorf("%w: range [%d, %d), length %d", errs.ErrInvalidOffset, lo, hi, t.len())
	}
	var runs []Run
	if lo < hi && t.root >= 0 {
		t.collectRuns(t.root, 0, lo, hi, &runs)
	}

	return runs, nil
}

func (t *Tree) collectRuns(i int32, start, lo, hi int64, runs *[]Run) {
	nd := t.ar.at(i)
	if start >= hi || start+nd.sum.vlen <= lo {
		return
	}
	if !nd.leaf {
		at := start
		for _, c := range nd.child {
			t.collectRuns(c, at, lo, hi, runs)
			at += t.ar.at(c).sum.vlen
		}

		return
	}
	at := start
	for k := range nd.frags {
		f := &nd.frags[k]
		fe := at + f.vlen
		if fe > lo && at < hi {
			from := max(lo, at) - at
			to := min(hi, fe) - at
			run := Run{Off: at + from, Len: to - from, Mapped: f.mapped}
			run.Backing, run.HasBacking = f.backingRange(from, to)
			if f.mapped {
				if data := t.fragBytes(f); data != nil {
					run.Bytes = data[from:to]
					run.Delta, run.Width, _ = t.fragRangeDelta(f, from, to)
				}
			}
			*runs = append(*runs, run)
		}
		at = fe
		if at >= hi {
			break
		}
	}
}
