package buffer

import (
	"math"

	"github.com/kovaxis/gaze/layout"
	"github.com/kovaxis/gaze/linemap"
	"github.com/kovaxis/gaze/sparse"
)

// Spatial is a spatial delta: a difference of (line, x) coordinates in
// font-height units. Only differences are meaningful; fractional lines
// express smooth scrolling.
type Spatial struct {
	Lines float64
	X     float64
}

// Pos addresses a point of the buffer: a reference virtual offset plus a
// spatial delta from that offset's canonical position. The offset anchors
// the position so it stays still as surrounding content loads.
type Pos struct {
	Off int64
	At  Spatial
}

// Rect is a viewport: a top-left corner position and a spatial size.
type Rect struct {
	Corner Pos
	Size   Spatial
}

// View is the renderable answer to a viewport query: the fragment runs
// overlapping the viewport's lines, the epoch they were read at, and whether
// anything was missing. Runs without bytes render as pending; the hot set
// already covers their backing, so a Changed signal follows.
type View struct {
	Runs       []linemap.Run
	Start      int64
	End        int64
	Epoch      uint64
	Incomplete bool
	Missing    []sparse.Range
}

// QueryRect resolves a viewport to its content runs and retargets the hot
// set and the background scan at it. The answer is complete only when every
// covered fragment is mapped and resident; partial answers refine as epochs
// advance.
func (b *Buffer) QueryRect(r Rect) (View, error) {
	if err := b.guard(); err != nil {
		return View{}, err
	}
	epoch := b.Epoch()

	base := min(max(r.Corner.Off, 0), b.tree.Len())
	y0 := int64(math.Floor(r.Corner.At.Lines))
	y1 := int64(math.Ceil(r.Corner.At.Lines + r.Size.Lines))

	top, err := b.tree.OffsetAt(base, layout.Delta{Lines: y0, X: 0}, linemap.Floor)
	if err != nil {
		return View{}, err
	}
	// One line past the bottom bounds the last visible line's end.
	bot, err := b.tree.OffsetAt(base, layout.Delta{Lines: y1 + 1, X: 0}, linemap.Floor)
	if err != nil {
		return View{}, err
	}

	runs, err := b.tree.Runs(top.Off, bot.Off)
	if err != nil {
		return View{}, err
	}

	view := View{
		Runs:       runs,
		Start:      top.Off,
		End:        bot.Off,
		Epoch:      epoch,
		Incomplete: !top.Exact || !bot.Exact,
	}
	var hot []sparse.Range
	hot = append(hot, top.Missing...)
	hot = append(hot, bot.Missing...)
	for _, run := range runs {
		if run.HasBacking {
			hot = append(hot, run.Backing)
			if run.Bytes == nil {
				view.Incomplete = true
				view.Missing = append(view.Missing, run.Backing)
			}
		} else if run.Bytes == nil {
			view.Incomplete = true
		}
	}
	view.Missing = append(view.Missing, top.Missing...)
	view.Missing = append(view.Missing, bot.Missing...)

	b.setHot(hot)
	// While the view is incomplete the bottom bound is itself approximate;
	// give the scan a generous range past it so mapping makes headway.
	scanHi := bot.Off
	if view.Incomplete {
		scanHi = max(scanHi, min(top.Off+16*defaultScanGranularity, b.tree.Len()))
	}
	b.scan.setInterest(top.Off, scanHi)

	return view, nil
}
