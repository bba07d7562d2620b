package layout

import (
	"fmt"
	"math"

	"github.com/mattn/go-runewidth"

	"github.com/kovaxis/gaze/internal/options"
)

// Defaults for Metrics. A terminal cell of a typical monospace font is about
// half as wide as it is tall, and tab stops sit every eight cells.
const (
	DefaultCellAdvance = 0.5
	DefaultTabCells    = 8
)

// Metrics maps code points to horizontal advances in font-height units.
//
// Widths are derived from the code point's terminal cell count, scaled by a
// configurable per-cell advance. This keeps the table proportional for any
// monospace font without shipping font data; a renderer with exact glyph
// metrics can override the cell advance to match.
type Metrics struct {
	cellAdvance float64
	tabCells    int
}

// MetricsOption configures a Metrics.
type MetricsOption = options.Option[*Metrics]

// WithCellAdvance sets the advance of one terminal cell, in font-height
// units.
func WithCellAdvance(adv float64) MetricsOption {
	return options.New(func(m *Metrics) error {
		if adv <= 0 || math.IsNaN(adv) || math.IsInf(adv, 0) {
			return fmt.Errorf("invalid cell advance: %v", adv)
		}
		m.cellAdvance = adv

		return nil
	})
}

// WithTabStop sets the tab stop interval in cells.
func WithTabStop(cells int) MetricsOption {
	return options.New(func(m *Metrics) error {
		if cells <= 0 {
			return fmt.Errorf("invalid tab stop: %d cells", cells)
		}
		m.tabCells = cells

		return nil
	})
}

// NewMetrics creates a width table with the given options.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	m := &Metrics{
		cellAdvance: DefaultCellAdvance,
		tabCells:    DefaultTabCells,
	}
	if err := options.Apply(m, opts...); err != nil {
		return nil, err
	}

	return m, nil
}

// Advance returns the horizontal advance of a code point in font-height
// units. Zero-width code points (combining marks, most controls) advance by
// zero; wide CJK code points advance by two cells. Tabs are position
// dependent and handled by TabAdvance instead.
func (m *Metrics) Advance(r rune) float64 {
	return float64(runewidth.RuneWidth(r)) * m.cellAdvance
}

// TabAdvance returns the advance of a tab at horizontal position x: the
// distance to the next tab stop. A tab exactly on a stop advances one full
// stop.
func (m *Metrics) TabAdvance(x float64) float64 {
	stop := m.cellAdvance * float64(m.tabCells)
	next := (math.Floor(x/stop) + 1) * stop

	return next - x
}
