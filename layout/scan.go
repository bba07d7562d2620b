package layout

import "unicode/utf8"

// State carries the cross-chunk context of a scan: up to three trailing bytes
// of a partial UTF-8 code point and the current column, which tab stops and
// width accounting depend on.
type State struct {
	pending  [3]byte
	npending int
	x        float64
}

// X returns the column the scan ended at.
func (s State) X() float64 {
	return s.x
}

// Pending returns the number of bytes of a partial code point carried by the
// state.
func (s State) Pending() int {
	return s.npending
}

// StateAt returns a fresh scan state positioned at column x with no partial
// code point.
func StateAt(x float64) State {
	return State{x: x}
}

// seqLen returns the length of the UTF-8 sequence started by b, or 0 if b is
// a continuation byte.
func seqLen(b byte) int {
	switch {
	case b&0x80 == 0:
		return 1
	case b&0x40 == 0:
		return 0
	case b&0x20 == 0:
		return 2
	case b&0x10 == 0:
		return 3
	default:
		return 4
	}
}

// scanner accumulates the result of one Scan call.
type scanner struct {
	m         *Metrics
	startX    float64
	col       float64
	lines     int64
	wmax      float64
	lineKnown bool
}

func (sc *scanner) apply(r rune) {
	switch r {
	case '\n':
		if sc.lineKnown && sc.col > sc.wmax {
			sc.wmax = sc.col
		}
		sc.lines++
		sc.col = 0
		sc.lineKnown = true
	case '\t':
		sc.col += sc.m.TabAdvance(sc.col)
	default:
		sc.col += sc.m.Advance(r)
	}
}

func (sc *scanner) finish(carry []byte) (Delta, State, float64) {
	d := Delta{Lines: sc.lines, X: sc.col}
	if sc.lines == 0 {
		d.X = sc.col - sc.startX
	}
	st := State{x: sc.col}
	st.npending = copy(st.pending[:], carry)

	return d, st, sc.wmax
}

// Scan computes the layout delta of data, starting from the given state.
//
// It returns the delta of the scanned bytes, the state to resume from at the
// next chunk, and a lower bound on the width of any line that both starts and
// ends within the scan. Invalid bytes advance by the width of the replacement
// character, one byte at a time, so the scan always consumes its input.
//
// Scan is pure: equal inputs yield equal outputs, and composing the deltas of
// a chunked scan equals the delta of scanning the concatenation.
func Scan(data []byte, st State, m *Metrics) (Delta, State, float64) {
	sc := scanner{m: m, startX: st.x, col: st.x}

	pos := 0
	// Resolve bytes carried over from the previous chunk, one code point at
	// a time.
	pend := append([]byte(nil), st.pending[:st.npending]...)
	for len(pend) > 0 {
		need := seqLen(pend[0])
		switch {
		case need == 1:
			sc.apply(rune(pend[0]))
			pend = pend[1:]
		case need == 0:
			// Stray continuation byte.
			sc.apply(utf8.RuneError)
			pend = pend[1:]
		case len(pend)+len(data)-pos < need:
			// Still incomplete; carry everything forward.
			return sc.finish(append(pend, data[pos:]...))
		default:
			take := need - len(pend)
			head := append(append(make([]byte, 0, 4), pend...), data[pos:pos+take]...)
			r, size := utf8.DecodeRune(head)
			if r == utf8.RuneError && size == 1 {
				// Bad lead byte; drop it alone and retry the rest.
				sc.apply(utf8.RuneError)
				pend = pend[1:]
				continue
			}
			sc.apply(r)
			pend = nil
			pos += take
		}
	}

	for pos < len(data) {
		b := data[pos]
		if b < utf8.RuneSelf {
			sc.apply(rune(b))
			pos++
			continue
		}
		n := seqLen(b)
		if n == 0 {
			sc.apply(utf8.RuneError)
			pos++
			continue
		}
		if pos+n > len(data) {
			if !utf8.FullRune(data[pos:]) {
				// Partial code point at the chunk edge.
				return sc.finish(data[pos:])
			}
			// Not a valid prefix: no later chunk can complete it.
			n = len(data) - pos
		}
		r, size := utf8.DecodeRune(data[pos : pos+n])
		if r == utf8.RuneError && size == 1 {
			sc.apply(utf8.RuneError)
			pos++
			continue
		}
		sc.apply(r)
		pos += n
	}

	return sc.finish(nil)
}

// DecodeChar decodes the next character of a byte run, following the same
// rules Scan applies: invalid bytes, stray continuation bytes, and partial
// sequences at a hard end each decode as one replacement character per byte.
// Callers stepping characters with it observe exactly the deltas Scan
// produces for the same bytes.
func DecodeChar(data []byte) (rune, int) {
	if len(data) == 0 {
		return utf8.RuneError, 0
	}
	b := data[0]
	if b < utf8.RuneSelf {
		return rune(b), 1
	}
	n := seqLen(b)
	if n == 0 || n > len(data) {
		return utf8.RuneError, 1
	}
	r, size := utf8.DecodeRune(data[:n])
	if r == utf8.RuneError && size == 1 {
		return utf8.RuneError, 1
	}

	return r, n
}

// Step advances a delta by one character, applying the same line, tab, and
// width rules as Scan. The delta must have been accumulated from a fresh
// state so its X component doubles as the tab column.
func (m *Metrics) Step(d Delta, r rune) Delta {
	switch r {
	case '\n':
		return Delta{Lines: d.Lines + 1, X: 0}
	case '\t':
		return Delta{Lines: d.Lines, X: d.X + m.TabAdvance(d.X)}
	default:
		return Delta{Lines: d.Lines, X: d.X + m.Advance(r)}
	}
}

// Flush consumes a state's carried partial code point as invalid bytes, one
// replacement character per byte. Use it at a hard end of content, where no
// further chunk can complete the sequence.
func Flush(st State, m *Metrics) (Delta, State, float64) {
	sc := scanner{m: m, startX: st.x, col: st.x}
	for i := 0; i < st.npending; i++ {
		sc.apply(utf8.RuneError)
	}

	return sc.finish(nil)
}

// AlignStart trims up to three leading continuation bytes so data starts on a
// code point boundary. It returns the trimmed slice and the number of bytes
// dropped. Nothing is trimmed when the range is known to start at a rigid
// edge (offset zero or a previously scanned boundary).
func AlignStart(data []byte) ([]byte, int) {
	dropped := 0
	for dropped < 3 && len(data) > 0 && seqLen(data[0]) == 0 {
		data = data[1:]
		dropped++
	}

	return data, dropped
}
