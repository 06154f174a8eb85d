package strategy

import "barsim/internal/domain"

// History is a read-only view of one symbol's bars up to and including the
// current bar. Accessors return copies; the view cannot reach future bars.
type History struct {
	symbol string
	bars   []domain.Bar
}

// NewHistory wraps bars. The slice is not copied, so callers must hand over
// a slice whose capacity ends at the current bar.
func NewHistory(symbol string, bars []domain.Bar) History {
	return History{symbol: symbol, bars: bars[:len(bars):len(bars)]}
}

// Symbol returns the symbol the history belongs to.
func (h History) Symbol() string { return h.symbol }

// Len returns the number of bars seen so far.
func (h History) Len() int { return len(h.bars) }

// At returns the i-th bar, oldest first.
func (h History) At(i int) domain.Bar { return h.bars[i] }

// Last returns the current bar.
func (h History) Last() domain.Bar { return h.bars[len(h.bars)-1] }

// Bars returns a copy of all bars.
func (h History) Bars() []domain.Bar {
	out := make([]domain.Bar, len(h.bars))
	copy(out, h.bars)
	return out
}

// Closes returns the close prices, oldest first.
func (h History) Closes() []float64 { return h.series(func(b domain.Bar) float64 { return b.Close }) }

// Highs returns the high prices, oldest first.
func (h History) Highs() []float64 { return h.series(func(b domain.Bar) float64 { return b.High }) }

// Lows returns the low prices, oldest first.
func (h History) Lows() []float64 { return h.series(func(b domain.Bar) float64 { return b.Low }) }

func (h History) series(f func(domain.Bar) float64) []float64 {
	out := make([]float64, len(h.bars))
	for i, b := range h.bars {
		out[i] = f(b)
	}
	return out
}
