// Package feed provides the validated, ordered bar sequences the simulation
// engine consumes. Bars are loaded and checked up front; the engine only
// walks them through a Cursor.
package feed

import (
	"fmt"
	"math"
	"sort"
	"time"

	"barsim/internal/domain"
)

// Feed holds one validated bar series per symbol and the merged timeline of
// their timestamps.
type Feed struct {
	series   map[string][]domain.Bar
	symbols  []string
	timeline []time.Time
}

// SymbolBar is one symbol's bar within a Step.
type SymbolBar struct {
	Symbol string
	// Index is the bar's position within its own symbol series.
	Index int
	Bar   domain.Bar
}

// Step is one position on the merged timeline. Bars are ordered by symbol.
type Step struct {
	Index     int
	Timestamp time.Time
	Bars      []SymbolBar
}

// New validates every series and builds the merged timeline. The input map
// is copied; later changes to it do not affect the feed.
func New(series map[string][]domain.Bar) (*Feed, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("feed: no symbols")
	}
	f := &Feed{series: make(map[string][]domain.Bar, len(series))}
	seen := make(map[int64]time.Time)
	for sym, bars := range series {
		if err := ValidateBars(sym, bars); err != nil {
			return nil, err
		}
		cp := make([]domain.Bar, len(bars))
		copy(cp, bars)
		f.series[sym] = cp
		f.symbols = append(f.symbols, sym)
		for _, b := range cp {
			seen[b.Timestamp.UnixNano()] = b.Timestamp
		}
	}
	sort.Strings(f.symbols)
	f.timeline = make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		f.timeline = append(f.timeline, ts)
	}
	sort.Slice(f.timeline, func(i, j int) bool { return f.timeline[i].Before(f.timeline[j]) })
	return f, nil
}

// Symbols returns the feed's symbols in sorted order.
func (f *Feed) Symbols() []string {
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Len returns the number of steps on the merged timeline.
func (f *Feed) Len() int {
	return len(f.timeline)
}

// Series returns a copy of the bars for symbol.
func (f *Feed) Series(symbol string) []domain.Bar {
	bars := f.series[symbol]
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	return out
}

// Subset returns a feed restricted to the given symbols.
func (f *Feed) Subset(symbols ...string) (*Feed, error) {
	m := make(map[string][]domain.Bar, len(symbols))
	for _, s := range symbols {
		bars, ok := f.series[s]
		if !ok {
			return nil, fmt.Errorf("feed: unknown symbol %q", s)
		}
		m[s] = bars
	}
	return New(m)
}

// Perturb returns a copy of the feed where every bar strictly after timeline
// step `after` has been rewritten by fn. The result is validated again.
func (f *Feed) Perturb(after int, fn func(domain.Bar) domain.Bar) (*Feed, error) {
	if after < -1 || after >= len(f.timeline) {
		return nil, fmt.Errorf("feed: perturb index %d out of range", after)
	}
	m := make(map[string][]domain.Bar, len(f.series))
	for sym, bars := range f.series {
		cp := make([]domain.Bar, len(bars))
		for i, b := range bars {
			if after < 0 || b.Timestamp.After(f.timeline[after]) {
				b = fn(b)
			}
			cp[i] = b
		}
		m[sym] = cp
	}
	return New(m)
}

// Cursor returns a fresh cursor positioned before the first step.
func (f *Feed) Cursor() *Cursor {
	c := &Cursor{feed: f}
	c.Reset()
	return c
}

// ---------------------------------------------------------------------------
// Cursor
// ---------------------------------------------------------------------------

// Cursor walks the timeline one step at a time. It is restartable and never
// exposes a bar later than the current step.
type Cursor struct {
	feed     *Feed
	next     int
	consumed map[string]int
	current  Step
}

// Reset rewinds the cursor to before the first step.
func (c *Cursor) Reset() {
	c.next = 0
	c.consumed = make(map[string]int, len(c.feed.symbols))
	c.current = Step{Index: -1}
}

// Next advances to the next step. It returns false when the feed is
// exhausted.
func (c *Cursor) Next() (Step, bool) {
	if c.next >= len(c.feed.timeline) {
		return Step{}, false
	}
	ts := c.feed.timeline[c.next]
	step := Step{Index: c.next, Timestamp: ts}
	for _, sym := range c.feed.symbols {
		bars := c.feed.series[sym]
		i := c.consumed[sym]
		if i < len(bars) && bars[i].Timestamp.Equal(ts) {
			step.Bars = append(step.Bars, SymbolBar{Symbol: sym, Index: i, Bar: bars[i]})
			c.consumed[sym] = i + 1
		}
	}
	c.next++
	c.current = step
	return step, true
}

// History returns the bars of symbol seen so far, up to and including the
// current step. The returned slice has its capacity clipped so appending to
// it cannot reach future bars.
func (c *Cursor) History(symbol string) []domain.Bar {
	n := c.consumed[symbol]
	return c.feed.series[symbol][:n:n]
}

// Last returns the latest bar of symbol seen so far.
func (c *Cursor) Last(symbol string) (domain.Bar, bool) {
	n := c.consumed[symbol]
	if n == 0 {
		return domain.Bar{}, false
	}
	return c.feed.series[symbol][n-1], true
}

// Current returns the step the cursor is on.
func (c *Cursor) Current() Step {
	return c.current
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ValidateBars enforces the feed contract on one symbol's series: strictly
// increasing timestamps and well-formed OHLC values.
func ValidateBars(symbol string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return &domain.DataIntegrityError{Symbol: symbol, Index: 0, Reason: "empty series"}
	}
	for i, b := range bars {
		fail := func(format string, args ...any) error {
			return &domain.DataIntegrityError{Symbol: symbol, Index: i, Reason: fmt.Sprintf(format, args...)}
		}
		if b.Symbol != "" && b.Symbol != symbol {
			return fail("symbol %q in %q series", b.Symbol, symbol)
		}
		if b.Timestamp.IsZero() {
			return fail("missing timestamp")
		}
		for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				return fail("invalid price %v", v)
			}
		}
		if b.High < b.Low {
			return fail("high %v below low %v", b.High, b.Low)
		}
		if b.High < b.Open || b.High < b.Close {
			return fail("high %v below open/close", b.High)
		}
		if b.Low > b.Open || b.Low > b.Close {
			return fail("low %v above open/close", b.Low)
		}
		if b.Volume < 0 {
			return fail("negative volume %d", b.Volume)
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fail("timestamp %s not after %s", b.Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}
