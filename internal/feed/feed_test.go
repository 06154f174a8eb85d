package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barsim/internal/domain"
	"barsim/internal/store"
)

var day0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func flat(symbol string, n int, price float64) []domain.Bar {
	out := make([]domain.Bar, n)
	for i := range out {
		out[i] = domain.Bar{
			Symbol: symbol, Timestamp: day0.AddDate(0, 0, i),
			Open: price, High: price, Low: price, Close: price, Volume: 100,
		}
	}
	return out
}

func TestValidateBars(t *testing.T) {
	good := flat("AAPL", 3, 10)
	require.NoError(t, ValidateBars("AAPL", good))

	tests := []struct {
		name   string
		mutate func([]domain.Bar)
		index  int
	}{
		{"high below low", func(b []domain.Bar) { b[1].High = 9; b[1].Low = 9.5 }, 1},
		{"high below close", func(b []domain.Bar) { b[2].Close = 11 }, 2},
		{"low above open", func(b []domain.Bar) { b[0].Low = 10.5; b[0].High = 11 }, 0},
		{"zero close", func(b []domain.Bar) { b[1].Close = 0; b[1].Low = 0 }, 1},
		{"duplicate timestamp", func(b []domain.Bar) { b[2].Timestamp = b[1].Timestamp }, 2},
		{"out of order", func(b []domain.Bar) { b[1].Timestamp = day0.AddDate(0, 0, -1) }, 1},
		{"wrong symbol", func(b []domain.Bar) { b[0].Symbol = "MSFT" }, 0},
		{"negative volume", func(b []domain.Bar) { b[2].Volume = -1 }, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bars := flat("AAPL", 3, 10)
			tc.mutate(bars)
			err := ValidateBars("AAPL", bars)
			var die *domain.DataIntegrityError
			require.True(t, errors.As(err, &die), "got %v", err)
			assert.Equal(t, tc.index, die.Index)
			assert.Equal(t, "AAPL", die.Symbol)
		})
	}

	var die *domain.DataIntegrityError
	assert.True(t, errors.As(ValidateBars("X", nil), &die))
}

func TestNewRejectsBadSeries(t *testing.T) {
	bars := flat("AAPL", 3, 10)
	bars[2].Timestamp = bars[0].Timestamp
	_, err := New(map[string][]domain.Bar{"AAPL": bars})
	var die *domain.DataIntegrityError
	assert.True(t, errors.As(err, &die))

	_, err = New(nil)
	assert.Error(t, err)
}

func TestCursorMergedTimeline(t *testing.T) {
	a := flat("AAA", 3, 10)     // days 0,1,2
	b := flat("BBB", 4, 20)[1:] // days 1,2,3
	f, err := New(map[string][]domain.Bar{"BBB": b, "AAA": a})
	require.NoError(t, err)
	assert.Equal(t, 4, f.Len())
	assert.Equal(t, []string{"AAA", "BBB"}, f.Symbols())

	c := f.Cursor()
	var got [][]string
	for {
		step, ok := c.Next()
		if !ok {
			break
		}
		var syms []string
		for _, sb := range step.Bars {
			syms = append(syms, sb.Symbol)
			assert.Equal(t, step.Timestamp, sb.Bar.Timestamp)
		}
		got = append(got, syms)
	}
	assert.Equal(t, [][]string{{"AAA"}, {"AAA", "BBB"}, {"AAA", "BBB"}, {"BBB"}}, got)

	c.Reset()
	step, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, 0, step.Index)
	assert.Len(t, c.History("AAA"), 1)
	assert.Empty(t, c.History("BBB"))
}

func TestCursorHistoryNeverReachesFuture(t *testing.T) {
	bars := flat("AAPL", 5, 10)
	f, err := New(map[string][]domain.Bar{"AAPL": bars})
	require.NoError(t, err)

	c := f.Cursor()
	for i := 0; i < 3; i++ {
		_, ok := c.Next()
		require.True(t, ok)
	}
	h := c.History("AAPL")
	require.Len(t, h, 3)
	assert.Equal(t, 3, cap(h))
	last, ok := c.Last("AAPL")
	require.True(t, ok)
	assert.Equal(t, bars[2].Timestamp, last.Timestamp)

	// Appending to the history must not overwrite the feed's next bar.
	_ = append(h, domain.Bar{Close: 999})
	step, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, 10.0, step.Bars[0].Bar.Close)
}

func TestFeedCopiesInput(t *testing.T) {
	bars := flat("AAPL", 2, 10)
	f, err := New(map[string][]domain.Bar{"AAPL": bars})
	require.NoError(t, err)
	bars[0].Close = 1
	assert.Equal(t, 10.0, f.Series("AAPL")[0].Close)
}

func TestPerturb(t *testing.T) {
	f, err := New(map[string][]domain.Bar{"AAPL": flat("AAPL", 5, 10)})
	require.NoError(t, err)

	p, err := f.Perturb(2, func(b domain.Bar) domain.Bar {
		b.Open, b.High, b.Low, b.Close = 50, 60, 40, 55
		return b
	})
	require.NoError(t, err)

	orig := f.Series("AAPL")
	got := p.Series("AAPL")
	for i := 0; i <= 2; i++ {
		assert.Equal(t, orig[i], got[i])
	}
	for i := 3; i < 5; i++ {
		assert.Equal(t, 55.0, got[i].Close)
	}
	assert.Equal(t, 10.0, orig[4].Close, "original feed untouched")

	_, err = f.Perturb(5, func(b domain.Bar) domain.Bar { return b })
	assert.Error(t, err)
}

func TestSubset(t *testing.T) {
	f, err := New(map[string][]domain.Bar{"AAA": flat("AAA", 2, 1), "BBB": flat("BBB", 2, 2)})
	require.NoError(t, err)
	s, err := f.Subset("BBB")
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB"}, s.Symbols())
	_, err = f.Subset("CCC")
	assert.Error(t, err)
}

// memBars is an in-memory store.BarStore.
type memBars map[string][]domain.Bar

var _ store.BarStore = memBars(nil)

func (m memBars) WriteBars(_ context.Context, bars []domain.Bar) error {
	for _, b := range bars {
		m[b.Symbol] = append(m[b.Symbol], b)
	}
	return nil
}

func (m memBars) ReadBars(_ context.Context, symbol, _ string, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m[symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m memBars) ListSymbols(context.Context, string) ([]string, error) { return nil, nil }

func TestLoad(t *testing.T) {
	src := memBars{}
	require.NoError(t, src.WriteBars(context.Background(), flat("AAPL", 10, 10)))

	f, err := Load(context.Background(), src, "us", []string{"AAPL"}, day0.AddDate(0, 0, 2), day0.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 4, f.Len())

	_, err = Load(context.Background(), src, "us", []string{"MSFT"}, day0, day0.AddDate(0, 0, 5))
	var die *domain.DataIntegrityError
	assert.True(t, errors.As(err, &die))

	_, err = Load(context.Background(), src, "us", []string{"AAPL"}, day0.AddDate(0, 0, 5), day0)
	assert.Error(t, err)

	_, err = Load(context.Background(), src, "us", nil, time.Time{}, time.Time{})
	assert.Error(t, err)
}
