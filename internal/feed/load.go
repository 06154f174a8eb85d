package feed

import (
	"context"
	"fmt"
	"time"

	"barsim/internal/domain"
	"barsim/internal/store"
)

// Load reads each symbol's bars from the store within [start, end], validates
// them and builds a Feed. A zero start means 1970-01-01 and a zero end means
// today. A symbol without any bars in range is a data integrity failure.
func Load(ctx context.Context, bars store.BarStore, market string, symbols []string, start, end time.Time) (*Feed, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("feed: no symbols to load")
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if !start.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("feed: end %s before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}

	series := make(map[string][]domain.Bar, len(symbols))
	for _, sym := range symbols {
		if _, dup := series[sym]; dup {
			return nil, fmt.Errorf("feed: duplicate symbol %q", sym)
		}
		got, err := bars.ReadBars(ctx, sym, market, start, end)
		if err != nil {
			return nil, fmt.Errorf("feed: loading %s: %w", sym, err)
		}
		if len(got) == 0 {
			return nil, &domain.DataIntegrityError{Symbol: sym, Index: 0, Reason: "no bars in date range"}
		}
		series[sym] = got
	}
	return New(series)
}
