package builtins

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"barsim/internal/domain"
	"barsim/internal/strategy"
)

var _ strategy.Strategy = (*Breakout)(nil)

// Default staged distributions: 40/30/30 in, 25x4 out.
var (
	DefaultEntryDistribution = []float64{0.40, 0.30, 0.30}
	DefaultExitDistribution  = []float64{0.25, 0.25, 0.25, 0.25}
)

// Breakout buys a close above the prior Donchian high. The entry is staged
// over up to three legs, the first at market and the rest as limits scaled
// back by ATR; profits are taken over up to four R-multiple targets. Unfilled
// legs expire after entry_ttl_bars, and all pending legs are canceled when
// price falls back below the breakout level.
type Breakout struct {
	cfg    breakoutParams
	states map[string]*breakoutState
}

// breakoutState tracks an armed breakout per symbol.
type breakoutState struct {
	level   float64
	armedAt int
}

type breakoutParams struct {
	Lookback          int       `param:"lookback"`
	ATRPeriod         int       `param:"atr_period"`
	StopATR           float64   `param:"stop_atr"`
	EntryATR          []float64 `param:"entry_atr"`
	EntryDistribution []float64 `param:"entry_distribution"`
	ExitR             []float64 `param:"exit_r"`
	ExitDistribution  []float64 `param:"exit_distribution"`
	EntryTTLBars      int       `param:"entry_ttl_bars"`
	CancelATR         float64   `param:"cancel_atr"`
	QuantityPct       float64   `param:"quantity_pct"`
	TrailingStopPct   float64   `param:"trailing_stop_pct"`
}

// NewBreakout returns a Breakout with default parameters.
func NewBreakout() *Breakout {
	return &Breakout{
		cfg: breakoutParams{
			Lookback:          20,
			ATRPeriod:         14,
			StopATR:           2,
			EntryATR:          []float64{0, 0.5, 1},
			EntryDistribution: append([]float64(nil), DefaultEntryDistribution...),
			ExitR:             []float64{1, 2, 3, 4},
			ExitDistribution:  append([]float64(nil), DefaultExitDistribution...),
			EntryTTLBars:      5,
			CancelATR:         1,
			QuantityPct:       1,
		},
		states: make(map[string]*breakoutState),
	}
}

// Name returns "breakout".
func (b *Breakout) Name() string { return "breakout" }

// Setup decodes the parameters over the defaults and checks the staged
// layout.
func (b *Breakout) Setup(p strategy.Params) error {
	if err := p.Decode(&b.cfg); err != nil {
		return err
	}
	c := b.cfg
	if c.Lookback < 2 || c.ATRPeriod < 2 {
		return fmt.Errorf("breakout: lookback and atr_period must be at least 2")
	}
	if c.StopATR <= 0 {
		return fmt.Errorf("breakout: stop_atr must be positive")
	}
	if len(c.EntryATR) != len(c.EntryDistribution) || len(c.EntryATR) == 0 || len(c.EntryATR) > domain.MaxEntryLegs {
		return fmt.Errorf("breakout: need 1-%d entry legs with matching entry_atr and entry_distribution", domain.MaxEntryLegs)
	}
	if len(c.ExitR) != len(c.ExitDistribution) || len(c.ExitR) > domain.MaxExitLegs {
		return fmt.Errorf("breakout: need up to %d exit legs with matching exit_r and exit_distribution", domain.MaxExitLegs)
	}
	if err := checkDistribution("entry_distribution", c.EntryDistribution); err != nil {
		return err
	}
	if len(c.ExitDistribution) > 0 {
		if err := checkDistribution("exit_distribution", c.ExitDistribution); err != nil {
			return err
		}
	}
	return nil
}

// checkDistribution requires positive weights summing to 100%.
func checkDistribution(name string, d []float64) error {
	var sum float64
	for _, w := range d {
		if w <= 0 {
			return fmt.Errorf("breakout: %s weights must be positive", name)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("breakout: %s must sum to 1, got %.4f", name, sum)
	}
	return nil
}

// OnBar arms a staged entry on a fresh breakout and cancels pending legs
// when the breakout fails.
func (b *Breakout) OnBar(_ context.Context, h strategy.History, pf domain.PortfolioSnapshot) (domain.Signal, error) {
	need := b.cfg.Lookback + 1
	if b.cfg.ATRPeriod+1 > need {
		need = b.cfg.ATRPeriod + 1
	}
	if h.Len() < need {
		return domain.Hold(), nil
	}
	highs, lows, closes := h.Highs(), h.Lows(), h.Closes()
	n := len(closes) - 1
	atr := talib.Atr(highs, lows, closes, b.cfg.ATRPeriod)[n]
	priorHigh := talib.Max(highs[:n], b.cfg.Lookback)[n-1]
	last := closes[n]
	sym := h.Symbol()

	if st, armed := b.states[sym]; armed {
		if last < st.level-b.cfg.CancelATR*atr {
			delete(b.states, sym)
			return domain.Signal{Side: domain.SignalHold, CancelPending: true, Tag: "breakout-failed"}, nil
		}
		if _, open := pf.Position(sym); !open && n-st.armedAt > b.cfg.EntryTTLBars {
			delete(b.states, sym)
		}
		return domain.Hold(), nil
	}

	if _, open := pf.Position(sym); open || atr <= 0 || last <= priorHigh {
		return domain.Hold(), nil
	}

	risk := b.cfg.StopATR * atr
	sig := domain.Signal{
		Side:            domain.SignalBuy,
		QuantityPct:     b.cfg.QuantityPct,
		StopLoss:        last - risk,
		TrailingStopPct: b.cfg.TrailingStopPct,
		Strength:        (last - priorHigh) / atr,
		Tag:             "breakout",
	}
	for i, k := range b.cfg.EntryATR {
		leg := domain.Leg{Pct: b.cfg.EntryDistribution[i], ExpireAfterBars: b.cfg.EntryTTLBars}
		if k > 0 {
			leg.Price = last - k*atr
		}
		sig.Entries = append(sig.Entries, leg)
	}
	for i, r := range b.cfg.ExitR {
		sig.Exits = append(sig.Exits, domain.Leg{Price: last + r*risk, Pct: b.cfg.ExitDistribution[i]})
	}
	b.states[sym] = &breakoutState{level: priorHigh, armedAt: n}
	return sig, nil
}
