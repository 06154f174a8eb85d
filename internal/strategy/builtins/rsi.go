package builtins

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"barsim/internal/domain"
	"barsim/internal/strategy"
)

var _ strategy.Strategy = (*RSIReversion)(nil)

// RSIReversion fades RSI extremes: it buys below the lower band and shorts
// above the upper band, exiting either side when RSI crosses back through the
// exit level.
type RSIReversion struct {
	cfg rsiParams
}

type rsiParams struct {
	Period      int     `param:"period"`
	Lower       float64 `param:"lower"`
	Upper       float64 `param:"upper"`
	Exit        float64 `param:"exit"`
	QuantityPct float64 `param:"quantity_pct"`
	StopPct     float64 `param:"stop_pct"`
	AllowShort  bool    `param:"allow_short"`
}

// NewRSIReversion returns an RSIReversion with the classic 14/30/70 setup.
func NewRSIReversion() *RSIReversion {
	return &RSIReversion{cfg: rsiParams{
		Period:      14,
		Lower:       30,
		Upper:       70,
		Exit:        50,
		QuantityPct: 0.5,
		StopPct:     0.05,
		AllowShort:  true,
	}}
}

// Name returns "rsi-reversion".
func (r *RSIReversion) Name() string { return "rsi-reversion" }

func (r *RSIReversion) Setup(p strategy.Params) error {
	if err := p.Decode(&r.cfg); err != nil {
		return err
	}
	c := r.cfg
	if c.Period < 2 {
		return fmt.Errorf("rsi-reversion: period must be at least 2")
	}
	if !(0 < c.Lower && c.Lower < c.Exit && c.Exit < c.Upper && c.Upper < 100) {
		return fmt.Errorf("rsi-reversion: need 0 < lower < exit < upper < 100")
	}
	if c.QuantityPct <= 0 || c.QuantityPct > 1 {
		return fmt.Errorf("rsi-reversion: quantity_pct must be within (0, 1]")
	}
	return nil
}

func (r *RSIReversion) OnBar(_ context.Context, h strategy.History, pf domain.PortfolioSnapshot) (domain.Signal, error) {
	if h.Len() < r.cfg.Period+1 {
		return domain.Hold(), nil
	}
	closes := h.Closes()
	if flat(closes[len(closes)-r.cfg.Period-1:]) {
		return domain.Hold(), nil
	}
	rsi := talib.Rsi(closes, r.cfg.Period)[len(closes)-1]
	last := closes[len(closes)-1]
	pos, _ := pf.Position(h.Symbol())

	switch {
	case pos.Quantity > 0 && rsi >= r.cfg.Exit:
		return domain.Signal{Side: domain.SignalSell, Tag: "rsi-exit"}, nil
	case pos.Quantity < 0 && rsi <= r.cfg.Exit:
		return domain.Signal{Side: domain.SignalCover, Tag: "rsi-exit"}, nil
	case pos.Quantity == 0 && rsi < r.cfg.Lower:
		sig := domain.Signal{Side: domain.SignalBuy, QuantityPct: r.cfg.QuantityPct, Strength: (r.cfg.Lower - rsi) / r.cfg.Lower, Tag: "rsi-long"}
		if r.cfg.StopPct > 0 {
			sig.StopLoss = last * (1 - r.cfg.StopPct)
		}
		return sig, nil
	case pos.Quantity == 0 && rsi > r.cfg.Upper && r.cfg.AllowShort:
		sig := domain.Signal{Side: domain.SignalShort, QuantityPct: r.cfg.QuantityPct, Strength: (rsi - r.cfg.Upper) / (100 - r.cfg.Upper), Tag: "rsi-short"}
		if r.cfg.StopPct > 0 {
			sig.StopLoss = last * (1 + r.cfg.StopPct)
		}
		return sig, nil
	}
	return domain.Hold(), nil
}

// flat reports whether every value equals the first. RSI is undefined there.
func flat(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}
