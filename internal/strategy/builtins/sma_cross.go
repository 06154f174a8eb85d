// Package builtins provides built-in strategy implementations that ship with
// barsim. RegisterAll adds them to a strategy.Registry.
package builtins

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"barsim/internal/domain"
	"barsim/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It buys
// when the short-period SMA crosses above the long-period SMA and sells when
// it crosses below. With allow_short the mirror image is traded as well.
type SMACross struct {
	cfg smaCrossParams
}

type smaCrossParams struct {
	Short       int     `param:"short"`
	Long        int     `param:"long"`
	QuantityPct float64 `param:"quantity_pct"`
	StopPct     float64 `param:"stop_pct"`
	TargetPct   float64 `param:"target_pct"`
	AllowShort  bool    `param:"allow_short"`
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(short, long int) *SMACross {
	return &SMACross{cfg: smaCrossParams{Short: short, Long: long, QuantityPct: 1}}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Setup reads short, long, quantity_pct, stop_pct, target_pct and
// allow_short. Missing values keep the constructor defaults.
func (s *SMACross) Setup(p strategy.Params) error {
	if err := p.Decode(&s.cfg); err != nil {
		return err
	}
	if s.cfg.Short < 2 || s.cfg.Long <= s.cfg.Short {
		return fmt.Errorf("sma-cross: need 2 <= short < long, got %d/%d", s.cfg.Short, s.cfg.Long)
	}
	if s.cfg.QuantityPct <= 0 || s.cfg.QuantityPct > 1 {
		return fmt.Errorf("sma-cross: quantity_pct must be within (0, 1]")
	}
	return nil
}

// OnBar emits BUY/SELL (and SHORT/COVER) on crossovers of the two averages.
func (s *SMACross) OnBar(_ context.Context, h strategy.History, pf domain.PortfolioSnapshot) (domain.Signal, error) {
	if h.Len() < s.cfg.Long+1 {
		return domain.Hold(), nil
	}
	closes := h.Closes()
	fast := talib.Sma(closes, s.cfg.Short)
	slow := talib.Sma(closes, s.cfg.Long)
	n := len(closes) - 1
	crossUp := fast[n-1] <= slow[n-1] && fast[n] > slow[n]
	crossDown := fast[n-1] >= slow[n-1] && fast[n] < slow[n]

	pos, _ := pf.Position(h.Symbol())
	last := closes[n]
	switch {
	case crossUp && pos.Quantity < 0:
		return domain.Signal{Side: domain.SignalCover, Tag: "sma-cross"}, nil
	case crossUp && pos.Quantity == 0:
		sig := domain.Signal{Side: domain.SignalBuy, QuantityPct: s.cfg.QuantityPct, Tag: "sma-cross"}
		if s.cfg.StopPct > 0 {
			sig.StopLoss = last * (1 - s.cfg.StopPct)
		}
		if s.cfg.TargetPct > 0 {
			sig.TakeProfit = last * (1 + s.cfg.TargetPct)
		}
		return sig, nil
	case crossDown && pos.Quantity > 0:
		return domain.Signal{Side: domain.SignalSell, Tag: "sma-cross"}, nil
	case crossDown && pos.Quantity == 0 && s.cfg.AllowShort:
		sig := domain.Signal{Side: domain.SignalShort, QuantityPct: s.cfg.QuantityPct, Tag: "sma-cross"}
		if s.cfg.StopPct > 0 {
			sig.StopLoss = last * (1 + s.cfg.StopPct)
		}
		if s.cfg.TargetPct > 0 {
			sig.TakeProfit = last * (1 - s.cfg.TargetPct)
		}
		return sig, nil
	}
	return domain.Hold(), nil
}
