package builtins

import (
	"context"
	"fmt"

	"barsim/internal/domain"
	"barsim/internal/strategy"
)

var (
	_ strategy.Strategy = Hold{}
	_ strategy.Strategy = (*BuyAndHold)(nil)
)

// Hold never trades. It is the null strategy for flat-curve checks.
type Hold struct{}

func (Hold) Name() string                { return "hold" }
func (Hold) Setup(strategy.Params) error { return nil }
func (Hold) OnBar(context.Context, strategy.History, domain.PortfolioSnapshot) (domain.Signal, error) {
	return domain.Hold(), nil
}

// BuyAndHold enters once on the first bar of each symbol and never exits;
// the position is closed when the run ends.
type BuyAndHold struct {
	cfg     buyAndHoldParams
	entered map[string]bool
}

type buyAndHoldParams struct {
	// Quantity is an absolute size; when zero QuantityPct of cash is used.
	Quantity    float64 `param:"quantity"`
	QuantityPct float64 `param:"quantity_pct"`
	Short       bool    `param:"short"`
}

// NewBuyAndHold returns a BuyAndHold that invests all cash.
func NewBuyAndHold() *BuyAndHold {
	return &BuyAndHold{cfg: buyAndHoldParams{QuantityPct: 1}, entered: make(map[string]bool)}
}

func (b *BuyAndHold) Name() string { return "buy-and-hold" }

func (b *BuyAndHold) Setup(p strategy.Params) error {
	if err := p.Decode(&b.cfg); err != nil {
		return err
	}
	if b.cfg.Quantity < 0 || b.cfg.QuantityPct <= 0 || b.cfg.QuantityPct > 1 {
		return fmt.Errorf("buy-and-hold: invalid size")
	}
	return nil
}

func (b *BuyAndHold) OnBar(_ context.Context, h strategy.History, _ domain.PortfolioSnapshot) (domain.Signal, error) {
	if b.entered[h.Symbol()] {
		return domain.Hold(), nil
	}
	b.entered[h.Symbol()] = true
	side := domain.SignalBuy
	if b.cfg.Short {
		side = domain.SignalShort
	}
	return domain.Signal{Side: side, Quantity: b.cfg.Quantity, QuantityPct: b.cfg.QuantityPct, Tag: "buy-and-hold"}, nil
}
