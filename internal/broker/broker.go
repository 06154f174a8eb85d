// Package broker simulates order execution against historical bars. It turns
// an order plus the bar that resolves it into at most one fill, applying the
// configured slippage and commission models.
package broker

import (
	"fmt"
	"math"
	"time"

	"barsim/internal/domain"
)

// ---------------------------------------------------------------------------
// Cost models
// ---------------------------------------------------------------------------

// CommissionKind selects how commission is charged.
type CommissionKind string

const (
	// CommissionPerShare charges Rate per unit traded.
	CommissionPerShare CommissionKind = "per_share"
	// CommissionPerTrade charges Rate as a fraction of the fill's notional.
	CommissionPerTrade CommissionKind = "per_trade"
	// CommissionFlat charges Rate once per fill.
	CommissionFlat CommissionKind = "flat"
)

// CommissionModel computes the cash cost of a fill.
type CommissionModel struct {
	Kind CommissionKind `yaml:"kind" json:"kind"`
	Rate float64        `yaml:"rate" json:"rate"`
	// Minimum is the floor applied to any non-zero commission.
	Minimum float64 `yaml:"minimum" json:"minimum"`
}

// Validate checks the model's kind and rates.
func (m CommissionModel) Validate() error {
	switch m.Kind {
	case CommissionPerShare, CommissionPerTrade, CommissionFlat:
	default:
		return fmt.Errorf("unknown commission model %q", m.Kind)
	}
	if m.Rate < 0 || m.Minimum < 0 {
		return fmt.Errorf("commission rate and minimum must not be negative")
	}
	return nil
}

// Compute returns the commission for trading qty units at price.
func (m CommissionModel) Compute(qty, price float64) float64 {
	var c float64
	switch m.Kind {
	case CommissionPerShare:
		c = m.Rate * qty
	case CommissionPerTrade:
		c = m.Rate * qty * price
	case CommissionFlat:
		c = m.Rate
	}
	if c > 0 && c < m.Minimum {
		c = m.Minimum
	}
	return c
}

// SlippageKind selects how slippage is expressed.
type SlippageKind string

const (
	SlippageBps   SlippageKind = "bps"
	SlippageFixed SlippageKind = "fixed"
)

// SlippageModel moves execution prices against the trader.
type SlippageModel struct {
	Kind  SlippageKind `yaml:"kind" json:"kind"`
	Value float64      `yaml:"value" json:"value"`
}

// Validate checks the model's kind and value.
func (m SlippageModel) Validate() error {
	switch m.Kind {
	case SlippageBps, SlippageFixed:
	default:
		return fmt.Errorf("unknown slippage model %q", m.Kind)
	}
	if m.Value < 0 {
		return fmt.Errorf("slippage must not be negative")
	}
	return nil
}

// PerUnit returns the adverse price adjustment for one unit at base.
func (m SlippageModel) PerUnit(base float64) float64 {
	switch m.Kind {
	case SlippageBps:
		return base * m.Value / 10_000
	case SlippageFixed:
		return m.Value
	}
	return 0
}

// Apply returns base moved against a trader on side: buys pay more, sells
// receive less. The price never goes below zero.
func (m SlippageModel) Apply(side domain.OrderSide, base float64) float64 {
	p := base + side.Sign()*m.PerUnit(base)
	if p < 0 {
		return 0
	}
	return p
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// Executor resolves orders against bars. It holds no state besides its cost
// models and is safe to share between runs.
type Executor struct {
	Commission CommissionModel
	Slippage   SlippageModel
}

// NewExecutor returns an Executor with the given cost models.
func NewExecutor(c CommissionModel, s SlippageModel) *Executor {
	return &Executor{Commission: c, Slippage: s}
}

// Execute resolves order against bar, the bar with index barIndex on the
// merged timeline. It reports false when the order does not trigger on this
// bar. Malformed orders return an *OrderRejectedError.
//
//   - MARKET fills at the bar's open plus adverse slippage.
//   - LIMIT fills at the limit price when the bar's range reaches it.
//   - STOP fills when the range crosses the stop, at the stop or at the open
//     when the bar gaps through it, plus adverse slippage.
func (e *Executor) Execute(o *domain.Order, bar domain.Bar, barIndex int) (domain.Fill, bool, error) {
	if o.Quantity <= 0 || math.IsNaN(o.Quantity) {
		return domain.Fill{}, false, &domain.OrderRejectedError{OrderID: o.ID, Symbol: o.Symbol, Reason: fmt.Sprintf("non-positive quantity %v", o.Quantity)}
	}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return domain.Fill{}, false, &domain.OrderRejectedError{OrderID: o.ID, Symbol: o.Symbol, Reason: fmt.Sprintf("unknown side %q", o.Side)}
	}

	var (
		base     float64
		slippage bool
	)
	switch o.Type {
	case domain.OrderTypeMarket:
		base, slippage = bar.Open, true
	case domain.OrderTypeLimit:
		if o.Price <= 0 {
			return domain.Fill{}, false, &domain.OrderRejectedError{OrderID: o.ID, Symbol: o.Symbol, Reason: "limit order without price"}
		}
		if !limitReached(o.Side, o.Price, bar) {
			return domain.Fill{}, false, nil
		}
		base = o.Price
	case domain.OrderTypeStop:
		if o.Price <= 0 {
			return domain.Fill{}, false, &domain.OrderRejectedError{OrderID: o.ID, Symbol: o.Symbol, Reason: "stop order without price"}
		}
		var ok bool
		if base, ok = stopTriggered(o.Side, o.Price, bar); !ok {
			return domain.Fill{}, false, nil
		}
		slippage = true
	default:
		return domain.Fill{}, false, &domain.OrderRejectedError{OrderID: o.ID, Symbol: o.Symbol, Reason: fmt.Sprintf("unsupported order type %q", o.Type)}
	}

	price := base
	if slippage {
		price = e.Slippage.Apply(o.Side, base)
	}
	return e.fill(o, price, base, bar.Timestamp, barIndex), true, nil
}

// Affordable returns the largest quantity whose notional at price plus
// commission fits in cash. Commission is non-decreasing in quantity, so one
// pass from the commission-free bound gives a feasible size.
func (e *Executor) Affordable(cash, price float64) float64 {
	if cash <= 0 || price <= 0 {
		return 0
	}
	q := cash / price
	q = (cash - e.Commission.Compute(q, price)) / price
	if q < 0 {
		return 0
	}
	return q
}

// CloseAt fills order at price with commission and no slippage. It is used
// for forced liquidation at the end of a run.
func (e *Executor) CloseAt(o *domain.Order, price float64, ts time.Time, barIndex int) domain.Fill {
	return e.fill(o, price, price, ts, barIndex)
}

func (e *Executor) fill(o *domain.Order, price, base float64, ts time.Time, barIndex int) domain.Fill {
	return domain.Fill{
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      price,
		BasePrice:  base,
		Commission: e.Commission.Compute(o.Quantity, price),
		Slippage:   math.Abs(price-base) * o.Quantity,
		Timestamp:  ts,
		BarIndex:   barIndex,
		Purpose:    o.Purpose,
		Reason:     o.Reason,
		Tag:        o.Tag,
	}
}

// limitReached reports whether a limit at price is inside the bar's range on
// the trader's side: buys need the low at or below, sells the high at or
// above.
func limitReached(side domain.OrderSide, price float64, bar domain.Bar) bool {
	if side == domain.OrderSideBuy {
		return bar.Low <= price
	}
	return bar.High >= price
}

// stopTriggered reports whether a stop at price is crossed and returns the
// base execution price. A sell stop triggers when the low reaches the stop
// and executes at min(open, stop); a buy stop mirrors that on the high.
func stopTriggered(side domain.OrderSide, price float64, bar domain.Bar) (float64, bool) {
	if side == domain.OrderSideSell {
		if bar.Low > price {
			return 0, false
		}
		return math.Min(bar.Open, price), true
	}
	if bar.High < price {
		return 0, false
	}
	return math.Max(bar.Open, price), true
}
