package domain

import (
	"fmt"
	"math"
)

// SignalSide is the trading intent a strategy emits for the current bar.
type SignalSide string

const (
	SignalBuy   SignalSide = "BUY"   // open or add to a long
	SignalSell  SignalSide = "SELL"  // reduce or close a long
	SignalShort SignalSide = "SHORT" // open or add to a short
	SignalCover SignalSide = "COVER" // reduce or close a short
	SignalHold  SignalSide = "HOLD"
)

// Staged plan limits.
const (
	MaxEntryLegs = 3
	MaxExitLegs  = 4
)

// Leg is one staged entry or exit level. Pct is the fraction of the
// position basis assigned to the level.
type Leg struct {
	// Price of the level. An entry leg with Price 0 is filled at market on
	// the next bar.
	Price float64
	Pct   float64
	// ExpireAfterBars cancels the leg if it is still unfilled this many bars
	// after the signal bar. Zero keeps it until the run ends or it is
	// canceled by the strategy.
	ExpireAfterBars int
}

// Signal is a strategy's intent for the current bar. It is consumed
// immediately by the engine and never persisted.
type Signal struct {
	Side SignalSide
	// Quantity is an absolute size in units. When zero the engine sizes the
	// order from QuantityPct.
	Quantity float64
	// QuantityPct is the fraction (0-1] of the sizing basis: cash for
	// entries, the current position for exits. Zero means 1.
	QuantityPct float64
	StopLoss    float64
	TakeProfit  float64
	// Entries and Exits describe a staged plan. When Entries is empty the
	// whole entry is a single market order.
	Entries []Leg
	Exits   []Leg
	// TrailingStopPct ratchets the stop behind the close once the position is
	// open. Requires the exit manager.
	TrailingStopPct float64
	// CancelPending cancels every unfilled entry leg for the symbol before the
	// signal is acted on.
	CancelPending bool
	Strength      float64
	Tag           string
}

// Hold is the no-op signal.
func Hold() Signal {
	return Signal{Side: SignalHold}
}

// IsEntry reports whether the signal opens or adds to a position.
func (s Signal) IsEntry() bool {
	return s.Side == SignalBuy || s.Side == SignalShort
}

// IsExit reports whether the signal reduces a position.
func (s Signal) IsExit() bool {
	return s.Side == SignalSell || s.Side == SignalCover
}

// Actionable reports whether the signal requires any work from the engine.
func (s Signal) Actionable() bool {
	return s.Side != SignalHold && s.Side != "" || s.CancelPending
}

// OrderSide maps the signal to the side of the order it produces.
func (s Signal) OrderSide() OrderSide {
	switch s.Side {
	case SignalBuy, SignalCover:
		return OrderSideBuy
	default:
		return OrderSideSell
	}
}

// Pct returns QuantityPct with the zero value treated as 1.
func (s Signal) Pct() float64 {
	if s.QuantityPct == 0 {
		return 1
	}
	return s.QuantityPct
}

// Validate checks the structural rules of a signal. It does not look at
// portfolio state.
func (s Signal) Validate() error {
	switch s.Side {
	case SignalBuy, SignalSell, SignalShort, SignalCover, SignalHold, "":
	default:
		return fmt.Errorf("unknown signal side %q", s.Side)
	}
	if s.Quantity < 0 || math.IsNaN(s.Quantity) {
		return fmt.Errorf("quantity must not be negative, got %v", s.Quantity)
	}
	if s.QuantityPct < 0 || s.QuantityPct > 1 || math.IsNaN(s.QuantityPct) {
		return fmt.Errorf("quantity_pct must be within [0, 1], got %v", s.QuantityPct)
	}
	if s.StopLoss < 0 || s.TakeProfit < 0 {
		return fmt.Errorf("stop_loss and take_profit must not be negative")
	}
	if s.TrailingStopPct < 0 || s.TrailingStopPct >= 1 {
		return fmt.Errorf("trailing_stop_pct must be within [0, 1), got %v", s.TrailingStopPct)
	}
	if len(s.Entries) > MaxEntryLegs {
		return fmt.Errorf("at most %d entry legs allowed, got %d", MaxEntryLegs, len(s.Entries))
	}
	if len(s.Exits) > MaxExitLegs {
		return fmt.Errorf("at most %d exit legs allowed, got %d", MaxExitLegs, len(s.Exits))
	}
	if err := validateLegs("entry", s.Entries, true); err != nil {
		return err
	}
	if err := validateLegs("exit", s.Exits, false); err != nil {
		return err
	}
	if s.IsExit() && (len(s.Entries) > 0 || len(s.Exits) > 0) {
		return fmt.Errorf("%s signals cannot carry staged legs", s.Side)
	}
	return nil
}

func validateLegs(kind string, legs []Leg, allowMarket bool) error {
	var sum float64
	for i, l := range legs {
		if l.Pct <= 0 || l.Pct > 1 {
			return fmt.Errorf("%s leg %d: pct must be within (0, 1], got %v", kind, i+1, l.Pct)
		}
		if l.Price < 0 || (l.Price == 0 && !allowMarket) {
			return fmt.Errorf("%s leg %d: invalid price %v", kind, i+1, l.Price)
		}
		if l.ExpireAfterBars < 0 {
			return fmt.Errorf("%s leg %d: expire_after_bars must not be negative", kind, i+1)
		}
		sum += l.Pct
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("%s legs sum to %.4f, must not exceed 1", kind, sum)
	}
	return nil
}
