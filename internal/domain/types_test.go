package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	// Verify Order can be instantiated with zero values.
	order := Order{}
	if order.ID != "" || order.Side != "" || order.Type != "" || order.Status != "" {
		t.Error("expected empty identifiers for zero-value Order")
	}
	if order.Quantity != 0 || order.Price != 0 {
		t.Error("expected zero Quantity/Price for zero-value Order")
	}

	// Verify enum constants are defined correctly.
	if OrderSideBuy != "buy" || OrderSideSell != "sell" {
		t.Errorf("order sides = %q/%q, want buy/sell", OrderSideBuy, OrderSideSell)
	}
	if ExitEndOfBacktest != "END_OF_BACKTEST" {
		t.Errorf("ExitEndOfBacktest = %q, want %q", ExitEndOfBacktest, "END_OF_BACKTEST")
	}
	if OrderSideBuy.Sign() != 1 || OrderSideSell.Sign() != -1 {
		t.Error("unexpected side signs")
	}
	if OrderSideBuy.Opposite() != OrderSideSell {
		t.Error("Opposite(buy) should be sell")
	}

	pos := PositionView{Symbol: "AAPL", Quantity: -5}
	if pos.Direction() != DirectionShort {
		t.Errorf("pos.Direction() = %q, want %q", pos.Direction(), DirectionShort)
	}
}

func TestSignalOrderSide(t *testing.T) {
	cases := map[SignalSide]OrderSide{
		SignalBuy:   OrderSideBuy,
		SignalCover: OrderSideBuy,
		SignalSell:  OrderSideSell,
		SignalShort: OrderSideSell,
	}
	for side, want := range cases {
		if got := (Signal{Side: side}).OrderSide(); got != want {
			t.Errorf("Signal{%s}.OrderSide() = %q, want %q", side, got, want)
		}
	}
	if Hold().Actionable() {
		t.Error("HOLD should not be actionable")
	}
	if !(Signal{Side: SignalHold, CancelPending: true}).Actionable() {
		t.Error("HOLD with CancelPending should be actionable")
	}
	if (Signal{}).Pct() != 1 {
		t.Error("zero QuantityPct should default to 1")
	}
}

func TestSignalValidate(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signal
		wantErr bool
	}{
		{"hold", Hold(), false},
		{"plain buy", Signal{Side: SignalBuy, QuantityPct: 0.5}, false},
		{"pct above one", Signal{Side: SignalBuy, QuantityPct: 1.5}, true},
		{"negative qty", Signal{Side: SignalBuy, Quantity: -1}, true},
		{"unknown side", Signal{Side: "LONG"}, true},
		{"three entries", Signal{Side: SignalBuy, Entries: []Leg{{Pct: 0.4}, {Price: 9, Pct: 0.3}, {Price: 8, Pct: 0.3}}}, false},
		{"four entries", Signal{Side: SignalBuy, Entries: []Leg{{Pct: 0.25}, {Price: 9, Pct: 0.25}, {Price: 8, Pct: 0.25}, {Price: 7, Pct: 0.25}}}, true},
		{"entries over one", Signal{Side: SignalBuy, Entries: []Leg{{Pct: 0.6}, {Price: 9, Pct: 0.6}}}, true},
		{"exit leg at market", Signal{Side: SignalBuy, Exits: []Leg{{Pct: 0.5}}}, true},
		{"five exits", Signal{Side: SignalBuy, Exits: []Leg{{Price: 1, Pct: .2}, {Price: 2, Pct: .2}, {Price: 3, Pct: .2}, {Price: 4, Pct: .2}, {Price: 5, Pct: .2}}}, true},
		{"sell with legs", Signal{Side: SignalSell, Exits: []Leg{{Price: 1, Pct: 1}}}, true},
		{"trailing out of range", Signal{Side: SignalBuy, TrailingStopPct: 1}, true},
	}
	for _, tc := range tests {
		err := tc.sig.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")
	var err error = &StrategyError{Strategy: "s", Symbol: "AAPL", BarIndex: 7, Timestamp: time.Unix(0, 0).UTC(), Err: base}
	wrapped := fmt.Errorf("run: %w", err)

	var se *StrategyError
	if !errors.As(wrapped, &se) {
		t.Fatal("errors.As failed for StrategyError")
	}
	if se.BarIndex != 7 {
		t.Errorf("BarIndex = %d, want 7", se.BarIndex)
	}
	if !errors.Is(wrapped, base) {
		t.Error("StrategyError should unwrap to the strategy's error")
	}

	ve := &EngineValidationError{Err: base}
	if !errors.Is(ve, base) {
		t.Error("EngineValidationError should unwrap")
	}
}
