package engine

import (
	"fmt"
	"math"

	"barsim/internal/config"
	"barsim/internal/domain"
)

// RiskManager sizes orders from signals and enforces the pre-trade rules:
// position limits, minimum signal strength and cash caps.
type RiskManager struct {
	riskPct      float64
	maxPositions int
	minStrength  float64
	step         float64
}

// NewRiskManager creates a RiskManager from the backtest settings.
//
//   - risk_per_trade_pct: percentage of equity put at risk between the
//     reference price and the stop, when the signal carries a stop.
//   - max_concurrent_positions: symbols that may hold or build a position
//     at the same time.
//   - min_signal_strength: entries below this strength are rejected.
//   - quantity_step: sizes are rounded down to a multiple of the step.
func NewRiskManager(cfg config.Backtest) *RiskManager {
	return &RiskManager{
		riskPct:      cfg.RiskPerTradePct,
		maxPositions: cfg.MaxConcurrentPositions,
		minStrength:  cfg.MinSignalStrength,
		step:         cfg.QuantityStep,
	}
}

// CheckEntry evaluates whether a new entry for symbol is allowed. active is
// the set of symbols that already hold or are building a position.
func (rm *RiskManager) CheckEntry(symbol string, sig domain.Signal, active map[string]bool) error {
	if rm.minStrength > 0 && sig.Strength < rm.minStrength {
		return &domain.OrderRejectedError{Symbol: symbol, Reason: fmt.Sprintf("signal strength %.4g below minimum %.4g", sig.Strength, rm.minStrength)}
	}
	if rm.maxPositions > 0 && !active[symbol] && len(active) >= rm.maxPositions {
		return &domain.OrderRejectedError{Symbol: symbol, Reason: fmt.Sprintf("max concurrent positions (%d) reached", rm.maxPositions)}
	}
	return nil
}

// EntryQuantity sizes an entry at reference price ref. An absolute quantity
// wins; otherwise the risk budget over the stop distance is used when both
// are set, and a fraction of available cash when they are not. The result
// never exceeds what available cash buys at ref.
func (rm *RiskManager) EntryQuantity(sig domain.Signal, ref, equity, available float64) (float64, error) {
	if ref <= 0 {
		return 0, fmt.Errorf("no reference price")
	}
	var qty float64
	switch {
	case sig.Quantity > 0:
		qty = sig.Quantity
	case rm.riskPct > 0 && sig.StopLoss > 0 && math.Abs(ref-sig.StopLoss) > 0:
		qty = equity * rm.riskPct / 100 / math.Abs(ref-sig.StopLoss)
		qty = math.Min(qty, sig.Pct()*available/ref)
	default:
		qty = sig.Pct() * available / ref
	}
	if available <= 0 {
		return 0, fmt.Errorf("no cash available")
	}
	qty = rm.Round(math.Min(qty, available/ref))
	if qty <= 0 {
		return 0, fmt.Errorf("non-positive quantity")
	}
	return qty, nil
}

// ExitQuantity sizes a reducing order against a position of held units
// (unsigned). A full exit always returns exactly held.
func (rm *RiskManager) ExitQuantity(sig domain.Signal, held float64) (float64, error) {
	if held <= 0 {
		return 0, fmt.Errorf("nothing to close")
	}
	qty := held * sig.Pct()
	if sig.Quantity > 0 {
		qty = sig.Quantity
	}
	if qty >= held {
		return held, nil
	}
	qty = rm.Round(qty)
	if qty <= 0 {
		return 0, fmt.Errorf("non-positive quantity")
	}
	return qty, nil
}

// Round rounds qty down to the configured step.
func (rm *RiskManager) Round(qty float64) float64 {
	if rm.step <= 0 || qty <= 0 {
		return qty
	}
	return math.Floor(qty/rm.step+1e-9) * rm.step
}
