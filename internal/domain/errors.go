package domain

import (
	"fmt"
	"time"
)

// DataIntegrityError reports a bar series that violates the feed contract.
// It is fatal and raised before any simulation starts.
type DataIntegrityError struct {
	Symbol string
	Index  int
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s bar %d: %s", e.Symbol, e.Index, e.Reason)
}

// EngineValidationError reports a failed engine self-test. No strategy may
// run after it.
type EngineValidationError struct {
	Err error
}

func (e *EngineValidationError) Error() string {
	return fmt.Sprintf("engine validation failed: %v", e.Err)
}

func (e *EngineValidationError) Unwrap() error { return e.Err }

// OrderRejectedError reports an order that was dropped. It is non-fatal: the
// simulation logs it and continues.
type OrderRejectedError struct {
	OrderID string
	Symbol  string
	Reason  string
}

func (e *OrderRejectedError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("order rejected: %s: %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("order rejected: %s %s: %s", e.Symbol, e.OrderID, e.Reason)
}

// StrategyError wraps an error or panic raised by strategy logic. The loop
// halts at BarIndex and returns what it computed so far.
type StrategyError struct {
	Strategy  string
	Symbol    string
	BarIndex  int
	Timestamp time.Time
	Err       error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s failed on %s at bar %d (%s): %v",
		e.Strategy, e.Symbol, e.BarIndex, e.Timestamp.Format(time.RFC3339), e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }
