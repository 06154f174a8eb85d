// Package domain defines the core value types shared by the simulation
// engine: bars, signals, orders, fills, positions, trades and equity points.
package domain

import (
	"time"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV observation for a symbol. Bars are immutable once produced
// by the data layer.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order or fill.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// Opposite returns the side that closes a position opened by s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus tracks the lifecycle of a simulated order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "canceled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// OrderPurpose distinguishes orders that build a position from orders that
// reduce it.
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "entry"
	PurposeExit  OrderPurpose = "exit"
)

// Order is a simulated instruction to trade. It is created from a Signal and
// resolved to at most one Fill on a later bar.
type Order struct {
	ID       string
	Symbol   string
	Side     OrderSide
	Type     OrderType
	Quantity float64
	// Price is the limit price for LIMIT orders and the trigger price for
	// STOP orders. Unused for MARKET orders.
	Price   float64
	Purpose OrderPurpose
	Reason  ExitReason
	Tag     string
	// Leg is the 1-based staged level this order belongs to, 0 when the
	// order is not part of a staged plan.
	Leg int
	// SignalBar is the timeline index of the bar whose signal created the
	// order. Orders never fill on that bar.
	SignalBar       int
	ExpireAfterBars int
	Status          OrderStatus
}

// Fill is an executed quantity at a price including costs. Price already
// carries slippage; Slippage reports the total adverse amount paid.
type Fill struct {
	OrderID    string       `json:"order_id"`
	Symbol     string       `json:"symbol"`
	Side       OrderSide    `json:"side"`
	Quantity   float64      `json:"quantity"`
	Price      float64      `json:"price"`
	BasePrice  float64      `json:"base_price"`
	Commission float64      `json:"commission"`
	Slippage   float64      `json:"slippage"`
	Timestamp  time.Time    `json:"timestamp"`
	BarIndex   int          `json:"bar_index"`
	Purpose    OrderPurpose `json:"purpose"`
	Reason     ExitReason   `json:"reason,omitempty"`
	Tag        string       `json:"tag,omitempty"`
}

// Notional returns quantity times price.
func (f Fill) Notional() float64 {
	return f.Quantity * f.Price
}

// ---------------------------------------------------------------------------
// Positions, trades and portfolio state
// ---------------------------------------------------------------------------

// ExitReason explains why a position was reduced or closed.
type ExitReason string

const (
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitTimeStop      ExitReason = "TIME_STOP"
	ExitStrategy      ExitReason = "STRATEGY_EXIT"
	ExitEndOfBacktest ExitReason = "END_OF_BACKTEST"
)

// Direction is the side of an open position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Lot is one FIFO cost lot of an open position.
type Lot struct {
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	// CostPerUnit is the entry commission attributable to each unit still
	// held in the lot.
	CostPerUnit float64   `json:"cost_per_unit"`
	Timestamp   time.Time `json:"timestamp"`
	BarIndex    int       `json:"bar_index"`
}

// PositionView is a read-only copy of an open position handed to strategies.
type PositionView struct {
	Symbol string
	// Quantity is signed: positive for long, negative for short.
	Quantity      float64
	AvgPrice      float64
	Lots          []Lot
	OpenedAt      time.Time
	BarsHeld      int
	StopLoss      float64
	MarketPrice   float64
	UnrealizedPnL float64
}

// Direction returns the side of the position.
func (p PositionView) Direction() Direction {
	if p.Quantity < 0 {
		return DirectionShort
	}
	return DirectionLong
}

// Trade is a round trip from flat back to flat. It is immutable once closed.
type Trade struct {
	ID            string     `json:"id"`
	Symbol        string     `json:"symbol"`
	Direction     Direction  `json:"direction"`
	EntryFills    []Fill     `json:"entry_fills"`
	ExitFills     []Fill     `json:"exit_fills"`
	Quantity      float64    `json:"quantity"`
	AvgEntryPrice float64    `json:"avg_entry_price"`
	AvgExitPrice  float64    `json:"avg_exit_price"`
	RealizedPnL   float64    `json:"realized_pnl"`
	Commission    float64    `json:"commission"`
	Slippage      float64    `json:"slippage"`
	EntryTime     time.Time  `json:"entry_time"`
	ExitTime      time.Time  `json:"exit_time"`
	EntryBar      int        `json:"entry_bar"`
	ExitBar       int        `json:"exit_bar"`
	BarsHeld      int        `json:"bars_held"`
	ExitReason    ExitReason `json:"exit_reason"`
	Tag           string     `json:"tag,omitempty"`
}

// Costs returns commission plus slippage paid over the round trip.
func (t Trade) Costs() float64 {
	return t.Commission + t.Slippage
}

// EntryNotional returns the total value of all entry fills.
func (t Trade) EntryNotional() float64 {
	var n float64
	for _, f := range t.EntryFills {
		n += f.Notional()
	}
	return n
}

// EquityPoint is one sample of the equity curve, appended once per bar.
type EquityPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	Cash          float64   `json:"cash"`
	Equity        float64   `json:"equity"`
	OpenPositions int       `json:"open_positions"`
}

// PortfolioSnapshot is the account state exposed to a strategy. It is a deep
// copy; mutating it has no effect on the ledger.
type PortfolioSnapshot struct {
	Cash          float64
	Equity        float64
	RealizedPnL   float64
	UnrealizedPnL float64
	Positions     map[string]PositionView
}

// Position returns the open position for symbol, if any.
func (s PortfolioSnapshot) Position(symbol string) (PositionView, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}
