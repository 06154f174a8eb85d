// Package store defines the storage collaborators around the simulation core:
// the bar source a feed is loaded from and the sink finished runs are
// persisted to. Nothing in here is touched while a simulation loop runs.
package store

import (
	"context"
	"time"

	"barsim/internal/domain"
	"barsim/internal/metrics"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// RunStore persists finished backtest runs.
type RunStore interface {
	// SaveRun stores a run with its trades and equity curve. Saving the same
	// run ID twice replaces the earlier copy.
	SaveRun(ctx context.Context, run *RunRecord) error

	// ListRuns returns run summaries, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	// LoadTrades returns the closed trades of a run in their original order.
	LoadTrades(ctx context.Context, runID string) ([]domain.Trade, error)

	// LoadEquity returns the equity curve of a run.
	LoadEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error)
}

// RunRecord is the persisted form of one backtest run.
type RunRecord struct {
	RunID       string
	Job         string
	Strategy    string
	Symbols     []string
	CreatedAt   time.Time
	FinalEquity float64
	Halted      bool
	Error       string
	// Config is the encoded configuration echo of the run.
	Config  []byte
	Metrics metrics.Report
	Trades  []domain.Trade
	Equity  []domain.EquityPoint
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	RunID       string
	Job         string
	Strategy    string
	Symbols     []string
	CreatedAt   time.Time
	FinalEquity float64
	Halted      bool
	Error       string
	Metrics     metrics.Report
}
