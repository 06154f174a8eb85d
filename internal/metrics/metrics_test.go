package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barsim/internal/domain"
)

func curve(values ...float64) []domain.EquityPoint {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]domain.EquityPoint, len(values))
	for i, v := range values {
		out[i] = domain.EquityPoint{Timestamp: start.AddDate(0, 0, i), Cash: v, Equity: v}
	}
	return out
}

func TestComputeZeroTrades(t *testing.T) {
	r := Compute(nil, curve(10000, 10000, 10000), Options{InitialCapital: 10000})

	assert.Equal(t, 0, r.TotalTrades)
	assert.Zero(t, r.WinRate)
	assert.Zero(t, float64(r.ProfitFactor))
	assert.Zero(t, r.TotalReturnPct)
	assert.Zero(t, r.MaxDrawdownPct)
	assert.Zero(t, r.Sharpe)
	assert.Zero(t, r.AvgBarsHeld)
	assert.False(t, math.IsNaN(r.Sharpe))
}

func TestComputeEmptyCurve(t *testing.T) {
	r := Compute(nil, nil, Options{})
	assert.Zero(t, r.TotalReturnPct)
	assert.Zero(t, r.FinalEquity)
	assert.Zero(t, r.Sharpe)
}

func TestComputeTradeStats(t *testing.T) {
	trades := []domain.Trade{
		{Direction: domain.DirectionLong, RealizedPnL: 100, Commission: 2, BarsHeld: 4, ExitReason: domain.ExitTakeProfit},
		{Direction: domain.DirectionLong, RealizedPnL: -50, Commission: 2, BarsHeld: 2, ExitReason: domain.ExitStopLoss},
		{Direction: domain.DirectionShort, RealizedPnL: 30, Commission: 1, Slippage: 0.5, BarsHeld: 6, ExitReason: domain.ExitStrategy},
		{Direction: domain.DirectionShort, RealizedPnL: 0, BarsHeld: 0, ExitReason: domain.ExitEndOfBacktest},
	}
	r := Compute(trades, curve(1000, 1080), Options{InitialCapital: 1000})

	assert.Equal(t, 4, r.TotalTrades)
	assert.Equal(t, 2, r.Wins)
	assert.Equal(t, 1, r.Losses)
	assert.InDelta(t, 0.5, r.WinRate, 1e-12)
	assert.InDelta(t, 130, r.GrossProfit, 1e-12)
	assert.InDelta(t, 50, r.GrossLoss, 1e-12)
	assert.InDelta(t, 80, r.NetProfit, 1e-12)
	assert.InDelta(t, 2.6, float64(r.ProfitFactor), 1e-12)
	assert.InDelta(t, 65, r.AvgWin, 1e-12)
	assert.InDelta(t, -50, r.AvgLoss, 1e-12)
	assert.InDelta(t, 100, r.LargestWin, 1e-12)
	assert.InDelta(t, -50, r.LargestLoss, 1e-12)
	assert.InDelta(t, 3, r.AvgBarsHeld, 1e-12)
	assert.InDelta(t, 5, r.TotalCommission, 1e-12)
	assert.InDelta(t, 0.5, r.TotalSlippage, 1e-12)
	assert.InDelta(t, 8, r.TotalReturnPct, 1e-12)

	assert.Equal(t, 2, r.Long.Trades)
	assert.Equal(t, 1, r.Long.Wins)
	assert.Equal(t, 2, r.Short.Trades)
	assert.InDelta(t, 0.5, r.Short.WinRate, 1e-12)
	assert.Equal(t, 1, r.ExitReasons[domain.ExitStopLoss])
	assert.Equal(t, 1, r.ExitReasons[domain.ExitEndOfBacktest])
}

func TestProfitFactorEdges(t *testing.T) {
	assert.True(t, ProfitFactor(10, 0).IsInf())
	assert.Zero(t, float64(ProfitFactor(0, 0)))
	assert.InDelta(t, 0, float64(ProfitFactor(0, 5)), 1e-12)
	assert.InDelta(t, 2, float64(ProfitFactor(10, 5)), 1e-12)
}

func TestMaxDrawdown(t *testing.T) {
	c := curve(100, 120, 90, 110, 60, 130)
	dd, at := MaxDrawdown(c)
	assert.InDelta(t, 50, dd, 1e-12)
	assert.Equal(t, c[4].Timestamp, at)

	dd, at = MaxDrawdown(curve(100, 101, 102))
	assert.Zero(t, dd)
	assert.True(t, at.IsZero())
}

func TestSharpe(t *testing.T) {
	assert.Zero(t, Sharpe(nil, 252, 0))
	assert.Zero(t, Sharpe([]float64{0.01}, 252, 0))
	assert.Zero(t, Sharpe([]float64{0.01, 0.01, 0.01}, 252, 0), "zero variance")

	rets := []float64{0.01, -0.01, 0.02, 0}
	// mean 0.005, sample sd sqrt(0.0005/3)
	want := 0.005 / math.Sqrt(0.0005/3) * math.Sqrt(252)
	assert.InDelta(t, want, Sharpe(rets, 0, 0), 1e-9)

	// The risk-free rate is spread over the annualization periods.
	withRF := Sharpe(rets, 252, 0.0252)
	wantRF := (0.005 - 0.0001) / math.Sqrt(0.0005/3) * math.Sqrt(252)
	assert.InDelta(t, wantRF, withRF, 1e-9)
}

func TestSharpePerTrade(t *testing.T) {
	trades := []domain.Trade{
		{RealizedPnL: 10, EntryFills: []domain.Fill{{Quantity: 10, Price: 10}}},
		{RealizedPnL: -5, EntryFills: []domain.Fill{{Quantity: 10, Price: 10}}},
		{RealizedPnL: 20, EntryFills: []domain.Fill{{Quantity: 10, Price: 10}}},
	}
	rets := TradeReturns(trades)
	require.Len(t, rets, 3)
	assert.InDelta(t, 0.1, rets[0], 1e-12)

	r := Compute(trades, nil, Options{Basis: BasisPerTrade, Annualization: 1})
	assert.InDelta(t, Sharpe(rets, 1, 0), r.Sharpe, 1e-12)
}

func TestRatioJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		PF Ratio `json:"pf"`
	}{Ratio(math.Inf(1))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pf":"Infinity"}`, string(b))

	var back struct {
		PF Ratio `json:"pf"`
	}
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.PF.IsInf())

	b, err = json.Marshal(Ratio(1.5))
	require.NoError(t, err)
	assert.Equal(t, "1.5", string(b))
}
