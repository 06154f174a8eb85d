package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barsim/internal/broker"
	"barsim/internal/config"
	"barsim/internal/domain"
	"barsim/internal/feed"
	"barsim/internal/strategy"
	"barsim/internal/strategy/builtins"
)

var day0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func ohlc(sym string, i int, o, h, l, c float64) domain.Bar {
	return domain.Bar{Symbol: sym, Timestamp: day0.AddDate(0, 0, i), Open: o, High: h, Low: l, Close: c, Volume: 1000}
}

func flatBars(sym string, n int, price float64) []domain.Bar {
	out := make([]domain.Bar, n)
	for i := range out {
		out[i] = ohlc(sym, i, price, price, price, price)
	}
	return out
}

func newFeed(t *testing.T, series ...[]domain.Bar) *feed.Feed {
	t.Helper()
	m := make(map[string][]domain.Bar)
	for _, s := range series {
		m[s[0].Symbol] = s
	}
	f, err := feed.New(m)
	require.NoError(t, err)
	return f
}

// frictionless returns a config without costs, risk sizing or exit manager.
func frictionless() config.Backtest {
	cfg := config.DefaultBacktest()
	cfg.InitialCapital = 100_000
	cfg.Commission = broker.CommissionModel{Kind: broker.CommissionFlat}
	cfg.Slippage = broker.SlippageModel{Kind: broker.SlippageFixed}
	cfg.RiskPerTradePct = 0
	cfg.EnableExitManager = false
	return cfg
}

func runBT(t *testing.T, cfg config.Backtest, s strategy.Strategy, f *feed.Feed, opts ...Option) *Result {
	t.Helper()
	bt, err := New(cfg, s, f, nil, append(opts, WithInvariantChecks())...)
	require.NoError(t, err)
	res, err := bt.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestScenarioBuyAndHoldFlatPrice(t *testing.T) {
	cfg := config.DefaultBacktest()
	cfg.InitialCapital = 10_000
	cfg.Commission = broker.CommissionModel{Kind: broker.CommissionPerShare, Rate: 0.005, Minimum: 1}
	cfg.Slippage = broker.SlippageModel{Kind: broker.SlippageBps, Value: 5}
	cfg.EnableExitManager = false

	res := runBT(t, cfg, scriptStrategy{0: {Side: domain.SignalBuy, Quantity: 10}}, newFeed(t, flatBars("AAA", 100, 100)))

	require.Len(t, res.EquityCurve, 100)
	assert.Equal(t, 10_000.0, res.EquityCurve[0].Equity, "nothing fills on the signal bar")

	// While the position is open: cash = 10000 - 10*100*(1+slippage) - commission.
	held := res.EquityCurve[98]
	assert.InDelta(t, 10_000-10*100*(1+0.0005)-1, held.Cash, 1e-9)
	assert.InDelta(t, 10_000-10*100*0.0005-1, held.Equity, 1e-9)
	assert.Equal(t, 1, held.OpenPositions)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, domain.ExitEndOfBacktest, tr.ExitReason)
	assert.Equal(t, 1, tr.EntryBar)
	assert.Equal(t, 99, tr.ExitBar)
	assert.InDelta(t, 100.05, tr.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 100.0, tr.AvgExitPrice, 1e-9, "forced close takes no slippage")
	assert.InDelta(t, 2.0, tr.Commission, 1e-9)
	assert.InDelta(t, -2.5, tr.RealizedPnL, 1e-9)

	final := res.EquityCurve[99]
	assert.Equal(t, 0, final.OpenPositions)
	assert.InDelta(t, 9_997.5, final.Equity, 1e-9)
	assert.InDelta(t, 9_997.5, res.FinalEquity, 1e-9)
}

func tieBreakBars(open2 float64) []domain.Bar {
	return []domain.Bar{
		ohlc("AAA", 0, 100, 100, 100, 100),
		ohlc("AAA", 1, 100, 101, 99, 100),
		ohlc("AAA", 2, open2, 106, 94, 100),
		ohlc("AAA", 3, 100, 100, 100, 100),
	}
}

func TestStopTargetTieBreak(t *testing.T) {
	entry := scriptStrategy{0: {Side: domain.SignalBuy, Quantity: 10, StopLoss: 95, TakeProfit: 105}}

	tests := []struct {
		name       string
		policy     config.TieBreak
		open       float64
		wantPrice  float64
		wantReason domain.ExitReason
	}{
		{"stop first", config.TieBreakStopFirst, 100, 95, domain.ExitStopLoss},
		{"target first", config.TieBreakTargetFirst, 100, 105, domain.ExitTakeProfit},
		{"gap through stop beats target first", config.TieBreakTargetFirst, 94, 94, domain.ExitStopLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := frictionless()
			cfg.TieBreak = tt.policy
			res := runBT(t, cfg, entry, newFeed(t, tieBreakBars(tt.open)))

			require.Len(t, res.Trades, 1)
			tr := res.Trades[0]
			assert.Equal(t, tt.wantReason, tr.ExitReason)
			assert.InDelta(t, tt.wantPrice, tr.AvgExitPrice, 1e-9)
			assert.Equal(t, 2, tr.ExitBar)
			assert.InDelta(t, (tt.wantPrice-100)*10, tr.RealizedPnL, 1e-9)
		})
	}
}

func TestZeroTradeRun(t *testing.T) {
	cfg := frictionless()
	f := newFeed(t, flatBars("AAA", 50, 20), flatBars("BBB", 50, 30))
	res := runBT(t, cfg, builtins.Hold{}, f)

	assert.Empty(t, res.Trades)
	assert.Empty(t, res.Rejections)
	require.Len(t, res.EquityCurve, 50)
	for _, pt := range res.EquityCurve {
		assert.Equal(t, cfg.InitialCapital, pt.Equity)
	}
	m := res.Metrics
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.TotalReturnPct)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, float64(m.ProfitFactor))
	assert.Zero(t, m.MaxDrawdownPct)
	assert.Zero(t, m.Sharpe)
}

func TestNoLookAhead(t *testing.T) {
	base, err := syntheticFeed(60, "AAA", "BBB")
	require.NoError(t, err)

	collect := func(f *feed.Feed, k int) []byte {
		var events []Event
		runBT(t, frictionless(), probeStrategy{}, f, WithObserver(func(e Event) {
			if e.Step <= k {
				events = append(events, e)
			}
		}))
		b, err := json.Marshal(events)
		require.NoError(t, err)
		return b
	}

	for _, k := range []int{5, 20, 35, 50} {
		perturbed, err := base.Perturb(k, func(b domain.Bar) domain.Bar {
			b.Open, b.High, b.Low, b.Close = b.Open/3, b.High/3, b.Low/3, b.Close/3
			return b
		})
		require.NoError(t, err)
		assert.Equal(t, string(collect(base, k)), string(collect(perturbed, k)), "k=%d", k)
	}
}

func TestFillsNeverUseTheSignalBar(t *testing.T) {
	f, err := syntheticFeed(60, "AAA", "BBB")
	require.NoError(t, err)

	signalBar := make(map[string]int)
	fills := 0
	runBT(t, frictionless(), probeStrategy{}, f, WithObserver(func(e Event) {
		switch e.Kind {
		case EventOrder:
			signalBar[e.Order.ID] = e.Order.SignalBar
		case EventFill:
			if sb, ok := signalBar[e.Fill.OrderID]; ok {
				fills++
				assert.Greater(t, e.Fill.BarIndex, sb, "order %s", e.Fill.OrderID)
			}
		}
	}))
	assert.Positive(t, fills)
}

func TestDeterminism(t *testing.T) {
	f, err := syntheticFeed(120, "AAA", "BBB", "CCC")
	require.NoError(t, err)

	encode := func() []byte {
		b := builtins.NewBreakout()
		require.NoError(t, b.Setup(strategy.Params{"lookback": 10, "atr_period": 5}))
		res := runBT(t, frictionless(), b, f)
		out, err := json.Marshal(struct {
			Trades  []domain.Trade
			Metrics any
		}{res.Trades, res.Metrics})
		require.NoError(t, err)
		return out
	}
	assert.Equal(t, string(encode()), string(encode()))
}

// failingStrategy trades a fixed script and fails at failAt.
type failingStrategy struct {
	scriptStrategy
	failAt int
	panics bool
}

func (s failingStrategy) OnBar(ctx context.Context, h strategy.History, pf domain.PortfolioSnapshot) (domain.Signal, error) {
	if h.Len()-1 == s.failAt {
		if s.panics {
			panic("index out of range")
		}
		return domain.Signal{}, errors.New("indicator blew up")
	}
	return s.scriptStrategy.OnBar(ctx, h, pf)
}

func TestStrategyErrorReturnsPartialResult(t *testing.T) {
	script := scriptStrategy{
		1: {Side: domain.SignalBuy, Quantity: 5},
		4: {Side: domain.SignalSell},
		7: {Side: domain.SignalBuy, Quantity: 5},
	}
	for _, panics := range []bool{false, true} {
		bt, err := New(frictionless(), failingStrategy{scriptStrategy: script, failAt: 10, panics: panics}, newFeed(t, flatBars("AAA", 30, 50)), nil)
		require.NoError(t, err)

		res, err := bt.Run(context.Background())
		var se *domain.StrategyError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 10, se.BarIndex)
		assert.Equal(t, "AAA", se.Symbol)
		if panics {
			assert.Contains(t, se.Error(), "panic: index out of range")
		}

		require.NotNil(t, res)
		assert.True(t, res.Halted)
		assert.Same(t, err, res.Err)
		assert.Len(t, res.EquityCurve, 11, "the failing bar is marked before the strategy runs")
		require.Len(t, res.Trades, 1, "closed trades survive the halt")
		assert.Equal(t, domain.ExitStrategy, res.Trades[0].ExitReason)
		assert.Equal(t, 1, res.EquityCurve[10].OpenPositions, "open positions are not liquidated")
	}
}

// cancelingStrategy cancels the run context at bar cancelAt.
type cancelingStrategy struct {
	nullStrategy
	cancel   context.CancelFunc
	cancelAt int
}

func (s cancelingStrategy) OnBar(_ context.Context, h strategy.History, _ domain.PortfolioSnapshot) (domain.Signal, error) {
	if h.Len()-1 == s.cancelAt {
		s.cancel()
	}
	if h.Len()-1 == 2 {
		return domain.Signal{Side: domain.SignalBuy, Quantity: 1}, nil
	}
	return domain.Hold(), nil
}

func TestCancellationKeepsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bt, err := New(frictionless(), cancelingStrategy{cancel: cancel, cancelAt: 20}, newFeed(t, flatBars("AAA", 100, 10)), nil)
	require.NoError(t, err)
	res, err := bt.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Halted)
	assert.Len(t, res.EquityCurve, 21)
	assert.Equal(t, 1, res.EquityCurve[20].OpenPositions)
}

func TestStagedEntriesAndExits(t *testing.T) {
	bars := []domain.Bar{
		ohlc("AAA", 0, 100, 100, 100, 100),
		ohlc("AAA", 1, 100, 101, 99, 100),
		ohlc("AAA", 2, 100, 100, 97, 98),
		ohlc("AAA", 3, 100, 106, 99, 105),
		ohlc("AAA", 4, 105, 111, 104, 110),
		ohlc("AAA", 5, 110, 110, 110, 110),
	}
	sig := domain.Signal{
		Side:     domain.SignalBuy,
		Quantity: 100,
		StopLoss: 80,
		Entries: []domain.Leg{
			{Pct: 0.4},
			{Price: 98, Pct: 0.3, ExpireAfterBars: 3},
			{Price: 90, Pct: 0.3, ExpireAfterBars: 2},
		},
		Exits: []domain.Leg{{Price: 105, Pct: 0.5}, {Price: 110, Pct: 0.5}},
		Tag:   "staged",
	}

	var expired []domain.Order
	res := runBT(t, frictionless(), scriptStrategy{0: sig}, newFeed(t, bars), WithObserver(func(e Event) {
		if e.Kind == EventCancel && e.Reason == "expired" {
			expired = append(expired, *e.Order)
		}
	}))

	require.Len(t, expired, 1)
	assert.Equal(t, 3, expired[0].Leg)
	assert.Equal(t, domain.OrderStatusExpired, expired[0].Status)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	require.Len(t, tr.EntryFills, 2)
	assert.InDelta(t, 40, tr.EntryFills[0].Quantity, 1e-9)
	assert.InDelta(t, 100, tr.EntryFills[0].Price, 1e-9)
	assert.InDelta(t, 30, tr.EntryFills[1].Quantity, 1e-9)
	assert.InDelta(t, 98, tr.EntryFills[1].Price, 1e-9)

	require.Len(t, tr.ExitFills, 2)
	assert.InDelta(t, 35, tr.ExitFills[0].Quantity, 1e-9)
	assert.InDelta(t, 105, tr.ExitFills[0].Price, 1e-9)
	assert.Equal(t, 3, tr.ExitFills[0].BarIndex)
	assert.InDelta(t, 35, tr.ExitFills[1].Quantity, 1e-9)
	assert.InDelta(t, 110, tr.ExitFills[1].Price, 1e-9)

	assert.Equal(t, domain.ExitTakeProfit, tr.ExitReason)
	assert.InDelta(t, 35*105+35*110-(40*100+30*98), tr.RealizedPnL, 1e-9)
	assert.Equal(t, "staged", tr.Tag)
}

func TestCancelPendingDropsEntryLegs(t *testing.T) {
	bars := flatBars("AAA", 6, 100)
	script := scriptStrategy{
		0: {Side: domain.SignalBuy, Quantity: 10, Entries: []domain.Leg{{Pct: 0.5}, {Price: 90, Pct: 0.5}}},
		2: {Side: domain.SignalHold, CancelPending: true},
	}
	var canceled []domain.Order
	res := runBT(t, frictionless(), script, newFeed(t, bars), WithObserver(func(e Event) {
		if e.Kind == EventCancel && e.Reason == "canceled by strategy" {
			canceled = append(canceled, *e.Order)
		}
	}))
	require.Len(t, canceled, 1)
	assert.Equal(t, 2, canceled[0].Leg)
	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 5, res.Trades[0].Quantity, 1e-9)
}

func TestExitManager(t *testing.T) {
	t.Run("time stop", func(t *testing.T) {
		cfg := frictionless()
		cfg.EnableExitManager = true
		cfg.ExitManager.MaxBarsHeld = 3
		res := runBT(t, cfg, scriptStrategy{0: {Side: domain.SignalBuy, Quantity: 1}}, newFeed(t, flatBars("AAA", 10, 10)))

		require.Len(t, res.Trades, 1)
		assert.Equal(t, domain.ExitTimeStop, res.Trades[0].ExitReason)
		assert.Equal(t, 1, res.Trades[0].EntryBar)
		assert.Equal(t, 5, res.Trades[0].ExitBar)
	})

	t.Run("trailing stop", func(t *testing.T) {
		cfg := frictionless()
		cfg.EnableExitManager = true
		cfg.ExitManager.MaxBarsHeld = 0
		bars := []domain.Bar{
			ohlc("AAA", 0, 100, 100, 100, 100),
			ohlc("AAA", 1, 100, 100, 100, 100),
			ohlc("AAA", 2, 100, 110, 100, 110),
			ohlc("AAA", 3, 110, 120, 110, 120),
			ohlc("AAA", 4, 115, 115, 100, 101),
			ohlc("AAA", 5, 101, 101, 101, 101),
		}
		script := scriptStrategy{0: {Side: domain.SignalBuy, Quantity: 10, TrailingStopPct: 0.1}}
		res := runBT(t, cfg, script, newFeed(t, bars))

		require.Len(t, res.Trades, 1)
		tr := res.Trades[0]
		assert.Equal(t, domain.ExitStopLoss, tr.ExitReason)
		assert.Equal(t, 4, tr.ExitBar)
		assert.InDelta(t, 108, tr.AvgExitPrice, 1e-9)
	})
}

func TestRejections(t *testing.T) {
	gapUp := []domain.Bar{
		ohlc("AAA", 0, 100, 100, 100, 100),
		ohlc("AAA", 1, 120, 120, 120, 120),
		ohlc("AAA", 2, 120, 120, 120, 120),
	}

	t.Run("insufficient cash at fill", func(t *testing.T) {
		cfg := frictionless()
		cfg.InitialCapital = 100
		res := runBT(t, cfg, scriptStrategy{0: {Side: domain.SignalBuy}}, newFeed(t, gapUp))
		assert.Empty(t, res.Trades)
		require.Len(t, res.Rejections, 1)
		assert.Contains(t, res.Rejections[0].Reason, "insufficient cash")
		assert.NotEmpty(t, res.Rejections[0].OrderID)
	})

	t.Run("entry shrinks to affordable quantity", func(t *testing.T) {
		cfg := frictionless()
		cfg.InitialCapital = 1_000
		// Sized at 10 from the signal close; 1000 buys only 8 at the 120 open.
		res := runBT(t, cfg, scriptStrategy{0: {Side: domain.SignalBuy}}, newFeed(t, gapUp))
		assert.Empty(t, res.Rejections)
		require.Len(t, res.Trades, 1)
		assert.InDelta(t, 8, res.Trades[0].Quantity, 1e-9)
		assert.InDelta(t, 120, res.Trades[0].AvgEntryPrice, 1e-9)
	})

	t.Run("nothing to close", func(t *testing.T) {
		res := runBT(t, frictionless(), scriptStrategy{1: {Side: domain.SignalSell}}, newFeed(t, flatBars("AAA", 5, 10)))
		require.Len(t, res.Rejections, 1)
		assert.Equal(t, "nothing to close", res.Rejections[0].Reason)
	})

	t.Run("max concurrent positions", func(t *testing.T) {
		cfg := frictionless()
		cfg.MaxConcurrentPositions = 1
		f := newFeed(t, flatBars("AAA", 5, 10), flatBars("BBB", 5, 10))
		res := runBT(t, cfg, scriptStrategy{0: {Side: domain.SignalBuy, Quantity: 1}}, f)
		require.Len(t, res.Rejections, 1)
		assert.Equal(t, "BBB", res.Rejections[0].Symbol)
		require.Len(t, res.Trades, 1)
		assert.Equal(t, "AAA", res.Trades[0].Symbol)
	})

	t.Run("invalid signal", func(t *testing.T) {
		bad := domain.Signal{Side: domain.SignalBuy, QuantityPct: 2}
		res := runBT(t, frictionless(), scriptStrategy{0: bad}, newFeed(t, flatBars("AAA", 3, 10)))
		require.Len(t, res.Rejections, 1)
		assert.Contains(t, res.Rejections[0].Reason, "invalid signal")
	})
}

func TestDefaultCostsBuyAndHoldInvestsAllCash(t *testing.T) {
	cfg := config.DefaultBacktest()
	res := runBT(t, cfg, builtins.NewBuyAndHold(), newFeed(t, flatBars("AAA", 20, 100)))

	assert.Empty(t, res.Rejections)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	// 10000 less the $1 minimum commission buys 99 units at 100.05.
	assert.InDelta(t, 99, tr.Quantity, 1e-9)
	assert.InDelta(t, 100.05, tr.AvgEntryPrice, 1e-9)
	assert.Equal(t, domain.ExitEndOfBacktest, tr.ExitReason)
	assert.InDelta(t, 10_000-99*100.05-1+99*100-1, res.FinalEquity, 1e-9)
}

func TestStopCheckedOnLimitEntryBar(t *testing.T) {
	bars := []domain.Bar{
		ohlc("AAA", 0, 100, 100, 100, 100),
		ohlc("AAA", 1, 100, 101, 94, 99),
		ohlc("AAA", 2, 99, 100, 97, 99),
		ohlc("AAA", 3, 99, 100, 97, 99),
	}
	sig := domain.Signal{Side: domain.SignalBuy, Quantity: 10, StopLoss: 95, Entries: []domain.Leg{{Price: 98, Pct: 1}}}
	res := runBT(t, frictionless(), scriptStrategy{0: sig}, newFeed(t, bars))

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, 1, tr.EntryBar)
	assert.InDelta(t, 98, tr.AvgEntryPrice, 1e-9)
	assert.Equal(t, domain.ExitStopLoss, tr.ExitReason)
	assert.Equal(t, 1, tr.ExitBar)
	assert.InDelta(t, 95, tr.AvgExitPrice, 1e-9)
	assert.InDelta(t, -30, tr.RealizedPnL, 1e-9)
	assert.Equal(t, 0, res.EquityCurve[3].OpenPositions)
}

func TestReversalClosesThenOpens(t *testing.T) {
	script := scriptStrategy{
		0: {Side: domain.SignalBuy, Quantity: 10},
		2: {Side: domain.SignalShort, Quantity: 4},
	}
	res := runBT(t, frictionless(), script, newFeed(t, flatBars("AAA", 5, 50)))

	require.Len(t, res.Trades, 2)
	assert.Equal(t, domain.DirectionLong, res.Trades[0].Direction)
	assert.Equal(t, domain.ExitStrategy, res.Trades[0].ExitReason)
	assert.Equal(t, 3, res.Trades[0].ExitBar)
	assert.Equal(t, domain.DirectionShort, res.Trades[1].Direction)
	assert.InDelta(t, 4, res.Trades[1].Quantity, 1e-9)
	assert.Equal(t, domain.ExitEndOfBacktest, res.Trades[1].ExitReason)
}

func TestRiskSizingUsesStopDistance(t *testing.T) {
	cfg := frictionless()
	cfg.RiskPerTradePct = 1
	// 1% of 100k over a 5 point stop distance is 200 units.
	res := runBT(t, cfg, scriptStrategy{0: {Side: domain.SignalBuy, StopLoss: 95}}, newFeed(t, flatBars("AAA", 3, 100)))
	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 200, res.Trades[0].Quantity, 1e-9)
}

func TestSnapshotCarriesPlanStop(t *testing.T) {
	var seen []float64
	spy := spyStrategy{fn: func(h strategy.History, pf domain.PortfolioSnapshot) domain.Signal {
		if p, ok := pf.Position("AAA"); ok {
			seen = append(seen, p.StopLoss)
		}
		if h.Len() == 1 {
			return domain.Signal{Side: domain.SignalBuy, Quantity: 1, StopLoss: 42}
		}
		return domain.Hold()
	}}
	runBT(t, frictionless(), spy, newFeed(t, flatBars("AAA", 4, 50)))
	assert.Equal(t, []float64{42, 42, 42}, seen)
}

type spyStrategy struct {
	nullStrategy
	fn func(strategy.History, domain.PortfolioSnapshot) domain.Signal
}

func (s spyStrategy) OnBar(_ context.Context, h strategy.History, pf domain.PortfolioSnapshot) (domain.Signal, error) {
	return s.fn(h, pf), nil
}
