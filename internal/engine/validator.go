package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"barsim/internal/config"
	"barsim/internal/domain"
	"barsim/internal/feed"
	"barsim/internal/strategy"
)

// Validator self-tests the event loop on synthetic bars. It runs before any
// real strategy and checks capital conservation, that a null strategy leaves
// capital untouched, determinism, and that perturbing future bars changes
// nothing already decided.
type Validator struct {
	cfg    config.Backtest
	logger *slog.Logger
}

// NewValidator creates a Validator using the cost models and policies of
// cfg.
func NewValidator(cfg config.Backtest, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Validator{cfg: cfg.Clone(), logger: logger}
}

// Validate runs every check. Failures are aggregated into one
// *domain.EngineValidationError.
func (v *Validator) Validate(ctx context.Context) error {
	start := time.Now()
	var err error
	err = multierr.Append(err, named("capital conservation", v.checkConservation(ctx)))
	err = multierr.Append(err, named("null strategy", v.checkNullStrategy(ctx)))
	err = multierr.Append(err, named("determinism", v.checkDeterminism(ctx)))
	err = multierr.Append(err, named("look-ahead", v.checkLookAhead(ctx)))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		v.logger.Error("engine validation failed", "checks_failed", len(multierr.Errors(err)), "error", err)
		return &domain.EngineValidationError{Err: err}
	}
	v.logger.Info("engine validated", "elapsed", time.Since(start))
	return nil
}

func named(check string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", check, err)
}

// runConfig returns the settings the synthetic runs use: the configured
// cost models and policies over synthetic symbols and ample capital.
func (v *Validator) runConfig() config.Backtest {
	cfg := v.cfg.Clone()
	cfg.Symbols = nil
	cfg.DateRange = config.DateRange{}
	cfg.InitialCapital = 100_000
	cfg.MinSignalStrength = 0
	cfg.QuantityStep = 1
	cfg.DrawdownWarnPct = 0
	if cfg.MaxConcurrentPositions < 2 {
		cfg.MaxConcurrentPositions = 2
	}
	return cfg
}

func (v *Validator) run(ctx context.Context, cfg config.Backtest, s strategy.Strategy, f *feed.Feed, opts ...Option) (*Result, error) {
	bt, err := New(cfg, s, f, nil, opts...)
	if err != nil {
		return nil, err
	}
	return bt.Run(ctx)
}

// checkConservation drives a scripted position through an entry, an add, a
// partial exit, a reversal, a cover and a staged short left open at the end,
// with the ledger verified after every bar.
func (v *Validator) checkConservation(ctx context.Context) error {
	f, err := syntheticFeed(40, "SYNA")
	if err != nil {
		return err
	}
	cfg := v.runConfig()
	cfg.EnableExitManager = false
	script := scriptStrategy{
		0:  {Side: domain.SignalBuy, Quantity: 10},
		3:  {Side: domain.SignalBuy, Quantity: 5},
		6:  {Side: domain.SignalSell, QuantityPct: 0.5},
		9:  {Side: domain.SignalShort, Quantity: 8},
		12: {Side: domain.SignalCover},
		15: {Side: domain.SignalShort, Quantity: 6, Entries: []domain.Leg{
			{Pct: 0.5},
			{Price: 1e6, Pct: 0.5, ExpireAfterBars: 2},
		}},
	}
	res, err := v.run(ctx, cfg, script, f, WithInvariantChecks())
	if err != nil {
		return err
	}
	if len(res.Rejections) > 0 {
		return fmt.Errorf("scripted orders rejected: %v", res.Rejections)
	}
	want := []domain.ExitReason{domain.ExitStrategy, domain.ExitStrategy, domain.ExitEndOfBacktest}
	if len(res.Trades) != len(want) {
		return fmt.Errorf("got %d trades, want %d", len(res.Trades), len(want))
	}
	realized := 0.0
	for i, t := range res.Trades {
		if t.ExitReason != want[i] {
			return fmt.Errorf("trade %d closed by %s, want %s", i, t.ExitReason, want[i])
		}
		realized += t.RealizedPnL
	}
	if !approx(res.FinalEquity, cfg.InitialCapital+realized) {
		return fmt.Errorf("final equity %v, want initial capital plus realized P&L %v", res.FinalEquity, cfg.InitialCapital+realized)
	}
	if last := res.EquityCurve[len(res.EquityCurve)-1]; !approx(last.Equity, last.Cash) || last.OpenPositions != 0 {
		return fmt.Errorf("book not flat after liquidation: %+v", last)
	}
	return nil
}

// checkNullStrategy runs a strategy that never trades.
func (v *Validator) checkNullStrategy(ctx context.Context) error {
	f, err := syntheticFeed(30, "SYNA", "SYNB")
	if err != nil {
		return err
	}
	cfg := v.runConfig()
	res, err := v.run(ctx, cfg, nullStrategy{}, f, WithInvariantChecks())
	if err != nil {
		return err
	}
	if len(res.Trades) != 0 {
		return fmt.Errorf("got %d trades", len(res.Trades))
	}
	if len(res.EquityCurve) != f.Len() {
		return fmt.Errorf("got %d equity points, want %d", len(res.EquityCurve), f.Len())
	}
	for i, pt := range res.EquityCurve {
		if pt.Equity != cfg.InitialCapital || pt.Cash != cfg.InitialCapital {
			return fmt.Errorf("equity point %d is %v, want %v", i, pt.Equity, cfg.InitialCapital)
		}
	}
	if res.Metrics.TotalReturnPct != 0 || res.Metrics.MaxDrawdownPct != 0 {
		return fmt.Errorf("flat run reports return %v%% and drawdown %v%%", res.Metrics.TotalReturnPct, res.Metrics.MaxDrawdownPct)
	}
	return nil
}

// checkDeterminism runs the probe strategy twice and compares the encoded
// trade lists, metrics and curves byte for byte.
func (v *Validator) checkDeterminism(ctx context.Context) error {
	f, err := syntheticFeed(60, "SYNA", "SYNB")
	if err != nil {
		return err
	}
	var outputs [2][]byte
	for i := range outputs {
		res, err := v.run(ctx, v.runConfig(), probeStrategy{}, f)
		if err != nil {
			return err
		}
		if outputs[i], err = json.Marshal(struct {
			Trades  []domain.Trade
			Metrics any
			Curve   []domain.EquityPoint
		}{res.Trades, res.Metrics, res.EquityCurve}); err != nil {
			return fmt.Errorf("encoding run: %w", err)
		}
	}
	if !bytes.Equal(outputs[0], outputs[1]) {
		return fmt.Errorf("two identical runs produced different output")
	}
	return nil
}

// checkLookAhead rewrites every bar after step k and requires every signal,
// order and fill at or before k to be unchanged.
func (v *Validator) checkLookAhead(ctx context.Context) error {
	f, err := syntheticFeed(60, "SYNA", "SYNB")
	if err != nil {
		return err
	}
	k := f.Len() / 2
	perturbed, err := f.Perturb(k, func(b domain.Bar) domain.Bar {
		b.Open, b.High, b.Low, b.Close = b.Open*1.5, b.High*1.5, b.Low*1.5, b.Close*1.5
		return b
	})
	if err != nil {
		return err
	}

	var logs [2][]Event
	for i, in := range []*feed.Feed{f, perturbed} {
		_, err := v.run(ctx, v.runConfig(), probeStrategy{}, in, WithObserver(func(e Event) {
			if e.Step <= k {
				logs[i] = append(logs[i], e)
			}
		}))
		if err != nil {
			return err
		}
	}

	fills := 0
	for _, e := range logs[0] {
		if e.Kind == EventFill {
			fills++
		}
	}
	if fills == 0 {
		return fmt.Errorf("probe produced no fills before step %d", k)
	}
	a, errA := json.Marshal(logs[0])
	b, errB := json.Marshal(logs[1])
	if err := multierr.Combine(errA, errB); err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("decisions up to step %d changed when later bars were rewritten", k)
	}
	return nil
}

func approx(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Abs(b))
}

// ---------------------------------------------------------------------------
// Synthetic inputs
// ---------------------------------------------------------------------------

// syntheticFeed builds n daily bars per symbol from phase-shifted sine waves
// on a slight uptrend.
func syntheticFeed(n int, symbols ...string) (*feed.Feed, error) {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	series := make(map[string][]domain.Bar, len(symbols))
	for s, sym := range symbols {
		prev := 100.0
		bars := make([]domain.Bar, n)
		for i := range bars {
			c := 100 + 10*math.Sin(float64(i)/5+float64(s)) + 0.1*float64(i)
			bars[i] = domain.Bar{
				Symbol:    sym,
				Timestamp: t0.AddDate(0, 0, i),
				Open:      prev,
				High:      math.Max(prev, c) + 1,
				Low:       math.Min(prev, c) - 1,
				Close:     c,
				Volume:    10_000,
			}
			prev = c
		}
		series[sym] = bars
	}
	return feed.New(series)
}

// scriptStrategy emits fixed signals keyed by bar index.
type scriptStrategy map[int]domain.Signal

func (scriptStrategy) Name() string                { return "script" }
func (scriptStrategy) Setup(strategy.Params) error { return nil }
func (s scriptStrategy) OnBar(_ context.Context, h strategy.History, _ domain.PortfolioSnapshot) (domain.Signal, error) {
	if sig, ok := s[h.Len()-1]; ok {
		return sig, nil
	}
	return domain.Hold(), nil
}

type nullStrategy struct{}

func (nullStrategy) Name() string                { return "null" }
func (nullStrategy) Setup(strategy.Params) error { return nil }
func (nullStrategy) OnBar(context.Context, strategy.History, domain.PortfolioSnapshot) (domain.Signal, error) {
	return domain.Hold(), nil
}

// probeStrategy trades two-bar momentum both ways with stops and targets, so
// the checks cover entries, exits and protective levels.
type probeStrategy struct{}

func (probeStrategy) Name() string                { return "probe" }
func (probeStrategy) Setup(strategy.Params) error { return nil }
func (probeStrategy) OnBar(_ context.Context, h strategy.History, pf domain.PortfolioSnapshot) (domain.Signal, error) {
	n := h.Len()
	if n < 3 {
		return domain.Hold(), nil
	}
	c := h.Closes()
	last, up1, up2 := c[n-1], c[n-1] > c[n-2], c[n-2] > c[n-3]
	pos, _ := pf.Position(h.Symbol())
	switch {
	case pos.Quantity > 0 && !up1:
		return domain.Signal{Side: domain.SignalSell, Tag: "probe"}, nil
	case pos.Quantity < 0 && up1:
		return domain.Signal{Side: domain.SignalCover, Tag: "probe"}, nil
	case pos.Quantity == 0 && up1 && up2:
		return domain.Signal{Side: domain.SignalBuy, QuantityPct: 0.3, StopLoss: last * 0.97, TakeProfit: last * 1.05, Tag: "probe"}, nil
	case pos.Quantity == 0 && !up1 && !up2:
		return domain.Signal{Side: domain.SignalShort, QuantityPct: 0.3, StopLoss: last * 1.03, Tag: "probe"}, nil
	}
	return domain.Hold(), nil
}
