// Package engine runs backtests. A Backtester walks one feed with one
// strategy; the Validator self-tests the event loop on synthetic bars; the
// Engine validates once, fans independent jobs out to workers and persists
// their results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"barsim/internal/config"
	"barsim/internal/feed"
	"barsim/internal/store"
	"barsim/internal/strategy"
)

// ResultSink persists finished runs. store.SQLiteStore satisfies it.
type ResultSink interface {
	SaveRun(ctx context.Context, run *store.RunRecord) error
}

// Job is one independent run over a set of symbols sharing one portfolio.
type Job struct {
	Name    string
	Symbols []string
}

// Engine coordinates backtest runs. Jobs share no mutable state: each gets
// its own strategy instance, feed cursor and ledger.
type Engine struct {
	cfg      config.Backtest
	registry *strategy.Registry
	bars     store.BarStore
	market   string
	sink     ResultSink
	logger   *slog.Logger
	newRunID func() string

	validateMu  sync.Mutex
	validated   bool
	validateErr error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSink persists every finished run to s.
func WithSink(s ResultSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithMarket selects the market bars are loaded from.
func WithMarket(market string) EngineOption {
	return func(e *Engine) { e.market = market }
}

// WithRunIDs replaces the run ID generator.
func WithRunIDs(fn func() string) EngineOption {
	return func(e *Engine) { e.newRunID = fn }
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(
	cfg config.Backtest,
	registry *strategy.Registry,
	bars store.BarStore,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		cfg:      cfg.Clone(),
		registry: registry,
		bars:     bars,
		market:   store.DefaultMarket,
		logger:   logger,
		newRunID: uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Validate runs the engine self-test once per Engine. Later calls return the
// first outcome, unless that outcome was a canceled or expired context, in
// which case the next call validates again.
func (e *Engine) Validate(ctx context.Context) error {
	e.validateMu.Lock()
	defer e.validateMu.Unlock()
	if e.validated {
		return e.validateErr
	}
	err := NewValidator(e.cfg, e.logger).Validate(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e.validated, e.validateErr = true, err
	return err
}

// Run validates the engine, loads the configured symbols and date range from
// the bar store and runs the strategy over them.
func (e *Engine) Run(ctx context.Context, spec config.Strategy) ([]*Result, error) {
	if err := e.Validate(ctx); err != nil {
		return nil, err
	}
	f, err := feed.Load(ctx, e.bars, e.market, e.cfg.Symbols, e.cfg.DateRange.Start, e.cfg.DateRange.End)
	if err != nil {
		return nil, fmt.Errorf("loading bars: %w", err)
	}
	return e.RunFeed(ctx, spec, f)
}

// Jobs splits a feed into jobs: one per symbol when isolate_symbols is set,
// otherwise a single job trading every symbol from one portfolio.
func (e *Engine) Jobs(f *feed.Feed) []Job {
	syms := f.Symbols()
	if !e.cfg.IsolateSymbols {
		return []Job{{Name: "portfolio", Symbols: syms}}
	}
	jobs := make([]Job, 0, len(syms))
	for _, s := range syms {
		jobs = append(jobs, Job{Name: s, Symbols: []string{s}})
	}
	return jobs
}

// RunFeed runs the strategy over f. Jobs run in parallel up to the worker
// limit under the configured time budget. Results come back in job order,
// halted ones included; the returned error combines every run error and
// persistence failure.
func (e *Engine) RunFeed(ctx context.Context, spec config.Strategy, f *feed.Feed) ([]*Result, error) {
	if err := e.Validate(ctx); err != nil {
		return nil, err
	}
	if _, ok := e.registry.Get(spec.Name); !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", spec.Name, e.registry.List())
	}
	if e.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TimeBudget)
		defer cancel()
	}

	jobs := e.Jobs(f)
	results := make([]*Result, len(jobs))
	start := time.Now()

	// A failing job must not cancel its siblings, so the group carries no
	// context of its own.
	var g errgroup.Group
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, job := range jobs {
		g.Go(func() error {
			res, err := e.runJob(ctx, spec, f, job)
			if res == nil {
				return fmt.Errorf("job %s: %w", job.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var errs error
	saveCtx := context.WithoutCancel(ctx)
	for i, res := range results {
		if res.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", jobs[i].Name, res.Err))
		}
		if e.sink == nil {
			continue
		}
		rec, err := Record(res, spec)
		if err == nil {
			err = e.sink.SaveRun(saveCtx, rec)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("saving run %s: %w", res.RunID, err))
		}
	}
	e.logger.Info("runs complete",
		"strategy", spec.Name,
		"jobs", len(jobs),
		"workers", workers,
		"elapsed", time.Since(start),
	)
	return results, errs
}

func (e *Engine) runJob(ctx context.Context, spec config.Strategy, f *feed.Feed, job Job) (*Result, error) {
	strat, err := e.registry.New(spec.Name, strategy.Params(spec.Params).Clone())
	if err != nil {
		return nil, err
	}
	jf := f
	if len(job.Symbols) != len(f.Symbols()) {
		if jf, err = f.Subset(job.Symbols...); err != nil {
			return nil, err
		}
	}
	cfg := e.cfg.Clone()
	cfg.Symbols = job.Symbols
	runID := e.newRunID()
	bt, err := New(cfg, strat, jf, e.logger.With("job", job.Name), WithRunID(runID), WithJob(job.Name))
	if err != nil {
		return nil, err
	}
	return bt.Run(ctx)
}

// runConfig is the configuration echo stored with a run.
type runConfig struct {
	Backtest config.Backtest `json:"backtest"`
	Strategy config.Strategy `json:"strategy"`
}

// Record converts a result into its persisted form.
func Record(res *Result, spec config.Strategy) (*store.RunRecord, error) {
	cfg, err := json.Marshal(runConfig{Backtest: res.Config, Strategy: spec})
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	rec := &store.RunRecord{
		RunID:       res.RunID,
		Job:         res.Job,
		Strategy:    res.Strategy,
		Symbols:     res.Symbols,
		CreatedAt:   time.Now().UTC(),
		FinalEquity: res.FinalEquity,
		Halted:      res.Halted,
		Config:      cfg,
		Metrics:     res.Metrics,
		Trades:      res.Trades,
		Equity:      res.EquityCurve,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec, nil
}
