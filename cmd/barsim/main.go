// barsim runs a backtest over bars from the Parquet store and records the
// results in SQLite.
//
// Usage:
//
//	BARSIM_CONFIG=config/barsim.yaml go run ./cmd/barsim
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"barsim/internal/config"
	"barsim/internal/engine"
	"barsim/internal/metrics"
	"barsim/internal/store"
	"barsim/internal/strategy"
	"barsim/internal/strategy/builtins"
	"barsim/internal/util"
)

func main() {
	cfgPath := "config/barsim.yaml"
	if p := os.Getenv("BARSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, closer := util.NewLogger(cfg.Logging)
	defer closer.Close()
	util.SetDefault(logger)

	results, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open result store: %v", err)
	}
	defer results.Close()

	registry := strategy.NewRegistry()
	builtins.RegisterAll(registry)

	eng := engine.NewEngine(
		cfg.Backtest,
		registry,
		store.NewParquetStore(cfg.Storage.DataDir),
		logger,
		engine.WithMarket(cfg.Storage.Market),
		engine.WithSink(retrySink{results}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runs, err := eng.Run(ctx, cfg.Strategy)
	for _, res := range runs {
		fmt.Println(summary(res))
	}
	if err != nil {
		logger.Error("backtest failed", "error", err)
		closer.Close()
		results.Close()
		os.Exit(1)
	}
}

func summary(res *engine.Result) string {
	m := res.Metrics
	status := "ok"
	if res.Halted {
		status = "halted"
	}
	return fmt.Sprintf("%s %s [%s] %s trades=%d win=%.1f%% pf=%s return=%.2f%% maxdd=%.2f%% sharpe=%.2f final=%.2f %s",
		res.RunID, res.Strategy, res.Job, strings.Join(res.Symbols, ","),
		m.TotalTrades, m.WinRate*100, profitFactor(m.ProfitFactor),
		m.TotalReturnPct, m.MaxDrawdownPct, m.Sharpe, res.FinalEquity, status)
}

func profitFactor(pf metrics.Ratio) string {
	if pf.IsInf() {
		return "inf"
	}
	return fmt.Sprintf("%.2f", float64(pf))
}

// retrySink retries saves that fail because another process holds the
// database lock.
type retrySink struct {
	s *store.SQLiteStore
}

func (r retrySink) SaveRun(ctx context.Context, run *store.RunRecord) error {
	return util.Retry(ctx, 5, 100*time.Millisecond, func(ctx context.Context) error {
		err := r.s.SaveRun(ctx, run)
		if err != nil && !busy(err) {
			return util.Permanent(err)
		}
		return err
	})
}

func busy(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
