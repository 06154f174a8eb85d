package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"barsim/internal/broker"
	"barsim/internal/metrics"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for barsim.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Logging  Logging  `yaml:"logging"`
	Backtest Backtest `yaml:"backtest"`
	Strategy Strategy `yaml:"strategy"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	Market     string `yaml:"market"`
}

// Logging configures the application logger. When File is set, output goes
// to a rotating file instead of stderr.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Strategy selects a registered strategy and its parameters.
type Strategy struct {
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params" json:"params"`
}

// TieBreak decides which protective level fills when a bar's range contains
// both the stop and a target.
type TieBreak string

const (
	// TieBreakStopFirst assumes the stop was hit first. The intrabar path
	// is unknown, so this is the conservative choice and the default.
	TieBreakStopFirst   TieBreak = "stop_first"
	TieBreakTargetFirst TieBreak = "target_first"
)

// DateRange bounds the bars loaded for a run. A zero bound is open.
type DateRange struct {
	Start time.Time `yaml:"start" json:"start"`
	End   time.Time `yaml:"end" json:"end"`
}

// ExitManager configures the exit manager that runs once per bar when
// enable_exit_manager is set.
type ExitManager struct {
	// MaxBarsHeld closes a position at market after this many bars. Zero
	// disables the time stop.
	MaxBarsHeld int `yaml:"max_bars_held" json:"max_bars_held"`
	// TrailingStopPct is the default trailing distance for positions whose
	// signal did not set one.
	TrailingStopPct float64 `yaml:"trailing_stop_pct" json:"trailing_stop_pct"`
}

// Sharpe configures the Sharpe ratio.
type Sharpe struct {
	Annualization float64       `yaml:"annualization" json:"annualization"`
	Basis         metrics.Basis `yaml:"basis" json:"basis"`
	RiskFreeRate  float64       `yaml:"risk_free_rate" json:"risk_free_rate"`
}

// Backtest is the immutable configuration of a simulation run.
type Backtest struct {
	InitialCapital         float64                `yaml:"initial_capital" json:"initial_capital"`
	Commission             broker.CommissionModel `yaml:"commission_model" json:"commission_model"`
	Slippage               broker.SlippageModel   `yaml:"slippage_model" json:"slippage_model"`
	RiskPerTradePct        float64                `yaml:"risk_per_trade_pct" json:"risk_per_trade_pct"`
	MaxConcurrentPositions int                    `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	Symbols                []string               `yaml:"symbols" json:"symbols"`
	DateRange              DateRange              `yaml:"date_range" json:"date_range"`
	MinSignalStrength      float64                `yaml:"min_signal_strength" json:"min_signal_strength"`
	EnableExitManager      bool                   `yaml:"enable_exit_manager" json:"enable_exit_manager"`
	ExitManager            ExitManager            `yaml:"exit_manager" json:"exit_manager"`
	TieBreak               TieBreak               `yaml:"tie_break" json:"tie_break"`
	// QuantityStep rounds order sizes down to a multiple of the step. Zero
	// allows fractional units.
	QuantityStep    float64 `yaml:"quantity_step" json:"quantity_step"`
	Sharpe          Sharpe  `yaml:"sharpe" json:"sharpe"`
	DrawdownWarnPct float64 `yaml:"drawdown_warn_pct" json:"drawdown_warn_pct"`

	IsolateSymbols bool          `yaml:"isolate_symbols" json:"isolate_symbols"`
	Workers        int           `yaml:"workers" json:"workers"`
	TimeBudget     time.Duration `yaml:"time_budget" json:"time_budget"`
}

// Clone returns a copy of b that shares no slices with it.
func (b Backtest) Clone() Backtest {
	b.Symbols = append([]string(nil), b.Symbols...)
	return b
}

// ---------------------------------------------------------------------------
// Presets
// ---------------------------------------------------------------------------

// DefaultBacktest returns the default simulation settings.
func DefaultBacktest() Backtest {
	return Backtest{
		InitialCapital: 10_000,
		Commission: broker.CommissionModel{
			Kind:    broker.CommissionPerShare,
			Rate:    0.005,
			Minimum: 1,
		},
		Slippage:               broker.SlippageModel{Kind: broker.SlippageBps, Value: 5},
		RiskPerTradePct:        1.5,
		MaxConcurrentPositions: 5,
		EnableExitManager:      true,
		ExitManager:            ExitManager{MaxBarsHeld: 100},
		TieBreak:               TieBreakStopFirst,
		QuantityStep:           1,
		Sharpe: Sharpe{
			Annualization: metrics.DefaultAnnualization,
			Basis:         metrics.BasisPerBar,
			RiskFreeRate:  0.02,
		},
		DrawdownWarnPct: 15,
		Workers:         4,
	}
}

// Conservative risks 1% per trade with at most three open positions.
func Conservative() Backtest {
	b := DefaultBacktest()
	b.RiskPerTradePct = 1
	b.MaxConcurrentPositions = 3
	return b
}

// Aggressive risks 2.5% per trade with up to seven open positions.
func Aggressive() Backtest {
	b := DefaultBacktest()
	b.RiskPerTradePct = 2.5
	b.MaxConcurrentPositions = 7
	return b
}

// SingleSymbol trades one symbol with one position at a time.
func SingleSymbol(symbol string) Backtest {
	b := DefaultBacktest()
	b.Symbols = []string{symbol}
	b.MaxConcurrentPositions = 1
	return b
}

// Preset returns a named preset: default, conservative or aggressive.
func Preset(name string) (Backtest, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return DefaultBacktest(), nil
	case "conservative":
		return Conservative(), nil
	case "aggressive":
		return Aggressive(), nil
	}
	return Backtest{}, fmt.Errorf("unknown preset %q", name)
}

// Default returns a Config with default storage, logging and backtest
// sections.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/barsim.db",
			Market:     "us",
		},
		Logging:  Logging{Level: "info", Format: "json"},
		Backtest: DefaultBacktest(),
		Strategy: Strategy{Name: "sma-cross"},
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the backtest settings.
func (b Backtest) Validate() error {
	var err error
	if b.InitialCapital <= 0 {
		err = multierr.Append(err, fmt.Errorf("initial_capital must be positive, got %v", b.InitialCapital))
	}
	err = multierr.Append(err, b.Commission.Validate())
	err = multierr.Append(err, b.Slippage.Validate())
	if b.RiskPerTradePct < 0 || b.RiskPerTradePct > 100 {
		err = multierr.Append(err, fmt.Errorf("risk_per_trade_pct must be within [0, 100], got %v", b.RiskPerTradePct))
	}
	if b.MaxConcurrentPositions < 1 {
		err = multierr.Append(err, fmt.Errorf("max_concurrent_positions must be at least 1"))
	}
	if len(b.Symbols) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one symbol is required"))
	}
	if !b.DateRange.Start.IsZero() && !b.DateRange.End.IsZero() && !b.DateRange.Start.Before(b.DateRange.End) {
		err = multierr.Append(err, fmt.Errorf("date_range start %s must be before end %s",
			b.DateRange.Start.Format(time.DateOnly), b.DateRange.End.Format(time.DateOnly)))
	}
	if b.MinSignalStrength < 0 {
		err = multierr.Append(err, fmt.Errorf("min_signal_strength must not be negative"))
	}
	if b.ExitManager.MaxBarsHeld < 0 {
		err = multierr.Append(err, fmt.Errorf("exit_manager.max_bars_held must not be negative"))
	}
	if b.ExitManager.TrailingStopPct < 0 || b.ExitManager.TrailingStopPct >= 1 {
		err = multierr.Append(err, fmt.Errorf("exit_manager.trailing_stop_pct must be within [0, 1)"))
	}
	switch b.TieBreak {
	case TieBreakStopFirst, TieBreakTargetFirst:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown tie_break %q", b.TieBreak))
	}
	if b.QuantityStep < 0 {
		err = multierr.Append(err, fmt.Errorf("quantity_step must not be negative"))
	}
	switch b.Sharpe.Basis {
	case metrics.BasisPerBar, metrics.BasisPerTrade:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown sharpe basis %q", b.Sharpe.Basis))
	}
	if b.Sharpe.Annualization < 0 {
		err = multierr.Append(err, fmt.Errorf("sharpe.annualization must not be negative"))
	}
	if b.Workers < 0 || b.TimeBudget < 0 {
		err = multierr.Append(err, fmt.Errorf("workers and time_budget must not be negative"))
	}
	return err
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	if err := c.Backtest.Validate(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("BARSIM_STRATEGY"); v != "" {
		cfg.Strategy.Name = v
	}

	if v := os.Getenv("BARSIM_SYMBOLS"); v != "" {
		var syms []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				syms = append(syms, strings.ToUpper(s))
			}
		}
		cfg.Backtest.Symbols = syms
	}

	if v := os.Getenv("BARSIM_INITIAL_CAPITAL"); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("BARSIM_INITIAL_CAPITAL: %w", err)
		}
		cfg.Backtest.InitialCapital = f
	}

	if v := os.Getenv("BARSIM_WORKERS"); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("BARSIM_WORKERS: %w", err)
		}
		cfg.Backtest.Workers = n
	}
	return nil
}
