// Package metrics derives aggregate statistics from a run's closed trades and
// equity curve. Every function here is pure and total: empty inputs produce
// zero values, never errors or NaN.
package metrics

import (
	"math"
	"strconv"
	"time"

	"barsim/internal/domain"
)

// Basis selects the return series the Sharpe ratio is computed over.
type Basis string

const (
	BasisPerBar   Basis = "per_bar"
	BasisPerTrade Basis = "per_trade"
)

// DefaultAnnualization is the number of daily bars per year.
const DefaultAnnualization = 252

// Options tune Compute.
type Options struct {
	// InitialCapital is the reference for total return. When zero the first
	// equity point is used.
	InitialCapital float64
	// Annualization scales the Sharpe ratio by its square root. Zero means
	// DefaultAnnualization.
	Annualization float64
	Basis         Basis
	// RiskFreeRate is an annual rate, e.g. 0.02 for 2%.
	RiskFreeRate float64
}

// Ratio is a float that may be +Inf. It encodes infinity as the JSON string
// "Infinity" since JSON has no literal for it.
type Ratio float64

// IsInf reports whether the ratio is positive infinity.
func (r Ratio) IsInf() bool { return math.IsInf(float64(r), 1) }

func (r Ratio) MarshalJSON() ([]byte, error) {
	if r.IsInf() {
		return []byte(`"Infinity"`), nil
	}
	return strconv.AppendFloat(nil, float64(r), 'g', -1, 64), nil
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == `"Infinity"` {
		*r = Ratio(math.Inf(1))
		return nil
	}
	if s == "null" {
		*r = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*r = Ratio(v)
	return nil
}

// SideStats breaks trade results down by direction.
type SideStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	NetPnL  float64 `json:"net_pnl"`
}

// Report is the full set of run statistics.
type Report struct {
	TotalTrades     int       `json:"total_trades"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	WinRate         float64   `json:"win_rate"`
	GrossProfit     float64   `json:"gross_profit"`
	GrossLoss       float64   `json:"gross_loss"`
	NetProfit       float64   `json:"net_profit"`
	ProfitFactor    Ratio     `json:"profit_factor"`
	AvgWin          float64   `json:"avg_win"`
	AvgLoss         float64   `json:"avg_loss"`
	LargestWin      float64   `json:"largest_win"`
	LargestLoss     float64   `json:"largest_loss"`
	AvgBarsHeld     float64   `json:"avg_bars_held"`
	TotalCommission float64   `json:"total_commission"`
	TotalSlippage   float64   `json:"total_slippage"`
	InitialEquity   float64   `json:"initial_equity"`
	FinalEquity     float64   `json:"final_equity"`
	TotalReturnPct  float64   `json:"total_return_pct"`
	MaxDrawdownPct  float64   `json:"max_drawdown_pct"`
	MaxDrawdownAt   time.Time `json:"max_drawdown_at"`
	Sharpe          float64   `json:"sharpe"`
	Long            SideStats `json:"long"`
	Short           SideStats `json:"short"`

	ExitReasons map[domain.ExitReason]int `json:"exit_reasons"`
}

// Compute builds a Report from closed trades and the equity curve.
func Compute(trades []domain.Trade, curve []domain.EquityPoint, opts Options) Report {
	r := Report{ExitReasons: make(map[domain.ExitReason]int)}
	tradeStats(&r, trades)

	r.InitialEquity = opts.InitialCapital
	if r.InitialEquity == 0 && len(curve) > 0 {
		r.InitialEquity = curve[0].Equity
	}
	r.FinalEquity = r.InitialEquity
	if len(curve) > 0 {
		r.FinalEquity = curve[len(curve)-1].Equity
	}
	r.TotalReturnPct = TotalReturnPct(r.InitialEquity, r.FinalEquity)
	r.MaxDrawdownPct, r.MaxDrawdownAt = MaxDrawdown(curve)

	switch opts.Basis {
	case BasisPerTrade:
		r.Sharpe = Sharpe(TradeReturns(trades), opts.Annualization, opts.RiskFreeRate)
	default:
		r.Sharpe = Sharpe(BarReturns(curve), opts.Annualization, opts.RiskFreeRate)
	}
	return r
}

func tradeStats(r *Report, trades []domain.Trade) {
	r.TotalTrades = len(trades)
	var barsHeld int
	for _, t := range trades {
		pnl := t.RealizedPnL
		r.NetProfit += pnl
		r.TotalCommission += t.Commission
		r.TotalSlippage += t.Slippage
		barsHeld += t.BarsHeld
		r.ExitReasons[t.ExitReason]++

		side := &r.Long
		if t.Direction == domain.DirectionShort {
			side = &r.Short
		}
		side.Trades++
		side.NetPnL += pnl

		switch {
		case pnl > 0:
			r.Wins++
			side.Wins++
			r.GrossProfit += pnl
			if pnl > r.LargestWin {
				r.LargestWin = pnl
			}
		case pnl < 0:
			r.Losses++
			r.GrossLoss += -pnl
			if pnl < r.LargestLoss {
				r.LargestLoss = pnl
			}
		}
	}
	if r.TotalTrades == 0 {
		return
	}
	r.WinRate = float64(r.Wins) / float64(r.TotalTrades)
	r.AvgBarsHeld = float64(barsHeld) / float64(r.TotalTrades)
	if r.Wins > 0 {
		r.AvgWin = r.GrossProfit / float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AvgLoss = -r.GrossLoss / float64(r.Losses)
	}
	r.ProfitFactor = ProfitFactor(r.GrossProfit, r.GrossLoss)
	for _, s := range []*SideStats{&r.Long, &r.Short} {
		if s.Trades > 0 {
			s.WinRate = float64(s.Wins) / float64(s.Trades)
		}
	}
}

// ProfitFactor returns gross profit over gross loss (both non-negative). It
// is +Inf when there are profits and no losses and 0 when both are zero.
func ProfitFactor(grossProfit, grossLoss float64) Ratio {
	switch {
	case grossLoss == 0 && grossProfit > 0:
		return Ratio(math.Inf(1))
	case grossLoss == 0:
		return 0
	}
	return Ratio(grossProfit / grossLoss)
}

// TotalReturnPct returns the percentage change from initial to final.
func TotalReturnPct(initial, final float64) float64 {
	if initial == 0 {
		return 0
	}
	return (final - initial) / initial * 100
}

// MaxDrawdown returns the largest peak-to-trough decline of the curve as a
// percentage of the peak, and the timestamp of the trough.
func MaxDrawdown(curve []domain.EquityPoint) (float64, time.Time) {
	var (
		peak  float64
		maxDD float64
		at    time.Time
	)
	for i, p := range curve {
		if i == 0 || p.Equity > peak {
			peak = p.Equity
			continue
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Equity) / peak * 100; dd > maxDD {
			maxDD = dd
			at = p.Timestamp
		}
	}
	return maxDD, at
}

// BarReturns returns the simple returns between consecutive equity points.
func BarReturns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		out = append(out, curve[i].Equity/prev-1)
	}
	return out
}

// TradeReturns returns each trade's realized P&L over its entry notional.
func TradeReturns(trades []domain.Trade) []float64 {
	out := make([]float64, 0, len(trades))
	for _, t := range trades {
		n := t.EntryNotional()
		if n <= 0 {
			continue
		}
		out = append(out, t.RealizedPnL/n)
	}
	return out
}

// Sharpe returns the annualized Sharpe ratio of returns using the sample
// standard deviation. riskFree is an annual rate spread evenly over periods.
// Fewer than two returns or zero variance yield 0.
func Sharpe(returns []float64, annualization, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	if annualization <= 0 {
		annualization = DefaultAnnualization
	}
	rf := riskFree / annualization
	var mean float64
	for _, r := range returns {
		mean += r - rf
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		d := r - rf - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd < 1e-12 {
		return 0
	}
	return mean / sd * math.Sqrt(annualization)
}
