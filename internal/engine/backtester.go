package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"barsim/internal/broker"
	"barsim/internal/config"
	"barsim/internal/domain"
	"barsim/internal/feed"
	"barsim/internal/metrics"
	"barsim/internal/portfolio"
	"barsim/internal/strategy"
)

// EventKind classifies an Event.
type EventKind string

const (
	EventSignal EventKind = "signal"
	EventOrder  EventKind = "order"
	EventFill   EventKind = "fill"
	EventReject EventKind = "reject"
	EventCancel EventKind = "cancel"
)

// Event is one decision or execution of a run. Observers receive events in
// the order they happen.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Step   int            `json:"step"`
	Symbol string         `json:"symbol"`
	Signal *domain.Signal `json:"signal,omitempty"`
	Order  *domain.Order  `json:"order,omitempty"`
	Fill   *domain.Fill   `json:"fill,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Result is the outcome of one run. A halted run carries the partial curve
// and the trades closed before the halt.
type Result struct {
	RunID       string
	Job         string
	Strategy    string
	Symbols     []string
	Config      config.Backtest
	Metrics     metrics.Report
	Trades      []domain.Trade
	EquityCurve []domain.EquityPoint
	FinalEquity float64
	Rejections  []domain.OrderRejectedError
	Halted      bool
	Err         error
}

// Option configures a Backtester.
type Option func(*Backtester)

// WithObserver registers fn to receive every event of the run.
func WithObserver(fn func(Event)) Option {
	return func(b *Backtester) { b.observe = fn }
}

// WithRunID sets the run ID reported in the Result.
func WithRunID(id string) Option {
	return func(b *Backtester) { b.runID = id }
}

// WithJob sets the job name reported in the Result.
func WithJob(name string) Option {
	return func(b *Backtester) { b.job = name }
}

// WithInvariantChecks verifies the ledger after every bar and halts the run
// on the first violation.
func WithInvariantChecks() Option {
	return func(b *Backtester) { b.checkInvariants = true }
}

// Backtester runs one strategy over one feed. All of its state lives in a
// single Run call, so a Backtester may be run more than once.
type Backtester struct {
	cfg    config.Backtest
	strat  strategy.Strategy
	feed   *feed.Feed
	logger *slog.Logger
	exec   *broker.Executor
	risk   *RiskManager

	observe         func(Event)
	runID           string
	job             string
	checkInvariants bool
}

// New creates a Backtester. The configuration is copied; when it names no
// symbols the feed's symbols are used.
func New(cfg config.Backtest, strat strategy.Strategy, f *feed.Feed, logger *slog.Logger, opts ...Option) (*Backtester, error) {
	if strat == nil {
		return nil, errors.New("backtester: nil strategy")
	}
	if f == nil {
		return nil, errors.New("backtester: nil feed")
	}
	cfg = cfg.Clone()
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = f.Symbols()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("backtester config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Backtester{
		cfg:    cfg,
		strat:  strat,
		feed:   f,
		logger: logger,
		exec:   broker.NewExecutor(cfg.Commission, cfg.Slippage),
		risk:   NewRiskManager(cfg),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Run walks the feed once. On a strategy failure it returns the partial
// result together with a *domain.StrategyError; on cancellation it returns
// the partial result and ctx.Err().
func (b *Backtester) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	r := &run{
		Backtester: b,
		ledger:     portfolio.New(b.cfg.InitialCapital, b.logger, portfolio.WithDrawdownWarning(b.cfg.DrawdownWarnPct)),
		book:       broker.NewSimulator(),
		cursor:     b.feed.Cursor(),
		plans:      make(map[string]*Plan),
	}
	b.logger.Info("backtest started",
		"run_id", b.runID,
		"strategy", b.strat.Name(),
		"symbols", b.feed.Symbols(),
		"steps", b.feed.Len(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return r.halt(err)
		}
		step, ok := r.cursor.Next()
		if !ok {
			break
		}
		if err := r.step(ctx, step); err != nil {
			return r.halt(err)
		}
	}
	r.liquidate()

	res := r.result(nil)
	b.logger.Info("backtest finished",
		"run_id", b.runID,
		"strategy", b.strat.Name(),
		"trades", len(res.Trades),
		"rejections", len(res.Rejections),
		"final_equity", res.FinalEquity,
		"return_pct", res.Metrics.TotalReturnPct,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// ---------------------------------------------------------------------------
// Run state
// ---------------------------------------------------------------------------

// run is the mutable state of one Run call.
type run struct {
	*Backtester
	ledger     *portfolio.Ledger
	book       *broker.Simulator
	cursor     *feed.Cursor
	plans      map[string]*Plan
	rejections []domain.OrderRejectedError
}

func (r *run) step(ctx context.Context, step feed.Step) error {
	closes := make(map[string]float64, len(step.Bars))
	for _, sb := range step.Bars {
		r.resolve(sb.Symbol, sb.Bar, step.Index)
		closes[sb.Symbol] = sb.Bar.Close
	}

	pt := r.ledger.Mark(step.Timestamp, step.Index, closes)
	if r.checkInvariants {
		if err := r.verify(pt); err != nil {
			return fmt.Errorf("bar %d: %w", step.Index, err)
		}
	}

	if r.cfg.EnableExitManager {
		r.manageExits(step)
	}

	for _, sb := range step.Bars {
		if err := r.decide(ctx, sb, step); err != nil {
			return err
		}
	}

	for _, o := range r.book.Expire(step.Index) {
		r.logger.Debug("order expired", "order_id", o.ID, "symbol", o.Symbol, "leg", o.Leg, "bar", step.Index)
		r.emit(Event{Kind: EventCancel, Step: step.Index, Symbol: o.Symbol, Order: &o, Reason: "expired"})
	}
	return nil
}

func (r *run) halt(err error) (*Result, error) {
	res := r.result(err)
	res.Halted = true
	r.logger.Error("backtest halted",
		"run_id", r.runID,
		"strategy", r.strat.Name(),
		"bar", r.cursor.Current().Index,
		"error", err,
	)
	return res, err
}

func (r *run) result(err error) *Result {
	trades := r.ledger.Trades()
	curve := r.ledger.Curve()
	return &Result{
		RunID:       r.runID,
		Job:         r.job,
		Strategy:    r.strat.Name(),
		Symbols:     r.feed.Symbols(),
		Config:      r.cfg.Clone(),
		Trades:      trades,
		EquityCurve: curve,
		FinalEquity: r.ledger.Equity(),
		Rejections:  append([]domain.OrderRejectedError(nil), r.rejections...),
		Err:         err,
		Metrics: metrics.Compute(trades, curve, metrics.Options{
			InitialCapital: r.cfg.InitialCapital,
			Annualization:  r.cfg.Sharpe.Annualization,
			Basis:          r.cfg.Sharpe.Basis,
			RiskFreeRate:   r.cfg.Sharpe.RiskFreeRate,
		}),
	}
}

// verify checks equity == cash + Σ qty·close and the lot bookkeeping.
func (r *run) verify(pt domain.EquityPoint) error {
	if err := r.ledger.CheckInvariants(); err != nil {
		return err
	}
	snap := r.ledger.Snapshot()
	want := snap.Cash
	for _, p := range snap.Positions {
		want += p.Quantity * p.MarketPrice
	}
	if math.Abs(want-pt.Equity) > 1e-6*math.Max(1, math.Abs(want)) {
		return fmt.Errorf("equity %v does not match cash plus marked positions %v", pt.Equity, want)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Order resolution
// ---------------------------------------------------------------------------

// resolve settles symbol's pending orders against bar: market orders at the
// open first, then the protective stop and targets, then entry limits. A
// position grown by an entry limit is checked against the stop again, since
// the bar's range still has to reach the stop after the limit fills.
func (r *run) resolve(symbol string, bar domain.Bar, idx int) {
	for _, o := range r.book.Pending(symbol) {
		if o.Type == domain.OrderTypeMarket && o.SignalBar < idx {
			r.execute(o, bar, idx)
		}
	}
	r.protect(symbol, bar, idx)
	before := math.Abs(r.ledger.Quantity(symbol))
	for _, o := range r.book.Pending(symbol) {
		if o.Purpose == domain.PurposeEntry && o.Type != domain.OrderTypeMarket && o.SignalBar < idx {
			r.execute(o, bar, idx)
		}
	}
	if math.Abs(r.ledger.Quantity(symbol)) > before {
		r.stopAfterEntry(symbol, bar, idx)
	}
	r.cleanup(symbol, idx)
}

// stopAfterEntry stops out a position whose entry filled on bar when the
// bar's range also reaches the stop. Targets are left for later bars.
func (r *run) stopAfterEntry(symbol string, bar domain.Bar, idx int) {
	p := r.plans[symbol]
	if p == nil || r.held(symbol, p.Side.Opposite()) <= 0 {
		return
	}
	if hit, _ := p.stopHit(bar); hit {
		r.stopOut(p, bar, idx)
	}
}

func (r *run) execute(o *domain.Order, bar domain.Bar, idx int) {
	if o.Status != domain.OrderStatusPending {
		return
	}
	if o.Purpose == domain.PurposeExit {
		held := r.held(o.Symbol, o.Side)
		if held <= 0 {
			r.reject(o, idx, "nothing to close")
			return
		}
		o.Quantity = math.Min(o.Quantity, held)
	}
	f, ok, err := r.exec.Execute(o, bar, idx)
	if err != nil {
		r.rejectErr(o, idx, err)
		return
	}
	if !ok {
		return
	}
	if o.Purpose == domain.PurposeEntry && !r.ledger.CanAfford(f.Quantity, f.Price, f.Commission) {
		if f, ok = r.shrink(o, f, bar, idx); !ok {
			r.reject(o, idx, fmt.Sprintf("insufficient cash for %v @ %.4f", o.Quantity, f.Price))
			return
		}
	}
	r.apply(o, f)
}

// shrink reduces an unaffordable entry to what available cash buys at the
// fill price after commission and re-executes it on the same bar.
func (r *run) shrink(o *domain.Order, f domain.Fill, bar domain.Bar, idx int) (domain.Fill, bool) {
	qty := r.risk.Round(r.exec.Affordable(r.ledger.Available(), f.Price))
	if qty <= 0 || qty >= o.Quantity {
		return f, false
	}
	want := o.Quantity
	o.Quantity = qty
	nf, ok, err := r.exec.Execute(o, bar, idx)
	if err != nil || !ok || !r.ledger.CanAfford(nf.Quantity, nf.Price, nf.Commission) {
		o.Quantity = want
		return f, false
	}
	r.logger.Debug("entry reduced to affordable quantity",
		"order_id", o.ID,
		"symbol", o.Symbol,
		"requested", want,
		"qty", qty,
		"price", nf.Price,
	)
	return nf, true
}

// protect resolves the plan's stop and take-profit legs. When both lie in
// the bar's range the configured tie-break decides; a bar that opens through
// the stop always stops out first.
func (r *run) protect(symbol string, bar domain.Bar, idx int) {
	p := r.plans[symbol]
	if p == nil || r.held(symbol, p.Side.Opposite()) <= 0 {
		return
	}
	hit, gapped := p.stopHit(bar)
	targets := p.reached(bar, idx)
	if hit && (gapped || len(targets) == 0 || r.cfg.TieBreak != config.TieBreakTargetFirst) {
		r.stopOut(p, bar, idx)
		return
	}
	for _, e := range targets {
		held := r.held(symbol, p.Side.Opposite())
		if held <= 0 {
			break
		}
		qty := r.risk.Round(e.order.Quantity)
		if p.last(e) || qty > held {
			qty = held
		}
		if qty <= 0 {
			e.done = true
			r.book.Cancel(e.order.ID)
			continue
		}
		e.order.Quantity = qty
		f, ok, err := r.exec.Execute(e.order, bar, idx)
		if err != nil {
			e.done = true
			r.rejectErr(e.order, idx, err)
			continue
		}
		if !ok {
			continue
		}
		e.done = true
		r.apply(e.order, f)
	}
	if hit && r.held(symbol, p.Side.Opposite()) > 0 {
		r.stopOut(p, bar, idx)
	}
}

func (r *run) stopOut(p *Plan, bar domain.Bar, idx int) {
	o := &domain.Order{
		ID:       r.book.NextID(),
		Symbol:   p.Symbol,
		Side:     p.Side.Opposite(),
		Type:     domain.OrderTypeStop,
		Quantity: r.held(p.Symbol, p.Side.Opposite()),
		Price:    p.Stop,
		Purpose:  domain.PurposeExit,
		Reason:   domain.ExitStopLoss,
		Tag:      p.Tag,
		Status:   domain.OrderStatusPending,
	}
	f, ok, err := r.exec.Execute(o, bar, idx)
	switch {
	case err != nil:
		r.rejectErr(o, idx, err)
	case ok:
		r.apply(o, f)
	}
}

// cleanup drops the plan of a flat symbol once it is finished: either its
// position has been entered and closed again, or nothing is left to enter.
func (r *run) cleanup(symbol string, idx int) {
	p := r.plans[symbol]
	if p == nil || r.ledger.Quantity(symbol) != 0 {
		return
	}
	if p.Entered > 0 || !r.pendingEntries(symbol) {
		r.cancel(idx, func(o *domain.Order) bool { return o.Symbol == symbol }, "plan closed")
		delete(r.plans, symbol)
	}
}

func (r *run) apply(o *domain.Order, f domain.Fill) {
	trades, err := r.ledger.Apply(f)
	if err != nil {
		r.reject(o, f.BarIndex, err.Error())
		return
	}
	if !r.book.Resolve(o.ID, domain.OrderStatusFilled) {
		o.Status = domain.OrderStatusFilled
	}
	r.emit(Event{Kind: EventFill, Step: f.BarIndex, Symbol: f.Symbol, Fill: &f})
	r.logger.Debug("order filled",
		"order_id", o.ID,
		"symbol", f.Symbol,
		"side", f.Side,
		"type", o.Type,
		"qty", f.Quantity,
		"price", f.Price,
		"commission", f.Commission,
		"bar", f.BarIndex,
	)
	if o.Purpose == domain.PurposeEntry {
		if p := r.plans[o.Symbol]; p != nil && p.Side == o.Side {
			p.Entered += f.Quantity
			r.syncExits(p, f.BarIndex)
		}
	}
	for _, t := range trades {
		r.logger.Debug("trade closed",
			"trade_id", t.ID,
			"symbol", t.Symbol,
			"direction", t.Direction,
			"pnl", t.RealizedPnL,
			"reason", t.ExitReason,
			"bars_held", t.BarsHeld,
		)
	}
}

// syncExits places or resizes the plan's take-profit orders for the
// quantity entered so far.
func (r *run) syncExits(p *Plan, idx int) {
	for i, e := range p.exits {
		if e.done {
			continue
		}
		want := p.Entered * e.leg.Pct
		if e.order != nil {
			e.order.Quantity = want
			continue
		}
		e.order = r.submit(domain.Order{
			Symbol:    p.Symbol,
			Side:      p.Side.Opposite(),
			Type:      domain.OrderTypeLimit,
			Quantity:  want,
			Price:     e.leg.Price,
			Purpose:   domain.PurposeExit,
			Reason:    domain.ExitTakeProfit,
			Tag:       p.Tag,
			Leg:       i + 1,
			SignalBar: idx,
		})
	}
}

// ---------------------------------------------------------------------------
// Exit manager
// ---------------------------------------------------------------------------

// manageExits ratchets trailing stops and queues time stops for positions
// held longer than max_bars_held. Both act from the next bar on.
func (r *run) manageExits(step feed.Step) {
	for _, sb := range step.Bars {
		pos, ok := r.ledger.Position(sb.Symbol)
		if !ok {
			continue
		}
		if p := r.plans[sb.Symbol]; p != nil {
			pct := p.TrailingPct
			if pct == 0 {
				pct = r.cfg.ExitManager.TrailingStopPct
			}
			if p.trail(sb.Bar.Close, pct) {
				r.logger.Debug("trailing stop moved", "symbol", sb.Symbol, "stop", p.Stop, "bar", step.Index)
			}
		}
		limit := r.cfg.ExitManager.MaxBarsHeld
		if limit <= 0 || pos.BarsHeld < limit || r.pendingReason(sb.Symbol, domain.ExitTimeStop) {
			continue
		}
		side := domain.OrderSideSell
		if pos.Quantity < 0 {
			side = domain.OrderSideBuy
		}
		r.submit(domain.Order{
			Symbol:    sb.Symbol,
			Side:      side,
			Type:      domain.OrderTypeMarket,
			Quantity:  math.Abs(pos.Quantity),
			Purpose:   domain.PurposeExit,
			Reason:    domain.ExitTimeStop,
			SignalBar: step.Index,
		})
	}
}

// ---------------------------------------------------------------------------
// Decisions
// ---------------------------------------------------------------------------

func (r *run) decide(ctx context.Context, sb feed.SymbolBar, step feed.Step) error {
	hist := strategy.NewHistory(sb.Symbol, r.cursor.History(sb.Symbol))
	sig, err := r.onBar(ctx, hist, r.snapshot())
	if err != nil {
		return &domain.StrategyError{
			Strategy:  r.strat.Name(),
			Symbol:    sb.Symbol,
			BarIndex:  step.Index,
			Timestamp: step.Timestamp,
			Err:       err,
		}
	}
	if !sig.Actionable() {
		return nil
	}
	r.emit(Event{Kind: EventSignal, Step: step.Index, Symbol: sb.Symbol, Signal: &sig})
	if err := sig.Validate(); err != nil {
		r.rejectSignal(sb.Symbol, step.Index, "invalid signal: "+err.Error())
		return nil
	}
	if sig.CancelPending {
		r.cancel(step.Index, func(o *domain.Order) bool {
			return o.Symbol == sb.Symbol && o.Purpose == domain.PurposeEntry
		}, "canceled by strategy")
	}
	switch {
	case sig.IsEntry():
		r.enter(sb.Symbol, sig, sb.Bar, step.Index)
	case sig.IsExit():
		r.exit(sb.Symbol, sig, step.Index)
	}
	return nil
}

// onBar calls the strategy and turns a panic into an error.
func (r *run) onBar(ctx context.Context, h strategy.History, pf domain.PortfolioSnapshot) (sig domain.Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.strat.OnBar(ctx, h, pf)
}

// snapshot returns the ledger snapshot with plan stops filled in.
func (r *run) snapshot() domain.PortfolioSnapshot {
	s := r.ledger.Snapshot()
	for sym, v := range s.Positions {
		if p := r.plans[sym]; p != nil {
			v.StopLoss = p.Stop
			s.Positions[sym] = v
		}
	}
	return s
}

// enter converts an entry signal into entry orders for the next bar. An
// entry against an open position first queues a market order closing it.
func (r *run) enter(symbol string, sig domain.Signal, bar domain.Bar, idx int) {
	if err := r.risk.CheckEntry(symbol, sig, r.active()); err != nil {
		r.rejectSignalErr(symbol, idx, err)
		return
	}
	side := sig.OrderSide()
	held := r.ledger.Quantity(symbol)
	p := r.plans[symbol]
	flip := held*side.Sign() < 0 || (p != nil && p.Side != side)

	avail := r.ledger.Available()
	if flip && held > 0 {
		avail += held * bar.Close
	}
	qty, err := r.risk.EntryQuantity(sig, bar.Close, r.ledger.Equity(), avail)
	if err != nil {
		r.rejectSignal(symbol, idx, err.Error())
		return
	}

	if flip {
		r.cancel(idx, func(o *domain.Order) bool { return o.Symbol == symbol }, "position reversed")
		if held != 0 {
			r.submit(domain.Order{
				Symbol:    symbol,
				Side:      side,
				Type:      domain.OrderTypeMarket,
				Quantity:  math.Abs(held),
				Purpose:   domain.PurposeExit,
				Reason:    domain.ExitStrategy,
				Tag:       sig.Tag,
				SignalBar: idx,
			})
		}
		p = nil
	}
	if p == nil {
		p = newPlan(symbol, sig)
		r.plans[symbol] = p
	} else {
		r.mergePlan(p, sig, idx)
	}

	legs := sig.Entries
	if len(legs) == 0 {
		legs = []domain.Leg{{Pct: 1}}
	}
	for i, l := range legs {
		lq := qty * l.Pct
		o := domain.Order{
			Symbol:          symbol,
			Side:            side,
			Type:            domain.OrderTypeMarket,
			Purpose:         domain.PurposeEntry,
			Tag:             sig.Tag,
			SignalBar:       idx,
			ExpireAfterBars: l.ExpireAfterBars,
		}
		if len(sig.Entries) > 0 {
			o.Leg = i + 1
			lq = r.risk.Round(lq)
		}
		if lq <= 0 {
			r.rejectSignal(symbol, idx, fmt.Sprintf("entry leg %d rounds to zero", i+1))
			continue
		}
		o.Quantity = lq
		if l.Price > 0 {
			o.Type, o.Price = domain.OrderTypeLimit, l.Price
		}
		r.submit(o)
	}
}

// mergePlan applies an add-on entry to an existing plan: a new stop or
// trailing distance replaces the old one, new exit legs replace unfilled
// ones.
func (r *run) mergePlan(p *Plan, sig domain.Signal, idx int) {
	if sig.StopLoss > 0 {
		p.Stop = sig.StopLoss
	}
	if sig.TrailingStopPct > 0 {
		p.TrailingPct = sig.TrailingStopPct
	}
	legs := exitLegs(sig)
	if len(legs) == 0 {
		return
	}
	live := make(map[string]bool)
	for _, o := range p.liveOrders() {
		live[o.ID] = true
	}
	r.cancel(idx, func(o *domain.Order) bool { return live[o.ID] }, "exit legs replaced")
	p.setExits(legs)
	if p.Entered > 0 {
		r.syncExits(p, idx)
	}
}

func (r *run) exit(symbol string, sig domain.Signal, idx int) {
	side := sig.OrderSide()
	qty, err := r.risk.ExitQuantity(sig, r.held(symbol, side))
	if err != nil {
		r.rejectSignal(symbol, idx, err.Error())
		return
	}
	r.submit(domain.Order{
		Symbol:    symbol,
		Side:      side,
		Type:      domain.OrderTypeMarket,
		Quantity:  qty,
		Purpose:   domain.PurposeExit,
		Reason:    domain.ExitStrategy,
		Tag:       sig.Tag,
		SignalBar: idx,
	})
}

// liquidate cancels what is left in the book and closes every open position
// at its last close, with commission and without slippage.
func (r *run) liquidate() {
	last := r.cursor.Current()
	r.cancel(last.Index, func(*domain.Order) bool { return true }, "end of backtest")
	for _, sym := range r.ledger.OpenSymbols() {
		bar, ok := r.cursor.Last(sym)
		if !ok {
			continue
		}
		q := r.ledger.Quantity(sym)
		side := domain.OrderSideSell
		if q < 0 {
			side = domain.OrderSideBuy
		}
		o := &domain.Order{
			ID:        r.book.NextID(),
			Symbol:    sym,
			Side:      side,
			Type:      domain.OrderTypeMarket,
			Quantity:  math.Abs(q),
			Purpose:   domain.PurposeExit,
			Reason:    domain.ExitEndOfBacktest,
			SignalBar: last.Index,
			Status:    domain.OrderStatusPending,
		}
		r.apply(o, r.exec.CloseAt(o, bar.Close, bar.Timestamp, last.Index))
	}
	clear(r.plans)
	r.ledger.RefreshLast()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// held returns the units an order on side can close in symbol.
func (r *run) held(symbol string, side domain.OrderSide) float64 {
	q := r.ledger.Quantity(symbol)
	if q*side.Sign() < 0 {
		return math.Abs(q)
	}
	return 0
}

// active returns the symbols holding or building a position.
func (r *run) active() map[string]bool {
	m := make(map[string]bool)
	for _, s := range r.ledger.OpenSymbols() {
		m[s] = true
	}
	for sym := range r.plans {
		if r.pendingEntries(sym) {
			m[sym] = true
		}
	}
	return m
}

func (r *run) pendingEntries(symbol string) bool {
	for _, o := range r.book.Pending(symbol) {
		if o.Purpose == domain.PurposeEntry {
			return true
		}
	}
	return false
}

func (r *run) pendingReason(symbol string, reason domain.ExitReason) bool {
	for _, o := range r.book.Pending(symbol) {
		if o.Reason == reason {
			return true
		}
	}
	return false
}

func (r *run) submit(o domain.Order) *domain.Order {
	p := r.book.Submit(o)
	cp := *p
	r.emit(Event{Kind: EventOrder, Step: o.SignalBar, Symbol: o.Symbol, Order: &cp})
	r.logger.Debug("order placed",
		"order_id", p.ID,
		"symbol", p.Symbol,
		"side", p.Side,
		"type", p.Type,
		"qty", p.Quantity,
		"price", p.Price,
		"purpose", p.Purpose,
		"leg", p.Leg,
	)
	return p
}

func (r *run) cancel(idx int, pred func(*domain.Order) bool, reason string) {
	for _, o := range r.book.CancelWhere(pred) {
		r.emit(Event{Kind: EventCancel, Step: idx, Symbol: o.Symbol, Order: &o, Reason: reason})
	}
}

func (r *run) reject(o *domain.Order, idx int, reason string) {
	if !r.book.Resolve(o.ID, domain.OrderStatusRejected) {
		o.Status = domain.OrderStatusRejected
	}
	r.rejections = append(r.rejections, domain.OrderRejectedError{OrderID: o.ID, Symbol: o.Symbol, Reason: reason})
	r.logger.Warn("order rejected", "order_id", o.ID, "symbol", o.Symbol, "reason", reason, "bar", idx)
	cp := *o
	r.emit(Event{Kind: EventReject, Step: idx, Symbol: o.Symbol, Order: &cp, Reason: reason})
}

func (r *run) rejectErr(o *domain.Order, idx int, err error) {
	var rej *domain.OrderRejectedError
	if errors.As(err, &rej) {
		r.reject(o, idx, rej.Reason)
		return
	}
	r.reject(o, idx, err.Error())
}

func (r *run) rejectSignal(symbol string, idx int, reason string) {
	r.rejections = append(r.rejections, domain.OrderRejectedError{Symbol: symbol, Reason: reason})
	r.logger.Warn("signal rejected", "symbol", symbol, "reason", reason, "bar", idx)
	r.emit(Event{Kind: EventReject, Step: idx, Symbol: symbol, Reason: reason})
}

func (r *run) rejectSignalErr(symbol string, idx int, err error) {
	var rej *domain.OrderRejectedError
	if errors.As(err, &rej) {
		r.rejectSignal(symbol, idx, rej.Reason)
		return
	}
	r.rejectSignal(symbol, idx, err.Error())
}

func (r *run) emit(e Event) {
	if r.observe != nil {
		r.observe(e)
	}
}
