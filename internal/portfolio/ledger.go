// Package portfolio keeps the account state of one simulation run: cash,
// signed positions with FIFO cost lots, closed trades and the equity curve.
// Money is tracked in decimal so that repeated fills never drift.
package portfolio

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"barsim/internal/domain"
)

// DefaultDrawdownWarnPct is the peak-to-trough decline that triggers a
// drawdown warning.
const DefaultDrawdownWarnPct = 15.0

var one = decimal.NewFromInt(1)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// lot is one entry in the lot arena. Free slots are recycled through
// Ledger.free.
type lot struct {
	qty   decimal.Decimal
	price decimal.Decimal
	// cost is the entry commission still attributed to the remaining qty.
	cost decimal.Decimal
	ts   time.Time
	bar  int
}

// position is the ledger's view of one symbol.
type position struct {
	qty   decimal.Decimal // signed
	lots  []int           // FIFO queue of arena indices, oldest first
	mark  decimal.Decimal
	trade *openTrade
}

func (p *position) sign() decimal.Decimal {
	if p.qty.IsNegative() {
		return one.Neg()
	}
	return one
}

// openTrade accumulates fills until the position returns to flat.
type openTrade struct {
	id        string
	direction domain.Direction
	entries   []domain.Fill
	exits     []domain.Fill
	realized  decimal.Decimal
	entryTime time.Time
	entryBar  int
}

// Ledger owns cash and positions for one run. It is not safe for concurrent
// use; each run owns its own Ledger.
type Ledger struct {
	logger *slog.Logger

	initial  decimal.Decimal
	cash     decimal.Decimal
	realized decimal.Decimal

	arena []lot
	free  []int

	positions map[string]*position
	trades    []domain.Trade
	curve     []domain.EquityPoint
	tradeSeq  int
	lastBar   int

	warnPct  float64
	peak     float64
	inDDWarn bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDrawdownWarning sets the drawdown percentage that logs a warning. Zero
// disables the warning.
func WithDrawdownWarning(pct float64) Option {
	return func(l *Ledger) { l.warnPct = pct }
}

// New creates a ledger holding initialCapital in cash.
func New(initialCapital float64, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := dec(initialCapital)
	l := &Ledger{
		logger:    logger,
		initial:   c,
		cash:      c,
		positions: make(map[string]*position),
		warnPct:   DefaultDrawdownWarnPct,
		peak:      initialCapital,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// Apply books a fill. A fill on the same side as the position (or on a flat
// position) opens or adds lots. An opposite fill consumes lots oldest first;
// any excess over the position flips it, booked as a close followed by an
// open with commission and slippage split pro rata. It returns the trades
// closed by this fill.
func (l *Ledger) Apply(f domain.Fill) ([]domain.Trade, error) {
	if f.Quantity <= 0 {
		return nil, fmt.Errorf("apply fill %s: non-positive quantity %v", f.OrderID, f.Quantity)
	}
	if f.Price < 0 {
		return nil, fmt.Errorf("apply fill %s: negative price %v", f.OrderID, f.Price)
	}
	if f.BarIndex > l.lastBar {
		l.lastBar = f.BarIndex
	}
	pos := l.positions[f.Symbol]
	if pos == nil {
		pos = &position{mark: dec(f.Price)}
		l.positions[f.Symbol] = pos
	}

	qty := dec(f.Quantity)
	dir := dec(f.Side.Sign())
	var closeQty decimal.Decimal
	if !pos.qty.IsZero() && !pos.sign().Equal(dir) {
		closeQty = decimal.Min(qty, pos.qty.Abs())
	}
	openQty := qty.Sub(closeQty)

	var closed []domain.Trade
	if closeQty.IsPositive() {
		part := splitFill(f, closeQty, qty)
		if t, ok := l.close(f.Symbol, pos, part); ok {
			closed = append(closed, t)
		}
	}
	if openQty.IsPositive() {
		part := splitFill(f, openQty, qty)
		l.open(pos, part)
	}
	if pos.qty.IsZero() && len(pos.lots) == 0 && pos.trade == nil {
		delete(l.positions, f.Symbol)
	}
	return closed, nil
}

// splitFill returns the share of f covering part of total units, with
// commission and slippage scaled pro rata.
func splitFill(f domain.Fill, part, total decimal.Decimal) domain.Fill {
	if part.Equal(total) {
		return f
	}
	ratio := part.Div(total)
	f.Quantity = part.InexactFloat64()
	f.Commission = dec(f.Commission).Mul(ratio).InexactFloat64()
	f.Slippage = dec(f.Slippage).Mul(ratio).InexactFloat64()
	return f
}

func (l *Ledger) open(pos *position, f domain.Fill) {
	qty := dec(f.Quantity)
	price := dec(f.Price)
	comm := dec(f.Commission)
	dir := dec(f.Side.Sign())

	l.cash = l.cash.Sub(dir.Mul(qty).Mul(price)).Sub(comm)
	pos.qty = pos.qty.Add(dir.Mul(qty))
	pos.lots = append(pos.lots, l.alloc(lot{
		qty:   qty,
		price: price,
		cost:  comm,
		ts:    f.Timestamp,
		bar:   f.BarIndex,
	}))
	pos.mark = price

	if pos.trade == nil {
		l.tradeSeq++
		direction := domain.DirectionLong
		if f.Side == domain.OrderSideSell {
			direction = domain.DirectionShort
		}
		pos.trade = &openTrade{
			id:        fmt.Sprintf("T-%06d", l.tradeSeq),
			direction: direction,
			entryTime: f.Timestamp,
			entryBar:  f.BarIndex,
		}
	}
	pos.trade.entries = append(pos.trade.entries, f)
}

func (l *Ledger) close(symbol string, pos *position, f domain.Fill) (domain.Trade, bool) {
	qty := dec(f.Quantity)
	price := dec(f.Price)
	comm := dec(f.Commission)
	dir := dec(f.Side.Sign())
	sign := pos.sign()

	pnl := comm.Neg()
	remaining := qty
	for remaining.IsPositive() && len(pos.lots) > 0 {
		idx := pos.lots[0]
		lt := &l.arena[idx]
		used := decimal.Min(remaining, lt.qty)
		cost := lt.cost
		if used.LessThan(lt.qty) {
			cost = lt.cost.Mul(used).Div(lt.qty)
		}
		pnl = pnl.Add(price.Sub(lt.price).Mul(used).Mul(sign)).Sub(cost)
		lt.cost = lt.cost.Sub(cost)
		lt.qty = lt.qty.Sub(used)
		remaining = remaining.Sub(used)
		if lt.qty.IsZero() {
			pos.lots = pos.lots[1:]
			l.release(idx)
		}
	}

	l.cash = l.cash.Sub(dir.Mul(qty).Mul(price)).Sub(comm)
	pos.qty = pos.qty.Add(dir.Mul(qty))
	pos.mark = price
	l.realized = l.realized.Add(pnl)

	tr := pos.trade
	tr.exits = append(tr.exits, f)
	tr.realized = tr.realized.Add(pnl)

	if !pos.qty.IsZero() {
		return domain.Trade{}, false
	}
	pos.trade = nil
	pos.lots = pos.lots[:0]
	t := tr.finalize(symbol, f)
	l.trades = append(l.trades, t)
	l.logger.Debug("trade closed",
		"symbol", symbol,
		"trade", t.ID,
		"direction", t.Direction,
		"pnl", t.RealizedPnL,
		"reason", t.ExitReason,
	)
	return t, true
}

func (tr *openTrade) finalize(symbol string, last domain.Fill) domain.Trade {
	t := domain.Trade{
		ID:         tr.id,
		Symbol:     symbol,
		Direction:  tr.direction,
		EntryFills: tr.entries,
		ExitFills:  tr.exits,
		EntryTime:  tr.entryTime,
		ExitTime:   last.Timestamp,
		EntryBar:   tr.entryBar,
		ExitBar:    last.BarIndex,
		BarsHeld:   last.BarIndex - tr.entryBar,
		ExitReason: last.Reason,
		Tag:        tr.entries[0].Tag,
	}
	if t.ExitReason == "" {
		t.ExitReason = domain.ExitStrategy
	}
	var (
		entryQty, entryVal decimal.Decimal
		exitQty, exitVal   decimal.Decimal
		comm, slip         decimal.Decimal
	)
	for _, f := range tr.entries {
		entryQty = entryQty.Add(dec(f.Quantity))
		entryVal = entryVal.Add(dec(f.Quantity).Mul(dec(f.Price)))
		comm = comm.Add(dec(f.Commission))
		slip = slip.Add(dec(f.Slippage))
	}
	for _, f := range tr.exits {
		exitQty = exitQty.Add(dec(f.Quantity))
		exitVal = exitVal.Add(dec(f.Quantity).Mul(dec(f.Price)))
		comm = comm.Add(dec(f.Commission))
		slip = slip.Add(dec(f.Slippage))
	}
	t.Quantity = entryQty.InexactFloat64()
	if entryQty.IsPositive() {
		t.AvgEntryPrice = entryVal.Div(entryQty).InexactFloat64()
	}
	if exitQty.IsPositive() {
		t.AvgExitPrice = exitVal.Div(exitQty).InexactFloat64()
	}
	t.RealizedPnL = tr.realized.InexactFloat64()
	t.Commission = comm.InexactFloat64()
	t.Slippage = slip.InexactFloat64()
	return t
}

// ---------------------------------------------------------------------------
// Lot arena
// ---------------------------------------------------------------------------

func (l *Ledger) alloc(lt lot) int {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		l.arena[idx] = lt
		return idx
	}
	l.arena = append(l.arena, lt)
	return len(l.arena) - 1
}

func (l *Ledger) release(idx int) {
	l.arena[idx] = lot{}
	l.free = append(l.free, idx)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// CanAfford reports whether an entry of qty units at price plus commission is
// covered by available cash. Shorts are cash-secured like longs; cash
// received from open shorts is not available.
func (l *Ledger) CanAfford(qty, price, commission float64) bool {
	need := dec(qty).Mul(dec(price)).Add(dec(commission))
	return l.available().GreaterThanOrEqual(need)
}

// Available returns cash minus the marked value of open short positions.
func (l *Ledger) Available() float64 {
	return l.available().InexactFloat64()
}

func (l *Ledger) available() decimal.Decimal {
	avail := l.cash
	for _, p := range l.positions {
		if p.qty.IsNegative() {
			avail = avail.Add(p.qty.Mul(p.mark))
		}
	}
	return avail
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 { return l.cash.InexactFloat64() }

// RealizedPnL returns realized profit and loss to date.
func (l *Ledger) RealizedPnL() float64 { return l.realized.InexactFloat64() }

// InitialCapital returns the starting cash.
func (l *Ledger) InitialCapital() float64 { return l.initial.InexactFloat64() }

// Equity returns cash plus all positions marked at their latest price.
func (l *Ledger) Equity() float64 { return l.equity().InexactFloat64() }

func (l *Ledger) equity() decimal.Decimal {
	eq := l.cash
	for _, p := range l.positions {
		eq = eq.Add(p.qty.Mul(p.mark))
	}
	return eq
}

// Quantity returns the signed position in symbol.
func (l *Ledger) Quantity(symbol string) float64 {
	if p := l.positions[symbol]; p != nil {
		return p.qty.InexactFloat64()
	}
	return 0
}

// OpenSymbols returns the symbols with a non-zero position, sorted.
func (l *Ledger) OpenSymbols() []string {
	var out []string
	for sym, p := range l.positions {
		if !p.qty.IsZero() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Position returns a read-only view of the position in symbol.
func (l *Ledger) Position(symbol string) (domain.PositionView, bool) {
	p := l.positions[symbol]
	if p == nil || p.qty.IsZero() {
		return domain.PositionView{}, false
	}
	return l.view(symbol, p), true
}

func (l *Ledger) view(symbol string, p *position) domain.PositionView {
	v := domain.PositionView{
		Symbol:      symbol,
		Quantity:    p.qty.InexactFloat64(),
		MarketPrice: p.mark.InexactFloat64(),
		Lots:        make([]domain.Lot, 0, len(p.lots)),
	}
	var (
		held, cost, unreal decimal.Decimal
		sign               = p.sign()
	)
	for _, idx := range p.lots {
		lt := l.arena[idx]
		held = held.Add(lt.qty)
		cost = cost.Add(lt.qty.Mul(lt.price))
		unreal = unreal.Add(p.mark.Sub(lt.price).Mul(lt.qty).Mul(sign))
		v.Lots = append(v.Lots, domain.Lot{
			Quantity:    lt.qty.InexactFloat64(),
			Price:       lt.price.InexactFloat64(),
			CostPerUnit: lt.cost.Div(lt.qty).InexactFloat64(),
			Timestamp:   lt.ts,
			BarIndex:    lt.bar,
		})
	}
	if held.IsPositive() {
		v.AvgPrice = cost.Div(held).InexactFloat64()
	}
	v.UnrealizedPnL = unreal.InexactFloat64()
	if p.trade != nil {
		v.OpenedAt = p.trade.entryTime
		v.BarsHeld = l.lastBar - p.trade.entryBar
	}
	return v
}

// Snapshot returns a deep copy of the account state.
func (l *Ledger) Snapshot() domain.PortfolioSnapshot {
	s := domain.PortfolioSnapshot{
		Cash:        l.Cash(),
		Equity:      l.Equity(),
		RealizedPnL: l.RealizedPnL(),
		Positions:   make(map[string]domain.PositionView, len(l.positions)),
	}
	for sym, p := range l.positions {
		if p.qty.IsZero() {
			continue
		}
		v := l.view(sym, p)
		s.UnrealizedPnL += v.UnrealizedPnL
		s.Positions[sym] = v
	}
	return s
}

// Trades returns a copy of the closed trades in closing order.
func (l *Ledger) Trades() []domain.Trade {
	out := make([]domain.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Curve returns a copy of the equity curve.
func (l *Ledger) Curve() []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(l.curve))
	copy(out, l.curve)
	return out
}

// CheckInvariants verifies that every position's lots add up to its
// quantity and that every open position belongs to an open trade.
func (l *Ledger) CheckInvariants() error {
	for sym, p := range l.positions {
		var held decimal.Decimal
		for _, idx := range p.lots {
			held = held.Add(l.arena[idx].qty)
		}
		if !held.Equal(p.qty.Abs()) {
			return fmt.Errorf("%s: lots hold %s, position is %s", sym, held, p.qty)
		}
		if !p.qty.IsZero() && p.trade == nil {
			return fmt.Errorf("%s: open position without a trade record", sym)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

// Mark revalues positions at the given closes, appends an equity point and
// returns it. Symbols missing from closes keep their previous mark.
func (l *Ledger) Mark(ts time.Time, barIndex int, closes map[string]float64) domain.EquityPoint {
	if barIndex > l.lastBar {
		l.lastBar = barIndex
	}
	for sym, p := range l.positions {
		if c, ok := closes[sym]; ok {
			p.mark = dec(c)
		}
	}
	pt := l.point(ts)
	l.curve = append(l.curve, pt)
	l.checkDrawdown(pt)
	return pt
}

// RefreshLast recomputes the final equity point from the current state.
// It is used after positions are liquidated at the end of a run.
func (l *Ledger) RefreshLast() {
	n := len(l.curve)
	if n == 0 {
		return
	}
	l.curve[n-1] = l.point(l.curve[n-1].Timestamp)
}

func (l *Ledger) point(ts time.Time) domain.EquityPoint {
	open := 0
	for _, p := range l.positions {
		if !p.qty.IsZero() {
			open++
		}
	}
	return domain.EquityPoint{
		Timestamp:     ts,
		Cash:          l.Cash(),
		Equity:        l.Equity(),
		OpenPositions: open,
	}
}

func (l *Ledger) checkDrawdown(pt domain.EquityPoint) {
	if pt.Equity > l.peak {
		l.peak = pt.Equity
	}
	if l.warnPct <= 0 || l.peak <= 0 {
		return
	}
	dd := (l.peak - pt.Equity) / l.peak * 100
	switch {
	case dd > l.warnPct && !l.inDDWarn:
		l.inDDWarn = true
		l.logger.Warn("large drawdown",
			"drawdown_pct", dd,
			"peak", l.peak,
			"equity", pt.Equity,
			"at", pt.Timestamp,
		)
	case dd <= l.warnPct:
		l.inDDWarn = false
	}
}
