package engine

import (
	"sort"

	"barsim/internal/domain"
)

// exitLeg is one staged take-profit level. Its order goes live once the
// position has been entered and is resized as further entry legs fill.
type exitLeg struct {
	leg   domain.Leg
	order *domain.Order
	done  bool
}

// Plan is the position management state of one symbol: the protective stop,
// the staged take-profit legs and the trailing distance. Every level is
// resolved independently of the others.
type Plan struct {
	Symbol string
	// Side is the entry side; exits trade the opposite side.
	Side        domain.OrderSide
	Stop        float64
	TrailingPct float64
	Tag         string
	// Entered is the total quantity filled by the plan's entry orders.
	Entered float64

	exits []*exitLeg
}

func newPlan(symbol string, sig domain.Signal) *Plan {
	p := &Plan{
		Symbol:      symbol,
		Side:        sig.OrderSide(),
		Stop:        sig.StopLoss,
		TrailingPct: sig.TrailingStopPct,
		Tag:         sig.Tag,
	}
	p.setExits(exitLegs(sig))
	return p
}

// exitLegs returns the staged exits of an entry signal. A single take-profit
// is one leg for the whole position.
func exitLegs(sig domain.Signal) []domain.Leg {
	if len(sig.Exits) > 0 {
		return sig.Exits
	}
	if sig.TakeProfit > 0 {
		return []domain.Leg{{Price: sig.TakeProfit, Pct: 1}}
	}
	return nil
}

// setExits replaces the plan's exit legs. Live orders of replaced legs must
// be canceled by the caller.
func (p *Plan) setExits(legs []domain.Leg) {
	p.exits = p.exits[:0]
	for _, l := range legs {
		p.exits = append(p.exits, &exitLeg{leg: l})
	}
}

// liveOrders returns the pending orders of unfilled exit legs.
func (p *Plan) liveOrders() []*domain.Order {
	var out []*domain.Order
	for _, e := range p.exits {
		if e.order != nil && !e.done {
			out = append(out, e.order)
		}
	}
	return out
}

// long reports whether the plan holds a long position.
func (p *Plan) long() bool { return p.Side == domain.OrderSideBuy }

// stopHit reports whether bar's range reaches the stop, and whether the bar
// opened through it.
func (p *Plan) stopHit(bar domain.Bar) (hit, gapped bool) {
	if p.Stop <= 0 {
		return false, false
	}
	if p.long() {
		return bar.Low <= p.Stop, bar.Open <= p.Stop
	}
	return bar.High >= p.Stop, bar.Open >= p.Stop
}

// reached returns the live exit legs whose limit lies inside bar's range,
// nearest first. Legs placed on barIndex itself are skipped.
func (p *Plan) reached(bar domain.Bar, barIndex int) []*exitLeg {
	var out []*exitLeg
	for _, e := range p.exits {
		if e.done || e.order == nil || e.order.SignalBar >= barIndex {
			continue
		}
		if (p.long() && bar.High >= e.leg.Price) || (!p.long() && bar.Low <= e.leg.Price) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if p.long() {
			return out[i].leg.Price < out[j].leg.Price
		}
		return out[i].leg.Price > out[j].leg.Price
	})
	return out
}

// last reports whether e is the only unfilled leg of a plan whose legs cover
// the whole position.
func (p *Plan) last(e *exitLeg) bool {
	var total float64
	for _, o := range p.exits {
		total += o.leg.Pct
		if o != e && !o.done {
			return false
		}
	}
	return total >= 1-1e-9
}

// trail ratchets the stop behind close. It reports whether the stop moved.
func (p *Plan) trail(close, pct float64) bool {
	if pct <= 0 {
		return false
	}
	if p.long() {
		if s := close * (1 - pct); s > p.Stop {
			p.Stop = s
			return true
		}
		return false
	}
	if s := close * (1 + pct); p.Stop == 0 || s < p.Stop {
		p.Stop = s
		return true
	}
	return false
}
