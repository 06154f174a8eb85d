package builtins

import "barsim/internal/strategy"

// RegisterAll adds every built-in strategy to r.
func RegisterAll(r *strategy.Registry) {
	r.Register("sma-cross", func() strategy.Strategy { return NewSMACross(10, 30) })
	r.Register("breakout", func() strategy.Strategy { return NewBreakout() })
	r.Register("rsi-reversion", func() strategy.Strategy { return NewRSIReversion() })
	r.Register("buy-and-hold", func() strategy.Strategy { return NewBuyAndHold() })
	r.Register("hold", func() strategy.Strategy { return Hold{} })
}
