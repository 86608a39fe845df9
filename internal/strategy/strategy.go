package strategy

import (
	"sort"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
)

// State is the read-only view of engine state a strategy receives on
// every candle. Position is nil when flat.
type State struct {
	Position *types.Position
	Capital  decimal.Decimal
	Equity   decimal.Decimal
	Drawdown float64
	Params   map[string]float64
}

// Param returns a named parameter or the given default.
func (s *State) Param(name string, def float64) float64 {
	if s == nil || s.Params == nil {
		return def
	}
	if v, ok := s.Params[name]; ok {
		return v
	}
	return def
}

// Func is the strategy contract shared by the backtest engine and the
// live runner. Returning nil means hold.
type Func func(candle *types.Candle, state *State) *types.Signal

// Factory builds a strategy function with its own private buffer so
// one registration can back many concurrent runs.
type Factory func(params map[string]float64) Func

var builtins = map[string]Factory{
	"sma_cross":     NewSMACross,
	"rsi_reversion": NewRSIReversion,
	"breakout":      NewBreakout,
}

// Lookup returns the named built-in factory.
func Lookup(name string) (Factory, bool) {
	f, ok := builtins[name]
	return f, ok
}

// Names lists the registered built-in strategies, sorted.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func param(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}

// NewSMACross goes long when the fast SMA crosses above the slow SMA
// and closes when it crosses back below.
func NewSMACross(params map[string]float64) Func {
	fast := int(param(params, "fast", 10))
	slow := int(param(params, "slow", 30))
	buf := NewBuffer(0)
	prevAbove := false
	seen := false

	return func(candle *types.Candle, state *State) *types.Signal {
		buf.Add(candle)
		fastMA, okF := buf.SMA(fast)
		slowMA, okS := buf.SMA(slow)
		if !okF || !okS {
			return nil
		}
		above := fastMA > slowMA
		defer func() { prevAbove, seen = above, true }()
		if !seen {
			return nil
		}
		if above && !prevAbove && state.Position == nil {
			return &types.Signal{Action: types.SignalActionBuy, Symbol: candle.Symbol}
		}
		if !above && prevAbove && state.Position != nil {
			return &types.Signal{Action: types.SignalActionClose, Symbol: candle.Symbol}
		}
		return nil
	}
}

// NewRSIReversion buys oversold and closes at the exit level.
func NewRSIReversion(params map[string]float64) Func {
	period := int(param(params, "period", 14))
	oversold := param(params, "oversold", 30)
	exit := param(params, "exit", 55)
	buf := NewBuffer(0)

	return func(candle *types.Candle, state *State) *types.Signal {
		buf.Add(candle)
		rsi, ok := buf.RSI(period)
		if !ok {
			return nil
		}
		if state.Position == nil && rsi < oversold {
			return &types.Signal{Action: types.SignalActionBuy, Symbol: candle.Symbol}
		}
		if state.Position != nil && rsi > exit {
			return &types.Signal{Action: types.SignalActionClose, Symbol: candle.Symbol}
		}
		return nil
	}
}

// NewBreakout buys a close above the rolling high with an ATR stop.
func NewBreakout(params map[string]float64) Func {
	lookback := int(param(params, "lookback", 20))
	atrPeriod := int(param(params, "atr_period", 14))
	atrMult := param(params, "atr_mult", 2)
	buf := NewBuffer(0)

	return func(candle *types.Candle, state *State) *types.Signal {
		// Breakout level uses the window before this candle.
		high := 0.0
		if buf.Len() >= lookback {
			for _, c := range buf.Closes(lookback) {
				if c > high {
					high = c
				}
			}
		}
		buf.Add(candle)
		if high == 0 || state.Position != nil {
			return nil
		}
		last, _ := candle.Close.Float64()
		if last <= high {
			return nil
		}
		atr, ok := buf.ATR(atrPeriod)
		if !ok {
			return nil
		}
		return &types.Signal{
			Action:   types.SignalActionBuy,
			Symbol:   candle.Symbol,
			StopLoss: decimal.NewFromFloat(last - atrMult*atr),
		}
	}
}
