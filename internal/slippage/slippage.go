// Package slippage provides price impact models for order execution.
package slippage

import (
	"math"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
)

// Regime labels the market condition an adaptive model can react to
type Regime string

const (
	RegimeTrending      Regime = "trending"
	RegimeVolatile      Regime = "volatile"
	RegimeRanging       Regime = "ranging"
	RegimeBreakout      Regime = "breakout"
	RegimeLowVolatility Regime = "low_volatility"
)

// Context carries the market snapshot a model calculates against.
// Missing optional fields (zero values) fall back to model defaults.
type Context struct {
	Volume     decimal.Decimal
	Volatility float64
	ATR        decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	BookDepth  decimal.Decimal
	Timestamp  time.Time
	Regime     Regime
	OrderType  types.OrderType
}

// Result is the outcome of a slippage calculation. Sign convention:
// buys pay more, sells receive less.
type Result struct {
	Pct            float64            `json:"slippagePct"`
	Amount         decimal.Decimal    `json:"slippageAmount"`
	ExecutionPrice decimal.Decimal    `json:"executionPrice"`
	OriginalPrice  decimal.Decimal    `json:"originalPrice"`
	ModelType      string             `json:"modelType"`
	Components     map[string]float64 `json:"components,omitempty"`
}

// Model is the contract every slippage model implements
type Model interface {
	Calculate(price, qty decimal.Decimal, side types.OrderSide, ctx *Context) *Result
}

// hard ceiling on any configured max slippage
const maxSlippageCeiling = 0.5

// clampPct sanitises a raw percentage: NaN/Inf collapse to min.
func clampPct(pct, min, max float64) float64 {
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return min
	}
	if max > maxSlippageCeiling || max <= 0 {
		max = maxSlippageCeiling
	}
	if min < 0 {
		min = 0
	}
	if pct < min {
		return min
	}
	if pct > max {
		return max
	}
	return pct
}

// buildResult applies the sign convention and packages the result.
func buildResult(modelType string, price decimal.Decimal, side types.OrderSide, pct float64, components map[string]float64) *Result {
	amount := price.Mul(decimal.NewFromFloat(pct))
	exec := price.Add(amount)
	if side == types.OrderSideSell {
		exec = price.Sub(amount)
	}
	return &Result{
		Pct:            pct,
		Amount:         amount,
		ExecutionPrice: exec,
		OriginalPrice:  price,
		ModelType:      modelType,
		Components:     components,
	}
}

// Fixed applies a constant percentage slippage
type Fixed struct {
	Pct float64
}

// NewFixed creates a fixed slippage model.
func NewFixed(pct float64) *Fixed {
	return &Fixed{Pct: pct}
}

// Calculate returns the configured fixed slippage.
func (f *Fixed) Calculate(price, qty decimal.Decimal, side types.OrderSide, ctx *Context) *Result {
	pct := clampPct(f.Pct, 0, maxSlippageCeiling)
	return buildResult("fixed", price, side, pct, nil)
}

// VolumeImpact models square-root market impact scaled by volatility
type VolumeImpact struct {
	ImpactFactor float64
	MinPct       float64
	MaxPct       float64
}

// NewVolumeImpact creates a volume impact model.
func NewVolumeImpact(impactFactor, minPct, maxPct float64) *VolumeImpact {
	return &VolumeImpact{ImpactFactor: impactFactor, MinPct: minPct, MaxPct: maxPct}
}

// Calculate returns impact = factor * sqrt(notional / bar notional) * volatility.
func (v *VolumeImpact) Calculate(price, qty decimal.Decimal, side types.OrderSide, ctx *Context) *Result {
	pct := v.MinPct
	if ctx != nil && !ctx.Volume.IsZero() && !price.IsZero() {
		orderNotional, _ := qty.Mul(price).Float64()
		barNotional, _ := ctx.Volume.Mul(price).Float64()
		if barNotional > 0 {
			vol := ctx.Volatility
			if vol == 0 {
				vol = 1
			}
			pct = v.ImpactFactor * math.Sqrt(orderNotional/barNotional) * vol
		}
	}
	pct = clampPct(pct, v.MinPct, v.MaxPct)
	return buildResult("volume_impact", price, side, pct, nil)
}

// Volatility scales slippage with realised volatility or ATR
type Volatility struct {
	BasePct              float64
	VolatilityMultiplier float64
	MinPct               float64
	MaxPct               float64
}

// NewVolatility creates a volatility-scaled slippage model.
func NewVolatility(basePct, multiplier, minPct, maxPct float64) *Volatility {
	return &Volatility{BasePct: basePct, VolatilityMultiplier: multiplier, MinPct: minPct, MaxPct: maxPct}
}

// Calculate returns base + multiplier * volatility, preferring atr/price.
func (m *Volatility) Calculate(price, qty decimal.Decimal, side types.OrderSide, ctx *Context) *Result {
	vol := 0.0
	if ctx != nil {
		vol = ctx.Volatility
		if !ctx.ATR.IsZero() && !price.IsZero() {
			atrPct, _ := ctx.ATR.Div(price).Float64()
			vol = atrPct
		}
	}
	pct := clampPct(m.BasePct+m.VolatilityMultiplier*vol, m.MinPct, m.MaxPct)
	return buildResult("volatility", price, side, pct, nil)
}

// OrderBook estimates slippage from spread and book depth
type OrderBook struct {
	SpreadMultiplier float64
	DepthFactor      float64
	MinSpread        float64
	MinPct           float64
	MaxPct           float64
}

// NewOrderBook creates an order book slippage model.
func NewOrderBook(spreadMult, depthFactor, minSpread, minPct, maxPct float64) *OrderBook {
	return &OrderBook{
		SpreadMultiplier: spreadMult,
		DepthFactor:      depthFactor,
		MinSpread:        minSpread,
		MinPct:           minPct,
		MaxPct:           maxPct,
	}
}

// Calculate returns spreadMult * spread + depthFactor * (notional / depth).
func (o *OrderBook) Calculate(price, qty decimal.Decimal, side types.OrderSide, ctx *Context) *Result {
	spread := o.MinSpread
	depthTerm := 0.0
	if ctx != nil {
		if !ctx.Bid.IsZero() && !ctx.Ask.IsZero() && !price.IsZero() {
			s, _ := ctx.Ask.Sub(ctx.Bid).Div(price).Float64()
			if s > 0 {
				spread = s
			}
		}
		if !ctx.BookDepth.IsZero() {
			notional, _ := qty.Mul(price).Float64()
			depth, _ := ctx.BookDepth.Float64()
			if depth > 0 {
				depthTerm = o.DepthFactor * notional / depth
			}
		}
	}
	pct := clampPct(o.SpreadMultiplier*spread+depthTerm, o.MinPct, o.MaxPct)
	return buildResult("orderbook", price, side, pct, nil)
}

// Component pairs a sub-model with its weight in a composite
type Component struct {
	Model  Model
	Weight float64
	Name   string
}

// Composite combines sub-models as a weighted sum of their percentages
type Composite struct {
	Components []Component
	MinPct     float64
	MaxPct     float64
}

// NewComposite creates a composite model from weighted components.
func NewComposite(components []Component, minPct, maxPct float64) *Composite {
	return &Composite{Components: components, MinPct: minPct, MaxPct: maxPct}
}

// NewDefaultComposite builds the standard volume/volatility/book blend
// with weights 0.4/0.3/0.3.
func NewDefaultComposite(minPct, maxPct float64) *Composite {
	return NewComposite([]Component{
		{Model: NewVolumeImpact(0.1, 0, maxPct), Weight: 0.4, Name: "volume_impact"},
		{Model: NewVolatility(0.0001, 0.1, 0, maxPct), Weight: 0.3, Name: "volatility"},
		{Model: NewOrderBook(0.5, 0.1, 0.0001, 0, maxPct), Weight: 0.3, Name: "orderbook"},
	}, minPct, maxPct)
}

// Calculate returns the weighted sum of component slippages, exposing
// each component's contribution.
func (c *Composite) Calculate(price, qty decimal.Decimal, side types.OrderSide, ctx *Context) *Result {
	total := 0.0
	components := make(map[string]float64, len(c.Components))
	for _, comp := range c.Components {
		sub := comp.Model.Calculate(price, qty, side, ctx)
		components[comp.Name] = sub.Pct
		total += comp.Weight * sub.Pct
	}
	pct := clampPct(total, c.MinPct, c.MaxPct)
	res := buildResult("composite", price, side, pct, components)
	return res
}

// Adaptive wraps a base model and scales its output by the hour of day
// (UTC), the market regime, and 0.5 for limit orders.
type Adaptive struct {
	Base              Model
	HourMultipliers   map[int]float64
	RegimeMultipliers map[Regime]float64
	MinPct            float64
	MaxPct            float64
}

// NewAdaptive creates an adaptive wrapper with default multiplier tables.
func NewAdaptive(base Model, minPct, maxPct float64) *Adaptive {
	return &Adaptive{
		Base: base,
		HourMultipliers: map[int]float64{
			0: 1.3, 1: 1.3, 2: 1.3, 3: 1.3, 4: 1.2, 5: 1.2,
			6: 1.0, 7: 1.0, 8: 0.9, 9: 0.9, 10: 0.9, 11: 0.9,
			12: 0.8, 13: 0.8, 14: 0.8, 15: 0.8, 16: 0.9, 17: 0.9,
			18: 1.0, 19: 1.0, 20: 1.1, 21: 1.1, 22: 1.2, 23: 1.2,
		},
		RegimeMultipliers: map[Regime]float64{
			RegimeTrending:      1.0,
			RegimeVolatile:      1.5,
			RegimeRanging:       0.8,
			RegimeBreakout:      1.8,
			RegimeLowVolatility: 0.7,
		},
		MinPct: minPct,
		MaxPct: maxPct,
	}
}

// Calculate scales the base slippage by the time and regime tables.
func (a *Adaptive) Calculate(price, qty decimal.Decimal, side types.OrderSide, ctx *Context) *Result {
	base := a.Base.Calculate(price, qty, side, ctx)
	pct := base.Pct
	if ctx != nil {
		if !ctx.Timestamp.IsZero() {
			if mult, ok := a.HourMultipliers[ctx.Timestamp.UTC().Hour()]; ok {
				pct *= mult
			}
		}
		if mult, ok := a.RegimeMultipliers[ctx.Regime]; ok {
			pct *= mult
		}
		if ctx.OrderType == types.OrderTypeLimit || ctx.OrderType == types.OrderTypeStopLimit {
			pct *= 0.5
		}
	}
	pct = clampPct(pct, a.MinPct, a.MaxPct)
	res := buildResult("adaptive", price, side, pct, base.Components)
	return res
}
