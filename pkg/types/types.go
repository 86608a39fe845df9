// Package types provides shared type definitions for the strategy tester.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStopMarket   OrderType = "stop_market"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// ExitReason explains why a trade was closed
type ExitReason string

const (
	ExitReasonRegular      ExitReason = "regular"
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTakeProfit   ExitReason = "take_profit"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonLiquidation  ExitReason = "liquidation"
	ExitReasonEndOfData    ExitReason = "end_of_data"
)

// SignalAction is the action requested by a strategy
type SignalAction string

const (
	SignalActionBuy   SignalAction = "buy"
	SignalActionLong  SignalAction = "long"
	SignalActionSell  SignalAction = "sell"
	SignalActionShort SignalAction = "short"
	SignalActionClose SignalAction = "close"
	SignalActionHold  SignalAction = "hold"
)

// Candle represents a single OHLCV bar. Bars are assumed non-overlapping
// and time-ordered. FundingRate and MaintenanceMargin are optional
// per-bar overrides for perpetual contracts; nil means "use config".
type Candle struct {
	Symbol            string          `json:"symbol"`
	OpenTime          time.Time       `json:"openTime"`
	CloseTime         time.Time       `json:"closeTime"`
	Open              decimal.Decimal `json:"open"`
	High              decimal.Decimal `json:"high"`
	Low               decimal.Decimal `json:"low"`
	Close             decimal.Decimal `json:"close"`
	Volume            decimal.Decimal `json:"volume"`
	Index             int             `json:"index,omitempty"`
	IntervalMinutes   float64         `json:"intervalMinutes,omitempty"`
	FundingRate       *decimal.Decimal `json:"fundingRate,omitempty"`
	MaintenanceMargin *decimal.Decimal `json:"maintenanceMargin,omitempty"`
}

// Range reports whether price lies within the bar's [low, high].
func (c *Candle) Range(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(c.Low) && price.LessThanOrEqual(c.High)
}

// Order represents a trading order. Orders are owned by the engine
// queue; once filled they are immutable history.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"triggerPrice,omitempty"`

	// Protections attached on entry orders
	StopLoss        decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit      decimal.Decimal `json:"takeProfit,omitempty"`
	TrailingStopPct decimal.Decimal `json:"trailingStopPct,omitempty"`

	ReduceOnly bool       `json:"reduceOnly,omitempty"`
	ExitReason ExitReason `json:"exitReason,omitempty"`

	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	Commission   decimal.Decimal `json:"commission"`
	Slippage     decimal.Decimal `json:"slippage"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	FilledAt     *time.Time      `json:"filledAt,omitempty"`
}

// Position represents an open position. A symbol has at most one open
// position at a time (one-way mode).
type Position struct {
	Symbol               string          `json:"symbol"`
	Side                 PositionSide    `json:"side"`
	EntryPrice           decimal.Decimal `json:"entryPrice"`
	Quantity             decimal.Decimal `json:"quantity"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL          decimal.Decimal `json:"realizedPnl"`
	Leverage             decimal.Decimal `json:"leverage"`
	MarginUsed           decimal.Decimal `json:"marginUsed"`
	EntryCommissionTotal decimal.Decimal `json:"entryCommissionTotal"`
	EntrySlippageTotal   decimal.Decimal `json:"entrySlippageTotal"`
	FundingPaid          decimal.Decimal `json:"fundingPaid"`

	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice,omitempty"`
	StopLossPrice   decimal.Decimal `json:"stopLossPrice,omitempty"`
	TrailingStopPct decimal.Decimal `json:"trailingStopPct,omitempty"`
	TrailAnchor     decimal.Decimal `json:"trailAnchor,omitempty"`

	// Running extremes from entry onward, used for MFE/MAE.
	PeakPrice   decimal.Decimal `json:"peakPrice"`
	TroughPrice decimal.Decimal `json:"troughPrice"`

	OpenedAt time.Time `json:"openedAt"`
}

// Notional returns quantity * price.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// PnLAt returns the unrealized PnL of the full position marked at price.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// Trade represents a closed lot.
type Trade struct {
	ID                 string          `json:"id"`
	Symbol             string          `json:"symbol"`
	Side               PositionSide    `json:"side"`
	EntryPrice         decimal.Decimal `json:"entryPrice"`
	ExitPrice          decimal.Decimal `json:"exitPrice"`
	Quantity           decimal.Decimal `json:"quantity"`
	EntryTime          time.Time       `json:"entryTime"`
	ExitTime           time.Time       `json:"exitTime"`
	DurationSeconds    float64         `json:"durationSeconds"`
	PnL                decimal.Decimal `json:"pnl"`
	PnLPct             decimal.Decimal `json:"pnlPct"`
	Commission         decimal.Decimal `json:"commission"`
	Slippage           decimal.Decimal `json:"slippage"`
	FundingFees        decimal.Decimal `json:"fundingFees"`
	LiquidationPenalty decimal.Decimal `json:"liquidationPenalty"`
	Reason             ExitReason      `json:"reason"`

	// Best/worst unrealised excursion from entry, in percent (>= 0).
	MaxFavorableExcursion decimal.Decimal `json:"maxFavorableExcursion"`
	MaxAdverseExcursion   decimal.Decimal `json:"maxAdverseExcursion"`
}

// Signal is a strategy's trading instruction. A nil signal (or action
// "hold") means do nothing.
type Signal struct {
	Action          SignalAction    `json:"action"`
	Symbol          string          `json:"symbol,omitempty"`
	Quantity        decimal.Decimal `json:"quantity,omitempty"`
	Price           decimal.Decimal `json:"price,omitempty"`
	TriggerPrice    decimal.Decimal `json:"triggerPrice,omitempty"`
	StopLoss        decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit      decimal.Decimal `json:"takeProfit,omitempty"`
	TrailingStopPct decimal.Decimal `json:"trailingStopPct,omitempty"`
	OrderType       OrderType       `json:"orderType,omitempty"`
}

// IsOpen reports whether the action opens or extends a position.
func (s *Signal) IsOpen() bool {
	switch s.Action {
	case SignalActionBuy, SignalActionLong, SignalActionSell, SignalActionShort:
		return true
	}
	return false
}

// PositionSide maps an open action onto the resulting position side.
func (s *Signal) PositionSide() PositionSide {
	switch s.Action {
	case SignalActionSell, SignalActionShort:
		return PositionSideShort
	default:
		return PositionSideLong
	}
}

// EquityPoint represents a point on the equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Capital   decimal.Decimal `json:"capital"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// EventType classifies engine events.
type EventType string

const (
	EventTypeFunding     EventType = "funding"
	EventTypeLiquidation EventType = "liquidation"
)

// EngineEvent records a funding payment or a liquidation.
type EngineEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Detail    string          `json:"detail,omitempty"`
}
