package backtest

import (
	"math"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// applyProtections evaluates stop-loss, take-profit and trailing stop
// against the bar's range, in that priority order. The trailing anchor
// updates before evaluation.
func (e *Engine) applyProtections(candle *types.Candle) {
	for _, sym := range e.symbolsInOrder() {
		pos := e.positions[sym]

		if !pos.TrailingStopPct.IsZero() {
			if pos.TrailAnchor.IsZero() {
				if pos.Side == types.PositionSideLong {
					pos.TrailAnchor = candle.High
				} else {
					pos.TrailAnchor = candle.Low
				}
			} else if pos.Side == types.PositionSideLong {
				if candle.High.GreaterThan(pos.TrailAnchor) {
					pos.TrailAnchor = candle.High
				}
			} else if candle.Low.LessThan(pos.TrailAnchor) {
				pos.TrailAnchor = candle.Low
			}
		}

		if trigger, reason, ok := e.protectionTrigger(pos, candle); ok {
			e.exitAtTrigger(pos, trigger, candle, reason)
		}
	}
}

// protectionTrigger returns the first protection the bar reaches.
func (e *Engine) protectionTrigger(pos *types.Position, candle *types.Candle) (decimal.Decimal, types.ExitReason, bool) {
	long := pos.Side == types.PositionSideLong

	if !pos.StopLossPrice.IsZero() {
		if (long && candle.Low.LessThanOrEqual(pos.StopLossPrice)) ||
			(!long && candle.High.GreaterThanOrEqual(pos.StopLossPrice)) {
			return pos.StopLossPrice, types.ExitReasonStopLoss, true
		}
	}
	if !pos.TakeProfitPrice.IsZero() {
		if (long && candle.High.GreaterThanOrEqual(pos.TakeProfitPrice)) ||
			(!long && candle.Low.LessThanOrEqual(pos.TakeProfitPrice)) {
			return pos.TakeProfitPrice, types.ExitReasonTakeProfit, true
		}
	}
	if !pos.TrailingStopPct.IsZero() && !pos.TrailAnchor.IsZero() {
		one := decimal.NewFromInt(1)
		var trigger decimal.Decimal
		if long {
			trigger = pos.TrailAnchor.Mul(one.Sub(pos.TrailingStopPct))
			if candle.Low.LessThanOrEqual(trigger) {
				return trigger, types.ExitReasonTrailingStop, true
			}
		} else {
			trigger = pos.TrailAnchor.Mul(one.Add(pos.TrailingStopPct))
			if candle.High.GreaterThanOrEqual(trigger) {
				return trigger, types.ExitReasonTrailingStop, true
			}
		}
	}
	return decimal.Zero, "", false
}

// exitAtTrigger closes the full position at the trigger price via a
// synthetic market fill with slippage.
func (e *Engine) exitAtTrigger(pos *types.Position, trigger decimal.Decimal, candle *types.Candle, reason types.ExitReason) {
	side := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	res := e.slip.Calculate(trigger, pos.Quantity, side, e.slipContext(candle, types.OrderTypeMarket))
	e.logger.Debug("protection triggered",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
		zap.String("trigger", trigger.String()))
	e.reducePosition(pos, pos.Quantity, res.ExecutionPrice, e.config.TakerFee, res.Amount.Abs().Mul(pos.Quantity), candle, reason, decimal.Zero)
}

// applyFunding charges or credits periodic funding on open positions.
// Longs pay when the rate is positive; shorts receive.
func (e *Engine) applyFunding(candle *types.Candle, intervalMinutes float64) {
	if !e.config.ApplyFunding || len(e.positions) == 0 {
		return
	}

	periods := 0
	if e.config.FundingIntervalCandles > 0 {
		e.fundingCandleCount++
		if e.fundingCandleCount >= e.config.FundingIntervalCandles {
			periods = 1
			e.fundingCandleCount = 0
		}
	} else if e.config.FundingIntervalMinutes > 0 && intervalMinutes > 0 {
		e.fundingMinutesAccum += intervalMinutes
		periods = int(math.Floor(e.fundingMinutesAccum / e.config.FundingIntervalMinutes))
		e.fundingMinutesAccum -= float64(periods) * e.config.FundingIntervalMinutes
	}
	if periods == 0 {
		return
	}

	for _, sym := range e.symbolsInOrder() {
		pos := e.positions[sym]
		rate := e.fundingRate(pos.Symbol, candle)
		fee := pos.Notional(candle.Close).Mul(rate).Mul(decimal.NewFromInt(int64(periods)))
		if pos.Side == types.PositionSideShort {
			fee = fee.Neg()
		}
		e.capital = e.capital.Sub(fee)
		pos.FundingPaid = pos.FundingPaid.Add(fee)
		e.totalFunding = e.totalFunding.Add(fee)
		e.fundingEvents++
		e.eventsLog = append(e.eventsLog, types.EngineEvent{
			Type:      types.EventTypeFunding,
			Timestamp: barTime(candle),
			Symbol:    pos.Symbol,
			Amount:    fee,
		})
	}
}

// fundingRate resolves the rate: candle override, then per-symbol map,
// then the config default.
func (e *Engine) fundingRate(symbol string, candle *types.Candle) decimal.Decimal {
	if candle.FundingRate != nil {
		return *candle.FundingRate
	}
	if rate, ok := e.config.FundingRateBySymbol[symbol]; ok {
		return rate
	}
	return e.config.FundingRate
}

// maintenanceRate resolves the maintenance margin rate plus the
// volatility add-on.
func (e *Engine) maintenanceRate(symbol string, candle *types.Candle) decimal.Decimal {
	base := e.config.MaintenanceMargin
	if candle.MaintenanceMargin != nil {
		base = *candle.MaintenanceMargin
	} else if rate, ok := e.config.MaintenanceMarginBySymbol[symbol]; ok {
		base = rate
	}
	if !e.config.MaintenanceVolMultiplier.IsZero() {
		base = base.Add(e.config.MaintenanceVolMultiplier.Mul(decimal.NewFromFloat(barVolatility(candle))))
	}
	return base
}

// checkLiquidation force-closes everything with a penalty when equity
// falls to the maintenance requirement. Capital is clamped at zero.
func (e *Engine) checkLiquidation(candle *types.Candle) {
	if len(e.positions) == 0 {
		return
	}

	required := decimal.Zero
	for _, sym := range e.symbolsInOrder() {
		pos := e.positions[sym]
		required = required.Add(pos.Notional(candle.Close).Mul(e.maintenanceRate(pos.Symbol, candle)))
	}
	if e.equity().GreaterThan(required) {
		return
	}

	e.logger.Warn("liquidation",
		zap.String("equity", e.equity().String()),
		zap.String("required", required.String()))

	for _, sym := range e.symbolsInOrder() {
		pos := e.positions[sym]
		penalty := pos.Notional(candle.Close).Mul(e.config.LiquidationPenaltyPct)
		e.reducePosition(pos, pos.Quantity, candle.Close, e.config.TakerFee, decimal.Zero, candle, types.ExitReasonLiquidation, penalty)
		e.eventsLog = append(e.eventsLog, types.EngineEvent{
			Type:      types.EventTypeLiquidation,
			Timestamp: barTime(candle),
			Symbol:    sym,
			Amount:    penalty,
			Detail:    "maintenance margin breached",
		})
	}
	e.liquidations++

	if e.capital.IsNegative() {
		e.capital = decimal.Zero
	}
}
