package backtest

import (
	"time"

	"github.com/google/uuid"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// handleSignal turns a strategy signal into a pending order. Bad
// signals never abort the run; they are logged and ignored.
func (e *Engine) handleSignal(sig *types.Signal, candle *types.Candle) {
	if sig == nil || sig.Action == types.SignalActionHold {
		return
	}

	switch sig.Action {
	case types.SignalActionClose:
		e.submitClose(sig, candle)
	case types.SignalActionBuy, types.SignalActionLong, types.SignalActionSell, types.SignalActionShort:
		e.submitOpen(sig, candle)
	default:
		e.logger.Warn("ignoring unrecognized signal action", zap.String("action", string(sig.Action)))
	}
}

// submitClose queues a reduce-only market order against the open
// position. Missing quantity closes the full position.
func (e *Engine) submitClose(sig *types.Signal, candle *types.Candle) {
	symbol := sig.Symbol
	if symbol == "" {
		symbol = candle.Symbol
	}
	pos := e.findPosition(symbol)
	if pos == nil {
		e.logger.Debug("close signal with no open position", zap.String("symbol", symbol))
		return
	}

	qty := sig.Quantity
	if qty.IsZero() || qty.GreaterThan(pos.Quantity) {
		qty = pos.Quantity
	}
	side := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		side = types.OrderSideBuy
	}
	e.pending = append(e.pending, &types.Order{
		ID:         uuid.New().String(),
		Symbol:     pos.Symbol,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
		ExitReason: types.ExitReasonRegular,
		Status:     types.OrderStatusPending,
		CreatedAt:  barTime(candle),
		UpdatedAt:  barTime(candle),
	})
}

// submitOpen queues an entry order after the risk gates and margin
// pre-check pass.
func (e *Engine) submitOpen(sig *types.Signal, candle *types.Candle) {
	symbol := sig.Symbol
	if symbol == "" {
		symbol = candle.Symbol
	}

	// Gates block new positions only; adding to an existing position
	// on the same side is an extension, not a new open.
	existing := e.findPosition(symbol)
	opensNew := existing == nil
	if opensNew && len(e.positions) >= e.config.PositionLimit {
		e.logger.Debug("position limit blocks open", zap.Int("limit", e.config.PositionLimit))
		return
	}
	if e.dailyLossBreached() {
		e.logger.Debug("daily loss limit blocks open")
		return
	}

	side := types.OrderSideBuy
	if sig.PositionSide() == types.PositionSideShort {
		side = types.OrderSideSell
	}

	qty := sig.Quantity
	if qty.IsZero() {
		qty = e.defaultQuantity(candle.Close)
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		e.logger.Debug("zero sized open signal dropped")
		return
	}

	// Margin pre-check at the signal bar's close.
	notional := qty.Mul(candle.Close)
	if e.capital.LessThan(notional.Div(e.config.Leverage)) {
		e.logger.Debug("margin pre-check blocks open",
			zap.String("capital", e.capital.String()),
			zap.String("notional", notional.String()))
		return
	}

	orderType := sig.OrderType
	if orderType == "" {
		switch {
		case !sig.TriggerPrice.IsZero() && !sig.Price.IsZero():
			orderType = types.OrderTypeStopLimit
		case !sig.TriggerPrice.IsZero():
			orderType = types.OrderTypeStopMarket
		case !sig.Price.IsZero():
			orderType = types.OrderTypeLimit
		default:
			orderType = types.OrderTypeMarket
		}
	}

	e.pending = append(e.pending, &types.Order{
		ID:              uuid.New().String(),
		Symbol:          symbol,
		Side:            side,
		Type:            orderType,
		Quantity:        qty,
		Price:           sig.Price,
		TriggerPrice:    sig.TriggerPrice,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		TrailingStopPct: sig.TrailingStopPct,
		Status:          types.OrderStatusPending,
		CreatedAt:       barTime(candle),
		UpdatedAt:       barTime(candle),
	})
}

// defaultQuantity sizes an open from available margin and leverage.
func (e *Engine) defaultQuantity(price decimal.Decimal) decimal.Decimal {
	if price.IsZero() || !e.capital.IsPositive() {
		return decimal.Zero
	}
	availableMargin := e.capital.Mul(e.config.MaxPositionSize)
	return availableMargin.Mul(e.config.Leverage).Div(price)
}

// processPendingOrders tries to fill every queued order on the bar.
func (e *Engine) processPendingOrders(candle *types.Candle) {
	remaining := e.pending[:0]
	for _, order := range e.pending {
		done := e.tryFill(order, candle)
		if !done {
			remaining = append(remaining, order)
		}
	}
	e.pending = remaining
}

// tryFill attempts a fill and reports whether the order left the queue.
func (e *Engine) tryFill(order *types.Order, candle *types.Candle) bool {
	switch order.Type {
	case types.OrderTypeMarket:
		return e.fillMarket(order, candle)
	case types.OrderTypeLimit:
		return e.fillLimit(order, candle)
	case types.OrderTypeStopMarket, types.OrderTypeStopLimit:
		return e.fillStop(order, candle)
	default:
		e.logger.Warn("cancelling order of unsupported type", zap.String("type", string(order.Type)))
		order.Status = types.OrderStatusCancelled
		return true
	}
}

// fillMarket fills at the slippage-adjusted bar price, partially under
// the realistic fill model when the order dominates the bar's volume.
func (e *Engine) fillMarket(order *types.Order, candle *types.Candle) bool {
	base := candle.Open
	if base.IsZero() {
		base = candle.Close
	}
	if e.config.FillModel == types.FillModelPessimistic {
		if order.Side == types.OrderSideBuy {
			base = candle.High
		} else {
			base = candle.Low
		}
	}
	if base.IsZero() {
		return false
	}

	fillQty := order.Quantity.Sub(order.FilledQty)
	if e.config.FillModel == types.FillModelRealistic && e.config.PartialFills && !order.ReduceOnly {
		maxPart := e.config.MaxBarParticipation
		if maxPart.IsZero() {
			maxPart = decimal.NewFromFloat(0.1)
		}
		limit := candle.Volume.Mul(maxPart)
		if limit.IsPositive() && fillQty.GreaterThan(limit) {
			fillQty = limit
		}
	}
	if fillQty.LessThanOrEqual(decimal.Zero) {
		order.Status = types.OrderStatusCancelled
		return true
	}

	res := e.slip.Calculate(base, fillQty, order.Side, e.slipContext(candle, order.Type))
	e.applyFill(order, fillQty, res.ExecutionPrice, res.Amount, candle, order.ExitReason, decimal.Zero)

	order.FilledQty = order.FilledQty.Add(fillQty)
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = types.OrderStatusFilled
		now := barTime(candle)
		order.FilledAt = &now
		return true
	}
	order.Status = types.OrderStatusPartial
	return false
}

// fillLimit fills once the bar touches the limit price. An order priced
// through the market fills at the bar's open instead, so the fill never
// lands outside the bar's [low, high].
func (e *Engine) fillLimit(order *types.Order, candle *types.Candle) bool {
	open := candle.Open
	if open.IsZero() {
		open = candle.Close
	}

	touched := false
	price := order.Price
	if order.Side == types.OrderSideBuy {
		touched = candle.Low.LessThanOrEqual(order.Price)
		if open.LessThan(price) {
			price = open
		}
	} else {
		touched = candle.High.GreaterThanOrEqual(order.Price)
		if open.GreaterThan(price) {
			price = open
		}
	}
	if !touched {
		return false
	}

	qty := order.Quantity.Sub(order.FilledQty)
	e.applyFill(order, qty, price, decimal.Zero, candle, order.ExitReason, decimal.Zero)
	order.FilledQty = order.Quantity
	order.Status = types.OrderStatusFilled
	now := barTime(candle)
	order.FilledAt = &now
	return true
}

// fillStop triggers when the bar crosses the stop price. Stop-market
// fills at trigger plus the slippage amount; stop-limit at its limit.
// A bar that gaps through the trigger fills from its open.
func (e *Engine) fillStop(order *types.Order, candle *types.Candle) bool {
	open := candle.Open
	if open.IsZero() {
		open = candle.Close
	}

	triggered := false
	base := order.TriggerPrice
	if order.Side == types.OrderSideBuy {
		triggered = candle.High.GreaterThanOrEqual(order.TriggerPrice)
		if open.GreaterThan(base) {
			base = open
		}
	} else {
		triggered = candle.Low.LessThanOrEqual(order.TriggerPrice)
		if open.LessThan(base) {
			base = open
		}
	}
	if !triggered {
		return false
	}

	qty := order.Quantity.Sub(order.FilledQty)
	var price, slipAmount decimal.Decimal
	if order.Type == types.OrderTypeStopLimit {
		price = order.Price
	} else {
		res := e.slip.Calculate(base, qty, order.Side, e.slipContext(candle, order.Type))
		price = res.ExecutionPrice
		slipAmount = res.Amount
	}
	e.applyFill(order, qty, price, slipAmount, candle, order.ExitReason, decimal.Zero)
	order.FilledQty = order.Quantity
	order.Status = types.OrderStatusFilled
	now := barTime(candle)
	order.FilledAt = &now
	return true
}

// feeRate picks maker or taker per order type.
func (e *Engine) feeRate(orderType types.OrderType) decimal.Decimal {
	switch orderType {
	case types.OrderTypeLimit, types.OrderTypeStopLimit:
		return e.config.MakerFee
	default:
		return e.config.TakerFee
	}
}

// applyFill routes a fill into entry or reduction arithmetic.
func (e *Engine) applyFill(order *types.Order, qty, price, slipAmount decimal.Decimal, candle *types.Candle, reason types.ExitReason, extraCost decimal.Decimal) {
	pos := e.findPosition(order.Symbol)
	fee := e.feeRate(order.Type)
	slipCost := slipAmount.Abs().Mul(qty)

	reduces := order.ReduceOnly
	if pos != nil && !reduces {
		sameSide := (order.Side == types.OrderSideBuy && pos.Side == types.PositionSideLong) ||
			(order.Side == types.OrderSideSell && pos.Side == types.PositionSideShort)
		reduces = !sameSide
	}

	if reduces {
		if pos == nil {
			e.logger.Debug("reduce fill with no position, dropping", zap.String("order", order.ID))
			order.Status = types.OrderStatusCancelled
			return
		}
		if reason == "" {
			reason = types.ExitReasonRegular
		}
		e.reducePosition(pos, qty, price, fee, slipCost, candle, reason, extraCost)
		order.Commission = order.Commission.Add(price.Mul(qty).Mul(fee))
		order.Slippage = order.Slippage.Add(slipCost)
		order.AvgFillPrice = price
		return
	}

	e.enterPosition(order, qty, price, fee, slipCost, candle)
}

// enterPosition opens or averages into a position.
func (e *Engine) enterPosition(order *types.Order, qty, price, fee, slipCost decimal.Decimal, candle *types.Candle) {
	notional := price.Mul(qty)
	margin := notional.Div(e.config.Leverage)
	commission := notional.Mul(fee)
	required := margin.Add(commission)

	// Scale the fill down when free capital cannot carry it in full.
	if e.capital.LessThan(required) {
		if !required.IsPositive() || !e.capital.IsPositive() {
			return
		}
		ratio := e.capital.Div(required)
		qty = qty.Mul(ratio)
		notional = price.Mul(qty)
		margin = notional.Div(e.config.Leverage)
		commission = notional.Mul(fee)
		e.logger.Debug("entry scaled to available capital", zap.String("qty", qty.String()))
		if qty.LessThanOrEqual(decimal.Zero) {
			return
		}
	}

	e.capital = e.capital.Sub(margin).Sub(commission)
	e.totalCommission = e.totalCommission.Add(commission)
	e.totalSlippage = e.totalSlippage.Add(slipCost)

	order.Commission = order.Commission.Add(commission)
	order.Slippage = order.Slippage.Add(slipCost)
	order.AvgFillPrice = price

	pos := e.findPosition(order.Symbol)
	if pos == nil {
		side := types.PositionSideLong
		if order.Side == types.OrderSideSell {
			side = types.PositionSideShort
		}
		pos = &types.Position{
			Symbol:      order.Symbol,
			Side:        side,
			EntryPrice:  price,
			Leverage:    e.config.Leverage,
			PeakPrice:   candle.High,
			TroughPrice: candle.Low,
			OpenedAt:    barTime(candle),
		}
		e.positions[order.Symbol] = pos
	} else {
		// Average-entry update.
		total := pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(qty))
		pos.EntryPrice = total.Div(pos.Quantity.Add(qty))
	}

	pos.Quantity = pos.Quantity.Add(qty)
	pos.MarginUsed = pos.MarginUsed.Add(margin)
	pos.EntryCommissionTotal = pos.EntryCommissionTotal.Add(commission)
	pos.EntrySlippageTotal = pos.EntrySlippageTotal.Add(slipCost)
	pos.UnrealizedPnL = pos.PnLAt(candle.Close)

	if !order.StopLoss.IsZero() {
		pos.StopLossPrice = order.StopLoss
	}
	if !order.TakeProfit.IsZero() {
		pos.TakeProfitPrice = order.TakeProfit
	}
	if !order.TrailingStopPct.IsZero() {
		pos.TrailingStopPct = order.TrailingStopPct
	}
}

// reducePosition closes part or all of a position and records the
// trade. Proportional shares of margin, entry commission, entry
// slippage and funding are released with the closed quantity.
func (e *Engine) reducePosition(pos *types.Position, qty, price, fee, exitSlip decimal.Decimal, candle *types.Candle, reason types.ExitReason, extraCost decimal.Decimal) {
	if qty.GreaterThan(pos.Quantity) {
		qty = pos.Quantity
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	rawPnl := price.Sub(pos.EntryPrice).Mul(qty)
	if pos.Side == types.PositionSideShort {
		rawPnl = rawPnl.Neg()
	}

	prop := qty.Div(pos.Quantity)
	releasedMargin := pos.MarginUsed.Mul(prop)
	releasedComm := pos.EntryCommissionTotal.Mul(prop)
	releasedSlip := pos.EntrySlippageTotal.Mul(prop)
	allocFunding := pos.FundingPaid.Mul(prop)

	exitNotional := price.Mul(qty)
	exitComm := exitNotional.Mul(fee)

	tradePnl := rawPnl.Sub(exitComm).Sub(releasedComm).Sub(allocFunding).Sub(extraCost)

	e.capital = e.capital.Add(releasedMargin).Add(rawPnl).Sub(exitComm).Sub(extraCost)
	e.totalCommission = e.totalCommission.Add(exitComm)
	e.totalSlippage = e.totalSlippage.Add(exitSlip)

	mfe, mae := excursions(pos)

	exitTime := barTime(candle)
	trade := types.Trade{
		ID:                    uuid.New().String(),
		Symbol:                pos.Symbol,
		Side:                  pos.Side,
		EntryPrice:            pos.EntryPrice,
		ExitPrice:             price,
		Quantity:              qty,
		EntryTime:             pos.OpenedAt,
		ExitTime:              exitTime,
		DurationSeconds:       exitTime.Sub(pos.OpenedAt).Seconds(),
		PnL:                   tradePnl,
		Commission:            exitComm.Add(releasedComm),
		Slippage:              exitSlip.Add(releasedSlip),
		FundingFees:           allocFunding,
		LiquidationPenalty:    extraCost,
		Reason:                reason,
		MaxFavorableExcursion: mfe,
		MaxAdverseExcursion:   mae,
	}
	if releasedMargin.IsPositive() {
		trade.PnLPct = tradePnl.Div(releasedMargin).Mul(decimal.NewFromInt(100))
	}
	e.trades = append(e.trades, trade)

	pos.Quantity = pos.Quantity.Sub(qty)
	pos.MarginUsed = pos.MarginUsed.Sub(releasedMargin)
	pos.EntryCommissionTotal = pos.EntryCommissionTotal.Sub(releasedComm)
	pos.EntrySlippageTotal = pos.EntrySlippageTotal.Sub(releasedSlip)
	pos.FundingPaid = pos.FundingPaid.Sub(allocFunding)
	pos.RealizedPnL = pos.RealizedPnL.Add(tradePnl)
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(e.positions, pos.Symbol)
	} else {
		pos.UnrealizedPnL = pos.PnLAt(candle.Close)
	}
}

// excursions derives MFE/MAE percentages from the running extremes.
func excursions(pos *types.Position) (mfe, mae decimal.Decimal) {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	up := pos.PeakPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(hundred)
	down := pos.EntryPrice.Sub(pos.TroughPrice).Div(pos.EntryPrice).Mul(hundred)
	if pos.Side == types.PositionSideLong {
		mfe, mae = up, down
	} else {
		mfe, mae = down, up
	}
	if mfe.IsNegative() {
		mfe = decimal.Zero
	}
	if mae.IsNegative() {
		mae = decimal.Zero
	}
	return mfe, mae
}

// closeAllPositions force-closes everything at the bar's close.
func (e *Engine) closeAllPositions(candle *types.Candle, reason types.ExitReason) {
	for _, pos := range e.symbolsInOrder() {
		p := e.positions[pos]
		side := types.OrderSideSell
		if p.Side == types.PositionSideShort {
			side = types.OrderSideBuy
		}
		res := e.slip.Calculate(candle.Close, p.Quantity, side, e.slipContext(candle, types.OrderTypeMarket))
		e.reducePosition(p, p.Quantity, res.ExecutionPrice, e.config.TakerFee, res.Amount.Abs().Mul(p.Quantity), candle, reason, decimal.Zero)
	}
}

// cancelPending expires the order queue at end of data.
func (e *Engine) cancelPending() {
	for _, order := range e.pending {
		order.Status = types.OrderStatusCancelled
	}
	e.pending = nil
}

// findPosition returns the open position for symbol, or nil.
func (e *Engine) findPosition(symbol string) *types.Position {
	return e.positions[symbol]
}

// symbolsInOrder returns position symbols sorted for deterministic
// iteration.
func (e *Engine) symbolsInOrder() []string {
	out := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		out = append(out, sym)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func barTime(candle *types.Candle) time.Time {
	if !candle.CloseTime.IsZero() {
		return candle.CloseTime
	}
	return candle.OpenTime
}
