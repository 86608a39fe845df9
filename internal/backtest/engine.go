// Package backtest provides the bar-driven backtest execution engine.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/slippage"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/strategy"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine simulates order execution over a candle sequence. An engine
// instance is not safe for concurrent runs; run one backtest per
// instance.
type Engine struct {
	logger *zap.Logger
	config *types.BacktestConfig
	slip   slippage.Model

	// Run state, rebuilt by reset().
	capital       decimal.Decimal
	positions     map[string]*types.Position
	pending       []*types.Order
	trades        []types.Trade
	equityCurve   []types.EquityPoint
	drawdownCurve []float64
	eventsLog     []types.EngineEvent

	peakEquity      decimal.Decimal
	currentDrawdown float64
	maxDrawdown     float64
	ddBars          int
	maxDDBars       int
	barsInMarket    int

	fundingCandleCount  int
	fundingMinutesAccum float64
	fundingEvents       int
	liquidations        int

	totalCommission decimal.Decimal
	totalSlippage   decimal.Decimal
	totalFunding    decimal.Decimal

	dayStartEquity decimal.Decimal
	currentDay     time.Time

	prevOpenTime time.Time
	lastInterval float64
	haltRun      bool
}

// NewEngine creates a backtest engine. A nil slippage model means no
// slippage.
func NewEngine(logger *zap.Logger, config *types.BacktestConfig, slip slippage.Model) *Engine {
	if config == nil {
		config = types.DefaultBacktestConfig()
	}
	if slip == nil {
		slip = slippage.NewFixed(0)
	}
	return &Engine{
		logger: logger.Named("backtest"),
		config: config,
		slip:   slip,
	}
}

// reset rebuilds all run state so Run is idempotent.
func (e *Engine) reset() {
	e.capital = e.config.InitialCapital
	e.positions = make(map[string]*types.Position)
	e.pending = nil
	e.trades = nil
	e.equityCurve = nil
	e.drawdownCurve = nil
	e.eventsLog = nil
	e.peakEquity = e.config.InitialCapital
	e.currentDrawdown = 0
	e.maxDrawdown = 0
	e.ddBars = 0
	e.maxDDBars = 0
	e.barsInMarket = 0
	e.fundingCandleCount = 0
	e.fundingMinutesAccum = 0
	e.fundingEvents = 0
	e.liquidations = 0
	e.totalCommission = decimal.Zero
	e.totalSlippage = decimal.Zero
	e.totalFunding = decimal.Zero
	e.dayStartEquity = e.config.InitialCapital
	e.currentDay = time.Time{}
	e.prevOpenTime = time.Time{}
	e.lastInterval = 0
	e.haltRun = false
}

// Run executes the backtest over candles with the given strategy
// function. The strategy is called once per bar after housekeeping.
func (e *Engine) Run(ctx context.Context, candles []*types.Candle, fn strategy.Func, params map[string]float64) (*types.BacktestResult, error) {
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	e.reset()
	started := time.Now()

	// Zero candles still produce a well-formed result: no_trades status,
	// empty curves, zero metrics.
	if len(candles) == 0 {
		return e.buildResult(started), nil
	}

	e.logger.Info("starting backtest",
		zap.Int("candles", len(candles)),
		zap.String("initialCapital", e.config.InitialCapital.String()),
	)

	var lastBar *types.Candle
	for _, candle := range candles {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		e.processBar(candle, fn, params)
		lastBar = candle
		if e.haltRun {
			e.logger.Warn("max drawdown limit reached, stopping run",
				zap.Float64("drawdown", e.currentDrawdown))
			break
		}
	}

	if lastBar != nil {
		e.closeAllPositions(lastBar, types.ExitReasonEndOfData)
		e.cancelPending()
	}

	result := e.buildResult(started)
	e.logger.Info("backtest completed",
		zap.String("status", string(result.Status)),
		zap.Int("trades", result.Trades.Total),
		zap.Float64("totalReturnPct", result.Performance.TotalReturnPct),
	)
	return result, nil
}

// processBar runs the fixed per-bar sequence.
func (e *Engine) processBar(candle *types.Candle, fn strategy.Func, params map[string]float64) {
	interval := e.resolveInterval(candle)

	e.markToMarket(candle)
	e.applyProtections(candle)
	e.applyFunding(candle, interval)
	e.checkLiquidation(candle)
	e.processPendingOrders(candle)
	// Positions opened this bar get one protection pass against the
	// remainder of the bar's range.
	e.applyProtections(candle)

	if e.checkMaxDrawdown() {
		e.recordBar(candle)
		return
	}

	sig := fn(candle, e.strategyState(params))
	e.handleSignal(sig, candle)

	e.recordBar(candle)
}

// resolveInterval determines the bar's length in minutes.
func (e *Engine) resolveInterval(candle *types.Candle) float64 {
	interval := candle.IntervalMinutes
	if interval == 0 && !e.prevOpenTime.IsZero() && !candle.OpenTime.IsZero() {
		interval = candle.OpenTime.Sub(e.prevOpenTime).Minutes()
	}
	if interval == 0 && !candle.OpenTime.IsZero() && !candle.CloseTime.IsZero() {
		interval = candle.CloseTime.Sub(candle.OpenTime).Minutes()
	}
	if interval <= 0 {
		interval = e.lastInterval
	}
	if !candle.OpenTime.IsZero() {
		e.prevOpenTime = candle.OpenTime
	}
	if interval > 0 {
		e.lastInterval = interval
	}
	return interval
}

// markToMarket refreshes unrealized PnL and the MFE/MAE extremes.
func (e *Engine) markToMarket(candle *types.Candle) {
	for _, pos := range e.positions {
		pos.UnrealizedPnL = pos.PnLAt(candle.Close)
		if candle.High.GreaterThan(pos.PeakPrice) {
			pos.PeakPrice = candle.High
		}
		if pos.TroughPrice.IsZero() || candle.Low.LessThan(pos.TroughPrice) {
			pos.TroughPrice = candle.Low
		}
	}
}

// equity is capital plus the marked value of every open position
// (margin plus unrealized PnL).
func (e *Engine) equity() decimal.Decimal {
	eq := e.capital
	for _, pos := range e.positions {
		eq = eq.Add(pos.MarginUsed).Add(pos.UnrealizedPnL)
	}
	return eq
}

// strategyState builds the read-only view handed to the strategy.
func (e *Engine) strategyState(params map[string]float64) *strategy.State {
	var pos *types.Position
	for _, p := range e.positions {
		pos = p
		break
	}
	return &strategy.State{
		Position: pos,
		Capital:  e.capital,
		Equity:   e.equity(),
		Drawdown: e.currentDrawdown,
		Params:   params,
	}
}

// recordBar updates equity/drawdown curves and in-market time.
func (e *Engine) recordBar(candle *types.Candle) {
	if len(e.positions) > 0 {
		e.barsInMarket++
	}

	eq := e.equity()
	if eq.GreaterThan(e.peakEquity) {
		e.peakEquity = eq
		e.ddBars = 0
	} else {
		e.ddBars++
		if e.ddBars > e.maxDDBars {
			e.maxDDBars = e.ddBars
		}
	}

	dd := 0.0
	if e.peakEquity.IsPositive() {
		ddDec := e.peakEquity.Sub(eq).Div(e.peakEquity)
		dd, _ = ddDec.Float64()
	}
	if dd < 0 {
		dd = 0
	}
	if dd > 1 {
		dd = 1
	}
	e.currentDrawdown = dd
	if dd > e.maxDrawdown {
		e.maxDrawdown = dd
	}

	ts := candle.CloseTime
	if ts.IsZero() {
		ts = candle.OpenTime
	}
	e.equityCurve = append(e.equityCurve, types.EquityPoint{
		Timestamp: ts,
		Equity:    eq,
		Capital:   e.capital,
		Drawdown:  decimal.NewFromFloat(dd),
	})
	e.drawdownCurve = append(e.drawdownCurve, dd)

	// Daily loss gate bookkeeping keyed on the bar's UTC date.
	if !candle.OpenTime.IsZero() {
		day := candle.OpenTime.UTC().Truncate(24 * time.Hour)
		if !day.Equal(e.currentDay) {
			e.currentDay = day
			e.dayStartEquity = eq
		}
	}
}

// checkMaxDrawdown reports whether the hard drawdown limit is hit.
func (e *Engine) checkMaxDrawdown() bool {
	limit := e.config.MaxDrawdownLimit
	if limit.IsZero() {
		return false
	}
	lim, _ := limit.Float64()
	if e.currentDrawdown >= lim {
		e.haltRun = true
		return true
	}
	return false
}

// dailyLossBreached reports whether new opens are blocked by the daily
// loss limit.
func (e *Engine) dailyLossBreached() bool {
	limit := e.config.DailyLossLimit
	if limit.IsZero() || !e.dayStartEquity.IsPositive() {
		return false
	}
	loss := e.dayStartEquity.Sub(e.equity()).Div(e.dayStartEquity)
	return loss.GreaterThanOrEqual(limit)
}

// barVolatility estimates per-bar volatility as (high-low)/close.
func barVolatility(candle *types.Candle) float64 {
	if candle.Close.IsZero() {
		return 0
	}
	v, _ := candle.High.Sub(candle.Low).Div(candle.Close).Float64()
	if v < 0 {
		return 0
	}
	return v
}

// slipContext builds the slippage context for a bar.
func (e *Engine) slipContext(candle *types.Candle, orderType types.OrderType) *slippage.Context {
	ts := candle.CloseTime
	if ts.IsZero() {
		ts = candle.OpenTime
	}
	return &slippage.Context{
		Volume:     candle.Volume,
		Volatility: barVolatility(candle),
		Timestamp:  ts,
		OrderType:  orderType,
	}
}
