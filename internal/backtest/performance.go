package backtest

import (
	"math"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	ratioClamp      = 25.0
	calmarClamp     = 50.0
	profitFactorCap = 100.0
	stdEpsilon      = 1e-9
)

// buildResult assembles the full result record. The result is always
// well formed, even for zero-candle runs.
func (e *Engine) buildResult(started time.Time) *types.BacktestResult {
	finalCapital := e.capital
	initial := e.config.InitialCapital

	netProfit := finalCapital.Sub(initial)
	totalReturn := 0.0
	if initial.IsPositive() {
		totalReturn, _ = netProfit.Div(initial).Float64()
	}

	penalties := decimal.Zero
	for _, t := range e.trades {
		penalties = penalties.Add(t.LiquidationPenalty)
	}
	grossProfit := netProfit.Add(e.totalCommission).Add(e.totalFunding).Add(penalties)

	returns := e.barReturns()
	periods := e.config.PeriodsPerYear
	if periods <= 0 {
		periods = 365 * 24
	}

	timeInMarket := 0.0
	if len(e.equityCurve) > 0 {
		timeInMarket = float64(e.barsInMarket) / float64(len(e.equityCurve)) * 100
	}

	result := &types.BacktestResult{
		Config: e.config,
		Performance: types.PerformanceReport{
			FinalCapital:    finalCapital,
			TotalReturnPct:  totalReturn * 100,
			NetProfit:       netProfit,
			GrossProfit:     grossProfit,
			SharpeRatio:     sharpe(returns, periods),
			SortinoRatio:    sortino(returns, periods),
			CalmarRatio:     calmar(totalReturn, e.maxDrawdown),
			MaxDrawdownPct:  e.maxDrawdown * 100,
			MaxDrawdownBars: e.maxDDBars,
			TimeInMarketPct: timeInMarket,
			ProfitFactor:    profitFactor(e.trades),
		},
		Events: types.EventReport{
			Liquidations:  e.liquidations,
			FundingEvents: e.fundingEvents,
			Log:           e.eventsLog,
		},
		Trades:          tradeReport(e.trades),
		Costs:           e.costReport(),
		EquityCurve:     e.equityCurve,
		DrawdownCurve:   e.drawdownCurve,
		AllTrades:       e.trades,
		DurationSeconds: time.Since(started).Seconds(),
		StartedAt:       started,
		CompletedAt:     time.Now(),
		Status:          types.BacktestStatusCompleted,
	}
	if len(e.trades) == 0 {
		result.Status = types.BacktestStatusNoTrades
	}
	return result
}

// barReturns computes per-bar simple returns from the equity curve.
func (e *Engine) barReturns() []float64 {
	if len(e.equityCurve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(e.equityCurve)-1)
	for i := 1; i < len(e.equityCurve); i++ {
		prev, _ := e.equityCurve[i-1].Equity.Float64()
		cur, _ := e.equityCurve[i].Equity.Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, cur/prev-1)
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)))
}

func clamp(v, bound float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// sharpe annualises the per-bar mean/std ratio.
func sharpe(returns []float64, periodsPerYear float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	std := stdDev(returns)
	if std < stdEpsilon {
		return 0
	}
	return clamp(mean(returns)/std*math.Sqrt(periodsPerYear), ratioClamp)
}

// sortino uses the TradingView downside deviation over all samples.
func sortino(returns []float64, periodsPerYear float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	downside := math.Sqrt(sum / float64(len(returns)))
	if downside < stdEpsilon {
		return 0
	}
	return clamp(mean(returns)/downside*math.Sqrt(periodsPerYear), ratioClamp)
}

func calmar(totalReturn, maxDrawdown float64) float64 {
	if maxDrawdown == 0 {
		return 0
	}
	return clamp(totalReturn/maxDrawdown, calmarClamp)
}

// profitFactor compares gross winners to gross losers, where gross
// adds execution costs back onto the recorded PnL.
func profitFactor(trades []types.Trade) float64 {
	wins, losses := 0.0, 0.0
	for _, t := range trades {
		gross, _ := t.PnL.Add(t.Commission).Add(t.FundingFees).Add(t.LiquidationPenalty).Float64()
		if gross > 0 {
			wins += gross
		} else {
			losses -= gross
		}
	}
	if losses == 0 {
		if wins > 0 {
			return profitFactorCap
		}
		return 0
	}
	pf := wins / losses
	if pf > profitFactorCap {
		return profitFactorCap
	}
	return pf
}

// tradeReport aggregates the trade ledger.
func tradeReport(trades []types.Trade) types.TradeReport {
	report := types.TradeReport{Total: len(trades)}
	if len(trades) == 0 {
		return report
	}

	sum := decimal.Zero
	winSum := decimal.Zero
	lossSum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.PnL)
		if t.PnL.IsPositive() {
			report.Winning++
			winSum = winSum.Add(t.PnL)
		} else {
			report.Losing++
			lossSum = lossSum.Add(t.PnL)
		}
	}

	n := decimal.NewFromInt(int64(len(trades)))
	report.WinRate = float64(report.Winning) / float64(len(trades)) * 100
	report.AvgTrade = sum.Div(n)
	if report.Winning > 0 {
		report.AvgWin = winSum.Div(decimal.NewFromInt(int64(report.Winning)))
	}
	if report.Losing > 0 {
		report.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(report.Losing)))
	}

	winRate := decimal.NewFromFloat(report.WinRate / 100)
	lossRate := decimal.NewFromInt(1).Sub(winRate)
	report.Expectancy = winRate.Mul(report.AvgWin).Add(lossRate.Mul(report.AvgLoss))
	return report
}

// costReport sums execution costs relative to starting capital.
func (e *Engine) costReport() types.CostReport {
	report := types.CostReport{
		TotalCommission: e.totalCommission,
		TotalSlippage:   e.totalSlippage,
		TotalFunding:    e.totalFunding,
	}
	if e.config.InitialCapital.IsPositive() {
		total := e.totalCommission.Add(e.totalSlippage).Add(e.totalFunding)
		ratio, _ := total.Div(e.config.InitialCapital).Float64()
		report.CostRatioPct = ratio * 100
	}
	return report
}
