package portfolio

import (
	"fmt"
	"math"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"go.uber.org/zap"
)

// RebalanceFrequency schedules portfolio rebalancing
type RebalanceFrequency string

const (
	RebalanceDaily     RebalanceFrequency = "DAILY"
	RebalanceWeekly    RebalanceFrequency = "WEEKLY"
	RebalanceMonthly   RebalanceFrequency = "MONTHLY"
	RebalanceQuarterly RebalanceFrequency = "QUARTERLY"
	RebalanceThreshold RebalanceFrequency = "THRESHOLD"
	RebalanceNever     RebalanceFrequency = "NEVER"
)

// rebalanceIntervalBars maps periodic frequencies onto bar counts.
var rebalanceIntervalBars = map[RebalanceFrequency]int{
	RebalanceDaily:     1,
	RebalanceWeekly:    7,
	RebalanceMonthly:   30,
	RebalanceQuarterly: 90,
}

// RebalanceConfig parameterises the rebalancing policy.
type RebalanceConfig struct {
	Frequency    RebalanceFrequency `json:"frequency"`
	Threshold    float64            `json:"threshold"`
	MinTradeSize float64            `json:"minTradeSize"`
	Cost         float64            `json:"cost"`
}

// DefaultRebalanceConfig rebalances monthly at 7 bps.
func DefaultRebalanceConfig() RebalanceConfig {
	return RebalanceConfig{
		Frequency:    RebalanceMonthly,
		Threshold:    0.05,
		MinTradeSize: 1,
		Cost:         0.0007,
	}
}

// RebalanceTrade is one leg of a rebalance.
type RebalanceTrade struct {
	Symbol   string  `json:"symbol"`
	Notional float64 `json:"notional"`
	Quantity float64 `json:"quantity"`
	Cost     float64 `json:"cost"`
}

// RebalanceEvent records one rebalance with before/after weights.
type RebalanceEvent struct {
	BarIndex int                `json:"barIndex"`
	Before   map[string]float64 `json:"before"`
	After    map[string]float64 `json:"after"`
	Trades   []RebalanceTrade   `json:"trades"`
	Cost     float64            `json:"cost"`
}

// Result is the portfolio backtest outcome.
type Result struct {
	InitialCapital       float64              `json:"initialCapital"`
	FinalValue           float64              `json:"finalValue"`
	TotalReturnPct       float64              `json:"totalReturnPct"`
	TargetWeights        map[string]float64   `json:"targetWeights"`
	FinalWeights         map[string]float64   `json:"finalWeights"`
	ValueCurve           []float64            `json:"valueCurve"`
	WeightHistory        []map[string]float64 `json:"weightHistory"`
	RebalanceEvents      []RebalanceEvent     `json:"rebalanceEvents"`
	DiversificationRatio float64              `json:"diversificationRatio"`
	Concentration        float64              `json:"concentration"`
	Turnover             float64              `json:"turnover"`
	Correlation          *CorrelationReport   `json:"correlation,omitempty"`
}

// Backtester runs multi-asset portfolio simulations. One Run per
// invocation, strictly sequential.
type Backtester struct {
	logger         *zap.Logger
	initialCapital float64
}

// NewBacktester creates a portfolio backtester.
func NewBacktester(logger *zap.Logger, initialCapital float64) *Backtester {
	return &Backtester{
		logger:         logger.Named("portfolio"),
		initialCapital: initialCapital,
	}
}

// Run simulates the portfolio over aligned candle series.
func (b *Backtester) Run(assetData map[string][]*types.Candle, alloc AllocationConfig, rebal RebalanceConfig) (*Result, error) {
	if len(assetData) == 0 {
		return nil, types.ErrNoCandles
	}

	prices := make(map[string][]float64, len(assetData))
	length := -1
	for symbol, candles := range assetData {
		if length == -1 {
			length = len(candles)
		} else if len(candles) != length {
			return nil, fmt.Errorf("%w: %s has %d bars, want %d", types.ErrMisalignedData, symbol, len(candles), length)
		}
		series := make([]float64, len(candles))
		for i, c := range candles {
			series[i], _ = c.Close.Float64()
			if series[i] <= 0 {
				return nil, fmt.Errorf("non-positive price for %s at bar %d", symbol, i)
			}
		}
		prices[symbol] = series
	}
	if length == 0 {
		return nil, types.ErrNoCandles
	}

	symbols := sortedSymbols(prices)
	returns := make(map[string][]float64, len(symbols))
	for _, s := range symbols {
		returns[s] = priceReturns(prices[s])
	}

	targets := computeWeights(symbols, returns, prices, alloc)
	targets = normalize(targets, symbols)

	b.logger.Info("portfolio run",
		zap.Int("assets", len(symbols)),
		zap.Int("bars", length),
		zap.String("method", string(alloc.Method)))

	// Initial deployment at the first bar, net of commission.
	cash := b.initialCapital
	holdings := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		spend := b.initialCapital * targets[s]
		commission := spend * rebal.Cost
		holdings[s] = (spend - commission) / prices[s][0]
		cash -= spend
	}

	result := &Result{
		InitialCapital: b.initialCapital,
		TargetWeights:  targets,
	}
	totalTraded := 0.0
	barsSinceRebalance := 0

	for i := 0; i < length; i++ {
		value := cash
		for _, s := range symbols {
			value += holdings[s] * prices[s][i]
		}

		weights := make(map[string]float64, len(symbols))
		if value > 0 {
			for _, s := range symbols {
				weights[s] = holdings[s] * prices[s][i] / value
			}
		}
		result.ValueCurve = append(result.ValueCurve, value)
		result.WeightHistory = append(result.WeightHistory, weights)

		barsSinceRebalance++
		if i > 0 && b.shouldRebalance(rebal, barsSinceRebalance, weights, targets) {
			event, traded := b.rebalance(i, symbols, prices, holdings, &cash, value, weights, targets, rebal)
			if len(event.Trades) > 0 {
				result.RebalanceEvents = append(result.RebalanceEvents, event)
				totalTraded += traded
			}
			barsSinceRebalance = 0
		}
	}

	final := result.ValueCurve[len(result.ValueCurve)-1]
	result.FinalValue = final
	if b.initialCapital > 0 {
		result.TotalReturnPct = (final/b.initialCapital - 1) * 100
	}
	result.FinalWeights = result.WeightHistory[len(result.WeightHistory)-1]
	result.Concentration = herfindahl(result.FinalWeights)
	result.DiversificationRatio = diversificationRatio(symbols, targets, returns)
	if b.initialCapital > 0 && length > 0 {
		result.Turnover = totalTraded / (b.initialCapital * float64(length) / 365)
	}
	result.Correlation = Correlate(symbols, returns, 20)

	return result, nil
}

// shouldRebalance applies the periodic or threshold trigger.
func (b *Backtester) shouldRebalance(cfg RebalanceConfig, barsSince int, weights, targets map[string]float64) bool {
	switch cfg.Frequency {
	case RebalanceNever, "":
		return false
	case RebalanceThreshold:
		for s, target := range targets {
			if math.Abs(weights[s]-target) > cfg.Threshold {
				return true
			}
		}
		return false
	default:
		interval, ok := rebalanceIntervalBars[cfg.Frequency]
		if !ok {
			return false
		}
		return barsSince >= interval
	}
}

// rebalance trades every symbol back to its target notional, skipping
// legs below the minimum trade size.
func (b *Backtester) rebalance(barIndex int, symbols []string, prices map[string][]float64, holdings map[string]float64, cash *float64, value float64, weights, targets map[string]float64, cfg RebalanceConfig) (RebalanceEvent, float64) {
	event := RebalanceEvent{
		BarIndex: barIndex,
		Before:   copyWeights(weights),
	}
	traded := 0.0

	for _, s := range symbols {
		price := prices[s][barIndex]
		targetNotional := value * targets[s]
		currentNotional := holdings[s] * price
		diff := targetNotional - currentNotional
		if math.Abs(diff) < cfg.MinTradeSize {
			continue
		}

		cost := math.Abs(diff) * cfg.Cost
		holdings[s] += diff / price
		*cash -= diff + cost
		traded += math.Abs(diff)

		event.Trades = append(event.Trades, RebalanceTrade{
			Symbol:   s,
			Notional: diff,
			Quantity: diff / price,
			Cost:     cost,
		})
		event.Cost += cost
	}

	after := make(map[string]float64, len(symbols))
	newValue := *cash
	for _, s := range symbols {
		newValue += holdings[s] * prices[s][barIndex]
	}
	if newValue > 0 {
		for _, s := range symbols {
			after[s] = holdings[s] * prices[s][barIndex] / newValue
		}
	}
	event.After = after

	if len(event.Trades) > 0 {
		b.logger.Debug("rebalanced",
			zap.Int("bar", barIndex),
			zap.Int("trades", len(event.Trades)),
			zap.Float64("cost", event.Cost))
	}
	return event, traded
}

// diversificationRatio is weighted average vol over portfolio vol.
func diversificationRatio(symbols []string, weights map[string]float64, returns map[string][]float64) float64 {
	cov, ok := covMatrix(symbols, returns)
	if !ok {
		return 0
	}
	w := make([]float64, len(symbols))
	weightedVol := 0.0
	for i, s := range symbols {
		w[i] = weights[s]
		weightedVol += w[i] * math.Sqrt(cov[i][i])
	}
	portfolioVar := dot(w, matVec(cov, w))
	if portfolioVar <= 0 {
		return 0
	}
	return weightedVol / math.Sqrt(portfolioVar)
}

// herfindahl measures concentration as the sum of squared weights.
func herfindahl(weights map[string]float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w * w
	}
	return sum
}

func priceReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

func copyWeights(weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for s, w := range weights {
		out[s] = w
	}
	return out
}
