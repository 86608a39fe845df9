// Package strategy defines the strategy contract, the rolling candle
// buffer and the indicator helpers computed from it.
package strategy

import (
	"math"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
)

// DefaultMaxCandles bounds the rolling buffer.
const DefaultMaxCandles = 500

// Buffer is a rolling window of closed candles. Indicators are computed
// on demand from the window; there is no persistent indicator state.
type Buffer struct {
	candles []*types.Candle
	max     int
}

// NewBuffer creates a buffer holding at most max candles (0 means the
// default of 500).
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxCandles
	}
	return &Buffer{candles: make([]*types.Candle, 0, max), max: max}
}

// Add appends a candle, evicting the oldest when full.
func (b *Buffer) Add(c *types.Candle) {
	if len(b.candles) == b.max {
		copy(b.candles, b.candles[1:])
		b.candles[len(b.candles)-1] = c
		return
	}
	b.candles = append(b.candles, c)
}

// Len returns the number of buffered candles.
func (b *Buffer) Len() int { return len(b.candles) }

// Last returns the most recent candle, or nil when empty.
func (b *Buffer) Last() *types.Candle {
	if len(b.candles) == 0 {
		return nil
	}
	return b.candles[len(b.candles)-1]
}

// Closes returns the close prices of the most recent n candles as
// float64, oldest first. n <= 0 returns the whole window.
func (b *Buffer) Closes(n int) []float64 {
	if n <= 0 || n > len(b.candles) {
		n = len(b.candles)
	}
	out := make([]float64, n)
	start := len(b.candles) - n
	for i := 0; i < n; i++ {
		out[i], _ = b.candles[start+i].Close.Float64()
	}
	return out
}

// SMA returns the simple moving average of closes over period, or
// (0, false) when the buffer is too short.
func (b *Buffer) SMA(period int) (float64, bool) {
	if period <= 0 || len(b.candles) < period {
		return 0, false
	}
	sum := 0.0
	for _, c := range b.Closes(period) {
		sum += c
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average of closes over period,
// seeded with the SMA of the first period values.
func (b *Buffer) EMA(period int) (float64, bool) {
	if period <= 0 || len(b.candles) < period {
		return 0, false
	}
	closes := b.Closes(0)
	seed := 0.0
	for _, c := range closes[:period] {
		seed += c
	}
	ema := seed / float64(period)
	k := 2.0 / (float64(period) + 1)
	for _, c := range closes[period:] {
		ema = c*k + ema*(1-k)
	}
	return ema, true
}

// RSI returns the Wilder relative strength index over period.
func (b *Buffer) RSI(period int) (float64, bool) {
	if period <= 0 || len(b.candles) < period+1 {
		return 0, false
	}
	closes := b.Closes(period + 1)
	gains, losses := 0.0, 0.0
	for i := 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// Bollinger returns the middle/upper/lower bands for period and stdDev
// multiplier.
func (b *Buffer) Bollinger(period int, stdDev float64) (middle, upper, lower float64, ok bool) {
	mid, ok := b.SMA(period)
	if !ok {
		return 0, 0, 0, false
	}
	closes := b.Closes(period)
	variance := 0.0
	for _, c := range closes {
		variance += (c - mid) * (c - mid)
	}
	sd := math.Sqrt(variance / float64(period))
	return mid, mid + stdDev*sd, mid - stdDev*sd, true
}

// ATR returns the average true range over period.
func (b *Buffer) ATR(period int) (float64, bool) {
	if period <= 0 || len(b.candles) < period+1 {
		return 0, false
	}
	start := len(b.candles) - period
	sum := 0.0
	for i := start; i < len(b.candles); i++ {
		high, _ := b.candles[i].High.Float64()
		low, _ := b.candles[i].Low.Float64()
		prevClose, _ := b.candles[i-1].Close.Float64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(period), true
}

// MACD returns the MACD line, signal line and histogram for the
// standard fast/slow/signal periods.
func (b *Buffer) MACD(fast, slow, signal int) (macd, signalLine, histogram float64, ok bool) {
	if fast <= 0 || slow <= fast || len(b.candles) < slow+signal {
		return 0, 0, 0, false
	}
	closes := b.Closes(0)
	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)
	offset := len(fastSeries) - len(slowSeries)
	macdSeries := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdSeries[i] = fastSeries[i+offset] - slowSeries[i]
	}
	if len(macdSeries) < signal {
		return 0, 0, 0, false
	}
	sigSeries := emaSeries(macdSeries, signal)
	macd = macdSeries[len(macdSeries)-1]
	signalLine = sigSeries[len(sigSeries)-1]
	return macd, signalLine, macd - signalLine, true
}

// emaSeries computes the EMA at every index from period-1 onward.
func emaSeries(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	out = append(out, ema)
	k := 2.0 / (float64(period) + 1)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}
