// Package portfolio provides the multi-asset portfolio backtester:
// allocation, rebalancing, correlation and diversification metrics.
package portfolio

import (
	"math"
	"sort"
)

// AllocationMethod selects how initial weights are computed
type AllocationMethod string

const (
	AllocationEqualWeight  AllocationMethod = "equal_weight"
	AllocationRiskParity   AllocationMethod = "risk_parity"
	AllocationMomentum     AllocationMethod = "momentum"
	AllocationMinVariance  AllocationMethod = "min_variance"
	AllocationMaxSharpe    AllocationMethod = "max_sharpe"
	AllocationCvxportfolio AllocationMethod = "cvxportfolio"
	AllocationCustom       AllocationMethod = "custom"
)

// AllocationConfig parameterises weight computation.
type AllocationConfig struct {
	Method    AllocationMethod   `json:"method"`
	Weights   map[string]float64 `json:"weights,omitempty"`
	MinWeight float64            `json:"minWeight"`
	MaxWeight float64            `json:"maxWeight"`
	Lookback  int                `json:"lookback"`
}

// DefaultAllocationConfig returns equal weighting with open bounds.
func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{
		Method:    AllocationEqualWeight,
		MinWeight: 0,
		MaxWeight: 1,
		Lookback:  30,
	}
}

// solver iteration budget for the projected gradient optimisers
const (
	optimizerIterations = 500
	optimizerStep       = 0.05
)

// stepSize decays the normalised step over the iteration budget.
func stepSize(iter int) float64 {
	return optimizerStep * (1 - float64(iter)/float64(optimizerIterations+1))
}

func maxAbs(v []float64) float64 {
	out := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > out {
			out = a
		}
	}
	return out
}

// computeWeights resolves the target weights for the given method.
// Optimiser failures fall back per the method's documented chain; the
// final resort is always equal weight.
func computeWeights(symbols []string, returns map[string][]float64, prices map[string][]float64, cfg AllocationConfig) map[string]float64 {
	switch cfg.Method {
	case AllocationCustom:
		return normalize(cfg.Weights, symbols)
	case AllocationRiskParity:
		return riskParityWeights(symbols, returns)
	case AllocationMomentum:
		return momentumWeights(symbols, prices, cfg.Lookback)
	case AllocationMinVariance:
		if w, ok := minVarianceWeights(symbols, returns, cfg); ok {
			return w
		}
		return equalWeights(symbols)
	case AllocationMaxSharpe:
		if w, ok := maxSharpeWeights(symbols, returns, cfg); ok {
			return w
		}
		return equalWeights(symbols)
	case AllocationCvxportfolio:
		if w, ok := cvxWeights(symbols, returns, cfg); ok {
			return w
		}
		if w, ok := maxSharpeWeights(symbols, returns, cfg); ok {
			return w
		}
		return equalWeights(symbols)
	default:
		return equalWeights(symbols)
	}
}

func equalWeights(symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = 1 / float64(len(symbols))
	}
	return out
}

// normalize scales weights to sum 1; empty or non-positive input falls
// back to equal weight.
func normalize(weights map[string]float64, symbols []string) map[string]float64 {
	sum := 0.0
	for _, s := range symbols {
		if w := weights[s]; w > 0 {
			sum += w
		}
	}
	if sum <= 0 {
		return equalWeights(symbols)
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		w := weights[s]
		if w < 0 {
			w = 0
		}
		out[s] = w / sum
	}
	return out
}

// riskParityWeights assigns inverse-volatility weights.
func riskParityWeights(symbols []string, returns map[string][]float64) map[string]float64 {
	inv := make(map[string]float64, len(symbols))
	sum := 0.0
	for _, s := range symbols {
		vol := stdDev(returns[s])
		if vol <= 0 {
			return equalWeights(symbols)
		}
		inv[s] = 1 / vol
		sum += inv[s]
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = inv[s] / sum
	}
	return out
}

// momentumWeights keeps positive lookback returns, normalised; a
// non-positive sum falls back to equal weight.
func momentumWeights(symbols []string, prices map[string][]float64, lookback int) map[string]float64 {
	scores := make(map[string]float64, len(symbols))
	sum := 0.0
	for _, s := range symbols {
		series := prices[s]
		if len(series) <= lookback || lookback <= 0 {
			return equalWeights(symbols)
		}
		now := series[len(series)-1]
		then := series[len(series)-1-lookback]
		if then == 0 {
			continue
		}
		score := now/then - 1
		if score > 0 {
			scores[s] = score
			sum += score
		}
	}
	if sum <= 0 {
		return equalWeights(symbols)
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = scores[s] / sum
	}
	return out
}

// minVarianceWeights solves min w'Sw on the constrained simplex with
// projected gradient descent.
func minVarianceWeights(symbols []string, returns map[string][]float64, cfg AllocationConfig) (map[string]float64, bool) {
	cov, ok := covMatrix(symbols, returns)
	if !ok {
		return nil, false
	}
	n := len(symbols)
	w := uniformVector(n)
	for iter := 0; iter < optimizerIterations; iter++ {
		grad := matVec(cov, w) // gradient of w'Sw is 2Sw; the 2 folds into the step
		norm := maxAbs(grad)
		if norm == 0 {
			break
		}
		step := stepSize(iter) / norm
		for i := range w {
			w[i] -= step * grad[i]
		}
		projectSimplexBox(w, cfg.MinWeight, cfg.MaxWeight)
	}
	if !validVector(w) {
		return nil, false
	}
	return toMap(symbols, w), true
}

// maxSharpeWeights maximises w'mu / sqrt(w'Sw) by gradient ascent.
func maxSharpeWeights(symbols []string, returns map[string][]float64, cfg AllocationConfig) (map[string]float64, bool) {
	cov, ok := covMatrix(symbols, returns)
	if !ok {
		return nil, false
	}
	mu := make([]float64, len(symbols))
	for i, s := range symbols {
		mu[i] = mean(returns[s])
	}

	n := len(symbols)
	w := uniformVector(n)
	for iter := 0; iter < optimizerIterations; iter++ {
		sw := matVec(cov, w)
		variance := dot(w, sw)
		if variance <= 0 {
			return nil, false
		}
		sigma := math.Sqrt(variance)
		ret := dot(w, mu)
		// d/dw [ret/sigma] = mu/sigma - ret*Sw/sigma^3
		grad := make([]float64, n)
		for i := range w {
			grad[i] = mu[i]/sigma - ret*sw[i]/(sigma*variance)
		}
		norm := maxAbs(grad)
		if norm == 0 {
			break
		}
		step := stepSize(iter) / norm
		for i := range w {
			w[i] += step * grad[i]
		}
		projectSimplexBox(w, cfg.MinWeight, cfg.MaxWeight)
	}
	if !validVector(w) {
		return nil, false
	}
	return toMap(symbols, w), true
}

// cvxWeights solves the convex reformulation min y'Sy subject to
// mu'y = 1 and the widened box, then renormalises w = y / sum(y).
func cvxWeights(symbols []string, returns map[string][]float64, cfg AllocationConfig) (map[string]float64, bool) {
	cov, ok := covMatrix(symbols, returns)
	if !ok {
		return nil, false
	}
	mu := make([]float64, len(symbols))
	muSum := 0.0
	for i, s := range symbols {
		mu[i] = mean(returns[s])
		muSum += mu[i]
	}
	if muSum <= 0 {
		return nil, false
	}

	n := len(symbols)
	// Start feasible: equal y scaled onto mu'y = 1.
	y := make([]float64, n)
	for i := range y {
		y[i] = 1 / muSum
	}
	lo, hi := cfg.MinWeight, 10*cfg.MaxWeight
	for iter := 0; iter < optimizerIterations; iter++ {
		grad := matVec(cov, y)
		norm := maxAbs(grad)
		if norm == 0 {
			break
		}
		step := stepSize(iter) / norm
		for i := range y {
			y[i] -= step * grad[i]
		}
		projectHyperplaneBox(y, mu, lo, hi)
	}

	sum := 0.0
	for _, v := range y {
		sum += v
	}
	if sum <= 0 || !validVector(y) {
		return nil, false
	}
	w := make([]float64, n)
	for i := range y {
		w[i] = y[i] / sum
	}
	projectSimplexBox(w, cfg.MinWeight, cfg.MaxWeight)
	if !validVector(w) {
		return nil, false
	}
	return toMap(symbols, w), true
}

// projectSimplexBox projects onto {sum w = 1, lo <= w <= hi} by
// alternating clipping with uniform redistribution.
func projectSimplexBox(w []float64, lo, hi float64) {
	n := len(w)
	if hi <= 0 || hi > 1 {
		hi = 1
	}
	if lo < 0 {
		lo = 0
	}
	if lo*float64(n) > 1 {
		lo = 0
	}
	for pass := 0; pass < 50; pass++ {
		sum := 0.0
		for i := range w {
			if w[i] < lo {
				w[i] = lo
			}
			if w[i] > hi {
				w[i] = hi
			}
			sum += w[i]
		}
		diff := 1 - sum
		if math.Abs(diff) < 1e-12 {
			return
		}
		free := 0
		for i := range w {
			if (diff > 0 && w[i] < hi) || (diff < 0 && w[i] > lo) {
				free++
			}
		}
		if free == 0 {
			return
		}
		adj := diff / float64(free)
		for i := range w {
			if (diff > 0 && w[i] < hi) || (diff < 0 && w[i] > lo) {
				w[i] += adj
			}
		}
	}
}

// projectHyperplaneBox projects onto {mu'y = 1, lo <= y <= hi}.
func projectHyperplaneBox(y, mu []float64, lo, hi float64) {
	for pass := 0; pass < 50; pass++ {
		for i := range y {
			if y[i] < lo {
				y[i] = lo
			}
			if y[i] > hi {
				y[i] = hi
			}
		}
		muDot := dot(mu, y)
		muNorm := dot(mu, mu)
		if muNorm == 0 {
			return
		}
		diff := 1 - muDot
		if math.Abs(diff) < 1e-12 {
			return
		}
		scale := diff / muNorm
		for i := range y {
			y[i] += scale * mu[i]
		}
	}
}

func covMatrix(symbols []string, returns map[string][]float64) ([][]float64, bool) {
	n := len(symbols)
	if n == 0 {
		return nil, false
	}
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = covariance(returns[symbols[i]], returns[symbols[j]])
		}
	}
	// A degenerate diagonal means no usable variance signal.
	for i := 0; i < n; i++ {
		if out[i][i] <= 0 {
			return nil, false
		}
	}
	return out, true
}

func uniformVector(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range m {
		for j := range v {
			out[i] += m[i][j] * v[j]
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func validVector(w []float64) bool {
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func toMap(symbols []string, w []float64) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for i, s := range symbols {
		out[s] = w[i]
	}
	return out
}

func sortedSymbols(m map[string][]float64) []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
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

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	return math.Sqrt(variance(values))
}

func covariance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	a, b = a[:n], b[:n]
	ma, mb := mean(a), mean(b)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += (a[i] - ma) * (b[i] - mb)
	}
	return sum / float64(n)
}
