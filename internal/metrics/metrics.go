// Package metrics computes performance statistics over equity curves.
// All math is float64; every division is zero-guarded to 0.
package metrics

import (
	"math"
	"sort"
)

// Calculator computes metrics from an equity curve and optional
// benchmark series.
type Calculator struct {
	RiskFreeRate   float64
	PeriodsPerYear float64
	RollingWindow  int
}

// NewCalculator returns a calculator with the given annualisation
// assumptions. periodsPerYear <= 0 defaults to hourly bars.
func NewCalculator(riskFreeRate, periodsPerYear float64, rollingWindow int) *Calculator {
	if periodsPerYear <= 0 {
		periodsPerYear = 365 * 24
	}
	if rollingWindow <= 0 {
		rollingWindow = 30
	}
	return &Calculator{
		RiskFreeRate:   riskFreeRate,
		PeriodsPerYear: periodsPerYear,
		RollingWindow:  rollingWindow,
	}
}

// Report is the full metric set for one equity curve.
type Report struct {
	SharpeRatio  float64 `json:"sharpeRatio"`
	SortinoRatio float64 `json:"sortinoRatio"`
	CalmarRatio  float64 `json:"calmarRatio"`
	OmegaRatio   float64 `json:"omegaRatio"`

	VaR95  float64 `json:"var95"`
	VaR99  float64 `json:"var99"`
	CVaR95 float64 `json:"cvar95"`
	CVaR99 float64 `json:"cvar99"`

	DownsideDeviation float64 `json:"downsideDeviation"`
	UlcerIndex        float64 `json:"ulcerIndex"`
	PainIndex         float64 `json:"painIndex"`
	MaxDrawdown       float64 `json:"maxDrawdown"`

	Skewness       float64 `json:"skewness"`
	ExcessKurtosis float64 `json:"excessKurtosis"`
	TailRatio      float64 `json:"tailRatio"`

	Rolling RollingReport `json:"rolling"`
}

// RollingReport aggregates windowed metrics.
type RollingReport struct {
	Returns           []float64 `json:"returns"`
	Volatility        []float64 `json:"volatility"`
	Sharpe            []float64 `json:"sharpe"`
	SharpeStability   float64   `json:"sharpeStability"`
	ReturnConsistency float64   `json:"returnConsistency"`
}

// BenchmarkReport relates a series to its benchmark.
type BenchmarkReport struct {
	Alpha            float64 `json:"alpha"`
	Beta             float64 `json:"beta"`
	TrackingError    float64 `json:"trackingError"`
	InformationRatio float64 `json:"informationRatio"`
	TreynorRatio     float64 `json:"treynorRatio"`
	UpCapture        float64 `json:"upCapture"`
	DownCapture      float64 `json:"downCapture"`
	LongestStreak    int     `json:"longestOutperformanceStreak"`
}

// Returns converts an equity curve to simple per-bar returns.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// Calculate computes the full report for an equity curve.
func (c *Calculator) Calculate(equity []float64) *Report {
	returns := Returns(equity)
	drawdowns := drawdownSeries(equity)
	maxDD := 0.0
	for _, dd := range drawdowns {
		if dd > maxDD {
			maxDD = dd
		}
	}

	report := &Report{
		SharpeRatio:       c.sharpe(returns),
		SortinoRatio:      c.sortino(returns),
		CalmarRatio:       c.calmar(equity, maxDD),
		OmegaRatio:        c.omega(returns),
		DownsideDeviation: downsideDeviation(returns),
		UlcerIndex:        ulcerIndex(drawdowns),
		PainIndex:         mean(drawdowns),
		MaxDrawdown:       maxDD,
		Skewness:          skewness(returns),
		ExcessKurtosis:    excessKurtosis(returns),
		TailRatio:         tailRatio(returns),
		Rolling:           c.rolling(returns),
	}

	report.VaR95, report.CVaR95 = valueAtRisk(returns, 0.95)
	report.VaR99, report.CVaR99 = valueAtRisk(returns, 0.99)
	return report
}

// CompareToBenchmark aligns the two series on the shorter length and
// computes relative statistics.
func (c *Calculator) CompareToBenchmark(equity, benchmark []float64) *BenchmarkReport {
	s := Returns(equity)
	b := Returns(benchmark)
	n := len(s)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return &BenchmarkReport{}
	}
	s, b = s[:n], b[:n]

	rfPeriod := c.RiskFreeRate / c.PeriodsPerYear
	varB := variance(b)
	beta := 0.0
	if varB != 0 {
		beta = covariance(s, b) / varB
	}
	alpha := mean(s) - rfPeriod - beta*(mean(b)-rfPeriod)

	active := make([]float64, n)
	for i := range s {
		active[i] = s[i] - b[i]
	}
	te := stdDev(active)
	ir := 0.0
	if te != 0 {
		ir = mean(active) / te * math.Sqrt(c.PeriodsPerYear)
	}
	treynor := 0.0
	if beta != 0 {
		treynor = (mean(s) - rfPeriod) / beta * c.PeriodsPerYear
	}

	var upS, upB, downS, downB float64
	streak, longest := 0, 0
	for i := range s {
		if b[i] > 0 {
			upS += s[i]
			upB += b[i]
		} else if b[i] < 0 {
			downS += s[i]
			downB += b[i]
		}
		if s[i] > b[i] {
			streak++
			if streak > longest {
				longest = streak
			}
		} else {
			streak = 0
		}
	}
	upCapture, downCapture := 0.0, 0.0
	if upB != 0 {
		upCapture = upS / upB
	}
	if downB != 0 {
		downCapture = downS / downB
	}

	return &BenchmarkReport{
		Alpha:            alpha,
		Beta:             beta,
		TrackingError:    te * math.Sqrt(c.PeriodsPerYear),
		InformationRatio: ir,
		TreynorRatio:     treynor,
		UpCapture:        upCapture,
		DownCapture:      downCapture,
		LongestStreak:    longest,
	}
}

func (c *Calculator) sharpe(returns []float64) float64 {
	std := stdDev(returns)
	if std == 0 {
		return 0
	}
	rfPeriod := c.RiskFreeRate / c.PeriodsPerYear
	return (mean(returns) - rfPeriod) / std * math.Sqrt(c.PeriodsPerYear)
}

func (c *Calculator) sortino(returns []float64) float64 {
	downside := downsideDeviation(returns)
	if downside == 0 {
		return 0
	}
	rfPeriod := c.RiskFreeRate / c.PeriodsPerYear
	return (mean(returns) - rfPeriod) / downside * math.Sqrt(c.PeriodsPerYear)
}

func (c *Calculator) calmar(equity []float64, maxDD float64) float64 {
	if len(equity) < 2 || equity[0] == 0 || maxDD == 0 {
		return 0
	}
	totalReturn := equity[len(equity)-1]/equity[0] - 1
	return totalReturn / maxDD
}

// omega divides gains above the risk-free threshold by losses below.
func (c *Calculator) omega(returns []float64) float64 {
	threshold := c.RiskFreeRate / c.PeriodsPerYear
	var gains, losses float64
	for _, r := range returns {
		if r > threshold {
			gains += r - threshold
		} else {
			losses += threshold - r
		}
	}
	if losses == 0 {
		return 0
	}
	return gains / losses
}

// rolling computes windowed return, volatility and Sharpe series.
func (c *Calculator) rolling(returns []float64) RollingReport {
	w := c.RollingWindow
	if len(returns) < w {
		return RollingReport{}
	}

	report := RollingReport{}
	positive := 0
	for i := 0; i+w <= len(returns); i++ {
		window := returns[i : i+w]

		compound := 1.0
		for _, r := range window {
			compound *= 1 + r
		}
		ret := compound - 1
		report.Returns = append(report.Returns, ret)
		if ret > 0 {
			positive++
		}

		vol := stdDev(window) * math.Sqrt(c.PeriodsPerYear)
		report.Volatility = append(report.Volatility, vol)

		report.Sharpe = append(report.Sharpe, c.sharpe(window))
	}

	report.SharpeStability = 1 / (1 + stdDev(report.Sharpe))
	report.ReturnConsistency = float64(positive) / float64(len(report.Returns))
	return report
}

// valueAtRisk returns VaR and CVaR at the given confidence as positive
// loss magnitudes.
func valueAtRisk(returns []float64, confidence float64) (varOut, cvar float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor(float64(len(sorted)) * (1 - confidence)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	varOut = -sorted[idx]

	sum := 0.0
	for i := 0; i <= idx; i++ {
		sum += sorted[i]
	}
	cvar = -sum / float64(idx+1)
	return varOut, cvar
}

// drawdownSeries maps equity to peak-relative drawdowns in [0, 1].
func drawdownSeries(equity []float64) []float64 {
	out := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, eq := range equity {
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			out[i] = (peak - eq) / peak
		}
	}
	return out
}

// downsideDeviation uses the TradingView formula: all samples in the
// denominator, only negative returns in the numerator.
func downsideDeviation(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}

func ulcerIndex(drawdowns []float64) float64 {
	if len(drawdowns) == 0 {
		return 0
	}
	sum := 0.0
	for _, dd := range drawdowns {
		sum += dd * dd
	}
	return math.Sqrt(sum / float64(len(drawdowns)))
}

func skewness(returns []float64) float64 {
	n := float64(len(returns))
	if n < 3 {
		return 0
	}
	m := mean(returns)
	std := stdDev(returns)
	if std == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		sum += math.Pow((r-m)/std, 3)
	}
	return sum / n
}

func excessKurtosis(returns []float64) float64 {
	n := float64(len(returns))
	if n < 4 {
		return 0
	}
	m := mean(returns)
	std := stdDev(returns)
	if std == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		sum += math.Pow((r-m)/std, 4)
	}
	return sum/n - 3
}

// tailRatio divides the 95th percentile return by the 5th's magnitude.
func tailRatio(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	p95 := percentile(sorted, 0.95)
	p5 := percentile(sorted, 0.05)
	if p5 == 0 {
		return 0
	}
	return p95 / math.Abs(p5)
}

// percentile reads a sorted slice at the given fraction.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round(p * float64(len(sorted)-1)))
	return sorted[idx]
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
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	ma, mb := mean(a), mean(b)
	sum := 0.0
	for i := range a {
		sum += (a[i] - ma) * (b[i] - mb)
	}
	return sum / float64(len(a))
}
