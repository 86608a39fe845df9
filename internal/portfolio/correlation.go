package portfolio

import "math"

// CorrelationReport summarises pairwise return correlations.
type CorrelationReport struct {
	Symbols         []string    `json:"symbols"`
	Matrix          [][]float64 `json:"matrix"`
	MostCorrelated  [2]string   `json:"mostCorrelated"`
	LeastCorrelated [2]string   `json:"leastCorrelated"`
	MostValue       float64     `json:"mostValue"`
	LeastValue      float64     `json:"leastValue"`
	Rolling         []float64   `json:"rolling,omitempty"`
}

// Correlate builds the Pearson matrix across aligned return series and
// a rolling correlation of the first pair over the given window.
func Correlate(symbols []string, returns map[string][]float64, window int) *CorrelationReport {
	n := len(symbols)
	if n == 0 {
		return nil
	}

	report := &CorrelationReport{
		Symbols:    symbols,
		Matrix:     make([][]float64, n),
		MostValue:  math.Inf(-1),
		LeastValue: math.Inf(1),
	}
	for i := range report.Matrix {
		report.Matrix[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		report.Matrix[i][i] = 1
		for j := i + 1; j < n; j++ {
			corr := pearson(returns[symbols[i]], returns[symbols[j]])
			report.Matrix[i][j] = corr
			report.Matrix[j][i] = corr
			if corr > report.MostValue {
				report.MostValue = corr
				report.MostCorrelated = [2]string{symbols[i], symbols[j]}
			}
			if corr < report.LeastValue {
				report.LeastValue = corr
				report.LeastCorrelated = [2]string{symbols[i], symbols[j]}
			}
		}
	}
	if n < 2 {
		report.MostValue, report.LeastValue = 0, 0
	}

	if n >= 2 && window > 0 {
		a, b := returns[symbols[0]], returns[symbols[1]]
		length := len(a)
		if len(b) < length {
			length = len(b)
		}
		for i := 0; i+window <= length; i++ {
			report.Rolling = append(report.Rolling, pearson(a[i:i+window], b[i:i+window]))
		}
	}
	return report
}

// pearson is the correlation of two aligned series; degenerate
// variance yields 0.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	a, b = a[:n], b[:n]
	sa, sb := stdDev(a), stdDev(b)
	if sa == 0 || sb == 0 {
		return 0
	}
	return covariance(a, b) / (sa * sb)
}
