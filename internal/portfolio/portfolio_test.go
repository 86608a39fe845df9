package portfolio

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func series(symbol string, closes []float64) []*types.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*types.Candle, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		out[i] = &types.Candle{
			Symbol:   symbol,
			OpenTime: t0.Add(time.Duration(i) * time.Hour),
			Open:     d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

// trending builds a geometric price path.
func trending(start, growth float64, n int) []float64 {
	out := make([]float64, n)
	price := start
	for i := range out {
		out[i] = price
		price *= 1 + growth
	}
	return out
}

func TestMisalignedDataRejected(t *testing.T) {
	b := NewBacktester(zap.NewNop(), 10000)
	_, err := b.Run(map[string][]*types.Candle{
		"AAA": series("AAA", trending(100, 0.01, 10)),
		"BBB": series("BBB", trending(50, 0.01, 9)),
	}, DefaultAllocationConfig(), DefaultRebalanceConfig())
	if !errors.Is(err, types.ErrMisalignedData) {
		t.Fatalf("err = %v, want ErrMisalignedData", err)
	}
}

func TestEqualWeightMonthlyRebalance(t *testing.T) {
	b := NewBacktester(zap.NewNop(), 10000)

	// Divergent returns force weight drift; monthly rebalance restores.
	data := map[string][]*types.Candle{
		"AAA": series("AAA", trending(100, 0.01, 95)),
		"BBB": series("BBB", trending(100, -0.002, 95)),
	}
	rebal := RebalanceConfig{
		Frequency:    RebalanceMonthly,
		MinTradeSize: 1,
		Cost:         0.0007,
	}

	result, err := b.Run(data, DefaultAllocationConfig(), rebal)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(result.RebalanceEvents) == 0 {
		t.Fatal("expected rebalance events")
	}
	for _, event := range result.RebalanceEvents {
		for sym, w := range event.After {
			if math.Abs(w-0.5) > 0.01 {
				t.Errorf("after rebalance at bar %d, weight[%s] = %f, want ~0.5", event.BarIndex, sym, w)
			}
		}
	}
	// Concentration near 1/N for an equal-weight book.
	if math.Abs(result.Concentration-0.5) > 0.05 {
		t.Errorf("concentration = %f, want ~0.5", result.Concentration)
	}
}

func TestThresholdTrigger(t *testing.T) {
	b := NewBacktester(zap.NewNop(), 10000)
	data := map[string][]*types.Candle{
		"AAA": series("AAA", trending(100, 0.05, 30)),
		"BBB": series("BBB", trending(100, 0, 30)),
	}
	rebal := RebalanceConfig{
		Frequency:    RebalanceThreshold,
		Threshold:    0.05,
		MinTradeSize: 1,
		Cost:         0.0007,
	}

	result, err := b.Run(data, DefaultAllocationConfig(), rebal)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(result.RebalanceEvents) == 0 {
		t.Fatal("expected threshold-triggered rebalances")
	}
}

func TestNeverRebalances(t *testing.T) {
	b := NewBacktester(zap.NewNop(), 10000)
	data := map[string][]*types.Candle{
		"AAA": series("AAA", trending(100, 0.05, 60)),
		"BBB": series("BBB", trending(100, -0.01, 60)),
	}
	rebal := RebalanceConfig{Frequency: RebalanceNever}

	result, err := b.Run(data, DefaultAllocationConfig(), rebal)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(result.RebalanceEvents) != 0 {
		t.Errorf("events = %d, want 0", len(result.RebalanceEvents))
	}
	if result.Turnover != 0 {
		t.Errorf("turnover = %f, want 0", result.Turnover)
	}
}

func TestRiskParityFavoursQuietAsset(t *testing.T) {
	returns := map[string][]float64{
		"CALM": {0.001, -0.001, 0.001, -0.001, 0.001},
		"WILD": {0.05, -0.05, 0.05, -0.05, 0.05},
	}
	w := riskParityWeights([]string{"CALM", "WILD"}, returns)
	if w["CALM"] <= w["WILD"] {
		t.Errorf("risk parity weights = %v, want CALM > WILD", w)
	}
	if math.Abs(w["CALM"]+w["WILD"]-1) > 1e-9 {
		t.Errorf("weights sum = %f, want 1", w["CALM"]+w["WILD"])
	}
}

func TestMomentumFallsBackWhenAllNegative(t *testing.T) {
	prices := map[string][]float64{
		"AAA": trending(100, -0.01, 40),
		"BBB": trending(100, -0.02, 40),
	}
	w := momentumWeights([]string{"AAA", "BBB"}, prices, 30)
	if math.Abs(w["AAA"]-0.5) > 1e-9 || math.Abs(w["BBB"]-0.5) > 1e-9 {
		t.Errorf("weights = %v, want equal fallback", w)
	}
}

func TestMinVarianceRespectsConstraints(t *testing.T) {
	returns := map[string][]float64{
		"CALM": {0.001, -0.001, 0.002, -0.002, 0.001, -0.001, 0.002, -0.002},
		"WILD": {0.04, -0.05, 0.05, -0.04, 0.05, -0.05, 0.04, -0.04},
	}
	cfg := AllocationConfig{MinWeight: 0.1, MaxWeight: 0.9}
	w, ok := minVarianceWeights([]string{"CALM", "WILD"}, returns, cfg)
	if !ok {
		t.Fatal("solver failed")
	}
	sum := 0.0
	for s, v := range w {
		if v < 0.1-1e-6 || v > 0.9+1e-6 {
			t.Errorf("weight[%s] = %f outside [0.1, 0.9]", s, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("weights sum = %f, want 1", sum)
	}
	if w["CALM"] <= w["WILD"] {
		t.Errorf("min variance should favour the calm asset: %v", w)
	}
}

func TestCvxFallsBackOnNegativeMeans(t *testing.T) {
	returns := map[string][]float64{
		"AAA": {-0.01, -0.02, -0.01, -0.02},
		"BBB": {-0.02, -0.01, -0.02, -0.01},
	}
	if _, ok := cvxWeights([]string{"AAA", "BBB"}, returns, AllocationConfig{MaxWeight: 1}); ok {
		t.Error("expected cvx solve to fail on non-positive expected returns")
	}
}

func TestProjectSimplexBox(t *testing.T) {
	w := []float64{0.9, 0.05, 0.05}
	projectSimplexBox(w, 0.1, 0.5)
	sum := 0.0
	for _, v := range w {
		if v < 0.1-1e-9 || v > 0.5+1e-9 {
			t.Errorf("weight %f outside box", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("sum = %f, want 1", sum)
	}
}

func TestCorrelationExtremePairs(t *testing.T) {
	up := []float64{0.01, 0.02, -0.01, 0.03, -0.02}
	down := make([]float64, len(up))
	for i, r := range up {
		down[i] = -r
	}
	returns := map[string][]float64{"A": up, "B": up, "C": down}
	report := Correlate([]string{"A", "B", "C"}, returns, 3)

	if report.MostCorrelated != [2]string{"A", "B"} {
		t.Errorf("most correlated = %v, want A/B", report.MostCorrelated)
	}
	if math.Abs(report.MostValue-1) > 1e-9 {
		t.Errorf("most value = %f, want 1", report.MostValue)
	}
	if report.LeastCorrelated != [2]string{"A", "C"} && report.LeastCorrelated != [2]string{"B", "C"} {
		t.Errorf("least correlated = %v, want a pair with C", report.LeastCorrelated)
	}
	if math.Abs(report.LeastValue+1) > 1e-9 {
		t.Errorf("least value = %f, want -1", report.LeastValue)
	}
	if len(report.Rolling) != len(up)-3+1 {
		t.Errorf("rolling windows = %d", len(report.Rolling))
	}
}

func TestDiversificationRatioAtLeastOne(t *testing.T) {
	returns := map[string][]float64{
		"A": {0.01, -0.02, 0.03, -0.01, 0.02},
		"B": {-0.01, 0.02, -0.02, 0.01, -0.02},
	}
	ratio := diversificationRatio([]string{"A", "B"}, map[string]float64{"A": 0.5, "B": 0.5}, returns)
	if ratio < 1 {
		t.Errorf("diversification ratio = %f, want >= 1 for imperfectly correlated assets", ratio)
	}
}
