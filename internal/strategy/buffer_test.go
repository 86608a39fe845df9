package strategy

import (
	"math"
	"testing"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
)

func candleAt(close float64) *types.Candle {
	d := decimal.NewFromFloat(close)
	return &types.Candle{Open: d, High: d, Low: d, Close: d, Volume: decimal.NewFromInt(1000)}
}

func fillBuffer(closes ...float64) *Buffer {
	b := NewBuffer(0)
	for _, c := range closes {
		b.Add(candleAt(c))
	}
	return b
}

func TestBufferEviction(t *testing.T) {
	b := NewBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Add(candleAt(float64(i)))
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	closes := b.Closes(0)
	want := []float64{3, 4, 5}
	for i, c := range closes {
		if c != want[i] {
			t.Errorf("closes[%d] = %f, want %f", i, c, want[i])
		}
	}
}

func TestSMA(t *testing.T) {
	b := fillBuffer(1, 2, 3, 4, 5)
	sma, ok := b.SMA(3)
	if !ok || sma != 4 {
		t.Errorf("SMA(3) = %f, %v; want 4, true", sma, ok)
	}
	if _, ok := b.SMA(10); ok {
		t.Error("SMA over short buffer should report not ok")
	}
}

func TestEMAConvergesToConstant(t *testing.T) {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 100
	}
	b := fillBuffer(closes...)
	ema, ok := b.EMA(10)
	if !ok || math.Abs(ema-100) > 1e-9 {
		t.Errorf("EMA = %f, want 100", ema)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := fillBuffer(1, 2, 3, 4, 5, 6, 7, 8)
	rsi, ok := up.RSI(7)
	if !ok || rsi != 100 {
		t.Errorf("all-gains RSI = %f, want 100", rsi)
	}

	down := fillBuffer(8, 7, 6, 5, 4, 3, 2, 1)
	rsi, ok = down.RSI(7)
	if !ok || rsi != 0 {
		t.Errorf("all-losses RSI = %f, want 0", rsi)
	}
}

func TestBollingerSymmetry(t *testing.T) {
	b := fillBuffer(98, 100, 102, 98, 100, 102)
	mid, upper, lower, ok := b.Bollinger(6, 2)
	if !ok {
		t.Fatal("bollinger not ok")
	}
	if math.Abs((upper-mid)-(mid-lower)) > 1e-9 {
		t.Errorf("bands not symmetric: mid=%f upper=%f lower=%f", mid, upper, lower)
	}
}

func TestATRFlatMarket(t *testing.T) {
	b := fillBuffer(100, 100, 100, 100, 100)
	atr, ok := b.ATR(3)
	if !ok || atr != 0 {
		t.Errorf("flat ATR = %f, want 0", atr)
	}
}

func TestMACDFlatMarket(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	b := fillBuffer(closes...)
	macd, sig, hist, ok := b.MACD(12, 26, 9)
	if !ok {
		t.Fatal("macd not ok")
	}
	if math.Abs(macd) > 1e-9 || math.Abs(sig) > 1e-9 || math.Abs(hist) > 1e-9 {
		t.Errorf("flat MACD = %f/%f/%f, want zeros", macd, sig, hist)
	}
}

func TestSMACrossSignals(t *testing.T) {
	factory, ok := Lookup("sma_cross")
	if !ok {
		t.Fatal("sma_cross not registered")
	}
	fn := factory(map[string]float64{"fast": 2, "slow": 4})
	state := &State{Capital: decimal.NewFromInt(10000)}

	closes := []float64{100, 100, 100, 100, 101, 103, 106, 110}
	var got *types.Signal
	for _, c := range closes {
		if sig := fn(candleAt(c), state); sig != nil {
			got = sig
		}
	}
	if got == nil || got.Action != types.SignalActionBuy {
		t.Fatalf("expected a buy signal on the upward cross, got %+v", got)
	}
}
