package live

import (
	"testing"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"go.uber.org/zap"
)

func TestHandleMessageConfirmedOnly(t *testing.T) {
	var bars []*types.Candle
	s := NewStream(zap.NewNop(), DefaultStreamConfig(), nil, func(c *types.Candle) {
		bars = append(bars, c)
	})

	payload := []byte(`{
		"topic": "kline.60.BTCUSDT",
		"type": "snapshot",
		"data": [
			{"start": 1704067200000, "end": 1704070800000, "interval": "60",
			 "open": "100", "high": "110", "low": "95", "close": "105",
			 "volume": "1234.5", "confirm": false},
			{"start": 1704067200000, "end": 1704070800000, "interval": "60",
			 "open": "100", "high": "110", "low": "95", "close": "105",
			 "volume": "1234.5", "confirm": true}
		]
	}`)
	s.handleMessage(payload)

	if len(bars) != 1 {
		t.Fatalf("bars = %d, want only the confirmed kline", len(bars))
	}
	bar := bars[0]
	if bar.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s", bar.Symbol)
	}
	if bar.IntervalMinutes != 60 {
		t.Errorf("interval = %f, want 60", bar.IntervalMinutes)
	}
	if bar.Close.String() != "105" {
		t.Errorf("close = %s, want 105", bar.Close)
	}
	if !bar.OpenTime.Before(bar.CloseTime) {
		t.Error("open time must precede close time")
	}
}

func TestHandleMessageIgnoresOtherTopics(t *testing.T) {
	called := false
	s := NewStream(zap.NewNop(), DefaultStreamConfig(), nil, func(c *types.Candle) {
		called = true
	})
	s.handleMessage([]byte(`{"op": "pong"}`))
	s.handleMessage([]byte(`{"topic": "publicTrade.BTCUSDT", "data": []}`))
	s.handleMessage([]byte(`not json`))
	if called {
		t.Error("non-kline messages must not produce bars")
	}
}

func TestStreamStopWithoutStart(t *testing.T) {
	s := NewStream(zap.NewNop(), DefaultStreamConfig(), nil, nil)
	if s.running.Load() {
		t.Error("stream must not report running before Start")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.running.Load() {
		t.Error("stream must not report running after Stop")
	}
}

func TestIntervalMinutes(t *testing.T) {
	cases := map[string]float64{
		"1": 1, "60": 60, "D": 1440, "W": 10080, "M": 43200, "bogus": 0,
	}
	for code, want := range cases {
		if got := intervalMinutes(code); got != want {
			t.Errorf("intervalMinutes(%q) = %f, want %f", code, got, want)
		}
	}
}
