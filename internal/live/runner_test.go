package live

import (
	"context"
	"testing"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/strategy"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func liveBar(symbol string, i int, close float64) *types.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := decimal.NewFromFloat(close)
	return &types.Candle{
		Symbol:          symbol,
		OpenTime:        t0.Add(time.Duration(i) * time.Hour),
		CloseTime:       t0.Add(time.Duration(i+1) * time.Hour),
		Open:            d, High: d, Low: d, Close: d,
		Volume:          decimal.NewFromInt(1000),
		IntervalMinutes: 60,
	}
}

func paperRunner(t *testing.T, cfg StrategyConfig, fn strategy.Func) *Runner {
	t.Helper()
	r := NewRunner(zap.NewNop(), DefaultRunnerConfig(), nil, nil, nil)
	if err := r.AddStrategy(cfg, fn); err != nil {
		t.Fatalf("add strategy: %v", err)
	}
	return r
}

func TestPaperRoundTrip(t *testing.T) {
	calls := 0
	fn := func(candle *types.Candle, state *strategy.State) *types.Signal {
		calls++
		switch calls {
		case 1:
			return &types.Signal{Action: types.SignalActionBuy}
		case 3:
			return &types.Signal{Action: types.SignalActionClose}
		}
		return nil
	}
	r := paperRunner(t, StrategyConfig{Name: "test", Symbol: "BTCUSDT", Interval: "60"}, fn)

	r.processBar(context.Background(), liveBar("BTCUSDT", 0, 100))
	if _, ok := r.Book().Position("BTCUSDT"); !ok {
		t.Fatal("expected open paper position after buy signal")
	}
	r.processBar(context.Background(), liveBar("BTCUSDT", 1, 105))
	r.processBar(context.Background(), liveBar("BTCUSDT", 2, 110))

	if _, ok := r.Book().Position("BTCUSDT"); ok {
		t.Fatal("position should be closed")
	}
	wins, losses := r.Book().Stats()
	if wins != 1 || losses != 0 {
		t.Errorf("wins/losses = %d/%d, want 1/0", wins, losses)
	}
	if bal := r.Book().Balance(); !bal.GreaterThan(decimal.NewFromInt(10000)) {
		t.Errorf("balance = %s, want > 10000 after a winning trade", bal)
	}

	st := r.Status()
	if len(st.Strategies) != 1 || st.Strategies[0].SignalsGenerated != 2 || st.Strategies[0].TradesExecuted != 2 {
		t.Errorf("status = %+v", st.Strategies)
	}
}

func TestIntervalFiltering(t *testing.T) {
	calls := 0
	fn := func(candle *types.Candle, state *strategy.State) *types.Signal {
		calls++
		return nil
	}
	r := paperRunner(t, StrategyConfig{Name: "test", Symbol: "BTCUSDT", Interval: "1"}, fn)

	// Hourly bar must not reach a one-minute strategy.
	r.processBar(context.Background(), liveBar("BTCUSDT", 0, 100))
	r.processBar(context.Background(), liveBar("ETHUSDT", 0, 100))
	if calls != 0 {
		t.Errorf("strategy called %d times, want 0", calls)
	}
}

func TestCooldownBlocksSecondTrade(t *testing.T) {
	fn := func(candle *types.Candle, state *strategy.State) *types.Signal {
		if state.Position == nil {
			return &types.Signal{Action: types.SignalActionBuy, Quantity: decimal.NewFromInt(1)}
		}
		return &types.Signal{Action: types.SignalActionClose}
	}
	r := paperRunner(t, StrategyConfig{
		Name: "test", Symbol: "BTCUSDT", Interval: "60",
		CooldownSeconds: 3600,
	}, fn)

	r.processBar(context.Background(), liveBar("BTCUSDT", 0, 100))
	r.processBar(context.Background(), liveBar("BTCUSDT", 1, 105))

	// The close signal lands inside the cooldown window.
	if _, ok := r.Book().Position("BTCUSDT"); !ok {
		t.Fatal("cooldown should have blocked the close")
	}
	st := r.Status()
	if st.Strategies[0].TradesExecuted != 1 {
		t.Errorf("trades = %d, want 1", st.Strategies[0].TradesExecuted)
	}
}

func TestDailyLossGateBlocksOpens(t *testing.T) {
	fn := func(candle *types.Candle, state *strategy.State) *types.Signal {
		if state.Position == nil {
			return &types.Signal{Action: types.SignalActionBuy, Quantity: decimal.NewFromInt(1)}
		}
		return &types.Signal{Action: types.SignalActionClose}
	}
	r := paperRunner(t, StrategyConfig{
		Name: "test", Symbol: "BTCUSDT", Interval: "60",
		MaxDailyLoss: 10,
	}, fn)

	// Lose 50 on the first round trip, breaching the limit of 10.
	r.processBar(context.Background(), liveBar("BTCUSDT", 0, 100))
	r.processBar(context.Background(), liveBar("BTCUSDT", 1, 50))
	if _, ok := r.Book().Position("BTCUSDT"); ok {
		t.Fatal("close should have executed")
	}

	r.processBar(context.Background(), liveBar("BTCUSDT", 2, 55))
	if _, ok := r.Book().Position("BTCUSDT"); ok {
		t.Fatal("daily loss gate should block the next open")
	}
}

func TestQuantitySizingFromPaperBalance(t *testing.T) {
	var seenQty decimal.Decimal
	fn := func(candle *types.Candle, state *strategy.State) *types.Signal {
		if state.Position == nil {
			return &types.Signal{Action: types.SignalActionBuy}
		}
		seenQty = state.Position.Quantity
		return nil
	}
	r := paperRunner(t, StrategyConfig{
		Name: "test", Symbol: "BTCUSDT", Interval: "60",
		PositionSizePercent: 0.2,
	}, fn)

	r.processBar(context.Background(), liveBar("BTCUSDT", 0, 100))
	r.processBar(context.Background(), liveBar("BTCUSDT", 1, 100))

	// 10000 * 0.2 / 100 = 20
	if !seenQty.Equal(decimal.NewFromInt(20)) {
		t.Errorf("sized quantity = %s, want 20", seenQty)
	}
}

func TestProtectionResolution(t *testing.T) {
	cfg := StrategyConfig{StopLossPct: 0.02, TakeProfitPct: 0.04}
	entry := decimal.NewFromInt(100)

	sl, tp := resolveProtections(cfg, types.PositionSideLong, entry, &types.Signal{})
	if !sl.Equal(decimal.NewFromInt(98)) || !tp.Equal(decimal.NewFromInt(104)) {
		t.Errorf("long protections = %s/%s, want 98/104", sl, tp)
	}
	sl, tp = resolveProtections(cfg, types.PositionSideShort, entry, &types.Signal{})
	if !sl.Equal(decimal.NewFromInt(102)) || !tp.Equal(decimal.NewFromInt(96)) {
		t.Errorf("short protections = %s/%s, want 102/96", sl, tp)
	}

	// Explicit signal levels win over percentages.
	sl, _ = resolveProtections(cfg, types.PositionSideLong, entry, &types.Signal{
		StopLoss: decimal.NewFromInt(95),
	})
	if !sl.Equal(decimal.NewFromInt(95)) {
		t.Errorf("explicit stop = %s, want 95", sl)
	}
}

func TestDispatcherDrainsQueue(t *testing.T) {
	processed := make(chan string, 8)
	fn := func(candle *types.Candle, state *strategy.State) *types.Signal {
		processed <- candle.OpenTime.String()
		return nil
	}
	r := paperRunner(t, StrategyConfig{Name: "test", Symbol: "BTCUSDT", Interval: "60"}, fn)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := liveBar("BTCUSDT", 0, 100)
	second := liveBar("BTCUSDT", 1, 101)
	r.OnBar(first)
	r.OnBar(second)

	want := []string{first.OpenTime.String(), second.OpenTime.String()}
	for _, w := range want {
		select {
		case got := <-processed:
			if got != w {
				t.Errorf("bar order: got %s, want %s", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not process bar in time")
		}
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPositionManagerRefusesToStack(t *testing.T) {
	pm := NewPositionManager(zap.NewNop(), decimal.NewFromInt(1000))
	if err := pm.Open("BTCUSDT", types.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now()); err != nil {
		t.Fatalf("first open: %v", err)
	}
	err := pm.Open("BTCUSDT", types.PositionSideLong, decimal.NewFromInt(1), decimal.NewFromInt(100), time.Now())
	if err != ErrPositionExists {
		t.Fatalf("second open err = %v, want ErrPositionExists", err)
	}

	pm.Close("BTCUSDT", decimal.NewFromInt(110))
	if !pm.Equity().Equal(decimal.NewFromInt(1010)) {
		t.Errorf("equity = %s, want 1010", pm.Equity())
	}
}

func TestCredentialStoreLifecycle(t *testing.T) {
	s, err := NewCredentialStore("my-key", "my-secret")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if k, _ := s.Key(); k != "my-key" {
		t.Errorf("key = %q", k)
	}
	if sec, _ := s.Secret(); sec != "my-secret" {
		t.Errorf("secret = %q", sec)
	}

	s.Close()
	s.Close() // idempotent
	if _, err := s.Key(); err != ErrCredentialsClosed {
		t.Errorf("key after close err = %v, want ErrCredentialsClosed", err)
	}
	for _, b := range s.apiKey {
		if b != 0 {
			t.Fatal("api key buffer not zeroed")
		}
	}
	for _, b := range s.secret {
		if b != 0 {
			t.Fatal("secret buffer not zeroed")
		}
	}
}

func TestInstrumentCacheRefreshesOnceUnderTTL(t *testing.T) {
	fetches := 0
	cache := NewInstrumentCache(time.Hour, func(ctx context.Context) (map[string]*Instrument, error) {
		fetches++
		return map[string]*Instrument{
			"BTCUSDT": {Symbol: "BTCUSDT", QtyStep: decimal.NewFromFloat(0.001)},
		}, nil
	})

	for i := 0; i < 5; i++ {
		inst, err := cache.Get(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if inst == nil {
			t.Fatal("instrument missing")
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1 within TTL", fetches)
	}

	expiring := NewInstrumentCache(time.Nanosecond, func(ctx context.Context) (map[string]*Instrument, error) {
		fetches++
		return map[string]*Instrument{}, nil
	})
	expiring.Get(context.Background(), "BTCUSDT")
	expiring.Get(context.Background(), "BTCUSDT")
	if fetches != 3 {
		t.Errorf("fetches = %d, want refetch after expiry", fetches)
	}
}
