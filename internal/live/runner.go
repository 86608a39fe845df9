package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/strategy"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Mode selects how signals turn into orders.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeReal  Mode = "real"
)

// StrategyConfig configures one live strategy instance.
type StrategyConfig struct {
	Name                string             `json:"name" mapstructure:"name"`
	Symbol              string             `json:"symbol" mapstructure:"symbol"`
	Interval            string             `json:"interval" mapstructure:"interval"`
	Params              map[string]float64 `json:"params" mapstructure:"params"`
	PositionSizePercent float64            `json:"positionSizePercent" mapstructure:"position_size_percent"`
	CooldownSeconds     int                `json:"cooldownSeconds" mapstructure:"cooldown_seconds"`
	MaxDailyLoss        float64            `json:"maxDailyLoss" mapstructure:"max_daily_loss"`
	StopLossPct         float64            `json:"stopLossPct" mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64            `json:"takeProfitPct" mapstructure:"take_profit_pct"`
	MaxCandles          int                `json:"maxCandles" mapstructure:"max_candles"`
}

// RunnerConfig configures the live runner.
type RunnerConfig struct {
	Mode         Mode             `json:"mode" mapstructure:"mode"`
	QueueSize    int              `json:"queueSize" mapstructure:"queue_size"`
	PaperBalance float64          `json:"paperBalance" mapstructure:"paper_balance"`
	Strategies   []StrategyConfig `json:"strategies" mapstructure:"strategies"`
}

// DefaultRunnerConfig runs paper mode with a 10k balance.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Mode:         ModePaper,
		QueueSize:    256,
		PaperBalance: 10000,
	}
}

// liveStrategy is one (symbol, name) instance. All mutable state is
// owned by the dispatcher goroutine.
type liveStrategy struct {
	config StrategyConfig
	fn     strategy.Func
	buffer *strategy.Buffer

	signalsGenerated int
	tradesExecuted   int
	lastSignalTime   time.Time
	lastTradeTime    time.Time
	dailyPnL         map[string]decimal.Decimal
}

func (s *liveStrategy) key() string {
	return s.config.Symbol + "/" + s.config.Name
}

// StrategyStatus is a read-only snapshot of one strategy.
type StrategyStatus struct {
	Name             string    `json:"name"`
	Symbol           string    `json:"symbol"`
	Interval         string    `json:"interval"`
	SignalsGenerated int       `json:"signalsGenerated"`
	TradesExecuted   int       `json:"tradesExecuted"`
	LastSignalTime   time.Time `json:"lastSignalTime,omitempty"`
	BufferedCandles  int       `json:"bufferedCandles"`
}

// Status is the runner snapshot served by the status API.
type Status struct {
	Mode         Mode             `json:"mode"`
	Running      bool             `json:"running"`
	PaperBalance decimal.Decimal  `json:"paperBalance,omitempty"`
	Wins         int              `json:"wins"`
	Losses       int              `json:"losses"`
	Strategies   []StrategyStatus `json:"strategies"`
}

// Runner feeds confirmed bars into registered strategies and executes
// their signals. One dispatcher goroutine drains the bar queue in FIFO
// order; strategy callbacks run synchronously on it.
type Runner struct {
	logger  *zap.Logger
	config  RunnerConfig
	metrics *Metrics

	book      *PaperBook
	executor  *OrderExecutor
	positions *PositionManager

	queue chan *types.Candle

	mu         sync.RWMutex
	strategies map[string]*liveStrategy
	running    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner. executor and positions may be nil in
// paper mode.
func NewRunner(logger *zap.Logger, config RunnerConfig, metrics *Metrics, executor *OrderExecutor, positions *PositionManager) *Runner {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultRunnerConfig().QueueSize
	}
	r := &Runner{
		logger:     logger.Named("runner"),
		config:     config,
		metrics:    metrics,
		executor:   executor,
		positions:  positions,
		queue:      make(chan *types.Candle, config.QueueSize),
		strategies: make(map[string]*liveStrategy),
		done:       make(chan struct{}),
	}
	if config.Mode != ModeReal {
		r.book = NewPaperBook(logger, decimal.NewFromFloat(config.PaperBalance))
	}
	return r
}

// AddStrategy registers a strategy instance. Duplicate (symbol, name)
// pairs are rejected.
func (r *Runner) AddStrategy(cfg StrategyConfig, fn strategy.Func) error {
	if cfg.Symbol == "" || cfg.Name == "" {
		return fmt.Errorf("strategy needs a symbol and a name")
	}
	if cfg.PositionSizePercent <= 0 {
		cfg.PositionSizePercent = 0.1
	}
	maxCandles := cfg.MaxCandles
	if maxCandles <= 0 {
		maxCandles = strategy.DefaultMaxCandles
	}
	s := &liveStrategy{
		config:   cfg,
		fn:       fn,
		buffer:   strategy.NewBuffer(maxCandles),
		dailyPnL: make(map[string]decimal.Decimal),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.key()]; ok {
		return fmt.Errorf("strategy %s already registered", s.key())
	}
	r.strategies[s.key()] = s
	r.logger.Info("strategy registered",
		zap.String("name", cfg.Name),
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval))
	return nil
}

// Start launches the dispatcher.
func (r *Runner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	go r.dispatch(ctx)
	r.logger.Info("runner started",
		zap.String("mode", string(r.config.Mode)),
		zap.Int("strategies", len(r.strategies)))
	return nil
}

// Stop cancels the dispatcher and waits for it to drain.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.logger.Info("runner stopped")
	return nil
}

// OnBar enqueues a confirmed bar. The queue is bounded; when full the
// bar is dropped with a warning rather than blocking the transport.
func (r *Runner) OnBar(candle *types.Candle) {
	select {
	case r.queue <- candle:
		if r.metrics != nil {
			r.metrics.QueueDepth.Set(float64(len(r.queue)))
		}
	default:
		r.logger.Warn("dispatch queue full, dropping bar",
			zap.String("symbol", candle.Symbol),
			zap.Time("openTime", candle.OpenTime))
	}
}

// Book exposes the paper book (nil in real mode).
func (r *Runner) Book() *PaperBook { return r.book }

// Status returns a snapshot for the API.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		Mode:    r.config.Mode,
		Running: r.running,
	}
	if r.book != nil {
		st.PaperBalance = r.book.Balance()
		st.Wins, st.Losses = r.book.Stats()
	}
	for _, s := range r.strategies {
		st.Strategies = append(st.Strategies, StrategyStatus{
			Name:             s.config.Name,
			Symbol:           s.config.Symbol,
			Interval:         s.config.Interval,
			SignalsGenerated: s.signalsGenerated,
			TradesExecuted:   s.tradesExecuted,
			LastSignalTime:   s.lastSignalTime,
			BufferedCandles:  s.buffer.Len(),
		})
	}
	return st
}

// dispatch drains the queue in FIFO order until cancelled.
func (r *Runner) dispatch(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case candle := <-r.queue:
			if r.metrics != nil {
				r.metrics.QueueDepth.Set(float64(len(r.queue)))
			}
			r.processBar(ctx, candle)
		}
	}
}

func (r *Runner) processBar(ctx context.Context, candle *types.Candle) {
	r.mu.RLock()
	matched := make([]*liveStrategy, 0, 2)
	for _, s := range r.strategies {
		if s.config.Symbol == candle.Symbol && intervalMinutes(s.config.Interval) == candle.IntervalMinutes {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range matched {
		s.buffer.Add(candle)
		signal := s.fn(candle, r.strategyState(s, candle))
		if signal == nil || signal.Action == types.SignalActionHold {
			continue
		}
		r.handleSignal(ctx, s, candle, signal)
	}
}

// strategyState builds the per-callback view of account state.
func (r *Runner) strategyState(s *liveStrategy, candle *types.Candle) *strategy.State {
	st := &strategy.State{Params: s.config.Params}
	if r.book != nil {
		st.Capital = r.book.Balance()
		st.Equity = st.Capital
		if pos, ok := r.book.Position(candle.Symbol); ok {
			st.Position = pos
			st.Equity = st.Capital.Add(pos.PnLAt(candle.Close))
		}
	} else if r.positions != nil {
		st.Capital = r.positions.Equity()
		st.Equity = st.Capital
		if pos, ok := r.positions.Position(candle.Symbol); ok {
			st.Position = pos
		}
	}
	return st
}

// Mutated only from the dispatcher goroutine; the runner mutex guards
// visibility for Status readers.
func (r *Runner) handleSignal(ctx context.Context, s *liveStrategy, candle *types.Candle, signal *types.Signal) {
	r.mu.Lock()
	s.signalsGenerated++
	s.lastSignalTime = time.Now()
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.SignalsGenerated.WithLabelValues(s.key()).Inc()
	}

	if s.config.CooldownSeconds > 0 && !s.lastTradeTime.IsZero() {
		if time.Since(s.lastTradeTime) < time.Duration(s.config.CooldownSeconds)*time.Second {
			r.logger.Debug("cooldown active", zap.String("strategy", s.key()))
			return
		}
	}
	if signal.IsOpen() && r.dailyLossBreached(s) {
		r.logger.Warn("daily loss limit reached, open blocked",
			zap.String("strategy", s.key()))
		return
	}

	executed := false
	if signal.IsOpen() {
		executed = r.openFromSignal(ctx, s, candle, signal)
	} else if signal.Action == types.SignalActionClose {
		executed = r.closeFromSignal(ctx, s, candle)
	} else {
		r.logger.Warn("unrecognized signal action ignored",
			zap.String("action", string(signal.Action)))
		return
	}

	if executed {
		r.mu.Lock()
		s.tradesExecuted++
		s.lastTradeTime = time.Now()
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.TradesExecuted.WithLabelValues(s.key(), string(r.config.Mode)).Inc()
		}
	}
}

func (r *Runner) openFromSignal(ctx context.Context, s *liveStrategy, candle *types.Candle, signal *types.Signal) bool {
	side := signal.PositionSide()
	price := candle.Close
	if !signal.Price.IsZero() {
		price = signal.Price
	}

	qty := signal.Quantity
	if qty.IsZero() {
		qty = r.sizeQuantity(ctx, s, price)
		if qty.IsZero() {
			return false
		}
	}
	stopLoss, takeProfit := resolveProtections(s.config, side, price, signal)

	if r.book != nil {
		if err := r.book.Open(candle.Symbol, side, qty, price, stopLoss, takeProfit, candle.CloseTime); err != nil {
			r.logger.Warn("paper open rejected", zap.Error(err))
			return false
		}
		if r.metrics != nil {
			bal, _ := r.book.Balance().Float64()
			r.metrics.PaperBalance.Set(bal)
		}
		return true
	}

	if _, ok := r.positions.Position(candle.Symbol); ok {
		r.logger.Warn("open refused, position exists",
			zap.String("symbol", candle.Symbol))
		return false
	}
	order := &types.Order{
		Symbol:     candle.Symbol,
		Side:       sideToOrder(side),
		Type:       types.OrderTypeMarket,
		Quantity:   qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	if _, err := r.executor.PlaceOrder(ctx, order); err != nil {
		r.logger.Error("order placement failed", zap.Error(err))
		return false
	}
	if err := r.positions.Open(candle.Symbol, side, qty, price, time.Now()); err != nil {
		r.logger.Error("position tracking failed", zap.Error(err))
	}
	return true
}

func (r *Runner) closeFromSignal(ctx context.Context, s *liveStrategy, candle *types.Candle) bool {
	price := candle.Close

	if r.book != nil {
		trade := r.book.Close(candle.Symbol, price, candle.CloseTime)
		if trade == nil {
			return false
		}
		r.recordDailyPnL(s, trade.PnL)
		if r.metrics != nil {
			bal, _ := r.book.Balance().Float64()
			r.metrics.PaperBalance.Set(bal)
		}
		return true
	}

	pos, ok := r.positions.Position(candle.Symbol)
	if !ok {
		return false
	}
	order := &types.Order{
		Symbol:     candle.Symbol,
		Side:       sideToOrder(opposite(pos.Side)),
		Type:       types.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	}
	if _, err := r.executor.PlaceOrder(ctx, order); err != nil {
		r.logger.Error("close order failed", zap.Error(err))
		return false
	}
	if closed := r.positions.Close(candle.Symbol, price); closed != nil {
		r.recordDailyPnL(s, closed.PnLAt(price))
	}
	return true
}

// sizeQuantity derives a quantity from available funds and the
// strategy's position size percentage.
func (r *Runner) sizeQuantity(ctx context.Context, s *liveStrategy, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	var funds decimal.Decimal
	if r.book != nil {
		funds = r.book.Balance()
	} else if r.positions != nil {
		funds = r.positions.Equity()
	}
	if !funds.IsPositive() {
		return decimal.Zero
	}
	pct := decimal.NewFromFloat(s.config.PositionSizePercent)
	return funds.Mul(pct).Div(price)
}

func (r *Runner) recordDailyPnL(s *liveStrategy, pnl decimal.Decimal) {
	day := time.Now().UTC().Format("2006-01-02")
	r.mu.Lock()
	s.dailyPnL[day] = s.dailyPnL[day].Add(pnl)
	r.mu.Unlock()
}

func (r *Runner) dailyLossBreached(s *liveStrategy) bool {
	if s.config.MaxDailyLoss <= 0 {
		return false
	}
	day := time.Now().UTC().Format("2006-01-02")
	r.mu.RLock()
	pnl := s.dailyPnL[day]
	r.mu.RUnlock()
	return pnl.LessThanOrEqual(decimal.NewFromFloat(-s.config.MaxDailyLoss))
}

// resolveProtections prefers explicit signal levels, falling back to
// percentage offsets around the entry price.
func resolveProtections(cfg StrategyConfig, side types.PositionSide, entry decimal.Decimal, signal *types.Signal) (stopLoss, takeProfit decimal.Decimal) {
	stopLoss = signal.StopLoss
	takeProfit = signal.TakeProfit

	if stopLoss.IsZero() && cfg.StopLossPct > 0 {
		off := entry.Mul(decimal.NewFromFloat(cfg.StopLossPct))
		if side == types.PositionSideLong {
			stopLoss = entry.Sub(off)
		} else {
			stopLoss = entry.Add(off)
		}
	}
	if takeProfit.IsZero() && cfg.TakeProfitPct > 0 {
		off := entry.Mul(decimal.NewFromFloat(cfg.TakeProfitPct))
		if side == types.PositionSideLong {
			takeProfit = entry.Add(off)
		} else {
			takeProfit = entry.Sub(off)
		}
	}
	return stopLoss, takeProfit
}

func sideToOrder(side types.PositionSide) types.OrderSide {
	if side == types.PositionSideShort {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

func opposite(side types.PositionSide) types.PositionSide {
	if side == types.PositionSideLong {
		return types.PositionSideShort
	}
	return types.PositionSideLong
}
