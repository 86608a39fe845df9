package live

import (
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperBook simulates fills against a mutable balance. At most one
// position per symbol; fills are instant at the signal price with no
// partials and no slippage.
type PaperBook struct {
	logger *zap.Logger

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*types.Position
	trades    []*types.Trade
	wins      int
	losses    int
}

// NewPaperBook creates a paper book with the given starting balance.
func NewPaperBook(logger *zap.Logger, balance decimal.Decimal) *PaperBook {
	return &PaperBook{
		logger:    logger.Named("paper"),
		balance:   balance,
		positions: make(map[string]*types.Position),
	}
}

// Balance returns the current balance.
func (b *PaperBook) Balance() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance
}

// Position returns the open position for a symbol, if any.
func (b *PaperBook) Position(symbol string) (*types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	return p, ok
}

// Stats returns win and loss counts.
func (b *PaperBook) Stats() (wins, losses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wins, b.losses
}

// Trades returns the closed trade history.
func (b *PaperBook) Trades() []*types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Open opens a position. A symbol with an existing position is
// rejected; close it first.
func (b *PaperBook) Open(symbol string, side types.PositionSide, qty, price, stopLoss, takeProfit decimal.Decimal, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.positions[symbol]; ok {
		return ErrPositionExists
	}
	b.positions[symbol] = &types.Position{
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      price,
		Quantity:        qty,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		OpenedAt:        at,
	}
	b.logger.Info("paper open",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()))
	return nil
}

// Close closes the position for a symbol at price, accruing PnL to the
// balance. Closing a flat symbol is a no-op returning nil trade.
func (b *PaperBook) Close(symbol string, price decimal.Decimal, at time.Time) *types.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return nil
	}
	delete(b.positions, symbol)

	pnl := pos.PnLAt(price)
	b.balance = b.balance.Add(pnl)
	if pnl.IsPositive() {
		b.wins++
	} else {
		b.losses++
	}

	trade := &types.Trade{
		ID:              symbol + "-" + at.UTC().Format("20060102T150405.000"),
		Symbol:          symbol,
		Side:            pos.Side,
		EntryPrice:      pos.EntryPrice,
		ExitPrice:       price,
		Quantity:        pos.Quantity,
		EntryTime:       pos.OpenedAt,
		ExitTime:        at,
		DurationSeconds: at.Sub(pos.OpenedAt).Seconds(),
		PnL:             pnl,
		Reason:          types.ExitReasonRegular,
	}
	b.trades = append(b.trades, trade)
	b.logger.Info("paper close",
		zap.String("symbol", symbol),
		zap.String("pnl", pnl.String()),
		zap.String("balance", b.balance.String()))
	return trade
}

// CloseAll closes every open position at the given mark prices.
// Symbols without a mark keep their position.
func (b *PaperBook) CloseAll(marks map[string]decimal.Decimal, at time.Time) []*types.Trade {
	b.mu.Lock()
	symbols := make([]string, 0, len(b.positions))
	for s := range b.positions {
		symbols = append(symbols, s)
	}
	b.mu.Unlock()

	var out []*types.Trade
	for _, s := range symbols {
		price, ok := marks[s]
		if !ok {
			continue
		}
		if t := b.Close(s, price, at); t != nil {
			out = append(out, t)
		}
	}
	return out
}
