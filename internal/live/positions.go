package live

import (
	"errors"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrPositionExists is returned when opening on a symbol that already
// has an open position.
var ErrPositionExists = errors.New("position already open for symbol")

// PositionManager tracks live positions in one-way mode. Opening a
// symbol that already has a position is refused; callers close first.
type PositionManager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	equity    decimal.Decimal
	positions map[string]*types.Position
}

// NewPositionManager creates a manager seeded with starting equity.
func NewPositionManager(logger *zap.Logger, equity decimal.Decimal) *PositionManager {
	return &PositionManager{
		logger:    logger.Named("positions"),
		equity:    equity,
		positions: make(map[string]*types.Position),
	}
}

// Equity returns tracked account equity.
func (m *PositionManager) Equity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// SetEquity replaces tracked equity, e.g. from a wallet-balance poll.
func (m *PositionManager) SetEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

// Position returns the open position for a symbol, if any.
func (m *PositionManager) Position(symbol string) (*types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// Open records a new position. Stacking onto an existing position is
// refused with ErrPositionExists.
func (m *PositionManager) Open(symbol string, side types.PositionSide, qty, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[symbol]; ok {
		return ErrPositionExists
	}
	m.positions[symbol] = &types.Position{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: price,
		Quantity:   qty,
		OpenedAt:   at,
	}
	m.logger.Info("position opened",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("qty", qty.String()))
	return nil
}

// Close removes the position for a symbol and folds realized PnL into
// equity. Returns the removed position, or nil when flat.
func (m *PositionManager) Close(symbol string, price decimal.Decimal) *types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	delete(m.positions, symbol)
	m.equity = m.equity.Add(pos.PnLAt(price))
	m.logger.Info("position closed",
		zap.String("symbol", symbol),
		zap.String("equity", m.equity.String()))
	return pos
}

// Symbols returns symbols with open positions.
func (m *PositionManager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.positions))
	for s := range m.positions {
		out = append(out, s)
	}
	return out
}
