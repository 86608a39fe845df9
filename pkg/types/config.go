// Package types provides configuration types for the strategy tester.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillModel selects the engine's fill behaviour
type FillModel string

const (
	FillModelInstant     FillModel = "instant"
	FillModelRealistic   FillModel = "realistic"
	FillModelPessimistic FillModel = "pessimistic"
)

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	InitialCapital  decimal.Decimal `json:"initialCapital"`
	Leverage        decimal.Decimal `json:"leverage"`
	MaxPositionSize decimal.Decimal `json:"maxPositionSize"`
	MakerFee        decimal.Decimal `json:"makerFee"`
	TakerFee        decimal.Decimal `json:"takerFee"`

	ApplyFunding           bool                       `json:"applyFunding"`
	FundingRate            decimal.Decimal            `json:"fundingRate"`
	FundingIntervalMinutes float64                    `json:"fundingIntervalMinutes"`
	FundingIntervalCandles int                        `json:"fundingIntervalCandles"`
	FundingRateBySymbol    map[string]decimal.Decimal `json:"fundingRateBySymbol,omitempty"`

	MaintenanceMargin         decimal.Decimal            `json:"maintenanceMargin"`
	MaintenanceMarginBySymbol map[string]decimal.Decimal `json:"maintenanceMarginBySymbol,omitempty"`
	MaintenanceVolMultiplier  decimal.Decimal            `json:"maintenanceVolMultiplier"`
	LiquidationPenaltyPct     decimal.Decimal            `json:"liquidationPenaltyPct"`

	FillModel    FillModel `json:"fillModel"`
	PartialFills bool      `json:"partialFills"`
	// Largest share of a bar's notional a single market order can take
	// before it is partially filled under the realistic fill model.
	MaxBarParticipation decimal.Decimal `json:"maxBarParticipation"`

	MaxDrawdownLimit decimal.Decimal `json:"maxDrawdownLimit"`
	DailyLossLimit   decimal.Decimal `json:"dailyLossLimit"`
	PositionLimit    int             `json:"positionLimit"`

	// Annualisation factor for Sharpe/Sortino and volatility.
	PeriodsPerYear float64 `json:"periodsPerYear"`
}

// DefaultBacktestConfig returns a BacktestConfig with sensible defaults.
func DefaultBacktestConfig() *BacktestConfig {
	return &BacktestConfig{
		InitialCapital:           decimal.NewFromInt(10000),
		Leverage:                 decimal.NewFromInt(1),
		MaxPositionSize:          decimal.NewFromFloat(1.0),
		MakerFee:                 decimal.NewFromFloat(0.0002),
		TakerFee:                 decimal.NewFromFloat(0.00055),
		ApplyFunding:             false,
		FundingRate:              decimal.NewFromFloat(0.0001),
		FundingIntervalMinutes:   480,
		MaintenanceMargin:        decimal.NewFromFloat(0.005),
		MaintenanceVolMultiplier: decimal.Zero,
		LiquidationPenaltyPct:    decimal.NewFromFloat(0.005),
		FillModel:                FillModelInstant,
		MaxBarParticipation:      decimal.NewFromFloat(0.1),
		PositionLimit:            1,
		PeriodsPerYear:           365 * 24,
	}
}

// Validate checks the config for out-of-range values.
func (c *BacktestConfig) Validate() error {
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidCapital
	}
	if c.Leverage.LessThan(decimal.NewFromInt(1)) {
		return ErrInvalidLeverage
	}
	if c.MaxPositionSize.LessThanOrEqual(decimal.Zero) || c.MaxPositionSize.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidPositionSize
	}
	return nil
}

// BacktestStatus represents the terminal state of a run
type BacktestStatus string

const (
	BacktestStatusCompleted BacktestStatus = "completed"
	BacktestStatusNoTrades  BacktestStatus = "no_trades"
	BacktestStatusError     BacktestStatus = "error"
)

// PerformanceReport holds the headline numbers of a backtest run
type PerformanceReport struct {
	FinalCapital     decimal.Decimal `json:"finalCapital"`
	TotalReturnPct   float64         `json:"totalReturnPct"`
	NetProfit        decimal.Decimal `json:"netProfit"`
	GrossProfit      decimal.Decimal `json:"grossProfit"`
	SharpeRatio      float64         `json:"sharpeRatio"`
	SortinoRatio     float64         `json:"sortinoRatio"`
	CalmarRatio      float64         `json:"calmarRatio"`
	MaxDrawdownPct   float64         `json:"maxDrawdownPct"`
	MaxDrawdownBars  int             `json:"maxDrawdownBars"`
	TimeInMarketPct  float64         `json:"timeInMarketPct"`
	ProfitFactor     float64         `json:"profitFactor"`
}

// TradeReport aggregates trade statistics
type TradeReport struct {
	Total      int             `json:"total"`
	Winning    int             `json:"winning"`
	Losing     int             `json:"losing"`
	WinRate    float64         `json:"winRatePct"`
	AvgTrade   decimal.Decimal `json:"avgTrade"`
	AvgWin     decimal.Decimal `json:"avgWin"`
	AvgLoss    decimal.Decimal `json:"avgLoss"`
	Expectancy decimal.Decimal `json:"expectancy"`
}

// EventReport aggregates funding and liquidation activity
type EventReport struct {
	Liquidations  int           `json:"liquidations"`
	FundingEvents int           `json:"fundingEvents"`
	Log           []EngineEvent `json:"log"`
}

// CostReport aggregates execution costs
type CostReport struct {
	TotalCommission decimal.Decimal `json:"totalCommission"`
	TotalSlippage   decimal.Decimal `json:"totalSlippage"`
	TotalFunding    decimal.Decimal `json:"totalFunding"`
	CostRatioPct    float64         `json:"costRatioPct"`
}

// BacktestResult represents the results of a backtest
type BacktestResult struct {
	Config          *BacktestConfig   `json:"config"`
	Performance     PerformanceReport `json:"performance"`
	Events          EventReport       `json:"events"`
	Trades          TradeReport       `json:"trades"`
	Costs           CostReport        `json:"costs"`
	EquityCurve     []EquityPoint     `json:"equityCurve"`
	DrawdownCurve   []float64         `json:"drawdownCurve"`
	AllTrades       []Trade           `json:"allTrades"`
	DurationSeconds float64           `json:"durationSeconds"`
	Status          BacktestStatus    `json:"status"`
	StartedAt       time.Time         `json:"startedAt"`
	CompletedAt     time.Time         `json:"completedAt"`
}
