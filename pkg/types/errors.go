package types

import "errors"

// Validation errors surfaced before a run starts.
var (
	ErrInvalidCapital      = errors.New("initial capital must be positive")
	ErrInvalidLeverage     = errors.New("leverage must be >= 1")
	ErrInvalidPositionSize = errors.New("max position size must be in (0, 1]")
	ErrNoCandles           = errors.New("no candle data provided")
	ErrMisalignedData      = errors.New("asset data series are not aligned")
)
