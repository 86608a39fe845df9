package slippage

// Config selects and parameterises a slippage model.
type Config struct {
	Model string `json:"model" mapstructure:"model"`

	FixedPct             float64 `json:"fixedPct" mapstructure:"fixed_pct"`
	ImpactFactor         float64 `json:"impactFactor" mapstructure:"impact_factor"`
	BasePct              float64 `json:"basePct" mapstructure:"base_pct"`
	VolatilityMultiplier float64 `json:"volatilityMultiplier" mapstructure:"volatility_multiplier"`
	SpreadMultiplier     float64 `json:"spreadMultiplier" mapstructure:"spread_multiplier"`
	DepthFactor          float64 `json:"depthFactor" mapstructure:"depth_factor"`
	MinSpread            float64 `json:"minSpread" mapstructure:"min_spread"`

	MinPct float64 `json:"minPct" mapstructure:"min_pct"`
	MaxPct float64 `json:"maxPct" mapstructure:"max_pct"`

	// Adaptive wraps the model named here.
	AdaptiveBase string `json:"adaptiveBase" mapstructure:"adaptive_base"`
}

// DefaultConfig returns a fixed 5 bps model configuration.
func DefaultConfig() Config {
	return Config{
		Model:    "fixed",
		FixedPct: 0.0005,
		MaxPct:   maxSlippageCeiling,
	}
}

// FromConfig builds a slippage model from its configuration. Unknown
// model names fall back to the fixed model.
func FromConfig(cfg Config) Model {
	maxPct := cfg.MaxPct
	if maxPct <= 0 || maxPct > maxSlippageCeiling {
		maxPct = maxSlippageCeiling
	}
	switch cfg.Model {
	case "volume_impact":
		return NewVolumeImpact(cfg.ImpactFactor, cfg.MinPct, maxPct)
	case "volatility":
		return NewVolatility(cfg.BasePct, cfg.VolatilityMultiplier, cfg.MinPct, maxPct)
	case "orderbook":
		return NewOrderBook(cfg.SpreadMultiplier, cfg.DepthFactor, cfg.MinSpread, cfg.MinPct, maxPct)
	case "composite":
		return NewDefaultComposite(cfg.MinPct, maxPct)
	case "adaptive":
		baseCfg := cfg
		baseCfg.Model = cfg.AdaptiveBase
		if baseCfg.Model == "" || baseCfg.Model == "adaptive" {
			baseCfg.Model = "composite"
		}
		return NewAdaptive(FromConfig(baseCfg), cfg.MinPct, maxPct)
	default:
		return NewFixed(cfg.FixedPct)
	}
}
