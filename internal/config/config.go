// Package config loads application configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/live"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/slippage"
	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g.
// BYBIT_TESTER_API_ADDR, BYBIT_TESTER_BYBIT_API_KEY.
const envPrefix = "BYBIT_TESTER"

// Credentials carries exchange API credentials. They are normally
// injected via environment, never committed in a config file.
type Credentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// AppConfig is the full application configuration.
type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	APIAddr  string `mapstructure:"api_addr"`

	Runner   live.RunnerConfig   `mapstructure:"runner"`
	Stream   live.StreamConfig   `mapstructure:"stream"`
	Executor live.ExecutorConfig `mapstructure:"executor"`
	Shutdown live.ShutdownConfig `mapstructure:"shutdown"`

	// Slippage configures the model used by on-demand API backtests.
	Slippage slippage.Config `mapstructure:"slippage"`

	Bybit Credentials `mapstructure:"bybit"`
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		LogLevel: "info",
		APIAddr:  ":8080",
		Runner:   live.DefaultRunnerConfig(),
		Stream:   live.DefaultStreamConfig(),
		Executor: live.DefaultExecutorConfig(),
		Shutdown: live.DefaultShutdownConfig(),
		Slippage: slippage.DefaultConfig(),
	}
}

// Load reads configuration from the given file (optional) merged over
// defaults, with environment variables taking precedence.
func Load(path string) (AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("api_addr", def.APIAddr)

	v.SetDefault("runner.mode", string(def.Runner.Mode))
	v.SetDefault("runner.queue_size", def.Runner.QueueSize)
	v.SetDefault("runner.paper_balance", def.Runner.PaperBalance)

	v.SetDefault("stream.url", def.Stream.URL)
	v.SetDefault("stream.ping_interval", def.Stream.PingInterval)
	v.SetDefault("stream.reconnect_wait", def.Stream.ReconnectWait)

	v.SetDefault("executor.base_url", def.Executor.BaseURL)
	v.SetDefault("executor.recv_window", def.Executor.RecvWindow)
	v.SetDefault("executor.max_retries", def.Executor.MaxRetries)
	v.SetDefault("executor.retry_delay", def.Executor.RetryDelay)
	v.SetDefault("executor.timeout", def.Executor.Timeout)
	v.SetDefault("executor.category", def.Executor.Category)
	v.SetDefault("executor.testnet", def.Executor.Testnet)

	v.SetDefault("shutdown.phase_timeout", def.Shutdown.PhaseTimeout)
	v.SetDefault("shutdown.close_all_first", def.Shutdown.CloseAllFirst)

	v.SetDefault("slippage.model", def.Slippage.Model)
	v.SetDefault("slippage.fixed_pct", def.Slippage.FixedPct)
	v.SetDefault("slippage.max_pct", def.Slippage.MaxPct)

	v.SetDefault("bybit.api_key", "")
	v.SetDefault("bybit.api_secret", "")
}
