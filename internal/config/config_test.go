package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/live"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.APIAddr != ":8080" {
		t.Errorf("defaults = %s/%s", cfg.LogLevel, cfg.APIAddr)
	}
	if cfg.Runner.Mode != live.ModePaper || cfg.Runner.PaperBalance != 10000 {
		t.Errorf("runner defaults = %+v", cfg.Runner)
	}
	if cfg.Executor.MaxRetries != 3 {
		t.Errorf("executor retries = %d, want 3", cfg.Executor.MaxRetries)
	}
	if cfg.Slippage.Model != "fixed" || cfg.Slippage.FixedPct != 0.0005 {
		t.Errorf("slippage defaults = %+v", cfg.Slippage)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
log_level: debug
api_addr: ":9090"
runner:
  mode: paper
  paper_balance: 5000
  strategies:
    - name: sma_cross
      symbol: BTCUSDT
      interval: "60"
      cooldown_seconds: 300
      params:
        fast: 10
        slow: 30
stream:
  ping_interval: 30s
executor:
  testnet: true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.APIAddr != ":9090" {
		t.Errorf("loaded = %s/%s", cfg.LogLevel, cfg.APIAddr)
	}
	if cfg.Runner.PaperBalance != 5000 {
		t.Errorf("paper balance = %f, want 5000", cfg.Runner.PaperBalance)
	}
	if len(cfg.Runner.Strategies) != 1 {
		t.Fatalf("strategies = %d, want 1", len(cfg.Runner.Strategies))
	}
	s := cfg.Runner.Strategies[0]
	if s.Name != "sma_cross" || s.Symbol != "BTCUSDT" || s.CooldownSeconds != 300 {
		t.Errorf("strategy = %+v", s)
	}
	if s.Params["fast"] != 10 || s.Params["slow"] != 30 {
		t.Errorf("params = %v", s.Params)
	}
	if cfg.Stream.PingInterval != 30*time.Second {
		t.Errorf("ping interval = %v, want 30s", cfg.Stream.PingInterval)
	}
	if !cfg.Executor.Testnet {
		t.Error("testnet should be enabled")
	}
	// Unset keys keep defaults.
	if cfg.Executor.MaxRetries != 3 {
		t.Errorf("retries = %d, want default 3", cfg.Executor.MaxRetries)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BYBIT_TESTER_LOG_LEVEL", "warn")
	t.Setenv("BYBIT_TESTER_BYBIT_API_KEY", "env-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %s, want warn from env", cfg.LogLevel)
	}
	if cfg.Bybit.APIKey != "env-key" {
		t.Errorf("api key = %q, want env-key", cfg.Bybit.APIKey)
	}
}

func TestMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
