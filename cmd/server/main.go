// Package main provides the entry point for the strategy tester
// live-runner server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/api"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/config"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/live"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/strategy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting strategy tester server",
		zap.String("mode", string(cfg.Runner.Mode)),
		zap.String("apiAddr", cfg.APIAddr),
		zap.Int("strategies", len(cfg.Runner.Strategies)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := live.NewMetrics(registry)

	// Real mode needs credentials and an executor; paper mode trades
	// against an in-memory book.
	var executor *live.OrderExecutor
	var positions *live.PositionManager
	if cfg.Runner.Mode == live.ModeReal {
		if cfg.Bybit.APIKey == "" || cfg.Bybit.APISecret == "" {
			logger.Fatal("real mode requires bybit credentials")
		}
		creds, err := live.NewCredentialStore(cfg.Bybit.APIKey, cfg.Bybit.APISecret)
		if err != nil {
			logger.Fatal("credential store", zap.Error(err))
		}
		defer creds.Close()

		executor = live.NewOrderExecutor(logger, cfg.Executor, creds)
		equity, err := executor.WalletBalance(ctx)
		if err != nil {
			logger.Fatal("wallet balance", zap.Error(err))
		}
		positions = live.NewPositionManager(logger, equity)
	}

	runner := live.NewRunner(logger, cfg.Runner, metrics, executor, positions)
	for _, sc := range cfg.Runner.Strategies {
		factory, ok := strategy.Lookup(sc.Name)
		if !ok {
			logger.Fatal("unknown strategy", zap.String("name", sc.Name))
		}
		if err := runner.AddStrategy(sc, factory(sc.Params)); err != nil {
			logger.Fatal("register strategy", zap.Error(err))
		}
	}

	stream := live.NewStream(logger, cfg.Stream, metrics, runner.OnBar)

	if err := runner.Start(ctx); err != nil {
		logger.Fatal("start runner", zap.Error(err))
	}
	if err := stream.Start(ctx); err != nil {
		logger.Fatal("start stream", zap.Error(err))
	}
	for _, sc := range cfg.Runner.Strategies {
		if err := stream.Subscribe(sc.Symbol, sc.Interval); err != nil {
			logger.Error("subscribe failed",
				zap.String("symbol", sc.Symbol),
				zap.String("interval", sc.Interval),
				zap.Error(err))
		}
	}

	server := api.NewStatusServer(logger, api.ServerConfig{
		Addr:     cfg.APIAddr,
		Slippage: cfg.Slippage,
	}, runner, registry)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("status server error", zap.Error(err))
		}
	}()

	shutdown := live.NewShutdownManager(logger, cfg.Shutdown)
	shutdown.Register(live.PhaseRunner, runner)
	if positions != nil {
		shutdown.Register(live.PhasePositions, live.StopperFunc(func() error {
			for _, symbol := range positions.Symbols() {
				logger.Warn("position still open at shutdown", zap.String("symbol", symbol))
			}
			return nil
		}))
	}
	if executor != nil {
		shutdown.Register(live.PhaseExecutor, live.StopperFunc(func() error {
			executor.Close()
			return nil
		}))
	}
	shutdown.Register(live.PhaseTransport, stream)
	shutdown.OnShutdown(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Shutdown.PhaseTimeout)
		defer stopCancel()
		if err := server.Stop(stopCtx); err != nil {
			logger.Error("status server shutdown", zap.Error(err))
		}
	})

	shutdown.Wait(ctx)
	logger.Info("Server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	logCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
