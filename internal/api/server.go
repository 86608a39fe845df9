// Package api serves the status, backtest and metrics HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/backtest"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/live"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/slippage"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/internal/strategy"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ServerConfig configures the status server.
type ServerConfig struct {
	Addr     string
	Backtest *types.BacktestConfig
	Slippage slippage.Config
}

// StatusServer exposes runner status, on-demand backtests, health and
// prometheus metrics.
type StatusServer struct {
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
	runner     *live.Runner
	registry   *prometheus.Registry

	mu      sync.RWMutex
	results map[string]*types.BacktestResult
}

// NewStatusServer creates the server. registry may be nil when metrics
// are not wired.
func NewStatusServer(logger *zap.Logger, config ServerConfig, runner *live.Runner, registry *prometheus.Registry) *StatusServer {
	if config.Backtest == nil {
		config.Backtest = types.DefaultBacktestConfig()
	}
	s := &StatusServer{
		logger:   logger.Named("api"),
		config:   config,
		router:   mux.NewRouter(),
		runner:   runner,
		registry: registry,
		results:  make(map[string]*types.BacktestResult),
	}
	s.setupRoutes()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *StatusServer) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// Router exposes the mux for tests and extensions.
func (s *StatusServer) Router() *mux.Router { return s.router }

// Start blocks serving HTTP until Stop is called.
func (s *StatusServer) Start() error {
	s.logger.Info("status server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *StatusServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "runner not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Status())
}

func (s *StatusServer) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"builtin": strategy.Names()})
}

// runBacktestRequest is the POST body for an on-demand backtest.
type runBacktestRequest struct {
	Strategy string                `json:"strategy"`
	Params   map[string]float64    `json:"params,omitempty"`
	Candles  []*types.Candle       `json:"candles"`
	Config   *types.BacktestConfig `json:"config,omitempty"`
	Slippage *slippage.Config      `json:"slippage,omitempty"`
}

func (s *StatusServer) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runBacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	factory, ok := strategy.Lookup(req.Strategy)
	if !ok {
		http.Error(w, "unknown strategy: "+req.Strategy, http.StatusBadRequest)
		return
	}
	if len(req.Candles) == 0 {
		http.Error(w, "no candles provided", http.StatusBadRequest)
		return
	}

	cfg := req.Config
	if cfg == nil {
		cfg = s.config.Backtest
	}
	slipCfg := s.config.Slippage
	if req.Slippage != nil {
		slipCfg = *req.Slippage
	}

	engine := backtest.NewEngine(s.logger, cfg, slippage.FromConfig(slipCfg))
	result, err := engine.Run(r.Context(), req.Candles, factory(req.Params), req.Params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	id := uuid.New().String()
	s.mu.Lock()
	s.results[id] = result
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"result": result,
	})
}

func (s *StatusServer) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	result, ok := s.results[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
