package live

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Stopper is a component that can be stopped during shutdown.
type Stopper interface {
	Stop() error
}

// StopperFunc adapts a func to Stopper.
type StopperFunc func() error

// Stop implements Stopper.
func (f StopperFunc) Stop() error { return f() }

// shutdown phases run strictly in this order.
const (
	PhaseRunner = iota
	PhasePositions
	PhaseExecutor
	PhaseTransport
	phaseCount
)

var phaseNames = [phaseCount]string{"runner", "positions", "executor", "transport"}

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	PhaseTimeout  time.Duration `json:"phaseTimeout" mapstructure:"phase_timeout"`
	CloseAllFirst bool          `json:"closeAllFirst" mapstructure:"close_all_first"`
}

// DefaultShutdownConfig allows 10s per phase.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{PhaseTimeout: 10 * time.Second}
}

// ShutdownManager stops registered components on SIGINT/SIGTERM in a
// fixed phase order. Errors are collected, never fatal.
type ShutdownManager struct {
	logger *zap.Logger
	config ShutdownConfig

	mu        sync.Mutex
	phases    [phaseCount][]Stopper
	callbacks []func()
	closeAll  func(ctx context.Context) error
	done      bool
	errs      []error
}

// NewShutdownManager creates a manager.
func NewShutdownManager(logger *zap.Logger, config ShutdownConfig) *ShutdownManager {
	if config.PhaseTimeout <= 0 {
		config.PhaseTimeout = DefaultShutdownConfig().PhaseTimeout
	}
	return &ShutdownManager{
		logger: logger.Named("shutdown"),
		config: config,
	}
}

// Register adds a component to a phase.
func (m *ShutdownManager) Register(phase int, s Stopper) {
	if phase < 0 || phase >= phaseCount {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[phase] = append(m.phases[phase], s)
}

// OnShutdown registers a callback invoked before components stop.
func (m *ShutdownManager) OnShutdown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetCloseAll installs the close-all-positions hook, run first when
// CloseAllFirst is set.
func (m *ShutdownManager) SetCloseAll(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAll = fn
}

// Wait blocks until a termination signal or context cancellation, then
// runs the shutdown sequence once.
func (m *ShutdownManager) Wait(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("termination signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		m.logger.Info("context cancelled")
	}
	m.Shutdown()
}

// Shutdown runs the sequence. Safe to call more than once.
func (m *ShutdownManager) Shutdown() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	closeAll := m.closeAll
	callbacks := append([]func(){}, m.callbacks...)
	m.mu.Unlock()

	if m.config.CloseAllFirst && closeAll != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.PhaseTimeout)
		if err := closeAll(ctx); err != nil {
			m.recordErr(err)
			m.logger.Error("close-all failed", zap.Error(err))
		}
		cancel()
	}
	for _, fn := range callbacks {
		fn()
	}

	for phase := 0; phase < phaseCount; phase++ {
		m.mu.Lock()
		stoppers := append([]Stopper{}, m.phases[phase]...)
		m.mu.Unlock()
		for _, s := range stoppers {
			m.stopWithTimeout(phaseNames[phase], s)
		}
	}
	m.logger.Info("shutdown complete", zap.Int("errors", len(m.Errors())))
}

// stopWithTimeout bounds one component stop by the phase timeout.
func (m *ShutdownManager) stopWithTimeout(phase string, s Stopper) {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			m.recordErr(err)
			m.logger.Error("component stop failed",
				zap.String("phase", phase), zap.Error(err))
		}
	case <-time.After(m.config.PhaseTimeout):
		m.logger.Error("component stop timed out", zap.String("phase", phase))
	}
}

func (m *ShutdownManager) recordErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Errors returns errors collected during shutdown.
func (m *ShutdownManager) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error{}, m.errs...)
}
