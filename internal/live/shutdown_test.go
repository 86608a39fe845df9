package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestShutdownPhaseOrder(t *testing.T) {
	m := NewShutdownManager(zap.NewNop(), DefaultShutdownConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) Stopper {
		return StopperFunc(func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	// Registered out of order on purpose.
	m.Register(PhaseTransport, record("transport"))
	m.Register(PhaseExecutor, record("executor"))
	m.Register(PhaseRunner, record("runner"))
	m.Register(PhasePositions, record("positions"))

	m.Shutdown()

	want := []string{"runner", "positions", "executor", "transport"}
	if len(order) != len(want) {
		t.Fatalf("stopped %d components, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("phase %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	m := NewShutdownManager(zap.NewNop(), DefaultShutdownConfig())
	stops := 0
	m.Register(PhaseRunner, StopperFunc(func() error {
		stops++
		return nil
	}))
	m.Shutdown()
	m.Shutdown()
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	m := NewShutdownManager(zap.NewNop(), DefaultShutdownConfig())
	m.Register(PhaseRunner, StopperFunc(func() error { return errors.New("runner boom") }))
	reached := false
	m.Register(PhaseTransport, StopperFunc(func() error {
		reached = true
		return nil
	}))

	m.Shutdown()

	if !reached {
		t.Error("later phases must still run after an error")
	}
	if len(m.Errors()) != 1 {
		t.Errorf("errors = %d, want 1", len(m.Errors()))
	}
}

func TestShutdownCloseAllFirst(t *testing.T) {
	cfg := DefaultShutdownConfig()
	cfg.CloseAllFirst = true
	m := NewShutdownManager(zap.NewNop(), cfg)

	var order []string
	m.SetCloseAll(func(ctx context.Context) error {
		order = append(order, "close-all")
		return nil
	})
	m.OnShutdown(func() { order = append(order, "callback") })
	m.Register(PhaseRunner, StopperFunc(func() error {
		order = append(order, "runner")
		return nil
	}))

	m.Shutdown()

	want := []string{"close-all", "callback", "runner"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdownPhaseTimeout(t *testing.T) {
	cfg := ShutdownConfig{PhaseTimeout: 20 * time.Millisecond}
	m := NewShutdownManager(zap.NewNop(), cfg)

	m.Register(PhaseRunner, StopperFunc(func() error {
		time.Sleep(time.Second)
		return nil
	}))
	done := false
	m.Register(PhaseTransport, StopperFunc(func() error {
		done = true
		return nil
	}))

	start := time.Now()
	m.Shutdown()
	if time.Since(start) > 500*time.Millisecond {
		t.Error("shutdown did not respect the phase timeout")
	}
	if !done {
		t.Error("later phase should run after a timeout")
	}
}
