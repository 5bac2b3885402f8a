package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdown_SingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	called := false
	coord.RegisterFunc("test", func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
	if coord.Err() != nil {
		t.Fatalf("expected Err() to be nil, got %v", coord.Err())
	}
	result := coord.Result()
	if result == nil || len(result.Results) != 1 || result.Results[0].Name != "test" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Failed() {
		t.Fatal("expected result.Failed() to be false")
	}
}

func TestShutdown_PhasesInOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of order on purpose.
	coord.RegisterFuncWithPhase("bus", record("bus"), PhaseTransport)
	coord.RegisterFuncWithPhase("heartbeat", record("heartbeat"), PhaseLiveness)
	coord.RegisterFuncWithPhase("agents", record("agents"), PhaseAgents)
	coord.RegisterFunc("late", record("late"))

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	want := []string{"heartbeat", "agents", "bus", "late"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var running, peak atomic.Int32
	for _, name := range []string{"monitor", "broadcaster", "tap"} {
		coord.RegisterFuncWithPhase(name, func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			running.Add(-1)
			return nil
		}, PhaseLiveness)
	}

	start := time.Now()
	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak.Load())
	}
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("phase took %v, handlers should overlap", elapsed)
	}
}

func TestShutdown_Timeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	coord.RegisterFuncWithPhase("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, PhaseAgents)
	laterCalled := false
	coord.RegisterFuncWithPhase("later", func(ctx context.Context) error {
		laterCalled = true
		return nil
	}, PhaseTransport)

	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Shutdown = %v, want ErrTimeout", err)
	}
	if laterCalled {
		t.Error("phases after the deadline should not run")
	}
	if got := coord.Result().FailedHandlers(); len(got) != 1 || got[0] != "slow" {
		t.Errorf("FailedHandlers() = %v", got)
	}
}

func TestShutdown_ContinueOnError(t *testing.T) {
	for _, cont := range []bool{true, false} {
		cfg := DefaultConfig()
		cfg.ContinueOnError = cont
		coord := NewCoordinator(cfg)

		coord.RegisterFuncWithPhase("agents", func(ctx context.Context) error {
			return errors.New("agent refused to stop")
		}, PhaseAgents)
		busClosed := false
		coord.RegisterFuncWithPhase("bus", func(ctx context.Context) error {
			busClosed = true
			return nil
		}, PhaseTransport)

		err := coord.ShutdownWithTimeout(time.Second)
		if !errors.Is(err, ErrHandlerFailed) {
			t.Errorf("continue=%v: Shutdown = %v, want ErrHandlerFailed", cont, err)
		}
		if busClosed != cont {
			t.Errorf("continue=%v: later phase ran = %v", cont, busClosed)
		}
	}
}

func TestShutdown_Twice(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	var calls atomic.Int32
	coord.RegisterFunc("once", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("first Shutdown error: %v", err)
	}
	if err := coord.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrAlreadyShutdown) {
		t.Errorf("second Shutdown = %v, want ErrAlreadyShutdown", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestShutdown_Trigger(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	called := make(chan struct{})
	coord.RegisterFunc("test", func(ctx context.Context) error {
		close(called)
		return nil
	})
	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not triggered")
	}
	select {
	case <-called:
	default:
		t.Error("handler was not called")
	}
}
