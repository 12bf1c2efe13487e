package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func openBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.RecordResult(false)
	}
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	openBreaker(cb, 2)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	openBreaker(cb, 2)
	cb.RecordResult(true)
	openBreaker(cb, 2)

	if cb.GetState() != StateClosed {
		t.Error("Expected non-consecutive failures to keep the circuit Closed")
	}
}

func TestCircuitBreaker_HalfOpenThenClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(80 * time.Millisecond)

	for i := 0; i < 3; i++ {
		err := cb.Call(func() error { return nil })
		if err != nil {
			t.Fatalf("Expected probe %d to be allowed, got %v", i, err)
		}
		if i == 0 && cb.GetState() != StateHalfOpen {
			t.Errorf("Expected HalfOpen after first probe, got %s", cb.GetState())
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after successful probes, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_FailureInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 50*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(80 * time.Millisecond)

	err := cb.Call(func() error { return errors.New("still down") })
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected probe to run and fail, got %v", err)
	}
	if cb.GetState() != StateOpen {
		t.Errorf("Expected Open after failure in HalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected function not to run while circuit is open")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := NewCircuitBreaker("engine", 2, time.Second)

	var mu sync.Mutex
	var transitions []CircuitState
	cb.OnStateChange(func(name string, from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		if name != "engine" {
			t.Errorf("Expected name 'engine', got '%s'", name)
		}
		transitions = append(transitions, to)
	})

	openBreaker(cb, 2)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("Expected one transition to Open, got %v", transitions)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)
	openBreaker(cb, 3)

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Error("Expected state to be Closed after reset")
	}
	if !cb.allowRequest() {
		t.Error("Expected requests to be allowed after reset")
	}
}
