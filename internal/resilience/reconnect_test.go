package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	config := &ReconnectConfig{MaxAttempts: 4, Backoff: 5 * time.Millisecond, Multiplier: 2, MaxBackoff: 20 * time.Millisecond}

	attempts := 0
	err := Reconnect(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, config)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	config := &ReconnectConfig{MaxAttempts: 2, Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond}
	cause := errors.New("socket closed")

	err := Reconnect(context.Background(), func() error { return cause }, config)
	if !errors.Is(err, cause) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Reconnect(ctx, func() error {
		called = true
		return nil
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Expected no attempt after cancellation")
	}
}
