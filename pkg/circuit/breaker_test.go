package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	minerErrors "github.com/bardlex/gominer/pkg/errors"
)

var errPublish = errors.New("kafka: broker not available")

func openBreaker(t *testing.T, cfg *Config) *Breaker {
	t.Helper()
	breaker := New(cfg)
	for range cfg.MaxFailures {
		_ = breaker.Execute(context.Background(), func() error { return errPublish })
	}
	if breaker.GetState() != StateOpen {
		t.Fatalf("Expected circuit to be open, got %s", breaker.GetState())
	}
	return breaker
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxFailures != 5 {
		t.Errorf("Expected MaxFailures = 5, got %d", config.MaxFailures)
	}
	if config.SuccessRequired != 3 {
		t.Errorf("Expected SuccessRequired = 3, got %d", config.SuccessRequired)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout = 30s, got %v", config.Timeout)
	}
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)

	if breaker.config == nil {
		t.Error("Expected default config when nil is passed")
	}
	if breaker.GetState() != StateClosed {
		t.Error("Expected initial state to be Closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBreaker_OpenRejectsCalls(t *testing.T) {
	breaker := openBreaker(t, &Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	})

	called := false
	err := breaker.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	if err == nil {
		t.Fatal("Expected circuit breaker to reject call")
	}
	if called {
		t.Error("Expected function not to be called when circuit is open")
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeSink) {
		t.Error("Expected rejection to be a sink error")
	}
	if minerErrors.IsRetryable(err) {
		t.Error("Expected rejection to be non-retryable")
	}
	if stats := breaker.GetStats(); stats.Rejected != 1 {
		t.Errorf("Expected 1 rejected call, got %d", stats.Rejected)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	breaker := openBreaker(t, &Config{
		MaxFailures:     2,
		SuccessRequired: 2,
		Timeout:         time.Millisecond,
		ResetTimeout:    30 * time.Second,
	})

	time.Sleep(5 * time.Millisecond)

	if err := breaker.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Expected trial request to run, got: %v", err)
	}
	if breaker.GetState() != StateHalfOpen {
		t.Errorf("Expected HalfOpen after first success, got %s", breaker.GetState())
	}

	if err := breaker.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Expected second trial request to run, got: %v", err)
	}
	if breaker.GetState() != StateClosed {
		t.Errorf("Expected Closed after required successes, got %s", breaker.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	breaker := openBreaker(t, &Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         time.Millisecond,
		ResetTimeout:    30 * time.Second,
	})

	time.Sleep(5 * time.Millisecond)

	if err := breaker.Execute(context.Background(), func() error { return errPublish }); err != errPublish {
		t.Errorf("Expected the function error, got %v", err)
	}
	if breaker.GetState() != StateOpen {
		t.Errorf("Expected circuit to reopen after failure, got %s", breaker.GetState())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []State

	cfg := &Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         time.Millisecond,
		ResetTimeout:    30 * time.Second,
		OnStateChange: func(_, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}
	breaker := openBreaker(t, cfg)

	time.Sleep(5 * time.Millisecond)
	_ = breaker.Execute(context.Background(), func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestExecuteWithResult(t *testing.T) {
	breaker := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: 10 * time.Second, ResetTimeout: 30 * time.Second})

	result, err := ExecuteWithResult(context.Background(), breaker, func() (int, error) { return 42, nil })
	if err != nil || result != 42 {
		t.Fatalf("Expected (42, nil), got (%d, %v)", result, err)
	}

	_, _ = ExecuteWithResult(context.Background(), breaker, func() (int, error) { return 0, errPublish })

	result, err = ExecuteWithResult(context.Background(), breaker, func() (int, error) { return 7, nil })
	if err == nil {
		t.Error("Expected circuit breaker to reject call")
	}
	if result != 0 {
		t.Errorf("Expected zero result when open, got %d", result)
	}
}

func TestBreaker_Reset(t *testing.T) {
	breaker := openBreaker(t, &Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	})

	breaker.Reset()

	stats := breaker.GetStats()
	if stats.State != StateClosed {
		t.Errorf("Expected Closed after reset, got %s", stats.State)
	}
	if stats.Failures != 0 || stats.Successes != 0 {
		t.Errorf("Expected counters reset, got failures=%d successes=%d", stats.Failures, stats.Successes)
	}
}

func TestBreaker_ResetTimeout(t *testing.T) {
	breaker := New(&Config{
		MaxFailures:     2,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    time.Millisecond,
	})

	_ = breaker.Execute(context.Background(), func() error { return errPublish })
	time.Sleep(5 * time.Millisecond)
	_ = breaker.Execute(context.Background(), func() error { return nil })

	if stats := breaker.GetStats(); stats.Failures != 0 {
		t.Errorf("Expected failures to decay after reset timeout, got %d", stats.Failures)
	}
}
