package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	minerErrors "github.com/bardlex/gominer/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestPresetConfigs(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts int
		baseDelay   time.Duration
		maxDelay    time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond, 5 * time.Second},
		{"sink", SinkConfig(), 3, 200 * time.Millisecond, 3 * time.Second},
		{"publish", PublishConfig(), 3, 50 * time.Millisecond, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.maxAttempts)
			}
			if tt.config.BaseDelay != tt.baseDelay {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.baseDelay)
			}
			if tt.config.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.config.MaxDelay, tt.maxDelay)
			}
			if !tt.config.Jitter {
				t.Error("Jitter should be enabled")
			}
		})
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		callCount++
		if callCount == 1 {
			return minerErrors.New(minerErrors.ErrorTypeTransport, "dial", "refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		callCount++
		return minerErrors.New(minerErrors.ErrorTypeSink, "ping", "redis down")
	})

	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeInternal) {
		t.Error("Expected wrapped error to be internal type")
	}
	if minerErrors.GetContext(err)["max_attempts"] != 2 {
		t.Errorf("Expected max_attempts context, got %v", minerErrors.GetContext(err))
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		callCount++
		return minerErrors.New(minerErrors.ErrorTypeConfig, "load", "bad url")
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry), got %d", callCount)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeConfig) {
		t.Error("Expected original config error type")
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}

	callCount := 0
	err := Do(ctx, config, func() error {
		callCount++
		cancel()
		return minerErrors.New(minerErrors.ErrorTypeTransport, "dial", "refused")
	})

	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", minerErrors.New(minerErrors.ErrorTypeTimeout, "health", "slow")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	if result != "ok" {
		t.Errorf("Expected result 'ok', got '%s'", result)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestDoWithResult_Failure(t *testing.T) {
	result, err := DoWithResult(context.Background(), fastConfig(2), func() (int, error) {
		return 7, minerErrors.New(minerErrors.ErrorTypeTransport, "dial", "refused")
	})

	if err == nil {
		t.Error("Expected error after max attempts")
	}
	if result != 0 {
		t.Errorf("Expected zero value result, got %d", result)
	}
}

func TestConfig_Delay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{5, time.Second},
	}

	for _, tt := range tests {
		if delay := config.Delay(tt.attempt); delay != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, delay, tt.expected)
		}
	}
}

func TestConfig_Delay_WithJitter(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for range 20 {
		delay := config.Delay(0)
		if delay < 100*time.Millisecond || delay > 110*time.Millisecond {
			t.Fatalf("Delay with jitter out of range: %v", delay)
		}
	}
}

func TestDo_NilConfig(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), nil, func() error {
		callCount++
		if callCount == 1 {
			return minerErrors.New(minerErrors.ErrorTypeTransport, "dial", "refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success with default config, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls with default config, got %d", callCount)
	}
}

func TestDo_RegularError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		callCount++
		return errors.New("regular error")
	})

	if err == nil {
		t.Error("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for regular error), got %d", callCount)
	}
}

func TestDo_OnRetry(t *testing.T) {
	config := fastConfig(3)

	var attempts []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
		if !minerErrors.IsType(err, minerErrors.ErrorTypeTransport) {
			t.Errorf("OnRetry got error %v", err)
		}
		if delay <= 0 {
			t.Errorf("OnRetry got delay %v", delay)
		}
	}

	err := Do(context.Background(), config, func() error {
		return minerErrors.New(minerErrors.ErrorTypeTransport, "dial", "connection refused")
	})
	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}
