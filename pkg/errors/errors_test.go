package errors

import (
	"context"
	"errors"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeTransport,
				Operation: "dial",
				Message:   "connect failed",
				Cause:     errors.New("underlying error"),
			},
			expected: "transport operation 'dial' failed: connect failed (caused by: underlying error)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeParse,
				Operation: "parse_job",
				Message:   "invalid blob",
			},
			expected: "parse operation 'parse_job' failed: invalid blob",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &ServiceError{Type: ErrorTypeTransport, Operation: "read", Message: "read", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("ServiceError.Unwrap() = %v, want %v", unwrapped, cause)
	}

	if unwrapped := (&ServiceError{Type: ErrorTypeTransport}).Unwrap(); unwrapped != nil {
		t.Errorf("ServiceError.Unwrap() = %v, want nil", unwrapped)
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeSink, "write_point", "influx unavailable").
		WithContext("pool", "pool.example.com:3333").
		WithContext("attempt", 2)

	if len(err.Context) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["pool"] != "pool.example.com:3333" {
		t.Errorf("Expected pool context, got %v", err.Context["pool"])
	}
	if err.Context["attempt"] != 2 {
		t.Errorf("Expected attempt = 2, got %v", err.Context["attempt"])
	}
}

func TestNew(t *testing.T) {
	err := New(ErrorTypeParse, "parse_job", "bad target")

	if err.Type != ErrorTypeParse {
		t.Errorf("Expected type %v, got %v", ErrorTypeParse, err.Type)
	}
	if err.Operation != "parse_job" {
		t.Errorf("Expected operation 'parse_job', got '%s'", err.Operation)
	}
	if err.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if err.Retryable {
		t.Error("Expected parse error to not be retryable")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(cause, ErrorTypeTransport, "dial", "wrapped message")

	if err.Type != ErrorTypeTransport {
		t.Errorf("Expected type %v, got %v", ErrorTypeTransport, err.Type)
	}
	if err.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, err.Cause)
	}
	if !err.Retryable {
		t.Error("Expected wrapped transport error to be retryable")
	}

	if nilErr := Wrap(nil, ErrorTypeTransport, "dial", "dial"); nilErr != nil {
		t.Errorf("Expected nil when wrapping nil error, got %v", nilErr)
	}

	inner := New(ErrorTypeCriticalPool, "login", "Unauthenticated")
	outer := Wrap(inner, ErrorTypeTransport, "session", "session ended")
	if outer.Cause != inner {
		t.Error("Expected wrapped ServiceError as cause")
	}
	if outer.Retryable {
		t.Error("Expected wrapper to keep the inner retry decision")
	}
	if !IsType(outer, ErrorTypeTransport) {
		t.Error("Expected outer type to be transport")
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeTimeout, "submit", "no response")

	if !IsType(err, ErrorTypeTimeout) {
		t.Error("Expected IsType to return true for matching type")
	}
	if IsType(err, ErrorTypeParse) {
		t.Error("Expected IsType to return false for non-matching type")
	}
	if IsType(errors.New("regular error"), ErrorTypeTimeout) {
		t.Error("Expected IsType to return false for regular error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"transport", New(ErrorTypeTransport, "dial", "refused"), true},
		{"timeout", New(ErrorTypeTimeout, "submit", "no response"), true},
		{"sink", New(ErrorTypeSink, "publish", "broker down"), true},
		{"parse", New(ErrorTypeParse, "job", "bad blob"), false},
		{"protocol", New(ErrorTypeProtocol, "job", "duplicate"), false},
		{"critical pool", New(ErrorTypeCriticalPool, "login", "banned"), false},
		{"closed", New(ErrorTypeClosed, "disconnect", "by user"), false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused text", errors.New("connection refused"), true},
		{"unknown", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypeProtocol, "job", "duplicate").WithContext("job_id", "abc")

	ctx := GetContext(err)
	if ctx["job_id"] != "abc" {
		t.Errorf("Expected job_id = 'abc', got %v", ctx["job_id"])
	}

	if ctx := GetContext(errors.New("regular error")); ctx != nil {
		t.Errorf("Expected nil context for regular error, got %v", ctx)
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"no such host", errors.New("lookup pool.invalid: no such host"), true},
		{"i/o timeout", errors.New("read tcp: i/o timeout"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClassifyPoolMessage(t *testing.T) {
	tests := []struct {
		message  string
		critical bool
	}{
		{"Unauthenticated", true},
		{"unauthenticated user", true},
		{"your IP is banned", true},
		{"YOUR IP IS BANNED for 10 minutes", true},
		{"IP Address currently banned", true},
		{"Low difficulty share", false},
		{"Duplicate share", false},
		{"Block expired", false},
		{"not Unauthenticated", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := IsCriticalPoolMessage(tt.message); got != tt.critical {
				t.Errorf("IsCriticalPoolMessage(%q) = %v, want %v", tt.message, got, tt.critical)
			}

			err := ClassifyPoolMessage("submit", tt.message)
			wantType := ErrorTypeProtocol
			if tt.critical {
				wantType = ErrorTypeCriticalPool
			}
			if err.Type != wantType {
				t.Errorf("ClassifyPoolMessage(%q).Type = %v, want %v", tt.message, err.Type, wantType)
			}
			if err.Retryable {
				t.Errorf("ClassifyPoolMessage(%q) should not be retryable", tt.message)
			}
		})
	}
}
