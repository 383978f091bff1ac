package workflowerr

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error without underlying cause",
			err:  New(CodeInvalidInput, "test message", http.StatusBadRequest),
			want: "[INVALID_INPUT] test message",
		},
		{
			name: "error with underlying cause",
			err:  Wrap(CodeRetryExhausted, "test message", http.StatusServiceUnavailable, errors.New("underlying")),
			want: "[RETRY_EXHAUSTED] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeCompensationFailure, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestError_WithDetails(t *testing.T) {
	err := New(CodeInvalidInput, "test", http.StatusBadRequest)
	err.WithDetails("field", "saga_id").WithDetails("reason", "conflict")

	if len(err.Details) != 2 {
		t.Fatalf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["field"] != "saga_id" {
		t.Errorf("Details[field] = %v, want saga_id", err.Details["field"])
	}
}

func TestAsAndIs(t *testing.T) {
	err := CapacityExceeded(10)

	extracted := As(err)
	if extracted == nil {
		t.Fatal("expected As to extract an *Error")
	}
	if !Is(err, CodeCapacityExceeded) {
		t.Error("expected Is to match CodeCapacityExceeded")
	}
	if Is(err, CodeTimeout) {
		t.Error("did not expect Is to match CodeTimeout")
	}

	wrapped := errors.New("plain error")
	if As(wrapped) != nil {
		t.Error("expected As to return nil for a plain error")
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		code Code
	}{
		{"UnknownTemplate", UnknownTemplate("travel-v1"), CodeInvalidInput},
		{"UnknownNamespace", UnknownNamespace("bogus"), CodeInvalidInput},
		{"SagaConflict", SagaConflict("saga-1"), CodeInvalidInput},
		{"StepTimeout", StepTimeout("enrich-candidates"), CodeTimeout},
		{"SagaTimeout", SagaTimeout("saga-1"), CodeTimeout},
		{"RetryExhausted", RetryExhausted("generate-candidates", 3, errors.New("boom")), CodeRetryExhausted},
		{"CompensationFailure", CompensationFailure("enrich-candidates", "skip-enrichment", errors.New("boom")), CodeCompensationFailure},
		{"CapacityExceeded", CapacityExceeded(5), CodeCapacityExceeded},
		{"DependencyViolation", DependencyViolation("travel-v1", "cycle detected"), CodeDependencyViolation},
		{"StagePropagated", StagePropagated("rank-candidates", "provider unavailable"), CodeStagePropagated},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
		})
	}
}
