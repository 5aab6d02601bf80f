package bastion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCircuitOpenErrorMessage(t *testing.T) {
	err := &CircuitOpenError{Name: "api", RemainingWait: 2500 * time.Millisecond}
	if got := err.Error(); !strings.Contains(got, `"api"`) || !strings.Contains(got, "2.5s") {
		t.Errorf("Expected name and remaining wait in message, got %q", got)
	}

	err = &CircuitOpenError{Name: "api"}
	if got := err.Error(); strings.Contains(got, "retry in") {
		t.Errorf("Expected no wait hint with zero RemainingWait, got %q", got)
	}
}

func TestCircuitOpenErrorIs(t *testing.T) {
	err := fmt.Errorf("calling upstream: %w", &CircuitOpenError{Name: "api"})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected wrapped CircuitOpenError to match ErrCircuitOpen")
	}

	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatal("Expected errors.As to extract CircuitOpenError")
	}
	if openErr.Name != "api" {
		t.Errorf("Expected name api, got %q", openErr.Name)
	}
}

func TestGuardErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &GuardError{Type: ErrorTypeValidation, Message: "bad config", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
	if got := err.Error(); !strings.Contains(got, ErrorTypeValidation) || !strings.Contains(got, "boom") {
		t.Errorf("Expected type and cause in message, got %q", got)
	}
}

func TestGuardErrorIsMatchesType(t *testing.T) {
	a := &GuardError{Type: ErrorTypeValidation, Message: "one"}
	b := &GuardError{Type: ErrorTypeValidation, Message: "two"}
	c := &GuardError{Type: ErrorTypeTimeout, Message: "three"}

	if !errors.Is(a, b) {
		t.Error("Expected GuardErrors of the same type to match")
	}
	if errors.Is(a, c) {
		t.Error("Expected GuardErrors of different types not to match")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open sentinel", ErrCircuitOpen, false},
		{"circuit open typed", &CircuitOpenError{Name: "api"}, false},
		{"wait timeout", ErrWaitTimeout, false},
		{"rate limited", ErrRateLimited, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"dependency error", errors.New("connection refused"), true},
		{"wrapped dependency error", fmt.Errorf("call: %w", errors.New("503")), true},
	}

	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrorTypeOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&CircuitOpenError{Name: "api"}, ErrorTypeCircuitOpen},
		{ErrRateLimited, ErrorTypeRateLimit},
		{fmt.Errorf("%w: deadline", ErrWaitTimeout), ErrorTypeTimeout},
		{errors.New("boom"), ErrorTypeDependency},
	}

	for _, tc := range cases {
		if got := errorTypeOf(tc.err); got != tc.want {
			t.Errorf("errorTypeOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
