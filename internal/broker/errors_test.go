package broker

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyAlreadyFilled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		code    int
		message string
	}{
		{"dedicated code", 422, 42210000, "order is not cancelable"},
		{"already in filled state", 422, 0, `order is already in "filled" state`},
		{"already in filled state no quotes", 422, 0, "order already in filled state"},
		{"plain already filled", 422, 0, "order already filled"},
		{"cannot cancel filled", 422, 0, "cannot cancel filled order"},
		{"case insensitive", 422, 0, "Order Already Filled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("cancel order", tt.status, tt.code, tt.message, nil)
			if !IsAlreadyTerminal(err) {
				t.Errorf("Classify(%d, %d, %q) class = %v, want already_terminal",
					tt.status, tt.code, tt.message, err)
			}
		})
	}
}

func TestClassifyClasses(t *testing.T) {
	t.Parallel()

	if err := Classify("x", 200, 0, "", nil); err != nil {
		t.Errorf("2xx should classify to nil, got %v", err)
	}
	if err := Classify("x", 503, 0, "upstream down", nil); !IsTransient(err) {
		t.Errorf("503 should be transient, got %v", err)
	}
	if err := Classify("x", 429, 0, "too many requests", nil); !IsRateLimited(err) {
		t.Errorf("429 should be rate limited, got %v", err)
	}
	if err := Classify("x", 403, 0, "insufficient buying power", nil); !IsPermanent(err) {
		t.Errorf("403 should be permanent, got %v", err)
	}
	if err := Classify("x", 0, 0, "", errors.New("connection refused")); !IsTransient(err) {
		t.Errorf("transport error should be transient, got %v", err)
	}
}

func TestClassPredicatesOnWrappedErrors(t *testing.T) {
	t.Parallel()

	inner := Classify("cancel order", 422, 42210000, "not cancelable", nil)
	wrapped := fmt.Errorf("cancel during close: %w", inner)
	if !IsAlreadyTerminal(wrapped) {
		t.Error("IsAlreadyTerminal should see through wrapping")
	}
	if IsPermanent(wrapped) {
		t.Error("wrapped already-terminal must not read as permanent")
	}
}
