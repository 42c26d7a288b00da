package errors

import (
	"context"
	"fmt"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	err := NewNotFound("record", "KDMX|1700000000000|3")
	if !IsNotFound(err) {
		t.Error("constructed not-found error should match")
	}
	if IsNotFound(New("other")) {
		t.Error("unrelated error should not match")
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(NewNetwork("fetch", New("connection reset"))) {
		t.Error("network errors should be retriable")
	}
	if IsRetriable(context.Canceled) {
		t.Error("cancellation is not retriable")
	}
	if IsRetriable(ErrDecodeFailed) {
		t.Error("decode failures are not retriable")
	}
	if IsRetriable(nil) {
		t.Error("nil is not retriable")
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrapf(ErrQuotaExceeded, "storing %d bytes", 4096)
	if !Is(err, ErrQuotaExceeded) {
		t.Error("wrapped error should unwrap to the sentinel")
	}

	deep := fmt.Errorf("outer: %w", Wrap(ErrIncomplete, "inner"))
	if !IsIncomplete(deep) {
		t.Error("double-wrapped error should still match")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("wrapping nil should stay nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("wrapping nil should stay nil")
	}
}
