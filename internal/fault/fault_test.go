package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrap_DeadlineBecomesTimeout(t *testing.T) {
	t.Parallel()
	err := Wrap(ProviderUnavailable, "embed", fmt.Errorf("call: %w", context.DeadlineExceeded))
	if !Is(err, Timeout) {
		t.Fatalf("expected timeout kind, got %v", KindOf(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected wrapped error to unwrap to DeadlineExceeded")
	}
}

func TestWrap_PreservesInnerKind(t *testing.T) {
	t.Parallel()
	inner := Invalid("validate", "text must not be empty")
	err := Wrap(ProviderUnavailable, "index", inner)
	if KindOf(err) != InvalidInput {
		t.Fatalf("expected invalid_input, got %v", KindOf(err))
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	t.Parallel()
	if got := KindOf(errors.New("boom")); got != Unknown {
		t.Fatalf("KindOf() = %v, want unknown", got)
	}
	if Wrap(Timeout, "x", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}
