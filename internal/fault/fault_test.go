package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	base := Errorf(KindTransient, "post transcript: %w", errors.New("connection refused"))
	wrapped := fmt.Errorf("attempt 2: %w", base)

	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("KindOf(wrapped) = %q, want %q", got, KindTransient)
	}
	if !Retryable(wrapped) {
		t.Fatalf("Retryable(wrapped) = false, want true")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	t.Parallel()

	if err := Wrap(KindAuth, nil); err != nil {
		t.Fatalf("Wrap(KindAuth, nil) = %v, want nil", err)
	}
}

func TestKindOfPlainError(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
	if Retryable(errors.New("plain")) {
		t.Fatalf("Retryable(plain) = true, want false")
	}
}

func TestIsMatchesOnlyOwnKind(t *testing.T) {
	t.Parallel()

	err := Errorf(KindAuth, "missing api key")
	if !Is(err, KindAuth) {
		t.Fatalf("Is(err, KindAuth) = false, want true")
	}
	if Is(err, KindTransient) {
		t.Fatalf("Is(err, KindTransient) = true, want false")
	}
}
