package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsMatchesKind(t *testing.T) {
	err := E(KindOutOfStock, "claim", nil)
	if !errors.Is(err, ErrOutOfStock) {
		t.Error("expected errors.Is to match ErrOutOfStock")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("out of stock should not match ErrNotFound")
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if !errors.Is(wrapped, ErrOutOfStock) {
		t.Error("expected match through fmt.Errorf wrapping")
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindUpstreamUnavailable, "load offer", cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if got := err.Error(); got != "load offer: upstream_unavailable: connection refused" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{errors.New("plain"), ""},
		{ErrNotFound, KindNotFound},
		{fmt.Errorf("x: %w", Invalid("claim", "contact handle is required")), KindInvalidInput},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &Error{Kind: KindCoolingDown, Op: "admit", RetryAfter: 5 * time.Minute}
	if got := RetryAfterOf(fmt.Errorf("visit: %w", err)); got != 5*time.Minute {
		t.Errorf("RetryAfterOf = %v, want 5m", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v, want 0", got)
	}
}

func TestMessagesDistinct(t *testing.T) {
	kinds := []Kind{KindNotFound, KindOutOfStock, KindInvalidInput, KindUpstreamUnavailable, KindAlreadyRedeemed, KindCoolingDown}
	seen := map[string]Kind{NoOffersMessage: ""}
	for _, k := range kinds {
		msg := Message(k)
		if prev, ok := seen[msg]; ok {
			t.Errorf("message %q shared by %q and %q", msg, prev, k)
		}
		seen[msg] = k
	}
}
