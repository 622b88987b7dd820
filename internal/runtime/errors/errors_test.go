package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "chirpflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "chirpflow: logger is required"},
		{"ErrStoreRequired", ErrStoreRequired, "chirpflow: shared store is required"},
		{"ErrPublisherRequired", ErrPublisherRequired, "chirpflow: publisher is required"},
		{"ErrTopicRequired", ErrTopicRequired, "chirpflow: topic is required"},
		{"ErrNoTargets", ErrNoTargets, "chirpflow: broadcast requires at least one target user"},
		{"ErrBusUnavailable", ErrBusUnavailable, "chirpflow: event bus unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "chirpflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}

func TestBusUnavailableMatchesSentinel(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("broadcast: %w", &BusUnavailableError{Op: "incr", Err: cause})

	if !errors.Is(err, ErrBusUnavailable) {
		t.Fatal("expected errors.Is(err, ErrBusUnavailable)")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
}

func TestResyncRequiredMatchesSentinel(t *testing.T) {
	err := error(&ResyncRequiredError{Since: 3, Oldest: 10})
	if !errors.Is(err, ErrResyncRequired) {
		t.Fatal("expected errors.Is(err, ErrResyncRequired)")
	}

	var resync *ResyncRequiredError
	if !errors.As(err, &resync) || resync.Oldest != 10 {
		t.Fatalf("expected oldest 10, got %#v", resync)
	}
}

func TestAuthorizationErrorIsNotParticipant(t *testing.T) {
	err := &AuthorizationError{ActorID: "u1", Target: "chat:c1"}
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatal("expected authorization error to match ErrNotParticipant")
	}
	if got := err.Error(); got != "chirpflow: u1 is not authorized for chat:c1" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := NewProtocolError("toggle_reaction", "missing message_id", nil)
	if got := err.Error(); got != "chirpflow: protocol error in toggle_reaction: missing message_id" {
		t.Fatalf("unexpected message %q", got)
	}

	bare := NewProtocolError("", "Invalid JSON payload", errors.New("eof"))
	if got := bare.Error(); got != "chirpflow: protocol error: Invalid JSON payload" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestAuthFailureWrapsCause(t *testing.T) {
	err := &AuthFailure{Reason: "refresh token", Err: ErrWrongTokenClass}
	if !errors.Is(err, ErrWrongTokenClass) {
		t.Fatal("expected cause to unwrap")
	}
}
