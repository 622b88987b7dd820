package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("chirpflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("chirpflow: logger is required")
	ErrStoreRequired        = sterrors.New("chirpflow: shared store is required")
	ErrPublisherRequired    = sterrors.New("chirpflow: publisher is required")
	ErrSubscriberRequired   = sterrors.New("chirpflow: subscriber is required")
	ErrTopicRequired        = sterrors.New("chirpflow: topic is required")
	ErrCollaboratorRequired = sterrors.New("chirpflow: collaborator is required")
	ErrNoTargets            = sterrors.New("chirpflow: broadcast requires at least one target user")
	ErrPayloadRequired      = sterrors.New("chirpflow: event payload is required")
	ErrBusUnavailable       = sterrors.New("chirpflow: event bus unavailable")
	ErrResyncRequired       = sterrors.New("chirpflow: cursor predates retained events, full resync required")
	ErrUnknownEvent         = sterrors.New("chirpflow: unknown event type")
	ErrInvalidToken         = sterrors.New("chirpflow: invalid or missing token")
	ErrWrongTokenClass      = sterrors.New("chirpflow: token class not accepted")
	ErrNotParticipant       = sterrors.New("chirpflow: actor is not a chat participant")
	ErrUserNotFound         = sterrors.New("chirpflow: user not found")
	ErrMessageNotFound      = sterrors.New("chirpflow: message not found")
)

// ConfigValidationError wraps configuration problems reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "chirpflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// AuthFailure is returned when a handshake credential is missing, malformed,
// expired or of the wrong class. The connection never becomes active.
type AuthFailure struct {
	Reason string
	Err    error
}

func (e *AuthFailure) Error() string {
	if e.Err == nil {
		return "chirpflow: authentication failed: " + e.Reason
	}
	return fmt.Sprintf("chirpflow: authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthFailure) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unknown inbound envelope. Detail is
// safe to echo back to the sender.
type ProtocolError struct {
	EventType string
	Detail    string
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.EventType == "" {
		return "chirpflow: protocol error: " + e.Detail
	}
	return fmt.Sprintf("chirpflow: protocol error in %s: %s", e.EventType, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError builds a ProtocolError wrapping err.
func NewProtocolError(eventType, detail string, err error) *ProtocolError {
	return &ProtocolError{EventType: eventType, Detail: detail, Err: err}
}

// AuthorizationError means the actor may not act on the target. Handlers drop
// these silently so chat existence is not leaked.
type AuthorizationError struct {
	ActorID string
	Target  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("chirpflow: %s is not authorized for %s", e.ActorID, e.Target)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrNotParticipant }

// CollaboratorFailure wraps an error returned by an external collaborator
// (storage, profiles, notifications).
type CollaboratorFailure struct {
	Op  string
	Err error
}

func (e *CollaboratorFailure) Error() string {
	return fmt.Sprintf("chirpflow: collaborator %s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorFailure) Unwrap() error { return e.Err }

// BusUnavailableError is returned when the shared counter, log or channel
// cannot be reached.
type BusUnavailableError struct {
	Op  string
	Err error
}

func (e *BusUnavailableError) Error() string {
	return fmt.Sprintf("chirpflow: event bus unavailable during %s: %v", e.Op, e.Err)
}

func (e *BusUnavailableError) Unwrap() error { return e.Err }

func (e *BusUnavailableError) Is(target error) bool { return target == ErrBusUnavailable }

// ResyncRequiredError signals that events after Since are no longer fully
// retained. Oldest is the lowest sequence still in the log, zero when the log
// is empty. Latest is the current counter value, the cursor to resume from
// after a full reload.
type ResyncRequiredError struct {
	Since  uint64
	Oldest uint64
	Latest uint64
}

func (e *ResyncRequiredError) Error() string {
	return fmt.Sprintf("chirpflow: cursor %d predates retained events (oldest %d), full resync required", e.Since, e.Oldest)
}

func (e *ResyncRequiredError) Is(target error) bool { return target == ErrResyncRequired }
