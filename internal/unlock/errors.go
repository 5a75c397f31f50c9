package unlock

import (
	"fmt"
	"time"
)

// Kind classifies an unlock failure.
type Kind string

const (
	KindInvalidInput     Kind = "invalid-input"
	KindRateLimited      Kind = "rate-limited"
	KindNotFound         Kind = "not-found"
	KindExpired          Kind = "expired"
	KindForbidden        Kind = "forbidden"
	KindLocationRequired Kind = "location-required"
	KindTooFar           Kind = "too-far"
	KindInternal         Kind = "internal"
)

const (
	msgNoMatch          = "no drop matches the supplied location and secret"
	msgDropNotFound     = "drop not found"
	msgExpired          = "this drop has expired"
	msgOwnerOnly        = "this drop can only be unlocked by its owner"
	msgSecretMismatch   = "secret phrase does not match"
	msgLocationRequired = "this drop requires your current location"
	msgRateLimited      = "too many unlock attempts, try again later"
	msgInternal         = "unlock failed, try again later"
)

// Error is the typed outcome of a failed unlock. Internal causes are kept for
// server-side logging only.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	DistanceM  int
	RequiredM  int
	cause      error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("unlock: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("unlock: %s: %s: %v", e.Kind, e.Message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func invalidInput(message string) *Error {
	return newError(KindInvalidInput, message)
}

func internalError(cause error) *Error {
	return &Error{Kind: KindInternal, Message: msgInternal, cause: cause}
}

func tooFar(distanceM float64, requiredM int) *Error {
	rounded := int(distanceM + 0.5)
	return &Error{
		Kind:      KindTooFar,
		Message:   fmt.Sprintf("you are %dm away, move within %dm to unlock", rounded, requiredM),
		DistanceM: rounded,
		RequiredM: requiredM,
	}
}
