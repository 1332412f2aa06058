package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("state conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrPlanImmutable     = errors.New("plan is referenced by a subscription and cannot change")
	ErrPaymentApplied    = errors.New("payment already applied")
)

// AuthenticityError rejects a payment payload. It is logged and dropped and
// never reaches the subscriber.
type AuthenticityError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *AuthenticityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment from %q rejected: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("payment from %q rejected: %s", e.Provider, e.Reason)
}

func (e *AuthenticityError) Unwrap() error {
	return e.Err
}

func NewAuthenticityError(provider, reason string) *AuthenticityError {
	return &AuthenticityError{Provider: provider, Reason: reason}
}

func IsAuthenticityError(err error) bool {
	var ae *AuthenticityError
	return errors.As(err, &ae)
}
