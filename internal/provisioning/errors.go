package provisioning

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAccountNotFound is returned by Lookup when the VPN server has no
// account for a correlation id.
var ErrAccountNotFound = errors.New("vpn account not found")

// Fatal error codes reported by the VPN server.
const (
	CodeInvalidPlan    = "invalid_plan"
	CodeQuotaExceeded  = "quota_exceeded"
	CodeAccountRevoked = "account_revoked"
)

// ProvisioningError describes a failed VPN server call.
type ProvisioningError struct {
	Op         string
	StatusCode int
	Code       string
	Retryable  bool
	// Unknown means the request may have been applied; reconcile with Lookup
	// before retrying.
	Unknown bool
	Err     error
}

func (e *ProvisioningError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("%s failed: status %d (%s): %v", e.Op, e.StatusCode, e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s failed: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func newTransportError(op string, err error, timedOut bool) *ProvisioningError {
	return &ProvisioningError{Op: op, Err: err, Retryable: true, Unknown: timedOut}
}

func newStatusError(op string, status int, code string, err error) *ProvisioningError {
	e := &ProvisioningError{Op: op, StatusCode: status, Code: code, Err: err}
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		e.Retryable = true
	}
	switch code {
	case CodeInvalidPlan, CodeQuotaExceeded, CodeAccountRevoked:
		e.Retryable = false
	}
	return e
}

func IsRetryable(err error) bool {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

func IsUnknown(err error) bool {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return pe.Unknown
	}
	return false
}
