// Package apperr defines the error taxonomy shared by the enrollment and
// ingestion paths and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Conflict
	ResourceExhausted
	UpstreamFailure
	Unauthorized
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case ResourceExhausted:
		return "resource_exhausted"
	case UpstreamFailure:
		return "upstream_failure"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// HTTPStatus returns the response code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case ResourceExhausted:
		return http.StatusInsufficientStorage
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Machine-stable reasons returned to clients.
const (
	ReasonMissingFields      = "missing_fields"
	ReasonMalformedBody      = "malformed_body"
	ReasonInvalidClaimCode   = "invalid_claim_code"
	ReasonDeviceNotFound     = "device_not_found"
	ReasonAlreadyEnrolled    = "device_already_enrolled"
	ReasonAddressExhausted   = "address_range_exhausted"
	ReasonTunnelProvisioning = "tunnel_provisioning_failed"
	ReasonUnauthorized       = "unauthorized"
	ReasonRateLimited        = "rate_limited"
	ReasonInternal           = "internal_error"
)

// Error is a classified failure. Message is safe to show to clients; Err is
// the underlying cause and is only logged.
type Error struct {
	Kind     Kind
	Reason   string
	Message  string
	DeviceID int64 // set for Conflict
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap returns an error of the given kind carrying cause.
func Wrap(kind Kind, reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: cause}
}

// KindOf returns the kind of err, or Internal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// From converts any error into an *Error, classifying unknown errors as Internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(Internal, ReasonInternal, "Internal server error", err)
}
