// Package apperror defines the error taxonomy shared by every subsystem.
// Handlers map kinds to HTTP statuses at the boundary; internal kinds never
// leak their detail to clients.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindTokenInvalid       Kind = "token_invalid"
	KindTokenExpired       Kind = "token_expired"
	KindTokenRevoked       Kind = "token_revoked"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate_limited"
	KindStore              Kind = "store"
	KindCache              Kind = "cache"
	KindCrypto             Kind = "crypto"
	KindInternal           Kind = "internal"
)

// Error is the one error type crossing subsystem boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind; non-taxonomy errors count as internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Validation flags bad input.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidCredentials covers failed logins without distinguishing unknown
// account from wrong password.
func InvalidCredentials() *Error {
	return &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
}

// TokenInvalid covers malformed, mis-signed, or mis-shaped tokens. An empty
// message takes the generic one.
func TokenInvalid(message string) *Error {
	if message == "" {
		message = "token is invalid"
	}
	return &Error{Kind: KindTokenInvalid, Message: message}
}

// TokenExpired covers tokens past their lifetime.
func TokenExpired() *Error {
	return &Error{Kind: KindTokenExpired, Message: "token has expired"}
}

// TokenRevoked covers tokens that were explicitly revoked.
func TokenRevoked() *Error {
	return &Error{Kind: KindTokenRevoked, Message: "token has been revoked"}
}

// NotFound names the missing resource.
func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Message: resource + " not found"}
}

// Conflict flags uniqueness violations.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// RateLimited flags an admission denial.
func RateLimited(format string, args ...interface{}) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...)}
}

// Store wraps a relational-store failure.
func Store(err error) *Error {
	return &Error{Kind: KindStore, Message: "store operation failed", Err: err}
}

// CacheErr wraps a key-value store failure.
func CacheErr(err error) *Error {
	return &Error{Kind: KindCache, Message: "cache operation failed", Err: err}
}

// Crypto wraps a cryptographic failure.
func Crypto(err error) *Error {
	return &Error{Kind: KindCrypto, Message: "cryptographic operation failed", Err: err}
}

// Internal covers invariant violations and operational pressure.
func Internal(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindTokenInvalid, KindTokenExpired, KindTokenRevoked:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is what the client may see. Internal kinds collapse to an
// opaque message; their detail stays in the logs.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindStore, KindCache, KindCrypto, KindInternal:
		return "internal server error"
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// Retriable reports whether the caller may reasonably retry.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindStore, KindCache, KindRateLimited:
		return true
	default:
		return false
	}
}
