package acf

import (
	"errors"
	"fmt"
)

type (
	// ErrorCode classifies turn-terminal and ingress failures into the small
	// set of stable codes surfaced to callers and recorded on turn events.
	ErrorCode string

	// Error is the typed failure carried by terminal turn outcomes and
	// ingress rejections. Retryable errors may be re-driven by the durable
	// orchestrator as long as no irreversible tool has committed.
	Error struct {
		// Code is the stable machine-readable classification.
		Code ErrorCode `json:"code"`
		// Message is a human-readable description safe for operator logs.
		Message string `json:"message"`
		// Retryable reports whether re-driving the operation may succeed
		// without changing the request.
		Retryable bool `json:"retryable"`
		// RetryAfterSeconds optionally carries a rate-limit hint.
		RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
		// Cause is the wrapped underlying error. It stays process-local:
		// errors do not survive serialization across activity boundaries.
		Cause error `json:"-"`
	}
)

const (
	// CodeInvalidRequest marks malformed or oversized ingress envelopes.
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	// CodePayloadTooLarge marks envelopes above the configured size cap.
	CodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	// CodeIdentityUnavailable marks transient identity resolution failures.
	CodeIdentityUnavailable ErrorCode = "IDENTITY_UNAVAILABLE"
	// CodeIdentityConflict marks channel identities owned by another
	// interlocutor or tenant/agent mismatches.
	CodeIdentityConflict ErrorCode = "IDENTITY_CONFLICT"
	// CodeMutexTimeout marks session slot waits exceeding mutex_timeout_ms.
	CodeMutexTimeout ErrorCode = "MUTEX_TIMEOUT"
	// CodeRateLimited marks pipeline- or tool-layer rate signals.
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeProviderTimeout marks pipeline provider timeouts.
	CodeProviderTimeout ErrorCode = "PROVIDER_TIMEOUT"
	// CodeEnforcement marks policy violations detected by the pipeline.
	CodeEnforcement ErrorCode = "ENFORCEMENT_VIOLATION"
	// CodeInternalConflict marks CAS failures and missing orchestrator
	// identity; fatal for the turn.
	CodeInternalConflict ErrorCode = "INTERNAL_CONFLICT"
	// CodeInternal marks unclassified failures.
	CodeInternal ErrorCode = "INTERNAL"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a non-retryable Error with the given code and message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRetryable builds a retryable Error with the given code and message.
func NewRetryable(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// WrapError wraps err with a code; retryability is taken from err when it is
// already a classified *Error.
func WrapError(code ErrorCode, msg string, err error) *Error {
	retryable := false
	var ce *Error
	if errors.As(err, &ce) {
		retryable = ce.Retryable
	}
	return &Error{Code: code, Message: msg, Retryable: retryable, Cause: err}
}

// CodeOf extracts the classification of err, or CodeInternal when err is not
// a classified *Error.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is a classified retryable failure.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
