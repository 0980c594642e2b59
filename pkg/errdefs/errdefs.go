// Package errdefs defines the stable error taxonomy shared by every
// rosfleet component. Domain operations return these typed errors
// unchanged; the MCP dispatcher is the single place they are converted
// into JSON-RPC error envelopes.
package errdefs

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code
type Code string

const (
	// Protocol
	CodeParseError     Code = "ParseError"
	CodeInvalidRequest Code = "InvalidRequest"
	CodeMethodNotFound Code = "MethodNotFound"
	CodeInvalidParams  Code = "InvalidParams"
	CodeInternalError  Code = "InternalError"

	// Authorization
	CodeUnauthorized        Code = "Unauthorized"
	CodeForbidden           Code = "Forbidden"
	CodeEnvironmentMismatch Code = "EnvironmentMismatch"
	CodeCapabilityMissing   Code = "CapabilityMissing"
	CodeRoleInsufficient    Code = "RoleInsufficient"
	CodeRateLimitExceeded   Code = "RateLimitExceeded"

	// Resource lookup
	CodeDeviceNotFound     Code = "DeviceNotFound"
	CodePlanNotFound       Code = "PlanNotFound"
	CodeSnapshotNotFound   Code = "SnapshotNotFound"
	CodeCredentialNotFound Code = "CredentialNotFound"

	// State / lifecycle
	CodePlanAlreadyApplied    Code = "PlanAlreadyApplied"
	CodePlanExpired           Code = "PlanExpired"
	CodeApprovalTokenExpired  Code = "ApprovalTokenExpired"
	CodeApprovalTokenInvalid  Code = "ApprovalTokenInvalid"
	CodeSelfApprovalForbidden Code = "SelfApprovalForbidden"

	// Safety checks
	CodePreChangeHealthFailed  Code = "PreChangeHealthFailed"
	CodePostChangeHealthFailed Code = "PostChangeHealthFailed"
	CodeSnapshotCreateFailed   Code = "SnapshotCreateFailed"
	CodeRollbackFailed         Code = "RollbackFailed"
	CodeUnsafeOperation        Code = "UnsafeOperation"

	// Device interaction
	CodeDeviceUnreachable Code = "DeviceUnreachable"
	CodeAuthFailure       Code = "AuthFailure"
	CodeDeviceError       Code = "DeviceError"
	CodeTimeout           Code = "Timeout"
	CodeNoChange          Code = "NoChange"

	// Registry / vault
	CodeNameConflict       Code = "NameConflict"
	CodeInvalidEnvironment Code = "InvalidEnvironment"
	CodeVaultLocked        Code = "VaultLocked"

	// Resource limits
	CodeQueueSaturated          Code = "QueueSaturated"
	CodeConcurrentLimitExceeded Code = "ConcurrentLimitExceeded"
	CodeTokenBudgetExceeded     Code = "TokenBudgetExceeded"
)

// Error is the one error type crossing component boundaries
type Error struct {
	Code    Code
	Message string
	Data    map[string]interface{}
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two taxonomy errors by code
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// WithData attaches structured detail to the error
func (e *Error) WithData(key string, value interface{}) *Error {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// New creates a taxonomy error
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error keeping the underlying cause
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the taxonomy code from err. Unmapped errors report
// InternalError so nothing unexpected leaks past the dispatcher.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsInternal converts an unmapped error into an InternalError carrying
// the original type name in Data, per the propagation policy.
func AsInternal(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternalError, err, "internal error").
		WithData("error_type", fmt.Sprintf("%T", err))
}

// Transient reports whether an error is worth retrying with backoff.
// Auth and validation failures are permanent.
func Transient(err error) bool {
	switch CodeOf(err) {
	case CodeDeviceUnreachable, CodeTimeout, CodeRateLimitExceeded, CodeQueueSaturated:
		return true
	}
	return false
}
