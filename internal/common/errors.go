package common

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrForbidden       = errors.New("forbidden")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrExpired         = errors.New("artifact expired")
	ErrInternal        = errors.New("internal error")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ValidationError reports every violation in a job submission, not just
// the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// QuotaExceededError is a denied reservation. Remaining carries the exact
// page count still available so callers can surface a precise limit message.
type QuotaExceededError struct {
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("page quota exceeded: %d pages remaining", e.Remaining)
}

// TransientProcessingError is an upstream failure worth retrying
// (timeout, overload, rate limiting).
type TransientProcessingError struct {
	Op    string
	Cause error
}

func (e *TransientProcessingError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Cause)
}

func (e *TransientProcessingError) Unwrap() error { return e.Cause }

// PermanentProcessingError is a failure retries cannot fix
// (corrupt file, unsupported format, authorization).
type PermanentProcessingError struct {
	Reason string
	Cause  error
}

func (e *PermanentProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent failure: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("permanent failure: %s", e.Reason)
}

func (e *PermanentProcessingError) Unwrap() error { return e.Cause }

// SystemError is a storage/infra failure. Retried once since the cause may
// be a transient infra blip; surfaced to users as a generic message.
type SystemError struct {
	Op    string
	Cause error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error in %s: %v", e.Op, e.Cause)
}

func (e *SystemError) Unwrap() error { return e.Cause }

// Classification helpers
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsQuotaExceeded(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}

func IsTransient(err error) bool {
	var t *TransientProcessingError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentProcessingError
	return errors.As(err, &p)
}

func IsSystem(err error) bool {
	var s *SystemError
	return errors.As(err, &s)
}

// ErrorCode returns a stable machine-readable code for a classified error,
// stored on failed files and emitted in audit events.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "VALIDATION"
	case IsQuotaExceeded(err):
		return "QUOTA_EXCEEDED"
	case IsTransient(err):
		return "TRANSIENT"
	case IsPermanent(err):
		return "PERMANENT"
	case IsSystem(err):
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) error {
	return InternalError(fmt.Sprintf(format, args...))
}

// StatusFromError maps domain errors onto the transport status surface.
func StatusFromError(err error) error {
	switch {
	case err == nil:
		return nil
	case IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case IsQuotaExceeded(err):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrExpired):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
