package common

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors. Code follows the gRPC
// code space so the same value can be rendered for HTTP and gRPC callers.
type AppError struct {
	Code    codes.Code
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

// GRPCStatus lets status.FromError recognise AppError.
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// Common application errors
var (
	ErrNotFound        = errors.New("resource not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInternal        = errors.New("internal error")
	ErrDatabase        = errors.New("database error")
	ErrValidation      = errors.New("validation failed")
)

// Error constructors
func NewAppError(code codes.Code, message string, cause error) *AppError {
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

func InvalidArgument(message string) *AppError {
	return NewAppError(codes.InvalidArgument, message, ErrInvalidInput)
}

func InvalidArgumentf(format string, args ...interface{}) *AppError {
	return InvalidArgument(fmt.Sprintf(format, args...))
}

func NotFound(message string) *AppError {
	return NewAppError(codes.NotFound, message, ErrNotFound)
}

func PermissionDenied(message string) *AppError {
	return NewAppError(codes.PermissionDenied, message, ErrForbidden)
}

func Unauthenticated(message string) *AppError {
	return NewAppError(codes.Unauthenticated, message, ErrUnauthorized)
}

func ResourceExhausted(message string) *AppError {
	return NewAppError(codes.ResourceExhausted, message, ErrRateLimited)
}

// PayloadTooLarge has no dedicated gRPC code; OutOfRange is the closest.
func PayloadTooLarge(message string) *AppError {
	return NewAppError(codes.OutOfRange, message, ErrPayloadTooLarge)
}

func FailedPrecondition(message string) *AppError {
	return NewAppError(codes.FailedPrecondition, message, ErrValidation)
}

func Internal(message string, cause error) *AppError {
	return NewAppError(codes.Internal, message, cause)
}

func Internalf(cause error, format string, args ...interface{}) *AppError {
	return Internal(fmt.Sprintf(format, args...), cause)
}

// HTTPStatus maps an error onto the status code returned to HTTP callers.
// Anything that is not an AppError is treated as internal.
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		if errors.Is(err, ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
	switch appErr.Code {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.OutOfRange:
		return http.StatusRequestEntityTooLarge
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// PublicMessage is the text safe to show a client. Internal causes are hidden.
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != codes.Internal {
		return appErr.Message
	}
	return "internal error"
}

// MaxErrorLength bounds error text persisted on a job or shown to a user.
const MaxErrorLength = 1024

// Truncate caps an error string at n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
