package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// CommonError represents application-level errors
type CommonError struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	Cause   error  `json:"-" yaml:"-"`
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeExists             = "EXISTS"
	ErrCodeOutOfSpace         = "OUT_OF_SPACE"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeFailedPrecondition = "FAILED_PRECONDITION"
	ErrCodePermission         = "PERMISSION_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternal           = "INTERNAL"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Code returns the error code for err. Errors that are already a
// CommonError keep their code.
func Code(err error) string {
	var ce *CommonError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errdefs.IsNotFound(err):
		return ErrCodeNotFound
	case errdefs.IsAlreadyExists(err):
		return ErrCodeExists
	case errdefs.IsResourceExhausted(err):
		return ErrCodeOutOfSpace
	case errdefs.IsInvalidArgument(err):
		return ErrCodeInvalidArgument
	case errdefs.IsFailedPrecondition(err):
		return ErrCodeFailedPrecondition
	case errdefs.IsPermissionDenied(err):
		return ErrCodePermission
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}

// WrapError wraps err in a CommonError carrying its code
func WrapError(message string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(Code(err), message, err)
}
