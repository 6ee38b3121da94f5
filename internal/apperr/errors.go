// Package apperr is the error taxonomy shared by the messaging core.
package apperr

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func AlreadyExists(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func Unauthorized(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func Forbidden(msg string) error {
	return New(CodePermissionDenied, msg)
}

func FailedPrecondition(msg string) error {
	return New(CodeFailedPrecondition, msg)
}

func Unavailable(msg string, cause error) error {
	return Wrap(CodeUnavailable, msg, cause)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// As returns the outermost AppError in err's chain.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// CodeUnknown when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return CodeUnknown
}

// IsDomain reports whether err is an expected outcome of a well-formed call
// rather than an infrastructure failure.
func IsDomain(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeNotFound, CodeAlreadyExists, CodePermissionDenied,
		CodeUnauthenticated, CodeFailedPrecondition, CodeDecryptionFailed:
		return true
	}
	return false
}

// PublicMessage is the text safe to hand back to a client. Infrastructure
// failures collapse to a generic message.
func PublicMessage(err error) string {
	ae, ok := As(err)
	if !ok {
		return "internal error"
	}
	switch ae.Code {
	case CodeUnavailable:
		return "storage unavailable, try again later"
	case CodeInternal, CodeUnknown:
		return "internal error"
	}
	return ae.Message
}
