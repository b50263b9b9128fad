// Package gatewayerrors defines the coded error taxonomy carried by ERROR
// wire frames. Every error the gateway surfaces to an adapter implements
// Error, which pairs a stable code string with a recoverability flag so
// callers can decide whether a retry is safe without parsing messages.
package gatewayerrors

import (
	"errors"
	"fmt"
)

// Code identifies an error category. These values are the literal strings
// placed in the ERROR frame's "code" field.
type Code string

const (
	CodeInvalidJSON      Code = "invalid_json"
	CodeInvalidMessage   Code = "invalid_message"
	CodeNotRegistered    Code = "not_registered"
	CodeNoProcessor      Code = "no_processor"
	CodeDuplicate        Code = "duplicate"
	CodeNotFound         Code = "not_found"
	CodeProcessingError  Code = "processing_error"
	CodeInternalError    Code = "internal_error"
	CodeUnauthorized     Code = "unauthorized"
)

// GatewayError is the concrete error type carried through the gateway and
// translated into ERROR frames at the server boundary.
type GatewayError struct {
	code        Code
	message     string
	recoverable bool
	cause       error
}

func (e *GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// Code returns the wire-level error code.
func (e *GatewayError) Code() string { return string(e.code) }

// Recoverable reports whether the originating adapter may safely retry.
func (e *GatewayError) Recoverable() bool { return e.recoverable }

func newError(code Code, recoverable bool, format string, args ...any) *GatewayError {
	return &GatewayError{code: code, message: fmt.Sprintf(format, args...), recoverable: recoverable}
}

// Wrap attaches an error code to an underlying cause, for errors raised by
// components below the wire boundary (e.g. the orchestrator) that still
// need to surface with a taxonomy code once they reach the server.
func Wrap(code Code, recoverable bool, cause error) *GatewayError {
	return &GatewayError{code: code, message: cause.Error(), recoverable: recoverable, cause: cause}
}

func InvalidJSON(err error) *GatewayError {
	return Wrap(CodeInvalidJSON, true, err)
}

func InvalidMessage(format string, args ...any) *GatewayError {
	return newError(CodeInvalidMessage, true, format, args...)
}

func NotRegistered() *GatewayError {
	return newError(CodeNotRegistered, true, "register before sending this message type")
}

func NoProcessor() *GatewayError {
	return newError(CodeNoProcessor, false, "gateway has no message processor configured")
}

func Duplicate() *GatewayError {
	return newError(CodeDuplicate, false, "duplicate message within the dedup window")
}

func NotFound(format string, args ...any) *GatewayError {
	return newError(CodeNotFound, false, format, args...)
}

func ProcessingError(err error) *GatewayError {
	return Wrap(CodeProcessingError, true, err)
}

func InternalError(err error) *GatewayError {
	return Wrap(CodeInternalError, false, err)
}

func Unauthorized() *GatewayError {
	return newError(CodeUnauthorized, false, "shared secret did not match")
}

// As reports whether err (or something it wraps) is a *GatewayError, the
// same convention as errors.As, and returns it if so.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	ok := errors.As(err, &ge)
	return ge, ok
}
