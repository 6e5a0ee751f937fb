// Package brokerr defines the typed error taxonomy shared across the
// broker core: expiring store, chat history, state machine, streaming
// pipeline and batch executor all fail through one of these codes so
// callers can switch on Code rather than string-match error text.
package brokerr

import "errors"

// Code identifies the class of failure.
type Code string

const (
	CodeInvalidArg   Code = "INVALID_ARG"
	CodeDisposed     Code = "DISPOSED"
	CodeInvalidState Code = "INVALID_STATE"
	CodeCancelled    Code = "CANCELLED"
	CodeTransport    Code = "TRANSPORT"
	CodeAIEmptyReply Code = "AI_EMPTY_RESPONSE"
)

// BrokerError is the concrete error type for all broker-core failures.
type BrokerError struct {
	Code    Code
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the operation that produced this error can
// be safely retried by its caller. Only transport failures are — the
// other classes all indicate a programming or lifecycle violation that
// retrying will not fix.
func (e *BrokerError) IsRetryable() bool {
	return e.Code == CodeTransport
}

func New(code Code, message string) *BrokerError {
	return &BrokerError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *BrokerError {
	return &BrokerError{Code: code, Message: message, Err: err}
}

func InvalidArg(message string) *BrokerError   { return New(CodeInvalidArg, message) }
func Disposed(message string) *BrokerError     { return New(CodeDisposed, message) }
func InvalidState(message string) *BrokerError { return New(CodeInvalidState, message) }
func Cancelled(message string) *BrokerError    { return New(CodeCancelled, message) }

func Transport(message string, err error) *BrokerError {
	return Wrap(CodeTransport, message, err)
}

func AIEmptyResponse(message string) *BrokerError {
	return New(CodeAIEmptyReply, message)
}

// Is reports whether err is, or wraps, a *BrokerError with the given
// code.
func Is(err error, code Code) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Code == code
}
