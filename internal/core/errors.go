package core

import (
	"errors"
	"fmt"

	"github.com/Sou1ence/RabbitSimpleChat/internal/broker"
)

// Error codes for core failures.
const (
	ErrCodeConnectivity         = "connectivity"
	ErrCodeProtocol             = "protocol"
	ErrCodeRecipientUnreachable = "recipient_unreachable"
	ErrCodeNotConnected         = "not_connected"
	ErrCodeAlreadyConnected     = "already_connected"
	ErrCodeBadRequest           = "bad_request"
	ErrCodeClosed               = "closed"
)

// Sentinels usable with errors.Is; comparison is by code.
var (
	ErrConnectivity         = &CoreError{Code: ErrCodeConnectivity}
	ErrProtocol             = &CoreError{Code: ErrCodeProtocol}
	ErrRecipientUnreachable = &CoreError{Code: ErrCodeRecipientUnreachable}
	ErrNotConnected         = &CoreError{Code: ErrCodeNotConnected}
	ErrAlreadyConnected     = &CoreError{Code: ErrCodeAlreadyConnected}
	ErrBadRequest           = &CoreError{Code: ErrCodeBadRequest}
	ErrClosed               = &CoreError{Code: ErrCodeClosed}
)

// CoreError wraps a code, the failed operation and the underlying cause.
type CoreError struct {
	Code    string
	Op      string
	Message string
	Wrapped error
}

func (e *CoreError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *CoreError) Unwrap() error {
	return e.Wrapped
}

// Is matches any *CoreError with the same code.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func coreError(code, op, msg string) *CoreError {
	return &CoreError{Code: code, Op: op, Message: msg}
}

// brokerError classifies a broker failure. Rejections by the broker become
// protocol errors; everything else, including closed channels, is treated as
// lost connectivity.
func brokerError(op string, err error) *CoreError {
	code := ErrCodeConnectivity
	if errors.Is(err, broker.ErrProtocol) {
		code = ErrCodeProtocol
	}
	return &CoreError{Code: code, Op: op, Wrapped: err}
}

// IsConnectivity reports whether err means the broker could not be reached.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsProtocol reports whether err means the broker rejected an operation.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}
