// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

// Error codes surfaced to lifecycle-API callers.
const (
	CodeProtocolError   = "CLI_PROTOCOL_ERROR"
	CodeProviderBlocked = "CLI_PROVIDER_BLOCKED"
)

// Sentinel errors for registry lookups.
var (
	ErrRunNotFound         = errors.New("run not found")
	ErrInteractionNotFound = errors.New("interaction not found or already resolved")
	ErrRunTerminal         = errors.New("run already finished")
)

// CodedError pairs a caller-facing error code with a human-readable message.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// ProtocolError builds a CLI_PROTOCOL_ERROR for malformed input.
func ProtocolError(format string, args ...any) *CodedError {
	return &CodedError{Code: CodeProtocolError, Message: fmt.Sprintf(format, args...)}
}

// BlockedError builds a CLI_PROVIDER_BLOCKED for trust or auth gate failures.
func BlockedError(format string, args ...any) *CodedError {
	return &CodedError{Code: CodeProviderBlocked, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the taxonomy code from err, or "" if it carries none.
func ErrorCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
