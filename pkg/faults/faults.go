/*
Package faults defines the failure taxonomy of the message service
handler. Steps and collaborators surface one of three typed failures:

  - ProtocolError: malformed or policy-violating messages. Always fatal;
    where possible an ebMS Error signal is produced for the peer.
  - TransientError: infrastructure trouble (network, datastore,
    filesystem). Retryable when the entity carries a retry budget.
  - ConfigurationError: missing or invalid PMode/settings data. Fatal and
    never retried; surfaced to operators.

Exhausted retries are a state (DeadLettered), not an error type.
*/
package faults

import (
	"errors"
	"fmt"

	"github.com/JoergVierling/eessi-as4.net/pkg/message"
)

// ProtocolError reports a message that violates the protocol or the
// applicable processing mode.
type ProtocolError struct {
	Code   message.ErrorCode
	Detail string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error %s: %s: %v", e.Code, e.Detail, e.Cause)
	}
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Line converts the error into an ebMS error line for the peer.
func (e *ProtocolError) Line() message.ErrorLine {
	return message.FailureLine(e.Code, "Processing", e.Detail)
}

// Protocol builds a ProtocolError.
func Protocol(code message.ErrorCode, detail string) *ProtocolError {
	return &ProtocolError{Code: code, Detail: detail}
}

// ProtocolWrap builds a ProtocolError around a cause.
func ProtocolWrap(code message.ErrorCode, detail string, cause error) *ProtocolError {
	return &ProtocolError{Code: code, Detail: detail, Cause: cause}
}

// TransientError reports infrastructure trouble worth retrying.
type TransientError struct {
	Detail string
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient error: %s: %v", e.Detail, e.Cause)
	}
	return "transient error: " + e.Detail
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient builds a TransientError around a cause.
func Transient(detail string, cause error) *TransientError {
	return &TransientError{Detail: detail, Cause: cause}
}

// ConfigurationError reports invalid or missing configuration. Never
// retried.
type ConfigurationError struct {
	Option string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error on %q: %s", e.Option, e.Detail)
}

// Configuration builds a ConfigurationError.
func Configuration(option, detail string) *ConfigurationError {
	return &ConfigurationError{Option: option, Detail: detail}
}

// IsProtocol reports whether err is (or wraps) a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// AsProtocol extracts the ProtocolError, if any.
func AsProtocol(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
