package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Session establishment errors
	ErrCodeLaunchFailed          ErrorCode = "LAUNCH_FAILED"
	ErrCodeConnectFailed         ErrorCode = "CONNECT_FAILED"
	ErrCodeProtocolDecode        ErrorCode = "PROTOCOL_DECODE"
	ErrCodeCapabilityUnsupported ErrorCode = "CAPABILITY_UNSUPPORTED"
	ErrCodeLegacyDaemon          ErrorCode = "LEGACY_DAEMON"
	ErrCodeRegistrationFailed    ErrorCode = "REGISTRATION_FAILED"
	ErrCodeDeadlineExceeded      ErrorCode = "DEADLINE_EXCEEDED"

	// Configuration errors
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Command execution errors
	ErrCodeCommandTimeout  ErrorCode = "COMMAND_TIMEOUT"
	ErrCodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"
	ErrCodeCommandFailed   ErrorCode = "COMMAND_FAILED"

	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// BuildwatchError represents a structured error with context
type BuildwatchError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *BuildwatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *BuildwatchError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *BuildwatchError) WithDetail(key string, value interface{}) *BuildwatchError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *BuildwatchError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new BuildwatchError
func New(code ErrorCode, message string) *BuildwatchError {
	return &BuildwatchError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a BuildwatchError
func Wrap(err error, code ErrorCode, message string) *BuildwatchError {
	return &BuildwatchError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific BuildwatchError code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	bwErr, ok := err.(*BuildwatchError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return Is(unwrapper.Unwrap(), code)
		}
		return false
	}

	return bwErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	bwErr, ok := err.(*BuildwatchError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return bwErr.Code
}
