package cli

import (
	"fmt"
	"os"

	"github.com/grovetools/buildwatch/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{Verbose: verbose}
}

// Handle prints a user-friendly message for known error codes and returns the
// error for the caller's exit handling.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(os.Stderr, "Configuration not found. Create a buildwatch.yml in your project root.\n")

	case errors.ErrCodeConfigInvalid:
		fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)

	case errors.ErrCodeCommandNotFound:
		fmt.Fprintf(os.Stderr, "watchman not found. Install it or set watchman.executable in buildwatch.yml.\n")

	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	if h.Verbose {
		if bwErr, ok := err.(*errors.BuildwatchError); ok {
			fmt.Fprintln(os.Stderr, bwErr.ToJSON())
		}
	}
	return err
}
