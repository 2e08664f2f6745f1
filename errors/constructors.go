package errors

import (
	"fmt"
	"os/exec"
	"time"
)

// LaunchFailed creates an error for a daemon subprocess that could not run
// or exited non-zero during endpoint discovery.
func LaunchFailed(command string, exitCode int) *BuildwatchError {
	return New(ErrCodeLaunchFailed,
		fmt.Sprintf("watchman command '%s' exited with code %d", command, exitCode)).
		WithDetail("command", command).
		WithDetail("exitCode", exitCode)
}

// ConnectFailed creates an error for a connector that yielded no connection.
func ConnectFailed(sockPath string, err error) *BuildwatchError {
	return Wrap(err, ErrCodeConnectFailed,
		fmt.Sprintf("could not connect to watchman socket %s", sockPath)).
		WithDetail("sockPath", sockPath)
}

// ProtocolDecode creates an error for an undecodable or malformed response.
func ProtocolDecode(context string, err error) *BuildwatchError {
	return Wrap(err, ErrCodeProtocolDecode,
		fmt.Sprintf("could not decode watchman response: %s", context)).
		WithDetail("context", context)
}

// CapabilityUnsupported creates an error for a required capability the daemon
// reported as unsupported.
func CapabilityUnsupported(message string) *BuildwatchError {
	return New(ErrCodeCapabilityUnsupported,
		fmt.Sprintf("watchman rejected required capability: %s", message)).
		WithDetail("daemonError", message)
}

// LegacyDaemon creates an error for a daemon too old to report capabilities.
func LegacyDaemon(version string) *BuildwatchError {
	return New(ErrCodeLegacyDaemon,
		fmt.Sprintf("watchman version %s is too old to report capabilities", version)).
		WithDetail("version", version)
}

// RegistrationFailed creates an error for a root whose watch registration failed.
func RegistrationFailed(root string, reason string) *BuildwatchError {
	return New(ErrCodeRegistrationFailed,
		fmt.Sprintf("could not register watch for root %s: %s", root, reason)).
		WithDetail("root", root).
		WithDetail("reason", reason)
}

// DeadlineExceeded creates an error for a stage that overran the time budget.
func DeadlineExceeded(stage string, budget time.Duration) *BuildwatchError {
	return New(ErrCodeDeadlineExceeded,
		fmt.Sprintf("watchman %s exceeded the %s time budget", stage, budget)).
		WithDetail("stage", stage).
		WithDetail("budget", budget.String())
}

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *BuildwatchError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *BuildwatchError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// CommandFailed creates a command execution failure error
func CommandFailed(cmd string, err error) *BuildwatchError {
	bwErr := Wrap(err, ErrCodeCommandFailed, fmt.Sprintf("command failed: %s", cmd)).
		WithDetail("command", cmd)

	// Extract exit code if available
	if exitErr, ok := err.(*exec.ExitError); ok {
		bwErr = bwErr.WithDetail("exitCode", exitErr.ExitCode())
	}

	return bwErr
}
