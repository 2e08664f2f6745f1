// Package command runs external processes with bounded waits. The watchman
// endpoint-discovery stage uses it to invoke the daemon's get-sockname
// subcommand; tests substitute a scripted Runner so no real process is
// launched.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/grovetools/buildwatch/errors"
)

// Params describes one process invocation.
type Params struct {
	// Command is the executable followed by its arguments.
	Command []string
	// Env is the process environment. A nil map inherits the parent
	// environment; an empty map runs with only the entries given.
	Env map[string]string
	// Dir is the working directory. Empty means the parent's.
	Dir string
}

// Result carries the outcome of a completed process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes a process and waits for it to finish. A non-zero exit code
// is not an error; failure to run or a timeout is.
type Runner interface {
	// Run executes params, waiting up to timeout when timeout > 0. The
	// context bounds the wait as well, so callers can cancel mid-run.
	Run(ctx context.Context, params Params, timeout time.Duration) (Result, error)
}

// RealRunner runs processes through an Executor.
type RealRunner struct {
	Executor Executor
}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() *RealRunner {
	return &RealRunner{Executor: &RealExecutor{}}
}

// Run executes the process described by params.
func (r *RealRunner) Run(ctx context.Context, params Params, timeout time.Duration) (Result, error) {
	if len(params.Command) == 0 {
		return Result{}, errors.New(errors.ErrCodeInvalidInput, "command cannot be empty")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := r.Executor.CommandContext(ctx, params.Command[0], params.Command[1:]...)
	if params.Env != nil {
		cmd.Env = flattenEnv(params.Env)
	}
	cmd.Dir = params.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = nil

	err := cmd.Run()
	result := Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, errors.Wrap(ctx.Err(), errors.ErrCodeCommandTimeout,
			fmt.Sprintf("command timed out after %s: %s", timeout, params.Command[0]))
	}

	if err != nil {
		if cmd.ProcessState != nil {
			// Ran but exited non-zero; report the code, not an error.
			result.ExitCode = cmd.ProcessState.ExitCode()
			return result, nil
		}
		return result, errors.Wrap(err, errors.ErrCodeCommandNotFound,
			fmt.Sprintf("could not run %s", params.Command[0]))
	}

	result.ExitCode = cmd.ProcessState.ExitCode()
	return result, nil
}

// flattenEnv converts an environment map to the KEY=VALUE form os/exec
// expects, in stable order.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flat := make([]string, 0, len(keys))
	for _, k := range keys {
		flat = append(flat, k+"="+env[k])
	}
	return flat
}

// InheritedEnv returns the parent process environment as a map, suitable for
// amending before a Run call.
func InheritedEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}
