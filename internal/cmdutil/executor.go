package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Executor runs external programs on behalf of the installer components.
// Injecting it lets tests substitute a recording fake for the real host.
type Executor interface {
	// Run executes the command and waits for it to finish.
	// A nonzero exit status is reported as a *CommandError.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and returns its combined standard output.
	// A nonzero exit status is reported as a *CommandError.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// LookPath reports whether the named program is resolvable on the host.
	LookPath(name string) error
}

// CommandError reports a wrapped OS command that exited with a nonzero status.
// The message carries the literal command line and the exit code.
type CommandError struct {
	// Cmd is the full command line that was executed.
	Cmd string
	// ExitCode is the process exit status, or -1 when the process never ran.
	ExitCode int
	// Err is the underlying execution error.
	Err error
}

// Error renders the literal command and its exit code.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s (exit code %d)", e.Cmd, e.ExitCode)
}

// Unwrap exposes the underlying execution error for errors.Is/As.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// newCommandError wraps an exec failure, extracting the exit status when available.
func newCommandError(name string, args []string, err error) *CommandError {
	exitCode := -1

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	return &CommandError{
		Cmd:      strings.Join(append([]string{name}, args...), " "),
		ExitCode: exitCode,
		Err:      err,
	}
}

// System executes commands on the real host via os/exec.
type System struct {
	// Env, when non-empty, is appended to the inherited environment of every command.
	Env []string
}

// NewSystem returns an Executor backed by the host, running package-manager
// commands non-interactively.
func NewSystem() *System {
	return &System{
		Env: []string{"DEBIAN_FRONTEND=noninteractive"},
	}
}

// Run executes the command, discarding output and checking the exit status.
func (s *System) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), s.Env...)

	if err := cmd.Run(); err != nil {
		return newCommandError(name, args, err)
	}

	return nil
}

// Output executes the command and returns its standard output as a string.
func (s *System) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), s.Env...)

	out, err := cmd.Output()
	if err != nil {
		return string(out), newCommandError(name, args, err)
	}

	return string(out), nil
}

// LookPath resolves the program through PATH.
func (s *System) LookPath(name string) error {
	_, err := exec.LookPath(name)

	return err
}
