package cmdutil

import (
	"context"
	"strings"
	"sync"
)

// FakeHandler simulates a single external program for tests.
// The returned string is the command's standard output.
type FakeHandler func(args []string) (string, error)

// Fake is a recording Executor for tests. Commands succeed with empty output
// unless a handler is registered for the program name.
type Fake struct {
	mu sync.Mutex

	// Commands records every executed command line in order.
	Commands []string

	// Handlers maps program names to their simulated behavior.
	Handlers map[string]FakeHandler

	// MissingTools lists program names LookPath should report as absent.
	MissingTools []string
}

// NewFake returns an empty recording executor.
func NewFake() *Fake {
	return &Fake{
		Handlers: make(map[string]FakeHandler),
	}
}

// Handle registers a handler for the given program name.
func (f *Fake) Handle(name string, handler FakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Handlers[name] = handler
}

// Run records the command and dispatches to the registered handler, if any.
func (f *Fake) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Output(ctx, name, args...)

	return err
}

// Output records the command and returns the handler's simulated output.
func (f *Fake) Output(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	line := strings.Join(append([]string{name}, args...), " ")
	f.Commands = append(f.Commands, line)
	handler := f.Handlers[name]
	f.mu.Unlock()

	if handler == nil {
		return "", nil
	}

	out, err := handler(args)
	if err != nil {
		return out, &CommandError{Cmd: line, ExitCode: 1, Err: err}
	}

	return out, nil
}

// LookPath succeeds unless the program was listed as missing.
func (f *Fake) LookPath(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, missing := range f.MissingTools {
		if missing == name {
			return &CommandError{Cmd: name, ExitCode: -1}
		}
	}

	return nil
}

// Ran reports whether any recorded command line starts with the given prefix.
func (f *Fake) Ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, line := range f.Commands {
		if line == prefix || strings.HasPrefix(line, prefix+" ") {
			return true
		}
	}

	return false
}

// CountRuns returns how many recorded command lines start with the given prefix.
func (f *Fake) CountRuns(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0

	for _, line := range f.Commands {
		if line == prefix || strings.HasPrefix(line, prefix+" ") {
			count++
		}
	}

	return count
}
