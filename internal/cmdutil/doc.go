// Package cmdutil abstracts external command execution behind the Executor
// capability. Production code uses System (os/exec); tests use Fake, which
// records every command line and simulates program behavior via handlers.
package cmdutil
