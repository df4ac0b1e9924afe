// Package remote runs shell commands and file transfers against one host,
// either in-process or over ssh.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pvik/fleetd/pkg/db"
)

// DefaultTimeout applies when a caller passes a zero timeout
const DefaultTimeout = 120 * time.Second

// TimeoutExitCode is the exit code of a command killed by its timeout
const TimeoutExitCode = 124

// ErrCircuitOpen is returned without any I/O while a host's breaker is open
var ErrCircuitOpen = errors.New("circuit open")

// Result of one command. All fields are set whether or not it succeeded.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited 0
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Executor is the set of primitives deployment steps are built from
type Executor interface {
	// Exec runs command through a shell, after changing to workdir when it
	// is not empty. A command that runs past timeout yields a Result with
	// TimeoutExitCode rather than an error.
	Exec(ctx context.Context, command string, timeout time.Duration, workdir string) (Result, error)

	// WriteFile writes content to path, creating missing parent directories
	WriteFile(ctx context.Context, content []byte, path string, mode os.FileMode) error

	// ReadFile returns the content of path. ok is false, with a nil error,
	// when the file does not exist.
	ReadFile(ctx context.Context, path string) (content []byte, ok bool, err error)
}

// TransportError is a failure to reach the host or to drive the transport,
// as opposed to a command exiting non-zero
type TransportError struct {
	Op   string
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Connector maps a host to the executor that reaches it
type Connector interface {
	Executor(h *db.Host) Executor
}

// HostConnector returns a LocalExecutor for local hosts and an SSHExecutor
// sharing Manager for every other host
type HostConnector struct {
	Manager *ConnectionManager
}

func (hc HostConnector) Executor(h *db.Host) Executor {
	if h.IsLocal {
		return NewLocalExecutor()
	}
	return NewSSHExecutor(h, hc.Manager)
}

func withWorkdir(command, workdir string) string {
	if workdir == "" {
		return command
	}
	return "cd " + shellescape.Quote(workdir) + " && " + command
}

func timeoutResult(stdout, stderr string, timeout time.Duration) Result {
	msg := fmt.Sprintf("command timed out after %s", timeout)
	if stderr != "" {
		msg = stderr + "\n" + msg
	}
	return Result{ExitCode: TimeoutExitCode, Stdout: stdout, Stderr: msg}
}

// Shorten cuts s for log lines
func Shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
