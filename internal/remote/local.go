package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// LocalExecutor runs commands as child processes of fleetd. It never
// touches the connection pool or a breaker.
type LocalExecutor struct {
	Shell string
}

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{Shell: "/bin/sh"}
}

func (e *LocalExecutor) Exec(ctx context.Context, command string, timeout time.Duration, workdir string) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	full := withWorkdir(command, workdir)

	log.WithFields(log.Fields{
		"host":    "local",
		"command": Shorten(full, 200),
	}).Debug("exec")

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, e.Shell, "-c", full)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children holding the pipes open must not block Wait past the kill
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return timeoutResult(stdout.String(), stderr.String(), timeout), nil
	}
	if ctx.Err() != nil {
		return Result{}, &TransportError{Op: "exec", Host: "local", Err: ctx.Err()}
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	case errors.As(err, &exitErr):
		return Result{ExitCode: exitErr.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}, nil
	default:
		// shell missing or not startable
		return Result{ExitCode: 1, Stdout: stdout.String(), Stderr: err.Error()}, nil
	}
}

func (e *LocalExecutor) WriteFile(ctx context.Context, content []byte, path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func (e *LocalExecutor) ReadFile(ctx context.Context, path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return b, true, nil
}
