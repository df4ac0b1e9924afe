package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/pvik/fleetd/pkg/db"
	log "github.com/sirupsen/logrus"
)

// SSHExecutor runs commands on a remote host over a pooled ssh connection
// and transfers files over its sftp subsystem
type SSHExecutor struct {
	host *db.Host
	mgr  *ConnectionManager
}

func NewSSHExecutor(h *db.Host, mgr *ConnectionManager) *SSHExecutor {
	return &SSHExecutor{host: h, mgr: mgr}
}

func (e *SSHExecutor) transportErr(op string, err error) error {
	return &TransportError{Op: op, Host: e.host.Hostname, Err: err}
}

func (e *SSHExecutor) Exec(ctx context.Context, command string, timeout time.Duration, workdir string) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	full := withWorkdir(command, workdir)

	log.WithFields(log.Fields{
		"host":    e.host.Hostname,
		"command": Shorten(full, 200),
	}).Debug("ssh exec")

	cl, err := e.mgr.Client(ctx, e.host)
	if err != nil {
		return Result{}, err
	}

	session, err := cl.NewSession()
	if err != nil {
		e.mgr.Discard(e.host, cl)
		return Result{}, e.transportErr("session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(full); err != nil {
		return Result{}, e.transportErr("start", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return e.result(cl, err, stdout.String(), stderr.String())
	case <-timer.C:
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		log.WithFields(log.Fields{
			"host":    e.host.Hostname,
			"command": Shorten(full, 200),
			"timeout": timeout,
		}).Warn("ssh command timed out")
		return timeoutResult(stdout.String(), stderr.String(), timeout), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return Result{}, e.transportErr("exec", ctx.Err())
	}
}

func (e *SSHExecutor) result(cl Client, err error, stdout, stderr string) (Result, error) {
	if err == nil {
		return Result{ExitCode: 0, Stdout: stdout, Stderr: stderr}, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitStatus(), Stdout: stdout, Stderr: stderr}, nil
	}

	// no exit status means the connection went away under the session
	e.mgr.Discard(e.host, cl)
	return Result{}, e.transportErr("exec", err)
}

func (e *SSHExecutor) sftpClient(ctx context.Context) (*sftp.Client, func(), error) {
	cl, err := e.mgr.Client(ctx, e.host)
	if err != nil {
		return nil, nil, err
	}

	session, err := cl.NewSession()
	if err != nil {
		e.mgr.Discard(e.host, cl)
		return nil, nil, e.transportErr("session", err)
	}

	pw, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, e.transportErr("sftp", err)
	}
	pr, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, e.transportErr("sftp", err)
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		session.Close()
		return nil, nil, e.transportErr("sftp", err)
	}

	sc, err := sftp.NewClientPipe(pr, pw)
	if err != nil {
		session.Close()
		return nil, nil, e.transportErr("sftp", err)
	}

	return sc, func() {
		sc.Close()
		session.Close()
	}, nil
}

func (e *SSHExecutor) WriteFile(ctx context.Context, content []byte, p string, mode os.FileMode) error {
	sc, closeFn, err := e.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := sc.MkdirAll(path.Dir(p)); err != nil {
		return fmt.Errorf("create parent of %s: %w", p, err)
	}

	f, err := sc.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p, err)
	}
	if err := sc.Chmod(p, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}

	log.WithFields(log.Fields{
		"host":  e.host.Hostname,
		"path":  p,
		"bytes": len(content),
	}).Debug("sftp write")
	return nil
}

func (e *SSHExecutor) ReadFile(ctx context.Context, p string) ([]byte, bool, error) {
	sc, closeFn, err := e.sftpClient(ctx)
	if err != nil {
		return nil, false, err
	}
	defer closeFn()

	f, err := sc.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", p, err)
	}
	return b, true, nil
}
