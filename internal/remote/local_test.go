package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalExec(t *testing.T) {
	e := NewLocalExecutor()
	dir := t.TempDir()

	tests := []struct {
		name       string
		command    string
		workdir    string
		exitCode   int
		stdout     string
		stderr     string
		anyFailure bool
	}{
		{name: "echo", command: "echo hi", exitCode: 0, stdout: "hi\n"},
		{name: "exit code", command: "echo out; echo err >&2; exit 3", exitCode: 3, stdout: "out\n", stderr: "err\n"},
		{name: "workdir", command: "pwd", workdir: dir, stdout: dir + "\n"},
		{name: "missing workdir", command: "pwd", workdir: filepath.Join(dir, "nope"), anyFailure: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Exec(context.Background(), tt.command, 5*time.Second, tt.workdir)
			if err != nil {
				t.Fatalf("Exec err: %v", err)
			}
			if tt.anyFailure {
				if res.OK() {
					t.Fatalf("expected failure, got %+v", res)
				}
				return
			}
			if res.ExitCode != tt.exitCode {
				t.Errorf("exit = %d, want %d", res.ExitCode, tt.exitCode)
			}
			if res.Stdout != tt.stdout {
				t.Errorf("stdout = %q, want %q", res.Stdout, tt.stdout)
			}
			if res.Stderr != tt.stderr {
				t.Errorf("stderr = %q, want %q", res.Stderr, tt.stderr)
			}
		})
	}
}

func TestLocalExecWorkdirWithSpaces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "with space")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := NewLocalExecutor().Exec(context.Background(), "pwd", 5*time.Second, dir)
	if err != nil || !res.OK() || strings.TrimSpace(res.Stdout) != dir {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
}

func TestLocalExecTimeout(t *testing.T) {
	start := time.Now()
	res, err := NewLocalExecutor().Exec(context.Background(), "sleep 5", 100*time.Millisecond, "")
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if res.ExitCode != TimeoutExitCode {
		t.Errorf("exit = %d, want %d", res.ExitCode, TimeoutExitCode)
	}
	if !strings.Contains(res.Stderr, "timed out after 100ms") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
}

func TestLocalExecCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalExecutor().Exec(ctx, "echo hi", time.Second, "")
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLocalFiles(t *testing.T) {
	e := NewLocalExecutor()
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "a", "b", ".env")

	_, ok, err := e.ReadFile(ctx, p)
	if err != nil || ok {
		t.Fatalf("ReadFile missing = %v, %v, want absent", ok, err)
	}

	if err := e.WriteFile(ctx, []byte("A=1\n"), p, 0o600); err != nil {
		t.Fatal(err)
	}
	got, ok, err := e.ReadFile(ctx, p)
	if err != nil || !ok || string(got) != "A=1\n" {
		t.Fatalf("ReadFile = %q, %v, %v", got, ok, err)
	}

	st, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", st.Mode().Perm())
	}

	if err := e.WriteFile(ctx, []byte("B"), p, 0o644); err != nil {
		t.Fatal(err)
	}
	got, _, _ = e.ReadFile(ctx, p)
	if string(got) != "B" {
		t.Errorf("overwrite = %q", got)
	}
}

func TestWithWorkdir(t *testing.T) {
	if got := withWorkdir("ls", ""); got != "ls" {
		t.Errorf("no workdir = %q", got)
	}
	if got := withWorkdir("ls", "/opt/x y"); got != "cd '/opt/x y' && ls" {
		t.Errorf("quoted workdir = %q", got)
	}
}
