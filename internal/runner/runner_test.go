package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func newTestRunner(t *testing.T, cfg Config) *ExecRunner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping")
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	r := newTestRunner(t, Config{})

	res, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo hello; echo oops 1>&2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if got := strings.TrimSpace(res.Stderr); got != "oops" {
		t.Errorf("stderr = %q, want %q", got, "oops")
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := newTestRunner(t, Config{})

	_, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo broken 1>&2; exit 3"},
	})
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if execErr.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", execErr.ExitCode)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error %q should carry stderr", err.Error())
	}
}

func TestExecRunner_SpawnFailure(t *testing.T) {
	r := newTestRunner(t, Config{})

	_, err := r.Run(context.Background(), Command{
		Args: []string{"definitely-not-a-real-binary-4f1c"},
	})
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
}

func TestExecRunner_EmptyCommand(t *testing.T) {
	r := newTestRunner(t, Config{})

	if _, err := r.Run(context.Background(), Command{}); !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
}

func TestExecRunner_BufferOverflow(t *testing.T) {
	r := newTestRunner(t, Config{MaxOutputBytes: 1024})

	_, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "i=0; while [ $i -lt 200 ]; do echo 0123456789; i=$((i+1)); done"},
	})
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("expected ErrBufferOverflow, got %v", err)
	}
	if errors.Is(err, ErrExecution) {
		t.Error("buffer overflow should not be reported as a plain execution error")
	}
}

func TestExecRunner_CombinedOutputCountsStderr(t *testing.T) {
	r := newTestRunner(t, Config{MaxOutputBytes: 30})

	// 20 bytes on each stream: under the limit individually, over it combined.
	_, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "printf '%020d' 0; printf '%020d' 0 1>&2"},
	})
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("expected ErrBufferOverflow, got %v", err)
	}
}

func TestExecRunner_Env(t *testing.T) {
	r := newTestRunner(t, Config{})

	res, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "echo $MAIGRET_TEST_VALUE"},
		Env:  map[string]string{"MAIGRET_TEST_VALUE": "42"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "42" {
		t.Errorf("stdout = %q, want 42", got)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	r := newTestRunner(t, Config{Timeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "sleep 5"}})
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout did not stop the command")
	}
}

func TestCommand_String(t *testing.T) {
	c := Command{Args: []string{"docker", "image", "inspect", "soxoj/maigret:latest"}}
	if got, want := c.String(), "docker image inspect soxoj/maigret:latest"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
