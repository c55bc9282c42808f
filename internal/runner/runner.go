// Package runner executes the external programs the server depends on
// (docker, python, pip, maigret) as child processes.
// Commands are passed as argv slices and never interpreted by a shell.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// MaxOutputBytes is the default ceiling for combined stdout+stderr.
const MaxOutputBytes = 10 << 20 // 10 MiB

const waitDelay = 2 * time.Second

var (
	// ErrExecution is wrapped by every spawn failure or non-zero exit.
	ErrExecution = errors.New("command execution failed")

	// ErrBufferOverflow is returned when combined output exceeds the ceiling.
	ErrBufferOverflow = errors.New("command output exceeded buffer limit")
)

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Command defines what to run.
type Command struct {
	// Args is the program and its arguments (e.g. ["docker", "pull", "img"]).
	Args []string

	// Dir overrides the working directory. Empty = inherit.
	Dir string

	// Env adds variables on top of the parent environment.
	Env map[string]string
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result captures the outcome of a successful command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExecError describes a failed command.
type ExecError struct {
	Args     []string
	ExitCode int    // -1 when the process never started or was killed.
	Stderr   string // Captured stderr, possibly truncated.
	Err      error
}

func (e *ExecError) Error() string {
	cmd := strings.Join(e.Args, " ")
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", cmd, e.Err, msg)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Config configures an ExecRunner.
type Config struct {
	MaxOutputBytes int           // 0 = MaxOutputBytes.
	Timeout        time.Duration // 0 = no timeout.
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	maxOutput int
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an ExecRunner.
func New(cfg Config, logger *slog.Logger) *ExecRunner {
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = MaxOutputBytes
	}
	return &ExecRunner{
		maxOutput: maxOutput,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Run executes the command and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, &ExecError{ExitCode: -1, Err: fmt.Errorf("%w: empty command", ErrExecution)}
	}

	if r.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, r.timeout)
		defer cancelTimeout()
	}
	// Cancelled on buffer overflow so a chatty child is killed early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	// Grandchildren holding the pipes open must not stall Wait after a kill.
	cmd.WaitDelay = waitDelay
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	budget := &outputBudget{remaining: r.maxOutput, onExceed: cancel}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, budget: budget}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, budget: budget}

	r.logger.Info("running command",
		slog.String("command", c.String()),
		slog.String("dir", c.Dir),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if budget.overflowed() {
		r.logger.Warn("command output exceeded limit",
			slog.String("command", c.String()),
			slog.Int("limit_bytes", r.maxOutput),
			slog.Duration("duration", duration),
		)
		return nil, &ExecError{Args: c.Args, ExitCode: -1, Err: ErrBufferOverflow}
	}

	if runErr != nil {
		execErr := &ExecError{Args: c.Args, ExitCode: -1, Stderr: stderrBuf.String()}
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			execErr.Err = fmt.Errorf("%w: %w", ErrExecution, ctx.Err())
		case errors.As(runErr, &exitErr):
			execErr.ExitCode = exitErr.ExitCode()
			execErr.Err = fmt.Errorf("%w: exit status %d", ErrExecution, execErr.ExitCode)
		default:
			execErr.Err = fmt.Errorf("%w: %w", ErrExecution, runErr)
		}
		r.logger.Warn("command failed",
			slog.String("command", c.String()),
			slog.Int("exit_code", execErr.ExitCode),
			slog.Duration("duration", duration),
			slog.String("error", execErr.Err.Error()),
		)
		return nil, execErr
	}

	r.logger.Info("command completed",
		slog.String("command", c.String()),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}, nil
}

// outputBudget is shared by the stdout and stderr writers, which exec
// drives from separate goroutines.
type outputBudget struct {
	mu        sync.Mutex
	remaining int
	exceeded  bool
	onExceed  func()
}

func (b *outputBudget) take(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exceeded {
		return false
	}
	if n > b.remaining {
		b.exceeded = true
		if b.onExceed != nil {
			b.onExceed()
		}
		return false
	}
	b.remaining -= n
	return true
}

func (b *outputBudget) overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

// limitedWriter discards everything once the shared budget is exhausted.
type limitedWriter struct {
	w      io.Writer
	budget *outputBudget
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if !lw.budget.take(len(p)) {
		return len(p), nil
	}
	return lw.w.Write(p)
}
