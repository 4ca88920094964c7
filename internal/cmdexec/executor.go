package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Command is a single invocation of an external tool. Args[0] is the program.
type Command struct {
	Args  []string
	Stdin []byte

	// Interactive attaches the caller's terminal instead of capturing output.
	Interactive bool

	// CombinedOutput captures stderr into Stdout, in the order it was written.
	CombinedOutput bool
}

// Tool returns the base name of the program being invoked.
func (c Command) Tool() string {
	if len(c.Args) == 0 {
		return ""
	}
	return filepath.Base(c.Args[0])
}

// Result is the outcome of a finished invocation
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Success reports whether the tool exited with status 0
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns stdout followed by stderr
func (r *Result) Output() []byte {
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	out = append(out, r.Stdout...)
	return append(out, r.Stderr...)
}

// Executor runs external tools. A non-zero exit status is reported through
// Result.ExitCode; the error return is reserved for invocations that could
// not be started at all.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// Observer is notified after every finished invocation
type Observer interface {
	ObserveInvocation(tool string, exitCode int, elapsed time.Duration)
}

// OSExecutor runs commands as child processes via os/exec.
type OSExecutor struct {
	// Terminal streams used for interactive commands.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Observer Observer
	Logger   *slog.Logger
}

// NewOSExecutor returns an executor bound to the process terminal
func NewOSExecutor(observer Observer) *OSExecutor {
	return &OSExecutor{
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Observer: observer,
	}
}

// Execute implements Executor. There is no timeout: a hung tool blocks until
// ctx is cancelled.
func (e *OSExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("executing", "cmd", Render(Redact(cmd.Args)), "interactive", cmd.Interactive)

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)

	var stdout, stderr bytes.Buffer
	if cmd.Interactive {
		c.Stdin = e.Stdin
		c.Stdout = e.Stdout
		c.Stderr = e.Stderr
	} else {
		if cmd.Stdin != nil {
			c.Stdin = bytes.NewReader(cmd.Stdin)
		}
		c.Stdout = &stdout
		if cmd.CombinedOutput {
			c.Stderr = &stdout
		} else {
			c.Stderr = &stderr
		}
	}

	start := time.Now()
	err := c.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		// -1 when the child was terminated by a signal
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run %s: %w", cmd.Tool(), err)
	}

	logger.Debug("finished",
		"tool", cmd.Tool(),
		"exit_code", res.ExitCode,
		"duration_ms", elapsed.Milliseconds())

	if e.Observer != nil {
		e.Observer.ObserveInvocation(cmd.Tool(), res.ExitCode, elapsed)
	}

	return res, nil
}
