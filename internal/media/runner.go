// Package media wraps the external probe and encoder tools used to turn an
// uploaded source file into HLS renditions and thumbnail frames.
package media

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Command describes one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a finished process. A non-zero exit is reported
// through ExitCode, never through Err. Err is only set when the process could
// not be started or waited on, in which case ExitCode is -1.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	Err      error
}

// Success reports whether the process ran and exited with status zero.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// StderrTail returns at most the last n non-empty lines of captured stderr.
func (r Result) StderrTail(n int) string {
	lines := splitLines(r.Stderr)
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Runner executes external tools synchronously. Implementations must not
// treat a non-zero exit status as an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner runs commands with os/exec and logs diagnostic output of failed
// invocations.
type ExecRunner struct {
	Logger *slog.Logger
	// LogLines bounds how many trailing stderr lines are logged on failure.
	LogLines int
}

const defaultLogLines = 40

// NewExecRunner returns an ExecRunner logging through logger.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Logger: logger, LogLines: defaultLogLines}
}

func (r *ExecRunner) Run(ctx context.Context, command Command) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Err = err
		}
	}
	if !result.Success() {
		r.logFailure(command, result)
	}
	return result
}

func (r *ExecRunner) logFailure(command Command, result Result) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := r.LogLines
	if limit <= 0 {
		limit = defaultLogLines
	}
	attrs := []any{
		"command", command.Name,
		"exit_code", result.ExitCode,
		"duration_ms", result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		attrs = append(attrs, "error", result.Err)
	}
	logger.Error("external process failed", attrs...)
	lines := splitLines(result.Stderr)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	for _, line := range lines {
		logger.Error(line, "command", command.Name, "stream", "stderr")
	}
}

func splitLines(data []byte) []string {
	var lines []string
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		var line []byte
		if idx == -1 {
			line = data
			data = nil
		} else {
			line = data[:idx]
			data = data[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}
	return lines
}
