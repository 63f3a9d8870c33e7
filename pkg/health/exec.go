package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ExecChecker is ready when a command exits 0
type ExecChecker struct {
	// Command is the command to execute (e.g., ["mongosh", "--quiet", "--eval", "db.adminCommand('ping')"])
	Command []string

	// Timeout bounds each run of the command
	Timeout time.Duration

	// Exec runs the command inside the instance. When nil the command runs
	// on the host, which is what tests and the memory runtime use.
	Exec func(ctx context.Context, argv []string) (stdout, stderr []byte, err error)
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// Create context with timeout
	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	var err error
	if e.Exec != nil {
		var out, errOut []byte
		out, errOut, err = e.Exec(execCtx, e.Command)
		stdout.Write(out)
		stderr.Write(errOut)
	} else {
		cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err = cmd.Run()
	}

	// Build result message
	message := fmt.Sprintf("Command: %v", e.Command)
	if err != nil {
		// Command failed
		message = fmt.Sprintf("%s, Error: %v", message, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, Stderr: %s", message, stderr.String())
		}

		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// Command succeeded (exit code 0)
	if stdout.Len() > 0 {
		// Include output in message (truncated if too long)
		output := stdout.String()
		if len(output) > 100 {
			output = output[:100] + "..."
		}
		message = fmt.Sprintf("%s, Output: %s", message, output)
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithExec runs the command through fn instead of on the host
func (e *ExecChecker) WithExec(fn func(ctx context.Context, argv []string) ([]byte, []byte, error)) *ExecChecker {
	e.Exec = fn
	return e
}
