package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a firewall command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// CommandError carries the exit status and output of a failed command.
type CommandError struct {
	Cmd      string
	Output   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit %d: %v", e.Cmd, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s: exit %d: %s", e.Cmd, e.ExitCode, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

type ExecRunner struct {
	Timeout time.Duration
	Sudo    bool
}

func (r *ExecRunner) Run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.Sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), nil
	}
	code := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return string(out), &CommandError{
		Cmd:      name + " " + strings.Join(args, " "),
		Output:   string(out),
		ExitCode: code,
		Err:      err,
	}
}
