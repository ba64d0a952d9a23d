// Package sysexec is the seam between the engine and host tools such as
// launchctl, codesign and pfctl. Everything that shells out goes through a
// Runner so tests can substitute canned output.
package sysexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command. On success it returns everything
// the command wrote, stdout followed by stderr; tools like codesign report
// their findings on stderr even when they succeed.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// ExitError is returned when the command ran but exited non-zero. Stdout and
// Stderr are preserved because several tools (codesign, spctl) report their
// findings on stderr alongside a failing status.
type ExitError struct {
	Name   string
	Code   int
	Stdout []byte
	Stderr []byte
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(string(e.Stderr))
	if msg == "" {
		return fmt.Sprintf("sysexec: %s exited with status %d", e.Name, e.Code)
	}
	return fmt.Sprintf("sysexec: %s exited with status %d: %s", e.Name, e.Code, msg)
}

// Exec runs commands with os/exec.
type Exec struct{}

// Run implements Runner. Commands are killed when ctx is done.
func (Exec) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	if err == nil {
		return append(stdout.Bytes(), stderr.Bytes()...), nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("sysexec: %s: %w", name, ctx.Err())
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return stdout.Bytes(), &ExitError{
			Name:   name,
			Code:   ee.ExitCode(),
			Stdout: stdout.Bytes(),
			Stderr: stderr.Bytes(),
		}
	}
	return nil, fmt.Errorf("sysexec: %s: %w", name, err)
}

// Output returns stdout and stderr of a failed command combined, or stdout
// when err is not an ExitError.
func Output(out []byte, err error) string {
	var ee *ExitError
	if errors.As(err, &ee) {
		return string(ee.Stdout) + string(ee.Stderr)
	}
	return string(out)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	return f(ctx, name, args, stdin)
}
