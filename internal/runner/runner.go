// Package runner is the single chokepoint for invoking external tools
// (objcopy, sbsign, file) so that failures carry uniform diagnostics.
package runner

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// Runner executes an external program and returns its captured stdout.
type Runner interface {
	Output(name string, args ...string) (string, error)
}

// ToolError reports an external program that exited non-zero.
type ToolError struct {
	Program  string
	Args     []string
	ExitCode int
	Stderr   string
	cause    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s exited with code %d", e.Program, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.cause }

// Exec runs programs on the host.
type Exec struct{}

// Output runs the program with no stdin, capturing both output streams.
// On success it returns stdout with trailing whitespace trimmed; on a
// non-zero exit it returns a *ToolError carrying the captured stderr.
func (Exec) Output(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &ToolError{
				Program:  name,
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
				cause:    err,
			}
		}
		return "", errors.Wrapf(err, "run %s", name)
	}

	return strings.TrimRight(stdout.String(), " \t\r\n"), nil
}
