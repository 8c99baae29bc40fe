// Package shell runs external commands and reports their outcome as a value.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a command when Command.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Command describes a single process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Unset   []string // variable names removed from the inherited environment
	Stdin   string
	Timeout time.Duration
}

// Result is the outcome of running a Command. A nonzero ExitCode is a normal
// result; Err is set only when the process could not be spawned or timed out.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Error formats a failed result for wrapping into caller errors.
func (r Result) Error() error {
	if r.Err != nil {
		return r.Err
	}
	if r.ExitCode != 0 {
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		return fmt.Errorf("exit status %d: %s", r.ExitCode, msg)
	}
	return nil
}

// ErrTimeout is returned in Result.Err when a command exceeds its timeout.
var ErrTimeout = errors.New("shell: command timed out")

// Executor runs commands. Implementations must be safe for concurrent use.
type Executor interface {
	Run(ctx context.Context, c Command) Result
}

// Exec is the production Executor backed by os/exec.
type Exec struct{}

// Run executes c, waiting at most c.Timeout (or DefaultTimeout).
func (e Exec) Run(ctx context.Context, c Command) Result {
	if c.Name == "" {
		return Result{ExitCode: -1, Err: fmt.Errorf("shell: command name is required")}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(environ(c.Unset), c.Env...)
	cmd.Stdin = strings.NewReader(c.Stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			res.ExitCode = -1
			res.Err = fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, c.Name)
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = -1
			res.Err = fmt.Errorf("shell: run %s: %w", c.Name, err)
		}
	}
	return res
}

// Sh wraps a script for execution by sh -c.
func Sh(script string, timeout time.Duration) Command {
	return Command{Name: "sh", Args: []string{"-c", script}, Timeout: timeout}
}

// environ returns os.Environ without the named variables.
func environ(strip []string) []string {
	if len(strip) == 0 {
		return os.Environ()
	}
	var env []string
	for _, e := range os.Environ() {
		keep := true
		for _, name := range strip {
			if strings.HasPrefix(e, name+"=") {
				keep = false
				break
			}
		}
		if keep {
			env = append(env, e)
		}
	}
	return env
}
