// Package process runs shell commands for the task scheduler.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// Command is one shell invocation.
type Command struct {
	// Command is passed to sh -c.
	Command string
	Dir     string
	Env     map[string]string
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes commands. A non-nil error means the command did not run to
// completion (start failure or cancellation); a non-zero exit is a Result.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with sh -c in their own process group.
type ExecRunner struct {
	// Grace is the delay between SIGTERM and SIGKILL on cancellation.
	Grace time.Duration
	// Isolated starts from an empty environment instead of os.Environ.
	Isolated bool
}

var _ Runner = ExecRunner{}

func (r ExecRunner) env(extra map[string]string) []string {
	var base []string
	if !r.Isolated {
		base = os.Environ()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(keys))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// Run starts cmd and waits for it. On cancellation the whole process group
// gets SIGTERM, then SIGKILL once Grace has passed.
func (r ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Command == "" {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.Command("sh", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.Env = r.env(c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", c.Command, err)
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = unix.Kill(-pgid, unix.SIGTERM)
		timer := time.NewTimer(grace)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			_ = unix.Kill(-pgid, unix.SIGKILL)
			<-done
		}
		return &Result{ExitCode: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	}

	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %q: %w", c.Command, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}
