package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Command is one external process invocation inside a sandbox.
type Command struct {
	Dir  string
	Name string
	Args []string
	Env  []string
}

// Outcome captures a finished process. Output holds stdout and stderr
// interleaved in write order.
type Outcome struct {
	Output   string
	ExitCode int
}

// Runner executes commands. A missing executable must surface as an error
// wrapping exec.ErrNotFound; a non-zero exit is not an error.
type Runner interface {
	Run(ctx context.Context, c Command) (Outcome, error)
}

// ExecRunner runs commands with os/exec under the caller's context.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed. Zero means one second.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Command) (Outcome, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Outcome{Output: out.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}
