package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/changegate/internal/sandbox"
)

// Supervisor restarts services after the live tree changes.
type Supervisor interface {
	Restart(ctx context.Context, services []string) error
}

// ExecSupervisor runs Command once per service, replacing "{service}" in
// each argument, e.g. ["systemctl", "restart", "{service}"].
type ExecSupervisor struct {
	Command []string
	Timeout time.Duration // per service; zero means one minute
	Runner  sandbox.Runner
}

func (s ExecSupervisor) Restart(ctx context.Context, services []string) error {
	if len(s.Command) == 0 {
		return errors.New("deploy: supervisor command is empty")
	}
	runner := s.Runner
	if runner == nil {
		runner = sandbox.ExecRunner{}
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	var errs []error
	for _, svc := range services {
		args := make([]string, len(s.Command))
		for i, a := range s.Command {
			args[i] = strings.ReplaceAll(a, "{service}", svc)
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		out, err := runner.Run(cctx, sandbox.Command{Name: args[0], Args: args[1:]})
		cancel()
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("restart %s: %w", svc, err))
		case out.ExitCode != 0:
			errs = append(errs, fmt.Errorf("restart %s: exit %d: %s", svc, out.ExitCode, strings.TrimSpace(lastLine(out.Output))))
		}
	}
	return errors.Join(errs...)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
