package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
)

// copyProject copies the configured roots of the project into work.
func (m *Manager) copyProject(ctx context.Context, work string) (int, error) {
	stateAbs, _ := filepath.Abs(m.opts.StateDir)
	skip := func(p string, d fs.DirEntry) bool {
		if protect.Ignored(d.Name(), m.opts.Ignore) {
			return true
		}
		if abs, err := filepath.Abs(p); err == nil && abs == stateAbs {
			return true
		}
		return false
	}

	total := 0
	for _, root := range m.opts.CopyRoots {
		src := filepath.Join(m.opts.ProjectRoot, filepath.FromSlash(root))
		dst := filepath.Join(work, filepath.FromSlash(root))
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				m.log.Warn("copy root missing", zap.String("root", root))
				continue
			}
			return total, err
		}
		n, err := copyTree(ctx, src, dst, skip)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// copyTree copies regular files and directories from src to dst, keeping
// file modes. Entries for which skip returns true are left out; symlinks
// and other special files are never copied.
func copyTree(ctx context.Context, src, dst string, skip func(string, fs.DirEntry) bool) (int, error) {
	n := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != src && skip != nil && skip(p, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := copyFile(p, target, info.Mode().Perm()); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// provision builds the dependency environment, retrying retryable failures
// with a linear backoff.
func (m *Manager) provision(ctx context.Context, id string, env model.SandboxEnvironment) error {
	if m.opts.Environment == EnvNone {
		return nil
	}
	retries := m.opts.ProvisionRetries
	if retries < 0 {
		retries = 0
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * m.opts.RetryBackoff
			m.log.Warn("retrying provisioning",
				zap.String("proposal", id), zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return &Error{Op: "provision", ID: id, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
		err = m.provisionOnce(ctx, id, env)
		var se *Error
		if err == nil || !errors.As(err, &se) || !se.Retryable {
			return err
		}
	}
	return err
}

func (m *Manager) provisionOnce(ctx context.Context, id string, env model.SandboxEnvironment) error {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
	defer cancel()

	// A partial venv from an earlier try would make venv creation fail.
	if err := os.RemoveAll(env.EnvDir); err != nil {
		return &Error{Op: "provision", ID: id, Err: err}
	}

	var log strings.Builder
	steps := [][]string{{m.opts.Python, "-m", "venv", env.EnvDir}}
	if _, err := os.Stat(filepath.Join(env.WorkDir, "requirements.txt")); err == nil {
		pip := filepath.Join(env.EnvDir, "bin", "pip")
		steps = append(steps, []string{pip, "install", "--disable-pip-version-check", "-r", "requirements.txt"})
	}

	for _, argv := range steps {
		out, err := m.runner.Run(pctx, Command{Dir: env.WorkDir, Name: argv[0], Args: argv[1:]})
		fmt.Fprintf(&log, "$ %s\n%s\n", strings.Join(argv, " "), out.Output)
		writeLog(env.LogDir, "provision.log", log.String())

		switch {
		case errors.Is(err, exec.ErrNotFound):
			return &Error{Op: "provision", ID: id, Err: fmt.Errorf("%s: %w", argv[0], err)}
		case pctx.Err() != nil && ctx.Err() == nil:
			return &Error{Op: "provision", ID: id, Retryable: true,
				Err: fmt.Errorf("%s timed out after %s", argv[0], m.opts.ProvisionTimeout)}
		case err != nil:
			return &Error{Op: "provision", ID: id, Retryable: ctx.Err() == nil, Err: err}
		case out.ExitCode != 0:
			return &Error{Op: "provision", ID: id, Retryable: true,
				Err: fmt.Errorf("%s exited %d: %s", argv[0], out.ExitCode, tail(out.Output, 400))}
		}
	}
	return nil
}

func writeLog(dir, name, content string) {
	if dir == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
