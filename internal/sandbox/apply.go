package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/model"
)

// backupSuffix marks the pristine copy of a file the first Apply replaced.
const backupSuffix = ".backup"

// Apply writes p's files into the sandbox work tree in order. The first
// time a file is replaced its original is kept as <path>.backup and the
// relative backup path is recorded in the FileChange. logs/changes.diff is
// rewritten to show every file against its original.
func (m *Manager) Apply(ctx context.Context, p *model.Proposal) error {
	id := p.ID
	unlock := m.locks.Lock(id)
	defer unlock()

	env, err := m.Get(id)
	if err != nil {
		return err
	}
	if env.Status == model.SandboxCreated {
		return &Error{Op: "apply", ID: id, Err: ErrNotReady}
	}

	var diffs strings.Builder
	for i := range p.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		fc := &p.Files[i]
		if m.opts.Rules != nil {
			if err := m.opts.Rules.Check(fc.Path); err != nil {
				return &Error{Op: "apply", ID: id, Err: err}
			}
		}
		rel := path.Clean(fc.Path)
		target := filepath.Join(env.WorkDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, env.WorkDir+string(filepath.Separator)) {
			return &Error{Op: "apply", ID: id, Err: fmt.Errorf("%s escapes the work tree", fc.Path)}
		}

		original, existed, err := m.original(target)
		if err != nil {
			return &Error{Op: "apply", ID: id, Err: err}
		}
		mode := os.FileMode(0644)
		if info, err := os.Stat(target); err == nil {
			mode = info.Mode().Perm()
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return &Error{Op: "apply", ID: id, Err: err}
		}
		if err := os.WriteFile(target, []byte(fc.Content), mode); err != nil {
			return &Error{Op: "apply", ID: id, Err: err}
		}
		fc.BackupRef = ""
		if existed {
			fc.BackupRef = rel + backupSuffix
		}

		d, err := UnifiedDiff(rel, original, fc.Content)
		if err != nil {
			return err
		}
		diffs.WriteString(d)
	}

	writeLog(env.LogDir, diffFile, diffs.String())

	m.mu.Lock()
	if md, ok := m.live[id]; ok {
		md.Files = p.Paths()
	}
	m.mu.Unlock()
	if err := m.writeMetadata(id); err != nil {
		return err
	}
	m.log.Info("changes applied", zap.String("proposal", id), zap.Int("files", len(p.Files)))
	return nil
}

// original returns the pre-proposal content of target, creating its backup
// on first contact. existed is false for files the proposal creates.
func (m *Manager) original(target string) (content string, existed bool, err error) {
	backup := target + backupSuffix
	if data, err := os.ReadFile(backup); err == nil {
		return string(data), true, nil
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// Files created by an earlier Apply have no backup but are recorded.
	if m.createdEarlier(target) {
		return "", false, nil
	}
	if err := os.WriteFile(backup, data, 0644); err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (m *Manager) createdEarlier(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, md := range m.live {
		if !strings.HasPrefix(target, md.WorkDir+string(filepath.Separator)) {
			continue
		}
		rel, err := filepath.Rel(md.WorkDir, target)
		if err != nil {
			return false
		}
		for _, f := range md.Files {
			if f == filepath.ToSlash(rel) {
				return true
			}
		}
	}
	return false
}

// Diff returns the last diff written by Apply.
func (m *Manager) Diff(id string) (string, error) {
	env, err := m.Get(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(env.LogDir, diffFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sandbox: read diff: %w", err)
	}
	return string(data), nil
}
