package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
	"github.com/ppiankov/changegate/internal/sandbox"
)

type fileState struct {
	content string
	mode    fs.FileMode
	dir     bool
}

// treeState captures every path under root with content and permissions.
func treeState(t *testing.T, root string) map[string]fileState {
	t.Helper()
	out := make(map[string]fileState)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		info, err := d.Info()
		if err != nil {
			return err
		}
		st := fileState{mode: info.Mode().Perm(), dir: d.IsDir()}
		if !d.IsDir() {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			st.content = string(data)
		}
		out[rel] = st
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func assertSameTree(t *testing.T, want, got map[string]fileState) {
	t.Helper()
	for p, w := range want {
		g, ok := got[p]
		if !ok {
			t.Errorf("%s: missing after restore", p)
			continue
		}
		if g != w {
			t.Errorf("%s: expected %+v, got %+v", p, w, g)
		}
	}
	for p := range got {
		if _, ok := want[p]; !ok {
			t.Errorf("%s: left behind", p)
		}
	}
}

func writeFile(t *testing.T, root, rel, content string, mode fs.FileMode) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(p, mode); err != nil {
		t.Fatal(err)
	}
}

func newTestController(t *testing.T, mutate func(*Options)) (*Controller, string, string) {
	t.Helper()
	root := t.TempDir()
	state := t.TempDir()
	writeFile(t, root, "app/main.py", "def handler():\n    return 1\n", 0640)
	writeFile(t, root, "app/util.py", "X = 1\n", 0644)
	writeFile(t, root, ".env", "SECRET=1\n", 0600)

	opts := Options{Rules: protect.NewDefault(root), StateDir: state, LockTimeout: 200 * time.Millisecond}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c, root, state
}

func approvedProposal() *model.Proposal {
	return &model.Proposal{
		ID:     "p1",
		Status: model.StatusApproved,
		Files: []model.FileChange{
			{Path: "app/main.py", Content: "def handler():\n    return 2\n", Action: model.ChangeModify},
			{Path: "app/routes/orders.py", Content: "ORDERS = []\n", Action: model.ChangeCreate},
		},
	}
}

func TestApplyThenRollbackRestoresTree(t *testing.T) {
	c, root, state := newTestController(t, nil)
	before := treeState(t, root)
	p := approvedProposal()

	snap, err := c.Apply(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.StatusApplied {
		t.Fatalf("expected APPLIED, got %s", p.Status)
	}
	if p.SnapshotID != snap.ID {
		t.Errorf("expected snapshot id %s, got %s", snap.ID, p.SnapshotID)
	}

	live := treeState(t, root)
	if live["app/main.py"].content != "def handler():\n    return 2\n" {
		t.Errorf("expected new content, got %q", live["app/main.py"].content)
	}
	if live["app/main.py"].mode != 0640 {
		t.Errorf("expected mode preserved, got %v", live["app/main.py"].mode)
	}
	if live[filepath.FromSlash("app/routes/orders.py")].content != "ORDERS = []\n" {
		t.Error("expected created file")
	}
	if p.Files[0].BackupRef == "" || p.Files[1].BackupRef != "" {
		t.Errorf("expected backup ref only for the modified file, got %q and %q", p.Files[0].BackupRef, p.Files[1].BackupRef)
	}
	backup, err := os.ReadFile(p.Files[0].BackupRef)
	if err != nil || string(backup) != "def handler():\n    return 1\n" {
		t.Errorf("expected backup of original content, got %q, %v", backup, err)
	}
	if _, err := os.Stat(filepath.Join(state, "deploy.lock")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("expected deploy lock released")
	}

	loaded, err := c.Snapshot(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Entries) != 2 || !loaded.Entries[0].Existed || loaded.Entries[1].Existed {
		t.Fatalf("unexpected manifest entries: %+v", loaded.Entries)
	}
	if loaded.Entries[0].SHA256 == "" || loaded.Entries[0].Mode != 0640 || loaded.Entries[1].Applied == "" {
		t.Errorf("expected hashes and mode recorded, got %+v", loaded.Entries)
	}
	if len(loaded.Dirs) != 1 || loaded.Dirs[0] != "app/routes" {
		t.Errorf("expected created dir recorded, got %v", loaded.Dirs)
	}

	if err := c.Rollback(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if p.Status != model.StatusRolledBack {
		t.Fatalf("expected ROLLED_BACK, got %s", p.Status)
	}
	assertSameTree(t, before, treeState(t, root))
}

func TestApplyRequiresApproved(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	p := approvedProposal()
	p.Status = model.StatusTestsPassed

	if _, err := c.Apply(context.Background(), p); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestApplyFailureRestoresWrittenFiles(t *testing.T) {
	c, root, _ := newTestController(t, nil)
	before := treeState(t, root)
	c.write = func(path string, data []byte, mode fs.FileMode) error {
		if strings.HasSuffix(path, "orders.py") {
			return errors.New("disk full")
		}
		return writeAtomic(path, data, mode)
	}
	p := approvedProposal()

	_, err := c.Apply(context.Background(), p)
	var derr *Error
	if !errors.As(err, &derr) || !errors.Is(err, ErrDeploy) {
		t.Fatalf("expected *deploy.Error, got %v", err)
	}
	if len(derr.Failed) != 1 || derr.Failed[0] != "app/routes/orders.py" {
		t.Errorf("unexpected failed list %v", derr.Failed)
	}
	if len(derr.Written) != 1 || derr.Written[0] != "app/main.py" {
		t.Errorf("unexpected written list %v", derr.Written)
	}
	if !derr.Restored {
		t.Error("expected written files restored")
	}
	if p.Status != model.StatusApproved || p.SnapshotID != "" {
		t.Errorf("expected proposal untouched, got %s %q", p.Status, p.SnapshotID)
	}
	assertSameTree(t, before, treeState(t, root))
}

func TestApplyRefusesProtectedPath(t *testing.T) {
	c, root, _ := newTestController(t, nil)
	p := approvedProposal()
	p.Files = append(p.Files, model.FileChange{Path: ".env", Content: "SECRET=2\n"})

	_, err := c.Apply(context.Background(), p)
	if !errors.Is(err, protect.ErrProtected) || !errors.Is(err, ErrDeploy) {
		t.Fatalf("expected protected deploy error, got %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(root, ".env"))
	if string(data) != "SECRET=1\n" {
		t.Errorf("protected file changed: %q", data)
	}
	main, _ := os.ReadFile(filepath.Join(root, "app", "main.py"))
	if string(main) != "def handler():\n    return 1\n" {
		t.Error("expected nothing written before the path check failed")
	}
}

func TestApplyWaitsForLock(t *testing.T) {
	c, _, state := newTestController(t, nil)
	lockPath := filepath.Join(state, "deploy.lock")
	if err := os.WriteFile(lockPath, []byte("999\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := c.Apply(context.Background(), approvedProposal())
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Apply(context.Background(), approvedProposal()); err != nil {
		t.Fatalf("expected stale lock to be taken over, got %v", err)
	}
}

func TestRollbackDetectsCorruptBackup(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	p := approvedProposal()
	if _, err := c.Apply(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.Files[0].BackupRef, []byte("tampered\n"), 0600); err != nil {
		t.Fatal(err)
	}

	err := c.Rollback(context.Background(), p)
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *deploy.Error, got %v", err)
	}
	if len(derr.Failed) != 1 || derr.Failed[0] != "app/main.py" {
		t.Errorf("unexpected failed list %v", derr.Failed)
	}
	if p.Status != model.StatusApplied {
		t.Errorf("expected APPLIED after failed rollback, got %s", p.Status)
	}
}

func TestRollbackRequiresSnapshot(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	p := approvedProposal()
	p.Status = model.StatusApplied

	if err := c.Rollback(context.Background(), p); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	p.Status = model.StatusApproved
	if err := c.Rollback(context.Background(), p); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

type recordingSupervisor struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (s *recordingSupervisor) Restart(ctx context.Context, services []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, services)
	return s.err
}

func TestSupervisorSignalledAfterApply(t *testing.T) {
	sup := &recordingSupervisor{err: errors.New("unit not found")}
	c, _, _ := newTestController(t, func(o *Options) {
		o.Supervisor = sup
		o.Services = []string{"api"}
	})
	p := approvedProposal()

	if _, err := c.Apply(context.Background(), p); err != nil {
		t.Fatalf("supervisor failure must not fail the apply: %v", err)
	}
	if err := c.Rollback(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if len(sup.calls) != 2 || sup.calls[0][0] != "api" {
		t.Errorf("expected two restarts of api, got %v", sup.calls)
	}
}

type scriptedRunner struct {
	mu   sync.Mutex
	cmds []sandbox.Command
	exit int
}

func (r *scriptedRunner) Run(ctx context.Context, c sandbox.Command) (sandbox.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	return sandbox.Outcome{ExitCode: r.exit, Output: "Failed to restart " + c.Args[len(c.Args)-1] + ".service\n"}, nil
}

func TestExecSupervisor(t *testing.T) {
	r := &scriptedRunner{}
	sup := ExecSupervisor{Command: []string{"systemctl", "restart", "{service}"}, Runner: r}

	if err := sup.Restart(context.Background(), []string{"api", "worker"}); err != nil {
		t.Fatal(err)
	}
	if len(r.cmds) != 2 || r.cmds[1].Name != "systemctl" || r.cmds[1].Args[1] != "worker" {
		t.Fatalf("unexpected commands %+v", r.cmds)
	}

	r.exit = 5
	err := sup.Restart(context.Background(), []string{"api"})
	if err == nil || !strings.Contains(err.Error(), "exit 5") || !strings.Contains(err.Error(), "Failed to restart api.service") {
		t.Fatalf("expected exit error with output, got %v", err)
	}

	if err := (ExecSupervisor{}).Restart(context.Background(), []string{"api"}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Op: opApply, Proposal: "p1", Failed: []string{"b.py"}, Written: []string{"a.py"}, Err: fmt.Errorf("disk full")}
	if got := err.Error(); !strings.Contains(got, "NOT restored: a.py") {
		t.Errorf("expected unrestored files named, got %q", got)
	}
	err.Restored = true
	if got := err.Error(); !strings.Contains(got, "(restored)") {
		t.Errorf("expected restored marker, got %q", got)
	}
}
