// Package deploy applies approved proposals to the live project tree.
//
// Every apply snapshots the files it is about to touch, writes each file
// atomically and restores the snapshot if any write fails, so the live tree
// holds either the whole proposal or none of it. Rollback restores the
// snapshot byte for byte.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
)

// ErrDeploy is wrapped by every *Error.
var ErrDeploy = errors.New("deploy: failed")

// ErrNoSnapshot is returned when rolling back a proposal without a snapshot.
var ErrNoSnapshot = errors.New("deploy: proposal has no snapshot")

// Error describes a failed apply or rollback.
type Error struct {
	Op       string // apply or rollback
	Proposal string
	Failed   []string
	Written  []string
	// Restored reports whether the files already written were put back.
	Restored bool
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deploy: %s %s", e.Op, e.Proposal)
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, ": failed %s", strings.Join(e.Failed, ", "))
	}
	if e.Op == opApply && len(e.Written) > 0 {
		if e.Restored {
			b.WriteString(" (restored)")
		} else {
			fmt.Fprintf(&b, " (NOT restored: %s)", strings.Join(e.Written, ", "))
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeploy}
	}
	return []error{ErrDeploy, e.Err}
}

const (
	opApply    = "apply"
	opRollback = "rollback"
)

// Options configures a Controller.
type Options struct {
	// Rules guards and resolves live paths. Its root is the live tree.
	Rules *protect.Rules
	// StateDir holds deploy.lock and snapshots/.
	StateDir string
	// Supervisor is signalled after a successful apply or rollback. Nil
	// disables signalling.
	Supervisor Supervisor
	Services   []string
	// LockTimeout bounds the wait for another process's deploy lock.
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// Controller is the only writer of the live tree.
type Controller struct {
	opts      Options
	rules     *protect.Rules
	snapshots string
	lockPath  string
	log       *zap.Logger

	mu sync.Mutex

	// write is replaced in tests to inject failures.
	write func(path string, data []byte, mode os.FileMode) error
}

// New creates the snapshot directory and returns a controller.
func New(opts Options) (*Controller, error) {
	if opts.Rules == nil {
		return nil, errors.New("deploy: rules are required")
	}
	if opts.StateDir == "" {
		return nil, errors.New("deploy: state dir is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		opts:      opts,
		rules:     opts.Rules,
		snapshots: filepath.Join(opts.StateDir, "snapshots"),
		lockPath:  filepath.Join(opts.StateDir, "deploy.lock"),
		log:       log.Named("deploy"),
		write:     writeAtomic,
	}
	if err := os.MkdirAll(c.snapshots, 0755); err != nil {
		return nil, fmt.Errorf("deploy: create snapshot dir: %w", err)
	}
	return c, nil
}

// Apply writes p's files to the live tree. p must be APPROVED. On success
// p carries the snapshot id, the backup reference of every file that
// existed before, and status APPLIED. On failure p is unchanged.
func (c *Controller) Apply(ctx context.Context, p *model.Proposal) (snap *Snapshot, err error) {
	defer func() { metrics.Deployments.WithLabelValues(opApply, metrics.Result(err)).Inc() }()

	if _, err := model.Transition(p.Status, model.ActionApply); err != nil {
		return nil, err
	}
	if len(p.Files) == 0 {
		return nil, &Error{Op: opApply, Proposal: p.ID, Err: errors.New("no files")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lock, err := acquireLock(ctx, c.lockPath, c.opts.LockTimeout)
	if err != nil {
		return nil, &Error{Op: opApply, Proposal: p.ID, Err: err}
	}
	defer lock.Release()

	targets := make([]string, len(p.Files))
	for i, f := range p.Files {
		if err := c.rules.Check(f.Path); err != nil {
			return nil, &Error{Op: opApply, Proposal: p.ID, Failed: []string{f.Path}, Err: err}
		}
		abs, err := c.rules.Resolve(f.Path)
		if err != nil {
			return nil, &Error{Op: opApply, Proposal: p.ID, Failed: []string{f.Path}, Err: err}
		}
		targets[i] = abs
	}

	snap, err = c.snapshot(p, targets)
	if err != nil {
		return nil, &Error{Op: opApply, Proposal: p.ID, Err: err}
	}
	log := c.log.With(zap.String("proposal", p.ID), zap.String("snapshot", snap.ID))

	var written []string
	for i, f := range p.Files {
		err := ctx.Err()
		if err == nil {
			err = c.writeEntry(targets[i], &snap.Entries[i], []byte(f.Content))
		}
		if err != nil {
			derr := &Error{Op: opApply, Proposal: p.ID, Failed: []string{f.Path}, Written: written, Err: err}
			rerr := c.restore(snap, len(written))
			derr.Restored = rerr == nil
			if rerr != nil {
				derr.Err = errors.Join(err, rerr)
			}
			log.Error("apply failed", zap.String("path", f.Path), zap.Strings("written", written),
				zap.Bool("restored", derr.Restored), zap.Error(derr.Err))
			return nil, derr
		}
		written = append(written, f.Path)
	}
	if err := c.writeManifest(snap); err != nil {
		log.Warn("failed to record applied hashes", zap.Error(err))
	}

	for i := range p.Files {
		if snap.Entries[i].Existed {
			p.Files[i].BackupRef = c.backupPath(snap.ID, snap.Entries[i].Path)
		}
	}
	p.SnapshotID = snap.ID
	if err := p.Advance(model.ActionApply); err != nil {
		return nil, err
	}
	log.Info("proposal applied", zap.Int("files", len(p.Files)))
	c.signal(ctx, log)
	return snap, nil
}

// Rollback restores the snapshot taken when p was applied and moves p to
// ROLLED_BACK. Every entry is attempted; failures are reported together and
// never retried.
func (c *Controller) Rollback(ctx context.Context, p *model.Proposal) (err error) {
	defer func() { metrics.Deployments.WithLabelValues(opRollback, metrics.Result(err)).Inc() }()

	if _, err := model.Transition(p.Status, model.ActionRollback); err != nil {
		return err
	}
	if p.SnapshotID == "" {
		return &Error{Op: opRollback, Proposal: p.ID, Err: ErrNoSnapshot}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lock, err := acquireLock(ctx, c.lockPath, c.opts.LockTimeout)
	if err != nil {
		return &Error{Op: opRollback, Proposal: p.ID, Err: err}
	}
	defer lock.Release()

	snap, err := c.Snapshot(p.SnapshotID)
	if err != nil {
		return &Error{Op: opRollback, Proposal: p.ID, Err: err}
	}
	log := c.log.With(zap.String("proposal", p.ID), zap.String("snapshot", snap.ID))

	derr := &Error{Op: opRollback, Proposal: p.ID}
	var errs []error
	for i := len(snap.Entries) - 1; i >= 0; i-- {
		e := snap.Entries[i]
		if err := c.restoreEntry(snap, e); err != nil {
			derr.Failed = append(derr.Failed, e.Path)
			errs = append(errs, fmt.Errorf("%s: %w", e.Path, err))
			continue
		}
		derr.Written = append(derr.Written, e.Path)
	}
	c.removeCreatedDirs(snap)
	if len(errs) > 0 {
		derr.Err = errors.Join(errs...)
		log.Error("rollback incomplete", zap.Strings("failed", derr.Failed), zap.Error(derr.Err))
		return derr
	}

	for i := range p.Files {
		p.Files[i].BackupRef = ""
	}
	if err := p.Advance(model.ActionRollback); err != nil {
		return err
	}
	log.Info("proposal rolled back", zap.Int("files", len(snap.Entries)))
	c.signal(ctx, log)
	return nil
}

// restore undoes the first n entries of snap after a failed apply.
func (c *Controller) restore(snap *Snapshot, n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		if err := c.restoreEntry(snap, snap.Entries[i]); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", snap.Entries[i].Path, err))
		}
	}
	c.removeCreatedDirs(snap)
	return errors.Join(errs...)
}

func (c *Controller) signal(ctx context.Context, log *zap.Logger) {
	if c.opts.Supervisor == nil || len(c.opts.Services) == 0 {
		return
	}
	if err := c.opts.Supervisor.Restart(ctx, c.opts.Services); err != nil {
		log.Error("service restart failed", zap.Strings("services", c.opts.Services), zap.Error(err))
		return
	}
	log.Info("services restarted", zap.Strings("services", c.opts.Services))
}
