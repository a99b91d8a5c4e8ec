// Package sandbox materializes proposals in isolated working copies of the
// project, provisions their dependency environment and runs test stages
// against them.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ppiankov/changegate/internal/keylock"
	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
)

var (
	// ErrExists is returned by Create when the proposal already has a live sandbox.
	ErrExists = errors.New("sandbox already exists")
	// ErrNotFound is returned when the proposal has no live sandbox.
	ErrNotFound = errors.New("sandbox not found")
	// ErrNotReady is returned when the sandbox is still being provisioned.
	ErrNotReady = errors.New("sandbox not ready")
)

// Error is a sandbox operation failure. Retryable errors come from
// environment provisioning and may succeed on another try.
type Error struct {
	Op        string
	ID        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Environment kinds.
const (
	EnvVenv = "venv"
	EnvNone = "none"
)

const (
	metadataFile = "metadata.json"
	diffFile     = "changes.diff"
)

// Options configures a Manager. Zero values take the defaults noted.
type Options struct {
	StateDir    string
	ProjectRoot string
	// CopyRoots are project-relative directories copied into the sandbox. Default ".".
	CopyRoots []string
	// Ignore lists base names skipped while copying. Default protect.DefaultIgnore.
	Ignore []string
	// Python is the interpreter used to create the venv. Default "python3".
	Python string
	// Environment is EnvVenv (default) or EnvNone.
	Environment      string
	ProvisionTimeout time.Duration // default 300s
	// ProvisionRetries bounds retries of retryable provisioning failures.
	// Zero means 2; negative disables retries.
	ProvisionRetries int
	RetryBackoff     time.Duration // default 500ms, grows linearly
	TaskTimeout      time.Duration // default 20m
	MaxConcurrent    int64         // default 4
	Stages           []Stage       // default DefaultStages()
	Rules            *protect.Rules
	Runner           Runner
	Logger           *zap.Logger
}

// Metadata is the on-disk record of a sandbox, written to metadata.json.
type Metadata struct {
	model.SandboxEnvironment
	Files []string          `json:"files_modified,omitempty"`
	Tests []model.TestGroup `json:"tests_run,omitempty"`
	Error string            `json:"error,omitempty"`
}

// Manager owns every sandbox under <state_dir>/sandboxes.
type Manager struct {
	opts    Options
	root    string
	archive string
	runner  Runner
	locks   keylock.Map
	sem     *semaphore.Weighted
	log     *zap.Logger

	mu   sync.Mutex
	live map[string]*Metadata
}

// New creates a Manager and adopts sandboxes left on disk by an earlier process.
func New(opts Options) (*Manager, error) {
	if opts.StateDir == "" {
		return nil, errors.New("sandbox: state dir is required")
	}
	if opts.ProjectRoot == "" {
		return nil, errors.New("sandbox: project root is required")
	}
	if len(opts.CopyRoots) == 0 {
		opts.CopyRoots = []string{"."}
	}
	if opts.Ignore == nil {
		opts.Ignore = protect.DefaultIgnore
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.Environment == "" {
		opts.Environment = EnvVenv
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 300 * time.Second
	}
	if opts.ProvisionRetries == 0 {
		opts.ProvisionRetries = 2
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 20 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Stages == nil {
		opts.Stages = DefaultStages()
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		opts:    opts,
		root:    filepath.Join(opts.StateDir, "sandboxes"),
		archive: filepath.Join(opts.StateDir, "archives"),
		runner:  runner,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		log:     log.Named("sandbox"),
		live:    make(map[string]*Metadata),
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	if err := m.adopt(); err != nil {
		return nil, err
	}
	return m, nil
}

// adopt registers sandboxes whose metadata survived a restart.
func (m *Manager) adopt() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("sandbox: scan: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		md, err := readMetadata(filepath.Join(m.root, e.Name()))
		if err != nil {
			m.log.Warn("ignoring sandbox without metadata", zap.String("id", e.Name()), zap.Error(err))
			continue
		}
		m.live[e.Name()] = md
		metrics.SandboxesActive.Inc()
	}
	return nil
}

var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func checkID(id string) error {
	if id == "" || strings.Contains(id, "..") || !validID.MatchString(id) {
		return fmt.Errorf("sandbox: invalid proposal id %q", id)
	}
	return nil
}

// Dir returns the sandbox root for a proposal id.
func (m *Manager) Dir(id string) string { return filepath.Join(m.root, id) }

// Get returns the environment of a live sandbox.
func (m *Manager) Get(id string) (*model.SandboxEnvironment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.live[id]
	if !ok {
		return nil, fmt.Errorf("sandbox: %s: %w", id, ErrNotFound)
	}
	env := md.SandboxEnvironment
	return &env, nil
}

// Metadata returns a copy of the sandbox record.
func (m *Manager) Metadata(id string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.live[id]
	if !ok {
		return nil, fmt.Errorf("sandbox: %s: %w", id, ErrNotFound)
	}
	c := *md
	c.Files = append([]string(nil), md.Files...)
	c.Tests = append([]model.TestGroup(nil), md.Tests...)
	return &c, nil
}

// Create allocates a sandbox for p and starts copying and provisioning it in
// the background. A failed create removes the sandbox before the task reports.
func (m *Manager) Create(ctx context.Context, p *model.Proposal) (*Task, error) {
	id := p.ID
	if err := checkID(id); err != nil {
		return nil, err
	}
	dir := m.Dir(id)

	m.mu.Lock()
	if _, ok := m.live[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox: create %s: %w", id, ErrExists)
	}
	if _, err := os.Stat(dir); err == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox: create %s: %w", id, ErrExists)
	}
	md := &Metadata{SandboxEnvironment: model.SandboxEnvironment{
		ID:         uuid.NewString(),
		ProposalID: id,
		Root:       dir,
		WorkDir:    filepath.Join(dir, "work"),
		LogDir:     filepath.Join(dir, "logs"),
		Status:     model.SandboxCreated,
		CreatedAt:  time.Now().UTC(),
	}}
	if m.opts.Environment == EnvVenv {
		md.EnvDir = filepath.Join(dir, "venv")
	}
	m.live[id] = md
	m.mu.Unlock()
	metrics.SandboxesActive.Inc()

	return m.start(ctx, id, "create", true, func(ctx context.Context) (Result, error) {
		cur, err := m.Get(id)
		if err != nil {
			return Result{}, err
		}
		env := *cur
		for _, d := range []string{env.WorkDir, env.LogDir} {
			if err := os.MkdirAll(d, 0755); err != nil {
				return Result{}, &Error{Op: "create", ID: id, Err: err}
			}
		}
		if err := m.writeMetadata(id); err != nil {
			return Result{}, err
		}
		n, err := m.copyProject(ctx, env.WorkDir)
		if err != nil {
			return Result{}, &Error{Op: "copy", ID: id, Err: err}
		}
		m.log.Info("project copied", zap.String("proposal", id), zap.Int("files", n))

		if err := m.provision(ctx, id, env); err != nil {
			m.setError(id, err)
			return Result{}, err
		}
		m.setStatus(id, model.SandboxReady)
		if err := m.writeMetadata(id); err != nil {
			return Result{}, err
		}
		got, _ := m.Get(id)
		return Result{Env: *got}, nil
	}), nil
}

// Ensure recreates p's sandbox when it no longer exists, as after a failed
// test run removed it, and waits until the fresh copy is provisioned. A live
// sandbox is left untouched.
func (m *Manager) Ensure(ctx context.Context, p *model.Proposal) error {
	_, err := m.Get(p.ID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return err
	}
	task, err := m.Create(ctx, p)
	if err != nil {
		return err
	}
	if _, err := task.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			task.Cancel()
			<-task.Done()
		}
		return err
	}
	m.log.Info("sandbox recreated", zap.String("proposal", p.ID))
	return nil
}

// start runs fn in the background under the global semaphore and the
// per-id lock. Panics become errors. When removeOnFailure is set a failed
// run removes the sandbox, keeping its logs, before Done is closed.
func (m *Manager) start(parent context.Context, id, op string, removeOnFailure bool, fn func(context.Context) (Result, error)) *Task {
	ctx, cancel := context.WithTimeout(parent, m.opts.TaskTimeout)
	return Go(ctx, id, op, func(ctx context.Context) (Result, error) {
		defer cancel()
		res, err := m.runLocked(ctx, id, fn)
		if err != nil {
			m.log.Warn("sandbox task failed", zap.String("proposal", id), zap.String("op", op), zap.Error(err))
			if removeOnFailure {
				if cerr := m.Cleanup(id, true); cerr != nil {
					m.log.Error("cleanup after failure", zap.String("proposal", id), zap.Error(cerr))
				}
			}
		}
		return res, err
	})
}

func (m *Manager) runLocked(ctx context.Context, id string, fn func(context.Context) (Result, error)) (res Result, err error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("sandbox: %s: %w", id, err)
	}
	defer m.sem.Release(1)
	unlock := m.locks.Lock(id)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox: %s: task panicked: %v", id, r)
		}
	}()
	return fn(ctx)
}

// Cleanup archives logs when keepLogs is set and removes the sandbox.
// It is safe to call repeatedly and on sandboxes that never finished creating.
func (m *Manager) Cleanup(id string, keepLogs bool) error {
	if err := checkID(id); err != nil {
		return err
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	dir := m.Dir(id)
	if _, err := os.Stat(dir); err == nil && keepLogs {
		if err := m.archiveLogs(id, dir); err != nil {
			// An archive failure must not keep the sandbox alive.
			m.log.Warn("archive sandbox logs", zap.String("proposal", id), zap.Error(err))
		}
	}
	rmErr := os.RemoveAll(dir)

	m.mu.Lock()
	_, wasLive := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if wasLive {
		metrics.SandboxesActive.Dec()
		m.log.Info("sandbox removed", zap.String("proposal", id), zap.Bool("logs_archived", keepLogs))
	}
	if rmErr != nil {
		return &Error{Op: "cleanup", ID: id, Err: rmErr}
	}
	return nil
}

func (m *Manager) archiveLogs(id, dir string) error {
	dst := filepath.Join(m.archive, id+"_"+time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); err == nil {
		if _, err := copyTree(context.Background(), filepath.Join(dir, "logs"), filepath.Join(dst, "logs"), nil); err != nil {
			return err
		}
	}
	src := filepath.Join(dir, metadataFile)
	if data, err := os.ReadFile(src); err == nil {
		if err := os.WriteFile(filepath.Join(dst, metadataFile), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) setStatus(id string, s model.SandboxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if md, ok := m.live[id]; ok {
		md.Status = s
	}
}

func (m *Manager) setError(id string, err error) {
	m.mu.Lock()
	if md, ok := m.live[id]; ok {
		md.Error = err.Error()
	}
	m.mu.Unlock()
	_ = m.writeMetadata(id)
}

// writeMetadata persists the in-memory record via temp file and rename.
func (m *Manager) writeMetadata(id string) error {
	m.mu.Lock()
	md, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("sandbox: %s: %w", id, ErrNotFound)
	}
	data, err := json.MarshalIndent(md, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return &Error{Op: "metadata", ID: id, Err: err}
	}
	path := filepath.Join(m.Dir(id), metadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &Error{Op: "metadata", ID: id, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &Error{Op: "metadata", ID: id, Err: err}
	}
	return nil
}

func readMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return &md, nil
}
