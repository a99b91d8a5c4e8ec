package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/keylock"
	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
)

// FileStore keeps one JSON document per proposal under dir.
type FileStore struct {
	dir   string
	locks keylock.Map
	log   *zap.Logger
}

// NewFileStore creates a FileStore backed by the given directory.
func NewFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: cannot create proposal directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileStore{dir: dir, log: log.Named("store")}, nil
}

// Dir returns the directory holding proposal files.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Create(ctx context.Context, p *model.Proposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := prepare(p)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	path := s.path(rec.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("store: create %s: %w", rec.ID, ErrExists)
	}
	if err := s.writeAtomic(path, rec); err != nil {
		return err
	}
	metrics.Transitions.WithLabelValues(string(rec.Status)).Inc()
	s.log.Debug("proposal created", zap.String("id", rec.ID), zap.String("status", string(rec.Status)))
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*model.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return s.read(id)
}

func (s *FileStore) Update(ctx context.Context, id string, fn func(*model.Proposal) error) (*model.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("store: update: %w", err)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, err := s.read(id)
	if err != nil {
		return nil, err
	}
	next, err := mutate(cur, fn)
	if err != nil {
		return nil, err
	}
	if err := s.writeAtomic(s.path(id), next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *FileStore) List(ctx context.Context, f Filter) ([]*model.Proposal, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}

	var out []*model.Proposal
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		p, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Warn("skipping unreadable proposal", zap.String("file", name), zap.Error(err))
			continue
		}
		if f.match(p) {
			out = append(out, p)
		}
	}
	sortProposals(out)
	return limit(out, f.Limit), nil
}

// Close is a no-op; files are synced on every write.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) read(id string) (*model.Proposal, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("store: %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: read %s: %w", id, err)
	}
	var p model.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return &p, nil
}

// writeAtomic writes via a temp file and rename so readers never see a
// partial document.
func (s *FileStore) writeAtomic(path string, p *model.Proposal) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", p.ID, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("store: write %s: %w", p.ID, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write %s: %w", p.ID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: sync %s: %w", p.ID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: write %s: %w", p.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename %s: %w", p.ID, err)
	}
	return nil
}
