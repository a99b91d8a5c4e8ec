// Package store persists proposals. It is the only writer of proposal state;
// every mutation goes through Update under a per-id lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
)

var (
	// ErrNotFound is returned when no proposal has the requested id.
	ErrNotFound = errors.New("proposal not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("proposal already exists")
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Filter narrows List. The zero value matches every proposal.
type Filter struct {
	Status model.Status
	Limit  int
}

func (f Filter) match(p *model.Proposal) bool {
	return f.Status == "" || p.Status == f.Status
}

// Store is a durable keyed proposal store.
type Store interface {
	Create(ctx context.Context, p *model.Proposal) error
	Get(ctx context.Context, id string) (*model.Proposal, error)
	// Update loads id, passes a copy to fn and persists it if fn returns nil.
	Update(ctx context.Context, id string, fn func(*model.Proposal) error) (*model.Proposal, error)
	List(ctx context.Context, f Filter) ([]*model.Proposal, error)
	Close() error
}

// Open returns a store rooted at stateDir using the named backend.
func Open(backend, stateDir string, log *zap.Logger) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(filepath.Join(stateDir, "proposals"), log)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(stateDir, "proposals.db"), log)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}

var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateID rejects ids that could escape the store directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// prepare fills defaults on a new proposal and returns the copy to persist.
func prepare(p *model.Proposal) (*model.Proposal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := validateID(p.ID); err != nil {
		return nil, fmt.Errorf("store: create: %w", err)
	}
	if p.Status == "" {
		p.Status = model.StatusProposed
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("store: create: unknown status %q", p.Status)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	return p.Clone(), nil
}

// mutate runs fn against a copy of cur and reports the result. Status
// transitions are counted here so every backend reports them the same way.
func mutate(cur *model.Proposal, fn func(*model.Proposal) error) (*model.Proposal, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID {
		return nil, fmt.Errorf("store: update: id is immutable")
	}
	if !next.Status.Valid() {
		return nil, fmt.Errorf("store: update: unknown status %q", next.Status)
	}
	next.UpdatedAt = time.Now().UTC()
	if next.Status != cur.Status {
		metrics.Transitions.WithLabelValues(string(next.Status)).Inc()
	}
	return next, nil
}

// sortProposals orders by creation time, oldest first, then id.
func sortProposals(ps []*model.Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func limit(ps []*model.Proposal, n int) []*model.Proposal {
	if n > 0 && len(ps) > n {
		return ps[:n]
	}
	return ps
}
