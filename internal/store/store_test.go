package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
)

type backendCase struct {
	name string
	open func(t *testing.T, dir string) Store
}

var backends = []backendCase{
	{"file", func(t *testing.T, dir string) Store {
		t.Helper()
		s, err := Open(BackendFile, dir, nil)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}},
	{"sqlite", func(t *testing.T, dir string) Store {
		t.Helper()
		s, err := Open(BackendSQLite, dir, nil)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, t.TempDir())
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func testProposal(title string) *model.Proposal {
	return &model.Proposal{
		Title:     title,
		Files:     []model.FileChange{{Path: "app/main.py", Content: "print('hi')\n", Action: model.ChangeModify}},
		RiskLevel: model.LevelLow,
		Priority:  model.LevelMedium,
		Source:    model.SourceChat,
	}
}

func TestCreateAssignsDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testProposal("add cache")
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
		if p.ID == "" {
			t.Fatal("expected id to be assigned")
		}

		got, err := s.Get(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != model.StatusProposed {
			t.Errorf("expected PROPOSED, got %s", got.Status)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Error("expected timestamps to be set")
		}
		if len(got.Files) != 1 || got.Files[0].Path != "app/main.py" {
			t.Errorf("unexpected files: %+v", got.Files)
		}
	})
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testProposal("one")
		p.ID = "fixed-id"
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
		dup := testProposal("two")
		dup.ID = "fixed-id"
		err := s.Create(ctx, dup)
		if !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
	})
}

func TestGetMissingIsNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPathTraversalIDRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"../etc/passwd", "a/b", "..", "id with space"} {
			if _, err := s.Get(ctx, id); err == nil || errors.Is(err, ErrNotFound) {
				t.Errorf("expected validation error for %q, got %v", id, err)
			}
			p := testProposal("x")
			p.ID = id
			if err := s.Create(ctx, p); err == nil {
				t.Errorf("expected create to reject %q", id)
			}
		}
	})
}

func TestUpdateAppliesTransition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testProposal("deploy me")
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
		before := p.UpdatedAt

		got, err := s.Update(ctx, p.ID, func(p *model.Proposal) error {
			return p.Advance(model.ActionDeploy)
		})
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != model.StatusSandboxDeployed {
			t.Errorf("expected SANDBOX_DEPLOYED, got %s", got.Status)
		}
		if !got.UpdatedAt.After(before) && !got.UpdatedAt.Equal(before) {
			t.Errorf("expected UpdatedAt to advance")
		}

		stored, err := s.Get(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != model.StatusSandboxDeployed {
			t.Errorf("expected persisted SANDBOX_DEPLOYED, got %s", stored.Status)
		}
	})
}

func TestUpdateErrorPersistsNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testProposal("bad edge")
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}

		_, err := s.Update(ctx, p.ID, func(p *model.Proposal) error {
			p.Title = "mutated"
			return p.Advance(model.ActionApply)
		})
		var te *model.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransitionError, got %v", err)
		}

		stored, err := s.Get(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Title != "bad edge" || stored.Status != model.StatusProposed {
			t.Errorf("expected unchanged proposal, got title=%q status=%s", stored.Title, stored.Status)
		}
	})
}

func TestUpdateRejectsIDChange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testProposal("x")
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
		_, err := s.Update(ctx, p.ID, func(p *model.Proposal) error {
			p.ID = "other"
			return nil
		})
		if err == nil {
			t.Fatal("expected id change to fail")
		}
	})
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Update(context.Background(), "missing", func(*model.Proposal) error { return nil })
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testProposal("counter")
		p.Metadata = map[string]string{"n": "0"}
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}

		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, p.ID, func(p *model.Proposal) error {
					n, _ := strconv.Atoi(p.Metadata["n"])
					p.Metadata["n"] = strconv.Itoa(n + 1)
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.Get(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Metadata["n"] != strconv.Itoa(workers) {
			t.Errorf("expected n=%d, got %s", workers, got.Metadata["n"])
		}
	})
}

func TestListFiltersAndOrders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 4; i++ {
			p := testProposal(fmt.Sprintf("p%d", i))
			p.ID = fmt.Sprintf("p%d", i)
			p.CreatedAt = base.Add(time.Duration(3-i) * time.Minute)
			if i%2 == 0 {
				p.Status = model.StatusRejected
			}
			if err := s.Create(ctx, p); err != nil {
				t.Fatal(err)
			}
		}

		all, err := s.List(ctx, Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 4 {
			t.Fatalf("expected 4 proposals, got %d", len(all))
		}
		if all[0].ID != "p3" || all[3].ID != "p0" {
			t.Errorf("expected oldest first, got %s..%s", all[0].ID, all[3].ID)
		}

		rejected, err := s.List(ctx, Filter{Status: model.StatusRejected})
		if err != nil {
			t.Fatal(err)
		}
		if len(rejected) != 2 {
			t.Fatalf("expected 2 rejected, got %d", len(rejected))
		}
		for _, p := range rejected {
			if p.Status != model.StatusRejected {
				t.Errorf("filter leaked %s", p.Status)
			}
		}

		limited, err := s.List(ctx, Filter{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 {
			t.Errorf("expected 1 proposal with limit, got %d", len(limited))
		}
	})
}

func TestSurvivesReopen(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			s := b.open(t, dir)
			p := testProposal("durable")
			if err := s.Create(ctx, p); err != nil {
				t.Fatal(err)
			}
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}

			s2 := b.open(t, dir)
			defer s2.Close()
			got, err := s2.Get(ctx, p.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Title != "durable" {
				t.Errorf("expected title durable, got %q", got.Title)
			}
		})
	}
}

func TestTransitionsCounted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := metrics.Transitions.WithLabelValues(string(model.StatusSandboxDeployed))
		before := testutil.ToFloat64(c)

		p := testProposal("counted")
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Update(ctx, p.ID, func(p *model.Proposal) error {
			return p.Advance(model.ActionDeploy)
		}); err != nil {
			t.Fatal(err)
		}
		// Metadata-only updates do not count.
		if _, err := s.Update(ctx, p.ID, func(p *model.Proposal) error {
			p.Description = "edited"
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		if got := testutil.ToFloat64(c) - before; got != 1 {
			t.Errorf("expected 1 transition counted, got %v", got)
		}
	})
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := testProposal("atomic")
	if err := s.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("expected no temp files, got %v", matches)
	}
	if _, err := os.Stat(filepath.Join(dir, p.ID+".json")); err != nil {
		t.Errorf("expected proposal file: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("redis", t.TempDir(), nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
