package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/alert"
	"github.com/ppiankov/changegate/internal/deploy"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/sandbox"
)

// DeploySandbox provisions id's sandbox, applies its files and moves it to
// SANDBOX_DEPLOYED. The returned task outlives ctx's cancellation; cancel
// it through the task.
func (s *Service) DeploySandbox(ctx context.Context, id string) (*sandbox.Task, error) {
	p, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := model.Transition(p.Status, model.ActionDeploy); err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	create, err := s.opts.Sandbox.Create(bg, p)
	if err != nil {
		return nil, err
	}

	return sandbox.Go(bg, id, "deploy", func(ctx context.Context) (sandbox.Result, error) {
		res, err := create.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				create.Cancel()
				<-create.Done()
			}
			s.setMeta(ctx, id, MetaSandboxError, err.Error())
			return res, err
		}

		unlock := s.locks.Lock(id)
		defer unlock()
		_, err = s.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
			if err := s.opts.Sandbox.Apply(ctx, q); err != nil {
				return err
			}
			if q.Metadata != nil {
				delete(q.Metadata, MetaSandboxError)
			}
			return q.Advance(model.ActionDeploy)
		})
		if err != nil {
			s.cleanupSandbox(id)
			s.setMeta(ctx, id, MetaSandboxError, err.Error())
			return res, err
		}
		s.log.Info("sandbox deployed", zap.String("proposal", id), zap.String("sandbox", res.Env.ID))
		return res, nil
	}), nil
}

// RunTests runs the test stages against id's sandbox and records the group.
// When the tests fail, or the run itself errors and removes the sandbox, and
// auto-fix is enabled the repair loop runs before RunTests returns. The
// results of the last recorded group are returned.
func (s *Service) RunTests(ctx context.Context, id string) ([]model.TestResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
		return q.Advance(model.ActionStartTests)
	})
	if err != nil {
		return nil, err
	}
	attempt := len(p.Attempts) + 1
	group, err := s.opts.Sandbox.Test(ctx, p, attempt)
	if err != nil {
		failed := s.abortTesting(ctx, id, attempt, err)
		if failed == nil || ctx.Err() != nil || !s.opts.AutoFixEnabled {
			return nil, err
		}
		s.log.Warn("test run failed, handing over to auto-fix", zap.String("proposal", id), zap.Error(err))
		return s.repair(ctx, id, failed)
	}

	p, err = s.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
		q.RecordGroup(*group)
		if group.Passed {
			return q.Advance(model.ActionTestsPass)
		}
		return q.Advance(model.ActionTestsFail)
	})
	if err != nil {
		return group.Results, err
	}
	s.log.Info("tests recorded", zap.String("proposal", id), zap.Int("attempt", attempt), zap.Bool("passed", group.Passed))

	if !group.Passed && s.opts.AutoFixEnabled {
		return s.repair(ctx, id, p)
	}
	return lastResults(p), nil
}

// repair runs the auto-fix loop on a TESTS_FAILED proposal and reports an
// UNFIXABLE outcome.
func (s *Service) repair(ctx context.Context, id string, p *model.Proposal) ([]model.TestResult, error) {
	fixed, err := s.opts.AutoFix.Run(ctx, id)
	if fixed != nil {
		p = fixed
	}
	if err != nil {
		return lastResults(p), err
	}
	if p.Status == model.StatusUnfixable {
		s.cleanupSandbox(id)
		s.notify(alert.Event{
			Type:       alert.EventUnfixable,
			ProposalID: id,
			Title:      p.Title,
			Severity:   string(model.LevelHigh),
			Reason:     fmt.Sprintf("tests still failing after %d repair attempts", len(p.FixHistory)),
		})
	}
	return lastResults(p), nil
}

// abortTesting returns a proposal stuck in TESTING to TESTS_FAILED after
// the test run itself failed. It returns nil when that could not be saved.
func (s *Service) abortTesting(ctx context.Context, id string, attempt int, cause error) *model.Proposal {
	now := time.Now().UTC()
	p, err := s.opts.Store.Update(context.WithoutCancel(ctx), id, func(q *model.Proposal) error {
		q.RecordGroup(model.TestGroup{
			Attempt:    attempt,
			StartedAt:  now,
			FinishedAt: now,
			Results: []model.TestResult{{
				Stage: "sandbox", Reason: model.ReasonError, Output: cause.Error(), Attempt: attempt,
			}},
		})
		if q.Metadata == nil {
			q.Metadata = make(map[string]string)
		}
		q.Metadata[MetaSandboxError] = cause.Error()
		return q.Advance(model.ActionTestsFail)
	})
	if err != nil {
		s.log.Error("failed to record aborted test run", zap.String("proposal", id), zap.Error(err))
		return nil
	}
	return p
}

func lastResults(p *model.Proposal) []model.TestResult {
	if p == nil {
		return nil
	}
	if g := p.LastGroup(); g != nil {
		return g.Results
	}
	return nil
}

// CleanupSandbox removes id's sandbox.
func (s *Service) CleanupSandbox(ctx context.Context, id string, keepLogs bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.opts.Sandbox.Cleanup(id, keepLogs)
}

// Apply writes an APPROVED proposal to the live tree. A deployment error
// is recorded under metadata["deploy_error"] and never retried.
func (s *Service) Apply(ctx context.Context, id string) (*model.Proposal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var snapshot string
	p, err := s.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
		snap, err := s.opts.Deploy.Apply(ctx, q)
		if err != nil {
			return err
		}
		snapshot = snap.ID
		if q.Metadata != nil {
			delete(q.Metadata, MetaDeployError)
		}
		return nil
	})
	if err != nil {
		s.deployFailed(ctx, id, "apply", snapshot != "", err)
		return nil, err
	}
	s.cleanupSandbox(id)
	s.log.Info("proposal applied", zap.String("proposal", id), zap.String("snapshot", snapshot))
	s.notify(alert.Event{Type: alert.EventDeployed, ProposalID: id, Title: p.Title, Severity: string(model.LevelLow)})
	return p, nil
}

// Rollback restores the live tree from the proposal's snapshot.
func (s *Service) Rollback(ctx context.Context, id string) (*model.Proposal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rolled := false
	p, err := s.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
		if err := s.opts.Deploy.Rollback(ctx, q); err != nil {
			return err
		}
		rolled = true
		return nil
	})
	if err != nil {
		s.deployFailed(ctx, id, "rollback", rolled, err)
		return nil, err
	}
	s.log.Info("proposal rolled back", zap.String("proposal", id))
	s.notify(alert.Event{Type: alert.EventRolledBack, ProposalID: id, Title: p.Title, Severity: string(model.LevelMedium)})
	return p, nil
}

// deployFailed records a deployment error. liveChanged is set when the live
// tree changed but the proposal could not be saved.
func (s *Service) deployFailed(ctx context.Context, id, op string, liveChanged bool, err error) {
	var derr *deploy.Error
	if errors.As(err, &derr) || liveChanged {
		s.notify(alert.Event{
			Type:       alert.EventDeployFailed,
			ProposalID: id,
			Severity:   string(model.LevelCritical),
			Reason:     op + ": " + err.Error(),
		})
	}
	switch {
	case errors.As(err, &derr):
		s.log.Error("deployment failed, manual intervention required",
			zap.String("proposal", id), zap.String("op", op),
			zap.Strings("failed", derr.Failed), zap.Strings("written", derr.Written),
			zap.Bool("restored", derr.Restored), zap.Error(err))
		s.setMeta(ctx, id, MetaDeployError, derr.Error())
	case liveChanged:
		s.log.Error("live tree changed but proposal not saved",
			zap.String("proposal", id), zap.String("op", op), zap.Error(err))
	}
}

// Diff returns the unified diff from the live tree to the proposal's files
// with per-file line counts.
func (s *Service) Diff(ctx context.Context, id string) (string, []sandbox.FileStat, error) {
	p, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	for _, f := range p.Files {
		abs, err := s.opts.Rules.Resolve(f.Path)
		if err != nil {
			return "", nil, err
		}
		before, err := os.ReadFile(abs)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("pipeline: diff: %w", err)
		}
		d, err := sandbox.UnifiedDiff(f.Path, string(before), f.Content)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(d)
	}
	text := b.String()
	stats, err := sandbox.DiffStats(text)
	if err != nil {
		return text, nil, err
	}
	return text, stats, nil
}
