// Package autofix repairs proposals whose sandbox tests failed. Each attempt
// sends the failure back through the gate, the generator and the validator,
// redeploys the result and re-tests it, up to a fixed bound.
package autofix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/grounding"
	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/store"
	"github.com/ppiankov/changegate/internal/validate"
)

// DefaultMaxAttempts bounds fix attempts per proposal.
const DefaultMaxAttempts = 5

// Attempt outcomes recorded on FixAttempt.
const (
	OutcomePassed          = "passed"
	OutcomeFailed          = "failed"
	OutcomeDeployed        = "deployed"
	OutcomeError           = "error"
	OutcomeBlocked         = "blocked"
	OutcomeDiscarded       = "discarded"
	OutcomeUnparseable     = "unparseable"
	OutcomeUnfixable       = "unfixable"
	OutcomeInvalid         = "invalid"
	OutcomeGenerationError = "generation_error"
)

// ErrNotFailed is returned when Run is called on a proposal that is not
// in TESTS_FAILED.
var ErrNotFailed = errors.New("autofix: proposal is not in TESTS_FAILED")

// Gate screens repair requests and responses.
type Gate interface {
	CheckInput(ctx context.Context, sessionID, text string, src gate.Source) (string, error)
	CheckOutput(ctx context.Context, sessionID, text string) (string, error)
	EndSession(sessionID string)
}

// Validator checks the merged file set of a repair.
type Validator interface {
	Validate(ctx context.Context, files []model.FileChange) (*validate.Result, error)
}

// Grounder supplies project context for repair prompts.
type Grounder interface {
	Build(ctx context.Context, req grounding.Request) (*grounding.Package, error)
}

// Sandbox redeploys and re-tests a repaired proposal. Ensure recreates a
// sandbox that a failed test run removed.
type Sandbox interface {
	Ensure(ctx context.Context, p *model.Proposal) error
	Apply(ctx context.Context, p *model.Proposal) error
	Test(ctx context.Context, p *model.Proposal, attempt int) (*model.TestGroup, error)
}

// Options configures a Loop. Grounding and Logger are optional.
type Options struct {
	Store       store.Store
	Gate        Gate
	Generator   llm.Generator
	Validator   Validator
	Sandbox     Sandbox
	Grounding   Grounder
	MaxAttempts int
	Temperature float32
	MaxTokens   int
	Logger      *zap.Logger
}

// Loop drives repair attempts for one proposal at a time.
type Loop struct {
	opts Options
	log  *zap.Logger
}

// New validates collaborators and fills defaults.
func New(opts Options) (*Loop, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("autofix: store is required")
	case opts.Gate == nil:
		return nil, errors.New("autofix: gate is required")
	case opts.Generator == nil:
		return nil, errors.New("autofix: generator is required")
	case opts.Validator == nil:
		return nil, errors.New("autofix: validator is required")
	case opts.Sandbox == nil:
		return nil, errors.New("autofix: sandbox is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.2
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{opts: opts, log: log.Named("autofix")}, nil
}

// MaxAttempts returns the configured bound.
func (l *Loop) MaxAttempts() int { return l.opts.MaxAttempts }

// Run repairs id until its tests pass or the attempt bound is reached, in
// which case the proposal becomes UNFIXABLE. Every iteration either records
// one FixAttempt or returns, so Run always terminates. On cancellation or
// when the provider is rate limited the proposal is left in TESTS_FAILED
// without consuming an attempt.
func (l *Loop) Run(ctx context.Context, id string) (*model.Proposal, error) {
	p, err := l.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != model.StatusTestsFailed {
		return p, fmt.Errorf("autofix: %s is %s: %w", id, p.Status, ErrNotFailed)
	}

	session := "autofix-" + id
	defer l.opts.Gate.EndSession(session)

	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if len(p.FixHistory) >= l.opts.MaxAttempts {
			next, err := l.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
				return q.Advance(model.ActionGiveUp)
			})
			if err != nil {
				return p, err
			}
			l.log.Warn("proposal unfixable",
				zap.String("proposal", id), zap.Int("attempts", len(next.FixHistory)))
			return next, nil
		}

		next, passed, err := l.attempt(ctx, session, p)
		if next != nil {
			p = next
		}
		if err != nil {
			return p, err
		}
		if passed {
			l.log.Info("proposal repaired",
				zap.String("proposal", id), zap.Int("attempts", len(p.FixHistory)))
			return p, nil
		}
	}
}

// attempt runs one repair iteration against p, which is in TESTS_FAILED.
func (l *Loop) attempt(ctx context.Context, session string, p *model.Proposal) (*model.Proposal, bool, error) {
	var failures []model.TestResult
	if g := p.LastGroup(); g != nil {
		failures = g.Failures()
	}
	diag := Diagnose(failures)
	fa := model.FixAttempt{
		Number:    len(p.FixHistory) + 1,
		Category:  diag.Category,
		RootCause: diag.RootCause,
		At:        time.Now().UTC(),
	}
	log := l.log.With(zap.String("proposal", p.ID), zap.Int("attempt", fa.Number), zap.String("category", diag.Category))
	log.Info("starting fix attempt", zap.Strings("stages", diag.Stages))

	report := failureReport(failures, p.FixHistory)
	report, err := l.opts.Gate.CheckInput(ctx, session, report, gate.SourceToolOutput)
	if err != nil {
		if ctx.Err() != nil {
			return p, false, ctx.Err()
		}
		if errors.Is(err, gate.ErrBlocked) {
			return l.consume(ctx, p, fa, OutcomeBlocked, err)
		}
		return p, false, err
	}

	var pkg *grounding.Package
	if l.opts.Grounding != nil {
		pkg, err = l.opts.Grounding.Build(ctx, grounding.Request{
			Category: groundingCategory(p, diag, report),
			Targets:  p.Paths(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return p, false, ctx.Err()
			}
			log.Warn("grounding failed, repairing without project context", zap.Error(err))
			pkg = nil
		}
	}

	resp, err := l.opts.Generator.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(p, diag, report, pkg),
		Temperature: l.opts.Temperature,
		MaxTokens:   l.opts.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return p, false, ctx.Err()
		}
		if errors.Is(err, llm.ErrRateLimited) {
			log.Warn("generator rate limited, deferring remaining attempts")
			return p, false, err
		}
		return l.consume(ctx, p, fa, OutcomeGenerationError, err)
	}

	text, err := l.opts.Gate.CheckOutput(ctx, session, resp.Text)
	if err != nil {
		if ctx.Err() != nil {
			return p, false, ctx.Err()
		}
		if errors.Is(err, gate.ErrOutputDiscarded) {
			return l.consume(ctx, p, fa, OutcomeDiscarded, err)
		}
		return p, false, err
	}

	rep, err := ParseRepair(text)
	if err != nil {
		return l.consume(ctx, p, fa, OutcomeUnparseable, err)
	}
	fa.Explanation = rep.Explanation
	if rep.Unfixable {
		if fa.Explanation == "" {
			fa.Explanation = rep.Reason
		}
		return l.consume(ctx, p, fa, OutcomeUnfixable, nil)
	}
	for _, ch := range rep.Changes {
		fa.Files = append(fa.Files, ch.File)
	}

	res, err := l.opts.Validator.Validate(ctx, merge(p.Files, rep.Changes))
	if err != nil {
		if ctx.Err() != nil {
			return p, false, ctx.Err()
		}
		return l.consume(ctx, p, fa, OutcomeInvalid, err)
	}

	if err := l.opts.Sandbox.Ensure(ctx, p); err != nil {
		if ctx.Err() != nil {
			return p, false, ctx.Err()
		}
		return l.consume(ctx, p, fa, OutcomeError, err)
	}

	fa.Outcome = OutcomeDeployed
	p, err = l.opts.Store.Update(ctx, p.ID, func(q *model.Proposal) error {
		q.Files = res.Files
		if err := l.opts.Sandbox.Apply(ctx, q); err != nil {
			return err
		}
		if err := q.Advance(model.ActionRedeploy); err != nil {
			return err
		}
		q.FixHistory = append(q.FixHistory, fa)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	p, err = l.opts.Store.Update(ctx, p.ID, func(q *model.Proposal) error {
		return q.Advance(model.ActionStartTests)
	})
	if err != nil {
		return nil, false, err
	}

	testNo := len(p.Attempts) + 1
	group, err := l.opts.Sandbox.Test(ctx, p, testNo)
	if err != nil {
		return l.abortTesting(ctx, p, testNo, err)
	}

	outcome := OutcomeFailed
	action := model.ActionTestsFail
	if group.Passed {
		outcome, action = OutcomePassed, model.ActionTestsPass
	}
	p, err = l.opts.Store.Update(ctx, p.ID, func(q *model.Proposal) error {
		q.RecordGroup(*group)
		q.FixHistory[len(q.FixHistory)-1].Outcome = outcome
		return q.Advance(action)
	})
	if err != nil {
		return nil, false, err
	}
	metrics.FixAttempts.WithLabelValues(outcome).Inc()
	log.Info("fix attempt tested", zap.String("outcome", outcome), zap.Int("test_attempt", testNo))
	return p, group.Passed, nil
}

// consume records an attempt that produced nothing to test.
func (l *Loop) consume(ctx context.Context, p *model.Proposal, fa model.FixAttempt, outcome string, cause error) (*model.Proposal, bool, error) {
	fa.Outcome = outcome
	if fa.Explanation == "" && cause != nil {
		fa.Explanation = llm.Truncate(cause.Error(), 300)
	}
	next, err := l.opts.Store.Update(ctx, p.ID, func(q *model.Proposal) error {
		q.FixHistory = append(q.FixHistory, fa)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	metrics.FixAttempts.WithLabelValues(outcome).Inc()
	l.log.Info("fix attempt consumed",
		zap.String("proposal", p.ID), zap.Int("attempt", fa.Number), zap.String("outcome", outcome), zap.Error(cause))
	return next, false, nil
}

// abortTesting returns a proposal stuck in TESTING to TESTS_FAILED when the
// test run itself could not complete, recording the cause as a group. The
// attempt is consumed and the loop goes on; the next attempt recreates the
// sandbox.
func (l *Loop) abortTesting(ctx context.Context, p *model.Proposal, testNo int, cause error) (*model.Proposal, bool, error) {
	now := time.Now().UTC()
	group := model.TestGroup{
		Attempt:    testNo,
		StartedAt:  now,
		FinishedAt: now,
		Results: []model.TestResult{{
			Stage:   "sandbox",
			Reason:  model.ReasonError,
			Output:  cause.Error(),
			Attempt: testNo,
		}},
	}
	next, err := l.opts.Store.Update(context.WithoutCancel(ctx), p.ID, func(q *model.Proposal) error {
		q.RecordGroup(group)
		if n := len(q.FixHistory); n > 0 {
			q.FixHistory[n-1].Outcome = OutcomeError
		}
		return q.Advance(model.ActionTestsFail)
	})
	if err != nil {
		return p, false, errors.Join(cause, err)
	}
	metrics.FixAttempts.WithLabelValues(OutcomeError).Inc()
	if ctx.Err() != nil {
		return next, false, ctx.Err()
	}
	l.log.Warn("test run failed", zap.String("proposal", p.ID), zap.Int("test_attempt", testNo), zap.Error(cause))
	return next, false, nil
}
