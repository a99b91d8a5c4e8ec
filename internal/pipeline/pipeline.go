// Package pipeline composes the gate, generator, validator, store, sandbox,
// auto-fix loop and deployment controller into the operations exposed by
// the CLI, MCP and gRPC surfaces.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/alert"
	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/autofix"
	"github.com/ppiankov/changegate/internal/deploy"
	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/grounding"
	"github.com/ppiankov/changegate/internal/keylock"
	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/protect"
	"github.com/ppiankov/changegate/internal/sandbox"
	"github.com/ppiankov/changegate/internal/store"
	"github.com/ppiankov/changegate/internal/validate"
)

// Metadata keys written by the pipeline.
const (
	MetaDeployError  = "deploy_error"
	MetaSandboxError = "sandbox_error"
	MetaCategory     = "category"
	MetaSession      = "session"
	MetaWarnings     = "validation_warnings"
)

// ErrInvalidRequest wraps boundary validation failures of a request.
var ErrInvalidRequest = errors.New("pipeline: invalid request")

// Gate screens text entering and leaving the generator.
type Gate interface {
	CheckInput(ctx context.Context, sessionID, text string, src gate.Source) (string, error)
	CheckOutput(ctx context.Context, sessionID, text string) (string, error)
	CheckImage(ctx context.Context, sessionID string, image []byte) (string, error)
	EndSession(sessionID string)
}

// Grounder builds project context for generation prompts.
type Grounder interface {
	Build(ctx context.Context, req grounding.Request) (*grounding.Package, error)
}

// Notifier receives lifecycle alerts. *alert.Dispatcher implements it.
type Notifier interface {
	Notify(ev alert.Event)
}

// EventLister reads the security event log.
type EventLister interface {
	List(filter audit.Filter) ([]model.SecurityEvent, error)
}

// Options wires a Service. Generator and Grounding are needed only by
// Generate; AutoFix only when AutoFixEnabled.
type Options struct {
	Store     store.Store
	Gate      Gate
	Events    EventLister
	Rules     *protect.Rules
	Validator *validate.Validator
	Sandbox   *sandbox.Manager
	Deploy    *deploy.Controller
	AutoFix   *autofix.Loop
	Generator llm.Generator
	Grounding Grounder
	Notifier  Notifier

	AutoFixEnabled bool

	// Temperature and MaxTokens tune proposal generation.
	Temperature float32
	MaxTokens   int
	Logger      *zap.Logger
}

// Service implements the exposed pipeline operations. Operations on one
// proposal are serialized; different proposals proceed concurrently.
type Service struct {
	opts    Options
	locks   keylock.Map
	structs *validator.Validate
	log     *zap.Logger
}

// New checks the required collaborators.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case opts.Gate == nil:
		return nil, errors.New("pipeline: gate is required")
	case opts.Rules == nil:
		return nil, errors.New("pipeline: rules are required")
	case opts.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	case opts.Sandbox == nil:
		return nil, errors.New("pipeline: sandbox is required")
	case opts.Deploy == nil:
		return nil, errors.New("pipeline: deploy controller is required")
	case opts.AutoFixEnabled && opts.AutoFix == nil:
		return nil, errors.New("pipeline: auto-fix enabled without a loop")
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{opts: opts, structs: validator.New(), log: log.Named("pipeline")}, nil
}

// CreateRequest is a proposal submitted with its files already written.
type CreateRequest struct {
	Title       string             `json:"title" validate:"required,max=200"`
	Description string             `json:"description,omitempty" validate:"max=20000"`
	Files       []model.FileChange `json:"files" validate:"required,min=1,max=50,dive"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	Source      model.Source       `json:"source,omitempty" validate:"omitempty,oneof=chat system-analysis bug-fix"`
	Priority    model.Level        `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	RiskLevel   model.Level        `json:"risk_level,omitempty" validate:"omitempty,oneof=low medium high critical"`
	CreatedBy   string             `json:"created_by,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
}

// CreateProposal screens the title and description through the input gate,
// validates the files and persists a PROPOSED proposal. Nothing is stored
// when either check fails.
func (s *Service) CreateProposal(ctx context.Context, req CreateRequest) (string, error) {
	if err := s.structs.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	session, end := s.session(req.SessionID, "create")
	defer end()
	text := req.Title
	if req.Description != "" {
		text += "\n" + req.Description
	}
	if _, err := s.opts.Gate.CheckInput(ctx, session, text, gate.SourcePrompt); err != nil {
		return "", err
	}

	p := &model.Proposal{
		Title:       req.Title,
		Description: req.Description,
		Files:       req.Files,
		Source:      req.Source,
		Priority:    req.Priority,
		RiskLevel:   req.RiskLevel,
		CreatedBy:   req.CreatedBy,
		Metadata:    copyMeta(req.Metadata),
	}
	if p.Source == "" {
		p.Source = model.SourceChat
	}
	return s.create(ctx, p)
}

// create validates p's files and persists it.
func (s *Service) create(ctx context.Context, p *model.Proposal) (string, error) {
	res, err := s.opts.Validator.Validate(ctx, p.Files)
	if err != nil {
		return "", err
	}
	p.Files = res.Files
	if len(res.Warnings) > 0 {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		warns := make([]string, len(res.Warnings))
		for i, w := range res.Warnings {
			warns[i] = w.String()
		}
		p.Metadata[MetaWarnings] = strings.Join(warns, "; ")
	}
	if p.Priority == "" {
		p.Priority = model.LevelMedium
	}
	if p.RiskLevel == "" {
		p.RiskLevel = model.LevelMedium
	}
	p.Status = model.StatusProposed
	if err := s.opts.Store.Create(ctx, p); err != nil {
		return "", err
	}
	s.log.Info("proposal created",
		zap.String("proposal", p.ID), zap.String("source", string(p.Source)),
		zap.Int("files", len(p.Files)), zap.Int("corrections", len(res.Corrections)))
	return p.ID, nil
}

// GetStatus returns the stored proposal.
func (s *Service) GetStatus(ctx context.Context, id string) (*model.Proposal, error) {
	return s.opts.Store.Get(ctx, id)
}

// ListProposals returns proposals, optionally of one status.
func (s *Service) ListProposals(ctx context.Context, status model.Status, limit int) ([]*model.Proposal, error) {
	return s.opts.Store.List(ctx, store.Filter{Status: status, Limit: limit})
}

// ListSecurityEvents queries the event log.
func (s *Service) ListSecurityEvents(ctx context.Context, filter audit.Filter) ([]model.SecurityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.opts.Events == nil {
		return nil, errors.New("pipeline: no event log configured")
	}
	return s.opts.Events.List(filter)
}

// EndSession resets the gate's threat context for a session.
func (s *Service) EndSession(sessionID string) { s.opts.Gate.EndSession(sessionID) }

// Approve records the approver and moves a TESTS_PASSED proposal to APPROVED.
func (s *Service) Approve(ctx context.Context, id, approver string) (*model.Proposal, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, fmt.Errorf("%w: approver is required", ErrInvalidRequest)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
		if err := q.Advance(model.ActionApprove); err != nil {
			return err
		}
		now := time.Now().UTC()
		q.ApprovedBy = approver
		q.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("proposal approved", zap.String("proposal", id), zap.String("approver", approver))
	return p, nil
}

// Reject moves a non-terminal proposal to REJECTED and removes its sandbox.
func (s *Service) Reject(ctx context.Context, id, reason string) (*model.Proposal, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.opts.Store.Update(ctx, id, func(q *model.Proposal) error {
		if err := q.Advance(model.ActionReject); err != nil {
			return err
		}
		q.RejectionReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cleanupSandbox(id)
	s.log.Info("proposal rejected", zap.String("proposal", id), zap.String("reason", reason))
	return p, nil
}

// cleanupSandbox removes id's sandbox if one exists, keeping its logs.
func (s *Service) cleanupSandbox(id string) {
	if _, err := s.opts.Sandbox.Get(id); err != nil {
		return
	}
	if err := s.opts.Sandbox.Cleanup(id, true); err != nil {
		s.log.Warn("sandbox cleanup failed", zap.String("proposal", id), zap.Error(err))
	}
}

func (s *Service) notify(ev alert.Event) {
	if s.opts.Notifier != nil {
		s.opts.Notifier.Notify(ev)
	}
}

// setMeta records key on the proposal without changing its status.
func (s *Service) setMeta(ctx context.Context, id, key, value string) {
	_, err := s.opts.Store.Update(context.WithoutCancel(ctx), id, func(q *model.Proposal) error {
		if q.Metadata == nil {
			q.Metadata = make(map[string]string)
		}
		if value == "" {
			delete(q.Metadata, key)
		} else {
			q.Metadata[key] = value
		}
		return nil
	})
	if err != nil {
		s.log.Error("failed to record proposal metadata", zap.String("proposal", id), zap.String("key", key), zap.Error(err))
	}
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// session returns the threat-tracking session for a request. A request
// without one gets a private session that end drops again, so unrelated
// callers never share a threat context.
func (s *Service) session(id, op string) (session string, end func()) {
	if id != "" {
		return id, func() {}
	}
	session = op + "-" + uuid.NewString()
	return session, func() { s.opts.Gate.EndSession(session) }
}
