package cli

import (
	"context"

	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/client"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
	"github.com/ppiankov/changegate/internal/sandbox"
)

// backend is what the one-shot commands need. It is served by the local
// pipeline or, with --addr, by a remote server.
type backend interface {
	CreateProposal(ctx context.Context, req pipeline.CreateRequest) (string, error)
	Generate(ctx context.Context, req pipeline.GenerateRequest) (string, error)
	DeploySandbox(ctx context.Context, id string) (model.SandboxEnvironment, error)
	RunTests(ctx context.Context, id string) ([]model.TestResult, *model.Proposal, error)
	CleanupSandbox(ctx context.Context, id string, keepLogs bool) error
	Approve(ctx context.Context, id, approver string) (*model.Proposal, error)
	Reject(ctx context.Context, id, reason string) (*model.Proposal, error)
	Apply(ctx context.Context, id string) (*model.Proposal, error)
	Rollback(ctx context.Context, id string) (*model.Proposal, error)
	GetStatus(ctx context.Context, id string) (*model.Proposal, error)
	ListProposals(ctx context.Context, status model.Status, limit int) ([]*model.Proposal, error)
	ListSecurityEvents(ctx context.Context, f audit.Filter) ([]model.SecurityEvent, error)
	Diff(ctx context.Context, id string) (string, []sandbox.FileStat, error)
	Close() error
}

var _ backend = (*client.Client)(nil)

// localBackend runs operations in-process.
type localBackend struct {
	*app
}

func (b localBackend) CreateProposal(ctx context.Context, req pipeline.CreateRequest) (string, error) {
	return b.svc.CreateProposal(ctx, req)
}

func (b localBackend) Generate(ctx context.Context, req pipeline.GenerateRequest) (string, error) {
	return b.svc.Generate(ctx, req)
}

// DeploySandbox waits for provisioning; the process would otherwise exit
// with the task still running.
func (b localBackend) DeploySandbox(ctx context.Context, id string) (model.SandboxEnvironment, error) {
	task, err := b.svc.DeploySandbox(ctx, id)
	if err != nil {
		return model.SandboxEnvironment{}, err
	}
	res, err := task.Wait(ctx)
	return res.Env, err
}

func (b localBackend) RunTests(ctx context.Context, id string) ([]model.TestResult, *model.Proposal, error) {
	results, err := b.svc.RunTests(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := b.svc.GetStatus(ctx, id)
	return results, p, err
}

func (b localBackend) CleanupSandbox(ctx context.Context, id string, keepLogs bool) error {
	return b.svc.CleanupSandbox(ctx, id, keepLogs)
}

func (b localBackend) Approve(ctx context.Context, id, approver string) (*model.Proposal, error) {
	return b.svc.Approve(ctx, id, approver)
}

func (b localBackend) Reject(ctx context.Context, id, reason string) (*model.Proposal, error) {
	return b.svc.Reject(ctx, id, reason)
}

func (b localBackend) Apply(ctx context.Context, id string) (*model.Proposal, error) {
	return b.svc.Apply(ctx, id)
}

func (b localBackend) Rollback(ctx context.Context, id string) (*model.Proposal, error) {
	return b.svc.Rollback(ctx, id)
}

func (b localBackend) GetStatus(ctx context.Context, id string) (*model.Proposal, error) {
	return b.svc.GetStatus(ctx, id)
}

func (b localBackend) ListProposals(ctx context.Context, status model.Status, limit int) ([]*model.Proposal, error) {
	return b.svc.ListProposals(ctx, status, limit)
}

func (b localBackend) ListSecurityEvents(ctx context.Context, f audit.Filter) ([]model.SecurityEvent, error) {
	return b.svc.ListSecurityEvents(ctx, f)
}

func (b localBackend) Diff(ctx context.Context, id string) (string, []sandbox.FileStat, error) {
	return b.svc.Diff(ctx, id)
}

// openBackend connects to --addr when set, otherwise wires the local
// pipeline from the config file.
func openBackend(ctx context.Context) (backend, error) {
	if remoteAddr != "" {
		return client.New(remoteAddr)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return localBackend{a}, nil
}
