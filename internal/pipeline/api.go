package pipeline

import (
	"context"

	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/sandbox"
)

// API is the operation set the MCP and gRPC surfaces expose. *Service
// implements it.
type API interface {
	CreateProposal(ctx context.Context, req CreateRequest) (string, error)
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	DeploySandbox(ctx context.Context, id string) (*sandbox.Task, error)
	RunTests(ctx context.Context, id string) ([]model.TestResult, error)
	CleanupSandbox(ctx context.Context, id string, keepLogs bool) error
	Approve(ctx context.Context, id, approver string) (*model.Proposal, error)
	Reject(ctx context.Context, id, reason string) (*model.Proposal, error)
	Apply(ctx context.Context, id string) (*model.Proposal, error)
	Rollback(ctx context.Context, id string) (*model.Proposal, error)
	GetStatus(ctx context.Context, id string) (*model.Proposal, error)
	ListProposals(ctx context.Context, status model.Status, limit int) ([]*model.Proposal, error)
	ListSecurityEvents(ctx context.Context, filter audit.Filter) ([]model.SecurityEvent, error)
	Diff(ctx context.Context, id string) (string, []sandbox.FileStat, error)
	EndSession(sessionID string)
}

var _ API = (*Service)(nil)
