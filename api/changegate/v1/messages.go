// Package changegatev1 defines the changegate.v1.Pipeline gRPC service:
// its messages, JSON codec and service descriptor.
package changegatev1

import (
	"time"

	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
	"github.com/ppiankov/changegate/internal/sandbox"
)

type (
	CreateProposalRequest = pipeline.CreateRequest
	GenerateRequest       = pipeline.GenerateRequest
)

type ProposalIDResponse struct {
	ID string `json:"id"`
}

type IDRequest struct {
	ID string `json:"id"`
}

type ProposalResponse struct {
	Proposal *model.Proposal `json:"proposal"`
}

type DeploySandboxResponse struct {
	Environment model.SandboxEnvironment `json:"environment"`
}

type RunTestsResponse struct {
	Results  []model.TestResult `json:"results"`
	Proposal *model.Proposal    `json:"proposal,omitempty"`
}

type CleanupSandboxRequest struct {
	ID       string `json:"id"`
	KeepLogs bool   `json:"keep_logs,omitempty"`
}

type ApproveRequest struct {
	ID       string `json:"id"`
	Approver string `json:"approver"`
}

type RejectRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type ListProposalsRequest struct {
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

type ListProposalsResponse struct {
	Proposals []*model.Proposal `json:"proposals"`
}

type ListSecurityEventsRequest struct {
	SessionID   string            `json:"session_id,omitempty"`
	Type        model.EventType   `json:"type,omitempty"`
	Action      model.EventAction `json:"action,omitempty"`
	MinSeverity model.Level       `json:"min_severity,omitempty"`
	From        time.Time         `json:"from,omitzero"`
	To          time.Time         `json:"to,omitzero"`
	Limit       int               `json:"limit,omitempty"`
}

type ListSecurityEventsResponse struct {
	Events []model.SecurityEvent `json:"events"`
}

type DiffResponse struct {
	Diff  string             `json:"diff"`
	Stats []sandbox.FileStat `json:"stats,omitempty"`
}

type EndSessionRequest struct {
	SessionID string `json:"session_id"`
}

type Empty struct{}
