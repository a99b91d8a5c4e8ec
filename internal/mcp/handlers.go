package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
)

// --- Input/Output types ---

// FileInput is one file of a proposal.
type FileInput struct {
	Path    string `json:"path" jsonschema:"project-relative path"`
	Content string `json:"content" jsonschema:"complete new file content"`
	Action  string `json:"action,omitempty" jsonschema:"create or modify; inferred when omitted"`
	Reason  string `json:"reason,omitempty" jsonschema:"why this file changes"`
}

// CreateProposalInput defines parameters for create_proposal.
type CreateProposalInput struct {
	Title       string            `json:"title" jsonschema:"short summary of the change"`
	Description string            `json:"description,omitempty" jsonschema:"what the change does and why"`
	Files       []FileInput       `json:"files" jsonschema:"files to create or modify"`
	RiskLevel   string            `json:"risk_level,omitempty" jsonschema:"low, medium, high or critical"`
	Priority    string            `json:"priority,omitempty" jsonschema:"low, medium, high or critical"`
	Source      string            `json:"source,omitempty" jsonschema:"chat, system-analysis or bug-fix"`
	Metadata    map[string]string `json:"metadata,omitempty" jsonschema:"free-form labels"`
	CreatedBy   string            `json:"created_by,omitempty" jsonschema:"author recorded on the proposal"`
	SessionID   string            `json:"session_id,omitempty" jsonschema:"conversation id used for threat tracking"`
}

// GenerateInput defines parameters for generate_proposal.
type GenerateInput struct {
	Instruction string   `json:"instruction" jsonschema:"what to change, in plain language"`
	Category    string   `json:"category,omitempty" jsonschema:"recommendation category, e.g. performance or security"`
	Targets     []string `json:"targets,omitempty" jsonschema:"project paths the change should focus on"`
	SessionID   string   `json:"session_id,omitempty" jsonschema:"conversation id used for threat tracking"`
	CreatedBy   string   `json:"created_by,omitempty" jsonschema:"author recorded on the proposal"`
}

// ProposalIDOutput is returned by the creating tools.
type ProposalIDOutput struct {
	ID    string     `json:"id,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// IDInput names one proposal.
type IDInput struct {
	ID string `json:"id" jsonschema:"proposal id"`
}

// CleanupInput defines parameters for cleanup_sandbox.
type CleanupInput struct {
	ID       string `json:"id" jsonschema:"proposal id"`
	KeepLogs bool   `json:"keep_logs,omitempty" jsonschema:"archive sandbox logs before removal"`
}

// ApproveInput defines parameters for approve.
type ApproveInput struct {
	ID       string `json:"id" jsonschema:"proposal id"`
	Approver string `json:"approver,omitempty" jsonschema:"who approves; defaults to the server's identity"`
}

// RejectInput defines parameters for reject.
type RejectInput struct {
	ID     string `json:"id" jsonschema:"proposal id"`
	Reason string `json:"reason" jsonschema:"why the proposal is rejected"`
}

// ListProposalsInput defines parameters for list_proposals.
type ListProposalsInput struct {
	Status string `json:"status,omitempty" jsonschema:"only proposals in this status"`
	Limit  int    `json:"limit,omitempty" jsonschema:"at most this many"`
}

// ListEventsInput defines parameters for list_security_events.
type ListEventsInput struct {
	SessionID   string `json:"session_id,omitempty" jsonschema:"only events of this session"`
	Type        string `json:"type,omitempty" jsonschema:"injection-attempt, secret-leak, jailbreak-pattern, image-text-anomaly or output-discarded"`
	MinSeverity string `json:"min_severity,omitempty" jsonschema:"low, medium, high or critical"`
	Since       string `json:"since,omitempty" jsonschema:"RFC 3339 lower bound"`
	Until       string `json:"until,omitempty" jsonschema:"RFC 3339 upper bound"`
	Limit       int    `json:"limit,omitempty" jsonschema:"most recent N"`
}

// EndSessionInput defines parameters for end_session.
type EndSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"session to reset"`
}

// ErrorInfo describes a refused or failed operation.
type ErrorInfo struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// StageOutput is one sandbox stage result.
type StageOutput struct {
	Stage    string `json:"stage"`
	Passed   bool   `json:"passed"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Output   string `json:"output,omitempty"`
	Duration string `json:"duration"`
}

// AttemptOutput is one test run.
type AttemptOutput struct {
	Attempt int           `json:"attempt"`
	Passed  bool          `json:"passed"`
	Stages  []StageOutput `json:"stages"`
}

// FixOutput is one auto-fix attempt.
type FixOutput struct {
	Number    int      `json:"number"`
	Category  string   `json:"category"`
	RootCause string   `json:"root_cause,omitempty"`
	Files     []string `json:"files,omitempty"`
	Outcome   string   `json:"outcome"`
}

// ProposalOutput is a proposal as the tools report it.
type ProposalOutput struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Status          string            `json:"status"`
	RiskLevel       string            `json:"risk_level"`
	Priority        string            `json:"priority"`
	Source          string            `json:"source"`
	Files           []string          `json:"files"`
	Attempts        []AttemptOutput   `json:"attempts,omitempty"`
	FixHistory      []FixOutput       `json:"fix_history,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ApprovedBy      string            `json:"approved_by,omitempty"`
	ApprovedAt      string            `json:"approved_at,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	SnapshotID      string            `json:"snapshot_id,omitempty"`
	UpdatedAt       string            `json:"updated_at"`
}

// StatusOutput wraps a proposal or the reason there is none.
type StatusOutput struct {
	Proposal *ProposalOutput `json:"proposal,omitempty"`
	Error    *ErrorInfo      `json:"error,omitempty"`
}

// DeploySandboxOutput reports the provisioned sandbox.
type DeploySandboxOutput struct {
	ID          string     `json:"id"`
	Path        string     `json:"path,omitempty"`
	Environment string     `json:"environment_status,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

// RunTestsOutput reports the final test run and where the proposal ended.
type RunTestsOutput struct {
	ID     string        `json:"id"`
	Status string        `json:"status,omitempty"`
	Passed bool          `json:"passed"`
	Stages []StageOutput `json:"stages,omitempty"`
	Error  *ErrorInfo    `json:"error,omitempty"`
}

// OKOutput acknowledges an operation with no other result.
type OKOutput struct {
	OK    bool       `json:"ok"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// ListProposalsOutput lists proposals.
type ListProposalsOutput struct {
	Proposals []ProposalOutput `json:"proposals"`
	Error     *ErrorInfo       `json:"error,omitempty"`
}

// EventOutput is one security event.
type EventOutput struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"ts"`
	Type      string   `json:"type"`
	Severity  string   `json:"severity"`
	Action    string   `json:"action"`
	SessionID string   `json:"session_id,omitempty"`
	Score     int      `json:"score"`
	Patterns  []string `json:"patterns,omitempty"`
}

// ListEventsOutput lists security events.
type ListEventsOutput struct {
	Events []EventOutput `json:"events"`
	Error  *ErrorInfo    `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleCreateProposal(ctx context.Context, req *mcpsdk.CallToolRequest, input CreateProposalInput) (*mcpsdk.CallToolResult, ProposalIDOutput, error) {
	files := make([]model.FileChange, len(input.Files))
	for i, f := range input.Files {
		files[i] = model.FileChange{
			Path:    f.Path,
			Content: f.Content,
			Action:  model.ChangeAction(f.Action),
			Reason:  f.Reason,
		}
	}
	id, err := s.api.CreateProposal(ctx, pipeline.CreateRequest{
		Title:       input.Title,
		Description: input.Description,
		Files:       files,
		Metadata:    input.Metadata,
		Source:      model.Source(input.Source),
		Priority:    model.Level(input.Priority),
		RiskLevel:   model.Level(input.RiskLevel),
		CreatedBy:   firstNonEmpty(input.CreatedBy, "mcp"),
		SessionID:   input.SessionID,
	})
	if err != nil {
		return refuse(s.log, "create_proposal", err, ProposalIDOutput{Error: errorInfo(err)})
	}
	return nil, ProposalIDOutput{ID: id}, nil
}

func (s *Server) handleGenerate(ctx context.Context, req *mcpsdk.CallToolRequest, input GenerateInput) (*mcpsdk.CallToolResult, ProposalIDOutput, error) {
	id, err := s.api.Generate(ctx, pipeline.GenerateRequest{
		SessionID:   input.SessionID,
		Instruction: input.Instruction,
		Category:    input.Category,
		Targets:     input.Targets,
		CreatedBy:   firstNonEmpty(input.CreatedBy, "mcp"),
		Source:      model.SourceChat,
	})
	if err != nil {
		return refuse(s.log, "generate_proposal", err, ProposalIDOutput{Error: errorInfo(err)})
	}
	return nil, ProposalIDOutput{ID: id}, nil
}

func (s *Server) handleDeploySandbox(ctx context.Context, req *mcpsdk.CallToolRequest, input IDInput) (*mcpsdk.CallToolResult, DeploySandboxOutput, error) {
	out := DeploySandboxOutput{ID: input.ID}
	task, err := s.api.DeploySandbox(ctx, input.ID)
	if err != nil {
		out.Error = errorInfo(err)
		return refuse(s.log, "deploy_sandbox", err, out)
	}
	res, err := task.Wait(ctx)
	if err != nil {
		out.Error = errorInfo(err)
		return refuse(s.log, "deploy_sandbox", err, out)
	}
	out.Path = res.Env.WorkDir
	out.Environment = string(res.Env.Status)
	return nil, out, nil
}

func (s *Server) handleRunTests(ctx context.Context, req *mcpsdk.CallToolRequest, input IDInput) (*mcpsdk.CallToolResult, RunTestsOutput, error) {
	out := RunTestsOutput{ID: input.ID}
	results, err := s.api.RunTests(ctx, input.ID)
	out.Stages = stageOutputs(results)
	if p, gerr := s.api.GetStatus(ctx, input.ID); gerr == nil {
		out.Status = string(p.Status)
		out.Passed = p.Status == model.StatusTestsPassed
	}
	if err != nil {
		out.Error = errorInfo(err)
		return refuse(s.log, "run_tests", err, out)
	}
	return nil, out, nil
}

func (s *Server) handleCleanupSandbox(ctx context.Context, req *mcpsdk.CallToolRequest, input CleanupInput) (*mcpsdk.CallToolResult, OKOutput, error) {
	if err := s.api.CleanupSandbox(ctx, input.ID, input.KeepLogs); err != nil {
		return refuse(s.log, "cleanup_sandbox", err, OKOutput{Error: errorInfo(err)})
	}
	return nil, OKOutput{OK: true}, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ApproveInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	p, err := s.api.Approve(ctx, input.ID, firstNonEmpty(input.Approver, s.approver))
	return s.proposalResult("approve", p, err)
}

func (s *Server) handleReject(ctx context.Context, req *mcpsdk.CallToolRequest, input RejectInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	p, err := s.api.Reject(ctx, input.ID, input.Reason)
	return s.proposalResult("reject", p, err)
}

func (s *Server) handleApply(ctx context.Context, req *mcpsdk.CallToolRequest, input IDInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	p, err := s.api.Apply(ctx, input.ID)
	return s.proposalResult("apply", p, err)
}

func (s *Server) handleRollback(ctx context.Context, req *mcpsdk.CallToolRequest, input IDInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	p, err := s.api.Rollback(ctx, input.ID)
	return s.proposalResult("rollback", p, err)
}

func (s *Server) handleGetStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input IDInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	p, err := s.api.GetStatus(ctx, input.ID)
	return s.proposalResult("get_status", p, err)
}

func (s *Server) handleListProposals(ctx context.Context, req *mcpsdk.CallToolRequest, input ListProposalsInput) (*mcpsdk.CallToolResult, ListProposalsOutput, error) {
	ps, err := s.api.ListProposals(ctx, model.Status(input.Status), input.Limit)
	if err != nil {
		return refuse(s.log, "list_proposals", err, ListProposalsOutput{Error: errorInfo(err)})
	}
	out := ListProposalsOutput{Proposals: make([]ProposalOutput, 0, len(ps))}
	for _, p := range ps {
		out.Proposals = append(out.Proposals, *proposalOutput(p))
	}
	return nil, out, nil
}

func (s *Server) handleListSecurityEvents(ctx context.Context, req *mcpsdk.CallToolRequest, input ListEventsInput) (*mcpsdk.CallToolResult, ListEventsOutput, error) {
	filter := audit.Filter{
		SessionID:   input.SessionID,
		Type:        model.EventType(input.Type),
		MinSeverity: model.Level(input.MinSeverity),
		Limit:       input.Limit,
	}
	for _, b := range []struct {
		raw string
		dst *time.Time
	}{{input.Since, &filter.From}, {input.Until, &filter.To}} {
		if b.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, b.raw)
		if err != nil {
			err = fmt.Errorf("%w: bad time %q: %v", pipeline.ErrInvalidRequest, b.raw, err)
			return refuse(s.log, "list_security_events", err, ListEventsOutput{Error: errorInfo(err)})
		}
		*b.dst = t
	}

	evs, err := s.api.ListSecurityEvents(ctx, filter)
	if err != nil {
		return refuse(s.log, "list_security_events", err, ListEventsOutput{Error: errorInfo(err)})
	}
	out := ListEventsOutput{Events: make([]EventOutput, 0, len(evs))}
	for _, ev := range evs {
		out.Events = append(out.Events, EventOutput{
			ID:        ev.ID,
			Timestamp: ev.Timestamp,
			Type:      string(ev.Type),
			Severity:  string(ev.Severity),
			Action:    string(ev.Action),
			SessionID: ev.SessionID,
			Score:     ev.Score,
			Patterns:  ev.Patterns,
		})
	}
	return nil, out, nil
}

func (s *Server) handleEndSession(ctx context.Context, req *mcpsdk.CallToolRequest, input EndSessionInput) (*mcpsdk.CallToolResult, OKOutput, error) {
	s.api.EndSession(input.SessionID)
	return nil, OKOutput{OK: true}, nil
}

// --- helpers ---

func (s *Server) proposalResult(tool string, p *model.Proposal, err error) (*mcpsdk.CallToolResult, StatusOutput, error) {
	if err != nil {
		out := StatusOutput{Error: errorInfo(err)}
		if p != nil {
			out.Proposal = proposalOutput(p)
		}
		return refuse(s.log, tool, err, out)
	}
	return nil, StatusOutput{Proposal: proposalOutput(p)}, nil
}

// refuse turns an operation error into an IsError result carrying out.
// Deployment and internal errors log at error level.
func refuse[T any](log *zap.Logger, tool string, err error, out T) (*mcpsdk.CallToolResult, T, error) {
	kind := pipeline.Kind(err)
	if kind == pipeline.KindDeployment || kind == pipeline.KindInternal {
		log.Error("tool failed", zap.String("tool", tool), zap.String("kind", string(kind)), zap.Error(err))
	} else {
		log.Info("tool refused", zap.String("tool", tool), zap.String("kind", string(kind)), zap.Error(err))
	}
	return &mcpsdk.CallToolResult{IsError: true}, out, nil
}

func errorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Kind: string(pipeline.Kind(err)), Message: err.Error()}
	for _, is := range pipeline.Issues(err) {
		info.Issues = append(info.Issues, is.String())
	}
	return info
}

func proposalOutput(p *model.Proposal) *ProposalOutput {
	out := &ProposalOutput{
		ID:              p.ID,
		Title:           p.Title,
		Status:          string(p.Status),
		RiskLevel:       string(p.RiskLevel),
		Priority:        string(p.Priority),
		Source:          string(p.Source),
		Files:           p.Paths(),
		Metadata:        p.Metadata,
		ApprovedBy:      p.ApprovedBy,
		RejectionReason: p.RejectionReason,
		SnapshotID:      p.SnapshotID,
		UpdatedAt:       p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.ApprovedAt != nil {
		out.ApprovedAt = p.ApprovedAt.UTC().Format(time.RFC3339)
	}
	for _, g := range p.Attempts {
		out.Attempts = append(out.Attempts, AttemptOutput{
			Attempt: g.Attempt,
			Passed:  g.Passed,
			Stages:  stageOutputs(g.Results),
		})
	}
	for _, f := range p.FixHistory {
		out.FixHistory = append(out.FixHistory, FixOutput{
			Number:    f.Number,
			Category:  f.Category,
			RootCause: f.RootCause,
			Files:     f.Files,
			Outcome:   f.Outcome,
		})
	}
	return out
}

func stageOutputs(results []model.TestResult) []StageOutput {
	if len(results) == 0 {
		return nil
	}
	out := make([]StageOutput, len(results))
	for i, r := range results {
		out[i] = StageOutput{
			Stage:    r.Stage,
			Passed:   r.Passed,
			Skipped:  r.Skipped,
			Reason:   string(r.Reason),
			Output:   r.Output,
			Duration: r.Duration.Round(time.Millisecond).String(),
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
