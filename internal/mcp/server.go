package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/pipeline"
)

// Config holds MCP server configuration.
type Config struct {
	Pipeline pipeline.API
	// Approver is recorded on approvals that don't name one.
	Approver string
	Version  string
	Logger   *zap.Logger
}

// Server exposes the pipeline's operations as MCP tools.
type Server struct {
	mcpServer *mcpsdk.Server
	api       pipeline.API
	approver  string
	log       *zap.Logger
}

// New creates an MCP server with every tool registered.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("mcp: pipeline is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Approver == "" {
		cfg.Approver = "mcp"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		api:      cfg.Pipeline,
		approver: cfg.Approver,
		log:      log.Named("mcp"),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "changegate",
			Version: cfg.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "create_proposal",
		Description: "Submit a set of file changes as a new proposal. The title and description are screened by the security gate and every file is statically validated; nothing is stored if either check fails.",
	}, s.handleCreateProposal)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "generate_proposal",
		Description: "Turn a free-text instruction into a proposal using the configured language model, grounded on the project's own code.",
	}, s.handleGenerate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deploy_sandbox",
		Description: "Provision an isolated sandbox for a PROPOSED proposal and apply its files there. Waits until the sandbox is ready.",
	}, s.handleDeploySandbox)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "run_tests",
		Description: "Run the test stages in the proposal's sandbox. Failures drive the auto-fix loop when it is enabled.",
	}, s.handleRunTests)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "cleanup_sandbox",
		Description: "Remove a proposal's sandbox, optionally archiving its logs.",
	}, s.handleCleanupSandbox)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "approve",
		Description: "Approve a proposal whose tests passed. Only approved proposals can be applied.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "reject",
		Description: "Reject a proposal with a reason. Rejection is final.",
	}, s.handleReject)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "apply",
		Description: "Write an approved proposal to the live project tree, snapshotting every file first.",
	}, s.handleApply)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rollback",
		Description: "Restore the live files an applied proposal changed from its snapshot.",
	}, s.handleRollback)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "get_status",
		Description: "Show a proposal's status, test history and fix attempts.",
	}, s.handleGetStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_proposals",
		Description: "List proposals, newest first, optionally filtered by status.",
	}, s.handleListProposals)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_security_events",
		Description: "Query the security event log by session, type, minimum severity and time range.",
	}, s.handleListSecurityEvents)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "end_session",
		Description: "Forget the accumulated threat context of a session.",
	}, s.handleEndSession)
}
