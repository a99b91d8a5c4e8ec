package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	gatemcp "github.com/ppiankov/changegate/internal/mcp"
)

var mcpApprover string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpApprover, "approver", "mcp", "Approver recorded when a tool call doesn't name one")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs changegate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes the pipeline operations as tools: create_proposal, deploy_sandbox,\n" +
		"run_tests, approve, reject, apply, rollback, get_status, list_security_events.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := gatemcp.New(gatemcp.Config{
		Pipeline: a.svc,
		Approver: mcpApprover,
		Version:  version,
		Logger:   a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintln(os.Stderr, "changegate MCP server running on stdio")
	fmt.Fprintln(os.Stderr)

	return srv.Run(ctx)
}
