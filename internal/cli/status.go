package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changegate/internal/model"
)

var (
	statusFilter string
	statusLimit  int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "List proposals in this status (e.g. TESTS_PASSED)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "Maximum proposals to list")
	statusCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show one proposal, or list proposals",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	if len(args) == 1 {
		p, err := b.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(os.Stdout, p)
		}
		printProposal(os.Stdout, p)
		return nil
	}

	list, err := b.ListProposals(ctx, model.Status(statusFilter), statusLimit)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(os.Stdout, list)
	}
	if len(list) == 0 {
		fmt.Println("No proposals.")
		return nil
	}
	fmt.Printf("%-36s %-14s %-8s %-40s %s\n", "ID", "STATUS", "RISK", "TITLE", "UPDATED")
	for _, p := range list {
		fmt.Printf("%-36s %-14s %-8s %-40s %s\n",
			p.ID,
			p.Status,
			p.RiskLevel,
			truncate(p.Title, 40),
			p.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return nil
}
