package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var approveBy string

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveBy, "by", "", "Approver recorded on the proposal (default $USER)")
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a proposal whose tests passed",
	Long:  "Records the approver and time. Only TESTS_PASSED proposals can be approved;\napproval is required before apply.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	by := approveBy
	if by == "" {
		by = currentUser()
	}
	p, err := b.Approve(ctx, args[0], by)
	if err != nil {
		return err
	}
	printProposal(os.Stdout, p)
	fmt.Printf("\nApproved. Run `changegate apply %s` to deploy.\n", p.ID)
	return nil
}
