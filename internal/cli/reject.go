package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rejectReason string

func init() {
	rootCmd.AddCommand(rejectCmd)
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the proposal is rejected")
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a proposal",
	Long:  "Rejection is final. Any sandbox the proposal holds is removed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		p, err := b.Reject(ctx, args[0], rejectReason)
		if err != nil {
			return err
		}
		printProposal(os.Stdout, p)
		return nil
	},
}
