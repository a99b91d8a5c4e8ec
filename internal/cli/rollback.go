package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Restore the live files a deployed proposal replaced",
	Long:  "Puts back every file from the proposal's snapshot and removes files it created.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		p, err := b.Rollback(ctx, args[0])
		if err != nil {
			return err
		}
		printProposal(os.Stdout, p)
		return nil
	},
}
