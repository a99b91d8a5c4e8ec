package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(applyCmd)
}

var applyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Deploy an approved proposal to the live tree",
	Long: "Snapshots every target file, then writes the proposal's files. On any failure the\n" +
		"files already written are restored and the proposal is marked with deploy_error.\n" +
		"After a successful write the configured services are restarted.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		p, err := b.Apply(ctx, args[0])
		if err != nil {
			return err
		}
		printProposal(os.Stdout, p)
		fmt.Printf("\nDeployed. Snapshot %s; undo with `changegate rollback %s`.\n", p.SnapshotID, p.ID)
		return nil
	},
}
