package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var diffStat bool

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().BoolVar(&diffStat, "stat", false, "Show only per-file line counts")
}

var diffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show the unified diff between the live tree and a proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	diff, stats, err := b.Diff(ctx, args[0])
	if err != nil {
		return err
	}
	if !diffStat {
		fmt.Print(diff)
		if len(stats) > 0 {
			fmt.Println()
		}
	}
	var added, removed int
	for _, s := range stats {
		fmt.Printf(" %-50s +%d -%d\n", truncate(s.Path, 50), s.Added, s.Removed)
		added += s.Added
		removed += s.Removed
	}
	fmt.Printf(" %d files changed, %d insertions(+), %d deletions(-)\n", len(stats), added, removed)
	return nil
}
