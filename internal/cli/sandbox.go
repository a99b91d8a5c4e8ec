package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changegate/internal/model"
)

var keepLogs bool

func init() {
	rootCmd.AddCommand(sandboxCmd)
	sandboxCmd.AddCommand(sandboxDeployCmd, sandboxTestCmd, sandboxCleanupCmd)
	sandboxCleanupCmd.Flags().BoolVar(&keepLogs, "keep-logs", true, "Archive the sandbox logs before removing it")
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Provision, test and remove proposal sandboxes",
}

var sandboxDeployCmd = &cobra.Command{
	Use:   "deploy <id>",
	Short: "Provision a sandbox and apply the proposal's files to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		env, err := b.DeploySandbox(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Sandbox %s ready\n", env.ID)
		fmt.Printf("  Work dir: %s\n", env.WorkDir)
		if env.EnvDir != "" {
			fmt.Printf("  Env dir:  %s\n", env.EnvDir)
		}
		fmt.Printf("  Logs:     %s\n", env.LogDir)
		return nil
	},
}

var sandboxTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Run the test stages in the proposal's sandbox",
	Long: "Runs every configured stage. When a stage fails and auto-fix is enabled, the\n" +
		"model is asked for repairs until the tests pass or the attempt limit is reached.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		results, p, err := b.RunTests(ctx, args[0])
		if err != nil {
			return err
		}
		printResults(os.Stdout, results)
		if p != nil {
			fmt.Println()
			printProposal(os.Stdout, p)
			if p.Status == model.StatusUnfixable {
				return fmt.Errorf("proposal %s is unfixable after %d repair attempts", p.ID, len(p.FixHistory))
			}
		}
		return nil
	},
}

var sandboxCleanupCmd = &cobra.Command{
	Use:   "cleanup <id>",
	Short: "Remove the proposal's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		if err := b.CleanupSandbox(ctx, args[0], keepLogs); err != nil {
			return err
		}
		fmt.Printf("Sandbox for %s removed\n", args[0])
		return nil
	},
}
