package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/changegate/internal/client"
	"github.com/ppiankov/changegate/internal/config"
	"github.com/ppiankov/changegate/internal/deploy"
	"github.com/ppiankov/changegate/internal/pipeline"
)

var (
	configPath string
	logLevel   string
	jsonLogs   bool
	remoteAddr string
)

var rootCmd = &cobra.Command{
	Use:   "changegate",
	Short: "Gated pipeline for machine-generated code changes",
	Long: "Takes a change proposal from a recommendation, a chat instruction or a model,\n" +
		"screens it, tests it in an isolated sandbox, repairs failures, and deploys it\n" +
		"to the live tree only after approval. Every step can be rolled back.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to config YAML (default ~/.changegate/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	pf.BoolVar(&jsonLogs, "json-logs", false, "Emit JSON logs on stderr")
	pf.StringVar(&remoteAddr, "addr", "", "Talk to a changegate server at this gRPC address instead of local state")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// loadConfig reads --config (or the default path) and applies flag overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonLogs {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func exitCode(err error) int {
	switch client.KindOf(err) {
	case pipeline.KindDeployment:
		return 3
	case pipeline.KindSecurity:
		return 2
	default:
		return 1
	}
}

// printError writes err for a human. Deployment failures may leave the
// live tree changed, so they get a banner and the file lists.
func printError(w io.Writer, err error) {
	kind := client.KindOf(err)
	if kind != pipeline.KindDeployment {
		if kind != "" && kind != pipeline.KindInternal {
			fmt.Fprintf(w, "Error (%s): %v\n", kind, err)
		} else {
			fmt.Fprintf(w, "Error: %v\n", err)
		}
		for _, is := range pipeline.Issues(err) {
			fmt.Fprintf(w, "  %s\n", is)
		}
		return
	}

	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, "DEPLOYMENT FAILED")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "%v\n", err)
	var derr *deploy.Error
	if errors.As(err, &derr) {
		if len(derr.Failed) > 0 {
			fmt.Fprintf(w, "Failed files:  %v\n", derr.Failed)
		}
		if len(derr.Written) > 0 {
			fmt.Fprintf(w, "Written files: %v\n", derr.Written)
			if derr.Restored {
				fmt.Fprintln(w, "Written files were restored from the snapshot.")
			} else {
				fmt.Fprintln(w, "Written files were NOT restored. Check the live tree.")
			}
		}
	}
	fmt.Fprintln(w, "The proposal is marked with deploy_error and will not be retried.")
}
