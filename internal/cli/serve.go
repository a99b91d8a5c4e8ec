package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/changegate/internal/config"
	"github.com/ppiankov/changegate/internal/inbox"
	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/server"
)

var (
	serveAddr        string
	serveMetricsAddr string
	serveNoInbox     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "gRPC listen address (default from config, 127.0.0.1:7443)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address")
	serveCmd.Flags().BoolVar(&serveNoInbox, "no-inbox", false, "Don't watch the inbox directory")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline as a long-lived server",
	Long: "Serves changegate.v1.Pipeline over gRPC and turns recommendation files dropped\n" +
		"into the inbox directory into proposals. The pattern corpus and protected file\n" +
		"list are hot-reloaded when their files change.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.GRPC.Addr = serveAddr
	}
	if serveMetricsAddr != "" {
		cfg.Metrics.Addr = serveMetricsAddr
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.New(server.Config{Addr: cfg.GRPC.Addr, Pipeline: a.svc, Logger: a.log})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var watcher *inbox.Watcher
	if !serveNoInbox {
		proc, err := inbox.NewProcessor(cfg.InboxDir(), a.svc, a.log)
		if err != nil {
			return err
		}
		watcher = inbox.NewWatcher(proc, inbox.Options{Workers: cfg.Inbox.Workers, QueueSize: cfg.Inbox.QueueSize})
		fmt.Fprintf(os.Stderr, "Inbox: %s\n", proc.Dir())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "\nShutting down changegate server...")
		srv.GracefulStop()
		return nil
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		hs := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return hs.Shutdown(sctx)
		})
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	reloader, err := config.NewReloader(map[string]config.ReloadFunc{
		cfg.Gate.CorpusFile: config.CorpusReloader(a.gate.Input()),
		cfg.Protect.File:    config.ProtectReloader(a.rules),
	}, a.log)
	if err != nil {
		a.log.Warn("hot-reload disabled", zap.Error(err))
	} else {
		g.Go(func() error { return reloader.Run(gctx) })
		for _, p := range reloader.Watched() {
			fmt.Fprintf(os.Stderr, "Watching %s (hot-reload enabled)\n", p)
		}
	}

	fmt.Fprintf(os.Stderr, "changegate server listening on %s\n", cfg.GRPC.Addr)
	if cfg.Metrics.Addr != "" {
		fmt.Fprintf(os.Stderr, "Metrics on http://%s/metrics\n", cfg.Metrics.Addr)
	}
	fmt.Fprintln(os.Stderr)

	return g.Wait()
}
