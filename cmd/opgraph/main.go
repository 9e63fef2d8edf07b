// Package main is the entry point for the opgraph server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/app"
	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "opgraph",
		Short:        "Serve typed operations composed from GraphQL, REST, Redis and PostgreSQL data sources",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	root.AddCommand(
		newServeCommand(&configPath),
		newOperationsCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	observability.Version = version
	observability.Commit = commit
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "opgraph", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	a, err := app.New(ctx, cfg, app.Options{Logger: logger, Operations: operations})
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	logger.Info("starting",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("port", cfg.Server.Port),
	)
	serveErr := a.Serve(ctx)
	if serveErr != nil {
		logger.Error("server error", zap.Error(serveErr))
	}

	if err := tracingShutdown(context.Background()); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return serveErr
}

func newOperationsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "Validate the configuration and list the registered operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := app.New(ctx, cfg, app.Options{
				Operations: operations,
				Registerer: prometheus.NewRegistry(),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tVISIBILITY\tAUTH\tHASH")
			for _, d := range a.Registry.All() {
				visibility := "public"
				if d.Internal() {
					visibility = "internal"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.Name(), d.Kind(), visibility, d.RequiresAuthentication(), d.Hash())
			}
			fmt.Fprintf(w, "\nchecksum %s\n", a.Registry.Checksum())
			return w.Flush()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opgraph %s (%s)\n", version, commit)
		},
	}
}
