package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolgate/internal/app"
	"toolgate/internal/infra/catalog"
	"toolgate/internal/infra/credentials"
	"toolgate/internal/infra/telemetry"
)

type serveOptions struct {
	configPath string
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := serveOptions{
		configPath: "toolgate.yaml",
	}

	root := &cobra.Command{
		Use:   "toolgate",
		Short: "Tool orchestrator over stdio connectors",
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to catalog config file")

	root.AddCommand(
		newServeCmd(logger, &opts),
		newValidateCmd(logger, &opts),
	)

	return root
}

func newServeCmd(logger *zap.Logger, opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			provider, err := catalog.NewProvider(ctx, opts.configPath, logger)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			metrics := telemetry.NewPrometheusMetrics(registry)

			engine, err := app.NewEngine(ctx, app.Options{
				Catalog:     provider,
				Credentials: credentials.NewEnv("", requiredFields(provider)),
				Logger:      logger,
				Metrics:     metrics,
			})
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()
				engine.Close(stopCtx)
			}()

			return telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
				Addr:     provider.Snapshot().Runtime.Observability.ListenAddress,
				Registry: registry,
				Snapshot: engine.HealthSnapshot,
			}, logger)
		},
	}

	return cmd
}

func newValidateCmd(logger *zap.Logger, opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate catalog configuration without launching connectors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := catalog.NewLoader(logger).Load(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(loaded.Connectors))
			for id := range loaded.Connectors {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d connectors)\n", opts.configPath, len(ids))
			for _, id := range ids {
				desc := loaded.Connectors[id]
				state := "enabled"
				if desc.Disabled {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s, %d read-only tools)\n", id, state, len(desc.ReadOnlyTools))
			}
			return nil
		},
	}

	return cmd
}

// requiredFields resolves a connector's credential field names against
// the live catalog so hot reloads change the env lookup too.
func requiredFields(provider *catalog.Provider) func(connectorID string) []string {
	return func(connectorID string) []string {
		return provider.Snapshot().Connectors[connectorID].RequiredFields
	}
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
