package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pbparthas/scriptlock/internal/api"
	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/metrics"
	"github.com/pbparthas/scriptlock/internal/sweep"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the sweeper",
	Long: `Serve the lock API over HTTP, sweep expired leases in the background and
deliver events to the configured backends.

Endpoints:
  POST   /v1/locks                     acquire
  GET    /v1/locks?project=            list active leases
  DELETE /v1/locks/:id                 release
  POST   /v1/locks/:id/extend          extend
  GET    /v1/resource?id=              check a resource
  GET    /v1/resource/history?id=      lease history
  POST   /v1/resource/force-release    force-release (admin token)
  GET    /v1/expiring?within=          leases about to expire
  POST   /v1/cleanup                   release expired leases
  GET    /healthz                      liveness
  GET    /metrics                      Prometheus metrics

Force-release is disabled unless http.admin-token is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("admin-token", "", "bearer token required for force-release")
	serveCmd.Flags().Bool("trace", false, "export spans to stdout")
	serveCmd.Flags().Bool("no-sweep", false, "do not run the background sweeper")

	viper.BindPFlag("http.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("http.admin-token", serveCmd.Flags().Lookup("admin-token"))
	viper.BindPFlag("trace", serveCmd.Flags().Lookup("trace"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Trace {
		shutdown, err := initTracing()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	server := api.NewServer(a.manager, api.Options{
		Addr:       a.cfg.HTTP.Addr,
		AdminToken: a.cfg.HTTP.AdminToken,
		Logger:     a.logger,
		Gatherer:   reg,
	})
	if a.cfg.HTTP.AdminToken == "" {
		a.logger.Warn("http.admin-token not set, force-release is disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})

	noSweep, _ := cmd.Flags().GetBool("no-sweep")
	if !noSweep {
		guard, err := sweep.AcquireGuard(a.cfg.DataDir)
		switch {
		case errors.Is(err, apperrors.ErrSweeperRunning):
			a.logger.Warn("sweeper already running for data dir, serving without it", "data_dir", a.cfg.DataDir, "error", err)
		case err != nil:
			return err
		default:
			defer guard.Release()

			runner := sweep.NewRunner(a.manager, a.dispatcher, a.logger, sweep.Config{
				Interval:      a.cfg.Sweep.Interval,
				WarnThreshold: a.cfg.Sweep.WarnThreshold,
			})
			g.Go(func() error {
				return runner.Run(gctx)
			})
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving scriptlock API on %s (store: %s)\n", a.cfg.HTTP.Addr, a.cfg.Store.Driver)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

// initTracing installs a stdout span exporter as the global tracer provider.
func initTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
