package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-dispatch/internal/app"
	"github.com/polisai/polis-dispatch/internal/demo"
	"github.com/polisai/polis-dispatch/pkg/config"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

func newDemoCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the end-to-end dispatch scenarios",
		Long: `Runs undo/redo, retry, circuit breaker, priority delivery and a
registration flow against the configured stack. With --metrics-addr the
Prometheus endpoint stays up until interrupted and the config file is
watched for rate-limit changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if metricsAddr == "" {
				metricsAddr = cfg.Telemetry.MetricsAddress
			}
			return runDemo(cmd, opts.configPath, cfg, logger, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address after the run")
	return cmd
}

func runDemo(cmd *cobra.Command, configPath string, cfg *config.Config, logger *slog.Logger, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", slog.String("error", err.Error()))
		}
	}()

	stack, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stack.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	results := demo.Run(ctx, logger, demo.Scenarios(stack)...)
	failed := printResults(cmd, results)

	if metricsAddr != "" {
		if configPath != "" {
			loader, err := config.NewLoader(configPath, logger)
			if err != nil {
				return err
			}
			if _, err := loader.Load(); err != nil {
				return err
			}
			if err := loader.Watch(stack.Apply); err != nil {
				return err
			}
			defer loader.Close()
		}
		if err := stack.Serve(ctx, metricsAddr); err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}

func printResults(cmd *cobra.Command, results []demo.Result) int {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	failed := 0
	_, _ = fmt.Fprintln(w, "SCENARIO\tRESULT\tTOOK\tDETAIL")
	for _, r := range results {
		status := "pass"
		if !r.Passed {
			status = "FAIL"
			failed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, status, r.Took.Round(time.Millisecond), r.Detail)
	}
	return failed
}
