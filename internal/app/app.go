// Package app wires configuration into a running dispatch stack: the event
// bus with its audit and analytics subscribers, and the command bus with
// rate-limit and authorization middleware.
package app

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/polis-dispatch/internal/governance"
	"github.com/polisai/polis-dispatch/pkg/audit"
	"github.com/polisai/polis-dispatch/pkg/commandbus"
	"github.com/polisai/polis-dispatch/pkg/config"
	"github.com/polisai/polis-dispatch/pkg/eventbus"
	"github.com/polisai/polis-dispatch/pkg/policy"
	"github.com/polisai/polis-dispatch/pkg/recovery"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

// DefaultPolicy restricts DeleteUser to the admin role. It is loaded when
// policy is enabled without modules of its own.
//
//go:embed authz.rego
var DefaultPolicy string

// Options supplements configuration with process-level hooks.
type Options struct {
	// Roles resolves the caller's roles for authorization.
	Roles func(commandbus.Metadata) []string
	// PolicyModules overrides the modules named in configuration.
	PolicyModules map[string]string
}

// App is an assembled dispatch stack.
type App struct {
	Config   *config.Config
	Events   *eventbus.Bus
	Commands *commandbus.Bus
	Audit    *audit.Subscriber
	Metrics  *telemetry.Metrics
	Limiter  *governance.RateLimiter
	Policy   *policy.Engine

	logger *slog.Logger
}

// New builds the stack described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:  cfg,
		Metrics: telemetry.NewMetrics(),
		logger:  logger,
	}

	a.Events = eventbus.New(eventbus.Config{
		Mode:            eventbus.Mode(cfg.EventBus.Mode),
		MaxRetries:      cfg.EventBus.MaxRetries,
		RetryDelay:      cfg.EventBus.RetryDelay,
		CausationWindow: cfg.EventBus.CausationWindow,
		Logger:          logger,
		OnError: func(herr *eventbus.HandlerError) {
			logger.Error("event handler failed permanently",
				slog.String("event_type", herr.Event.Type),
				slog.String("subscriber", herr.Subscriber),
				slog.Int("attempts", herr.Attempts),
				slog.Any("error", herr.Err),
			)
		},
	})

	if _, err := telemetry.NewAnalytics(a.Metrics, logger).Attach(a.Events); err != nil {
		return nil, fmt.Errorf("attach analytics: %w", err)
	}

	if cfg.Audit.Enabled {
		sub, err := newAuditSubscriber(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if _, err := sub.Attach(a.Events); err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("attach audit: %w", err)
		}
		a.Audit = sub
	}

	var middleware []commandbus.Middleware
	a.Limiter = governance.NewRateLimiter(cfg.RateLimits)
	middleware = append(middleware, commandbus.RateLimitMiddleware(a.Limiter))

	if cfg.Policy.Enabled {
		engine, err := newPolicyEngine(ctx, cfg.Policy, opts.PolicyModules, logger)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.Policy = engine
		middleware = append(middleware,
			commandbus.PolicyMiddleware(engine, cfg.Policy.Postures(), opts.Roles, logger))
	}

	a.Commands = commandbus.New(commandbus.Config{
		HistorySize:     cfg.CommandBus.HistorySize,
		SensitiveFields: cfg.CommandBus.SensitiveFields,
		Publisher:       a.Events,
		Middleware:      middleware,
		Redaction:       cfg.Telemetry.Redaction,
		ExposeInternal:  cfg.Errors.ExposeInternal,
		DefaultLocale:   cfg.Errors.DefaultLocale,
		Logger:          logger,
	})

	return a, nil
}

func newAuditSubscriber(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*audit.Subscriber, error) {
	var store audit.Store
	switch cfg.Audit.Store {
	case config.AuditStoreSQLite:
		sqliteStore, err := audit.OpenSQLite(ctx, cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		store = sqliteStore
	default:
		store = audit.NewMemoryStore(0)
	}

	retry := cfg.Recovery.Retry
	return audit.NewSubscriber(audit.Config{
		Store: store,
		Retry: recovery.RetryConfig{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay,
			Backoff:     retry.Backoff,
			MaxDelay:    retry.MaxDelay,
		},
		BreakerThreshold: cfg.Recovery.CircuitBreaker.Threshold,
		BreakerTimeout:   cfg.Recovery.CircuitBreaker.Timeout,
		Logger:           logger,
	}), nil
}

func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, modules map[string]string, logger *slog.Logger) (*policy.Engine, error) {
	if len(modules) == 0 && len(cfg.Modules) > 0 {
		loaded, err := policy.LoadModuleFiles(cfg.Modules...)
		if err != nil {
			return nil, fmt.Errorf("load policy modules: %w", err)
		}
		modules = loaded
	}
	if len(modules) == 0 {
		modules = map[string]string{"authz.rego": DefaultPolicy}
	}

	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      cfg.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.CacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create policy engine: %w", err)
	}
	return engine, nil
}

// Apply hot-swaps the settings that can change without a rebuild: rate
// limits. Other sections take effect on restart.
func (a *App) Apply(cfg *config.Config) {
	a.Limiter.Configure(cfg.RateLimits)
	a.Metrics.RecordConfigReload("success")
	a.logger.Info("configuration applied", slog.Int("rate_limits", len(cfg.RateLimits)))
}

// Handler serves /metrics and /healthz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx ends.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving metrics", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close drains the event bus and releases stores and the policy engine.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Events != nil {
		errs = append(errs, a.Events.Close(ctx))
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.Policy != nil {
		errs = append(errs, a.Policy.Close(ctx))
	}
	return errors.Join(errs...)
}
