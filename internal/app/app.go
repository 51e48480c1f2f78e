// Package app holds the start-up sequence shared by the service binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/server"
	"github.com/drfirst/go-hospital/internal/config"
	"github.com/drfirst/go-hospital/internal/infrastructure/database"
	"github.com/drfirst/go-hospital/internal/logging"
	"github.com/drfirst/go-hospital/internal/observability/metrics"
	"github.com/drfirst/go-hospital/internal/observability/tracing"
)

// Runtime is the process-wide state of one service.
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	DB      *database.DB

	tracer *tracing.Provider
	checks []func(context.Context) error
}

// Start loads the configuration, then sets up logging, tracing and metrics,
// opens the store and applies schema.
func Start(ctx context.Context, service, envFile string, schema []string) (*Runtime, error) {
	cfg, err := config.Load(service, envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(service, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tp, err := tracing.Init(ctx, tracing.DefaultConfig(service, cfg.OTLPEndpoint))
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		tp = nil
	}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, schema...); err != nil {
		db.Close()
		_ = logger.Sync()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready",
		zap.String("dialect", string(db.Dialect())),
		zap.Bool("tracing", tp.Enabled()))

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(service),
		DB:      db,
		tracer:  tp,
	}, nil
}

// Serve mounts routes under / on the shared router and serves until ctx is
// cancelled.
func (rt *Runtime) Serve(ctx context.Context, routes http.Handler) error {
	r := server.NewRouter(server.Options{
		Service: rt.Config.Service,
		Logger:  rt.Logger,
		Metrics: rt.Metrics,
		Ready:   rt.ready,
	})
	r.Mount("/", routes)
	return server.Run(ctx, server.New(rt.Config.Addr(), r), rt.Logger)
}

// AddReadyCheck makes /ready also depend on check.
func (rt *Runtime) AddReadyCheck(check func(context.Context) error) {
	rt.checks = append(rt.checks, check)
}

func (rt *Runtime) ready(ctx context.Context) error {
	if err := rt.DB.PingContext(ctx); err != nil {
		return err
	}
	for _, check := range rt.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the store and flushes telemetry.
func (rt *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tracer.Shutdown(ctx); err != nil {
		rt.Logger.Warn("tracer shutdown", zap.Error(err))
	}
	if err := rt.DB.Close(); err != nil {
		rt.Logger.Warn("database close", zap.Error(err))
	}
	_ = rt.Logger.Sync()
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// RootCommand builds the cobra root for a service. Running it without a
// subcommand calls serve.
func RootCommand(service, short string, serve func(ctx context.Context, envFile string) error) (*cobra.Command, *string) {
	envFile := new(string)
	root := &cobra.Command{
		Use:           service,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *envFile)
		},
	}
	root.PersistentFlags().StringVar(envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *envFile)
		},
	})
	return root, envFile
}

// MigrateCommand applies schema and exits.
func MigrateCommand(service string, envFile *string, schema []string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the service tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := Start(cmd.Context(), service, *envFile, schema)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.Logger.Info("schema applied")
			return nil
		},
	}
}

// Execute runs root under a signal-aware context and exits non-zero on
// error.
func Execute(root *cobra.Command) {
	ctx, stop := SignalContext(context.Background())
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
