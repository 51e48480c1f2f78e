// Package server builds the chi router and runs the HTTP server shared by
// every service.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/middleware"
	"github.com/drfirst/go-hospital/internal/api/render"
	"github.com/drfirst/go-hospital/internal/observability/metrics"
)

const shutdownTimeout = 30 * time.Second

// Options configures NewRouter.
type Options struct {
	Service string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Ready reports whether the service can take traffic, typically a
	// store ping. Nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter returns a router with the common middleware and the /health,
// /ready and /metrics endpoints. Services mount their routes on it.
func NewRouter(opts Options) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(opts.Service))
	r.Use(middleware.Metrics(opts.Metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, http.StatusOK, map[string]string{"status": "ok", "service": opts.Service})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				render.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "service": opts.Service})
				return
			}
		}
		render.JSON(w, http.StatusOK, map[string]string{"status": "ready", "service": opts.Service})
	})
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	return r
}

// New wraps handler in an http.Server with the usual timeouts.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
