package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/warmcache/internal/core/config"
	"github.com/mohammed-shakir/warmcache/internal/core/health"
	middleware "github.com/mohammed-shakir/warmcache/internal/core/middleware"
)

// Mounter adds a component's routes.
type Mounter interface {
	Routes(r chi.Router)
}

type Options struct {
	Metrics     http.Handler
	MetricsPath string
	Ready       http.HandlerFunc
	Mounts      []Mounter
}

// NewRouter builds the chi router with the probes, metrics and every mounted component.
func NewRouter(logger *slog.Logger, o Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	ready := o.Ready
	if ready == nil {
		ready = health.Readiness(0)
	}
	r.Get("/readyz", ready)
	if o.Metrics != nil {
		path := o.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, o.Metrics)
	}
	for _, m := range o.Mounts {
		m.Routes(r)
	}
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, o Options) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(logger, o),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// synchronous misses may wait on a full upstream retry cycle
		WriteTimeout: cfg.Upstream.Timeout*time.Duration(cfg.Upstream.Retries+1) + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
