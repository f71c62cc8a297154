package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/config"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/health"
	middleware "github.com/anandtrivedi/koop-provider-databricks/internal/core/middleware"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/router"
)

// NewHandler wires probes, metrics and the FeatureServer routes.
// Only peers in trusted may name the client through X-Forwarded-For.
func NewHandler(logger *slog.Logger, eng router.QueryEngine, trusted []netip.Prefix, checks ...health.Check) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.ClientIdentity(trusted))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, checks...))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Mount(r, logger, eng)
	return r
}

// Run serves until ctx is done, then drains in-flight requests.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, eng router.QueryEngine, checks ...health.Check) error {
	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(logger, eng, trusted, checks...),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// leaves room for one statement at the configured timeout
		WriteTimeout: cfg.Query.StatementTimeout + 15*time.Second,
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
