package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vkazmirchuk/voxalign/internal/health"
	"github.com/vkazmirchuk/voxalign/internal/observe"
)

// telemetryShutdownTimeout bounds the drain of in-flight scrapes once
// the serve context is cancelled.
const telemetryShutdownTimeout = 5 * time.Second

// TelemetryHandler builds the HTTP surface for batch runs: the
// Prometheus scrape endpoint plus liveness and readiness probes, all
// wrapped in the request-duration middleware. Readiness covers the
// archive connection when one is configured.
func (a *App) TelemetryHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	var checkers []health.Checker
	if a.archiver != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.archiver.Ping})
	}
	health.New(checkers...).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// ServeTelemetry serves [App.TelemetryHandler] on addr until ctx is
// cancelled, then drains in-flight requests. Intended to run alongside
// a batch; single-meeting runs don't need it.
func (a *App) ServeTelemetry(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.TelemetryHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: telemetry server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: telemetry shutdown: %w", err)
	}
	return nil
}
