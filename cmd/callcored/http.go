package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callcore/internal/health"
	"callcore/internal/observe"
)

const shutdownTimeout = 3 * time.Second

// newHTTPHandler builds the daemon HTTP surface: the state WebSocket, the
// probes and, when enabled, the Prometheus scrape endpoint.
func newHTTPHandler(d *daemon, hub *Hub) http.Handler {
	mux := http.NewServeMux()

	NewStateServer(d.log, hub, d.snapshot).Register(mux, "/ws/state")

	health.New(
		health.CheckFunc("daemon", d.ready),
	).Register(mux)

	if d.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return observe.Middleware(d.metrics, d.log)(mux)
}

// runHTTPServer serves handler on port until ctx is canceled, then shuts
// down gracefully.
func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("HTTP listen: %w", err)
	}
	return serveHTTP(ctx, ln, handler, logger)
}

func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	logger.Info("http server listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		// Serve returns http.ErrServerClosed on Shutdown.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
