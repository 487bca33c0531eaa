package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"cyrange/internal/metrics"
)

// metricsHandler serves the Prometheus registry on /metrics and a liveness
// probe on /healthz.
func metricsHandler(m *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// serveMetrics listens on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, m *metrics.Collector) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	return serveMetricsOn(ctx, ln, m)
}

func serveMetricsOn(ctx context.Context, ln net.Listener, m *metrics.Collector) error {
	log := slog.With("component", "metrics", "addr", ln.Addr().String())
	srv := &http.Server{
		Handler:           metricsHandler(m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown metrics server", "err", err)
		}
	}()

	log.Info("metrics listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
