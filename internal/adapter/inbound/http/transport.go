package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport is the inbound HTTP adapter: it owns the listeners, the
// middleware chain and the route table, and delegates to the API handler.
type Transport struct {
	handler *Handler

	addr            string
	metricsAddr     string
	enableMetrics   bool
	maxInFlight     int
	adminKeyHash    string
	shutdownTimeout time.Duration
	registry        *prometheus.Registry
	healthChecker   *HealthChecker
	logger          *slog.Logger

	server        *http.Server
	metricsServer *http.Server
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the main listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithMetricsAddr serves /metrics on a dedicated listener. Empty means the
// main listener.
func WithMetricsAddr(addr string) Option {
	return func(t *Transport) { t.metricsAddr = addr }
}

// WithMetrics enables the Prometheus surface backed by the given registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(t *Transport) {
		t.enableMetrics = true
		t.registry = reg
	}
}

// WithMaxInFlight caps concurrently served requests; 0 disables the cap.
func WithMaxInFlight(n int) Option {
	return func(t *Transport) { t.maxInFlight = n }
}

// WithAdminKeyHash guards the mutating endpoints with an argon2id-hashed
// admin key. Empty disables auth.
func WithAdminKeyHash(hash string) Option {
	return func(t *Transport) { t.adminKeyHash = hash }
}

// WithHealthChecker sets the /health endpoint implementation.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) { t.healthChecker = hc }
}

// WithShutdownTimeout bounds graceful shutdown. Default 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) { t.shutdownTimeout = d }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport creates the HTTP transport around an API handler.
func NewTransport(handler *Handler, opts ...Option) *Transport {
	t := &Transport{
		handler:         handler,
		addr:            "127.0.0.1:8080",
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins serving and blocks until the context is cancelled or a
// listener fails.
func (t *Transport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	t.handler.routes(mux, AdminAuth(t.adminKeyHash))

	if t.healthChecker != nil {
		mux.Handle("GET /health", t.healthChecker.Handler())
	}

	var apiHandler http.Handler = mux
	apiHandler = InFlightLimiter(t.maxInFlight)(apiHandler)
	apiHandler = RequestIDMiddleware(t.logger)(apiHandler)

	if t.enableMetrics {
		if t.registry == nil {
			t.registry = prometheus.NewRegistry()
		}
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		apiHandler = MetricsMiddleware(newTransportMetrics(t.registry))(apiHandler)

		metricsHandler := promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
		if t.metricsAddr == "" {
			mux.Handle("GET /metrics", metricsHandler)
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("GET /metrics", metricsHandler)
			t.metricsServer = &http.Server{Addr: t.metricsAddr, Handler: metricsMux}
		}
	}

	t.server = &http.Server{Addr: t.addr, Handler: apiHandler}

	errCh := make(chan error, 2)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api listener failed: %w", err)
		}
	}()
	if t.metricsServer != nil {
		go func() {
			t.logger.Info("starting metrics server", "addr", t.metricsAddr)
			if err := t.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listener failed: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		_ = t.shutdown()
		return err
	}
}

// shutdown drains both listeners within the shutdown timeout.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
