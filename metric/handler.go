package metric

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
)

// Server serves the Prometheus metrics endpoint plus the process health
// endpoint. The health handler is injected so the health monitor owns
// the verdict.
type Server struct {
	port          int
	path          string
	healthHandler http.Handler
	registry      *MetricsRegistry

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a metrics server on the given port. An empty path
// defaults to /metrics.
func NewServer(port int, path string, registry *MetricsRegistry, healthHandler http.Handler) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}
	return &Server{
		port:          port,
		path:          path,
		registry:      registry,
		healthHandler: healthHandler,
	}
}

// Start runs the HTTP server until Stop is called. Blocking.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"metric", "Server.Start", "duplicate start")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"metric", "Server.Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	if s.healthHandler != nil {
		mux.Handle("/healthz", s.healthHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "metric", "Server.Start",
			fmt.Sprintf("serve on port %d", s.port))
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "metric", "Server.Stop", "shutdown")
	}
	return nil
}

// Address returns the metrics endpoint URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
