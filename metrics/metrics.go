// Package metrics serves the process Prometheus registry on its own
// listener, separate from the operator API.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer owns an isolated Prometheus registry and the HTTP server
// exposing it. Domain collectors register through Registry.
type MetricsServer struct {
	registry *prometheus.Registry
	srv      *http.Server
}

// New builds a metrics server for the named service listening on addr. The
// registry starts with the standard Go and process collectors; the service
// name becomes the process metric namespace.
func New(name, addr string) (*MetricsServer, error) {
	namespace := strings.ReplaceAll(name, "-", "_")

	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace})); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		registry: registry,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Registry returns the server's registry for collector registration.
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}

// ListenAndServe blocks serving the /metrics endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops the metrics listener gracefully.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
