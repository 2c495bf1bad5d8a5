// Package server hosts the engine's HTTP surfaces: liveness and readiness
// probes, the Prometheus endpoint, and the read-only status API. Each runs
// on its own listener so probe traffic and scrape traffic never contend
// with API consumers.
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// HealthServer exposes /healthz and /readyz endpoints.
type HealthServer struct {
	ready  atomic.Bool
	server *http.Server
}

// NewHealthServer creates a health server on the given address (e.g., ":8081").
func NewHealthServer(addr string) *HealthServer {
	hs := &HealthServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hs.handleHealthz)
	mux.HandleFunc("/readyz", hs.handleReadyz)

	hs.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return hs
}

// MarkReady signals that every application has finished its first cycle.
func (hs *HealthServer) MarkReady() {
	hs.ready.Store(true)
}

// Start begins serving health endpoints. Blocks until ctx is cancelled.
func (hs *HealthServer) Start(ctx context.Context) {
	log := logf.FromContext(ctx).WithName("health")

	go func() {
		<-ctx.Done()
		_ = hs.server.Close()
	}()

	log.Info("health server starting", "addr", hs.server.Addr)
	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "health server error")
	}
}

func (hs *HealthServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (hs *HealthServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if hs.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	}
}

// MetricsServer serves the /metrics endpoint on a dedicated port.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server on the given address (e.g., ":8084").
func NewMetricsServer(addr string, handler http.Handler) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start begins serving metrics. Blocks until ctx is cancelled.
func (ms *MetricsServer) Start(ctx context.Context) {
	log := logf.FromContext(ctx).WithName("metrics")

	go func() {
		<-ctx.Done()
		_ = ms.server.Close()
	}()

	log.Info("metrics server starting", "addr", ms.server.Addr)
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "metrics server error")
	}
}
