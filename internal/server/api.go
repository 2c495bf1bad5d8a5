package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/piercuta/gyre/pkg/types"
)

// StatusSource answers status queries. Implemented by the scheduler.
type StatusSource interface {
	// Applications returns every application's status, sorted by name.
	Applications() []types.AppStatus

	// Application returns one application's status.
	Application(name string) (types.AppStatus, bool)
}

// StatusServer serves the read-only status API.
type StatusServer struct {
	server *http.Server
}

// NewStatusServer creates the status API server on the given address
// (e.g., ":8080").
func NewStatusServer(addr string, source StatusSource) *StatusServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/applications", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"applications": source.Applications(),
		})
	})
	mux.HandleFunc("GET /api/v1/applications/{name}", func(w http.ResponseWriter, r *http.Request) {
		status, ok := source.Application(r.PathValue("name"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": "application not found",
			})
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	return &StatusServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving the status API. Blocks until ctx is cancelled.
func (ss *StatusServer) Start(ctx context.Context) {
	log := logf.FromContext(ctx).WithName("status-api")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ss.server.Shutdown(shutdownCtx)
	}()

	log.Info("status API starting", "addr", ss.server.Addr)
	if err := ss.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "status API error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
