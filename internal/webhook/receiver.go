// Package webhook receives refresh signals from git hosting and CD tooling
// and forwards them to the scheduler.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	maxPayloadBytes = 1 << 20 // 1 MiB

	// SourceGeneric is the source identifier for generic webhook payloads.
	SourceGeneric = "generic"
)

// Refresher accepts refresh signals for named applications. Implemented by
// the scheduler. Returns false when the application is unknown.
type Refresher interface {
	Refresh(app, revision, source string) bool
}

// Receiver is an HTTP server that turns webhook deliveries into refresh
// triggers. A shared-secret HMAC guards it when Secret is set.
type Receiver struct {
	Scheduler Refresher
	Secret    string
	Addr      string

	// Requests counts deliveries by source and status code. Optional.
	Requests *prometheus.CounterVec
}

// Start starts the webhook HTTP server. Blocks until ctx is cancelled.
func (rv *Receiver) Start(ctx context.Context) error {
	log := logf.FromContext(ctx).WithName("webhook")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /refresh/{app}", rv.handleRefresh)

	server := &http.Server{
		Addr:              rv.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("starting webhook receiver", "addr", rv.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server error: %w", err)
	}
	return nil
}

func (rv *Receiver) handleRefresh(w http.ResponseWriter, r *http.Request) {
	log := logf.FromContext(r.Context()).WithName("webhook")

	app := r.PathValue("app")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		log.Error(err, "failed to read request body")
		rv.count(SourceGeneric, http.StatusBadRequest)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Validate HMAC before the application lookup so unauthenticated
	// callers cannot enumerate configured applications.
	if rv.Secret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if err := ValidateHMAC(body, signature, rv.Secret); err != nil {
			rv.count(SourceGeneric, http.StatusUnauthorized)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// The revision hint is optional: a delivery with no recognizable
	// payload still triggers a refresh at the configured revision.
	revision, source := parsePayload(body)

	if !rv.Scheduler.Refresh(app, revision, source) {
		log.Info("refresh for unknown application", "app", app)
		rv.count(source, http.StatusNotFound)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	log.Info("refresh accepted", "app", app, "revision", revision, "source", source)
	rv.count(source, http.StatusAccepted)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"app":      app,
		"revision": revision,
	})
}

// parsePayload auto-detects the payload format and extracts the revision
// hint. Returns (revision, source) where source identifies the detected
// format.
func parsePayload(body []byte) (string, string) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", SourceGeneric
	}

	// 1. GitHub push: { "ref": "refs/heads/main", "after": "<sha>" }
	if after, ok := raw["after"].(string); ok && after != "" {
		if _, hasRef := raw["ref"].(string); hasRef {
			return after, "github-push"
		}
	}

	// 2. GitHub release: { "action": "published", "release": { "tag_name": "2.0.0" } }
	if release, ok := raw["release"].(map[string]any); ok {
		if tag, ok := release["tag_name"].(string); ok && tag != "" {
			return tag, "github-release"
		}
	}

	// 3. Generic: { "revision": "2.0.0" }
	if revision, ok := raw["revision"].(string); ok && revision != "" {
		return revision, SourceGeneric
	}

	return "", SourceGeneric
}

func (rv *Receiver) count(source string, code int) {
	if rv.Requests == nil {
		return
	}
	rv.Requests.WithLabelValues(source, strconv.Itoa(code)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
