package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/piercuta/gyre/pkg/types"
)

// Notifier POSTs cycle summaries to an external dashboard endpoint.
type Notifier struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client

	// retryDelay scales the pause between attempts. Zero means 2s.
	retryDelay time.Duration
}

// NewNotifier creates a notifier for the given endpoint, e.g.
// "https://dashboard.piercuta.com/api/v1/notifications".
func NewNotifier(endpoint, apiKey string) *Notifier {
	return &Notifier{
		Endpoint: endpoint,
		APIKey:   apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// notification is the wire payload. Flat fields so the dashboard does not
// need the engine's type definitions.
type notification struct {
	App        string `json:"app"`
	CycleID    int64  `json:"cycleId"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	Revision   string `json:"revision,omitempty"`
	Trigger    string `json:"trigger"`
	Operations int    `json:"operations"`
	Failed     int    `json:"failed"`
	FinishedAt string `json:"finishedAt"`
}

// Report sends the latest cycle with retries. Transient endpoint failures
// surface as an error after the last attempt.
func (n *Notifier) Report(ctx context.Context, status types.AppStatus) error {
	cycle := status.LastCycle
	if cycle == nil {
		return nil
	}

	failed := 0
	for _, res := range cycle.Results {
		if res.Outcome == types.OutcomeFailed {
			failed++
		}
	}

	payload := notification{
		App:        status.Name,
		CycleID:    cycle.ID,
		State:      string(cycle.State),
		Reason:     cycle.Reason,
		Message:    cycle.Message,
		Revision:   cycle.Revision,
		Trigger:    string(cycle.Trigger),
		Operations: len(cycle.Results),
		Failed:     failed,
		FinishedAt: cycle.FinishedAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	delay := n.retryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var lastErr error
	for attempt := range 3 {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		n.setAuth(req)

		resp, err := n.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("notifying %s after 3 attempts: %w", n.Endpoint, lastErr)
}

func (n *Notifier) setAuth(req *http.Request) {
	if n.APIKey != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(n.APIKey))
	}
}
