// Package report publishes application status after each reconciliation
// cycle: a status ConfigMap in the destination namespace, an HTTP
// notification to an external dashboard, a Kubernetes Event, and a log
// line. Reporters are independent; one failing does not stop the others.
package report

import (
	"context"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/piercuta/gyre/pkg/types"
)

// Reporter publishes one application's status after a cycle finishes.
type Reporter interface {
	Report(ctx context.Context, status types.AppStatus) error
}

// Fanout dispatches to every configured reporter. Failures are logged per
// reporter and do not short-circuit the rest.
type Fanout struct {
	Reporters []Reporter
}

func (f *Fanout) Report(ctx context.Context, status types.AppStatus) error {
	log := logf.FromContext(ctx).WithName("report")
	for _, r := range f.Reporters {
		if err := r.Report(ctx, status); err != nil {
			log.Error(err, "reporter failed", "app", status.Name)
		}
	}
	return nil
}

// LogReporter writes a one-line cycle summary to the structured log.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, status types.AppStatus) error {
	log := logf.FromContext(ctx).WithName("report")
	cycle := status.LastCycle
	if cycle == nil {
		return nil
	}
	kv := []any{
		"app", status.Name,
		"cycle", cycle.ID,
		"trigger", cycle.Trigger,
		"state", cycle.State,
		"revision", cycle.Revision,
		"operations", len(cycle.Results),
		"duration", cycle.FinishedAt.Sub(cycle.StartedAt.Time).String(),
	}
	if cycle.Reason != "" {
		kv = append(kv, "reason", cycle.Reason)
	}
	if cycle.StaleSnapshot {
		kv = append(kv, "staleSnapshot", true)
	}
	log.Info("cycle finished", kv...)
	return nil
}
