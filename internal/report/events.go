package report

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"

	"github.com/piercuta/gyre/pkg/types"
)

// EventReporter emits a Kubernetes Event per finished cycle, attached to
// the application's status ConfigMap so it shows up next to the status in
// kubectl describe.
type EventReporter struct {
	Recorder  record.EventRecorder
	Namespace string
}

func (r *EventReporter) Report(_ context.Context, status types.AppStatus) error {
	if r.Recorder == nil {
		return nil
	}
	cycle := status.LastCycle
	if cycle == nil {
		return nil
	}

	ref := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      StatusConfigMapName(status.Name),
			Namespace: r.Namespace,
		},
	}

	eventType := corev1.EventTypeNormal
	if cycle.State == types.StateDegraded || cycle.State == types.StateError {
		eventType = corev1.EventTypeWarning
	}

	message := fmt.Sprintf("cycle %d finished %s", cycle.ID, cycle.State)
	if cycle.Revision != "" {
		message += fmt.Sprintf(" at %s", cycle.Revision)
	}
	if cycle.Message != "" {
		message += ": " + cycle.Message
	}

	r.Recorder.Event(ref, eventType, "Cycle"+string(cycle.State), message)
	return nil
}
