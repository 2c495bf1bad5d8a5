package report

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ktypes "k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/piercuta/gyre/pkg/resource"
	"github.com/piercuta/gyre/pkg/types"
)

// StatusConfigMapName returns the status ConfigMap name for an application.
func StatusConfigMapName(app string) string {
	return fmt.Sprintf("gyre-status-%s", app)
}

// ConfigMapReporter writes each application's status into a ConfigMap in the
// destination namespace, where it can be read without access to the engine.
type ConfigMapReporter struct {
	Client    client.Client
	Namespace string
}

// Report writes the status ConfigMap. Uses optimistic concurrency with
// retry on conflict.
func (r *ConfigMapReporter) Report(ctx context.Context, status types.AppStatus) error {
	cmName := StatusConfigMapName(status.Name)
	key := ktypes.NamespacedName{Name: cmName, Namespace: r.Namespace}

	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	data := map[string]string{
		"status": string(statusJSON),
	}
	// Duplicated as plain keys so kubectl get cm -o jsonpath stays usable.
	if status.LastCycle != nil {
		data["state"] = string(status.LastCycle.State)
		data["revision"] = status.LastCycle.Revision
	}

	for range 3 {
		cm := &corev1.ConfigMap{}
		err := r.Client.Get(ctx, key, cm)

		if apierrors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      cmName,
					Namespace: r.Namespace,
					Labels: map[string]string{
						"app.kubernetes.io/managed-by": "gyre",
						resource.LabelApplication:      status.Name,
					},
				},
				Data: data,
			}
			if createErr := r.Client.Create(ctx, cm); createErr != nil {
				if apierrors.IsAlreadyExists(createErr) {
					continue // retry — another writer created it first
				}
				return fmt.Errorf("creating status ConfigMap: %w", createErr)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("getting status ConfigMap: %w", err)
		}

		if cm.Data == nil {
			cm.Data = make(map[string]string)
		}
		for k, v := range data {
			cm.Data[k] = v
		}

		if updateErr := r.Client.Update(ctx, cm); updateErr != nil {
			if apierrors.IsConflict(updateErr) {
				continue // retry with fresh resourceVersion
			}
			return fmt.Errorf("updating status ConfigMap: %w", updateErr)
		}
		return nil
	}

	return fmt.Errorf("failed to write status after 3 retries")
}
