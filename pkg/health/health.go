// Package health classifies live resources through a closed registry of
// kind-specific predicates. Kinds outside the registry are healthy once
// they exist.
package health

import (
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/piercuta/gyre/pkg/resource"
)

// Status classifies a live resource's health.
type Status string

const (
	// StatusHealthy — the resource reached its desired operating state.
	StatusHealthy Status = "Healthy"

	// StatusProgressing — the resource is converging and may still become
	// healthy without intervention.
	StatusProgressing Status = "Progressing"

	// StatusDegraded — the resource reported a failure it will not recover
	// from on its own.
	StatusDegraded Status = "Degraded"

	// StatusSuspended — the resource is deliberately not running (paused
	// deployment, suspended cron job).
	StatusSuspended Status = "Suspended"

	// StatusMissing — the resource is absent from live state.
	StatusMissing Status = "Missing"

	// StatusUnknown — health could not be determined.
	StatusUnknown Status = "Unknown"
)

// Settled reports whether a resource needs no further waiting: it is either
// healthy or deliberately suspended.
func (s Status) Settled() bool {
	return s == StatusHealthy || s == StatusSuspended
}

type groupKind struct {
	group string
	kind  string
}

// checks is the closed predicate registry, keyed by API group and kind.
var checks = map[groupKind]func(resource.Resource) Status{
	{"apps", "Deployment"}:           deploymentHealth,
	{"apps", "StatefulSet"}:          replicasHealth,
	{"apps", "ReplicaSet"}:           replicasHealth,
	{"apps", "DaemonSet"}:            daemonSetHealth,
	{"", "Pod"}:                      podHealth,
	{"", "Service"}:                  serviceHealth,
	{"", "PersistentVolumeClaim"}:    pvcHealth,
	{"batch", "Job"}:                 jobHealth,
	{"batch", "CronJob"}:             cronJobHealth,
	{"networking.k8s.io", "Ingress"}: ingressHealth,
}

// Check classifies one live resource.
func Check(r resource.Resource) Status {
	gvk := r.GroupVersionKind()
	if fn, ok := checks[groupKind{group: gvk.Group, kind: gvk.Kind}]; ok {
		return fn(r)
	}
	return StatusHealthy
}

func deploymentHealth(r resource.Resource) Status {
	if paused, _, _ := unstructured.NestedBool(r.Object, "spec", "paused"); paused {
		return StatusSuspended
	}
	if behindGeneration(r) {
		return StatusProgressing
	}
	for _, c := range conditions(r) {
		if c["type"] == string(appsv1.DeploymentProgressing) && c["reason"] == "ProgressDeadlineExceeded" {
			return StatusDegraded
		}
	}
	return replicasHealth(r)
}

// replicasHealth covers workloads whose status reports readyReplicas and
// updatedReplicas against spec.replicas.
func replicasHealth(r resource.Resource) Status {
	if behindGeneration(r) {
		return StatusProgressing
	}
	desired := desiredReplicas(r)
	ready, _, _ := unstructured.NestedInt64(r.Object, "status", "readyReplicas")
	updated, _, _ := unstructured.NestedInt64(r.Object, "status", "updatedReplicas")
	if ready >= desired && updated >= desired {
		return StatusHealthy
	}
	return StatusProgressing
}

func daemonSetHealth(r resource.Resource) Status {
	if behindGeneration(r) {
		return StatusProgressing
	}
	desired, _, _ := unstructured.NestedInt64(r.Object, "status", "desiredNumberScheduled")
	ready, _, _ := unstructured.NestedInt64(r.Object, "status", "numberReady")
	if ready >= desired {
		return StatusHealthy
	}
	return StatusProgressing
}

func podHealth(r resource.Resource) Status {
	phase, _, _ := unstructured.NestedString(r.Object, "status", "phase")
	switch corev1.PodPhase(phase) {
	case corev1.PodSucceeded:
		return StatusHealthy
	case corev1.PodFailed:
		return StatusDegraded
	case corev1.PodRunning:
		for _, c := range conditions(r) {
			if c["type"] == string(corev1.PodReady) && c["status"] == string(corev1.ConditionTrue) {
				return StatusHealthy
			}
		}
		return StatusProgressing
	default:
		return StatusProgressing
	}
}

func serviceHealth(r resource.Resource) Status {
	typ, _, _ := unstructured.NestedString(r.Object, "spec", "type")
	if corev1.ServiceType(typ) != corev1.ServiceTypeLoadBalancer {
		return StatusHealthy
	}
	return ingressHealth(r)
}

// ingressHealth waits for at least one load-balancer ingress point.
func ingressHealth(r resource.Resource) Status {
	points, _, _ := unstructured.NestedSlice(r.Object, "status", "loadBalancer", "ingress")
	if len(points) > 0 {
		return StatusHealthy
	}
	return StatusProgressing
}

func pvcHealth(r resource.Resource) Status {
	phase, _, _ := unstructured.NestedString(r.Object, "status", "phase")
	switch corev1.PersistentVolumeClaimPhase(phase) {
	case corev1.ClaimBound:
		return StatusHealthy
	case corev1.ClaimLost:
		return StatusDegraded
	default:
		return StatusProgressing
	}
}

func jobHealth(r resource.Resource) Status {
	for _, c := range conditions(r) {
		if c["status"] != string(corev1.ConditionTrue) {
			continue
		}
		switch c["type"] {
		case string(batchv1.JobComplete):
			return StatusHealthy
		case string(batchv1.JobFailed):
			return StatusDegraded
		}
	}
	return StatusProgressing
}

func cronJobHealth(r resource.Resource) Status {
	if suspended, _, _ := unstructured.NestedBool(r.Object, "spec", "suspend"); suspended {
		return StatusSuspended
	}
	return StatusHealthy
}

// behindGeneration reports whether the resource's controller has not yet
// observed the latest spec. A missing observedGeneration counts as behind
// since the controller has not written status at all.
func behindGeneration(r resource.Resource) bool {
	observed, found, _ := unstructured.NestedInt64(r.Object, "status", "observedGeneration")
	return !found || observed < r.GetGeneration()
}

// desiredReplicas reads spec.replicas, defaulting to 1 as the API server does.
func desiredReplicas(r resource.Resource) int64 {
	n, found, err := unstructured.NestedInt64(r.Object, "spec", "replicas")
	if !found || err != nil {
		return 1
	}
	return n
}

// conditions returns status.conditions entries as loosely-typed maps.
func conditions(r resource.Resource) []map[string]any {
	raw, found, err := unstructured.NestedSlice(r.Object, "status", "conditions")
	if !found || err != nil {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, c := range raw {
		if m, ok := c.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
