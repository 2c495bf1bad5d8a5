package types

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SyncPolicy governs how differences between desired and live state are
// turned into operations for one application.
type SyncPolicy struct {
	// Automated executes planned operations without an explicit sync
	// request. When false, cycles still observe and diff; pending
	// operations are reported and held.
	Automated bool `json:"automated"`

	// Prune allows deletion of owned live resources that left desired
	// state. When false those become Skipped(pruneDisabled) results.
	Prune bool `json:"prune"`

	// SelfHeal treats live drift on managed fields as an ordinary update.
	// When false, drift is reported as Skipped(selfHealDisabled).
	SelfHeal bool `json:"selfHeal"`

	// PruneLast sequences prunes after creates and updates of the same
	// wave. False lets them run mixed with the rest of the wave.
	PruneLast bool `json:"pruneLast"`

	// SyncWaveDefault is the wave assigned to resources without a wave
	// annotation.
	SyncWaveDefault int `json:"syncWaveDefault"`

	// Retry bounds per-operation retries on rejected writes.
	Retry RetryPolicy `json:"retry"`

	// HealthTimeout bounds the per-wave wait for affected resources to
	// settle before the cycle is marked Degraded.
	HealthTimeout metav1.Duration `json:"healthTimeout"`
}

// RetryPolicy is an exponential backoff bound.
type RetryPolicy struct {
	// Limit is the number of retries after the first attempt.
	Limit int `json:"limit"`

	BaseDelay metav1.Duration `json:"baseDelay"`

	Factor float64 `json:"factor"`

	MaxDelay metav1.Duration `json:"maxDelay"`
}
