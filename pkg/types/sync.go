// Package types defines the shared vocabulary of the engine: planned sync
// operations, their recorded results, reconciliation cycles and the
// per-application status served by the API.
package types

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/piercuta/gyre/pkg/resource"
)

// Op is the kind of action a SyncOperation performs against live state.
type Op string

const (
	// OpCreate creates a resource present in desired state but absent live.
	OpCreate Op = "Create"

	// OpUpdate applies desired content over a live resource whose content
	// no longer matches.
	OpUpdate Op = "Update"

	// OpDelete removes a live resource as part of explicit application
	// removal with cascade enabled.
	OpDelete Op = "Delete"

	// OpPrune removes an owned live resource that disappeared from desired
	// state.
	OpPrune Op = "Prune"
)

// SyncOperation is one planned action against a single resource, produced
// by the diff engine and consumed by the sync executor.
type SyncOperation struct {
	Op Op

	// Resource carries the desired document for creates and updates, and
	// the live resource for deletes and prunes.
	Resource resource.Resource

	// Wave groups operations for ordering. Every operation in a lower wave
	// reaches a terminal result before any operation in a higher wave starts.
	Wave int

	// SkipReason, when non-empty, marks an operation the planner already
	// resolved as Skipped (for example pruning disabled by policy). The
	// executor records the result without touching live state.
	SkipReason string
}

// Outcome classifies a recorded SyncResult.
type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	OutcomeSkipped   Outcome = "Skipped"
)

// SyncResult is the outcome of one SyncOperation. Immutable once recorded;
// appended to the owning application's cycle history.
type SyncResult struct {
	// Key identifies the resource the operation targeted.
	Key resource.Key `json:"key"`

	// Op is the action that was planned.
	Op Op `json:"op"`

	// Outcome is how the operation ended.
	Outcome Outcome `json:"outcome"`

	// Reason is a stable machine-readable cause for Failed and Skipped
	// outcomes.
	Reason string `json:"reason,omitempty"`

	// Message carries human-readable detail, such as the final apply error.
	Message string `json:"message,omitempty"`

	// Attempts is how many times the operation was tried, including the
	// attempt that produced the outcome. Zero for skipped operations.
	Attempts int `json:"attempts"`

	// Wave the operation belonged to.
	Wave int `json:"wave"`

	// Timestamp records when the outcome was reached.
	Timestamp metav1.Time `json:"timestamp"`
}
