package types

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CycleState is the terminal state of one reconciliation cycle.
type CycleState string

const (
	// StateInSync indicates live state matched desired state at the end of
	// the cycle, either because nothing differed or because every planned
	// operation succeeded.
	StateInSync CycleState = "InSync"

	// StateOutOfSync indicates differences were found but not fully
	// applied: sync is manual, the application is paused, or operations
	// were skipped by policy.
	StateOutOfSync CycleState = "OutOfSync"

	// StateDegraded indicates operations applied but affected resources did
	// not become healthy within the health-gate window.
	StateDegraded CycleState = "Degraded"

	// StateError indicates the cycle could not complete: the source was
	// unavailable, desired state was ambiguous, no live snapshot could be
	// built, or at least one operation failed after exhausting its retries.
	StateError CycleState = "Error"
)

// Phase is the scheduler's live position in an application's state machine.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseObserving Phase = "Observing"
	PhaseDiffing   Phase = "Diffing"
	PhaseSyncing   Phase = "Syncing"
)

// Trigger identifies what started a reconciliation cycle.
type Trigger string

const (
	// TriggerPoll is the fixed per-application polling interval.
	TriggerPoll Trigger = "poll"

	// TriggerRefresh is an external signal, typically a webhook carrying a
	// new-revision hint.
	TriggerRefresh Trigger = "refresh"

	// TriggerSync is an explicit request to execute pending operations on
	// an application whose sync policy is manual.
	TriggerSync Trigger = "sync"

	// TriggerRetry is the backoff retry scheduled after a failed cycle.
	TriggerRetry Trigger = "retry"
)

// Cycle records one observe, diff, plan, execute pass for an application.
type Cycle struct {
	// ID increases monotonically per application.
	ID int64 `json:"id"`

	// App is the owning application name.
	App string `json:"app"`

	// Trigger records what started the cycle.
	Trigger Trigger `json:"trigger"`

	// Revision is the resolved source revision the cycle synced from.
	Revision string `json:"revision,omitempty"`

	// State is the terminal state of the cycle.
	State CycleState `json:"state"`

	// Reason is a stable cause for Degraded and Error states.
	Reason string `json:"reason,omitempty"`

	// Message carries human-readable detail for Degraded and Error states.
	Message string `json:"message,omitempty"`

	// StaleSnapshot marks that the live view exceeded its freshness bound
	// and the cycle operated on the last good cached snapshot.
	StaleSnapshot bool `json:"staleSnapshot,omitempty"`

	// ParseFailures lists desired-state documents that failed to parse this
	// cycle. The valid remainder was still reconciled.
	ParseFailures []string `json:"parseFailures,omitempty"`

	// PendingOps counts planned operations that were not executed because
	// the application's sync policy is manual or the application is paused.
	PendingOps int `json:"pendingOps,omitempty"`

	// Results holds one entry per executed or skipped operation.
	Results []SyncResult `json:"results,omitempty"`

	StartedAt  metav1.Time `json:"startedAt"`
	FinishedAt metav1.Time `json:"finishedAt"`

	// Per-phase wall-clock durations.
	ObserveDuration metav1.Duration `json:"observeDuration,omitempty"`
	DiffDuration    metav1.Duration `json:"diffDuration,omitempty"`
	SyncDuration    metav1.Duration `json:"syncDuration,omitempty"`
}

// AppStatus is the queryable view of one application: the scheduler phase,
// the latest terminal cycle and a bounded history of earlier cycles, newest
// first.
type AppStatus struct {
	Name string `json:"name"`

	Phase Phase `json:"phase"`

	// SyncedRevision is the revision of the last cycle that finished InSync.
	SyncedRevision string `json:"syncedRevision,omitempty"`

	// RequestedRevision is a revision hint received from a refresh signal
	// that has not been synced yet. A lasting difference from
	// SyncedRevision indicates skew worth surfacing.
	RequestedRevision string `json:"requestedRevision,omitempty"`

	// Paused suspends execution for this application. Cycles still observe,
	// diff and report so drift remains visible.
	Paused bool `json:"paused,omitempty"`

	LastCycle *Cycle `json:"lastCycle,omitempty"`

	History []Cycle `json:"history,omitempty"`

	// Inventory lists the resources applied by the last successful sync.
	// It keeps removed kinds observable until their strays are pruned.
	Inventory []ResourceRef `json:"inventory,omitempty"`
}
