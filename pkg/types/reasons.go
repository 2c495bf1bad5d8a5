package types

// Failure reasons recorded on cycles and sync results. Stable strings, safe
// to match on in dashboards and tests.
const (
	// ReasonSourceUnavailable — the manifest source could not be fetched.
	ReasonSourceUnavailable = "SourceUnavailable"

	// ReasonParseError — one or more desired documents were malformed.
	ReasonParseError = "ParseError"

	// ReasonConflictError — two files declared the same resource identity,
	// making desired state ambiguous. Fatal to the load, not retried until
	// the source changes.
	ReasonConflictError = "ConflictError"

	// ReasonObserveTimeout — the live snapshot could not be refreshed in
	// time and the cycle ran on stale data.
	ReasonObserveTimeout = "ObserveTimeout"

	// ReasonApplyRejected — the destination API refused an operation after
	// the configured retries were exhausted.
	ReasonApplyRejected = "ApplyRejected"

	// ReasonHealthTimeout — applied resources did not become healthy within
	// the health-gate window.
	ReasonHealthTimeout = "HealthTimeout"

	// ReasonCanceled — the cycle was interrupted by shutdown or application
	// removal. Already-applied operations are left in place.
	ReasonCanceled = "Canceled"
)

// Skip reasons recorded on results whose outcome is Skipped.
const (
	// ReasonPruneDisabled — the application's sync policy does not allow
	// pruning.
	ReasonPruneDisabled = "pruneDisabled"

	// ReasonPruneExempt — the resource opted out of pruning via the
	// gyre.io/prune annotation.
	ReasonPruneExempt = "pruneExempt"

	// ReasonSelfHealDisabled — live content drifted from the last applied
	// state but the application's sync policy does not allow self-healing.
	ReasonSelfHealDisabled = "selfHealDisabled"

	// ReasonHealthGateTimeout — an earlier wave failed its health gate, so
	// this operation was never dispatched.
	ReasonHealthGateTimeout = "healthGateTimeout"

	// ReasonManualSyncRequired — operations are pending but the sync policy
	// is manual.
	ReasonManualSyncRequired = "manualSyncRequired"

	// ReasonPaused — the application is paused.
	ReasonPaused = "paused"
)
