package resource

const (
	// AnnotationPrefix is the base prefix for all gyre annotations and labels.
	AnnotationPrefix = "gyre.io"

	// Manifest annotations — set by users on desired-state documents.

	// AnnotationSyncWave orders resources within one reconciliation cycle.
	// Integer, may be negative, defaults to the application's syncWaveDefault.
	// All operations in a lower wave reach a terminal result before any
	// operation in a higher wave starts.
	AnnotationSyncWave = AnnotationPrefix + "/sync-wave"

	// AnnotationPrune set to "false" exempts the live counterpart of this
	// document from pruning after the document disappears from the source.
	AnnotationPrune = AnnotationPrefix + "/prune"

	// Bookkeeping — stamped by the sync executor on applied resources, never by users.

	// AnnotationAppliedHash records the content hash of the desired document
	// as it was last applied. Drift detection compares live content against
	// this value.
	AnnotationAppliedHash = AnnotationPrefix + "/applied-hash"

	// Labels

	// LabelApplication marks a live resource as owned by the named
	// application. Resources without it are never pruned.
	// A label rather than an annotation so owned resources are selectable
	// (labels are indexed, annotations are not).
	LabelApplication = AnnotationPrefix + "/application"
)
