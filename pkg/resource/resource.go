// Package resource defines the atomic unit of desired and live state: a
// schema-less structured document with a cluster-unique identity and a
// content hash for cheap equality checks.
package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// Key identifies a resource within a cluster. The API version is
// deliberately absent: two documents declaring the same object through
// different versions describe the same resource.
type Key struct {
	Group     string `json:"group,omitempty"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// String renders "group/Kind namespace/name", omitting the group for
// core-group resources and the namespace for cluster-scoped ones.
func (k Key) String() string {
	gk := k.Kind
	if k.Group != "" {
		gk = k.Group + "/" + k.Kind
	}
	if k.Namespace == "" {
		return gk + " " + k.Name
	}
	return gk + " " + k.Namespace + "/" + k.Name
}

// Resource is a single desired or live state document.
type Resource struct {
	*unstructured.Unstructured
}

// New wraps an unstructured object without copying it.
func New(obj *unstructured.Unstructured) Resource {
	return Resource{Unstructured: obj}
}

// FromMap wraps a raw decoded document.
func FromMap(doc map[string]any) Resource {
	return New(&unstructured.Unstructured{Object: doc})
}

// Key returns the resource's identity.
func (r Resource) Key() Key {
	gvk := r.GroupVersionKind()
	return Key{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: r.GetNamespace(),
		Name:      r.GetName(),
	}
}

// DeepCopy returns a copy sharing no memory with the receiver.
func (r Resource) DeepCopy() Resource {
	return New(r.Unstructured.DeepCopy())
}

// Wave returns the resource's sync wave, or def when the annotation is
// absent. Malformed values are returned as errors rather than silently
// defaulted so the manifest store can surface them as parse failures.
func (r Resource) Wave(def int) (int, error) {
	raw, ok := r.GetAnnotations()[AnnotationSyncWave]
	if !ok || raw == "" {
		return def, nil
	}
	wave, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def, fmt.Errorf("parsing %s annotation %q: %w", AnnotationSyncWave, raw, err)
	}
	return wave, nil
}

// PruneExempt reports whether the document opts out of pruning.
func (r Resource) PruneExempt() bool {
	return r.GetAnnotations()[AnnotationPrune] == "false"
}

// Owner returns the application recorded as owning this resource, if any.
func (r Resource) Owner() (string, bool) {
	app := r.GetLabels()[LabelApplication]
	return app, app != ""
}

// AppliedHash returns the content hash stamped at last apply, or "" if the
// resource has never been applied by the engine.
func (r Resource) AppliedHash() string {
	return r.GetAnnotations()[AnnotationAppliedHash]
}

// Stamped returns a deep copy carrying the ownership label and applied
// content hash recorded on every resource the executor applies.
func (r Resource) Stamped(app, hash string) Resource {
	out := r.DeepCopy()
	labels := out.GetLabels()
	if labels == nil {
		labels = make(map[string]string, 1)
	}
	labels[LabelApplication] = app
	out.SetLabels(labels)
	annotations := out.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string, 1)
	}
	annotations[AnnotationAppliedHash] = hash
	out.SetAnnotations(annotations)
	return out
}

// ContentHash returns a hex sha256 over the resource's declarative content.
// Status, server-populated metadata fields and gyre's own bookkeeping are
// excluded so a desired document and its applied live counterpart hash
// identically.
func (r Resource) ContentHash() string {
	return HashContent(Normalize(r.Object))
}

// HashContent hashes an attribute tree as canonical JSON. The encoder sorts
// map keys, so equal trees hash equal regardless of insertion order.
func HashContent(doc map[string]any) string {
	// Decoded document trees always re-marshal.
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// metadataNoise lists the server-populated metadata fields stripped before
// content hashing.
var metadataNoise = []string{
	"resourceVersion",
	"uid",
	"generation",
	"creationTimestamp",
	"deletionTimestamp",
	"deletionGracePeriodSeconds",
	"managedFields",
	"selfLink",
}

// Normalize deep-copies a document and strips everything that is not
// declarative content: status, server-populated metadata and the engine's
// bookkeeping label and annotation.
func Normalize(doc map[string]any) map[string]any {
	out := runtime.DeepCopyJSON(doc)
	delete(out, "status")
	meta, ok := out["metadata"].(map[string]any)
	if !ok {
		return out
	}
	for _, field := range metadataNoise {
		delete(meta, field)
	}
	stripKey(meta, "annotations", AnnotationAppliedHash)
	stripKey(meta, "labels", LabelApplication)
	return out
}

// stripKey removes one gyre-owned key from a metadata sub-map, dropping the
// sub-map entirely when it ends up empty so that a document which never had
// it still hashes equal.
func stripKey(meta map[string]any, field, key string) {
	m, ok := meta[field].(map[string]any)
	if !ok {
		return
	}
	delete(m, key)
	if len(m) == 0 {
		delete(meta, field)
	}
}
