package resource

import (
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "core group namespaced",
			key:  Key{Group: "", Kind: "Service", Namespace: "piercuta-prod", Name: "fastapi"},
			want: "Service piercuta-prod/fastapi",
		},
		{
			name: "grouped namespaced",
			key:  Key{Group: "apps", Kind: "Deployment", Namespace: "piercuta-prod", Name: "fastapi"},
			want: "apps/Deployment piercuta-prod/fastapi",
		},
		{
			name: "cluster scoped",
			key:  Key{Group: "", Kind: "Namespace", Name: "piercuta-prod"},
			want: "Namespace piercuta-prod",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestKeyIgnoresAPIVersion(t *testing.T) {
	v1 := testDeployment("fastapi", 2)
	v1beta := testDeployment("fastapi", 2)
	v1beta.Object["apiVersion"] = "apps/v1beta2"

	if v1.Key() != v1beta.Key() {
		t.Errorf("expected identical keys across versions, got %v and %v", v1.Key(), v1beta.Key())
	}
}

func TestContentHashIgnoresServerMetadata(t *testing.T) {
	desired := testDeployment("fastapi", 2)

	live := desired.DeepCopy()
	meta := live.Object["metadata"].(map[string]any)
	meta["resourceVersion"] = "81234"
	meta["uid"] = "c2a8f9e0-0000-4d26-9f3c-2b7a11aa0001"
	meta["generation"] = int64(4)
	meta["creationTimestamp"] = "2026-08-01T09:00:00Z"
	meta["managedFields"] = []any{map[string]any{"manager": "gyre"}}
	live.Object["status"] = map[string]any{"readyReplicas": int64(2)}

	if desired.ContentHash() != live.ContentHash() {
		t.Error("server-populated fields should not affect the content hash")
	}
}

func TestContentHashIgnoresBookkeeping(t *testing.T) {
	desired := testDeployment("fastapi", 2)
	stamped := desired.Stamped("backend", desired.ContentHash())

	if desired.ContentHash() != stamped.ContentHash() {
		t.Error("ownership label and applied-hash annotation should not affect the content hash")
	}
}

func TestContentHashDetectsContentChange(t *testing.T) {
	two := testDeployment("fastapi", 2)
	five := testDeployment("fastapi", 5)

	if two.ContentHash() == five.ContentHash() {
		t.Error("expected differing hashes for differing replica counts")
	}
}

func TestStampedDoesNotMutateReceiver(t *testing.T) {
	desired := testDeployment("fastapi", 2)
	stamped := desired.Stamped("backend", "abc123")

	if _, ok := desired.Owner(); ok {
		t.Error("Stamped must not mutate the receiver")
	}
	if desired.AppliedHash() != "" {
		t.Error("Stamped must not mutate the receiver's annotations")
	}

	owner, ok := stamped.Owner()
	if !ok || owner != "backend" {
		t.Errorf("expected owner backend, got %q (ok=%v)", owner, ok)
	}
	if got := stamped.AppliedHash(); got != "abc123" {
		t.Errorf("expected applied hash abc123, got %q", got)
	}
}

func TestWave(t *testing.T) {
	tests := []struct {
		name       string
		annotation string
		set        bool
		def        int
		want       int
		wantErr    bool
	}{
		{name: "absent uses default", def: 3, want: 3},
		{name: "explicit wave", annotation: "2", set: true, want: 2},
		{name: "negative wave", annotation: "-1", set: true, want: -1},
		{name: "surrounding whitespace", annotation: " 5 ", set: true, want: 5},
		{name: "malformed", annotation: "first", set: true, def: 1, want: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testDeployment("fastapi", 2)
			if tt.set {
				r.SetAnnotations(map[string]string{AnnotationSyncWave: tt.annotation})
			}
			got, err := r.Wave(tt.def)
			if tt.wantErr != (err != nil) {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected wave %d, got %d", tt.want, got)
			}
		})
	}
}

func TestPruneExempt(t *testing.T) {
	r := testDeployment("fastapi", 2)
	if r.PruneExempt() {
		t.Error("unannotated resource should not be prune exempt")
	}
	r.SetAnnotations(map[string]string{AnnotationPrune: "false"})
	if !r.PruneExempt() {
		t.Error("gyre.io/prune=false should exempt the resource")
	}
}

// Helpers

func testDeployment(name string, replicas int64) Resource {
	return New(&unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      name,
			"namespace": "piercuta-prod",
		},
		"spec": map[string]any{
			"replicas": replicas,
			"selector": map[string]any{
				"matchLabels": map[string]any{"app": name},
			},
		},
	}})
}
