package types

import (
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/piercuta/gyre/pkg/resource"
)

// ResourceRef names one applied resource. The inventory of refs from the
// last successful sync tells the observer which kinds to track even after
// they disappear from desired state, so strays can still be pruned.
type ResourceRef struct {
	Group     string `json:"group,omitempty"`
	Version   string `json:"version"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func RefOf(r resource.Resource) ResourceRef {
	gvk := r.GroupVersionKind()
	return ResourceRef{
		Group:     gvk.Group,
		Version:   gvk.Version,
		Kind:      gvk.Kind,
		Namespace: r.GetNamespace(),
		Name:      r.GetName(),
	}
}

func (r ResourceRef) GroupVersionKind() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: r.Group, Version: r.Version, Kind: r.Kind}
}

func (r ResourceRef) Key() resource.Key {
	return resource.Key{Group: r.Group, Kind: r.Kind, Namespace: r.Namespace, Name: r.Name}
}
