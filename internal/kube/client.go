// Package kube wraps cluster access behind the narrow surface the engine
// needs: list and watch for observation, server-side apply and delete for
// execution. Everything speaks unstructured objects so the engine handles
// arbitrary kinds without compiled-in types.
package kube

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/piercuta/gyre/pkg/resource"
)

// FieldOwner is the field manager name stamped on every server-side apply.
const FieldOwner = "gyre"

// Interface is the cluster surface the engine runs against. Methods return
// API errors unwrapped so callers can match them with apierrors helpers.
type Interface interface {
	// Get fetches one live object.
	Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (resource.Resource, error)

	// List returns the live objects of gvk filtered by namespace and label
	// selector, plus the collection resourceVersion a watch can start from.
	List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector) ([]resource.Resource, string, error)

	// Watch streams changes from resourceVersion onward.
	Watch(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector, resourceVersion string) (watch.Interface, error)

	// Apply server-side-applies r, taking ownership of its fields. Returns
	// the object as stored by the server.
	Apply(ctx context.Context, r resource.Resource) (resource.Resource, error)

	// Delete removes the object. Absence surfaces as a NotFound error.
	Delete(ctx context.Context, r resource.Resource) error
}

// Client implements Interface against a real API server.
type Client struct {
	c client.WithWatch
}

var _ Interface = (*Client)(nil)

func New(cfg *rest.Config) (*Client, error) {
	c, err := client.NewWithWatch(cfg, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("building cluster client: %w", err)
	}
	return &Client{c: c}, nil
}

func (k *Client) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (resource.Resource, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	if err := k.c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, obj); err != nil {
		return resource.Resource{}, err
	}
	return resource.New(obj), nil
}

func (k *Client) List(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector) ([]resource.Resource, string, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

	opts := make([]client.ListOption, 0, 2)
	if namespace != "" {
		opts = append(opts, client.InNamespace(namespace))
	}
	if selector != nil {
		opts = append(opts, client.MatchingLabelsSelector{Selector: selector})
	}
	if err := k.c.List(ctx, list, opts...); err != nil {
		return nil, "", err
	}

	out := make([]resource.Resource, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, resource.New(&list.Items[i]))
	}
	return out, list.GetResourceVersion(), nil
}

func (k *Client) Watch(ctx context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector, resourceVersion string) (watch.Interface, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

	opts := []client.ListOption{&client.ListOptions{
		Namespace: namespace,
		Raw: &metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		},
	}}
	if selector != nil {
		opts = append(opts, client.MatchingLabelsSelector{Selector: selector})
	}
	return k.c.Watch(ctx, list, opts...)
}

func (k *Client) Apply(ctx context.Context, r resource.Resource) (resource.Resource, error) {
	obj := r.DeepCopy()
	// The apply endpoint rejects objects carrying managedFields.
	obj.SetManagedFields(nil)
	if err := k.c.Patch(ctx, obj.Unstructured, client.Apply, client.FieldOwner(FieldOwner), client.ForceOwnership); err != nil {
		return resource.Resource{}, err
	}
	return obj, nil
}

func (k *Client) Delete(ctx context.Context, r resource.Resource) error {
	return k.c.Delete(ctx, r.Unstructured)
}
