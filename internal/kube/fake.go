package kube

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/piercuta/gyre/pkg/resource"
)

// Fake is an in-memory Interface for tests: a cluster with one monotonic
// resourceVersion counter, label-filtered watches, and injectable write
// failures. Watches see every mutation made through Apply and Delete as
// well as the test-side Put and Remove helpers.
type Fake struct {
	mu             sync.Mutex
	rv             int64
	objects        map[resource.Key]resource.Resource
	subs           []*fakeWatch
	compactedBelow int64

	// Defaulter, when set, mutates objects on Apply. Stands in for
	// admission and API-server defaulting.
	Defaulter func(r resource.Resource)

	// ApplyError and DeleteError, when set, are consulted per key and can
	// reject the write.
	ApplyError  func(key resource.Key) error
	DeleteError func(key resource.Key) error

	// ListError, when set, is consulted per kind and can fail a list.
	ListError func(gvk schema.GroupVersionKind) error
}

var _ Interface = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{objects: map[resource.Key]resource.Resource{}}
}

func (f *Fake) Get(_ context.Context, gvk schema.GroupVersionKind, namespace, name string) (resource.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := resource.Key{Group: gvk.Group, Kind: gvk.Kind, Namespace: namespace, Name: name}
	obj, ok := f.objects[key]
	if !ok {
		return resource.Resource{}, notFound(gvk, name)
	}
	return obj.DeepCopy(), nil
}

func (f *Fake) List(_ context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector) ([]resource.Resource, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListError != nil {
		if err := f.ListError(gvk); err != nil {
			return nil, "", err
		}
	}

	var out []resource.Resource
	for key, obj := range f.objects {
		if matches(key, obj, gvk, namespace, selector) {
			out = append(out, obj.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, strconv.FormatInt(f.rv, 10), nil
}

func (f *Fake) Watch(_ context.Context, gvk schema.GroupVersionKind, namespace string, selector labels.Selector, resourceVersion string) (watch.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := newFakeWatch(gvk, namespace, selector)
	if resourceVersion != "" {
		rv, err := strconv.ParseInt(resourceVersion, 10, 64)
		if err == nil && rv < f.compactedBelow {
			w.expire()
			return w, nil
		}
	}
	f.subs = append(f.subs, w)
	return w, nil
}

func (f *Fake) Apply(_ context.Context, r resource.Resource) (resource.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.Key()
	if f.ApplyError != nil {
		if err := f.ApplyError(key); err != nil {
			return resource.Resource{}, err
		}
	}

	obj := r.DeepCopy()
	if f.Defaulter != nil {
		f.Defaulter(obj)
	}
	if existing, ok := f.objects[key]; ok {
		obj.SetCreationTimestamp(existing.GetCreationTimestamp())
	} else {
		obj.SetCreationTimestamp(metav1.Now())
	}
	return f.write(obj), nil
}

func (f *Fake) Delete(_ context.Context, r resource.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.Key()
	if f.DeleteError != nil {
		if err := f.DeleteError(key); err != nil {
			return err
		}
	}
	if !f.remove(key) {
		return notFound(r.GroupVersionKind(), key.Name)
	}
	return nil
}

// Seed inserts objects without notifying watches, as cluster state that
// predates the engine.
func (f *Fake) Seed(rs ...resource.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rs {
		obj := r.DeepCopy()
		f.rv++
		obj.SetResourceVersion(strconv.FormatInt(f.rv, 10))
		f.objects[obj.Key()] = obj
	}
}

// Put upserts an object as an outside actor would, notifying watches.
// Returns the stored copy.
func (f *Fake) Put(r resource.Resource) resource.Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(r.DeepCopy())
}

// Remove deletes by key as an outside actor, notifying watches.
func (f *Fake) Remove(key resource.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(key)
}

// BreakWatches closes every open watch stream, like a server dropping its
// connections.
func (f *Fake) BreakWatches() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for _, w := range subs {
		w.Stop()
	}
}

// Compact discards watch history. Watches started from a resourceVersion
// older than the current one fail with 410 Gone, like a compacted etcd.
func (f *Fake) Compact() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compactedBelow = f.rv
}

// Object returns the stored object for key.
func (f *Fake) Object(key resource.Key) (resource.Resource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return resource.Resource{}, false
	}
	return obj.DeepCopy(), true
}

// ResourceVersion returns the current cluster revision.
func (f *Fake) ResourceVersion() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strconv.FormatInt(f.rv, 10)
}

// write stores obj under the next resourceVersion and notifies watches.
// Caller holds f.mu.
func (f *Fake) write(obj resource.Resource) resource.Resource {
	key := obj.Key()
	_, existed := f.objects[key]

	f.rv++
	obj.SetResourceVersion(strconv.FormatInt(f.rv, 10))
	f.objects[key] = obj

	eventType := watch.Added
	if existed {
		eventType = watch.Modified
	}
	f.notify(key, obj, eventType)
	return obj.DeepCopy()
}

// remove drops key and notifies watches. Caller holds f.mu.
func (f *Fake) remove(key resource.Key) bool {
	obj, ok := f.objects[key]
	if !ok {
		return false
	}
	delete(f.objects, key)
	f.rv++
	f.notify(key, obj, watch.Deleted)
	return true
}

func (f *Fake) notify(key resource.Key, obj resource.Resource, eventType watch.EventType) {
	kept := f.subs[:0]
	for _, w := range f.subs {
		if w.isStopped() {
			continue
		}
		kept = append(kept, w)
		if matches(key, obj, w.gvk, w.namespace, w.selector) {
			w.send(watch.Event{Type: eventType, Object: obj.DeepCopy().Unstructured})
		}
	}
	f.subs = kept
}

// matches mirrors server-side list filtering. The fake does not convert
// between versions, so only group and kind participate.
func matches(key resource.Key, obj resource.Resource, gvk schema.GroupVersionKind, namespace string, selector labels.Selector) bool {
	if key.Group != gvk.Group || key.Kind != gvk.Kind {
		return false
	}
	if namespace != "" && key.Namespace != namespace {
		return false
	}
	if selector != nil && !selector.Matches(labels.Set(obj.GetLabels())) {
		return false
	}
	return true
}

func notFound(gvk schema.GroupVersionKind, name string) error {
	gr := schema.GroupResource{Group: gvk.Group, Resource: strings.ToLower(gvk.Kind) + "s"}
	return apierrors.NewNotFound(gr, name)
}

// fakeWatch is one subscription. A full buffer closes the stream, which is
// how a real watch connection dropped by the server looks to the consumer.
type fakeWatch struct {
	gvk       schema.GroupVersionKind
	namespace string
	selector  labels.Selector

	mu      sync.Mutex
	ch      chan watch.Event
	stopped bool
}

func newFakeWatch(gvk schema.GroupVersionKind, namespace string, selector labels.Selector) *fakeWatch {
	return &fakeWatch{
		gvk:       gvk,
		namespace: namespace,
		selector:  selector,
		ch:        make(chan watch.Event, 256),
	}
}

func (w *fakeWatch) ResultChan() <-chan watch.Event { return w.ch }

func (w *fakeWatch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.ch)
	}
}

func (w *fakeWatch) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *fakeWatch) send(evt watch.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.ch <- evt:
	default:
		w.stopped = true
		close(w.ch)
	}
}

func (w *fakeWatch) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ch <- watch.Event{Type: watch.Error, Object: &metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusGone,
		Reason:  metav1.StatusReasonExpired,
		Message: "too old resource version",
	}}
	w.stopped = true
	close(w.ch)
}
