// Package observer maintains a cached live view of the cluster resources an
// application cares about. One watcher per tracked kind lists, then streams
// changes; reconnects relist from scratch so a missed window or compacted
// history can never leave the cache silently behind.
package observer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/piercuta/gyre/internal/kube"
	"github.com/piercuta/gyre/pkg/resource"
)

// TimeoutError reports that no usable live view exists: the cache never
// completed an initial sync and the caller's window ran out.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("live state never synced: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Snapshot is a point-in-time copy of the cached live view.
type Snapshot struct {
	// Objects holds every cached object of the tracked kinds, keyed by
	// identity. Consumers own the copies.
	Objects map[resource.Key]resource.Resource

	// Stale marks that at least one watcher was resyncing when the
	// snapshot was taken, so parts of the view may lag the cluster.
	Stale bool

	TakenAt time.Time
}

// Get returns the live object for key, if cached.
func (s *Snapshot) Get(key resource.Key) (resource.Resource, bool) {
	r, ok := s.Objects[key]
	return r, ok
}

// Owned returns the cached objects carrying app's ownership label.
func (s *Snapshot) Owned(app string) []resource.Resource {
	var out []resource.Resource
	for _, r := range s.Objects {
		if owner, ok := r.Owner(); ok && owner == app {
			out = append(out, r)
		}
	}
	return out
}

// Observer is the per-application live-state cache. Track reconciles the
// watched kind set; Snapshot serves the view.
type Observer struct {
	client    kube.Interface
	namespace string
	backoff   wait.Backoff

	mu         sync.Mutex
	watchers   map[schema.GroupVersionKind]*watcher
	store      map[schema.GroupVersionKind]map[resource.Key]resource.Resource
	synced     map[schema.GroupVersionKind]bool
	everSynced bool

	changeCh chan struct{}
}

// New builds an Observer for one application's destination namespace.
// Cluster-scoped kinds are watched cluster-wide.
func New(client kube.Interface, namespace string) *Observer {
	return &Observer{
		client:    client,
		namespace: namespace,
		backoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    math.MaxInt32,
			Cap:      30 * time.Second,
		},
		watchers: map[schema.GroupVersionKind]*watcher{},
		store:    map[schema.GroupVersionKind]map[resource.Key]resource.Resource{},
		synced:   map[schema.GroupVersionKind]bool{},
		changeCh: make(chan struct{}, 1),
	}
}

// Events returns the channel that signals live-state changes. Signals are
// coalesced; consumers resnapshot rather than replay.
func (o *Observer) Events() <-chan struct{} {
	return o.changeCh
}

// Track reconciles the watched kind set against gvks: new kinds get a
// watcher, kinds no longer named are stopped and dropped from the cache.
// ctx bounds the lifetime of the started watchers.
func (o *Observer) Track(ctx context.Context, gvks []schema.GroupVersionKind) {
	want := make(map[schema.GroupVersionKind]bool, len(gvks))
	for _, gvk := range gvks {
		want[gvk] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for gvk, w := range o.watchers {
		if want[gvk] {
			continue
		}
		w.cancel()
		delete(o.watchers, gvk)
		delete(o.store, gvk)
		delete(o.synced, gvk)
	}

	for gvk := range want {
		if _, ok := o.watchers[gvk]; ok {
			continue
		}
		ns := o.namespace
		if resource.ClusterScoped(gvk.Kind) {
			ns = ""
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &watcher{obs: o, gvk: gvk, namespace: ns, cancel: cancel}
		o.watchers[gvk] = w
		o.synced[gvk] = false
		go w.run(wctx)
	}

	if o.allSyncedLocked() {
		o.everSynced = true
	}
}

// Stop cancels every watcher.
func (o *Observer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for gvk, w := range o.watchers {
		w.cancel()
		delete(o.watchers, gvk)
	}
}

// Snapshot waits for the cache to be synced, bounded by ctx, and returns a
// copy of the view. When the wait runs out but a complete view existed at
// some point, that view is served marked stale. Before any complete view
// exists a timeout is a TimeoutError.
func (o *Observer) Snapshot(ctx context.Context) (*Snapshot, error) {
	synced := o.waitSynced(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	if !synced && !o.everSynced {
		return nil, &TimeoutError{Err: ctx.Err()}
	}

	snap := &Snapshot{
		Objects: map[resource.Key]resource.Resource{},
		Stale:   !synced,
		TakenAt: time.Now(),
	}
	for _, objs := range o.store {
		for key, r := range objs {
			snap.Objects[key] = r.DeepCopy()
		}
	}
	return snap, nil
}

// waitSynced polls until every watcher has a current listing or ctx runs
// out.
func (o *Observer) waitSynced(ctx context.Context) bool {
	err := wait.PollUntilContextCancel(ctx, 50*time.Millisecond, true, func(context.Context) (bool, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.allSyncedLocked(), nil
	})
	return err == nil
}

func (o *Observer) allSyncedLocked() bool {
	for _, ok := range o.synced {
		if !ok {
			return false
		}
	}
	return true
}

// notifyChange sends a non-blocking change signal.
func (o *Observer) notifyChange() {
	select {
	case o.changeCh <- struct{}{}:
	default:
		// Channel already has a pending signal.
	}
}

// replaceAll swaps in a fresh listing for gvk and marks it synced.
func (o *Observer) replaceAll(gvk schema.GroupVersionKind, items []resource.Resource) {
	objs := make(map[resource.Key]resource.Resource, len(items))
	for _, r := range items {
		objs[r.Key()] = r
	}

	o.mu.Lock()
	if _, tracked := o.watchers[gvk]; tracked {
		o.store[gvk] = objs
		o.synced[gvk] = true
		if o.allSyncedLocked() {
			o.everSynced = true
		}
	}
	o.mu.Unlock()
	o.notifyChange()
}

func (o *Observer) markUnsynced(gvk schema.GroupVersionKind) {
	o.mu.Lock()
	if _, tracked := o.watchers[gvk]; tracked {
		o.synced[gvk] = false
	}
	o.mu.Unlock()
}

func (o *Observer) storeObject(gvk schema.GroupVersionKind, r resource.Resource) {
	o.mu.Lock()
	if objs, ok := o.store[gvk]; ok {
		objs[r.Key()] = r
	}
	o.mu.Unlock()
	o.notifyChange()
}

func (o *Observer) forgetObject(gvk schema.GroupVersionKind, key resource.Key) {
	o.mu.Lock()
	if objs, ok := o.store[gvk]; ok {
		delete(objs, key)
	}
	o.mu.Unlock()
	o.notifyChange()
}

// watcher keeps the cache current for one kind.
type watcher struct {
	obs       *Observer
	gvk       schema.GroupVersionKind
	namespace string
	cancel    context.CancelFunc
}

func (w *watcher) run(ctx context.Context) {
	log := logf.FromContext(ctx).WithName("observer").WithValues("kind", w.gvk.Kind)

	backoff := w.obs.backoff
	for ctx.Err() == nil {
		err := w.listAndWatch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := backoff.Step()
			log.Error(err, "watch failed, backing off", "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		// Graceful stream end. Relist immediately.
		backoff = w.obs.backoff
	}
}

// listAndWatch lists once, swaps the cache, then consumes the stream. Any
// stream end forces a relist, which also covers compacted history: a watch
// can never resume across a gap.
func (w *watcher) listAndWatch(ctx context.Context) error {
	items, rv, err := w.obs.client.List(ctx, w.gvk, w.namespace, nil)
	if err != nil {
		w.obs.markUnsynced(w.gvk)
		return fmt.Errorf("listing %s: %w", w.gvk.Kind, err)
	}
	w.obs.replaceAll(w.gvk, items)

	stream, err := w.obs.client.Watch(ctx, w.gvk, w.namespace, nil, rv)
	if err != nil {
		w.obs.markUnsynced(w.gvk)
		return fmt.Errorf("watching %s: %w", w.gvk.Kind, err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-stream.ResultChan():
			if !ok {
				w.obs.markUnsynced(w.gvk)
				return nil
			}
			switch evt.Type {
			case watch.Added, watch.Modified:
				if obj, ok := evt.Object.(*unstructured.Unstructured); ok {
					w.obs.storeObject(w.gvk, resource.New(obj))
				}
			case watch.Deleted:
				if obj, ok := evt.Object.(*unstructured.Unstructured); ok {
					w.obs.forgetObject(w.gvk, resource.New(obj).Key())
				}
			case watch.Error:
				w.obs.markUnsynced(w.gvk)
				return apierrors.FromObject(evt.Object)
			}
		}
	}
}
