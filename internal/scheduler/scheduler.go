// Package scheduler drives the reconciliation loop. Every application gets
// serialized cycles: a workqueue coalesces poll ticks, refresh signals and
// manual sync requests into at most one queued cycle per application, and
// failed cycles are retried with per-application exponential backoff.
// Workers share one executor, so the global concurrency limit holds across
// applications.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/piercuta/gyre/internal/config"
	"github.com/piercuta/gyre/internal/kube"
	"github.com/piercuta/gyre/internal/manifest"
	"github.com/piercuta/gyre/internal/metrics"
	"github.com/piercuta/gyre/internal/observer"
	"github.com/piercuta/gyre/internal/report"
	"github.com/piercuta/gyre/internal/syncer"
	"github.com/piercuta/gyre/pkg/types"
)

const (
	defaultSyncInterval  = 3 * time.Minute
	defaultObserveWindow = 30 * time.Second

	// Failed cycles retry on this backoff until the next success resets it.
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Loader provides desired state. Implemented by manifest.Store.
type Loader interface {
	Load(ctx context.Context, app string, src manifest.Source, destNamespace string) (*manifest.LoadResult, error)
}

// Options wires a Scheduler.
type Options struct {
	Loader   Loader
	Kube     kube.Interface
	Executor *syncer.Executor

	// Reporter receives the application status after every cycle. Nil
	// disables reporting.
	Reporter report.Reporter

	// Metrics receives cycle observations. Nil disables them.
	Metrics *metrics.EngineMetrics

	// ObserveTimeout bounds the per-cycle wait for a synced live view.
	ObserveTimeout time.Duration

	// HistoryLimit bounds the per-application cycle history.
	HistoryLimit int

	// Workers is the number of concurrent cycle workers.
	Workers int

	// OnReady is called once, after every application has finished its
	// first cycle.
	OnReady func()

	Applications []config.Application
}

// Scheduler owns the application set and its reconciliation loop.
type Scheduler struct {
	loader   Loader
	executor *syncer.Executor
	reporter report.Reporter
	metrics  *metrics.EngineMetrics
	log      logr.Logger

	observeTimeout time.Duration
	historyLimit   int
	workers        int

	queue workqueue.TypedRateLimitingInterface[string]

	mu   sync.Mutex
	apps map[string]*appState

	onReady   func()
	readyOnce sync.Once
}

// appState is everything the scheduler tracks per application. All fields
// are guarded by Scheduler.mu; the observer is internally synchronized.
type appState struct {
	cfg      config.Application
	observer *observer.Observer

	status    types.AppStatus
	nextCycle int64

	// pending is the strongest trigger waiting in the queue. Consumed when
	// the cycle is dequeued.
	pending types.Trigger

	removing  bool
	cascade   bool
	firstDone bool
}

func (st *appState) policy() types.SyncPolicy {
	if st.cfg.Policy != nil {
		return *st.cfg.Policy
	}
	return types.SyncPolicy{}
}

func (st *appState) interval() time.Duration {
	if st.cfg.SyncInterval != nil && st.cfg.SyncInterval.Duration > 0 {
		return st.cfg.SyncInterval.Duration
	}
	return defaultSyncInterval
}

// New builds a Scheduler for the configured applications.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		loader:         opts.Loader,
		executor:       opts.Executor,
		reporter:       opts.Reporter,
		metrics:        opts.Metrics,
		log:            logf.Log.WithName("scheduler"),
		observeTimeout: opts.ObserveTimeout,
		historyLimit:   opts.HistoryLimit,
		workers:        opts.Workers,
		onReady:        opts.OnReady,
		queue:          newQueue(retryBaseDelay, retryMaxDelay),
		apps:           map[string]*appState{},
	}
	if s.observeTimeout <= 0 {
		s.observeTimeout = defaultObserveWindow
	}
	if s.workers <= 0 {
		s.workers = 1
	}

	for _, app := range opts.Applications {
		s.apps[app.Name] = &appState{
			cfg:      app,
			observer: observer.New(opts.Kube, app.Destination.Namespace),
			status: types.AppStatus{
				Name:   app.Name,
				Phase:  types.PhaseIdle,
				Paused: app.Paused,
			},
		}
	}
	return s
}

func newQueue(base, max time.Duration) workqueue.TypedRateLimitingInterface[string] {
	return workqueue.NewTypedRateLimitingQueue(
		workqueue.NewTypedItemExponentialFailureRateLimiter[string](base, max),
	)
}

// Run processes cycles until ctx is canceled. Watchers started during the
// run are stopped before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logf.FromContext(ctx).WithName("scheduler")

	s.mu.Lock()
	for name, st := range s.apps {
		st.pending = types.TriggerPoll
		s.queue.Add(name)
	}
	count := len(s.apps)
	s.mu.Unlock()
	log.Info("scheduler started", "applications", count, "workers", s.workers)
	s.maybeReady()

	var wg sync.WaitGroup
	for range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s.processNext(ctx) {
			}
		}()
	}

	<-ctx.Done()
	s.queue.ShutDown()
	wg.Wait()

	s.mu.Lock()
	for _, st := range s.apps {
		st.observer.Stop()
	}
	s.mu.Unlock()
	log.Info("scheduler stopped")
	return nil
}

// processNext handles one queue delivery. Returns false when the queue has
// shut down.
func (s *Scheduler) processNext(ctx context.Context) bool {
	name, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(name)
	s.observeQueueDepth()

	s.mu.Lock()
	st, ok := s.apps[name]
	if !ok {
		s.mu.Unlock()
		s.queue.Forget(name)
		return true
	}
	trigger := st.pending
	st.pending = ""
	removing, cascade := st.removing, st.cascade
	s.mu.Unlock()
	if trigger == "" {
		trigger = types.TriggerPoll
	}

	if removing {
		s.teardown(ctx, st, cascade)
		s.queue.Forget(name)
		return true
	}

	retry := s.runCycle(ctx, st, trigger)
	if ctx.Err() != nil {
		return true
	}
	if retry {
		s.enqueueTrigger(st, types.TriggerRetry)
		s.queue.AddRateLimited(name)
	} else {
		s.queue.Forget(name)
		s.enqueueTrigger(st, types.TriggerPoll)
		s.queue.AddAfter(name, st.interval())
	}
	s.observeQueueDepth()
	return true
}

// Refresh requests a cycle for app, typically from a webhook. A non-empty
// revision is recorded as the requested revision until a cycle syncs it.
// Returns false when app is not configured.
func (s *Scheduler) Refresh(app, revision, source string) bool {
	s.mu.Lock()
	st, ok := s.apps[app]
	if !ok || st.removing {
		s.mu.Unlock()
		return false
	}
	st.pending = stronger(st.pending, types.TriggerRefresh)
	if revision != "" {
		st.status.RequestedRevision = revision
	}
	s.mu.Unlock()

	s.log.V(1).Info("refresh requested", "app", app, "revision", revision, "source", source)
	s.queue.Add(app)
	s.observeQueueDepth()
	return true
}

// Sync requests execution of pending operations on app. This is how an
// application with a manual sync policy gets applied.
func (s *Scheduler) Sync(app string) bool {
	s.mu.Lock()
	st, ok := s.apps[app]
	if !ok || st.removing {
		s.mu.Unlock()
		return false
	}
	st.pending = stronger(st.pending, types.TriggerSync)
	s.mu.Unlock()

	s.log.V(1).Info("sync requested", "app", app)
	s.queue.Add(app)
	s.observeQueueDepth()
	return true
}

// Remove unregisters app. With cascade, every live resource it owns is
// deleted first. The removal runs on the app's own queue slot, so it never
// races an in-flight cycle.
func (s *Scheduler) Remove(app string, cascade bool) bool {
	s.mu.Lock()
	st, ok := s.apps[app]
	if !ok {
		s.mu.Unlock()
		return false
	}
	st.removing = true
	st.cascade = cascade
	s.mu.Unlock()

	s.log.Info("removal requested", "app", app, "cascade", cascade)
	s.queue.Add(app)
	s.observeQueueDepth()
	return true
}

// Applications returns every application status, sorted by name.
func (s *Scheduler) Applications() []types.AppStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.AppStatus, 0, len(s.apps))
	for _, st := range s.apps {
		out = append(out, statusCopyLocked(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Application returns the status of one application.
func (s *Scheduler) Application(name string) (types.AppStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.apps[name]
	if !ok {
		return types.AppStatus{}, false
	}
	return statusCopyLocked(st), true
}

// enqueueTrigger records t as the pending trigger unless a stronger one is
// already waiting.
func (s *Scheduler) enqueueTrigger(st *appState, t types.Trigger) {
	s.mu.Lock()
	st.pending = stronger(st.pending, t)
	s.mu.Unlock()
}

var triggerRank = map[types.Trigger]int{
	types.TriggerPoll:    1,
	types.TriggerRetry:   2,
	types.TriggerRefresh: 3,
	types.TriggerSync:    4,
}

// stronger keeps the higher-precedence trigger when deliveries coalesce.
func stronger(a, b types.Trigger) types.Trigger {
	if triggerRank[b] > triggerRank[a] {
		return b
	}
	return a
}

// statusCopyLocked snapshots an application status for callers outside the
// lock. Cycle entries are immutable once recorded, so the slices can share
// them.
func statusCopyLocked(st *appState) types.AppStatus {
	out := st.status
	if st.status.LastCycle != nil {
		last := *st.status.LastCycle
		out.LastCycle = &last
	}
	out.History = append([]types.Cycle(nil), st.status.History...)
	out.Inventory = append([]types.ResourceRef(nil), st.status.Inventory...)
	return out
}

func (s *Scheduler) maybeReady() {
	if s.onReady == nil {
		return
	}
	s.mu.Lock()
	ready := true
	for _, st := range s.apps {
		if !st.firstDone && !st.removing {
			ready = false
			break
		}
	}
	s.mu.Unlock()
	if ready {
		s.readyOnce.Do(s.onReady)
	}
}

func (s *Scheduler) observeQueueDepth() {
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	}
}
