package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/semaphore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/piercuta/gyre/internal/config"
	"github.com/piercuta/gyre/internal/kube"
	"github.com/piercuta/gyre/internal/manifest"
	"github.com/piercuta/gyre/internal/metrics"
	"github.com/piercuta/gyre/internal/report"
	"github.com/piercuta/gyre/internal/syncer"
	"github.com/piercuta/gyre/pkg/resource"
	"github.com/piercuta/gyre/pkg/types"
)

// fakeLoader serves canned desired state per application.
type fakeLoader struct {
	mu      sync.Mutex
	results map[string]*manifest.LoadResult
	errs    map[string]error
	calls   map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		results: map[string]*manifest.LoadResult{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (f *fakeLoader) Load(_ context.Context, app string, _ manifest.Source, _ string) (*manifest.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[app]++
	if err := f.errs[app]; err != nil {
		return nil, err
	}
	res, ok := f.results[app]
	if !ok {
		return &manifest.LoadResult{Revision: "0000000"}, nil
	}
	out := *res
	out.Resources = append([]resource.Resource(nil), res.Resources...)
	return &out, nil
}

func (f *fakeLoader) set(app string, res *manifest.LoadResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[app] = res
}

func (f *fakeLoader) setErr(app string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, app)
		return
	}
	f.errs[app] = err
}

func (f *fakeLoader) callCount(app string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[app]
}

// fixture owns one scheduler wired to in-memory fakes.
type fixture struct {
	fake   *kube.Fake
	loader *fakeLoader
	sched  *Scheduler
	ready  chan struct{}
}

func newEngine(apps ...config.Application) *fixture {
	f := &fixture{
		fake:   kube.NewFake(),
		loader: newFakeLoader(),
		ready:  make(chan struct{}),
	}
	f.sched = New(Options{
		Loader: f.loader,
		Kube:   f.fake,
		Executor: &syncer.Executor{
			Client:     f.fake,
			Sem:        semaphore.NewWeighted(4),
			HealthPoll: 10 * time.Millisecond,
		},
		Reporter:       report.LogReporter{},
		Metrics:        metrics.NewEngineMetrics(),
		ObserveTimeout: 2 * time.Second,
		HistoryLimit:   5,
		Workers:        2,
		OnReady:        func() { close(f.ready) },
		Applications:   apps,
	})
	// Retry backoff shrinks so failure paths converge inside test windows.
	f.sched.queue = newQueue(5*time.Millisecond, 40*time.Millisecond)
	return f
}

func (f *fixture) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer GinkgoRecover()
		_ = f.sched.Run(ctx)
	}()
	DeferCleanup(func() {
		cancel()
		Eventually(done).Should(BeClosed())
	})
}

func (f *fixture) status(app string) types.AppStatus {
	st, _ := f.sched.Application(app)
	return st
}

func (f *fixture) lastState(app string) func() types.CycleState {
	return func() types.CycleState {
		st, ok := f.sched.Application(app)
		if !ok || st.LastCycle == nil {
			return ""
		}
		return st.LastCycle.State
	}
}

func (f *fixture) objectExists(key resource.Key) func() bool {
	return func() bool {
		_, ok := f.fake.Object(key)
		return ok
	}
}

// findCycle searches the last cycle and the history for one in state.
func (f *fixture) findCycle(app string, state types.CycleState) (types.Cycle, bool) {
	st, ok := f.sched.Application(app)
	if !ok {
		return types.Cycle{}, false
	}
	if st.LastCycle != nil && st.LastCycle.State == state {
		return *st.LastCycle, true
	}
	for _, c := range st.History {
		if c.State == state {
			return c, true
		}
	}
	return types.Cycle{}, false
}

func testApp(name string) config.Application {
	return config.Application{
		Name: name,
		Source: manifest.Source{
			RepoURL:  "https://git.test/team/" + name + ".git",
			Revision: "main",
		},
		Destination: config.Destination{Namespace: "piercuta-prod"},
		Policy: &types.SyncPolicy{
			Automated: true,
			Prune:     true,
			SelfHeal:  true,
			PruneLast: true,
			Retry: types.RetryPolicy{
				Limit:     1,
				BaseDelay: metav1.Duration{Duration: time.Millisecond},
				Factor:    2,
				MaxDelay:  metav1.Duration{Duration: 5 * time.Millisecond},
			},
		},
		SyncInterval: &metav1.Duration{Duration: time.Hour},
	}
}

func appConfigMap(name, mode string) resource.Resource {
	return resource.FromMap(map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]any{
			"name":      name,
			"namespace": "piercuta-prod",
		},
		"data": map[string]any{"mode": mode},
	})
}

func appDeployment(name string) resource.Resource {
	return resource.FromMap(map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      name,
			"namespace": "piercuta-prod",
		},
		"spec": map[string]any{
			"replicas": int64(1),
			"selector": map[string]any{
				"matchLabels": map[string]any{"app": name},
			},
			"template": map[string]any{
				"metadata": map[string]any{
					"labels": map[string]any{"app": name},
				},
				"spec": map[string]any{
					"containers": []any{
						map[string]any{"name": name, "image": "ghcr.io/piercuta/" + name + ":1.4.0"},
					},
				},
			},
		},
	})
}

func loadResult(revision string, rs ...resource.Resource) *manifest.LoadResult {
	return &manifest.LoadResult{Revision: revision, Resources: rs}
}

func ownedBy(app string, r resource.Resource) resource.Resource {
	return r.Stamped(app, r.ContentHash())
}

func cmKey(name string) resource.Key {
	return resource.Key{Kind: "ConfigMap", Namespace: "piercuta-prod", Name: name}
}

var _ = Describe("Scheduler", func() {

	Context("automated reconciliation", func() {
		It("creates desired resources and converges to InSync", func() {
			f := newEngine(testApp("fastapi"))
			f.loader.set("fastapi", loadResult("4f2a9c1",
				appConfigMap("web-config", "standard"),
				appConfigMap("cache-config", "standard"),
			))
			f.start()

			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))

			obj, ok := f.fake.Object(cmKey("web-config"))
			Expect(ok).To(BeTrue())
			owner, ok := obj.Owner()
			Expect(ok).To(BeTrue())
			Expect(owner).To(Equal("fastapi"))

			st := f.status("fastapi")
			Expect(st.Phase).To(Equal(types.PhaseIdle))
			Expect(st.SyncedRevision).To(Equal("4f2a9c1"))
			Expect(st.Inventory).To(HaveLen(2))
			Expect(st.LastCycle.Results).To(HaveLen(2))
			Expect(st.LastCycle.Trigger).To(Equal(types.TriggerPoll))
		})

		It("prunes owned resources that left desired state", func() {
			f := newEngine(testApp("fastapi"))
			f.fake.Seed(ownedBy("fastapi", appConfigMap("stray", "old")))
			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			f.start()

			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))
			Eventually(f.objectExists(cmKey("stray"))).Should(BeFalse())
			Expect(f.objectExists(cmKey("web-config"))()).To(BeTrue())
		})

		It("never touches resources owned by nobody", func() {
			f := newEngine(testApp("fastapi"))
			f.fake.Seed(appConfigMap("foreign", "keep"))
			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			f.start()

			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))
			obj, ok := f.fake.Object(cmKey("foreign"))
			Expect(ok).To(BeTrue())
			_, owned := obj.Owner()
			Expect(owned).To(BeFalse())
		})

		It("heals drift on declared fields when a refresh lands", func() {
			f := newEngine(testApp("fastapi"))
			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			f.start()
			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))

			// An outside actor edits a declared field. The applied-hash
			// annotation still matches, so only field projection can see it.
			drifted, ok := f.fake.Object(cmKey("web-config"))
			Expect(ok).To(BeTrue())
			Expect(unstructured.SetNestedField(drifted.Object, "hacked", "data", "mode")).To(Succeed())
			f.fake.Put(drifted)

			Expect(f.sched.Refresh("fastapi", "", "drift-check")).To(BeTrue())
			Eventually(func() string {
				obj, ok := f.fake.Object(cmKey("web-config"))
				if !ok {
					return ""
				}
				mode, _, _ := unstructured.NestedString(obj.Object, "data", "mode")
				return mode
			}).Should(Equal("standard"))
		})
	})

	Context("refresh and manual sync", func() {
		It("runs a refresh cycle and clears the requested revision once synced", func() {
			f := newEngine(testApp("fastapi"))
			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			f.start()
			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))

			f.loader.set("fastapi", loadResult("9c1d2e3f",
				appConfigMap("web-config", "standard"),
				appConfigMap("feature-flags", "canary"),
			))
			Expect(f.sched.Refresh("fastapi", "9c1d2e3f", "github-push")).To(BeTrue())

			Eventually(func() string {
				return f.status("fastapi").SyncedRevision
			}).Should(Equal("9c1d2e3f"))

			st := f.status("fastapi")
			Expect(st.RequestedRevision).To(BeEmpty())
			Expect(st.LastCycle.Trigger).To(Equal(types.TriggerRefresh))
			Expect(f.objectExists(cmKey("feature-flags"))()).To(BeTrue())
		})

		It("rejects refreshes for unknown applications", func() {
			f := newEngine(testApp("fastapi"))
			f.start()
			Expect(f.sched.Refresh("ghost", "abc1234", "github-push")).To(BeFalse())
		})

		It("holds operations for a manual application until an explicit sync", func() {
			app := testApp("manual-api")
			app.Policy.Automated = false
			f := newEngine(app)
			f.loader.set("manual-api", loadResult("4f2a9c1", appConfigMap("held", "standard")))
			f.start()

			Eventually(f.lastState("manual-api")).Should(Equal(types.StateOutOfSync))
			st := f.status("manual-api")
			Expect(st.LastCycle.Reason).To(Equal(types.ReasonManualSyncRequired))
			Expect(st.LastCycle.PendingOps).To(Equal(1))
			Expect(f.objectExists(cmKey("held"))()).To(BeFalse())

			Expect(f.sched.Sync("manual-api")).To(BeTrue())
			Eventually(f.lastState("manual-api")).Should(Equal(types.StateInSync))
			Expect(f.objectExists(cmKey("held"))()).To(BeTrue())
			Expect(f.status("manual-api").LastCycle.Trigger).To(Equal(types.TriggerSync))
		})
	})

	Context("paused applications", func() {
		It("observes and reports without executing", func() {
			app := testApp("frozen")
			app.Paused = true
			f := newEngine(app)
			f.loader.set("frozen", loadResult("4f2a9c1", appConfigMap("frozen-config", "standard")))
			f.start()

			Eventually(f.lastState("frozen")).Should(Equal(types.StateOutOfSync))
			st := f.status("frozen")
			Expect(st.Paused).To(BeTrue())
			Expect(st.LastCycle.Reason).To(Equal(types.ReasonPaused))
			Expect(st.LastCycle.PendingOps).To(Equal(1))
			Expect(f.objectExists(cmKey("frozen-config"))()).To(BeFalse())
		})
	})

	Context("failure handling", func() {
		It("backs off and recovers when the source becomes available", func() {
			f := newEngine(testApp("fastapi"))
			f.loader.setErr("fastapi", &manifest.SourceUnavailableError{
				Source: "https://git.test/team/fastapi.git@main",
				Err:    fmt.Errorf("connect: connection refused"),
			})
			f.start()

			Eventually(f.lastState("fastapi")).Should(Equal(types.StateError))
			Expect(f.status("fastapi").LastCycle.Reason).To(Equal(types.ReasonSourceUnavailable))

			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			f.loader.setErr("fastapi", nil)

			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))
			Expect(f.status("fastapi").LastCycle.Trigger).To(Equal(types.TriggerRetry))
		})

		It("quarantines conflicting desired state until the next poll", func() {
			f := newEngine(testApp("conflicted"))
			f.loader.setErr("conflicted", &manifest.ConflictError{
				Key:        cmKey("web-config"),
				FirstPath:  "base/config.yaml",
				SecondPath: "overlays/config.yaml",
			})
			f.start()

			Eventually(f.lastState("conflicted")).Should(Equal(types.StateError))
			Expect(f.status("conflicted").LastCycle.Reason).To(Equal(types.ReasonConflictError))

			// No backoff retry for ambiguity: the load count stays put.
			calls := f.loader.callCount("conflicted")
			Consistently(func() int {
				return f.loader.callCount("conflicted")
			}, 150*time.Millisecond, 20*time.Millisecond).Should(Equal(calls))
		})

		It("applies the valid remainder when documents fail to parse, holding prunes", func() {
			f := newEngine(testApp("fastapi"))
			f.fake.Seed(ownedBy("fastapi", appConfigMap("stray", "old")))
			res := loadResult("4f2a9c1", appConfigMap("good", "standard"))
			res.ParseErrors = []*manifest.ParseError{
				{Path: "broken.yaml", Detail: fmt.Errorf("document 0: mapping values are not allowed")},
			}
			f.loader.set("fastapi", res)
			f.start()

			Eventually(f.objectExists(cmKey("good"))).Should(BeTrue())
			Eventually(f.lastState("fastapi")).Should(Equal(types.StateError))
			st := f.status("fastapi")
			Expect(st.LastCycle.Reason).To(Equal(types.ReasonParseError))
			Expect(st.LastCycle.ParseFailures).To(HaveLen(1))

			// The stray survives: a partial desired set must not prune.
			Expect(f.objectExists(cmKey("stray"))()).To(BeTrue())
		})

		It("surfaces rejected applies and retries them", func() {
			f := newEngine(testApp("fastapi"))
			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			var allow atomic.Bool
			f.fake.ApplyError = func(resource.Key) error {
				if allow.Load() {
					return nil
				}
				return fmt.Errorf("admission webhook denied the request")
			}
			f.start()

			Eventually(f.lastState("fastapi")).Should(Equal(types.StateError))
			st := f.status("fastapi")
			Expect(st.LastCycle.Reason).To(Equal(types.ReasonApplyRejected))
			Expect(st.LastCycle.Results).NotTo(BeEmpty())
			Expect(st.LastCycle.Results[0].Outcome).To(Equal(types.OutcomeFailed))

			allow.Store(true)
			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))
			Expect(f.objectExists(cmKey("web-config"))()).To(BeTrue())
		})
	})

	Context("health gating", func() {
		It("marks the cycle Degraded when applied resources never settle", func() {
			app := testApp("fastapi")
			policy := *app.Policy
			policy.HealthTimeout = metav1.Duration{Duration: 60 * time.Millisecond}
			app.Policy = &policy
			f := newEngine(app)
			// A Deployment with no status reads as Progressing forever.
			f.loader.set("fastapi", loadResult("4f2a9c1", appDeployment("web")))
			f.start()

			Eventually(func() bool {
				_, ok := f.findCycle("fastapi", types.StateDegraded)
				return ok
			}).Should(BeTrue())
			degraded, _ := f.findCycle("fastapi", types.StateDegraded)
			Expect(degraded.Reason).To(Equal(types.ReasonHealthTimeout))
			Expect(degraded.Message).To(ContainSubstring("piercuta-prod/web"))

			// The retry finds nothing left to apply and settles.
			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))
		})
	})

	Context("removal", func() {
		It("cascades deletion of owned resources", func() {
			f := newEngine(testApp("fastapi"))
			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			f.start()
			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))

			Expect(f.sched.Remove("fastapi", true)).To(BeTrue())
			Eventually(func() bool {
				_, ok := f.sched.Application("fastapi")
				return ok
			}).Should(BeFalse())
			Eventually(f.objectExists(cmKey("web-config"))).Should(BeFalse())
			Expect(f.sched.Applications()).To(BeEmpty())
			Expect(f.sched.Remove("fastapi", true)).To(BeFalse())
		})

		It("keeps resources in place when cascade is off", func() {
			f := newEngine(testApp("fastapi"))
			f.loader.set("fastapi", loadResult("4f2a9c1", appConfigMap("web-config", "standard")))
			f.start()
			Eventually(f.lastState("fastapi")).Should(Equal(types.StateInSync))

			Expect(f.sched.Remove("fastapi", false)).To(BeTrue())
			Eventually(func() bool {
				_, ok := f.sched.Application("fastapi")
				return ok
			}).Should(BeFalse())
			Expect(f.objectExists(cmKey("web-config"))()).To(BeTrue())
		})
	})

	Context("status listing", func() {
		It("lists applications sorted by name and signals readiness", func() {
			f := newEngine(testApp("api-beta"), testApp("api-alpha"))
			f.start()

			Eventually(f.ready).Should(BeClosed())
			apps := f.sched.Applications()
			Expect(apps).To(HaveLen(2))
			Expect(apps[0].Name).To(Equal("api-alpha"))
			Expect(apps[1].Name).To(Equal("api-beta"))
		})
	})

	Context("trigger coalescing", func() {
		It("keeps the strongest pending trigger", func() {
			Expect(stronger(types.TriggerPoll, types.TriggerSync)).To(Equal(types.TriggerSync))
			Expect(stronger(types.TriggerSync, types.TriggerPoll)).To(Equal(types.TriggerSync))
			Expect(stronger(types.TriggerRetry, types.TriggerRefresh)).To(Equal(types.TriggerRefresh))
			Expect(stronger("", types.TriggerPoll)).To(Equal(types.TriggerPoll))
		})
	})
})
