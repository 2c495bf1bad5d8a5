package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/piercuta/gyre/internal/diff"
	"github.com/piercuta/gyre/internal/kube"
	"github.com/piercuta/gyre/pkg/resource"
	"github.com/piercuta/gyre/pkg/types"
)

func TestExecuteCreateStampsOwnership(t *testing.T) {
	f := kube.NewFake()
	e := &Executor{Client: f, HealthPoll: 10 * time.Millisecond}
	cm := testConfigMap("fastapi-env")

	sum, err := e.ExecutePlan(context.Background(), "fastapi", singleWave(0, []types.SyncOperation{createOp(cm, 0)}, nil), fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	if len(sum.Results) != 1 || sum.Results[0].Outcome != types.OutcomeSucceeded {
		t.Fatalf("expected one succeeded result, got %+v", sum.Results)
	}
	if sum.Results[0].Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", sum.Results[0].Attempts)
	}

	stored, ok := f.Object(cm.Key())
	if !ok {
		t.Fatalf("expected %s to exist after sync", cm.Key())
	}
	if owner, _ := stored.Owner(); owner != "fastapi" {
		t.Errorf("expected ownership label fastapi, got %q", owner)
	}
	if stored.AppliedHash() != cm.ContentHash() {
		t.Errorf("expected applied hash %q, got %q", cm.ContentHash(), stored.AppliedHash())
	}
}

func TestExecuteResultsFollowWaveOrder(t *testing.T) {
	f := kube.NewFake()
	early := testConfigMap("early")
	late := testConfigMap("late")
	stray := testConfigMap("stray")
	f.Seed(stray.Stamped("fastapi", stray.ContentHash()))

	// Phase per identity: wave 0 changes, then wave 0 prunes, then wave 1.
	phases := map[string]int{"early": 0, "stray": 1, "late": 2}
	var mu sync.Mutex
	var seen []int
	record := func(key resource.Key) error {
		mu.Lock()
		seen = append(seen, phases[key.Name])
		mu.Unlock()
		return nil
	}
	f.ApplyError = record
	f.DeleteError = record

	e := &Executor{Client: f, HealthPoll: 10 * time.Millisecond}
	p := &diff.Plan{Waves: []diff.Wave{
		{Number: 0, Changes: []types.SyncOperation{createOp(early, 0)}, Prunes: []types.SyncOperation{pruneOp(stray, 0, "")}},
		{Number: 1, Changes: []types.SyncOperation{createOp(late, 1)}},
	}}

	sum, err := e.ExecutePlan(context.Background(), "fastapi", p, fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}

	want := []string{
		"Create ConfigMap piercuta-prod/early Succeeded",
		"Prune ConfigMap piercuta-prod/stray Succeeded",
		"Create ConfigMap piercuta-prod/late Succeeded",
	}
	if got := resultStrings(sum); !equalStrings(got, want) {
		t.Errorf("expected results %v, got %v", want, got)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("operations dispatched out of wave order: %v", seen)
		}
	}
}

func TestExecuteRetriesTransientRejection(t *testing.T) {
	f := kube.NewFake()
	var calls atomic.Int32
	f.ApplyError = func(resource.Key) error {
		if calls.Add(1) <= 2 {
			return errors.New("conflict")
		}
		return nil
	}

	e := &Executor{Client: f}
	cm := testConfigMap("flaky")
	sum, err := e.ExecutePlan(context.Background(), "fastapi", singleWave(0, []types.SyncOperation{createOp(cm, 0)}, nil), fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}

	res := sum.Results[0]
	if res.Outcome != types.OutcomeSucceeded {
		t.Fatalf("expected success after retries, got %s (%s)", res.Outcome, res.Message)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if _, ok := f.Object(cm.Key()); !ok {
		t.Errorf("expected %s to exist after retried apply", cm.Key())
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	f := kube.NewFake()
	broken := testConfigMap("broken")
	fine := testConfigMap("fine")
	f.ApplyError = func(key resource.Key) error {
		if key.Name == "broken" {
			return errors.New("admission webhook denied")
		}
		return nil
	}

	e := &Executor{Client: f}
	p := &diff.Plan{Waves: []diff.Wave{
		{Number: 0, Changes: []types.SyncOperation{createOp(broken, 0), createOp(fine, 0)}},
		{Number: 1, Changes: []types.SyncOperation{createOp(testConfigMap("after"), 1)}},
	}}
	sum, err := e.ExecutePlan(context.Background(), "fastapi", p, fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}

	if sum.Failed != 1 {
		t.Fatalf("expected 1 failed operation, got %d", sum.Failed)
	}
	byName := resultsByName(sum)
	if res := byName["broken"]; res.Outcome != types.OutcomeFailed || res.Reason != types.ReasonApplyRejected {
		t.Errorf("expected broken to fail with ApplyRejected, got %s (%s)", res.Outcome, res.Reason)
	}
	if res := byName["broken"]; res.Attempts != 3 {
		t.Errorf("expected retries exhausted at 3 attempts, got %d", res.Attempts)
	}
	if !strings.Contains(byName["broken"].Message, "admission webhook denied") {
		t.Errorf("expected failure message to carry the API error, got %q", byName["broken"].Message)
	}
	// Siblings and later waves still run to terminal state.
	if res := byName["fine"]; res.Outcome != types.OutcomeSucceeded {
		t.Errorf("expected sibling to succeed, got %s", res.Outcome)
	}
	if res := byName["after"]; res.Outcome != types.OutcomeSucceeded {
		t.Errorf("expected later wave to run after a failure, got %+v", res)
	}
}

func TestExecutePruneRemovesStray(t *testing.T) {
	f := kube.NewFake()
	stray := testConfigMap("leftover").Stamped("fastapi", "aaaa")
	f.Seed(stray)

	e := &Executor{Client: f}
	sum, err := e.ExecutePlan(context.Background(), "fastapi", singleWave(0, nil, []types.SyncOperation{pruneOp(stray, 0, "")}), fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	if sum.Results[0].Outcome != types.OutcomeSucceeded {
		t.Fatalf("expected prune to succeed, got %+v", sum.Results[0])
	}
	if _, ok := f.Object(stray.Key()); ok {
		t.Errorf("expected %s to be gone after prune", stray.Key())
	}
}

func TestExecuteDeleteAbsentSucceeds(t *testing.T) {
	f := kube.NewFake()
	e := &Executor{Client: f}
	gone := testConfigMap("already-gone")

	sum, err := e.ExecutePlan(context.Background(), "fastapi", singleWave(0, nil, []types.SyncOperation{pruneOp(gone, 0, "")}), fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	res := sum.Results[0]
	if res.Outcome != types.OutcomeSucceeded {
		t.Errorf("expected deleting an absent resource to succeed, got %s (%s)", res.Outcome, res.Message)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
}

func TestExecuteSkippedOperationsUntouched(t *testing.T) {
	f := kube.NewFake()
	stray := testConfigMap("protected").Stamped("fastapi", "aaaa")
	f.Seed(stray)
	f.DeleteError = func(resource.Key) error {
		t.Fatal("skipped operation must not reach the API")
		return nil
	}

	e := &Executor{Client: f}
	sum, err := e.ExecutePlan(context.Background(), "fastapi",
		singleWave(0, nil, []types.SyncOperation{pruneOp(stray, 0, types.ReasonPruneDisabled)}), fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}

	res := sum.Results[0]
	if res.Outcome != types.OutcomeSkipped || res.Reason != types.ReasonPruneDisabled {
		t.Fatalf("expected skipped result with pruneDisabled, got %+v", res)
	}
	if res.Attempts != 0 {
		t.Errorf("expected 0 attempts for a skipped operation, got %d", res.Attempts)
	}
	if _, ok := f.Object(stray.Key()); !ok {
		t.Errorf("expected %s to survive a skipped prune", stray.Key())
	}
}

func TestExecuteHealthGateTimesOut(t *testing.T) {
	f := kube.NewFake()
	e := &Executor{Client: f, HealthPoll: 10 * time.Millisecond}
	web := testDeployment("web", 1)

	policy := fastPolicy()
	policy.HealthTimeout = metav1.Duration{Duration: 80 * time.Millisecond}

	p := &diff.Plan{Waves: []diff.Wave{
		{Number: 0, Changes: []types.SyncOperation{createOp(web, 0)}},
		{Number: 1, Changes: []types.SyncOperation{createOp(testConfigMap("late"), 1)}},
	}}
	sum, err := e.ExecutePlan(context.Background(), "fastapi", p, policy)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}

	if !sum.Degraded {
		t.Fatal("expected a degraded summary when the deployment never becomes ready")
	}
	if !strings.Contains(sum.Message, "piercuta-prod/web") {
		t.Errorf("expected gate message to name the resource, got %q", sum.Message)
	}
	if sum.Failed != 0 {
		t.Errorf("a gate timeout is not an operation failure, got %d failed", sum.Failed)
	}
	byName := resultsByName(sum)
	if res := byName["web"]; res.Outcome != types.OutcomeSucceeded {
		t.Errorf("expected the apply itself to succeed, got %+v", res)
	}
	if res := byName["late"]; res.Outcome != types.OutcomeSkipped || res.Reason != types.ReasonHealthGateTimeout {
		t.Errorf("expected later wave skipped with healthGateTimeout, got %+v", res)
	}
	if _, ok := f.Object(testConfigMap("late").Key()); ok {
		t.Error("expected later wave to stay unapplied after a gate timeout")
	}
}

func TestExecuteHealthGateWaitsForReadiness(t *testing.T) {
	f := kube.NewFake()
	e := &Executor{Client: f, HealthPoll: 10 * time.Millisecond}
	web := testDeployment("web", 1)

	policy := fastPolicy()
	policy.HealthTimeout = metav1.Duration{Duration: 2 * time.Second}

	// The controller catches up partway through the gate window.
	go func() {
		time.Sleep(50 * time.Millisecond)
		stored, ok := f.Object(web.Key())
		if !ok {
			return
		}
		markReady(stored)
		f.Put(stored)
	}()

	start := time.Now()
	sum, err := e.ExecutePlan(context.Background(), "fastapi", singleWave(0, []types.SyncOperation{createOp(web, 0)}, nil), policy)
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	if sum.Degraded {
		t.Fatalf("expected gate to pass once ready, got degraded: %s", sum.Message)
	}
	if elapsed := time.Since(start); elapsed >= policy.HealthTimeout.Duration {
		t.Errorf("expected gate to pass before the timeout, took %s", elapsed)
	}
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	f := kube.NewFake()
	var inflight, violations atomic.Int32
	f.ApplyError = func(resource.Key) error {
		if inflight.Add(1) > 1 {
			violations.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}

	e := &Executor{Client: f, Sem: semaphore.NewWeighted(1)}
	ops := []types.SyncOperation{
		createOp(testConfigMap("a"), 0),
		createOp(testConfigMap("b"), 0),
		createOp(testConfigMap("c"), 0),
		createOp(testConfigMap("d"), 0),
	}
	sum, err := e.ExecutePlan(context.Background(), "fastapi", singleWave(0, ops, nil), fastPolicy())
	if err != nil {
		t.Fatalf("executing plan: %v", err)
	}
	if violations.Load() != 0 {
		t.Errorf("expected at most 1 in-flight API call, saw %d violations", violations.Load())
	}
	for _, res := range sum.Results {
		if res.Outcome != types.OutcomeSucceeded {
			t.Errorf("expected %s to succeed, got %s", res.Key, res.Outcome)
		}
	}
}

func TestExecuteCanceled(t *testing.T) {
	f := kube.NewFake()
	e := &Executor{Client: f}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := e.ExecutePlan(ctx, "fastapi", singleWave(0, []types.SyncOperation{createOp(testConfigMap("a"), 0)}, nil), fastPolicy())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sum.Results) != 0 {
		t.Errorf("expected no operations dispatched after cancellation, got %+v", sum.Results)
	}

	// Cancellation during backoff interrupts the retry loop.
	f.ApplyError = func(resource.Key) error { return errors.New("conflict") }
	policy := fastPolicy()
	policy.Retry.BaseDelay = metav1.Duration{Duration: 200 * time.Millisecond}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sum, err = e.ExecutePlan(ctx, "fastapi", singleWave(0, []types.SyncOperation{createOp(testConfigMap("b"), 0)}, nil), policy)
	if err == nil {
		t.Fatal("expected a context error from an interrupted plan")
	}
	res := sum.Results[0]
	if res.Outcome != types.OutcomeFailed || res.Reason != types.ReasonCanceled {
		t.Errorf("expected interrupted operation to fail as Canceled, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt before interruption, got %d", res.Attempts)
	}
}

// Helpers

func fastPolicy() types.SyncPolicy {
	return types.SyncPolicy{
		Automated: true,
		Prune:     true,
		SelfHeal:  true,
		PruneLast: true,
		Retry: types.RetryPolicy{
			Limit:     2,
			BaseDelay: metav1.Duration{Duration: time.Millisecond},
			Factor:    2,
			MaxDelay:  metav1.Duration{Duration: 5 * time.Millisecond},
		},
	}
}

func singleWave(number int, changes, prunes []types.SyncOperation) *diff.Plan {
	return &diff.Plan{Waves: []diff.Wave{{Number: number, Changes: changes, Prunes: prunes}}}
}

func createOp(r resource.Resource, wave int) types.SyncOperation {
	return types.SyncOperation{Op: types.OpCreate, Resource: r, Wave: wave}
}

func pruneOp(r resource.Resource, wave int, skip string) types.SyncOperation {
	return types.SyncOperation{Op: types.OpPrune, Resource: r, Wave: wave, SkipReason: skip}
}

func testConfigMap(name string) resource.Resource {
	return resource.FromMap(map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]any{
			"name":      name,
			"namespace": "piercuta-prod",
		},
		"data": map[string]any{"mode": "standard"},
	})
}

func testDeployment(name string, replicas int64) resource.Resource {
	return resource.FromMap(map[string]any{
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

func markReady(r resource.Resource) {
	_ = unstructured.SetNestedMap(r.Object, map[string]any{
		"observedGeneration": int64(1),
		"replicas":           int64(1),
		"readyReplicas":      int64(1),
		"updatedReplicas":    int64(1),
		"availableReplicas":  int64(1),
	}, "status")
}

func resultStrings(sum *Summary) []string {
	out := make([]string, 0, len(sum.Results))
	for _, res := range sum.Results {
		out = append(out, fmt.Sprintf("%s %s %s", res.Op, res.Key, res.Outcome))
	}
	return out
}

func resultsByName(sum *Summary) map[string]types.SyncResult {
	byName := make(map[string]types.SyncResult, len(sum.Results))
	for _, res := range sum.Results {
		byName[res.Key.Name] = res
	}
	return byName
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
