// Package syncer executes operation plans against the destination cluster.
// Waves run strictly in order; batches inside a wave run concurrently under
// the shared API concurrency limit. Failures are contained per operation
// and never abort siblings.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/piercuta/gyre/internal/diff"
	"github.com/piercuta/gyre/internal/kube"
	"github.com/piercuta/gyre/pkg/health"
	"github.com/piercuta/gyre/pkg/resource"
	"github.com/piercuta/gyre/pkg/types"
)

const defaultHealthPoll = 2 * time.Second

// Executor applies plans. One Executor is shared by every application; the
// semaphore bounds in-flight destination API calls across all of them.
type Executor struct {
	Client kube.Interface

	// Sem is the global API concurrency limit. Nil means unbounded.
	Sem *semaphore.Weighted

	// HealthPoll is the interval between health-gate probes.
	HealthPoll time.Duration
}

// Summary aggregates one plan execution.
type Summary struct {
	// Results in execution order, one per operation.
	Results []types.SyncResult

	// Failed counts operations that exhausted their retries.
	Failed int

	// Degraded marks that a health gate timed out. Waves after the gate
	// are recorded as skipped, already-applied waves stay in place.
	Degraded bool

	// Message carries the health-gate detail when Degraded.
	Message string

	// GateWait is the total time spent waiting on health gates.
	GateWait time.Duration
}

// ExecutePlan runs plan to completion or cancellation. The returned error
// is only ever the context's; per-operation failures live in the Summary.
func (e *Executor) ExecutePlan(ctx context.Context, app string, plan *diff.Plan, policy types.SyncPolicy) (*Summary, error) {
	log := logf.FromContext(ctx).WithName("syncer").WithValues("app", app)
	sum := &Summary{}

	for _, wave := range plan.Waves {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if sum.Degraded {
			// An earlier gate timed out. Later waves depend on it, so they
			// are recorded without touching live state.
			for _, op := range wave.Changes {
				sum.Results = append(sum.Results, newResult(op, types.OutcomeSkipped, types.ReasonHealthGateTimeout, "", 0))
			}
			for _, op := range wave.Prunes {
				sum.Results = append(sum.Results, newResult(op, types.OutcomeSkipped, types.ReasonHealthGateTimeout, "", 0))
			}
			continue
		}

		log.V(1).Info("executing wave", "wave", wave.Number, "changes", len(wave.Changes), "prunes", len(wave.Prunes))

		applied := e.runBatch(ctx, app, wave.Changes, policy, sum)
		e.runBatch(ctx, app, wave.Prunes, policy, sum)

		if len(applied) > 0 && policy.HealthTimeout.Duration > 0 {
			gateStart := time.Now()
			unhealthy := e.awaitSettled(ctx, applied, policy.HealthTimeout.Duration)
			sum.GateWait += time.Since(gateStart)
			if len(unhealthy) > 0 {
				sum.Degraded = true
				sum.Message = fmt.Sprintf("wave %d resources not healthy within %s: %s",
					wave.Number, policy.HealthTimeout.Duration, strings.Join(unhealthy, ", "))
				log.Info("health gate timed out", "wave", wave.Number, "unhealthy", unhealthy)
			}
		}
	}

	return sum, ctx.Err()
}

// runBatch executes one batch concurrently and waits for every operation to
// reach a terminal result. Returns the resources applied successfully, for
// health gating.
func (e *Executor) runBatch(ctx context.Context, app string, ops []types.SyncOperation, policy types.SyncPolicy, sum *Summary) []resource.Resource {
	if len(ops) == 0 {
		return nil
	}

	results := make([]types.SyncResult, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op types.SyncOperation) {
			defer wg.Done()
			results[i] = e.runOp(ctx, app, op, policy)
		}(i, op)
	}
	wg.Wait()

	var applied []resource.Resource
	for i, res := range results {
		sum.Results = append(sum.Results, res)
		if res.Outcome == types.OutcomeFailed {
			sum.Failed++
		}
		if res.Outcome == types.OutcomeSucceeded && (ops[i].Op == types.OpCreate || ops[i].Op == types.OpUpdate) {
			applied = append(applied, ops[i].Resource)
		}
	}
	return applied
}

func (e *Executor) runOp(ctx context.Context, app string, op types.SyncOperation, policy types.SyncPolicy) types.SyncResult {
	if op.SkipReason != "" {
		return newResult(op, types.OutcomeSkipped, op.SkipReason, "", 0)
	}

	switch op.Op {
	case types.OpCreate, types.OpUpdate:
		return e.applyOp(ctx, app, op, policy)
	case types.OpDelete, types.OpPrune:
		return e.deleteOp(ctx, op, policy)
	default:
		return newResult(op, types.OutcomeFailed, types.ReasonApplyRejected, fmt.Sprintf("unknown operation %q", op.Op), 0)
	}
}

// applyOp server-side-applies the stamped desired document, retrying
// rejected writes up to the policy limit.
func (e *Executor) applyOp(ctx context.Context, app string, op types.SyncOperation, policy types.SyncPolicy) types.SyncResult {
	desired := op.Resource
	stamped := desired.Stamped(app, desired.ContentHash())

	var lastErr error
	attempts := 0
	backoff := backoffFor(policy.Retry)
	for attempts <= policy.Retry.Limit {
		attempts++
		err := e.withSlot(ctx, func() error {
			_, applyErr := e.Client.Apply(ctx, stamped)
			return applyErr
		})
		if err == nil {
			return newResult(op, types.OutcomeSucceeded, "", "", attempts)
		}
		lastErr = err
		if ctx.Err() != nil {
			return newResult(op, types.OutcomeFailed, types.ReasonCanceled, lastErr.Error(), attempts)
		}
		if attempts > policy.Retry.Limit {
			break
		}
		if !sleep(ctx, backoff.Step()) {
			return newResult(op, types.OutcomeFailed, types.ReasonCanceled, lastErr.Error(), attempts)
		}
	}
	return newResult(op, types.OutcomeFailed, types.ReasonApplyRejected, lastErr.Error(), attempts)
}

// deleteOp removes the live resource. A resource already absent counts as
// Succeeded: the desired effect holds.
func (e *Executor) deleteOp(ctx context.Context, op types.SyncOperation, policy types.SyncPolicy) types.SyncResult {
	var lastErr error
	attempts := 0
	backoff := backoffFor(policy.Retry)
	for attempts <= policy.Retry.Limit {
		attempts++
		err := e.withSlot(ctx, func() error {
			return e.Client.Delete(ctx, op.Resource)
		})
		if err == nil || apierrors.IsNotFound(err) {
			return newResult(op, types.OutcomeSucceeded, "", "", attempts)
		}
		lastErr = err
		if ctx.Err() != nil {
			return newResult(op, types.OutcomeFailed, types.ReasonCanceled, lastErr.Error(), attempts)
		}
		if attempts > policy.Retry.Limit {
			break
		}
		if !sleep(ctx, backoff.Step()) {
			return newResult(op, types.OutcomeFailed, types.ReasonCanceled, lastErr.Error(), attempts)
		}
	}
	return newResult(op, types.OutcomeFailed, types.ReasonApplyRejected, lastErr.Error(), attempts)
}

// awaitSettled polls the applied resources until each reports a settled
// health status or the window closes. Returns the identities still
// unsettled at the deadline.
func (e *Executor) awaitSettled(ctx context.Context, applied []resource.Resource, timeout time.Duration) []string {
	gateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := e.HealthPoll
	if poll <= 0 {
		poll = defaultHealthPoll
	}

	pending := make(map[resource.Key]resource.Resource, len(applied))
	for _, r := range applied {
		pending[r.Key()] = r
	}

	for {
		for key, r := range pending {
			live, err := e.liveState(gateCtx, r)
			if err != nil {
				continue
			}
			if health.Check(live).Settled() {
				delete(pending, key)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-gateCtx.Done():
			names := make([]string, 0, len(pending))
			for key := range pending {
				names = append(names, key.String())
			}
			sort.Strings(names)
			return names
		case <-time.After(poll):
		}
	}
}

func (e *Executor) liveState(ctx context.Context, r resource.Resource) (resource.Resource, error) {
	var live resource.Resource
	err := e.withSlot(ctx, func() error {
		var getErr error
		live, getErr = e.Client.Get(ctx, r.GroupVersionKind(), r.GetNamespace(), r.GetName())
		return getErr
	})
	return live, err
}

// withSlot runs fn while holding one slot of the global API limit.
func (e *Executor) withSlot(ctx context.Context, fn func() error) error {
	if e.Sem != nil {
		if err := e.Sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer e.Sem.Release(1)
	}
	return fn()
}

func backoffFor(r types.RetryPolicy) wait.Backoff {
	b := wait.Backoff{
		Duration: r.BaseDelay.Duration,
		Factor:   r.Factor,
		Steps:    r.Limit,
		Cap:      r.MaxDelay.Duration,
	}
	if b.Duration <= 0 {
		b.Duration = time.Second
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func newResult(op types.SyncOperation, outcome types.Outcome, reason, message string, attempts int) types.SyncResult {
	return types.SyncResult{
		Key:       op.Resource.Key(),
		Op:        op.Op,
		Outcome:   outcome,
		Reason:    reason,
		Message:   message,
		Attempts:  attempts,
		Wave:      op.Wave,
		Timestamp: metav1.Now(),
	}
}
