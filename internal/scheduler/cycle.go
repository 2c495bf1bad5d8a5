package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/piercuta/gyre/internal/diff"
	"github.com/piercuta/gyre/internal/manifest"
	"github.com/piercuta/gyre/internal/observer"
	"github.com/piercuta/gyre/pkg/resource"
	"github.com/piercuta/gyre/pkg/types"
)

// runCycle performs one observe, diff, execute, report pass for st. The
// returned bool asks the queue for a backoff retry; cycles that only the
// source changing can fix wait for the next poll instead.
func (s *Scheduler) runCycle(ctx context.Context, st *appState, trigger types.Trigger) bool {
	name := st.cfg.Name
	log := logf.FromContext(ctx).WithName("scheduler").WithValues("app", name)

	s.mu.Lock()
	st.nextCycle++
	cycle := types.Cycle{
		ID:        st.nextCycle,
		App:       name,
		Trigger:   trigger,
		StartedAt: metav1.Now(),
	}
	st.status.Phase = types.PhaseObserving
	paused := st.cfg.Paused
	policy := st.policy()
	inventory := append([]types.ResourceRef(nil), st.status.Inventory...)
	s.mu.Unlock()

	log.V(1).Info("cycle started", "cycle", cycle.ID, "trigger", trigger)

	// Desired state.
	loadStart := time.Now()
	loaded, err := s.loader.Load(ctx, name, st.cfg.Source, st.cfg.Destination.Namespace)
	s.observeLoad(time.Since(loadStart), err)
	if err != nil {
		log.Error(err, "loading desired state failed", "cycle", cycle.ID)
		cycle.State = types.StateError
		cycle.Reason = types.ReasonSourceUnavailable
		cycle.Message = err.Error()

		var conflict *manifest.ConflictError
		if errors.As(err, &conflict) {
			// Ambiguous desired state. Retrying cannot resolve it; the
			// next poll rechecks the source.
			cycle.Reason = types.ReasonConflictError
			s.finishCycle(ctx, st, &cycle, nil)
			return false
		}
		s.finishCycle(ctx, st, &cycle, nil)
		return true
	}
	cycle.Revision = loaded.Revision
	for _, pe := range loaded.ParseErrors {
		cycle.ParseFailures = append(cycle.ParseFailures, pe.Error())
	}
	if len(loaded.ParseErrors) > 0 {
		// A document that failed to parse has no identity, so the desired
		// set is incomplete. Pruning against it could delete resources
		// that are merely broken in the source; hold prunes until the
		// tree parses clean.
		policy.Prune = false
	}

	// Live state. Inventory kinds stay tracked so strays of removed kinds
	// remain observable.
	st.observer.Track(ctx, trackedKinds(loaded.Resources, inventory))
	obsStart := time.Now()
	obsCtx, cancel := context.WithTimeout(ctx, s.observeTimeout)
	snap, err := st.observer.Snapshot(obsCtx)
	cancel()
	cycle.ObserveDuration = metav1.Duration{Duration: time.Since(obsStart)}
	if err != nil {
		log.Error(err, "no live view", "cycle", cycle.ID)
		cycle.State = types.StateError
		cycle.Reason = types.ReasonObserveTimeout
		cycle.Message = err.Error()
		s.finishCycle(ctx, st, &cycle, nil)
		return true
	}
	if snap.Stale {
		cycle.StaleSnapshot = true
		if s.metrics != nil {
			s.metrics.SnapshotStale.WithLabelValues(name).Inc()
		}
	}

	// Plan.
	s.setPhase(st, types.PhaseDiffing)
	diffStart := time.Now()
	plan := diff.BuildPlan(diff.Input{
		App:     name,
		Desired: loaded.Resources,
		Live:    snap.Objects,
		Policy:  policy,
	})
	cycle.DiffDuration = metav1.Duration{Duration: time.Since(diffStart)}
	newInventory := buildInventory(name, loaded.Resources, snap)

	// Execution gates.
	switch {
	case plan.Empty():
		cycle.State = types.StateInSync
		s.finishCycle(ctx, st, &cycle, newInventory)
		return false
	case paused:
		cycle.State = types.StateOutOfSync
		cycle.Reason = types.ReasonPaused
		cycle.PendingOps = plan.Executable()
		s.finishCycle(ctx, st, &cycle, newInventory)
		return false
	case !policy.Automated && trigger != types.TriggerSync:
		cycle.State = types.StateOutOfSync
		cycle.Reason = types.ReasonManualSyncRequired
		cycle.PendingOps = plan.Executable()
		s.finishCycle(ctx, st, &cycle, newInventory)
		return false
	}

	// Execute.
	s.setPhase(st, types.PhaseSyncing)
	syncStart := time.Now()
	sum, execErr := s.executor.ExecutePlan(ctx, name, plan, policy)
	cycle.SyncDuration = metav1.Duration{Duration: time.Since(syncStart)}
	cycle.Results = sum.Results
	s.observeOperations(sum.Results, sum.GateWait)

	retry := false
	switch {
	case execErr != nil:
		cycle.State = types.StateError
		cycle.Reason = types.ReasonCanceled
		cycle.Message = execErr.Error()
	case sum.Failed > 0:
		cycle.State = types.StateError
		cycle.Reason = failureReason(sum.Results)
		cycle.Message = fmt.Sprintf("%d of %d operations failed", sum.Failed, len(sum.Results))
		retry = true
	case sum.Degraded:
		cycle.State = types.StateDegraded
		cycle.Reason = types.ReasonHealthTimeout
		cycle.Message = sum.Message
		retry = true
	default:
		if reason, ok := policySkip(sum.Results); ok {
			cycle.State = types.StateOutOfSync
			cycle.Reason = reason
		} else {
			cycle.State = types.StateInSync
		}
	}

	s.finishCycle(ctx, st, &cycle, newInventory)
	return retry
}

// finishCycle stamps the cycle terminal, folds it into the application
// status, and fans the status out.
func (s *Scheduler) finishCycle(ctx context.Context, st *appState, cycle *types.Cycle, inventory []types.ResourceRef) {
	// Parse failures downgrade a clean cycle: the valid remainder was
	// reconciled, but the desired tree is broken and the status should say
	// so. Execution-level outcomes keep their own state and message.
	if len(cycle.ParseFailures) > 0 &&
		(cycle.State == types.StateInSync || cycle.State == types.StateOutOfSync) {
		cycle.State = types.StateError
		cycle.Reason = types.ReasonParseError
		cycle.Message = fmt.Sprintf("%d documents failed to parse", len(cycle.ParseFailures))
	}
	cycle.FinishedAt = metav1.Now()

	s.mu.Lock()
	st.status.Phase = types.PhaseIdle
	if prev := st.status.LastCycle; prev != nil {
		st.status.History = append([]types.Cycle{*prev}, st.status.History...)
		if s.historyLimit > 0 && len(st.status.History) > s.historyLimit {
			st.status.History = st.status.History[:s.historyLimit]
		}
	}
	st.status.LastCycle = cycle
	if cycle.State == types.StateInSync {
		st.status.SyncedRevision = cycle.Revision
	}
	if st.status.RequestedRevision != "" && st.status.RequestedRevision == cycle.Revision {
		st.status.RequestedRevision = ""
	}
	if inventory != nil {
		st.status.Inventory = inventory
	}
	st.firstDone = true
	status := statusCopyLocked(st)
	s.mu.Unlock()

	if s.reporter != nil {
		if err := s.reporter.Report(ctx, status); err != nil {
			logf.FromContext(ctx).WithName("scheduler").Error(err, "status report failed", "app", status.Name)
		}
	}
	s.observeCycle(cycle)
	s.maybeReady()
}

// teardown runs the removal of an application on its queue slot. With
// cascade, owned live resources are deleted in reverse wave order.
func (s *Scheduler) teardown(ctx context.Context, st *appState, cascade bool) {
	name := st.cfg.Name
	log := logf.FromContext(ctx).WithName("scheduler").WithValues("app", name)

	s.mu.Lock()
	inventory := append([]types.ResourceRef(nil), st.status.Inventory...)
	s.mu.Unlock()

	if cascade && len(inventory) > 0 {
		st.observer.Track(ctx, trackedKinds(nil, inventory))
		obsCtx, cancel := context.WithTimeout(ctx, s.observeTimeout)
		snap, err := st.observer.Snapshot(obsCtx)
		cancel()
		if err != nil {
			log.Error(err, "cascade delete skipped, no live view")
		} else {
			plan := diff.BuildTeardown(name, snap.Objects, st.policy())
			sum, err := s.executor.ExecutePlan(ctx, name, plan, st.policy())
			if err != nil {
				log.Error(err, "cascade delete interrupted")
			} else {
				s.observeOperations(sum.Results, sum.GateWait)
				log.Info("cascade delete finished", "operations", len(sum.Results), "failed", sum.Failed)
			}
		}
	}

	st.observer.Stop()
	s.mu.Lock()
	delete(s.apps, name)
	s.mu.Unlock()

	s.refreshStateGauges()
	s.maybeReady()
	log.Info("application removed", "cascade", cascade)
}

func (s *Scheduler) setPhase(st *appState, phase types.Phase) {
	s.mu.Lock()
	st.status.Phase = phase
	s.mu.Unlock()
}

// trackedKinds is the union of desired kinds and inventory kinds, so kinds
// that left desired state stay watched until their strays are gone.
func trackedKinds(desired []resource.Resource, inventory []types.ResourceRef) []schema.GroupVersionKind {
	seen := map[schema.GroupVersionKind]bool{}
	var out []schema.GroupVersionKind
	for _, r := range desired {
		if gvk := r.GroupVersionKind(); !seen[gvk] {
			seen[gvk] = true
			out = append(out, gvk)
		}
	}
	for _, ref := range inventory {
		if gvk := ref.GroupVersionKind(); !seen[gvk] {
			seen[gvk] = true
			out = append(out, gvk)
		}
	}
	return out
}

// buildInventory records what the application is responsible for after this
// cycle: everything desired plus every owned live object. An owned stray
// whose prune failed or was skipped stays listed, so its kind stays
// tracked.
func buildInventory(app string, desired []resource.Resource, snap *observer.Snapshot) []types.ResourceRef {
	seen := map[resource.Key]bool{}
	var out []types.ResourceRef
	for _, r := range desired {
		if key := r.Key(); !seen[key] {
			seen[key] = true
			out = append(out, types.RefOf(r))
		}
	}
	for _, r := range snap.Owned(app) {
		if key := r.Key(); !seen[key] {
			seen[key] = true
			out = append(out, types.RefOf(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// failureReason picks the reason of the first failed result.
func failureReason(results []types.SyncResult) string {
	for _, res := range results {
		if res.Outcome == types.OutcomeFailed && res.Reason != "" {
			return res.Reason
		}
	}
	return types.ReasonApplyRejected
}

// policySkip reports whether any operation was skipped by sync policy.
// Health-gate skips belong to Degraded and do not count.
func policySkip(results []types.SyncResult) (string, bool) {
	for _, res := range results {
		if res.Outcome == types.OutcomeSkipped && res.Reason != types.ReasonHealthGateTimeout {
			return res.Reason, true
		}
	}
	return "", false
}

func (s *Scheduler) observeLoad(d time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.GitFetchDuration.WithLabelValues("load").Observe(d.Seconds())
	s.metrics.GitFetchTotal.WithLabelValues("load", result).Inc()
}

func (s *Scheduler) observeOperations(results []types.SyncResult, gateWait time.Duration) {
	if s.metrics == nil {
		return
	}
	for _, res := range results {
		s.metrics.OperationsTotal.WithLabelValues(string(res.Op), string(res.Outcome)).Inc()
	}
	if gateWait > 0 {
		s.metrics.HealthGateWait.Observe(gateWait.Seconds())
	}
}

func (s *Scheduler) observeCycle(cycle *types.Cycle) {
	if s.metrics == nil {
		return
	}
	s.metrics.CycleDuration.WithLabelValues(cycle.App).
		Observe(cycle.FinishedAt.Sub(cycle.StartedAt.Time).Seconds())
	s.metrics.CyclesTotal.WithLabelValues(cycle.App, string(cycle.State)).Inc()
	s.metrics.LastCycleTime.WithLabelValues(cycle.App).Set(float64(cycle.FinishedAt.Unix()))
	s.refreshStateGauges()
}

// refreshStateGauges recomputes the per-state application counts. Every
// state is written so a vacated one drops to zero.
func (s *Scheduler) refreshStateGauges() {
	if s.metrics == nil {
		return
	}
	counts := map[types.CycleState]int{}
	s.mu.Lock()
	for _, st := range s.apps {
		if st.status.LastCycle != nil {
			counts[st.status.LastCycle.State]++
		}
	}
	s.mu.Unlock()

	for _, state := range []types.CycleState{types.StateInSync, types.StateOutOfSync, types.StateDegraded, types.StateError} {
		s.metrics.AppsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
