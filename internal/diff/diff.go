// Package diff computes the ordered operation plan that moves live state to
// desired state. It is pure: no cluster access, no clocks. Every equality
// and ordering rule of the engine lives here so plans can be tested against
// literal before and after resource sets.
package diff

import (
	"sort"

	"github.com/piercuta/gyre/pkg/resource"
	"github.com/piercuta/gyre/pkg/types"
)

// Input is one cycle's comparison material.
type Input struct {
	// App is the owning application name, matched against ownership labels.
	App string

	// Desired is the parsed manifest set, document order.
	Desired []resource.Resource

	// Live is the observed cluster view, keyed by identity.
	Live map[resource.Key]resource.Resource

	Policy types.SyncPolicy
}

// Plan is the wave-ordered operation set for one cycle. Waves appear in
// execution order; batches within a wave are safe to run concurrently.
type Plan struct {
	Waves []Wave
}

// Wave groups the operations of one sync-wave. Prunes execute after
// Changes has fully settled; a plan built with PruneLast=false folds the
// prunes into Changes instead.
type Wave struct {
	Number  int
	Changes []types.SyncOperation
	Prunes  []types.SyncOperation
}

// Operations returns every operation in execution order.
func (p *Plan) Operations() []types.SyncOperation {
	var out []types.SyncOperation
	for _, w := range p.Waves {
		out = append(out, w.Changes...)
		out = append(out, w.Prunes...)
	}
	return out
}

// Executable counts operations the executor would actually perform.
func (p *Plan) Executable() int {
	n := 0
	for _, op := range p.Operations() {
		if op.SkipReason == "" {
			n++
		}
	}
	return n
}

// Empty reports whether the plan contains no operations at all.
func (p *Plan) Empty() bool {
	return len(p.Waves) == 0
}

// BuildPlan compares desired against live and plans the operations that
// close the gap.
//
// Identity present only in desired plans a Create. Present in both with a
// changed content hash plans an Update; an unchanged hash is still checked
// for live drift on the declared fields, which plans an Update under
// selfHeal and a Skipped(selfHealDisabled) otherwise. Present only in live
// plans a Prune when the object carries this application's ownership
// marker; unowned objects are never touched.
func BuildPlan(in Input) *Plan {
	waves := map[int]*Wave{}

	desiredKeys := make(map[resource.Key]bool, len(in.Desired))
	for _, d := range in.Desired {
		key := d.Key()
		desiredKeys[key] = true

		// Wave annotations were validated at load time.
		wave, _ := d.Wave(in.Policy.SyncWaveDefault)
		op := types.SyncOperation{Resource: d, Wave: wave}

		live, exists := in.Live[key]
		if !exists {
			op.Op = types.OpCreate
			appendChange(waves, op)
			continue
		}

		desiredHash := d.ContentHash()
		if live.AppliedHash() != desiredHash {
			// Desired moved since the last apply, or the live object was
			// never applied by this engine and gets adopted.
			op.Op = types.OpUpdate
			appendChange(waves, op)
			continue
		}

		if projectedHash(live, d) != desiredHash {
			op.Op = types.OpUpdate
			if !in.Policy.SelfHeal {
				op.SkipReason = types.ReasonSelfHealDisabled
			}
			appendChange(waves, op)
		}
	}

	for key, live := range in.Live {
		if desiredKeys[key] {
			continue
		}
		owner, ok := live.Owner()
		if !ok || owner != in.App {
			continue
		}

		wave, err := live.Wave(in.Policy.SyncWaveDefault)
		if err != nil {
			wave = in.Policy.SyncWaveDefault
		}
		op := types.SyncOperation{Op: types.OpPrune, Resource: live, Wave: wave}
		switch {
		case live.PruneExempt():
			op.SkipReason = types.ReasonPruneExempt
		case !in.Policy.Prune:
			op.SkipReason = types.ReasonPruneDisabled
		}
		appendPrune(waves, op)
	}

	return assemble(waves, in.Policy.PruneLast, false)
}

// BuildTeardown plans the cascading removal of an application: every owned
// live resource is deleted, in reverse wave order so dependents go before
// their dependencies. Prune-exempt resources are left in place.
func BuildTeardown(app string, live map[resource.Key]resource.Resource, policy types.SyncPolicy) *Plan {
	waves := map[int]*Wave{}

	for _, obj := range live {
		owner, ok := obj.Owner()
		if !ok || owner != app {
			continue
		}
		wave, err := obj.Wave(policy.SyncWaveDefault)
		if err != nil {
			wave = policy.SyncWaveDefault
		}
		op := types.SyncOperation{Op: types.OpDelete, Resource: obj, Wave: wave}
		if obj.PruneExempt() {
			op.SkipReason = types.ReasonPruneExempt
		}
		appendChange(waves, op)
	}

	return assemble(waves, true, true)
}

func appendChange(waves map[int]*Wave, op types.SyncOperation) {
	w := waveFor(waves, op.Wave)
	w.Changes = append(w.Changes, op)
}

func appendPrune(waves map[int]*Wave, op types.SyncOperation) {
	w := waveFor(waves, op.Wave)
	w.Prunes = append(w.Prunes, op)
}

func waveFor(waves map[int]*Wave, n int) *Wave {
	w, ok := waves[n]
	if !ok {
		w = &Wave{Number: n}
		waves[n] = w
	}
	return w
}

// assemble orders the wave map into a plan. Wave order is ascending, or
// descending for teardown. Batches are sorted by identity so plans are
// deterministic.
func assemble(waves map[int]*Wave, pruneLast, reverse bool) *Plan {
	numbers := make([]int, 0, len(waves))
	for n := range waves {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	if reverse {
		for i, j := 0, len(numbers)-1; i < j; i, j = i+1, j-1 {
			numbers[i], numbers[j] = numbers[j], numbers[i]
		}
	}

	plan := &Plan{Waves: make([]Wave, 0, len(numbers))}
	for _, n := range numbers {
		w := waves[n]
		if !pruneLast {
			w.Changes = append(w.Changes, w.Prunes...)
			w.Prunes = nil
		}
		sortOps(w.Changes)
		sortOps(w.Prunes)
		plan.Waves = append(plan.Waves, *w)
	}
	return plan
}

func sortOps(ops []types.SyncOperation) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Resource.Key().String() < ops[j].Resource.Key().String()
	})
}

// projectedHash hashes the live object reduced to the field set desired
// declares. Server-populated fields outside that set never count as drift;
// a declared field that is missing or different live does.
func projectedHash(live, desired resource.Resource) string {
	desiredContent := resource.Normalize(desired.Object)
	return resource.HashContent(project(live.Object, desiredContent))
}

func project(live, desired map[string]any) map[string]any {
	out := make(map[string]any, len(desired))
	for k, dv := range desired {
		lv, ok := live[k]
		if !ok {
			continue
		}
		out[k] = projectValue(lv, dv)
	}
	return out
}

func projectValue(lv, dv any) any {
	switch d := dv.(type) {
	case map[string]any:
		l, ok := lv.(map[string]any)
		if !ok {
			return lv
		}
		return project(l, d)
	case []any:
		l, ok := lv.([]any)
		if !ok {
			return lv
		}
		// Lists pair element-wise. Extra live elements stay, so an
		// injected element reads as drift.
		out := make([]any, len(l))
		for i := range l {
			if i < len(d) {
				out[i] = projectValue(l[i], d[i])
			} else {
				out[i] = l[i]
			}
		}
		return out
	default:
		return lv
	}
}
