package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// record is what the loop remembers about a workload between reconciles
type record struct {
	observed       int64
	condition      types.Condition
	lastError      string
	lastReconciled time.Time

	// frozenAt is the generation a rollout halt or fatal error happened at.
	// Nothing is done for the workload until a higher generation arrives.
	frozenAt int64
}

// StatusBook tracks per-workload reconcile outcomes
type StatusBook struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewStatusBook creates an empty status book
func NewStatusBook() *StatusBook {
	return &StatusBook{records: make(map[string]*record)}
}

func (b *StatusBook) get(key string) *record {
	rec, ok := b.records[key]
	if !ok {
		rec = &record{condition: types.ConditionReconciling}
		b.records[key] = rec
	}
	return rec
}

// Observe records the outcome of a reconcile at a generation
func (b *StatusBook) Observe(key string, generation int64, cond types.Condition, err error, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.get(key)
	rec.observed = generation
	rec.condition = cond
	rec.lastReconciled = now
	rec.lastError = ""
	if err != nil {
		rec.lastError = err.Error()
	}
	if cond == types.ConditionRolloutHalted || cond == types.ConditionFailed {
		rec.frozenAt = generation
	}
}

// Frozen reports whether the workload halted or failed at this generation
func (b *StatusBook) Frozen(key string, generation int64) (types.Condition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[key]
	if !ok || rec.frozenAt == 0 || rec.frozenAt != generation {
		return "", false
	}
	return rec.condition, true
}

// Remove forgets a workload
func (b *StatusBook) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
}

// Fill copies the recorded outcome into a status
func (b *StatusBook) Fill(st *types.WorkloadStatus) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[st.Workload]
	if !ok {
		st.Condition = types.ConditionReconciling
		return
	}
	st.ObservedGeneration = rec.observed
	st.Condition = rec.condition
	st.LastError = rec.lastError
	st.LastReconciled = rec.lastReconciled
}

// buildStatus summarises a workload's instances
func buildStatus(spec *types.WorkloadSpec, instances []*types.Instance) *types.WorkloadStatus {
	st := &types.WorkloadStatus{
		Workload:   spec.Key(),
		Kind:       spec.Kind,
		Generation: spec.Generation,
		Desired:    spec.Replicas,
		Instances:  make([]types.InstanceStatus, 0, len(instances)),
	}
	for _, inst := range instances {
		switch inst.Phase {
		case types.PhasePending:
			st.Pending++
		case types.PhaseRunning:
			st.Running++
		case types.PhaseTerminating:
			st.Terminating++
		}
		if inst.Serving() {
			st.Ready++
		}
		st.Instances = append(st.Instances, types.InstanceStatus{
			ID:       inst.ID,
			Identity: inst.Identity(),
			Phase:    inst.Phase,
			Ready:    inst.Ready,
			NodeID:   inst.NodeID,
			Address:  inst.Address,
			Volume:   inst.VolumeHandle,
			Reason:   inst.Reason,
		})
	}
	return st
}

// converged reports whether every desired instance runs the current
// template and is serving
func converged(spec *types.WorkloadSpec, instances []*types.Instance) bool {
	hash := spec.TemplateHash()
	n := 0
	for _, inst := range instances {
		if !inst.Phase.Active() {
			continue
		}
		if !inst.Serving() || inst.TemplateHash != hash {
			return false
		}
		n++
	}
	return n == spec.Replicas
}
