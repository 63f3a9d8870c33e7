package reconciler

import (
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// Table is the live instance set owned by the loop. Callers always get
// copies; mutation goes through Put, Update and Delete.
type Table struct {
	mu         sync.RWMutex
	byID       map[string]*types.Instance
	byWorkload map[string]map[string]struct{}
}

// NewTable creates an empty instance table
func NewTable() *Table {
	return &Table{
		byID:       make(map[string]*types.Instance),
		byWorkload: make(map[string]map[string]struct{}),
	}
}

// Put inserts or replaces an instance
func (t *Table) Put(inst *types.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID[inst.ID] = inst.Clone()
	ids, ok := t.byWorkload[inst.Workload]
	if !ok {
		ids = make(map[string]struct{})
		t.byWorkload[inst.Workload] = ids
	}
	ids[inst.ID] = struct{}{}
}

// Get returns a copy of an instance
func (t *Table) Get(id string) (*types.Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	inst, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// Update applies fn to an instance under the table lock and returns a copy
// of the result. It reports false when the instance is unknown.
func (t *Table) Update(id string, fn func(inst *types.Instance)) (*types.Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	fn(inst)
	return inst.Clone(), true
}

// Delete removes an instance and returns its last state
func (t *Table) Delete(id string) (*types.Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	if ids := t.byWorkload[inst.Workload]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.byWorkload, inst.Workload)
		}
	}
	return inst, true
}

// List returns the instances of a workload, oldest first
func (t *Table) List(workload string) []*types.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*types.Instance, 0, len(t.byWorkload[workload]))
	for id := range t.byWorkload[workload] {
		out = append(out, t.byID[id].Clone())
	}
	sortInstances(out)
	return out
}

// All returns every instance
func (t *Table) All() []*types.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*types.Instance, 0, len(t.byID))
	for _, inst := range t.byID {
		out = append(out, inst.Clone())
	}
	sortInstances(out)
	return out
}

// OnNode returns the instances placed on a node
func (t *Table) OnNode(nodeID string) []*types.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*types.Instance
	for _, inst := range t.byID {
		if inst.NodeID == nodeID {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out
}

// Workloads returns the keys of workloads that have instances
func (t *Table) Workloads() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.byWorkload))
	for key := range t.byWorkload {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func sortInstances(out []*types.Instance) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Workload != out[j].Workload {
			return out[i].Workload < out[j].Workload
		}
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
