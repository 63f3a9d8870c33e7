package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
)

// Raft log operations
const (
	opDeclareWorkload = "declare_workload"
	opScaleWorkload   = "scale_workload"
	opDeleteWorkload  = "delete_workload"
	opPutNode         = "put_node"
	opDeleteNode      = "delete_node"
	opPutClaim        = "put_claim"
	opDeleteClaim     = "delete_claim"
)

// BurrowFSM implements the Raft Finite State Machine for burrow's declared state.
// It applies committed log entries to the store and handles snapshots.
type BurrowFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewBurrowFSM creates a new FSM instance
func NewBurrowFSM(store storage.Store) *BurrowFSM {
	return &BurrowFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// claimRef identifies a claim in delete_claim commands
type claimRef struct {
	Workload string `json:"workload"`
	Ordinal  int    `json:"ordinal"`
}

// scaleCommand rewrites the replica count of the stored spec. Autoscale
// marks writes made by the autoscaler, which also record At as the last
// autoscaling action.
type scaleCommand struct {
	Key       string    `json:"key"`
	Replicas  int       `json:"replicas"`
	At        time.Time `json:"at"`
	Autoscale bool      `json:"autoscale,omitempty"`
}

// scaleResult is the FSM response to scale_workload
type scaleResult struct {
	Spec *types.WorkloadSpec
	From int
}

func newCommand(op string, v interface{}) (Command, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s: %w", op, err)
	}
	return Command{Op: op, Data: data}, nil
}

// Apply applies a Raft log entry to the FSM.
// The returned value is an error, the stored spec for declare_workload, a
// *scaleResult for scale_workload, or nil.
func (f *BurrowFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opDeclareWorkload:
		var spec types.WorkloadSpec
		if err := json.Unmarshal(cmd.Data, &spec); err != nil {
			return err
		}
		return f.declare(&spec)

	case opScaleWorkload:
		var sc scaleCommand
		if err := json.Unmarshal(cmd.Data, &sc); err != nil {
			return err
		}
		return f.scale(sc)

	case opDeleteWorkload:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		return f.store.DeleteWorkload(key)

	case opPutNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.PutNode(&node)

	case opDeleteNode:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteNode(id)

	case opPutClaim:
		var claim types.VolumeClaim
		if err := json.Unmarshal(cmd.Data, &claim); err != nil {
			return err
		}
		return f.store.PutClaim(&claim)

	case opDeleteClaim:
		var ref claimRef
		if err := json.Unmarshal(cmd.Data, &ref); err != nil {
			return err
		}
		return f.store.DeleteClaim(ref.Workload, ref.Ordinal)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// declare stores a declaration under the next generation of its key. The
// generation is read and written under the FSM lock so concurrent
// declarations and scale writes never share one.
func (f *BurrowFSM) declare(spec *types.WorkloadSpec) interface{} {
	spec.Generation = 1
	prev, err := f.store.GetWorkload(spec.Key())
	switch {
	case err == nil:
		if prev.Kind != spec.Kind {
			return invalid("kind of %s cannot change from %s to %s", spec.Key(), prev.Kind, spec.Kind)
		}
		spec.Generation = prev.Generation + 1
		spec.CreatedAt = prev.CreatedAt
		spec.AutoscaledAt = prev.AutoscaledAt
	case !errors.Is(err, errdefs.ErrNotFound):
		return err
	}

	if err := f.store.PutWorkload(spec); err != nil {
		return err
	}
	return spec
}

// scale changes only the replica count of the stored spec, so a template
// declared in between is never overwritten. Equal counts are a no-op.
func (f *BurrowFSM) scale(sc scaleCommand) interface{} {
	spec, err := f.store.GetWorkload(sc.Key)
	if err != nil {
		return err
	}
	if spec.Kind == types.KindOrderedStateful && len(spec.VolumeBindings) > sc.Replicas {
		return invalid("cannot scale %s below its %d volume bindings", sc.Key, len(spec.VolumeBindings))
	}

	res := &scaleResult{Spec: spec, From: spec.Replicas}
	if spec.Replicas == sc.Replicas {
		return res
	}
	spec.Replicas = sc.Replicas
	spec.Generation++
	spec.UpdatedAt = sc.At
	if sc.Autoscale {
		spec.AutoscaledAt = sc.At
	}
	if err := f.store.PutWorkload(spec); err != nil {
		return err
	}
	return res
}

// Snapshot returns a snapshot of the current state
func (f *BurrowFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	workloads, err := f.store.ListWorkloads()
	if err != nil {
		return nil, fmt.Errorf("failed to list workloads: %w", err)
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	claims, err := f.store.ListClaims("")
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}

	return &BurrowSnapshot{
		Workloads: workloads,
		Nodes:     nodes,
		Claims:    claims,
	}, nil
}

// Restore replaces the store contents with a snapshot
func (f *BurrowFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot BurrowSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.clear(); err != nil {
		return err
	}

	for _, spec := range snapshot.Workloads {
		if err := f.store.PutWorkload(spec); err != nil {
			return fmt.Errorf("failed to restore workload: %w", err)
		}
	}

	for _, node := range snapshot.Nodes {
		if err := f.store.PutNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}

	for _, claim := range snapshot.Claims {
		if err := f.store.PutClaim(claim); err != nil {
			return fmt.Errorf("failed to restore claim: %w", err)
		}
	}

	return nil
}

func (f *BurrowFSM) clear() error {
	workloads, err := f.store.ListWorkloads()
	if err != nil {
		return err
	}
	for _, spec := range workloads {
		if err := f.store.DeleteWorkload(spec.Key()); err != nil {
			return err
		}
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if err := f.store.DeleteNode(node.ID); err != nil {
			return err
		}
	}

	claims, err := f.store.ListClaims("")
	if err != nil {
		return err
	}
	for _, claim := range claims {
		if err := f.store.DeleteClaim(claim.Workload, claim.Ordinal); err != nil {
			return err
		}
	}
	return nil
}

// BurrowSnapshot represents a point-in-time snapshot of declared state
type BurrowSnapshot struct {
	Workloads []*types.WorkloadSpec
	Nodes     []*types.Node
	Claims    []*types.VolumeClaim
}

// Persist writes the snapshot to the given SnapshotSink
func (s *BurrowSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *BurrowSnapshot) Release() {}
