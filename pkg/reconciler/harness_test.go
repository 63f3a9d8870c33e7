package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/secrets"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const mi = 1 << 20

// fakeDeclarations is an in-memory stand-in for the manager
type fakeDeclarations struct {
	mu     sync.Mutex
	specs  map[string]*types.WorkloadSpec
	nodes  map[string]*types.Node
	claims map[string]*types.VolumeClaim
}

func newFakeDeclarations() *fakeDeclarations {
	return &fakeDeclarations{
		specs:  make(map[string]*types.WorkloadSpec),
		nodes:  make(map[string]*types.Node),
		claims: make(map[string]*types.VolumeClaim),
	}
}

func (f *fakeDeclarations) declare(spec *types.WorkloadSpec) *types.WorkloadSpec {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := spec.Clone()
	if s.Namespace == "" {
		s.Namespace = types.DefaultNamespace
	}
	s.Generation = 1
	if prev, ok := f.specs[s.Key()]; ok {
		s.Generation = prev.Generation + 1
	}
	f.specs[s.Key()] = s
	return s.Clone()
}

func (f *fakeDeclarations) scale(key string, replicas int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.specs[key]
	s.Replicas = replicas
	s.Generation++
}

func (f *fakeDeclarations) delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.specs, key)
}

func (f *fakeDeclarations) GetWorkload(key string) (*types.WorkloadSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[key]
	if !ok {
		return nil, fmt.Errorf("workload %s: %w", key, errdefs.ErrNotFound)
	}
	return s.Clone(), nil
}

func (f *fakeDeclarations) ListWorkloads() ([]*types.WorkloadSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.WorkloadSpec
	for _, s := range f.specs {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (f *fakeDeclarations) ListNodes() ([]*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Node
	for _, n := range f.nodes {
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeDeclarations) GetClaim(workload string, ordinal int) (*types.VolumeClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[types.ClaimKey(workload, ordinal)]
	if !ok {
		return nil, fmt.Errorf("claim: %w", errdefs.ErrNotFound)
	}
	cc := *c
	return &cc, nil
}

func (f *fakeDeclarations) ListClaims(workload string) ([]*types.VolumeClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.VolumeClaim
	for _, c := range f.claims {
		if c.Workload == workload {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (f *fakeDeclarations) PutClaim(claim *types.VolumeClaim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *claim
	f.claims[types.ClaimKey(claim.Workload, claim.Ordinal)] = &c
	return nil
}

func (f *fakeDeclarations) DeleteClaim(workload string, ordinal int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, types.ClaimKey(workload, ordinal))
	return nil
}

// recordingRuntime remembers the order of starts and stops by identity
type recordingRuntime struct {
	*runtime.MemoryRuntime
	mu     sync.Mutex
	starts []string
	stops  []string
}

func (r *recordingRuntime) Start(ctx context.Context, inst *types.Instance, spec *types.WorkloadSpec, env runtime.Env) error {
	if err := r.MemoryRuntime.Start(ctx, inst, spec, env); err != nil {
		return err
	}
	r.mu.Lock()
	r.starts = append(r.starts, inst.Identity())
	r.mu.Unlock()
	return nil
}

func (r *recordingRuntime) Stop(ctx context.Context, inst *types.Instance) error {
	r.mu.Lock()
	r.stops = append(r.stops, inst.Identity())
	r.mu.Unlock()
	return r.MemoryRuntime.Stop(ctx, inst)
}

func (r *recordingRuntime) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

func (r *recordingRuntime) stopOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stops...)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	decl     *fakeDeclarations
	ledger   *ledger.Ledger
	registry *registry.Registry
	rt       *recordingRuntime
	secrets  *secrets.MapProvider
	volumes  string
	clock    *testingclock.FakeClock
	loop     *Loop
}

func newHarness(t *testing.T, nodes ...*types.Node) *harness {
	t.Helper()
	return newHarnessWithConfig(t, Config{}, nodes...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, nodes ...*types.Node) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		decl:     newFakeDeclarations(),
		ledger:   ledger.New(),
		registry: registry.New(),
		rt:       &recordingRuntime{MemoryRuntime: runtime.NewMemoryRuntime(false)},
		secrets:  secrets.NewMapProvider(nil),
		volumes:  t.TempDir(),
		clock:    testingclock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	for _, n := range nodes {
		n.Status = types.NodeStatusReady
		h.decl.nodes[n.ID] = n
	}

	cfg.Clock = h.clock

	binder, err := volume.NewLocalDriver(h.volumes)
	require.NoError(t, err)

	h.loop = New(Deps{
		Declarations: h.decl,
		Ledger:       h.ledger,
		Placer:       scheduler.NewScheduler(h.ledger),
		Registry:     h.registry,
		Runtime:      h.rt,
		Binder:       binder,
		Secrets:      h.secrets,
	}, cfg)
	t.Cleanup(h.loop.queue.ShutDown)

	require.NoError(t, h.loop.SyncNodes(h.ctx))
	return h
}

func node(id string, cpu, memMi int64) *types.Node {
	return &types.Node{
		ID:       id,
		Address:  "10.0.0." + id[len(id)-1:],
		Capacity: types.Resources{CPUMillis: cpu, MemoryBytes: memMi * mi},
	}
}

// reconcile runs one step and advances the clock so instances created in
// different steps have distinct creation times
func (h *harness) reconcile(key string) error {
	err := h.loop.ReconcileOnce(h.ctx, key)
	h.clock.Step(time.Second)
	return err
}

func (h *harness) instances(key string) []*types.Instance {
	return h.loop.Instances(key)
}

func (h *harness) ids(key string) []string {
	var out []string
	for _, inst := range h.instances(key) {
		out = append(out, inst.ID)
	}
	sort.Strings(out)
	return out
}

func (h *harness) byIdentity(key, identity string) *types.Instance {
	for _, inst := range h.instances(key) {
		if inst.Identity() == identity {
			return inst
		}
	}
	return nil
}

// markAllReady flips every running, unready instance of a workload to ready
func (h *harness) markAllReady(key string) {
	for _, inst := range h.instances(key) {
		if inst.Phase == types.PhaseRunning && !inst.Ready {
			h.rt.MarkReady(inst.ID, true)
		}
	}
}

// assertNoOvercommit checks the ledger invariant on every node
func (h *harness) assertNoOvercommit() {
	h.t.Helper()
	for _, u := range h.ledger.Snapshot() {
		require.True(h.t, u.Capacity.Fits(u.Reserved), "node %s overcommitted: %s", u.NodeID, u)
	}
}

func countPhase(instances []*types.Instance, phase types.Phase) int {
	n := 0
	for _, inst := range instances {
		if inst.Phase == phase {
			n++
		}
	}
	return n
}
