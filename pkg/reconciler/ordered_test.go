package reconciler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mongoSpec(replicas int) *types.WorkloadSpec {
	return &types.WorkloadSpec{
		Name:     "mongo",
		Kind:     types.KindOrderedStateful,
		Replicas: replicas,
		Image:    "mongo:7",
		Port:     27017,
		Resources: types.ResourceRequirements{
			Requests: types.Resources{CPUMillis: 250, MemoryBytes: 256 * mi},
		},
		Readiness: types.Readiness{Probe: &types.Probe{Type: types.ProbeTCP}},
		Volume:    &types.VolumeMount{Target: "/data/db"},
	}
}

// bringUp reconciles and marks instances ready until the workload converges
func (h *harness) bringUp(key string) {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(h.t, h.reconcile(key))
		h.markAllReady(key)
		spec, err := h.decl.GetWorkload(key)
		require.NoError(h.t, err)
		if converged(spec, h.instances(key)) {
			require.NoError(h.t, h.reconcile(key))
			return
		}
	}
	h.t.Fatalf("workload %s did not converge", key)
}

func threeNodes() []*types.Node {
	return []*types.Node{
		node("node-1", 1000, 2048),
		node("node-2", 1000, 2048),
		node("node-3", 1000, 2048),
	}
}

func TestOrderedStartsOneOrdinalAtATime(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	h.decl.declare(mongoSpec(3))

	require.NoError(t, h.reconcile("default/mongo"))
	assert.Equal(t, []string{"mongo-0"}, h.rt.startOrder())

	// mongo-1 waits until mongo-0 is ready
	require.NoError(t, h.reconcile("default/mongo"))
	assert.Equal(t, []string{"mongo-0"}, h.rt.startOrder())

	h.markAllReady("default/mongo")
	require.NoError(t, h.reconcile("default/mongo"))
	assert.Equal(t, []string{"mongo-0", "mongo-1"}, h.rt.startOrder())

	h.bringUp("default/mongo")
	assert.Equal(t, []string{"mongo-0", "mongo-1", "mongo-2"}, h.rt.startOrder())

	eps := h.registry.Resolve("mongo.default")
	require.Len(t, eps, 3)
	ep, ok := h.registry.ResolveIdentity("mongo.default", "mongo-1")
	require.True(t, ok)
	assert.Equal(t, h.byIdentity("default/mongo", "mongo-1").Address, ep.Address)

	claims, err := h.decl.ListClaims("default/mongo")
	require.NoError(t, err)
	require.Len(t, claims, 3)
	for i, c := range claims {
		assert.Equal(t, i, c.Ordinal)
		assert.NotEmpty(t, c.Handle)
		assert.Equal(t, h.byIdentity("default/mongo", types.OrdinalName("mongo", i)).NodeID, c.NodeID)
	}

	inst := h.byIdentity("default/mongo", "mongo-0")
	assert.Contains(t, h.rt.Env(inst.ID), "BURROW_ORDINAL=0")
	assert.Equal(t, []string{claims[0].Path + ":/data/db"}, h.rt.Mounts(inst.ID))
}

func TestOrderedScaleDownHighestFirst(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	h.decl.declare(mongoSpec(3))
	h.bringUp("default/mongo")

	h.decl.scale("default/mongo", 1)
	require.NoError(t, h.reconcile("default/mongo"))

	assert.Equal(t, []string{"mongo-2", "mongo-1"}, h.rt.stopOrder())
	require.Len(t, h.instances("default/mongo"), 1)
	assert.NotNil(t, h.byIdentity("default/mongo", "mongo-0"))

	// Claims survive scale-down so the ordinals get their data back
	claims, err := h.decl.ListClaims("default/mongo")
	require.NoError(t, err)
	assert.Len(t, claims, 3)

	h.decl.scale("default/mongo", 2)
	h.bringUp("default/mongo")
	assert.Equal(t, claims[1].Handle, h.byIdentity("default/mongo", "mongo-1").VolumeHandle)
}

func TestOrderedCrashReattachesVolume(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	h.decl.declare(mongoSpec(3))
	h.bringUp("default/mongo")

	before := h.byIdentity("default/mongo", "mongo-1")
	h.rt.Crash(before.ID, "exit status 1")
	assert.Nil(t, h.byIdentity("default/mongo", "mongo-1"))

	h.bringUp("default/mongo")

	after := h.byIdentity("default/mongo", "mongo-1")
	require.NotNil(t, after)
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, before.VolumeHandle, after.VolumeHandle)
	assert.Equal(t, before.NodeID, after.NodeID)
	assert.Equal(t, []string{"mongo-0", "mongo-1", "mongo-2", "mongo-1"}, h.rt.startOrder())
}

func TestOrderedVolumeBindingLost(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	h.decl.declare(mongoSpec(2))
	h.bringUp("default/mongo")

	claim, err := h.decl.GetClaim("default/mongo", 1)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(claim.Path))

	h.rt.Crash(h.byIdentity("default/mongo", "mongo-1").ID, "disk gone")
	err = h.reconcile("default/mongo")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrVolumeBindingLost)

	st, err := h.loop.Status("default/mongo")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionFailed, st.Condition)

	// Never silently rebound to a fresh volume
	require.NoError(t, h.reconcile("default/mongo"))
	inst := h.byIdentity("default/mongo", "mongo-1")
	require.NotNil(t, inst)
	assert.Equal(t, types.PhasePending, inst.Phase)
	assert.Empty(t, inst.VolumeHandle)
	_, err = os.Stat(claim.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestOrderedNodeLossViolatesAffinity(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	h.decl.declare(mongoSpec(2))
	h.bringUp("default/mongo")

	pinned := h.byIdentity("default/mongo", "mongo-1").NodeID
	delete(h.decl.nodes, pinned)
	require.NoError(t, h.loop.SyncNodes(h.ctx))

	err := h.reconcile("default/mongo")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrAffinityViolated)
	assert.True(t, errdefs.IsFatal(err))

	st, err := h.loop.Status("default/mongo")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionFailed, st.Condition)
	assert.Equal(t, 1, st.Ready)
	h.assertNoOvercommit()
}

func TestOrderedRollingUpdateDescending(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	spec := mongoSpec(3)
	h.decl.declare(spec)
	h.bringUp("default/mongo")

	handles := map[string]string{}
	for _, inst := range h.instances("default/mongo") {
		handles[inst.Identity()] = inst.VolumeHandle
	}

	spec.Image = "mongo:7.0.1"
	current := h.decl.declare(spec)
	h.bringUp("default/mongo")

	assert.Equal(t, []string{"mongo-2", "mongo-1", "mongo-0"}, h.rt.stopOrder())
	for _, inst := range h.instances("default/mongo") {
		assert.Equal(t, current.TemplateHash(), inst.TemplateHash)
		assert.Equal(t, handles[inst.Identity()], inst.VolumeHandle)
	}

	st, err := h.loop.Status("default/mongo")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionStable, st.Condition)
}

func TestOrderedAdoptsPreprovisionedVolume(t *testing.T) {
	h := newHarness(t, threeNodes()...)

	dir := filepath.Join(h.volumes, "node-3", "default_mongo-0")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".burrow-volume-id"), []byte("vol-seed"), 0644))

	spec := mongoSpec(1)
	spec.VolumeBindings = []types.VolumeBinding{{Ordinal: 0, Handle: "vol-seed", NodeID: "node-3"}}
	h.decl.declare(spec)
	h.bringUp("default/mongo")

	inst := h.byIdentity("default/mongo", "mongo-0")
	assert.Equal(t, "node-3", inst.NodeID)
	assert.Equal(t, "vol-seed", inst.VolumeHandle)

	claim, err := h.decl.GetClaim("default/mongo", 0)
	require.NoError(t, err)
	assert.Equal(t, "vol-seed", claim.Handle)
}

func TestOrderedDeleteReleasesClaims(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	h.decl.declare(mongoSpec(3))
	h.bringUp("default/mongo")

	claims, err := h.decl.ListClaims("default/mongo")
	require.NoError(t, err)
	require.Len(t, claims, 3)

	h.decl.delete("default/mongo")
	require.NoError(t, h.reconcile("default/mongo"))

	assert.Equal(t, []string{"mongo-2", "mongo-1", "mongo-0"}, h.rt.stopOrder())
	assert.Empty(t, h.instances("default/mongo"))
	assert.Empty(t, h.registry.Resolve("mongo.default"))

	claims, err = h.decl.ListClaims("default/mongo")
	require.NoError(t, err)
	assert.Empty(t, claims)
	for _, u := range h.ledger.Snapshot() {
		assert.Zero(t, u.Reservations)
	}
}

func TestOrderedHaltedRolloutResumesOnFixedTemplate(t *testing.T) {
	h := newHarness(t, threeNodes()...)
	spec := mongoSpec(1)
	spec.Readiness.Deadline = 30 * time.Second
	h.decl.declare(spec)
	h.bringUp("default/mongo")
	handle := h.byIdentity("default/mongo", "mongo-0").VolumeHandle
	require.NotEmpty(t, handle)

	spec.Image = "mongo:broken"
	h.decl.declare(spec)
	require.NoError(t, h.reconcile("default/mongo"))

	h.clock.Step(31 * time.Second)
	err := h.reconcile("default/mongo")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrReadinessTimeout)

	st, err := h.loop.Status("default/mongo")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionRolloutHalted, st.Condition)

	spec.Image = "mongo:7.0.2"
	fixed := h.decl.declare(spec)
	h.bringUp("default/mongo")

	instances := h.instances("default/mongo")
	require.Len(t, instances, 1)
	inst := instances[0]
	assert.Equal(t, "mongo-0", inst.Identity())
	assert.Equal(t, fixed.TemplateHash(), inst.TemplateHash)
	assert.True(t, inst.Serving())
	assert.Equal(t, handle, inst.VolumeHandle)
	assert.Equal(t, []string{"mongo-0", "mongo-0"}, h.rt.stopOrder())

	st, err = h.loop.Status("default/mongo")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionStable, st.Condition)
	assert.Equal(t, fixed.Generation, st.ObservedGeneration)
}
