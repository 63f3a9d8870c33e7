package reconciler

import (
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flaskSpec(replicas int, cpu int64) *types.WorkloadSpec {
	return &types.WorkloadSpec{
		Name:     "web",
		Kind:     types.KindStateless,
		Replicas: replicas,
		Image:    "flask-app:1",
		Port:     5000,
		Env:      []string{"MONGODB_URI=mongodb://mongo.default:27017/app"},
		Resources: types.ResourceRequirements{
			Requests: types.Resources{CPUMillis: cpu, MemoryBytes: 128 * mi},
		},
		Update: types.UpdateStrategy{MaxSurge: 1},
	}
}

func TestStatelessSpreadsAcrossNodes(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024), node("node-2", 1000, 1024))
	h.decl.declare(flaskSpec(2, 200))

	require.NoError(t, h.reconcile("default/web"))

	instances := h.instances("default/web")
	require.Len(t, instances, 2)
	assert.NotEqual(t, instances[0].NodeID, instances[1].NodeID)
	for _, inst := range instances {
		assert.Equal(t, types.PhaseRunning, inst.Phase)
		assert.True(t, inst.Ready)
	}

	st, err := h.loop.Status("default/web")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionStable, st.Condition)
	assert.Equal(t, 2, st.Running)
}

func TestStatelessUnschedulableStaysPending(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024), node("node-2", 1000, 1024))
	h.decl.declare(flaskSpec(2, 600))
	require.NoError(t, h.reconcile("default/web"))

	h.decl.scale("default/web", 5)
	err := h.reconcile("default/web")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrUnschedulable)
	assert.True(t, errdefs.IsRetryable(err))

	st, err := h.loop.Status("default/web")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Running)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, types.ConditionReconciling, st.Condition)
	assert.Contains(t, st.LastError, "unschedulable")
	h.assertNoOvercommit()

	// Capacity arrives: pending instances are placed on the next reconcile
	h.decl.nodes["node-3"] = &types.Node{ID: "node-3", Status: types.NodeStatusReady, Capacity: types.Resources{CPUMillis: 1300, MemoryBytes: 1024 * mi}}
	require.NoError(t, h.loop.SyncNodes(h.ctx))
	err = h.reconcile("default/web")
	assert.ErrorIs(t, err, errdefs.ErrUnschedulable)

	st, err = h.loop.Status("default/web")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Running)
	assert.Equal(t, 1, st.Pending)
	h.assertNoOvercommit()
}

func TestStatelessScaleRoundTrip(t *testing.T) {
	h := newHarness(t, node("node-1", 4000, 4096), node("node-2", 4000, 4096))
	h.decl.declare(flaskSpec(3, 200))

	require.NoError(t, h.reconcile("default/web"))
	original := h.ids("default/web")
	require.Len(t, original, 3)

	h.decl.scale("default/web", 5)
	require.NoError(t, h.reconcile("default/web"))
	scaled := h.ids("default/web")
	require.Len(t, scaled, 5)

	// Scaling back removes the most recently created instances
	h.decl.scale("default/web", 3)
	require.NoError(t, h.reconcile("default/web"))
	assert.Equal(t, original, h.ids("default/web"))

	h.decl.scale("default/web", 5)
	require.NoError(t, h.reconcile("default/web"))
	again := h.ids("default/web")
	require.Len(t, again, 5)

	seen := map[string]bool{}
	for _, id := range scaled {
		seen[id] = true
	}
	fresh := 0
	for _, id := range again {
		if !seen[id] {
			fresh++
		}
	}
	assert.Equal(t, 2, fresh, "replacement instances get new identities")
	assert.Len(t, h.rt.Running(), 5)
	h.assertNoOvercommit()
}

func TestStatelessRegistryTracksReadiness(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024))
	spec := flaskSpec(1, 200)
	spec.Readiness.Probe = &types.Probe{Type: types.ProbeHTTP, Path: "/healthz"}
	h.decl.declare(spec)

	require.NoError(t, h.reconcile("default/web"))
	inst := h.instances("default/web")[0]
	assert.Equal(t, types.PhaseRunning, inst.Phase)
	assert.False(t, inst.Ready)

	eps := h.registry.Resolve("web.default")
	assert.NotNil(t, eps)
	assert.Empty(t, eps)

	h.rt.MarkReady(inst.ID, true)
	eps = h.registry.Resolve("web.default")
	require.Len(t, eps, 1)
	assert.Equal(t, inst.ID, eps[0].InstanceID)

	h.rt.MarkReady(inst.ID, false)
	assert.Empty(t, h.registry.Resolve("web.default"))
}

func TestStatelessRollingUpdate(t *testing.T) {
	h := newHarness(t, node("node-1", 4000, 4096), node("node-2", 4000, 4096))
	spec := flaskSpec(3, 200)
	spec.Readiness.Probe = &types.Probe{Type: types.ProbeTCP}
	h.decl.declare(spec)

	require.NoError(t, h.reconcile("default/web"))
	h.markAllReady("default/web")
	require.NoError(t, h.reconcile("default/web"))
	oldIDs := h.ids("default/web")

	spec.Image = "flask-app:2"
	current := h.decl.declare(spec)

	for step := 0; step < 20; step++ {
		require.NoError(t, h.reconcile("default/web"))

		instances := h.instances("default/web")
		assert.LessOrEqual(t, len(instances), 4, "surge bound")
		serving := 0
		for _, inst := range instances {
			if inst.Serving() {
				serving++
			}
		}
		assert.GreaterOrEqual(t, serving, 3, "availability bound")

		h.markAllReady("default/web")
		if converged(current, h.instances("default/web")) {
			break
		}
	}

	require.NoError(t, h.reconcile("default/web"))
	instances := h.instances("default/web")
	require.Len(t, instances, 3)
	for _, inst := range instances {
		assert.Equal(t, current.TemplateHash(), inst.TemplateHash)
		assert.NotContains(t, oldIDs, inst.ID)
	}

	st, err := h.loop.Status("default/web")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionStable, st.Condition)
	assert.Equal(t, current.Generation, st.ObservedGeneration)
}

func TestStatelessRolloutHaltsOnReadinessDeadline(t *testing.T) {
	h := newHarness(t, node("node-1", 4000, 4096))
	spec := flaskSpec(2, 200)
	spec.Readiness = types.Readiness{
		Probe:    &types.Probe{Type: types.ProbeHTTP, Path: "/"},
		Deadline: 30 * time.Second,
	}
	h.decl.declare(spec)
	require.NoError(t, h.reconcile("default/web"))
	h.markAllReady("default/web")
	oldIDs := h.ids("default/web")

	spec.Image = "flask-app:broken"
	h.decl.declare(spec)
	require.NoError(t, h.reconcile("default/web"))
	require.Len(t, h.instances("default/web"), 3)

	h.clock.Step(31 * time.Second)
	err := h.reconcile("default/web")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrReadinessTimeout)

	st, err := h.loop.Status("default/web")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionRolloutHalted, st.Condition)
	assert.Equal(t, 2, st.Ready)

	// Frozen until the next declaration: nothing changes
	require.NoError(t, h.reconcile("default/web"))
	assert.Len(t, h.instances("default/web"), 3)
	for _, id := range oldIDs {
		_, ok := h.loop.table.Get(id)
		assert.True(t, ok, "previous instances are retained")
	}
	assert.Len(t, h.registry.Resolve("web.default"), 2)

	// A new generation resumes, dropping the broken unready instance
	spec.Image = "flask-app:3"
	fixed := h.decl.declare(spec)
	require.NoError(t, h.reconcile("default/web"))
	for _, inst := range h.instances("default/web") {
		if inst.TemplateHash != fixed.TemplateHash() {
			assert.Contains(t, oldIDs, inst.ID)
		}
	}
}

func TestStatelessCrashIsReplaced(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024))
	h.decl.declare(flaskSpec(2, 200))
	require.NoError(t, h.reconcile("default/web"))

	victim := h.instances("default/web")[0]
	h.rt.Crash(victim.ID, "exit status 137")
	assert.Len(t, h.instances("default/web"), 1)
	assert.Len(t, h.registry.Resolve("web.default"), 1)

	require.NoError(t, h.reconcile("default/web"))
	instances := h.instances("default/web")
	require.Len(t, instances, 2)
	for _, inst := range instances {
		assert.NotEqual(t, victim.ID, inst.ID)
	}
	usage, ok := h.ledger.Usage("node-1")
	require.True(t, ok)
	assert.Equal(t, 2, usage.Reservations)
}

func TestStatelessNodeLossReschedules(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024), node("node-2", 1000, 1024))
	h.decl.declare(flaskSpec(2, 200))
	require.NoError(t, h.reconcile("default/web"))

	delete(h.decl.nodes, "node-2")
	require.NoError(t, h.loop.SyncNodes(h.ctx))

	instances := h.instances("default/web")
	assert.Equal(t, 1, countPhase(instances, types.PhasePending))
	assert.Len(t, h.registry.Resolve("web.default"), 1)

	require.NoError(t, h.reconcile("default/web"))
	for _, inst := range h.instances("default/web") {
		assert.Equal(t, "node-1", inst.NodeID)
		assert.Equal(t, types.PhaseRunning, inst.Phase)
	}
	assert.False(t, h.ledger.HasNode("node-2"))
	h.assertNoOvercommit()
}

func TestStatelessSecretsInjected(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024))
	h.secrets.Set("mongodb-user", []byte("app"))
	h.secrets.Set("mongodb-pass", []byte("s3cret"))

	spec := flaskSpec(1, 200)
	spec.Secrets = []string{"mongodb-user", "mongodb-pass"}
	h.decl.declare(spec)
	require.NoError(t, h.reconcile("default/web"))

	inst := h.instances("default/web")[0]
	env := h.rt.Env(inst.ID)
	assert.Contains(t, env, "MONGODB_USER=app")
	assert.Contains(t, env, "MONGODB_PASS=s3cret")
	assert.Contains(t, env, "MONGODB_URI=mongodb://mongo.default:27017/app")
}

func TestStatelessMissingSecretLeavesPending(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024))
	spec := flaskSpec(1, 200)
	spec.Secrets = []string{"mongodb-user"}
	h.decl.declare(spec)

	err := h.reconcile("default/web")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	inst := h.instances("default/web")[0]
	assert.Equal(t, types.PhasePending, inst.Phase)
	assert.False(t, inst.Placed())

	usage, _ := h.ledger.Usage("node-1")
	assert.Equal(t, 0, usage.Reservations)
}

func TestStatelessDeleteTearsDown(t *testing.T) {
	h := newHarness(t, node("node-1", 1000, 1024))
	h.decl.declare(flaskSpec(2, 200))
	require.NoError(t, h.reconcile("default/web"))

	h.decl.delete("default/web")
	require.NoError(t, h.reconcile("default/web"))

	assert.Empty(t, h.instances("default/web"))
	assert.Empty(t, h.rt.Running())
	assert.Empty(t, h.registry.Resolve("web.default"))
	usage, _ := h.ledger.Usage("node-1")
	assert.Equal(t, 0, usage.Reservations)
}
