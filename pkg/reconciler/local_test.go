package reconciler

import (
	"sync/atomic"
	"testing"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localConfig() Config {
	return Config{LocalNode: "node-2", ExclusivePorts: true}
}

func TestLocalNodePlacement(t *testing.T) {
	h := newHarnessWithConfig(t, localConfig(), threeNodes()...)
	h.decl.declare(flaskSpec(2, 200))

	err := h.reconcile("default/web")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrUnschedulable)

	instances := h.instances("default/web")
	require.Len(t, instances, 2)
	assert.Equal(t, 1, countPhase(instances, types.PhaseRunning))
	assert.Equal(t, 1, countPhase(instances, types.PhasePending))
	for _, inst := range instances {
		if inst.Placed() {
			assert.Equal(t, "node-2", inst.NodeID)
			continue
		}
		assert.NotEmpty(t, inst.Reason)
	}

	// Other nodes stay empty
	for _, u := range h.ledger.Snapshot() {
		if u.NodeID != "node-2" {
			assert.Zero(t, u.Reservations, u.NodeID)
		}
	}
}

func TestLocalNodeDifferentPortsShareNode(t *testing.T) {
	h := newHarnessWithConfig(t, localConfig(), threeNodes()...)
	h.decl.declare(flaskSpec(1, 200))
	h.decl.declare(mongoSpec(1))

	h.bringUp("default/web")
	h.bringUp("default/mongo")

	assert.Equal(t, "node-2", h.instances("default/web")[0].NodeID)
	assert.Equal(t, "node-2", h.instances("default/mongo")[0].NodeID)
}

func TestLocalNodeRolloutReplacesBeforeStarting(t *testing.T) {
	h := newHarnessWithConfig(t, localConfig(), threeNodes()...)
	spec := flaskSpec(1, 200)
	h.decl.declare(spec)
	h.bringUp("default/web")
	old := h.ids("default/web")

	spec.Image = "flask-app:2"
	current := h.decl.declare(spec)
	h.bringUp("default/web")

	instances := h.instances("default/web")
	require.Len(t, instances, 1)
	assert.NotEqual(t, old, h.ids("default/web"))
	assert.Equal(t, current.TemplateHash(), instances[0].TemplateHash)
	assert.Equal(t, "node-2", instances[0].NodeID)
	assert.Len(t, h.rt.stopOrder(), 1)
}

func TestFollowerStopsLocalInstances(t *testing.T) {
	var leader atomic.Bool
	leader.Store(true)
	cfg := Config{IsLeader: leader.Load}

	h := newHarnessWithConfig(t, cfg, threeNodes()...)
	h.decl.declare(mongoSpec(3))
	h.bringUp("default/mongo")
	require.Len(t, h.registry.Resolve("mongo.default"), 3)

	leader.Store(false)
	require.NoError(t, h.reconcile("default/mongo"))

	assert.Empty(t, h.instances("default/mongo"))
	assert.Equal(t, []string{"mongo-2", "mongo-1", "mongo-0"}, h.rt.stopOrder())
	assert.Empty(t, h.registry.Resolve("mongo.default"))
	for _, u := range h.ledger.Snapshot() {
		assert.Zero(t, u.Reservations, u.NodeID)
	}

	claims, err := h.decl.ListClaims("default/mongo")
	require.NoError(t, err)
	assert.Len(t, claims, 3, "claims survive for the next leader")

	leader.Store(true)
	h.bringUp("default/mongo")
	assert.Len(t, h.instances("default/mongo"), 3)
}
