package manager

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(&Config{
		NodeID:   "manager-1",
		BindAddr: "manager-1",
		DataDir:  t.TempDir(),
		InMemory: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	require.NoError(t, m.Bootstrap())
	require.NoError(t, m.WaitForLeader(10*time.Second))
	require.Eventually(t, m.IsLeader, 10*time.Second, 20*time.Millisecond)
	return m
}

func webSpec() *types.WorkloadSpec {
	return &types.WorkloadSpec{
		Name:     "web",
		Kind:     types.KindStateless,
		Replicas: 2,
		Image:    "flask-app:1",
		Port:     5000,
		Resources: types.ResourceRequirements{
			Requests: types.Resources{CPUMillis: 200, MemoryBytes: 128 << 20},
		},
	}
}

func nextEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func TestDeclareBumpsGeneration(t *testing.T) {
	m := newTestManager(t)
	sub := m.Events().Subscribe()

	first, err := m.Declare(webSpec())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Generation)
	assert.Equal(t, "default", first.Namespace)

	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventWorkloadDeclared, ev.Type)
	assert.Equal(t, "default/web", ev.Workload)

	spec := webSpec()
	spec.Image = "flask-app:2"
	second, err := m.Declare(spec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Generation)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	stored, err := m.GetWorkload("default/web")
	require.NoError(t, err)
	assert.Equal(t, "flask-app:2", stored.Image)
	assert.Equal(t, int64(2), stored.Generation)
	assert.Greater(t, m.AppliedIndex(), uint64(0))
}

func TestDeclareRejectsInvalidWithoutStateChange(t *testing.T) {
	m := newTestManager(t)

	spec := webSpec()
	spec.Replicas = 0
	_, err := m.Declare(spec)
	assert.ErrorIs(t, err, errdefs.ErrInvalidSpec)

	list, err := m.ListWorkloads()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeclareKindIsImmutable(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Declare(webSpec())
	require.NoError(t, err)

	spec := webSpec()
	spec.Kind = types.KindOrderedStateful
	_, err = m.Declare(spec)
	assert.ErrorIs(t, err, errdefs.ErrInvalidSpec)
}

func TestScale(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Declare(webSpec())
	require.NoError(t, err)

	spec, err := m.Scale("default/web", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, spec.Replicas)
	assert.Equal(t, int64(2), spec.Generation)

	// No-op scale does not bump the generation
	spec, err = m.Scale("default/web", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), spec.Generation)

	_, err = m.Scale("default/web", 0)
	assert.ErrorIs(t, err, errdefs.ErrInvalidSpec)

	_, err = m.Scale("default/missing", 3)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestConcurrentDeclareAndScaleKeepBothWrites(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Declare(webSpec())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		image := fmt.Sprintf("flask-app:v%d", i)
		replicas := 3 + i%2

		var (
			wg       sync.WaitGroup
			declared *types.WorkloadSpec
			scaled   *types.WorkloadSpec
			declErr  error
			scaleErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			spec := webSpec()
			spec.Image = image
			declared, declErr = m.Declare(spec)
		}()
		go func() {
			defer wg.Done()
			scaled, scaleErr = m.Scale("default/web", replicas)
		}()
		wg.Wait()
		require.NoError(t, declErr)
		require.NoError(t, scaleErr)

		stored, err := m.GetWorkload("default/web")
		require.NoError(t, err)
		assert.Equal(t, image, stored.Image, "iteration %d: declaration reverted", i)
		assert.NotEqual(t, declared.Generation, scaled.Generation, "iteration %d: writes share a generation", i)
		if declared.Generation > scaled.Generation {
			assert.Equal(t, webSpec().Replicas, stored.Replicas)
		} else {
			assert.Equal(t, replicas, stored.Replicas)
		}
	}
}

func TestAutoscaleRecordsTimestamp(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Declare(webSpec())
	require.NoError(t, err)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	spec, err := m.Autoscale("default/web", 4, at)
	require.NoError(t, err)
	assert.Equal(t, 4, spec.Replicas)
	assert.True(t, at.Equal(spec.AutoscaledAt))

	// Manual scale and redeclaration leave the autoscaling timestamp alone
	_, err = m.Scale("default/web", 5)
	require.NoError(t, err)
	redeclared := webSpec()
	redeclared.Image = "flask-app:2"
	_, err = m.Declare(redeclared)
	require.NoError(t, err)

	stored, err := m.GetWorkload("default/web")
	require.NoError(t, err)
	assert.True(t, at.Equal(stored.AutoscaledAt))
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Declare(webSpec())
	require.NoError(t, err)
	require.NoError(t, m.Delete("default/web"))

	_, err = m.GetWorkload("default/web")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.ErrorIs(t, m.Delete("default/web"), errdefs.ErrNotFound)
}

func TestNodeMembership(t *testing.T) {
	m := newTestManager(t)
	sub := m.Events().Subscribe()

	_, err := m.JoinNode(&types.Node{ID: "node-2", Capacity: types.Resources{CPUMillis: 1000, MemoryBytes: 1 << 30}})
	require.NoError(t, err)
	_, err = m.JoinNode(&types.Node{ID: "node-1", Address: "10.0.0.1", Capacity: types.Resources{CPUMillis: 1000, MemoryBytes: 1 << 30}})
	require.NoError(t, err)

	assert.Equal(t, events.EventNodeJoined, nextEvent(t, sub).Type)
	assert.Equal(t, events.EventNodeJoined, nextEvent(t, sub).Type)

	nodes, err := m.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-1", nodes[0].ID)
	assert.Equal(t, types.NodeStatusReady, nodes[0].Status)

	_, err = m.JoinNode(&types.Node{ID: "node-3"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidSpec)

	require.NoError(t, m.RemoveNode("node-2"))
	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventNodeLeft, ev.Type)
	assert.Equal(t, "node-2", ev.Metadata["node"])

	assert.ErrorIs(t, m.RemoveNode("node-2"), errdefs.ErrNotFound)
}

func TestClaims(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.PutClaim(&types.VolumeClaim{Workload: "default/mongo", Ordinal: 0, Handle: "vol-0", NodeID: "node-1"}))
	require.NoError(t, m.PutClaim(&types.VolumeClaim{Workload: "default/mongo", Ordinal: 1, Handle: "vol-1", NodeID: "node-2"}))

	claim, err := m.GetClaim("default/mongo", 0)
	require.NoError(t, err)
	assert.Equal(t, "vol-0", claim.Handle)
	assert.False(t, claim.CreatedAt.IsZero())

	require.NoError(t, m.DeleteClaim("default/mongo", 0))
	claims, err := m.ListClaims("default/mongo")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, 1, claims[0].Ordinal)
}
