package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeScaler struct {
	mu       sync.Mutex
	specs    map[string]*types.WorkloadSpec
	calls    []string
	scaleErr error
}

func newFakeScaler(specs ...*types.WorkloadSpec) *fakeScaler {
	f := &fakeScaler{specs: make(map[string]*types.WorkloadSpec)}
	for _, s := range specs {
		f.specs[s.Key()] = s
	}
	return f
}

func (f *fakeScaler) ListWorkloads() ([]*types.WorkloadSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.WorkloadSpec
	for _, s := range f.specs {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeScaler) Autoscale(key string, replicas int, at time.Time) (*types.WorkloadSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scaleErr != nil {
		return nil, f.scaleErr
	}
	s := f.specs[key]
	s.Replicas = replicas
	s.Generation++
	s.AutoscaledAt = at
	f.calls = append(f.calls, fmt.Sprintf("%s=%d", key, replicas))
	return s.Clone(), nil
}

func (f *fakeScaler) replicas(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[key].Replicas
}

func webSpec(replicas int) *types.WorkloadSpec {
	return &types.WorkloadSpec{
		Name:      "web",
		Namespace: "default",
		Kind:      types.KindStateless,
		Replicas:  replicas,
		Image:     "flask-app:1",
		Autoscale: &types.AutoscalePolicy{
			MinReplicas:       2,
			MaxReplicas:       10,
			TargetUtilization: 0.5,
			Cooldown:          3 * time.Minute,
		},
	}
}

func TestDesiredReplicas(t *testing.T) {
	policy := &types.AutoscalePolicy{MinReplicas: 2, MaxReplicas: 10, TargetUtilization: 0.7}

	tests := []struct {
		name    string
		current int
		util    float64
		want    int
	}{
		{name: "at target", current: 2, util: 0.7, want: 2},
		{name: "double load", current: 2, util: 1.4, want: 4},
		{name: "rounds up", current: 3, util: 0.8, want: 4},
		{name: "idle clamps to min", current: 6, util: 0.0, want: 2},
		{name: "spike clamps to max", current: 8, util: 3.0, want: 10},
		{name: "scale down", current: 8, util: 0.35, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DesiredReplicas(tt.current, tt.util, policy))
		})
	}
}

func TestTickScalesWithinCooldown(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	scaler := newFakeScaler(webSpec(2))
	source := NewStaticSource()
	source.Set("default/web", 1.0)

	a := New(scaler, source, Config{Clock: clk})
	ctx := context.Background()

	decisions, err := a.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeScaled, decisions[0].Outcome)
	assert.Equal(t, 4, scaler.replicas("default/web"))

	// Sustained spike: every tick inside the cooldown is suppressed
	for i := 0; i < 11; i++ {
		clk.Step(15 * time.Second)
		decisions, err = a.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCooldown, decisions[0].Outcome)
		assert.Equal(t, 8, decisions[0].Desired)
	}
	assert.Equal(t, []string{"default/web=4"}, scaler.calls)

	clk.Step(15 * time.Second)
	decisions, err = a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScaled, decisions[0].Outcome)
	assert.Equal(t, 8, scaler.replicas("default/web"))

	st, ok := a.State("default/web")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), st.LastScale)
	assert.Equal(t, 1.0, st.LastUtilization)
	assert.Equal(t, 8, st.LastDesired)
}

func TestCooldownSurvivesAutoscalerRestart(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	scaler := newFakeScaler(webSpec(2))
	source := NewStaticSource()
	source.Set("default/web", 1.0)
	ctx := context.Background()

	first := New(scaler, source, Config{Clock: clk})
	decisions, err := first.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScaled, decisions[0].Outcome)

	// A new leader starts its own autoscaler one minute later
	clk.Step(time.Minute)
	second := New(scaler, source, Config{Clock: clk})
	decisions, err = second.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCooldown, decisions[0].Outcome)
	assert.Equal(t, []string{"default/web=4"}, scaler.calls)

	clk.Step(2 * time.Minute)
	decisions, err = second.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScaled, decisions[0].Outcome)
	assert.Equal(t, []string{"default/web=4", "default/web=8"}, scaler.calls)
}

func TestTickSkipsOnMetricFailure(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	scaler := newFakeScaler(webSpec(3))

	a := New(scaler, NewStaticSource(), Config{Clock: clk})
	decisions, err := a.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeMetricError, decisions[0].Outcome)
	assert.Equal(t, 3, scaler.replicas("default/web"))
	assert.Empty(t, scaler.calls)
}

func TestTickIgnoresNonAutoscaled(t *testing.T) {
	plain := webSpec(2)
	plain.Name = "api"
	plain.Autoscale = nil
	ordered := &types.WorkloadSpec{Name: "mongo", Namespace: "default", Kind: types.KindOrderedStateful, Replicas: 3}

	scaler := newFakeScaler(plain, ordered, webSpec(2))
	source := NewStaticSource()
	source.Set("default/web", 0.5)
	source.Set("default/api", 5.0)

	a := New(scaler, source, Config{Clock: testingclock.NewFakeClock(time.Now())})
	decisions, err := a.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "default/web", decisions[0].Workload)
	assert.Equal(t, OutcomeUnchanged, decisions[0].Outcome)
}

func TestTickScaleErrorAllowsRetry(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	scaler := newFakeScaler(webSpec(2))
	scaler.scaleErr = fmt.Errorf("not the leader")
	source := NewStaticSource()
	source.Set("default/web", 1.0)

	a := New(scaler, source, Config{Clock: clk})
	decisions, err := a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeScaleError, decisions[0].Outcome)

	scaler.mu.Lock()
	scaler.scaleErr = nil
	scaler.mu.Unlock()

	decisions, err = a.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeScaled, decisions[0].Outcome)
}

func TestPruneForgetsDeletedWorkloads(t *testing.T) {
	scaler := newFakeScaler(webSpec(2))
	source := NewStaticSource()
	source.Set("default/web", 0.5)

	a := New(scaler, source, Config{Clock: testingclock.NewFakeClock(time.Now())})
	_, err := a.Tick(context.Background())
	require.NoError(t, err)
	_, ok := a.State("default/web")
	require.True(t, ok)

	scaler.mu.Lock()
	delete(scaler.specs, "default/web")
	scaler.mu.Unlock()

	_, err = a.Tick(context.Background())
	require.NoError(t, err)
	_, ok = a.State("default/web")
	assert.False(t, ok)
}
