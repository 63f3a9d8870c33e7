package autoscaler

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Scaler is the declaration store the autoscaler reads from and writes
// replica counts to. Autoscale must persist at as the workload's
// AutoscaledAt.
type Scaler interface {
	ListWorkloads() ([]*types.WorkloadSpec, error)
	Autoscale(key string, replicas int, at time.Time) (*types.WorkloadSpec, error)
}

// Outcome classifies one autoscaling evaluation
type Outcome string

const (
	OutcomeScaled      Outcome = "scaled"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeCooldown    Outcome = "cooldown"
	OutcomeMetricError Outcome = "metric_error"
	OutcomeScaleError  Outcome = "scale_error"
)

// Decision is the result of evaluating one workload
type Decision struct {
	Workload    string
	Current     int
	Desired     int
	Utilization float64
	Outcome     Outcome
}

// Config tunes the autoscaler
type Config struct {
	Interval time.Duration
	Clock    clock.WithTicker

	// MaxConcurrent bounds parallel metric queries
	MaxConcurrent int

	// IsLeader gates evaluation on the node that can write declarations.
	// Nil means always.
	IsLeader func() bool
}

// Autoscaler periodically resizes Stateless workloads that carry an
// autoscale policy
type Autoscaler struct {
	scaler Scaler
	source MetricSource
	cfg    Config
	clock  clock.WithTicker
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]*types.AutoscalerState
}

// New creates an autoscaler
func New(scaler Scaler, source MetricSource, cfg Config) *Autoscaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Autoscaler{
		scaler: scaler,
		source: source,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: log.WithComponent("autoscaler"),
		states: make(map[string]*types.AutoscalerState),
	}
}

// Run evaluates every interval until ctx is cancelled
func (a *Autoscaler) Run(ctx context.Context) error {
	a.logger.Info().Dur("interval", a.cfg.Interval).Msg("Autoscaler started")
	metrics.UpdateComponent("autoscaler", true, "running")

	ticker := a.clock.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.UpdateComponent("autoscaler", false, "stopped")
			a.logger.Info().Msg("Autoscaler stopped")
			return nil
		case <-ticker.C():
			if a.cfg.IsLeader != nil && !a.cfg.IsLeader() {
				continue
			}
			if _, err := a.Tick(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("Autoscaler cycle failed")
			}
		}
	}
}

// Tick evaluates every autoscaled workload once. Metric failures of one
// workload never affect another.
func (a *Autoscaler) Tick(ctx context.Context) ([]Decision, error) {
	specs, err := a.scaler.ListWorkloads()
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		decisions []Decision
	)
	live := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrent)
	for _, spec := range specs {
		if spec.Kind != types.KindStateless || spec.Autoscale == nil {
			continue
		}
		live[spec.Key()] = true
		g.Go(func() error {
			d := a.evaluate(gctx, spec)
			mu.Lock()
			decisions = append(decisions, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.prune(live)
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Workload < decisions[j].Workload })
	return decisions, nil
}

func (a *Autoscaler) evaluate(ctx context.Context, spec *types.WorkloadSpec) Decision {
	key := spec.Key()
	policy := spec.Autoscale
	logger := log.WithWorkload("autoscaler", key)
	d := Decision{Workload: key, Current: spec.Replicas, Desired: spec.Replicas}

	util, err := a.source.Utilization(ctx, spec)
	if err != nil {
		logger.Warn().Err(err).Msg("Metric source failed, skipping cycle")
		d.Outcome = OutcomeMetricError
		a.record(d)
		return d
	}
	d.Utilization = util
	d.Desired = DesiredReplicas(spec.Replicas, util, policy)
	metrics.AutoscalerUtilization.WithLabelValues(key).Set(util)

	now := a.clock.Now()
	state := a.state(spec)

	switch {
	case d.Desired == spec.Replicas:
		d.Outcome = OutcomeUnchanged
	case !state.LastScale.IsZero() && now.Sub(state.LastScale) < policy.Cooldown:
		d.Outcome = OutcomeCooldown
		logger.Debug().
			Int("desired", d.Desired).
			Dur("remaining", policy.Cooldown-now.Sub(state.LastScale)).
			Msg("Scale suppressed by cooldown")
	default:
		if _, err := a.scaler.Autoscale(key, d.Desired, now); err != nil {
			logger.Error().Err(err).Int("desired", d.Desired).Msg("Failed to scale workload")
			d.Outcome = OutcomeScaleError
			break
		}
		d.Outcome = OutcomeScaled
		a.mu.Lock()
		state.LastScale = now
		a.mu.Unlock()
		logger.Info().
			Int("from", spec.Replicas).
			Int("to", d.Desired).
			Float64("utilization", util).
			Float64("target", policy.TargetUtilization).
			Msg("Workload autoscaled")
	}

	a.record(d)
	return d
}

// DesiredReplicas computes ceil(current * utilization / target) clamped to
// the policy bounds
func DesiredReplicas(current int, utilization float64, policy *types.AutoscalePolicy) int {
	desired := current
	if policy.TargetUtilization > 0 {
		raw := float64(current) * utilization / policy.TargetUtilization
		// Absorb float noise so 2*0.7/0.7 stays 2
		desired = int(math.Ceil(raw - 1e-9))
	}
	if desired < policy.MinReplicas {
		desired = policy.MinReplicas
	}
	if policy.MaxReplicas > 0 && desired > policy.MaxReplicas {
		desired = policy.MaxReplicas
	}
	return desired
}

// state returns the record of a workload, refreshing its policy fields.
// The stored AutoscaledAt wins over an older in-memory LastScale, which is
// how a fresh autoscaler learns of a cooldown started by its predecessor.
func (a *Autoscaler) state(spec *types.WorkloadSpec) *types.AutoscalerState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[spec.Key()]
	if !ok {
		st = &types.AutoscalerState{Workload: spec.Key()}
		a.states[spec.Key()] = st
	}
	if spec.AutoscaledAt.After(st.LastScale) {
		st.LastScale = spec.AutoscaledAt
	}
	st.TargetUtilization = spec.Autoscale.TargetUtilization
	st.MinReplicas = spec.Autoscale.MinReplicas
	st.MaxReplicas = spec.Autoscale.MaxReplicas
	st.Cooldown = spec.Autoscale.Cooldown
	return st
}

func (a *Autoscaler) record(d Decision) {
	metrics.AutoscalerDecisions.WithLabelValues(d.Workload, string(d.Outcome)).Inc()
	if d.Outcome == OutcomeMetricError {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[d.Workload]; ok {
		st.LastUtilization = d.Utilization
		st.LastDesired = d.Desired
	}
}

func (a *Autoscaler) prune(live map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.states {
		if !live[key] {
			delete(a.states, key)
			metrics.AutoscalerUtilization.DeleteLabelValues(key)
		}
	}
}

// State returns a copy of the autoscaling record of a workload
func (a *Autoscaler) State(key string) (types.AutoscalerState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return types.AutoscalerState{}, false
	}
	return *st, true
}
