package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/secrets"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/rs/zerolog"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"
)

// Declarations is the view of declared state the loop reads, plus the
// volume claims it writes back
type Declarations interface {
	GetWorkload(key string) (*types.WorkloadSpec, error)
	ListWorkloads() ([]*types.WorkloadSpec, error)
	ListNodes() ([]*types.Node, error)

	GetClaim(workload string, ordinal int) (*types.VolumeClaim, error)
	ListClaims(workload string) ([]*types.VolumeClaim, error)
	PutClaim(claim *types.VolumeClaim) error
	DeleteClaim(workload string, ordinal int) error
}

// Deps are the collaborators of the loop. Binder and Secrets may be nil
// when no workload needs them; Events may be nil in tests.
type Deps struct {
	Declarations Declarations
	Ledger       *ledger.Ledger
	Placer       scheduler.Placer
	Registry     *registry.Registry
	Runtime      runtime.Runtime
	Binder       volume.Binder
	Secrets      secrets.Provider
	Events       *events.Broker
}

// Config tunes the loop
type Config struct {
	Workers     int
	Resync      time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Clock       clock.WithTicker

	// IsLeader restricts reconciling to the node that can write claims.
	// Nil means always. A loop that is not the leader stops the instances
	// it still runs so the new leader does not duplicate them.
	IsLeader func() bool

	// LocalNode, when set, is the only node the runtime can start instances
	// on. Placement is restricted to it.
	LocalNode string

	// ExclusivePorts makes a workload port a host port: a node runs at most
	// one live instance per port.
	ExclusivePorts bool
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Resync <= 0 {
		c.Resync = 30 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
}

// result carries scheduling hints out of a reconcile
type result struct {
	requeueAfter time.Duration
}

// Loop drives every workload toward its declaration. Workload keys flow
// through a rate-limited work queue; the queue never hands the same key to
// two workers at once, so reconciles of one workload are serialized while
// different workloads proceed concurrently.
type Loop struct {
	Deps
	cfg    Config
	clock  clock.WithTicker
	queue  workqueue.TypedRateLimitingInterface[string]
	table  *Table
	status *StatusBook
	logger zerolog.Logger

	mu    sync.RWMutex
	nodes map[string]*types.Node
}

var _ runtime.Observer = (*Loop)(nil)

// New creates a reconcile loop and registers it as the runtime's observer
func New(deps Deps, cfg Config) *Loop {
	cfg.setDefaults()

	l := &Loop{
		Deps:  deps,
		cfg:   cfg,
		clock: cfg.Clock,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.NewTypedItemExponentialFailureRateLimiter[string](cfg.BaseBackoff, cfg.MaxBackoff),
			workqueue.TypedRateLimitingQueueConfig[string]{Name: "burrow-reconciler", Clock: cfg.Clock},
		),
		table:  NewTable(),
		status: NewStatusBook(),
		logger: log.WithComponent("reconciler"),
		nodes:  make(map[string]*types.Node),
	}
	deps.Runtime.SetObserver(l)
	return l
}

// Run processes the queue until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	var sub events.Subscriber
	if l.Events != nil {
		sub = l.Events.Subscribe()
		defer l.Events.Unsubscribe(sub)
	}

	if err := l.SyncNodes(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Initial node sync failed")
	}
	l.enqueueAll()

	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l.processNext(ctx) {
			}
		}()
	}

	l.logger.Info().Int("workers", l.cfg.Workers).Dur("resync", l.cfg.Resync).Msg("Reconciler started")
	metrics.UpdateComponent("reconciler", true, "running")

	ticker := l.clock.NewTicker(l.cfg.Resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.queue.ShutDown()
			wg.Wait()
			metrics.UpdateComponent("reconciler", false, "stopped")
			l.logger.Info().Msg("Reconciler stopped")
			return nil

		case <-ticker.C():
			if err := l.SyncNodes(ctx); err != nil {
				l.logger.Warn().Err(err).Msg("Node sync failed")
			}
			l.enqueueAll()

		case ev, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			l.handleEvent(ctx, ev)
		}
	}
}

func (l *Loop) handleEvent(ctx context.Context, ev *events.Event) {
	switch ev.Type {
	case events.EventWorkloadDeclared, events.EventWorkloadScaled, events.EventWorkloadDeleted:
		l.queue.Add(ev.Workload)
	case events.EventNodeJoined:
		if err := l.SyncNodes(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("Node sync failed")
		}
		l.enqueueAll()
	case events.EventNodeLeft:
		l.NodeLost(ctx, ev.Metadata["node"])
	}
}

func (l *Loop) processNext(ctx context.Context) bool {
	key, shutdown := l.queue.Get()
	if shutdown {
		return false
	}
	defer l.queue.Done(key)

	res, err := l.reconcile(ctx, key)
	switch {
	case err == nil:
		l.queue.Forget(key)
		if res.requeueAfter > 0 {
			l.queue.AddAfter(key, res.requeueAfter)
		}
	case errdefs.IsFatal(err), errdefs.IsHalted(err), errors.Is(err, errdefs.ErrInvalidSpec):
		l.queue.Forget(key)
	default:
		l.queue.AddRateLimited(key)
	}
	return true
}

// Enqueue schedules a reconcile of one workload
func (l *Loop) Enqueue(key string) {
	l.queue.Add(key)
}

func (l *Loop) enqueueAll() {
	specs, err := l.Declarations.ListWorkloads()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to list workloads")
	}
	seen := make(map[string]bool)
	for _, spec := range specs {
		seen[spec.Key()] = true
		l.queue.Add(spec.Key())
	}
	// Workloads deleted while we were not looking still need teardown
	for _, key := range l.table.Workloads() {
		if !seen[key] {
			l.queue.Add(key)
		}
	}
}

// ReconcileOnce runs one reconcile step for a workload synchronously
func (l *Loop) ReconcileOnce(ctx context.Context, key string) error {
	_, err := l.reconcile(ctx, key)
	return err
}

func (l *Loop) reconcile(ctx context.Context, key string) (result, error) {
	if l.cfg.IsLeader != nil && !l.cfg.IsLeader() {
		l.abandon(ctx, key)
		return result{}, nil
	}

	spec, err := l.Declarations.GetWorkload(key)
	if errors.Is(err, errdefs.ErrNotFound) {
		return result{}, l.teardown(ctx, key)
	}
	if err != nil {
		return result{}, fmt.Errorf("failed to read workload %s: %w", key, err)
	}

	kind := string(spec.Kind)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconciliationDuration, kind)

	if cond, frozen := l.status.Frozen(key, spec.Generation); frozen {
		l.logger.Debug().Str("workload", key).Str("condition", string(cond)).Msg("Workload frozen until next generation")
		return result{}, nil
	}

	var res result
	switch spec.Kind {
	case types.KindStateless:
		res, err = l.reconcileStateless(ctx, spec)
	case types.KindOrderedStateful:
		res, err = l.reconcileOrdered(ctx, spec)
	default:
		err = fmt.Errorf("%w: unknown kind %q", errdefs.ErrInvalidSpec, spec.Kind)
	}

	cond := types.ConditionReconciling
	switch {
	case err == nil && converged(spec, l.table.List(key)):
		cond = types.ConditionStable
	case errdefs.IsHalted(err):
		cond = types.ConditionRolloutHalted
	case errdefs.IsFatal(err), errors.Is(err, errdefs.ErrInvalidSpec):
		cond = types.ConditionFailed
	}
	l.status.Observe(key, spec.Generation, cond, err, l.clock.Now())

	if err != nil {
		metrics.ReconciliationErrors.WithLabelValues(kind, errorClass(err)).Inc()
		logger := log.WithWorkload("reconciler", key)
		switch cond {
		case types.ConditionFailed:
			logger.Error().Err(err).Msg("Reconcile failed")
		case types.ConditionRolloutHalted:
			logger.Warn().Err(err).Msg("Rollout halted")
			l.publish(&events.Event{Type: events.EventRolloutHalted, Workload: key, Message: err.Error()})
		default:
			logger.Debug().Err(err).Msg("Reconcile incomplete, will retry")
		}
	}
	return res, err
}

func errorClass(err error) string {
	switch {
	case errdefs.IsRetryable(err):
		return "retryable"
	case errdefs.IsFatal(err):
		return "fatal"
	case errdefs.IsHalted(err):
		return "halted"
	default:
		return "other"
	}
}

// abandon stops the instances of a workload this loop still runs after
// losing leadership. Declarations and claims are left alone.
func (l *Loop) abandon(ctx context.Context, key string) {
	instances := l.table.List(key)
	if len(instances) == 0 {
		return
	}
	sort.SliceStable(instances, func(i, j int) bool { return instances[i].Ordinal > instances[j].Ordinal })
	for _, inst := range instances {
		l.terminate(ctx, inst, "leadership lost")
	}
	l.status.Remove(key)
	l.logger.Warn().Str("workload", key).Int("instances", len(instances)).Msg("Not the leader, stopped local instances")
}

// teardown terminates every instance of a deleted workload, highest
// ordinal first, then releases its volume claims.
func (l *Loop) teardown(ctx context.Context, key string) error {
	instances := l.table.List(key)
	sort.SliceStable(instances, func(i, j int) bool { return instances[i].Ordinal > instances[j].Ordinal })
	for _, inst := range instances {
		l.terminate(ctx, inst, "workload deleted")
	}

	ns, name := types.SplitKey(key)
	l.Registry.Purge(name + "." + ns)

	claims, err := l.Declarations.ListClaims(key)
	if err != nil {
		return fmt.Errorf("failed to list claims of %s: %w", key, err)
	}
	logger := log.WithWorkload("reconciler", key)
	for _, claim := range claims {
		if l.Binder != nil {
			ref := volume.Ref{Workload: key, Ordinal: claim.Ordinal, NodeID: claim.NodeID, Handle: claim.Handle}
			if err := l.Binder.Unbind(ctx, ref); err != nil {
				return fmt.Errorf("failed to unbind volume %s: %w", claim.Handle, err)
			}
		}
		if err := l.Declarations.DeleteClaim(key, claim.Ordinal); err != nil {
			return fmt.Errorf("failed to delete claim: %w", err)
		}
		logger.Info().Int("ordinal", claim.Ordinal).Str("volume", claim.Handle).Msg("Volume released")
	}

	if len(instances) > 0 || len(claims) > 0 {
		logger.Info().Int("instances", len(instances)).Msg("Workload torn down")
	}
	l.status.Remove(key)
	return nil
}

// SyncNodes loads the declared nodes into the ledger and treats ledger
// nodes that are no longer declared as lost
func (l *Loop) SyncNodes(ctx context.Context) error {
	nodes, err := l.Declarations.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	declared := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		if n.Status != types.NodeStatusReady {
			continue
		}
		declared[n.ID] = n
		l.Ledger.AddNode(n.ID, n.Capacity)
	}

	l.mu.Lock()
	l.nodes = declared
	l.mu.Unlock()

	for _, usage := range l.Ledger.Snapshot() {
		if _, ok := declared[usage.NodeID]; !ok {
			l.NodeLost(ctx, usage.NodeID)
		}
	}
	return nil
}

// NodeLost forgets a node. Its instances lose their placement and return to
// Pending so their controllers place them elsewhere (or, for pinned ordered
// instances, report the affinity violation).
func (l *Loop) NodeLost(ctx context.Context, nodeID string) {
	if nodeID == "" {
		return
	}
	l.Ledger.RemoveNode(nodeID)

	l.mu.Lock()
	delete(l.nodes, nodeID)
	l.mu.Unlock()

	affected := make(map[string]bool)
	for _, inst := range l.table.OnNode(nodeID) {
		l.Registry.Deregister(logicalName(inst), inst.ID)
		if err := l.Runtime.Stop(ctx, inst); err != nil {
			l.logger.Debug().Err(err).Str("instance", inst.ID).Msg("Stop on lost node failed")
		}
		updated, ok := l.table.Update(inst.ID, func(i *types.Instance) {
			i.Phase = types.PhasePending
			i.Ready = false
			i.NodeID = ""
			i.ReservationID = ""
			i.Address = ""
			i.Reason = "node " + nodeID + " lost"
		})
		if ok {
			metrics.InstanceTransitions.WithLabelValues(string(types.PhasePending)).Inc()
			affected[updated.Workload] = true
		}
	}

	l.logger.Warn().Str("node_id", nodeID).Int("workloads", len(affected)).Msg("Node lost, rescheduling instances")
	for key := range affected {
		l.queue.Add(key)
	}
}

func (l *Loop) nodeAddress(nodeID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n, ok := l.nodes[nodeID]; ok {
		return n.Address
	}
	return ""
}

// Status returns the observed state of one workload
func (l *Loop) Status(key string) (*types.WorkloadStatus, error) {
	spec, err := l.Declarations.GetWorkload(key)
	if err != nil {
		return nil, err
	}
	st := buildStatus(spec, l.table.List(key))
	l.status.Fill(st)
	return st, nil
}

// ListStatus returns the observed state of every declared workload
func (l *Loop) ListStatus() ([]*types.WorkloadStatus, error) {
	specs, err := l.Declarations.ListWorkloads()
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkloadStatus, 0, len(specs))
	for _, spec := range specs {
		st := buildStatus(spec, l.table.List(spec.Key()))
		l.status.Fill(st)
		out = append(out, st)
	}
	return out, nil
}

// ListInstances returns every live instance
func (l *Loop) ListInstances() []*types.Instance {
	return l.table.All()
}

// Instances returns the live instances of one workload
func (l *Loop) Instances(key string) []*types.Instance {
	return l.table.List(key)
}

func (l *Loop) publish(ev *events.Event) {
	if l.Events != nil {
		l.Events.Publish(ev)
	}
}

// InstanceRunning implements runtime.Observer
func (l *Loop) InstanceRunning(id, address string) {
	inst, ok := l.table.Update(id, func(i *types.Instance) {
		if i.Phase == types.PhasePending {
			i.Phase = types.PhaseRunning
		}
		i.Address = address
		i.Reason = ""
	})
	if !ok || inst.Phase != types.PhaseRunning {
		return
	}
	metrics.InstanceTransitions.WithLabelValues(string(types.PhaseRunning)).Inc()
	l.Registry.Sync(logicalName(inst), inst)

	logger := instanceLogger(inst)
	logger.Info().
		Str("node_id", inst.NodeID).
		Str("address", address).
		Msg("Instance running")
	l.publish(&events.Event{Type: events.EventInstanceRunning, Workload: inst.Workload, Message: inst.Identity()})
	l.queue.Add(inst.Workload)
}

// InstanceReadiness implements runtime.Observer
func (l *Loop) InstanceReadiness(id string, ready bool) {
	var changed bool
	inst, ok := l.table.Update(id, func(i *types.Instance) {
		changed = i.Ready != ready
		i.Ready = ready
		if ready {
			// The deadline only bounds the first readiness
			i.ReadyDeadline = time.Time{}
		}
	})
	if !ok {
		return
	}
	l.Registry.Sync(logicalName(inst), inst)
	if !changed {
		return
	}

	logger := instanceLogger(inst)
	logger.Debug().Bool("ready", ready).Msg("Readiness changed")
	if ready {
		l.publish(&events.Event{Type: events.EventInstanceReady, Workload: inst.Workload, Message: inst.Identity()})
	}
	l.queue.Add(inst.Workload)
}

// InstanceExited implements runtime.Observer. The instance is gone; its
// controller creates a replacement on the next reconcile.
func (l *Loop) InstanceExited(id, reason string) {
	inst, ok := l.table.Delete(id)
	if !ok {
		return
	}
	l.Registry.Deregister(logicalName(inst), inst.ID)
	if inst.Placed() {
		l.Ledger.Release(inst.NodeID, inst.ReservationID)
	}
	metrics.InstanceTransitions.WithLabelValues(string(types.PhaseGone)).Inc()

	logger := instanceLogger(inst)
	logger.Warn().
		Str("node_id", inst.NodeID).
		Str("reason", reason).
		Msg("Instance exited")
	l.publish(&events.Event{
		Type:     events.EventInstanceExited,
		Workload: inst.Workload,
		Message:  inst.Identity() + ": " + reason,
	})
	l.queue.Add(inst.Workload)
}

func instanceLogger(inst *types.Instance) zerolog.Logger {
	return log.WithInstance("reconciler", inst.Workload, inst.Identity())
}

func logicalName(inst *types.Instance) string {
	ns, name := types.SplitKey(inst.Workload)
	return name + "." + ns
}
