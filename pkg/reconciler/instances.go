package reconciler

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/secrets"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

// newInstance records a Pending instance of the current template. When
// rolling is set and the workload has a readiness deadline, the instance
// must become ready before it expires.
func (l *Loop) newInstance(spec *types.WorkloadSpec, ordinal int, rolling bool) *types.Instance {
	now := l.clock.Now()
	inst := &types.Instance{
		ID:           uuid.NewString(),
		Workload:     spec.Key(),
		Name:         spec.Name,
		Ordinal:      ordinal,
		Phase:        types.PhasePending,
		TemplateHash: spec.TemplateHash(),
		Generation:   spec.Generation,
		CreatedAt:    now,
		Requests:     spec.Resources.Requests,
		Port:         spec.Port,
	}
	if rolling && spec.Readiness.Deadline > 0 {
		inst.ReadyDeadline = now.Add(spec.Readiness.Deadline)
	}
	l.table.Put(inst)
	metrics.InstanceTransitions.WithLabelValues(string(types.PhasePending)).Inc()
	return inst
}

// place reserves a node for a Pending instance
func (l *Loop) place(inst *types.Instance, affinity string) (*types.Instance, error) {
	req := scheduler.Request{
		InstanceID:   inst.ID,
		Requests:     inst.Requests,
		NodeAffinity: affinity,
	}
	if l.cfg.LocalNode != "" {
		req.Nodes = []string{l.cfg.LocalNode}
	}
	if l.cfg.ExclusivePorts && inst.Port > 0 {
		req.Exclude = l.portHolders(inst)
	}
	placement, err := l.Placer.Place(req)
	if err != nil {
		l.table.Update(inst.ID, func(i *types.Instance) { i.Reason = err.Error() })
		return nil, err
	}

	placed, ok := l.table.Update(inst.ID, func(i *types.Instance) {
		i.NodeID = placement.NodeID
		i.ReservationID = placement.ReservationID
		i.Reason = ""
	})
	if !ok {
		// Removed concurrently, e.g. by a node loss
		l.Ledger.Release(placement.NodeID, placement.ReservationID)
		return nil, fmt.Errorf("instance %s vanished during placement", inst.ID)
	}
	return placed, nil
}

// portHolders lists the nodes where another placed instance holds the
// instance's port
func (l *Loop) portHolders(inst *types.Instance) []string {
	var out []string
	for _, other := range l.table.All() {
		if other.ID != inst.ID && other.Port == inst.Port && other.Placed() {
			out = append(out, other.NodeID)
		}
	}
	return out
}

// unplace returns a placed instance to Pending without a node
func (l *Loop) unplace(inst *types.Instance, reason string) {
	l.Ledger.Release(inst.NodeID, inst.ReservationID)
	l.table.Update(inst.ID, func(i *types.Instance) {
		i.NodeID = ""
		i.ReservationID = ""
		i.VolumeHandle = ""
		i.Reason = reason
	})
}

// launch resolves secrets and starts a placed instance on the runtime. The
// runtime reports Running and readiness through the Observer methods.
func (l *Loop) launch(ctx context.Context, spec *types.WorkloadSpec, inst *types.Instance, volumePath string) error {
	env := runtime.Env{
		VolumePath:  volumePath,
		NodeAddress: l.nodeAddress(inst.NodeID),
	}

	if len(spec.Secrets) > 0 {
		if l.Secrets == nil {
			err := fmt.Errorf("workload %s needs secrets but no secret provider is configured", spec.Key())
			l.unplace(inst, err.Error())
			return err
		}
		blobs, err := secrets.FetchAll(ctx, l.Secrets, spec.Secrets)
		if err != nil {
			l.unplace(inst, err.Error())
			return fmt.Errorf("failed to fetch secrets for %s: %w", spec.Key(), err)
		}
		env.Secrets = blobs
	}

	if err := l.Runtime.Start(ctx, inst, spec, env); err != nil {
		l.unplace(inst, err.Error())
		return fmt.Errorf("failed to start instance %s: %w", inst.Identity(), err)
	}
	return nil
}

// terminate walks an instance through Terminating to Gone: deregister, stop,
// release the reservation, forget it.
func (l *Loop) terminate(ctx context.Context, inst *types.Instance, reason string) {
	l.table.Update(inst.ID, func(i *types.Instance) {
		i.Phase = types.PhaseTerminating
		i.Ready = false
		i.Reason = reason
	})
	metrics.InstanceTransitions.WithLabelValues(string(types.PhaseTerminating)).Inc()
	l.Registry.Deregister(logicalName(inst), inst.ID)

	if inst.Placed() {
		if err := l.Runtime.Stop(ctx, inst); err != nil {
			logger := instanceLogger(inst)
			logger.Warn().Err(err).Msg("Failed to stop instance")
		}
		l.Ledger.Release(inst.NodeID, inst.ReservationID)
	}

	l.table.Delete(inst.ID)
	metrics.InstanceTransitions.WithLabelValues(string(types.PhaseGone)).Inc()

	logger := instanceLogger(inst)
	logger.Info().Str("node_id", inst.NodeID).Str("reason", reason).Msg("Instance gone")
	l.publish(&events.Event{Type: events.EventInstanceGone, Workload: inst.Workload, Message: inst.Identity()})
}

// readinessExpired returns the first current-template instance that is
// still unready after its readiness deadline
func (l *Loop) readinessExpired(spec *types.WorkloadSpec, instances []*types.Instance) *types.Instance {
	hash := spec.TemplateHash()
	now := l.clock.Now()
	for _, inst := range instances {
		if inst.TemplateHash != hash || inst.Ready || !inst.Phase.Active() {
			continue
		}
		if !inst.ReadyDeadline.IsZero() && !now.Before(inst.ReadyDeadline) {
			return inst
		}
	}
	return nil
}

// nextDeadline returns how long until the earliest pending readiness deadline
func (l *Loop) nextDeadline(spec *types.WorkloadSpec, instances []*types.Instance) (result, bool) {
	hash := spec.TemplateHash()
	now := l.clock.Now()
	var res result
	found := false
	for _, inst := range instances {
		if inst.TemplateHash != hash || inst.Ready || inst.ReadyDeadline.IsZero() {
			continue
		}
		d := inst.ReadyDeadline.Sub(now)
		if !found || d < res.requeueAfter {
			res.requeueAfter = d
			found = true
		}
	}
	return res, found
}
