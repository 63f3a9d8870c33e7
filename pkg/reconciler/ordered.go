package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
)

// reconcileOrdered runs one step of the ordered-identity controller:
//
//  1. ordinals >= replicas are terminated, highest first
//  2. ordinals 0..replicas-1 are created or restarted in ascending order,
//     stopping at the first ordinal that is not yet serving
//  3. once all are serving, the highest ordinal on an outdated template is
//     replaced; one ordinal per step
func (l *Loop) reconcileOrdered(ctx context.Context, spec *types.WorkloadSpec) (result, error) {
	key := spec.Key()
	hash := spec.TemplateHash()
	logger := log.WithWorkload("reconciler", key)

	byOrdinal := make(map[int]*types.Instance)
	var extra []*types.Instance
	for _, inst := range activeInstances(l.table.List(key)) {
		if prev, dup := byOrdinal[inst.Ordinal]; dup {
			// Never two live instances of one identity; keep the older
			extra = append(extra, inst)
			logger.Warn().Str("kept", prev.ID).Str("dropped", inst.ID).Int("ordinal", inst.Ordinal).Msg("Duplicate ordinal")
			continue
		}
		byOrdinal[inst.Ordinal] = inst
	}
	for _, inst := range extra {
		l.terminate(ctx, inst, "duplicate ordinal")
	}

	live := make([]*types.Instance, 0, len(byOrdinal))
	for _, inst := range byOrdinal {
		live = append(live, inst)
	}
	if late := l.readinessExpired(spec, live); late != nil {
		return result{}, fmt.Errorf("instance %s not ready within %s: %w",
			late.Identity(), spec.Readiness.Deadline, errdefs.ErrReadinessTimeout)
	}

	// Scale down, highest ordinal first. terminate is synchronous, so N+1 is
	// Gone before N is touched.
	highest := -1
	for ord := range byOrdinal {
		if ord > highest {
			highest = ord
		}
	}
	for ord := highest; ord >= spec.Replicas; ord-- {
		if inst, ok := byOrdinal[ord]; ok {
			l.terminate(ctx, inst, "scaled down")
			delete(byOrdinal, ord)
		}
	}

	// Scale up and repair, lowest ordinal first
	for ord := 0; ord < spec.Replicas; ord++ {
		inst, ok := byOrdinal[ord]
		if !ok {
			inst = l.newInstance(spec, ord, false)
			byOrdinal[ord] = inst
		}
		// An unready instance on an older template is not worth waiting for.
		// This is how a rollout halted on a bad template resumes.
		if inst.TemplateHash != hash && !inst.Serving() {
			logger.Info().Str("instance", inst.Identity()).Msg("Replacing unready instance on new template")
			l.terminate(ctx, inst, "replaced by rollout")
			inst = l.newInstance(spec, ord, true)
			byOrdinal[ord] = inst
		}
		if inst.Phase == types.PhasePending && !inst.Placed() {
			if err := l.startOrdinal(ctx, spec, inst); err != nil {
				return result{}, err
			}
			inst, _ = l.table.Get(inst.ID)
			if inst == nil {
				return result{}, nil
			}
		}
		if !inst.Serving() {
			logger.Debug().Str("instance", inst.Identity()).Msg("Waiting for readiness")
			if res, ok := l.nextDeadline(spec, []*types.Instance{inst}); ok {
				return res, nil
			}
			return result{}, nil
		}
	}

	// Rolling update, highest ordinal first
	for ord := spec.Replicas - 1; ord >= 0; ord-- {
		inst := byOrdinal[ord]
		if inst.TemplateHash == hash {
			continue
		}
		logger.Info().Str("instance", inst.Identity()).Msg("Replacing instance on new template")
		l.terminate(ctx, inst, "replaced by rollout")

		repl := l.newInstance(spec, ord, true)
		if err := l.startOrdinal(ctx, spec, repl); err != nil {
			return result{}, err
		}
		if res, ok := l.nextDeadline(spec, []*types.Instance{repl}); ok {
			return res, nil
		}
		return result{}, nil
	}
	return result{}, nil
}

// startOrdinal places an ordered instance, reattaching or creating its
// volume, and launches it. An ordinal that already holds a claim is pinned
// to the claim's node when volumes are node-local.
func (l *Loop) startOrdinal(ctx context.Context, spec *types.WorkloadSpec, inst *types.Instance) error {
	if spec.Volume == nil {
		placed, err := l.place(inst, "")
		if err != nil {
			return err
		}
		return l.launch(ctx, spec, placed, "")
	}
	if l.Binder == nil {
		return fmt.Errorf("workload %s declares a volume but no volume binder is configured", spec.Key())
	}

	key := spec.Key()
	ref := volume.Ref{Workload: key, Ordinal: inst.Ordinal}
	affinity := ""

	claim, err := l.Declarations.GetClaim(key, inst.Ordinal)
	switch {
	case err == nil:
		ref.Handle = claim.Handle
		if l.Binder.NodeLocal() {
			affinity = claim.NodeID
		}
	case errors.Is(err, errdefs.ErrNotFound):
		claim = nil
		for _, b := range spec.VolumeBindings {
			if b.Ordinal == inst.Ordinal {
				ref.Handle = b.Handle
				if l.Binder.NodeLocal() {
					affinity = b.NodeID
				}
			}
		}
	default:
		return fmt.Errorf("failed to read claim of %s: %w", inst.Identity(), err)
	}

	placed, err := l.place(inst, affinity)
	if err != nil {
		return err
	}
	ref.NodeID = placed.NodeID

	handle, err := l.Binder.Bind(ctx, ref)
	if err == nil && ref.Handle != "" && handle.ID != ref.Handle {
		err = fmt.Errorf("got volume %s, want %s: %w", handle.ID, ref.Handle, errdefs.ErrVolumeBindingLost)
	}
	if err != nil {
		l.unplace(placed, err.Error())
		if ref.Handle != "" && !errors.Is(err, errdefs.ErrVolumeBindingLost) {
			err = fmt.Errorf("%v: %w", err, errdefs.ErrVolumeBindingLost)
		}
		return fmt.Errorf("failed to bind volume of %s: %w", inst.Identity(), err)
	}

	if claim == nil {
		claim = &types.VolumeClaim{
			Workload: key,
			Ordinal:  inst.Ordinal,
			Handle:   handle.ID,
			NodeID:   handle.NodeID,
			Path:     handle.Path,
		}
		if err := l.Declarations.PutClaim(claim); err != nil {
			l.unplace(placed, err.Error())
			return fmt.Errorf("failed to record claim of %s: %w", inst.Identity(), err)
		}
		logger := instanceLogger(placed)
		logger.Info().Str("volume", handle.ID).Str("node_id", handle.NodeID).Msg("Volume claimed")
	}

	placed, _ = l.table.Update(placed.ID, func(i *types.Instance) { i.VolumeHandle = handle.ID })
	if placed == nil {
		return fmt.Errorf("instance %s vanished during volume bind", inst.Identity())
	}
	return l.launch(ctx, spec, placed, handle.Path)
}
