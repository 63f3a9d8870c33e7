package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/deploy"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// reconcileStateless runs one step of the stateless controller: halt check,
// then the deploy plan (terminations first, then creations), then placement
// of every unplaced instance.
func (l *Loop) reconcileStateless(ctx context.Context, spec *types.WorkloadSpec) (result, error) {
	key := spec.Key()
	hash := spec.TemplateHash()
	logger := log.WithWorkload("reconciler", key)

	active := activeInstances(l.table.List(key))
	rolling := false
	for _, inst := range active {
		if inst.TemplateHash != hash {
			rolling = true
			break
		}
	}

	if late := l.readinessExpired(spec, active); late != nil {
		return result{}, fmt.Errorf("instance %s not ready within %s: %w",
			late.Identity(), spec.Readiness.Deadline, errdefs.ErrReadinessTimeout)
	}

	candidates := make([]deploy.Candidate, 0, len(active))
	byID := make(map[string]*types.Instance, len(active))
	for _, inst := range active {
		byID[inst.ID] = inst
		candidates = append(candidates, deploy.Candidate{
			ID:        inst.ID,
			Current:   inst.TemplateHash == hash,
			Ready:     inst.Serving(),
			CreatedAt: inst.CreatedAt,
		})
	}

	plan := deploy.Compute(spec.Replicas, l.updateStrategy(spec), candidates)
	if !plan.Empty() {
		logger.Debug().
			Int("desired", spec.Replicas).
			Int("active", len(active)).
			Int("create", plan.Create).
			Int("terminate", len(plan.Terminate)).
			Bool("rolling", rolling).
			Msg("Applying plan")
	}

	for _, id := range plan.Terminate {
		reason := "scaled down"
		if byID[id].TemplateHash != hash {
			reason = "replaced by rollout"
		}
		l.terminate(ctx, byID[id], reason)
	}
	for i := 0; i < plan.Create; i++ {
		l.newInstance(spec, types.NoOrdinal, rolling)
	}

	// Place everything still waiting for a node, oldest first
	var unschedulable, firstErr error
	pending := 0
	for _, inst := range activeInstances(l.table.List(key)) {
		if inst.Phase != types.PhasePending || inst.Placed() {
			continue
		}
		placed, err := l.place(inst, "")
		if err == nil {
			err = l.launch(ctx, spec, placed, "")
		}
		if err == nil {
			continue
		}
		pending++
		if errors.Is(err, errdefs.ErrUnschedulable) {
			unschedulable = err
		} else if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return result{}, firstErr
	}
	if unschedulable != nil {
		return result{}, fmt.Errorf("%d instance(s) of %s pending: %w", pending, key, unschedulable)
	}

	if res, ok := l.nextDeadline(spec, activeInstances(l.table.List(key))); ok {
		return res, nil
	}
	return result{}, nil
}

// updateStrategy returns the rollout budgets in effect. A host port on a
// single placeable node leaves no room for a surge instance, so old
// instances go first.
func (l *Loop) updateStrategy(spec *types.WorkloadSpec) types.UpdateStrategy {
	if l.cfg.LocalNode == "" || !l.cfg.ExclusivePorts || spec.Port == 0 {
		return spec.Update
	}
	_, unavailable := spec.Update.Bounds()
	if unavailable < 1 {
		unavailable = 1
	}
	return types.UpdateStrategy{MaxUnavailable: unavailable}
}

func activeInstances(all []*types.Instance) []*types.Instance {
	out := make([]*types.Instance, 0, len(all))
	for _, inst := range all {
		if inst.Phase.Active() {
			out = append(out, inst)
		}
	}
	return out
}
