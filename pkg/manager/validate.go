package manager

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// Names end up in DNS labels (mongo-0.mongo.default)
var labelRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errdefs.ErrInvalidSpec, fmt.Sprintf(format, args...))
}

// Validate checks a declaration. The returned error wraps errdefs.ErrInvalidSpec.
func Validate(spec *types.WorkloadSpec) error {
	if spec == nil {
		return invalid("empty declaration")
	}
	if !labelRE.MatchString(spec.Name) {
		return invalid("name %q must be a lowercase DNS label", spec.Name)
	}
	if spec.Namespace != "" && !labelRE.MatchString(spec.Namespace) {
		return invalid("namespace %q must be a lowercase DNS label", spec.Namespace)
	}

	switch spec.Kind {
	case types.KindStateless, types.KindOrderedStateful:
	default:
		return invalid("unknown kind %q", spec.Kind)
	}

	if spec.Image == "" {
		return invalid("image is required")
	}
	if spec.Replicas <= 0 {
		return invalid("replicas must be positive, got %d", spec.Replicas)
	}
	if spec.Port < 0 || spec.Port > 65535 {
		return invalid("port %d out of range", spec.Port)
	}

	if err := validateResources(spec.Resources); err != nil {
		return err
	}
	if err := validateReadiness(spec.Readiness); err != nil {
		return err
	}
	if spec.Update.MaxSurge < 0 || spec.Update.MaxUnavailable < 0 {
		return invalid("update strategy bounds must not be negative")
	}
	for _, name := range spec.Secrets {
		if name == "" {
			return invalid("empty secret name")
		}
	}

	if spec.Kind == types.KindStateless {
		if spec.Volume != nil || len(spec.VolumeBindings) > 0 {
			return invalid("volumes are only supported for %s workloads", types.KindOrderedStateful)
		}
	} else {
		if spec.Autoscale != nil {
			return invalid("autoscaling is only supported for %s workloads", types.KindStateless)
		}
		if err := validateBindings(spec); err != nil {
			return err
		}
	}

	if spec.Autoscale != nil {
		if err := validateAutoscale(spec.Autoscale); err != nil {
			return err
		}
	}
	return nil
}

func validateResources(r types.ResourceRequirements) error {
	req, lim := r.Requests, r.Limits
	if req.CPUMillis < 0 || req.MemoryBytes < 0 || lim.CPUMillis < 0 || lim.MemoryBytes < 0 {
		return invalid("resources must not be negative")
	}
	if req.CPUMillis == 0 || req.MemoryBytes == 0 {
		return invalid("cpu and memory requests are required")
	}
	if lim.CPUMillis != 0 && lim.CPUMillis < req.CPUMillis {
		return invalid("cpu limit %dm is below request %dm", lim.CPUMillis, req.CPUMillis)
	}
	if lim.MemoryBytes != 0 && lim.MemoryBytes < req.MemoryBytes {
		return invalid("memory limit %d is below request %d", lim.MemoryBytes, req.MemoryBytes)
	}
	return nil
}

func validateReadiness(r types.Readiness) error {
	if r.Deadline < 0 {
		return invalid("readiness deadline must not be negative")
	}
	p := r.Probe
	if p == nil {
		return nil
	}
	switch p.Type {
	case types.ProbeHTTP, types.ProbeTCP:
	case types.ProbeExec:
		if len(p.Command) == 0 {
			return invalid("exec probe needs a command")
		}
	default:
		return invalid("unknown probe type %q", p.Type)
	}
	if p.Interval < 0 || p.Timeout < 0 || p.Retries < 0 {
		return invalid("probe timings must not be negative")
	}
	return nil
}

// validateBindings requires pre-provisioned handles to cover ordinals 0..k-1
// with no gaps and k <= replicas.
func validateBindings(spec *types.WorkloadSpec) error {
	if len(spec.VolumeBindings) == 0 {
		return nil
	}
	if spec.Volume == nil {
		return invalid("volumeBindings require a volume mount")
	}

	ordinals := make([]int, 0, len(spec.VolumeBindings))
	for _, b := range spec.VolumeBindings {
		if b.Handle == "" {
			return invalid("volume binding for ordinal %d has no handle", b.Ordinal)
		}
		ordinals = append(ordinals, b.Ordinal)
	}
	sort.Ints(ordinals)
	for i, ord := range ordinals {
		if ord != i {
			return invalid("volume bindings must cover ordinals 0..%d without gaps, found %v", len(ordinals)-1, ordinals)
		}
	}
	if len(ordinals) > spec.Replicas {
		return invalid("volume binding for ordinal %d exceeds replicas %d", len(ordinals)-1, spec.Replicas)
	}
	return nil
}

func validateAutoscale(p *types.AutoscalePolicy) error {
	if p.MinReplicas < 1 {
		return invalid("autoscale minReplicas must be at least 1")
	}
	if p.MaxReplicas < p.MinReplicas {
		return invalid("autoscale maxReplicas %d is below minReplicas %d", p.MaxReplicas, p.MinReplicas)
	}
	if p.TargetUtilization <= 0 || p.TargetUtilization > 1 {
		return invalid("autoscale targetUtilization must be in (0, 1], got %v", p.TargetUtilization)
	}
	if p.Cooldown < 0 {
		return invalid("autoscale cooldown must not be negative")
	}
	return nil
}
