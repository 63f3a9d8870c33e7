package runtime

import (
	"context"
	"sort"
	"strconv"

	"github.com/cuemby/burrow/pkg/secrets"
	"github.com/cuemby/burrow/pkg/types"
)

// Env is what the controller resolved for an instance before starting it
type Env struct {
	// Secrets are injected as environment variables named by secrets.EnvName
	Secrets map[string][]byte

	// VolumePath is the host path bind-mounted at the workload's volume target
	VolumePath string

	// NodeAddress is the address of the node the instance was placed on
	NodeAddress string
}

// Observer receives instance lifecycle reports from a runtime. Calls may
// arrive from any goroutine, including from inside Start.
type Observer interface {
	InstanceRunning(instanceID, address string)
	InstanceReadiness(instanceID string, ready bool)
	InstanceExited(instanceID, reason string)
}

// Runtime is the collaborator that actually runs instances
type Runtime interface {
	// Start launches the instance; progress is reported through the Observer
	Start(ctx context.Context, inst *types.Instance, spec *types.WorkloadSpec, env Env) error

	// Stop terminates the instance and waits for it to exit. Stopping an
	// unknown instance is not an error.
	Stop(ctx context.Context, inst *types.Instance) error

	// SetObserver registers the receiver of lifecycle reports
	SetObserver(o Observer)
}

// BuildEnv assembles the environment of an instance: declared env first, then
// BURROW_* identity variables, then one variable per secret in name order.
func BuildEnv(inst *types.Instance, spec *types.WorkloadSpec, env Env) []string {
	out := make([]string, 0, len(spec.Env)+len(env.Secrets)+3)
	out = append(out, spec.Env...)
	out = append(out,
		"BURROW_WORKLOAD="+spec.Key(),
		"BURROW_INSTANCE="+inst.Identity(),
	)
	if inst.Ordinal >= 0 {
		out = append(out, "BURROW_ORDINAL="+strconv.Itoa(inst.Ordinal))
	}

	names := make([]string, 0, len(env.Secrets))
	for name := range env.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, secrets.EnvName(name)+"="+string(env.Secrets[name]))
	}
	return out
}
