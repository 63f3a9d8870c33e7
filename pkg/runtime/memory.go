package runtime

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// MemoryRuntime simulates instances without running anything. Every started
// instance is reported Running immediately with a synthetic address.
// Instances without a readiness probe are ready at once; with a probe they
// become ready immediately only when autoReady is set, otherwise through
// MarkReady.
type MemoryRuntime struct {
	mu        sync.Mutex
	observer  Observer
	autoReady bool
	instances map[string]*memInstance
	nextHost  uint32
	startErr  map[string]error // workload key -> error returned by Start
}

type memInstance struct {
	inst    *types.Instance
	env     []string
	mounts  []string
	address string
}

var _ Runtime = (*MemoryRuntime)(nil)

// NewMemoryRuntime creates a simulated runtime
func NewMemoryRuntime(autoReady bool) *MemoryRuntime {
	return &MemoryRuntime{
		autoReady: autoReady,
		instances: make(map[string]*memInstance),
		startErr:  make(map[string]error),
	}
}

// SetObserver registers the receiver of lifecycle reports
func (m *MemoryRuntime) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Start records the instance and reports it Running
func (m *MemoryRuntime) Start(ctx context.Context, inst *types.Instance, spec *types.WorkloadSpec, env Env) error {
	m.mu.Lock()
	if err := m.startErr[spec.Key()]; err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := m.instances[inst.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("instance %s already started", inst.ID)
	}

	m.nextHost++
	ip := net.IPv4(10, 88, byte(m.nextHost>>8), byte(m.nextHost))
	port := spec.Port
	if port == 0 {
		port = 8080
	}
	rec := &memInstance{
		inst:    inst.Clone(),
		env:     BuildEnv(inst, spec, env),
		address: net.JoinHostPort(ip.String(), strconv.Itoa(port)),
	}
	if env.VolumePath != "" && spec.Volume != nil {
		rec.mounts = append(rec.mounts, env.VolumePath+":"+spec.Volume.Target)
	}
	m.instances[inst.ID] = rec
	obs := m.observer
	ready := spec.Readiness.Probe == nil || m.autoReady
	m.mu.Unlock()

	log.Logger.Debug().
		Str("component", "runtime.memory").
		Str("instance", inst.Identity()).
		Str("address", rec.address).
		Msg("Instance started")

	if obs != nil {
		obs.InstanceRunning(inst.ID, rec.address)
		if ready {
			obs.InstanceReadiness(inst.ID, true)
		}
	}
	return nil
}

// Stop forgets the instance
func (m *MemoryRuntime) Stop(ctx context.Context, inst *types.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, inst.ID)
	return nil
}

// MarkReady flips readiness of a running instance as a probe would
func (m *MemoryRuntime) MarkReady(instanceID string, ready bool) {
	m.mu.Lock()
	_, ok := m.instances[instanceID]
	obs := m.observer
	m.mu.Unlock()

	if ok && obs != nil {
		obs.InstanceReadiness(instanceID, ready)
	}
}

// Crash terminates a running instance unexpectedly
func (m *MemoryRuntime) Crash(instanceID, reason string) {
	m.mu.Lock()
	_, ok := m.instances[instanceID]
	delete(m.instances, instanceID)
	obs := m.observer
	m.mu.Unlock()

	if ok && obs != nil {
		obs.InstanceExited(instanceID, reason)
	}
}

// FailStarts makes Start fail for every instance of a workload; nil clears it
func (m *MemoryRuntime) FailStarts(workloadKey string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.startErr, workloadKey)
		return
	}
	m.startErr[workloadKey] = err
}

// Running returns the ids of running instances, sorted
func (m *MemoryRuntime) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.instances))
	for id := range m.instances {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Env returns the environment an instance was started with
func (m *MemoryRuntime) Env(instanceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.instances[instanceID]; ok {
		return append([]string(nil), rec.env...)
	}
	return nil
}

// Mounts returns the source:target bind mounts of an instance
func (m *MemoryRuntime) Mounts(instanceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.instances[instanceID]; ok {
		return append([]string(nil), rec.mounts...)
	}
	return nil
}
