package registry

import (
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Endpoint is one ready instance behind a logical name
type Endpoint struct {
	Identity   string `json:"identity"`
	InstanceID string `json:"instanceId"`
	Address    string `json:"address"`
}

// Registry maps logical names to the endpoints of Running, ready instances.
// Reads never block on writers for longer than a map copy.
type Registry struct {
	mu     sync.RWMutex
	names  map[string]map[string]Endpoint // logical name -> instance id -> endpoint
	logger zerolog.Logger
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		names:  make(map[string]map[string]Endpoint),
		logger: log.WithComponent("registry"),
	}
}

// Register adds or replaces an endpoint under a name. Idempotent.
func (r *Registry) Register(name string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps, ok := r.names[name]
	if !ok {
		eps = make(map[string]Endpoint)
		r.names[name] = eps
	}
	if prev, ok := eps[ep.InstanceID]; ok && prev == ep {
		return
	}
	eps[ep.InstanceID] = ep
	metrics.RegistryEndpoints.WithLabelValues(name).Set(float64(len(eps)))

	r.logger.Debug().
		Str("name", name).
		Str("identity", ep.Identity).
		Str("address", ep.Address).
		Msg("Endpoint registered")
}

// Deregister removes an instance from a name. Unknown names and ids are ignored.
func (r *Registry) Deregister(name, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps, ok := r.names[name]
	if !ok {
		return
	}
	if _, ok := eps[instanceID]; !ok {
		return
	}
	delete(eps, instanceID)
	metrics.RegistryEndpoints.WithLabelValues(name).Set(float64(len(eps)))
	if len(eps) == 0 {
		delete(r.names, name)
	}

	r.logger.Debug().
		Str("name", name).
		Str("instance", instanceID).
		Msg("Endpoint deregistered")
}

// Sync makes the registry reflect an instance's current phase and readiness:
// the instance is registered iff it is Running, ready, and has an address.
func (r *Registry) Sync(name string, inst *types.Instance) {
	if inst.Serving() && inst.Address != "" {
		r.Register(name, Endpoint{
			Identity:   inst.Identity(),
			InstanceID: inst.ID,
			Address:    inst.Address,
		})
		return
	}
	r.Deregister(name, inst.ID)
}

// Resolve returns the endpoints of a name sorted by identity. The result is
// never nil.
func (r *Registry) Resolve(name string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eps := r.names[name]
	out := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// ResolveIdentity looks up a single endpoint of a name by identity (e.g. mongo-0)
func (r *Registry) ResolveIdentity(name, identity string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ep := range r.names[name] {
		if ep.Identity == identity {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Purge drops every endpoint of a name
func (r *Registry) Purge(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; !ok {
		return
	}
	delete(r.names, name)
	metrics.RegistryEndpoints.DeleteLabelValues(name)
}

// Names lists the names with at least one endpoint
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
