package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// WorkloadKind selects the controller that owns a workload
type WorkloadKind string

const (
	KindStateless       WorkloadKind = "Stateless"
	KindOrderedStateful WorkloadKind = "OrderedStateful"
)

// Resources is an amount of CPU and memory
type Resources struct {
	CPUMillis   int64 `json:"cpuMillis" yaml:"cpuMillis"`
	MemoryBytes int64 `json:"memoryBytes" yaml:"memoryBytes"`
}

// IsZero reports whether both dimensions are zero
func (r Resources) IsZero() bool {
	return r.CPUMillis == 0 && r.MemoryBytes == 0
}

// Add returns r + o
func (r Resources) Add(o Resources) Resources {
	return Resources{CPUMillis: r.CPUMillis + o.CPUMillis, MemoryBytes: r.MemoryBytes + o.MemoryBytes}
}

// Sub returns r - o
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPUMillis: r.CPUMillis - o.CPUMillis, MemoryBytes: r.MemoryBytes - o.MemoryBytes}
}

// Fits reports whether req fits in r on every dimension
func (r Resources) Fits(req Resources) bool {
	return req.CPUMillis <= r.CPUMillis && req.MemoryBytes <= r.MemoryBytes
}

func (r Resources) String() string {
	return fmt.Sprintf("cpu=%dm mem=%d", r.CPUMillis, r.MemoryBytes)
}

// ResourceRequirements defines reserved minimums and runtime limits.
// Only Requests take part in admission; Limits are handed to the runtime.
type ResourceRequirements struct {
	Requests Resources `json:"requests" yaml:"requests"`
	Limits   Resources `json:"limits" yaml:"limits"`
}

// ProbeType defines the type of readiness probe
type ProbeType string

const (
	ProbeHTTP ProbeType = "http"
	ProbeTCP  ProbeType = "tcp"
	ProbeExec ProbeType = "exec"
)

// Probe describes how the runtime decides an instance is ready
type Probe struct {
	Type     ProbeType     `json:"type" yaml:"type"`
	Path     string        `json:"path,omitempty" yaml:"path,omitempty"` // HTTP path
	Port     int           `json:"port,omitempty" yaml:"port,omitempty"` // defaults to the workload port
	Command  []string      `json:"command,omitempty" yaml:"command,omitempty"`
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries  int           `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Readiness holds readiness criteria for a workload
type Readiness struct {
	Probe *Probe `json:"probe,omitempty" yaml:"probe,omitempty"`

	// Deadline bounds how long a new instance may stay unready during a rollout.
	// Zero disables the deadline.
	Deadline time.Duration `json:"deadline,omitempty" yaml:"deadline,omitempty"`
}

// UpdateStrategy controls rolling replacement of instances
type UpdateStrategy struct {
	MaxSurge       int `json:"maxSurge" yaml:"maxSurge"`
	MaxUnavailable int `json:"maxUnavailable" yaml:"maxUnavailable"`
}

// Bounds returns the effective surge and unavailability budgets
func (u UpdateStrategy) Bounds() (surge, unavailable int) {
	surge, unavailable = u.MaxSurge, u.MaxUnavailable
	if surge < 0 {
		surge = 0
	}
	if unavailable < 0 {
		unavailable = 0
	}
	if surge == 0 && unavailable == 0 {
		unavailable = 1
	}
	return surge, unavailable
}

// VolumeMount requests a per-ordinal volume for ordered workloads
type VolumeMount struct {
	Target    string `json:"target" yaml:"target"` // container path
	SizeBytes int64  `json:"sizeBytes,omitempty" yaml:"sizeBytes,omitempty"`
}

// VolumeBinding adopts a pre-provisioned volume handle for an ordinal
type VolumeBinding struct {
	Ordinal int    `json:"ordinal" yaml:"ordinal"`
	Handle  string `json:"handle" yaml:"handle"`
	NodeID  string `json:"nodeId,omitempty" yaml:"nodeId,omitempty"`
}

// AutoscalePolicy bounds horizontal scaling of a stateless workload
type AutoscalePolicy struct {
	MinReplicas       int           `json:"minReplicas" yaml:"minReplicas"`
	MaxReplicas       int           `json:"maxReplicas" yaml:"maxReplicas"`
	TargetUtilization float64       `json:"targetUtilization" yaml:"targetUtilization"` // ratio, e.g. 0.7
	Cooldown          time.Duration `json:"cooldown" yaml:"cooldown"`
}

// WorkloadSpec is the declared desired state for a set of instances.
// It is replaced wholesale on every declaration.
type WorkloadSpec struct {
	Name           string               `json:"name"`
	Namespace      string               `json:"namespace"`
	Kind           WorkloadKind         `json:"kind"`
	Replicas       int                  `json:"replicas"`
	Image          string               `json:"image"`
	Env            []string             `json:"env,omitempty"`
	Port           int                  `json:"port,omitempty"`
	Secrets        []string             `json:"secrets,omitempty"`
	Resources      ResourceRequirements `json:"resources"`
	Readiness      Readiness            `json:"readiness"`
	Update         UpdateStrategy       `json:"update"`
	Volume         *VolumeMount         `json:"volume,omitempty"`
	VolumeBindings []VolumeBinding      `json:"volumeBindings,omitempty"`
	Autoscale      *AutoscalePolicy     `json:"autoscale,omitempty"`
	Generation     int64                `json:"generation"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`

	// AutoscaledAt is the time of the last autoscaler scale action. It is
	// carried across declarations and seeds the cooldown after a restart.
	AutoscaledAt time.Time `json:"autoscaledAt"`
}

// DefaultNamespace is used when a declaration omits the namespace
const DefaultNamespace = "default"

// WorkloadKey builds the store key for a workload
func WorkloadKey(namespace, name string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/" + name
}

// SplitKey splits a workload key into namespace and name
func SplitKey(key string) (namespace, name string) {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return DefaultNamespace, key
}

// Key returns namespace/name
func (w *WorkloadSpec) Key() string {
	return WorkloadKey(w.Namespace, w.Name)
}

// LogicalName is the registry name of the workload (name.namespace)
func (w *WorkloadSpec) LogicalName() string {
	ns := w.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return w.Name + "." + ns
}

// TemplateHash fingerprints the fields whose change requires replacing instances
func (w *WorkloadSpec) TemplateHash() string {
	env := append([]string(nil), w.Env...)
	sort.Strings(env)
	secrets := append([]string(nil), w.Secrets...)
	sort.Strings(secrets)

	tmpl := struct {
		Image     string
		Env       []string
		Port      int
		Secrets   []string
		Resources ResourceRequirements
		Volume    *VolumeMount
	}{w.Image, env, w.Port, secrets, w.Resources, w.Volume}

	data, _ := json.Marshal(tmpl)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// Clone returns a deep copy
func (w *WorkloadSpec) Clone() *WorkloadSpec {
	if w == nil {
		return nil
	}
	c := *w
	c.Env = append([]string(nil), w.Env...)
	c.Secrets = append([]string(nil), w.Secrets...)
	c.VolumeBindings = append([]VolumeBinding(nil), w.VolumeBindings...)
	if w.Volume != nil {
		v := *w.Volume
		c.Volume = &v
	}
	if w.Autoscale != nil {
		a := *w.Autoscale
		c.Autoscale = &a
	}
	if w.Readiness.Probe != nil {
		p := *w.Readiness.Probe
		p.Command = append([]string(nil), w.Readiness.Probe.Command...)
		c.Readiness.Probe = &p
	}
	return &c
}

// Phase is the lifecycle phase of an instance
type Phase string

const (
	PhasePending     Phase = "Pending"
	PhaseRunning     Phase = "Running"
	PhaseTerminating Phase = "Terminating"
	PhaseGone        Phase = "Gone"
)

// Active reports whether the phase counts toward the desired replica count
func (p Phase) Active() bool {
	return p == PhasePending || p == PhaseRunning
}

// NoOrdinal marks instances of stateless workloads
const NoOrdinal = -1

// Instance is one running unit of a workload
type Instance struct {
	ID            string    `json:"id"`
	Workload      string    `json:"workload"` // workload key
	Name          string    `json:"name"`     // workload name
	Ordinal       int       `json:"ordinal"`
	Phase         Phase     `json:"phase"`
	Ready         bool      `json:"ready"`
	NodeID        string    `json:"nodeId,omitempty"`
	Address       string    `json:"address,omitempty"`
	ReservationID string    `json:"reservationId,omitempty"`
	VolumeHandle  string    `json:"volumeHandle,omitempty"`
	TemplateHash  string    `json:"templateHash"`
	Generation    int64     `json:"generation"`
	CreatedAt     time.Time `json:"createdAt"`
	ReadyDeadline time.Time `json:"readyDeadline,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Requests      Resources `json:"requests"`
	Port          int       `json:"port,omitempty"`
}

// Identity is the registry identity: name-ordinal for ordered instances, the id otherwise
func (i *Instance) Identity() string {
	if i.Ordinal >= 0 {
		return OrdinalName(i.Name, i.Ordinal)
	}
	return i.ID
}

// Placed reports whether the instance holds a node reservation
func (i *Instance) Placed() bool {
	return i.NodeID != "" && i.ReservationID != ""
}

// Serving reports whether the instance may receive traffic
func (i *Instance) Serving() bool {
	return i.Phase == PhaseRunning && i.Ready
}

// Clone returns a copy
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// OrdinalName returns the stable name of an ordered instance (e.g. mongo-0)
func OrdinalName(name string, ordinal int) string {
	return fmt.Sprintf("%s-%d", name, ordinal)
}

// NodeStatus represents the membership state of a node
type NodeStatus string

const (
	NodeStatusReady NodeStatus = "ready"
)

// Node is a member of the cluster as reported by the membership collaborator
type Node struct {
	ID        string            `json:"id"`
	Address   string            `json:"address"`
	Capacity  Resources         `json:"capacity"`
	Labels    map[string]string `json:"labels,omitempty"`
	Status    NodeStatus        `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// VolumeClaim binds an ordinal of an ordered workload to a volume handle
type VolumeClaim struct {
	Workload  string    `json:"workload"`
	Ordinal   int       `json:"ordinal"`
	Handle    string    `json:"handle"`
	NodeID    string    `json:"nodeId,omitempty"` // set when the volume is node-local
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClaimKey returns the store key of a claim
func ClaimKey(workload string, ordinal int) string {
	return fmt.Sprintf("%s#%d", workload, ordinal)
}

// AutoscalerState is the per-workload autoscaling record
type AutoscalerState struct {
	Workload          string        `json:"workload"`
	TargetUtilization float64       `json:"targetUtilization"`
	MinReplicas       int           `json:"minReplicas"`
	MaxReplicas       int           `json:"maxReplicas"`
	LastScale         time.Time     `json:"lastScale"`
	Cooldown          time.Duration `json:"cooldown"`
	LastUtilization   float64       `json:"lastUtilization"`
	LastDesired       int           `json:"lastDesired"`
}

// Condition summarises a workload's reconciliation state
type Condition string

const (
	ConditionReconciling   Condition = "Reconciling"
	ConditionStable        Condition = "Stable"
	ConditionRolloutHalted Condition = "RolloutHalted"
	ConditionFailed        Condition = "Failed"
)

// InstanceStatus is the externally visible state of one instance
type InstanceStatus struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Phase    Phase  `json:"phase"`
	Ready    bool   `json:"ready"`
	NodeID   string `json:"nodeId,omitempty"`
	Address  string `json:"address,omitempty"`
	Volume   string `json:"volume,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WorkloadStatus is the externally visible state of one workload
type WorkloadStatus struct {
	Workload           string           `json:"workload"`
	Kind               WorkloadKind     `json:"kind"`
	Generation         int64            `json:"generation"`
	ObservedGeneration int64            `json:"observedGeneration"`
	Desired            int              `json:"desired"`
	Running            int              `json:"running"`
	Pending            int              `json:"pending"`
	Ready              int              `json:"ready"`
	Terminating        int              `json:"terminating"`
	Condition          Condition        `json:"condition"`
	LastError          string           `json:"lastError,omitempty"`
	LastReconciled     time.Time        `json:"lastReconciled,omitempty"`
	Instances          []InstanceStatus `json:"instances"`
}
