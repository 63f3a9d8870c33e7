package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// APIVersion is the only manifest version understood
const APIVersion = "burrow/v1"

// Document is one YAML document of a manifest
type Document struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata names a workload
type Metadata struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Spec is the user-facing form of types.WorkloadSpec. Quantities use
// Kubernetes notation (200m, 256Mi) and durations Go notation (90s, 3m).
type Spec struct {
	Replicas       int               `yaml:"replicas"`
	Image          string            `yaml:"image"`
	Port           int               `yaml:"port,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Secrets        []string          `yaml:"secrets,omitempty"`
	Resources      Resources         `yaml:"resources"`
	Readiness      *Readiness        `yaml:"readiness,omitempty"`
	Update         *Update           `yaml:"update,omitempty"`
	Volume         *Volume           `yaml:"volume,omitempty"`
	VolumeBindings []Binding         `yaml:"volumeBindings,omitempty"`
	Autoscale      *Autoscale        `yaml:"autoscale,omitempty"`
}

type Resources struct {
	Requests Quantities `yaml:"requests"`
	Limits   Quantities `yaml:"limits,omitempty"`
}

type Quantities struct {
	CPU    string `yaml:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

type Readiness struct {
	Probe    *Probe `yaml:"probe,omitempty"`
	Deadline string `yaml:"deadline,omitempty"`
}

type Probe struct {
	Type     string   `yaml:"type"`
	Path     string   `yaml:"path,omitempty"`
	Port     int      `yaml:"port,omitempty"`
	Command  []string `yaml:"command,omitempty"`
	Interval string   `yaml:"interval,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

type Update struct {
	MaxSurge       int `yaml:"maxSurge"`
	MaxUnavailable int `yaml:"maxUnavailable"`
}

type Volume struct {
	Target string `yaml:"target"`
	Size   string `yaml:"size,omitempty"`
}

type Binding struct {
	Ordinal int    `yaml:"ordinal"`
	Handle  string `yaml:"handle"`
	Node    string `yaml:"node,omitempty"`
}

type Autoscale struct {
	MinReplicas int `yaml:"minReplicas"`
	MaxReplicas int `yaml:"maxReplicas"`
	// TargetUtilization accepts a ratio (0.7) or a percentage ("70%")
	TargetUtilization string `yaml:"targetUtilization"`
	Cooldown          string `yaml:"cooldown,omitempty"`
}

// DecodeFile reads every workload in a YAML file
func DecodeFile(path string) ([]*types.WorkloadSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Decode reads a stream of YAML documents separated by ---. Empty
// documents are skipped.
func Decode(r io.Reader) ([]*types.WorkloadSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var specs []*types.WorkloadSpec
	for i := 0; ; i++ {
		var doc Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %v: %w", i, err, errdefs.ErrInvalidSpec)
		}
		if doc.Kind == "" && doc.Metadata.Name == "" {
			continue
		}
		spec, err := doc.ToSpec()
		if err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", i, doc.Metadata.Name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ToSpec converts a document into a workload declaration. Structural
// validation of the result is left to the manager.
func (d *Document) ToSpec() (*types.WorkloadSpec, error) {
	if d.APIVersion != "" && d.APIVersion != APIVersion {
		return nil, invalid("unsupported apiVersion %q", d.APIVersion)
	}

	spec := &types.WorkloadSpec{
		Name:      d.Metadata.Name,
		Namespace: d.Metadata.Namespace,
		Kind:      types.WorkloadKind(d.Kind),
		Replicas:  d.Spec.Replicas,
		Image:     d.Spec.Image,
		Port:      d.Spec.Port,
		Secrets:   d.Spec.Secrets,
	}
	if spec.Namespace == "" {
		spec.Namespace = types.DefaultNamespace
	}

	keys := make([]string, 0, len(d.Spec.Env))
	for k := range d.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		spec.Env = append(spec.Env, k+"="+d.Spec.Env[k])
	}

	var err error
	if spec.Resources.Requests, err = d.Spec.Resources.Requests.toResources("requests"); err != nil {
		return nil, err
	}
	if spec.Resources.Limits, err = d.Spec.Resources.Limits.toResources("limits"); err != nil {
		return nil, err
	}

	if r := d.Spec.Readiness; r != nil {
		if spec.Readiness.Deadline, err = duration("readiness.deadline", r.Deadline); err != nil {
			return nil, err
		}
		if p := r.Probe; p != nil {
			probe := &types.Probe{
				Type:    types.ProbeType(p.Type),
				Path:    p.Path,
				Port:    p.Port,
				Command: p.Command,
				Retries: p.Retries,
			}
			if probe.Interval, err = duration("readiness.probe.interval", p.Interval); err != nil {
				return nil, err
			}
			if probe.Timeout, err = duration("readiness.probe.timeout", p.Timeout); err != nil {
				return nil, err
			}
			spec.Readiness.Probe = probe
		}
	}

	if u := d.Spec.Update; u != nil {
		spec.Update = types.UpdateStrategy{MaxSurge: u.MaxSurge, MaxUnavailable: u.MaxUnavailable}
	} else if spec.Kind == types.KindStateless {
		spec.Update = types.UpdateStrategy{MaxSurge: 1}
	}

	if v := d.Spec.Volume; v != nil {
		mount := &types.VolumeMount{Target: v.Target}
		if v.Size != "" {
			q, err := resource.ParseQuantity(v.Size)
			if err != nil {
				return nil, invalid("volume.size %q: %v", v.Size, err)
			}
			mount.SizeBytes = q.Value()
		}
		spec.Volume = mount
	}
	for _, b := range d.Spec.VolumeBindings {
		spec.VolumeBindings = append(spec.VolumeBindings, types.VolumeBinding{
			Ordinal: b.Ordinal,
			Handle:  b.Handle,
			NodeID:  b.Node,
		})
	}

	if a := d.Spec.Autoscale; a != nil {
		target, err := ratio(a.TargetUtilization)
		if err != nil {
			return nil, err
		}
		cooldown, err := duration("autoscale.cooldown", a.Cooldown)
		if err != nil {
			return nil, err
		}
		spec.Autoscale = &types.AutoscalePolicy{
			MinReplicas:       a.MinReplicas,
			MaxReplicas:       a.MaxReplicas,
			TargetUtilization: target,
			Cooldown:          cooldown,
		}
	}

	return spec, nil
}

func (q Quantities) toResources(field string) (types.Resources, error) {
	var r types.Resources
	if q.CPU != "" {
		v, err := resource.ParseQuantity(q.CPU)
		if err != nil {
			return r, invalid("%s.cpu %q: %v", field, q.CPU, err)
		}
		r.CPUMillis = v.MilliValue()
	}
	if q.Memory != "" {
		v, err := resource.ParseQuantity(q.Memory)
		if err != nil {
			return r, invalid("%s.memory %q: %v", field, q.Memory, err)
		}
		r.MemoryBytes = v.Value()
	}
	return r, nil
}

func duration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, invalid("%s %q: %v", field, s, err)
	}
	return d, nil
}

func ratio(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, invalid("autoscale.targetUtilization is required")
	}
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, invalid("autoscale.targetUtilization %q: %v", s, err)
	}
	if pct {
		v /= 100
	}
	return v, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidSpec)
}

// FromSpec renders a declaration back into manifest form
func FromSpec(spec *types.WorkloadSpec) *Document {
	doc := &Document{
		APIVersion: APIVersion,
		Kind:       string(spec.Kind),
		Metadata:   Metadata{Name: spec.Name, Namespace: spec.Namespace},
		Spec: Spec{
			Replicas: spec.Replicas,
			Image:    spec.Image,
			Port:     spec.Port,
			Secrets:  spec.Secrets,
			Resources: Resources{
				Requests: quantities(spec.Resources.Requests),
				Limits:   quantities(spec.Resources.Limits),
			},
			Update: &Update{MaxSurge: spec.Update.MaxSurge, MaxUnavailable: spec.Update.MaxUnavailable},
		},
	}

	if len(spec.Env) > 0 {
		doc.Spec.Env = make(map[string]string, len(spec.Env))
		for _, kv := range spec.Env {
			k, v, _ := strings.Cut(kv, "=")
			doc.Spec.Env[k] = v
		}
	}
	if spec.Readiness.Probe != nil || spec.Readiness.Deadline > 0 {
		r := &Readiness{Deadline: formatDuration(spec.Readiness.Deadline)}
		if p := spec.Readiness.Probe; p != nil {
			r.Probe = &Probe{
				Type:     string(p.Type),
				Path:     p.Path,
				Port:     p.Port,
				Command:  p.Command,
				Interval: formatDuration(p.Interval),
				Timeout:  formatDuration(p.Timeout),
				Retries:  p.Retries,
			}
		}
		doc.Spec.Readiness = r
	}
	if spec.Volume != nil {
		v := &Volume{Target: spec.Volume.Target}
		if spec.Volume.SizeBytes > 0 {
			v.Size = resource.NewQuantity(spec.Volume.SizeBytes, resource.BinarySI).String()
		}
		doc.Spec.Volume = v
	}
	for _, b := range spec.VolumeBindings {
		doc.Spec.VolumeBindings = append(doc.Spec.VolumeBindings, Binding{Ordinal: b.Ordinal, Handle: b.Handle, Node: b.NodeID})
	}
	if a := spec.Autoscale; a != nil {
		doc.Spec.Autoscale = &Autoscale{
			MinReplicas:       a.MinReplicas,
			MaxReplicas:       a.MaxReplicas,
			TargetUtilization: strconv.FormatFloat(a.TargetUtilization, 'f', -1, 64),
			Cooldown:          formatDuration(a.Cooldown),
		}
	}
	return doc
}

// Encode writes declarations as a multi-document YAML stream
func Encode(w io.Writer, specs ...*types.WorkloadSpec) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, spec := range specs {
		if err := enc.Encode(FromSpec(spec)); err != nil {
			return err
		}
	}
	return enc.Close()
}

func quantities(r types.Resources) Quantities {
	var q Quantities
	if r.CPUMillis > 0 {
		q.CPU = resource.NewMilliQuantity(r.CPUMillis, resource.DecimalSI).String()
	}
	if r.MemoryBytes > 0 {
		q.Memory = resource.NewQuantity(r.MemoryBytes, resource.BinarySI).String()
	}
	return q
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
