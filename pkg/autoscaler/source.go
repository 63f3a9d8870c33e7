package autoscaler

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"text/template"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// MetricSource supplies the load signal of a workload as a utilization
// ratio (1.0 means instances are exactly at their requested capacity).
// Failures are returned wrapped in errdefs.ErrMetricSource.
type MetricSource interface {
	Utilization(ctx context.Context, spec *types.WorkloadSpec) (float64, error)
}

// StaticSource holds utilization values pushed from outside, e.g. through
// the ReportMetric API call
type StaticSource struct {
	mu     sync.RWMutex
	values map[string]float64
}

var _ MetricSource = (*StaticSource)(nil)

// NewStaticSource creates an empty static source
func NewStaticSource() *StaticSource {
	return &StaticSource{values: make(map[string]float64)}
}

// Set records the utilization of a workload
func (s *StaticSource) Set(workload string, utilization float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[workload] = utilization
}

// Delete forgets a workload
func (s *StaticSource) Delete(workload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, workload)
}

// Utilization implements MetricSource
func (s *StaticSource) Utilization(ctx context.Context, spec *types.WorkloadSpec) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[spec.Key()]
	if !ok {
		return 0, fmt.Errorf("no sample for %s: %w", spec.Key(), errdefs.ErrMetricSource)
	}
	return v, nil
}

// DefaultQuery averages the CPU utilization of a workload's instances
const DefaultQuery = `avg(burrow_instance_cpu_utilization_ratio{workload="{{ .Key }}"})`

// PrometheusSource runs one instant PromQL query per workload. The query is
// a text/template rendered with Key, Name and Namespace of the workload.
type PrometheusSource struct {
	api     promv1.API
	query   *template.Template
	timeout time.Duration
}

var _ MetricSource = (*PrometheusSource)(nil)

// NewPrometheusSource creates a source for the Prometheus server at address
func NewPrometheusSource(address, query string, timeout time.Duration) (*PrometheusSource, error) {
	if query == "" {
		query = DefaultQuery
	}
	tmpl, err := template.New("query").Option("missingkey=error").Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query template: %w", err)
	}

	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &PrometheusSource{
		api:     promv1.NewAPI(client),
		query:   tmpl,
		timeout: timeout,
	}, nil
}

type queryVars struct {
	Key       string
	Name      string
	Namespace string
}

// Utilization implements MetricSource
func (p *PrometheusSource) Utilization(ctx context.Context, spec *types.WorkloadSpec) (float64, error) {
	var buf bytes.Buffer
	if err := p.query.Execute(&buf, queryVars{Key: spec.Key(), Name: spec.Name, Namespace: spec.Namespace}); err != nil {
		return 0, fmt.Errorf("render query for %s: %v: %w", spec.Key(), err, errdefs.ErrMetricSource)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	val, _, err := p.api.Query(ctx, buf.String(), time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %s: %v: %w", spec.Key(), err, errdefs.ErrMetricSource)
	}

	v, err := sampleValue(val)
	if err != nil {
		return 0, fmt.Errorf("query %s: %v: %w", spec.Key(), err, errdefs.ErrMetricSource)
	}
	return v, nil
}

// sampleValue reduces an instant query result to one number. Vectors with
// several series are averaged.
func sampleValue(val model.Value) (float64, error) {
	var v float64
	switch r := val.(type) {
	case nil:
		return 0, fmt.Errorf("no result")
	case *model.Scalar:
		v = float64(r.Value)
	case model.Vector:
		if len(r) == 0 {
			return 0, fmt.Errorf("empty result")
		}
		for _, s := range r {
			v += float64(s.Value)
		}
		v /= float64(len(r))
	default:
		return 0, fmt.Errorf("unsupported result type %s", val.Type())
	}

	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("unusable sample %v", v)
	}
	return v, nil
}
