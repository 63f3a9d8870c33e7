package autoscaler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promServer(t *testing.T, body string, queries chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			http.NotFound(w, r)
			return
		}
		if queries != nil {
			queries <- r.FormValue("query")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrometheusSourceVector(t *testing.T) {
	queries := make(chan string, 1)
	srv := promServer(t, `{"status":"success","data":{"resultType":"vector","result":[
		{"metric":{"workload":"default/web","instance":"a"},"value":[1740830400,"0.9"]},
		{"metric":{"workload":"default/web","instance":"b"},"value":[1740830400,"0.5"]}
	]}}`, queries)

	src, err := NewPrometheusSource(srv.URL, "", time.Second)
	require.NoError(t, err)

	v, err := src.Utilization(context.Background(), webSpec(2))
	require.NoError(t, err)
	assert.InDelta(t, 0.7, v, 1e-9)
	assert.Equal(t, `avg(burrow_instance_cpu_utilization_ratio{workload="default/web"})`, <-queries)
}

func TestPrometheusSourceCustomQuery(t *testing.T) {
	queries := make(chan string, 1)
	srv := promServer(t, `{"status":"success","data":{"resultType":"scalar","result":[1740830400,"1.25"]}}`, queries)

	src, err := NewPrometheusSource(srv.URL,
		`sum(rate(http_requests_total{namespace="{{ .Namespace }}",app="{{ .Name }}"}[1m])) / 100`, time.Second)
	require.NoError(t, err)

	v, err := src.Utilization(context.Background(), webSpec(2))
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)
	assert.Equal(t, `sum(rate(http_requests_total{namespace="default",app="web"}[1m])) / 100`, <-queries)
}

func TestPrometheusSourceFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty vector", body: `{"status":"success","data":{"resultType":"vector","result":[]}}`},
		{name: "nan", body: `{"status":"success","data":{"resultType":"scalar","result":[1740830400,"NaN"]}}`},
		{name: "query error", body: `{"status":"error","errorType":"bad_data","error":"parse error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := promServer(t, tt.body, nil)
			src, err := NewPrometheusSource(srv.URL, "", time.Second)
			require.NoError(t, err)

			_, err = src.Utilization(context.Background(), webSpec(2))
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrMetricSource)
		})
	}
}

func TestPrometheusSourceBadTemplate(t *testing.T) {
	_, err := NewPrometheusSource("http://127.0.0.1:9090", "{{ .Key", time.Second)
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource()
	spec := &types.WorkloadSpec{Name: "web", Namespace: "default"}

	_, err := src.Utilization(context.Background(), spec)
	assert.ErrorIs(t, err, errdefs.ErrMetricSource)

	src.Set("default/web", 0.42)
	v, err := src.Utilization(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0.42, v)

	src.Delete("default/web")
	_, err = src.Utilization(context.Background(), spec)
	assert.Error(t, err)
}
