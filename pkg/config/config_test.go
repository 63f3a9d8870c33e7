package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Cluster.NodeID)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.Addr)
	assert.Equal(t, "containerd", cfg.Runtime.Driver)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.Resync)
	assert.Equal(t, 15*time.Second, cfg.Autoscaler.Interval)
	assert.Equal(t, []string{"8.8.8.8:53", "1.1.1.1:53"}, cfg.DNS.Upstreams)

	capacity, err := cfg.Capacity()
	require.NoError(t, err)
	assert.Equal(t, types.Resources{CPUMillis: 2000, MemoryBytes: 2 << 30}, capacity)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("BURROW_API_ADDR", "0.0.0.0:9443")
	t.Setenv("BURROW_RUNTIME_DRIVER", "memory")
	t.Setenv("BURROW_RECONCILER_RESYNC", "1m")
	t.Setenv("BURROW_NODE_CPU", "1500m")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9443", cfg.API.Addr)
	assert.Equal(t, "memory", cfg.Runtime.Driver)
	assert.Equal(t, time.Minute, cfg.Reconciler.Resync)

	capacity, err := cfg.Capacity()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), capacity.CPUMillis)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster:
  node_id: node-7
  in_memory: true
node:
  cpu: "4"
  memory: 8Gi
  labels:
    zone: a
dns:
  domain: cluster.test
autoscaler:
  prometheus_url: http://prometheus:9090
`), 0644))

	// Environment wins over the file
	t.Setenv("BURROW_DNS_DOMAIN", "env.test")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.Cluster.NodeID)
	assert.True(t, cfg.Cluster.InMemory)
	assert.Equal(t, "a", cfg.Node.Labels["zone"])
	assert.Equal(t, "env.test", cfg.DNS.Domain)
	assert.Equal(t, "http://prometheus:9090", cfg.Autoscaler.PrometheusURL)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.env")
	require.NoError(t, os.WriteFile(path, []byte("BURROW_LOG_LEVEL=debug\n"), 0644))
	t.Setenv("BURROW_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("BURROW_LOG_LEVEL"))

	require.NoError(t, LoadEnvFile(path))
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "no node id", mutate: func(c *Config) { c.Cluster.NodeID = "" }},
		{name: "bad api addr", mutate: func(c *Config) { c.API.Addr = "8080" }},
		{name: "bad dns addr", mutate: func(c *Config) { c.DNS.Addr = "localhost" }},
		{name: "bad cpu", mutate: func(c *Config) { c.Node.CPU = "many" }},
		{name: "zero memory", mutate: func(c *Config) { c.Node.Memory = "0" }},
		{name: "unknown runtime", mutate: func(c *Config) { c.Runtime.Driver = "docker" }},
		{name: "unknown level", mutate: func(c *Config) { c.Log.Level = "trace" }},
		{name: "no workers", mutate: func(c *Config) { c.Reconciler.Workers = 0 }},
		{name: "fast resync", mutate: func(c *Config) { c.Reconciler.Resync = time.Millisecond }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
