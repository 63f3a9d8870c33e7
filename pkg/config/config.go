package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
)

// EnvPrefix prefixes every environment override, e.g. BURROW_API_ADDR
const EnvPrefix = "BURROW"

// Config holds the settings of a burrow node
type Config struct {
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Node       NodeConfig       `mapstructure:"node"`
	API        APIConfig        `mapstructure:"api"`
	DNS        DNSConfig        `mapstructure:"dns"`
	Log        LogConfig        `mapstructure:"log"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Volumes    VolumesConfig    `mapstructure:"volumes"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Autoscaler AutoscalerConfig `mapstructure:"autoscaler"`
}

type ClusterConfig struct {
	NodeID   string `mapstructure:"node_id"`
	DataDir  string `mapstructure:"data_dir"`
	RaftAddr string `mapstructure:"raft_addr"`
	// Join is the API address of an existing manager; empty bootstraps a new cluster
	Join     string `mapstructure:"join"`
	InMemory bool   `mapstructure:"in_memory"`
}

// NodeConfig describes the capacity this node offers to workloads
type NodeConfig struct {
	Address string            `mapstructure:"address"`
	CPU     string            `mapstructure:"cpu"`
	Memory  string            `mapstructure:"memory"`
	Labels  map[string]string `mapstructure:"labels"`
}

type APIConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type DNSConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addr      string   `mapstructure:"addr"`
	Domain    string   `mapstructure:"domain"`
	Upstreams []string `mapstructure:"upstreams"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type RuntimeConfig struct {
	Driver           string `mapstructure:"driver"`
	ContainerdSocket string `mapstructure:"containerd_socket"`
}

type VolumesConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type SecretsConfig struct {
	Dir string `mapstructure:"dir"`
}

type ReconcilerConfig struct {
	Workers int           `mapstructure:"workers"`
	Resync  time.Duration `mapstructure:"resync"`
}

type AutoscalerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	PrometheusURL string        `mapstructure:"prometheus_url"`
	Query         string        `mapstructure:"query"`
}

// SetDefaults registers every key with its default so environment
// overrides are picked up for all of them
func SetDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "burrow-1"
	}

	v.SetDefault("cluster.node_id", hostname)
	v.SetDefault("cluster.data_dir", "/var/lib/burrow")
	v.SetDefault("cluster.raft_addr", "127.0.0.1:7946")
	v.SetDefault("cluster.join", "")
	v.SetDefault("cluster.in_memory", false)

	v.SetDefault("node.address", "127.0.0.1")
	v.SetDefault("node.cpu", "2")
	v.SetDefault("node.memory", "2Gi")
	v.SetDefault("node.labels", map[string]string{})

	v.SetDefault("api.addr", "127.0.0.1:8080")
	v.SetDefault("api.metrics_addr", "127.0.0.1:9090")

	v.SetDefault("dns.enabled", true)
	v.SetDefault("dns.addr", "127.0.0.1:5353")
	v.SetDefault("dns.domain", "burrow.local")
	v.SetDefault("dns.upstreams", []string{"8.8.8.8:53", "1.1.1.1:53"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("runtime.driver", "containerd")
	v.SetDefault("runtime.containerd_socket", "/run/containerd/containerd.sock")

	v.SetDefault("volumes.driver", "local")
	v.SetDefault("volumes.path", "/var/lib/burrow/volumes")

	v.SetDefault("secrets.dir", "/var/lib/burrow/secrets")

	v.SetDefault("reconciler.workers", 2)
	v.SetDefault("reconciler.resync", 30*time.Second)

	v.SetDefault("autoscaler.enabled", true)
	v.SetDefault("autoscaler.interval", 15*time.Second)
	v.SetDefault("autoscaler.prometheus_url", "")
	v.SetDefault("autoscaler.query", "")
}

// New returns a viper instance wired for burrow: defaults, BURROW_*
// environment overrides (BURROW_API_ADDR for api.addr)
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. An empty path tries ./.env
// and ignores its absence.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration: defaults, then the optional config
// file, then environment, then any flags already bound to v
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no node could run with
func (c *Config) Validate() error {
	if c.Cluster.NodeID == "" {
		return fmt.Errorf("cluster.node_id is required")
	}
	if !c.Cluster.InMemory && c.Cluster.DataDir == "" {
		return fmt.Errorf("cluster.data_dir is required unless cluster.in_memory is set")
	}

	for _, a := range []struct {
		name  string
		value string
	}{
		{"cluster.raft_addr", c.Cluster.RaftAddr},
		{"api.addr", c.API.Addr},
		{"api.metrics_addr", c.API.MetricsAddr},
	} {
		if _, _, err := net.SplitHostPort(a.value); err != nil {
			return fmt.Errorf("%s %q: %w", a.name, a.value, err)
		}
	}
	if c.DNS.Enabled {
		if _, _, err := net.SplitHostPort(c.DNS.Addr); err != nil {
			return fmt.Errorf("dns.addr %q: %w", c.DNS.Addr, err)
		}
		if c.DNS.Domain == "" {
			return fmt.Errorf("dns.domain is required when dns is enabled")
		}
	}

	if _, err := c.Capacity(); err != nil {
		return err
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	switch c.Runtime.Driver {
	case "memory", "containerd":
	default:
		return fmt.Errorf("runtime.driver must be memory or containerd, got %q", c.Runtime.Driver)
	}
	if c.Volumes.Driver != "local" {
		return fmt.Errorf("volumes.driver must be local, got %q", c.Volumes.Driver)
	}

	if c.Reconciler.Workers < 1 || c.Reconciler.Workers > 64 {
		return fmt.Errorf("reconciler.workers must be between 1 and 64, got %d", c.Reconciler.Workers)
	}
	if c.Reconciler.Resync < time.Second {
		return fmt.Errorf("reconciler.resync must be at least 1s, got %s", c.Reconciler.Resync)
	}
	if c.Autoscaler.Enabled && c.Autoscaler.Interval < time.Second {
		return fmt.Errorf("autoscaler.interval must be at least 1s, got %s", c.Autoscaler.Interval)
	}
	return nil
}

// Capacity parses the node capacity quantities
func (c *Config) Capacity() (types.Resources, error) {
	cpu, err := resource.ParseQuantity(c.Node.CPU)
	if err != nil {
		return types.Resources{}, fmt.Errorf("node.cpu %q: %w", c.Node.CPU, err)
	}
	mem, err := resource.ParseQuantity(c.Node.Memory)
	if err != nil {
		return types.Resources{}, fmt.Errorf("node.memory %q: %w", c.Node.Memory, err)
	}
	r := types.Resources{CPUMillis: cpu.MilliValue(), MemoryBytes: mem.Value()}
	if r.CPUMillis <= 0 || r.MemoryBytes <= 0 {
		return types.Resources{}, fmt.Errorf("node capacity must be positive, got %s", r)
	}
	return r, nil
}
