package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/autoscaler"
	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/dns"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/secrets"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Burrow manager on this node",
	Long: `Run a Burrow manager: the replicated declaration store, the reconciler,
the autoscaler, the gRPC API, the DNS front end of the service registry,
and the health and metrics endpoints.

Without --join the node bootstraps a new single-manager cluster. With
--join it asks the manager at that API address to add it as a voter.
Either way the node registers itself, with its configured capacity, as a
node workloads can be placed on.

Examples:
  # Start a cluster that runs instances in memory (no containers)
  burrow serve --runtime memory --in-memory --data-dir /tmp/burrow

  # Join a second manager
  burrow serve --node-id manager-2 --raft-addr 10.0.0.2:7946 --join 10.0.0.1:8080`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("node-id", "", "Unique node ID (default hostname)")
	f.String("data-dir", "", "Data directory for cluster state")
	f.String("raft-addr", "", "Address for Raft communication")
	f.String("join", "", "API address of an existing manager to join")
	f.Bool("in-memory", false, "Keep Raft state in memory (single manager only)")
	f.String("api-addr", "", "Address for the gRPC API")
	f.String("metrics-addr", "", "Address for /health, /ready and /metrics")
	f.String("node-address", "", "Address instances on this node are reachable at")
	f.String("cpu", "", "CPU capacity offered to workloads (e.g. 2 or 1500m)")
	f.String("memory", "", "Memory capacity offered to workloads (e.g. 4Gi)")
	f.String("runtime", "", "Runtime driver (containerd or memory)")
	f.Bool("dns", true, "Serve the registry over DNS")
	f.String("prometheus-url", "", "Prometheus address for autoscaling metrics (default: samples reported through the API)")

	for key, name := range map[string]string{
		"cluster.node_id":           "node-id",
		"cluster.data_dir":          "data-dir",
		"cluster.raft_addr":         "raft-addr",
		"cluster.join":              "join",
		"cluster.in_memory":         "in-memory",
		"api.addr":                  "api-addr",
		"api.metrics_addr":          "metrics-addr",
		"node.address":              "node-address",
		"node.cpu":                  "cpu",
		"node.memory":               "memory",
		"runtime.driver":            "runtime",
		"dns.enabled":               "dns",
		"autoscaler.prometheus_url": "prometheus-url",
	} {
		_ = v.BindPFlag(key, f.Lookup(name))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithNodeID(cfg.Cluster.NodeID)
	metrics.SetVersion(Version)

	capacity, err := cfg.Capacity()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := startManager(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Manager shutdown failed")
		}
	}()
	metrics.UpdateComponent("raft", true, "leader known")

	rt, closeRuntime, err := newRuntime(ctx, cfg)
	if err != nil {
		metrics.UpdateComponent("runtime", false, err.Error())
		return err
	}
	defer closeRuntime()
	metrics.UpdateComponent("runtime", true, cfg.Runtime.Driver)

	binder, err := volume.NewBinder(cfg.Volumes.Driver, cfg.Volumes.Path)
	if err != nil {
		return err
	}

	led := ledger.New()
	reg := registry.New()
	// containerd runs containers on this host only, on the host network
	local := cfg.Runtime.Driver != "memory"
	localNode := ""
	if local {
		localNode = cfg.Cluster.NodeID
	}

	loop := reconciler.New(reconciler.Deps{
		Declarations: mgr,
		Ledger:       led,
		Placer:       scheduler.NewScheduler(led),
		Registry:     reg,
		Runtime:      rt,
		Binder:       binder,
		Secrets:      secrets.NewDirProvider(cfg.Secrets.Dir),
		Events:       mgr.Events(),
	}, reconciler.Config{
		Workers:        cfg.Reconciler.Workers,
		Resync:         cfg.Reconciler.Resync,
		IsLeader:       mgr.IsLeader,
		LocalNode:      localNode,
		ExclusivePorts: local,
	})

	var (
		static *autoscaler.StaticSource
		scaler *autoscaler.Autoscaler
	)
	if cfg.Autoscaler.Enabled {
		var source autoscaler.MetricSource
		if cfg.Autoscaler.PrometheusURL != "" {
			source, err = autoscaler.NewPrometheusSource(cfg.Autoscaler.PrometheusURL, cfg.Autoscaler.Query, 5*time.Second)
			if err != nil {
				return err
			}
		} else {
			static = autoscaler.NewStaticSource()
			source = static
		}
		scaler = autoscaler.New(mgr, source, autoscaler.Config{
			Interval: cfg.Autoscaler.Interval,
			IsLeader: mgr.IsLeader,
		})
	}

	apiServer := api.NewServer(api.Deps{
		Manager:    mgr,
		Loop:       loop,
		Registry:   reg,
		Ledger:     led,
		Metrics:    static,
		Autoscaler: scaler,
	})
	healthServer := api.NewHealthServer(mgr)
	collector := metrics.NewCollector(mgr, loop, 15*time.Second)

	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer = dns.NewServer(reg, &dns.Config{
			ListenAddr: cfg.DNS.Addr,
			Domain:     cfg.DNS.Domain,
			Upstream:   cfg.DNS.Upstreams,
		})
		if err := dnsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DNS server: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	if scaler != nil {
		g.Go(func() error { return scaler.Run(ctx) })
	}
	g.Go(func() error {
		collector.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := healthServer.Start(cfg.API.MetricsAddr); err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return registerSelf(ctx, cfg, mgr, capacity)
	})
	g.Go(func() error {
		<-ctx.Done()
		apiServer.Stop()
		_ = healthServer.Stop()
		if dnsServer != nil {
			_ = dnsServer.Stop()
		}
		return nil
	})

	logger.Info().
		Str("api", cfg.API.Addr).
		Str("metrics", cfg.API.MetricsAddr).
		Str("runtime", cfg.Runtime.Driver).
		Str("capacity", capacity.String()).
		Msg("Burrow manager running")

	err = g.Wait()
	logger.Info().Msg("Shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startManager bootstraps a new cluster or joins the one at cfg.Cluster.Join
func startManager(cfg *config.Config) (*manager.Manager, error) {
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.Cluster.NodeID,
		BindAddr: cfg.Cluster.RaftAddr,
		DataDir:  cfg.Cluster.DataDir,
		InMemory: cfg.Cluster.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	if cfg.Cluster.Join == "" {
		if err := mgr.Bootstrap(); err != nil {
			_ = mgr.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	} else {
		if err := mgr.Join(); err != nil {
			_ = mgr.Shutdown()
			return nil, fmt.Errorf("failed to start raft: %w", err)
		}
		c, err := client.NewClient(cfg.Cluster.Join)
		if err != nil {
			_ = mgr.Shutdown()
			return nil, err
		}
		err = c.AddManager(cfg.Cluster.NodeID, cfg.Cluster.RaftAddr)
		_ = c.Close()
		if err != nil {
			_ = mgr.Shutdown()
			return nil, fmt.Errorf("failed to join cluster via %s: %w", cfg.Cluster.Join, err)
		}
	}

	if err := mgr.WaitForLeader(30 * time.Second); err != nil {
		_ = mgr.Shutdown()
		return nil, err
	}
	return mgr, nil
}

// newRuntime builds the configured runtime driver and its closer
func newRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, func(), error) {
	switch cfg.Runtime.Driver {
	case "memory":
		return runtime.NewMemoryRuntime(true), func() {}, nil
	default:
		rt, err := runtime.NewContainerdRuntime(cfg.Runtime.ContainerdSocket, "")
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rt.Ping(pingCtx); err != nil {
			_ = rt.Close()
			return nil, nil, fmt.Errorf("containerd at %s is not answering: %w", cfg.Runtime.ContainerdSocket, err)
		}
		if _, err := rt.RemoveOrphans(ctx); err != nil {
			_ = rt.Close()
			return nil, nil, err
		}
		return rt, func() { _ = rt.Close() }, nil
	}
}

// registerSelf reports this node and its capacity, retrying until the
// write reaches a leader
func registerSelf(ctx context.Context, cfg *config.Config, mgr *manager.Manager, capacity types.Resources) error {
	node := &types.Node{
		ID:       cfg.Cluster.NodeID,
		Address:  cfg.Node.Address,
		Capacity: capacity,
		Labels:   cfg.Node.Labels,
	}
	logger := log.WithNodeID(node.ID)

	return wait.PollUntilContextTimeout(ctx, time.Second, time.Minute, true, func(ctx context.Context) (bool, error) {
		var err error
		if mgr.IsLeader() || cfg.Cluster.Join == "" {
			_, err = mgr.JoinNode(node)
		} else {
			var c *client.Client
			if c, err = client.NewClient(cfg.Cluster.Join); err == nil {
				_, err = c.JoinNode(node)
				_ = c.Close()
			}
		}
		if err != nil {
			logger.Debug().Err(err).Msg("Node registration failed, retrying")
			return false, nil
		}
		logger.Info().Str("capacity", capacity.String()).Msg("Node registered")
		return true, nil
	})
}
