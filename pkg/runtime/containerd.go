package runtime

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for Burrow
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// cfsPeriod is the CFS period in microseconds used to turn millicores into a quota
	cfsPeriod = 100000

	stopTimeout = 10 * time.Second
)

// ContainerdRuntime runs instances as containerd tasks on the local host.
// Containers share the host network namespace; instances are addressed as
// <node address>:<workload port>.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger

	mu       sync.Mutex
	observer Observer
	cancel   map[string]context.CancelFunc // instance id -> watch/probe cancel
}

var _ Runtime = (*ContainerdRuntime)(nil)

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("runtime.containerd"),
		cancel:    make(map[string]context.CancelFunc),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks that containerd answers
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Version(ctx)
	return err
}

// SetObserver registers the receiver of lifecycle reports
func (r *ContainerdRuntime) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Start creates and starts a container for the instance, then watches it for
// exit and runs its readiness probe in the background.
func (r *ContainerdRuntime) Start(ctx context.Context, inst *types.Instance, spec *types.WorkloadSpec, env Env) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		return err
	}

	container, err := r.client.NewContainer(
		ctx,
		inst.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(inst.ID+"-snapshot", image),
		containerd.WithNewSpec(specOpts(image, inst, spec, env)...),
		containerd.WithContainerLabels(map[string]string{
			"burrow.workload": spec.Key(),
			"burrow.instance": inst.Identity(),
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to create task: %w", err)
	}

	// Wait must be registered before Start so an immediate exit is not missed
	exitC, err := task.Wait(ctx)
	if err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return fmt.Errorf("failed to start task: %w", err)
	}

	address := instanceAddress(env.NodeAddress, spec.Port)
	watchCtx, cancel := context.WithCancel(namespaces.WithNamespace(context.Background(), r.namespace))

	r.mu.Lock()
	r.cancel[inst.ID] = cancel
	obs := r.observer
	r.mu.Unlock()

	r.logger.Info().
		Str("instance", inst.Identity()).
		Str("image", spec.Image).
		Str("address", address).
		Msg("Container started")

	if obs != nil {
		obs.InstanceRunning(inst.ID, address)
	}

	go r.watchExit(watchCtx, inst.ID, exitC)

	if spec.Readiness.Probe == nil {
		if obs != nil {
			obs.InstanceReadiness(inst.ID, true)
		}
		return nil
	}

	checker, err := health.ForProbe(spec.Readiness.Probe, address)
	if err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	if exec, ok := checker.(*health.ExecChecker); ok {
		exec.WithExec(r.execIn(task))
	}
	go health.Monitor(watchCtx, checker, health.ConfigFromProbe(spec.Readiness.Probe), func(ready bool, res health.Result) {
		r.logger.Debug().
			Str("instance", inst.Identity()).
			Bool("ready", ready).
			Str("result", res.Message).
			Msg("Readiness changed")
		if o := r.currentObserver(); o != nil {
			o.InstanceReadiness(inst.ID, ready)
		}
	})
	return nil
}

// Stop kills the task (SIGTERM, then SIGKILL after a grace period) and
// deletes the container and its snapshot.
func (r *ContainerdRuntime) Stop(ctx context.Context, inst *types.Instance) error {
	r.mu.Lock()
	if cancel, ok := r.cancel[inst.ID]; ok {
		cancel()
		delete(r.cancel, inst.ID)
	}
	r.mu.Unlock()

	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, inst.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", inst.ID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if err := stopTask(ctx, task); err != nil {
			return err
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	r.logger.Info().Str("instance", inst.Identity()).Msg("Container removed")
	return nil
}

// RemoveOrphans stops and deletes every Burrow container left in the
// namespace by an earlier process. It runs before the reconciler starts,
// when no instance is known, so every labelled container is an orphan.
func (r *ContainerdRuntime) RemoveOrphans(ctx context.Context) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx, `labels."burrow.workload"`)
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, container := range containers {
		if task, err := container.Task(ctx, nil); err == nil {
			if err := stopTask(ctx, task); err != nil {
				r.logger.Warn().Err(err).Str("container", container.ID()).Msg("Failed to stop orphaned container")
				continue
			}
		}
		if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			r.logger.Warn().Err(err).Str("container", container.ID()).Msg("Failed to delete orphaned container")
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info().Int("containers", removed).Msg("Removed orphaned containers")
	}
	return removed, nil
}

func stopTask(ctx context.Context, task containerd.Task) error {
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (r *ContainerdRuntime) watchExit(ctx context.Context, instanceID string, exitC <-chan containerd.ExitStatus) {
	select {
	case <-ctx.Done():
		// Stopped on purpose
		return
	case status := <-exitC:
		code, _, err := status.Result()
		reason := "exit code " + strconv.FormatUint(uint64(code), 10)
		if err != nil {
			reason = err.Error()
		}

		r.mu.Lock()
		if cancel, ok := r.cancel[instanceID]; ok {
			cancel()
			delete(r.cancel, instanceID)
		}
		obs := r.observer
		r.mu.Unlock()

		r.logger.Warn().
			Str("instance", instanceID).
			Str("reason", reason).
			Msg("Container exited")
		if obs != nil {
			obs.InstanceExited(instanceID, reason)
		}
	}
}

func (r *ContainerdRuntime) currentObserver() Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

func (r *ContainerdRuntime) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

// execIn runs a probe command inside the task's container
func (r *ContainerdRuntime) execIn(task containerd.Task) func(ctx context.Context, argv []string) ([]byte, []byte, error) {
	return func(ctx context.Context, argv []string) ([]byte, []byte, error) {
		ctx = namespaces.WithNamespace(ctx, r.namespace)

		spec, err := task.Spec(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load task spec: %w", err)
		}
		pspec := *spec.Process
		pspec.Args = argv
		pspec.Terminal = false

		var stdout, stderr bytes.Buffer
		proc, err := task.Exec(ctx, "probe-"+uuid.New().String()[:8], &pspec,
			cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to exec probe: %w", err)
		}
		defer func() { _, _ = proc.Delete(context.WithoutCancel(ctx)) }()

		exitC, err := proc.Wait(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := proc.Start(ctx); err != nil {
			return nil, nil, err
		}

		select {
		case status := <-exitC:
			if code := status.ExitCode(); code != 0 {
				return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("exit status %d", code)
			}
			return stdout.Bytes(), stderr.Bytes(), nil
		case <-ctx.Done():
			_ = proc.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
			return stdout.Bytes(), stderr.Bytes(), ctx.Err()
		}
	}
}

// specOpts translates the workload template into OCI spec options: env,
// CPU shares from requests, CFS quota and memory limit from limits, host
// networking, and the ordinal's volume as a bind mount.
func specOpts(image containerd.Image, inst *types.Instance, spec *types.WorkloadSpec, env Env) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(BuildEnv(inst, spec, env)),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}

	req, lim := spec.Resources.Requests, spec.Resources.Limits
	if req.CPUMillis > 0 {
		opts = append(opts, oci.WithCPUShares(uint64(req.CPUMillis*1024/1000)))
	}
	if lim.CPUMillis > 0 {
		opts = append(opts, oci.WithCPUCFS(lim.CPUMillis*cfsPeriod/1000, cfsPeriod))
	}
	if lim.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(lim.MemoryBytes)))
	}

	if env.VolumePath != "" && spec.Volume != nil {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source:      env.VolumePath,
			Destination: spec.Volume.Target,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}))
	}
	return opts
}

func instanceAddress(nodeAddress string, port int) string {
	host := nodeAddress
	if h, _, err := net.SplitHostPort(nodeAddress); err == nil {
		host = h
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
