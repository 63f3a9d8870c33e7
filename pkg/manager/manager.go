package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const applyTimeout = 5 * time.Second

// Manager owns burrow's declared state: workloads, nodes and volume claims,
// replicated through Raft and persisted in BoltDB.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	inMemory bool

	raft    *raft.Raft
	fsm     *BurrowFSM
	store   storage.Store
	broker  *events.Broker
	closers []io.Closer
	logger  zerolog.Logger
	now     func() time.Time
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// InMemory keeps the Raft log, stable store and snapshots in memory and
	// uses an in-memory transport. The declaration store stays on disk.
	InMemory bool
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		inMemory: cfg.InMemory,
		fsm:      NewBurrowFSM(store),
		store:    store,
		broker:   broker,
		logger:   log.WithComponent("manager"),
		now:      time.Now,
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned for LAN failover in a few seconds
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	config.LogOutput = log.WithComponent("raft")
	config.LogLevel = "WARN"
	return config
}

// start creates the Raft instance and, if bootstrap is set, bootstraps a
// single-voter configuration containing this node.
func (m *Manager) start(bootstrap bool) error {
	if m.raft != nil {
		return fmt.Errorf("raft already started")
	}
	config := m.raftConfig()

	var (
		transport raft.Transport
		logs      raft.LogStore
		stable    raft.StableStore
		snapshots raft.SnapshotStore
	)

	if m.inMemory {
		addr := m.bindAddr
		if addr == "" {
			addr = m.nodeID
		}
		_, inmem := raft.NewInmemTransport(raft.ServerAddress(addr))
		store := raft.NewInmemStore()
		transport, logs, stable, snapshots = inmem, store, store, raft.NewInmemSnapshotStore()
	} else {
		addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve bind address: %w", err)
		}

		tcp, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		m.closers = append(m.closers, tcp)
		transport = tcp

		snapshots, err = raft.NewFileSnapshotStore(m.dataDir, 2, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}

		logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %w", err)
		}
		stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
		if err != nil {
			logStore.Close()
			return fmt.Errorf("failed to create stable store: %w", err)
		}
		m.closers = append(m.closers, logStore, stableStore)
		logs, stable = logStore, stableStore
	}

	r, err := raft.NewRaft(config, m.fsm, logs, stable, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	if !bootstrap {
		return nil
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// Bootstrap initializes a new single-manager cluster. Restarting a manager
// whose data directory already holds Raft state is not an error.
func (m *Manager) Bootstrap() error {
	if err := m.start(true); err != nil {
		return err
	}
	m.logger.Info().Str("node_id", m.nodeID).Str("addr", m.bindAddr).Msg("Bootstrapped cluster")
	return nil
}

// Join starts Raft without bootstrapping. The caller must then ask the
// current leader to add this manager as a voter (see AddVoter).
func (m *Manager) Join() error {
	if err := m.start(false); err != nil {
		return err
	}
	m.logger.Info().Str("node_id", m.nodeID).Str("addr", m.bindAddr).Msg("Waiting to be added to cluster")
	return nil
}

// WaitForLeader blocks until a leader is known or the timeout expires
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := m.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %s", timeout)
}

// AddVoter adds a new manager node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("current leader: %s: %w", m.LeaderAddr(), raft.ErrNotLeader)
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	m.logger.Info().Str("voter", nodeID).Str("addr", address).Msg("Added voter")
	return nil
}

// RemoveServer removes a manager from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("current leader: %s: %w", m.LeaderAddr(), raft.ErrNotLeader)
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}

	return nil
}

// GetClusterServers returns information about all servers in the Raft cluster
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	return future.Configuration().Servers, nil
}

// NodeID returns the manager's Raft server id
func (m *Manager) NodeID() string {
	return m.nodeID
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// AppliedIndex returns the last Raft index applied to the store
func (m *Manager) AppliedIndex() uint64 {
	if m.raft == nil {
		return 0
	}
	return m.raft.AppliedIndex()
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]string {
	if m.raft == nil {
		return nil
	}

	return map[string]string{
		"state":          m.raft.State().String(),
		"last_log_index": strconv.FormatUint(m.raft.LastIndex(), 10),
		"applied_index":  strconv.FormatUint(m.raft.AppliedIndex(), 10),
		"leader":         m.LeaderAddr(),
	}
}

// Events returns the event broker
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// Apply submits a command to the Raft cluster
func (m *Manager) Apply(cmd Command) error {
	_, err := m.applyCommand(cmd)
	return err
}

// applyCommand submits a command and returns the FSM response
func (m *Manager) applyCommand(cmd Command) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, fmt.Errorf("not the leader, current leader: %s: %w", m.LeaderAddr(), err)
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Manager) apply(op string, v interface{}) error {
	_, err := m.applyResult(op, v)
	return err
}

func (m *Manager) applyResult(op string, v interface{}) (interface{}, error) {
	cmd, err := newCommand(op, v)
	if err != nil {
		return nil, err
	}
	return m.applyCommand(cmd)
}

// Declare validates and stores a workload declaration, replacing any previous
// declaration of the same workload. Every accepted declaration bumps the
// generation. The stored spec is returned.
func (m *Manager) Declare(spec *types.WorkloadSpec) (*types.WorkloadSpec, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	next := spec.Clone()
	if next.Namespace == "" {
		next.Namespace = types.DefaultNamespace
	}
	now := m.now()
	next.CreatedAt = now
	next.UpdatedAt = now
	next.AutoscaledAt = time.Time{}

	resp, err := m.applyResult(opDeclareWorkload, next)
	if err != nil {
		return nil, err
	}
	stored, ok := resp.(*types.WorkloadSpec)
	if !ok {
		return nil, fmt.Errorf("unexpected declare response %T", resp)
	}

	m.logger.Info().
		Str("workload", stored.Key()).
		Int64("generation", stored.Generation).
		Int("replicas", stored.Replicas).
		Msg("Workload declared")
	m.broker.Publish(&events.Event{
		Type:     events.EventWorkloadDeclared,
		Workload: stored.Key(),
		Message:  fmt.Sprintf("generation %d", stored.Generation),
		Metadata: map[string]string{"generation": strconv.FormatInt(stored.Generation, 10)},
	})
	return stored.Clone(), nil
}

// Scale rewrites the desired replica count of a workload. It is the write
// path of "burrow scale". Only the replica count changes, so a concurrent
// declaration is never reverted.
func (m *Manager) Scale(key string, replicas int) (*types.WorkloadSpec, error) {
	return m.scale(scaleCommand{Key: key, Replicas: replicas, At: m.now()})
}

// Autoscale is the autoscaler's Scale. It also records at as the
// workload's last autoscaling action, so the cooldown survives restarts
// and leader changes.
func (m *Manager) Autoscale(key string, replicas int, at time.Time) (*types.WorkloadSpec, error) {
	return m.scale(scaleCommand{Key: key, Replicas: replicas, At: at, Autoscale: true})
}

func (m *Manager) scale(sc scaleCommand) (*types.WorkloadSpec, error) {
	if sc.Replicas <= 0 {
		return nil, invalid("replicas must be positive, got %d", sc.Replicas)
	}

	resp, err := m.applyResult(opScaleWorkload, sc)
	if err != nil {
		return nil, err
	}
	res, ok := resp.(*scaleResult)
	if !ok {
		return nil, fmt.Errorf("unexpected scale response %T", resp)
	}
	spec := res.Spec
	if res.From == spec.Replicas {
		return spec.Clone(), nil
	}

	m.logger.Info().Str("workload", sc.Key).Int("from", res.From).Int("to", spec.Replicas).Msg("Workload scaled")
	m.broker.Publish(&events.Event{
		Type:     events.EventWorkloadScaled,
		Workload: sc.Key,
		Message:  fmt.Sprintf("%d -> %d", res.From, spec.Replicas),
		Metadata: map[string]string{
			"from":       strconv.Itoa(res.From),
			"to":         strconv.Itoa(spec.Replicas),
			"generation": strconv.FormatInt(spec.Generation, 10),
		},
	})
	return spec.Clone(), nil
}

// Delete removes a workload declaration. Volume claims stay until the
// ordered controller has released them.
func (m *Manager) Delete(key string) error {
	if _, err := m.store.GetWorkload(key); err != nil {
		return err
	}
	if err := m.apply(opDeleteWorkload, key); err != nil {
		return err
	}

	m.logger.Info().Str("workload", key).Msg("Workload deleted")
	m.broker.Publish(&events.Event{Type: events.EventWorkloadDeleted, Workload: key})
	return nil
}

// GetWorkload returns a declared workload by key
func (m *Manager) GetWorkload(key string) (*types.WorkloadSpec, error) {
	return m.store.GetWorkload(key)
}

// ListWorkloads returns every declared workload ordered by key
func (m *Manager) ListWorkloads() ([]*types.WorkloadSpec, error) {
	specs, err := m.store.ListWorkloads()
	if err != nil {
		return nil, err
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Key() < specs[j].Key() })
	return specs, nil
}

// JoinNode records a node reported by the membership collaborator. Joining
// an existing node updates its address and capacity.
func (m *Manager) JoinNode(node *types.Node) (*types.Node, error) {
	if node == nil || node.ID == "" {
		return nil, invalid("node id is required")
	}
	if node.Capacity.CPUMillis <= 0 || node.Capacity.MemoryBytes <= 0 {
		return nil, invalid("node %s must report positive cpu and memory capacity", node.ID)
	}

	n := *node
	n.Status = types.NodeStatusReady
	n.CreatedAt = m.now()
	if prev, err := m.store.GetNode(n.ID); err == nil {
		n.CreatedAt = prev.CreatedAt
	}

	if err := m.apply(opPutNode, &n); err != nil {
		return nil, err
	}

	m.logger.Info().Str("node_id", n.ID).Str("capacity", n.Capacity.String()).Msg("Node joined")
	m.broker.Publish(&events.Event{
		Type:     events.EventNodeJoined,
		Message:  n.ID,
		Metadata: map[string]string{"node": n.ID, "address": n.Address},
	})
	return &n, nil
}

// RemoveNode records the loss of a node. Its instances are rescheduled by
// the reconciler when it sees the node.left event.
func (m *Manager) RemoveNode(id string) error {
	if _, err := m.store.GetNode(id); err != nil {
		return err
	}
	if err := m.apply(opDeleteNode, id); err != nil {
		return err
	}

	m.logger.Warn().Str("node_id", id).Msg("Node left")
	m.broker.Publish(&events.Event{
		Type:     events.EventNodeLeft,
		Message:  id,
		Metadata: map[string]string{"node": id},
	})
	return nil
}

// GetNode returns a node by id
func (m *Manager) GetNode(id string) (*types.Node, error) {
	return m.store.GetNode(id)
}

// ListNodes returns every known node ordered by id
func (m *Manager) ListNodes() ([]*types.Node, error) {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// PutClaim persists the volume handle bound to an ordinal
func (m *Manager) PutClaim(claim *types.VolumeClaim) error {
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = m.now()
	}
	return m.apply(opPutClaim, claim)
}

// GetClaim returns the claim of one ordinal
func (m *Manager) GetClaim(workload string, ordinal int) (*types.VolumeClaim, error) {
	return m.store.GetClaim(workload, ordinal)
}

// ListClaims returns the claims of a workload ordered by ordinal, or every
// claim when workload is empty
func (m *Manager) ListClaims(workload string) ([]*types.VolumeClaim, error) {
	return m.store.ListClaims(workload)
}

// DeleteClaim forgets the claim of one ordinal
func (m *Manager) DeleteClaim(workload string, ordinal int) error {
	return m.apply(opDeleteClaim, claimRef{Workload: workload, Ordinal: ordinal})
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.broker != nil {
		m.broker.Stop()
	}

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close raft resource")
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
