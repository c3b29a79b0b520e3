// Package node wires the storage, cluster state, membership, write path
// and gRPC server of one data node.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/quorum"
	"ingest/internal/ring"
	"ingest/internal/river"
	"ingest/internal/storage"
	"ingest/internal/transport"
)

// Config configures a node.
type Config struct {
	ID string
	// ListenAddr is the gRPC address; port 0 picks a free port.
	ListenAddr string
	// Seeds are the other nodes known at startup.
	Seeds  []ring.Node
	VNodes int

	ProbeInterval  time.Duration
	SuspectTimeout time.Duration
	// RefreshTick is how often per-index refresh intervals are checked.
	RefreshTick time.Duration
	// RecoveryInterval is how often failed shard copies are recovered.
	RecoveryInterval time.Duration

	// IndexDefaults are applied to automatically created indices.
	IndexDefaults cluster.IndexMeta
	Policy        quorum.Policy
	// Opener opens local shard engines. Nil keeps shards in memory.
	Opener storage.Opener
	// Registerer receives the write path metrics. Nil disables them.
	Registerer prometheus.Registerer
	// Rivers are registered when the node starts.
	Rivers []river.State
}

func (c Config) withDefaults() Config {
	if c.VNodes <= 0 {
		c.VNodes = 128
	}
	if c.RefreshTick <= 0 {
		c.RefreshTick = 100 * time.Millisecond
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 5 * time.Second
	}
	if c.IndexDefaults.Shards <= 0 {
		c.IndexDefaults.Shards = 5
	}
	if c.IndexDefaults.RefreshInterval == 0 {
		c.IndexDefaults.RefreshInterval = time.Second
	}
	if c.Opener == nil {
		c.Opener = storage.MemoryOpener()
	}
	return c
}

// Node represents a single node in the distributed system.
type Node struct {
	cfg    Config
	addr   string
	lis    net.Listener
	logger logrus.FieldLogger

	state       *cluster.State
	membership  *cluster.Membership
	shards      *storage.Registry
	clients     *transport.ClientManager
	leader      *action.LeaderShardAction
	replica     *action.ReplicaShardAction
	coordinator *action.Coordinator
	rivers      *river.Registry
	server      *transport.Server

	// createMu serializes automatic index creation so a second writer
	// waits until the first has broadcast the metadata.
	createMu sync.Mutex

	refreshMu   sync.Mutex
	lastRefresh map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node listening on cfg.ListenAddr. The node does not serve
// until Start.
func New(cfg Config, logger logrus.FieldLogger) (*Node, error) {
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		return nil, fmt.Errorf("node id is missing")
	}
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	metrics, err := action.NewMetrics(cfg.Registerer)
	if err != nil {
		lis.Close()
		return nil, err
	}

	logger = logger.WithField("node", cfg.ID)
	n := &Node{
		cfg:         cfg,
		addr:        lis.Addr().String(),
		lis:         lis,
		logger:      logger,
		state:       cluster.NewState(cfg.ID, cfg.VNodes, logger),
		shards:      storage.NewRegistry(cfg.Opener),
		clients:     transport.NewClientManager(),
		lastRefresh: make(map[string]time.Time),
	}
	n.membership = cluster.NewMembership(cfg.ID, n.addr, cfg.ProbeInterval, cfg.SuspectTimeout, logger)
	n.membership.AddSeeds(cfg.Seeds)
	n.membership.OnChange(func([]ring.Node) { n.onMembershipChanged() })
	n.state.SetNodes(n.membership.AliveNodes())

	shardTransport := &shardTransport{n: n}
	n.leader = action.NewLeaderShardAction(n.shards, n.state, n.state, n, cfg.Policy, logger)
	n.replica = action.NewReplicaShardAction(n.shards, logger)
	n.coordinator = action.NewCoordinator(n.state, n, shardTransport, metrics, logger)
	n.rivers = river.NewRegistry(documents{n: n}, logger)
	n.server = transport.NewServer(transport.Handlers{
		Shard:      shardTransport,
		Ingest:     n.coordinator,
		Admin:      &admin{n: n},
		Membership: &gossip{n: n},
	}, logger)
	return n, nil
}

// Addr returns the address the node serves on.
func (n *Node) Addr() string {
	return n.addr
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.cfg.ID
}

// State returns the node's cluster state.
func (n *Node) State() *cluster.State {
	return n.state
}

// Coordinator returns the node's write coordinator.
func (n *Node) Coordinator() *action.Coordinator {
	return n.coordinator
}

// Rivers returns the rivers registered on the node.
func (n *Node) Rivers() *river.Registry {
	return n.rivers
}

// Start serves requests and runs membership and refresh loops until Stop.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(n.lis); err != nil {
			n.logger.WithField("action", "serve").WithError(err).Error("server stopped")
		}
	}()
	n.membership.Start(n.clients)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.refreshLoop(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.recoveryLoop(ctx)
	}()

	for _, st := range n.cfg.Rivers {
		if st.Coordinates.IsZero() {
			st.Coordinates = river.DefaultCoordinates(st.Name)
		}
		if _, err := n.rivers.Register(ctx, st); err != nil {
			return err
		}
	}
	n.logger.WithField("action", "start").WithField("addr", n.addr).Info("node started")
	return nil
}

// Stop stops serving and closes every local shard.
func (n *Node) Stop() error {
	n.logger.WithField("action", "stop").Info("stopping node")
	n.membership.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.server.Stop()
	n.wg.Wait()

	var result *multierror.Error
	if err := n.shards.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := n.clients.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// onMembershipChanged rebuilds placement from the alive members and shares
// the index metadata with them. Callbacks run concurrently, so the current
// view is read instead of the argument.
func (n *Node) onMembershipChanged() {
	alive := n.membership.AliveNodes()
	n.state.SetNodes(alive)
	n.logger.WithField("action", "membership_changed").WithField("alive", len(alive)).Info("placement updated")
	n.openLocalShards()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ProbeInterval+time.Second)
	defer cancel()
	if indices := n.state.Indices(); len(indices) > 0 {
		for _, peer := range n.peers() {
			if err := n.clients.PutMetadata(ctx, peer.Addr, indices); err != nil {
				n.logger.WithField("action", "sync_metadata").WithField("peer", peer.ID).
					WithError(err).Debug("cannot push metadata")
			}
		}
	}
}

// openLocalShards opens every shard copy placed on this node.
func (n *Node) openLocalShards() {
	for _, id := range n.state.LocalShards() {
		if _, err := n.shards.Open(id); err != nil {
			n.logger.WithField("action", "open_shard").WithField("shard", id.String()).
				WithError(err).Error("cannot open shard")
		}
	}
}

// peerAddr returns the address of an alive node.
func (n *Node) peerAddr(nodeID string) (string, bool) {
	for _, node := range n.state.Nodes() {
		if node.ID == nodeID {
			return node.Addr, true
		}
	}
	return "", false
}

// peers returns the alive nodes other than this one.
func (n *Node) peers() []ring.Node {
	var out []ring.Node
	for _, node := range n.state.Nodes() {
		if node.ID != n.cfg.ID {
			out = append(out, node)
		}
	}
	return out
}

// EnsureIndex creates a missing index with the configured defaults.
func (n *Node) EnsureIndex(ctx context.Context, index string) error {
	if _, err := n.state.Index(index); err == nil {
		return nil
	}
	n.createMu.Lock()
	defer n.createMu.Unlock()

	if _, err := n.state.Index(index); err == nil {
		return nil
	}
	meta := n.cfg.IndexDefaults
	meta.Name = index
	meta.Fields = nil
	_, err := n.createIndex(ctx, meta)
	return err
}

func (n *Node) createIndex(ctx context.Context, meta cluster.IndexMeta) (cluster.IndexMeta, error) {
	created, err := n.state.CreateIndex(meta)
	if err != nil {
		return cluster.IndexMeta{}, err
	}
	n.openLocalShards()
	n.broadcast(ctx, created)
	return created, nil
}

// UpdateMapping records new document fields and shares the mapping.
func (n *Node) UpdateMapping(ctx context.Context, index, typ string, fields []string) error {
	meta, changed, err := n.state.MergeFields(index, typ, fields)
	if err != nil || !changed {
		return err
	}
	n.logger.WithField("action", "update_mapping").WithField("index", index).
		WithField("type", typ).WithField("fields", fields).Debug("mapping updated")
	n.broadcast(ctx, meta)
	return nil
}

// broadcast pushes index metadata to every peer. Peers that cannot be
// reached catch up on the next change.
func (n *Node) broadcast(ctx context.Context, meta cluster.IndexMeta) {
	for _, peer := range n.peers() {
		if err := n.clients.PutMetadata(ctx, peer.Addr, []cluster.IndexMeta{meta}); err != nil {
			n.logger.WithField("action", "broadcast_metadata").WithField("peer", peer.ID).
				WithField("index", meta.Name).WithError(err).Warn("cannot push metadata")
		}
	}
}
