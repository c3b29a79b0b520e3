package node

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/quorum"
	"ingest/internal/river"
	"ingest/internal/storage"
	"ingest/internal/transport"
)

// admin serves index administration and reads for the node.
type admin struct {
	n *Node
}

func (a *admin) CreateIndex(ctx context.Context, meta cluster.IndexMeta) (cluster.IndexMeta, error) {
	if meta.Shards == 0 {
		meta.Shards = a.n.cfg.IndexDefaults.Shards
	}
	if meta.RefreshInterval == 0 {
		meta.RefreshInterval = a.n.cfg.IndexDefaults.RefreshInterval
	}
	a.n.createMu.Lock()
	defer a.n.createMu.Unlock()
	return a.n.createIndex(ctx, meta)
}

func (a *admin) GetIndex(_ context.Context, index string) (cluster.IndexMeta, error) {
	return a.n.state.Index(index)
}

func (a *admin) UpdateSettings(ctx context.Context, index string, settings transport.Settings) (cluster.IndexMeta, error) {
	if settings.Replicas != nil && *settings.Replicas < 0 {
		return cluster.IndexMeta{}, fmt.Errorf("index %s: number of replicas must not be negative", index)
	}
	meta, err := a.n.state.UpdateIndex(index, func(m *cluster.IndexMeta) {
		if settings.RefreshInterval != nil {
			m.RefreshInterval = *settings.RefreshInterval
		}
		if settings.Replicas != nil {
			m.Replicas = *settings.Replicas
		}
	})
	if err != nil {
		return cluster.IndexMeta{}, err
	}
	a.n.logger.WithField("action", "update_settings").WithField("index", index).
		WithField("refresh_interval", meta.RefreshInterval).WithField("replicas", meta.Replicas).Info("settings updated")
	a.n.openLocalShards()
	a.n.broadcast(ctx, meta)
	return meta, nil
}

func (a *admin) Refresh(ctx context.Context, index string, local bool) error {
	if _, err := a.n.state.Index(index); err != nil {
		return err
	}
	if local {
		return a.n.refreshLocal(index)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.n.refreshLocal(index) })
	for _, peer := range a.n.peers() {
		g.Go(func() error { return a.n.clients.Refresh(ctx, peer.Addr, index, true) })
	}
	return g.Wait()
}

func (a *admin) Count(ctx context.Context, index string, local bool) (int64, error) {
	if _, err := a.n.state.Index(index); err != nil {
		return 0, err
	}
	if local {
		return a.n.countLocal(index)
	}
	peers := a.n.peers()
	counts := make([]int64, len(peers)+1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counts[0], err = a.n.countLocal(index)
		return err
	})
	for i, peer := range peers {
		g.Go(func() (err error) {
			counts[i+1], err = a.n.clients.Count(ctx, peer.Addr, index, true)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return total, nil
}

func (a *admin) Get(ctx context.Context, index, typ, id string, local bool) (*storage.Document, error) {
	return a.n.get(ctx, index, typ, id, local)
}

func (a *admin) Health(context.Context) (cluster.Health, error) {
	return a.n.state.Health(), nil
}

func (a *admin) PutMetadata(_ context.Context, indices []cluster.IndexMeta) error {
	changed := false
	for _, meta := range indices {
		if a.n.state.PutIndex(meta) {
			changed = true
		}
	}
	if changed {
		a.n.openLocalShards()
	}
	return nil
}

// RiverStates lists the rivers registered on the node. A named river that
// is not registered here is looked up where rivers keep their state by
// default.
func (a *admin) RiverStates(ctx context.Context, name string) ([]river.State, error) {
	states := a.n.rivers.List(name)
	if len(states) > 0 || name == "" || name == "*" {
		return states, nil
	}
	st, found, err := river.Lookup(ctx, documents{n: a.n}, river.DefaultCoordinates(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", name, river.ErrUnknownRiver)
	}
	return []river.State{st}, nil
}

// refreshLocal refreshes the open copies of an index on this node.
func (n *Node) refreshLocal(index string) error {
	for _, id := range n.shards.Shards() {
		if id.Index != index {
			continue
		}
		shard, err := n.shards.Get(id)
		if err != nil {
			continue
		}
		if err := shard.Refresh(); err != nil {
			return fmt.Errorf("refresh %s: %w", id, err)
		}
	}
	return nil
}

// countLocal counts the documents of the index's leader copies held by this
// node, so that summing over all nodes counts every document once.
func (n *Node) countLocal(index string) (int64, error) {
	var total int64
	for _, id := range n.shards.Shards() {
		if id.Index != index {
			continue
		}
		rt, err := n.state.Routing(id)
		if err != nil || rt.Leader == nil || rt.Leader.NodeID != n.cfg.ID {
			continue
		}
		shard, err := n.shards.Get(id)
		if err != nil {
			continue
		}
		c, err := shard.Count()
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", id, err)
		}
		total += c
	}
	return total, nil
}

// get reads a document from its shard's leader copy.
func (n *Node) get(ctx context.Context, index, typ, id string, local bool) (*storage.Document, error) {
	meta, err := n.state.Index(index)
	if err != nil {
		return nil, err
	}
	shardID, err := n.state.Route(index, id, "")
	if err != nil {
		return nil, err
	}
	if meta.RoutingRequired {
		return nil, fmt.Errorf("index %s: %w", index, action.ErrRoutingMissing)
	}
	rt, err := n.state.Routing(shardID)
	if err != nil {
		return nil, err
	}
	if rt.Leader == nil {
		return nil, fmt.Errorf("%s has no leader: %w", shardID, storage.ErrShardNotAvailable)
	}
	if local || rt.Leader.NodeID == n.cfg.ID {
		n.ensureShard(shardID)
		shard, err := n.shards.Get(shardID)
		if err != nil {
			return nil, err
		}
		return shard.Get(typ, id)
	}
	return n.clients.Get(ctx, rt.Leader.Addr, index, typ, id, true)
}

// gossip merges membership views sent by peers.
type gossip struct {
	n *Node
}

func (g *gossip) Gossip(_ context.Context, members []cluster.Member) ([]cluster.Member, error) {
	g.n.membership.Apply(members)
	return g.n.membership.Snapshot(), nil
}

// documents is the node's own write path, used to persist river states.
type documents struct {
	n *Node
}

func (d documents) Index(ctx context.Context, op action.IndexOp, level quorum.Level) (*action.WriteResponse, error) {
	return d.n.coordinator.Index(ctx, op, level)
}

func (d documents) Get(ctx context.Context, index, typ, id string) (*storage.Document, error) {
	doc, err := d.n.get(ctx, index, typ, id, false)
	if errors.Is(err, cluster.ErrIndexNotFound) {
		return nil, nil
	}
	return doc, err
}

func (d documents) Refresh(ctx context.Context, index string) error {
	return (&admin{n: d.n}).Refresh(ctx, index, false)
}
