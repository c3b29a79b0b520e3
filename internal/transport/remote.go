package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/quorum"
	"ingest/internal/river"
	"ingest/internal/storage"
)

// errNoAddrs is returned by a Remote without node addresses.
var errNoAddrs = errors.New("no node addresses")

// Remote is a client of a cluster. Calls go to the configured nodes in
// turn; a node that cannot be reached is skipped for the next one.
type Remote struct {
	clients *ClientManager
	addrs   []string
	next    atomic.Uint64
}

// NewRemote creates a remote client of the nodes at addrs.
func NewRemote(clients *ClientManager, addrs ...string) *Remote {
	return &Remote{clients: clients, addrs: addrs}
}

// do calls fn with node addresses in round-robin order until a call
// succeeds or fails with anything but an unreachable node. A request that
// failed on a shard leader is not resent.
func (r *Remote) do(fn func(addr string) error) error {
	if len(r.addrs) == 0 {
		return errNoAddrs
	}
	start := r.next.Add(1)
	var err error
	for i := range r.addrs {
		addr := r.addrs[(start+uint64(i))%uint64(len(r.addrs))]
		err = fn(addr)
		if !errors.Is(err, storage.ErrShardNotAvailable) || errors.Is(err, errLeaderFailed) {
			return err
		}
	}
	return err
}

// Ingest runs a bulk request on the cluster.
func (r *Remote) Ingest(ctx context.Context, req *action.Request) (resp *action.Response, err error) {
	err = r.do(func(addr string) error {
		resp, err = r.clients.Bulk(ctx, addr, req)
		return err
	})
	return resp, err
}

// Index writes one document.
func (r *Remote) Index(ctx context.Context, op action.IndexOp, level quorum.Level) (resp *action.WriteResponse, err error) {
	err = r.do(func(addr string) error {
		resp, err = r.clients.Index(ctx, addr, op, level)
		return err
	})
	return resp, err
}

// Delete removes one document.
func (r *Remote) Delete(ctx context.Context, op action.DeleteOp, level quorum.Level) (resp *action.WriteResponse, err error) {
	err = r.do(func(addr string) error {
		resp, err = r.clients.Delete(ctx, addr, op, level)
		return err
	})
	return resp, err
}

// Get reads one document, or returns nil if it does not exist.
func (r *Remote) Get(ctx context.Context, index, typ, id string) (doc *storage.Document, err error) {
	err = r.do(func(addr string) error {
		doc, err = r.clients.Get(ctx, addr, index, typ, id, false)
		return err
	})
	if errors.Is(err, cluster.ErrIndexNotFound) {
		return nil, nil
	}
	return doc, err
}

// CreateIndex creates an index.
func (r *Remote) CreateIndex(ctx context.Context, meta cluster.IndexMeta) (out cluster.IndexMeta, err error) {
	err = r.do(func(addr string) error {
		out, err = r.clients.CreateIndex(ctx, addr, meta)
		return err
	})
	return out, err
}

// RefreshInterval returns the refresh interval of an index.
func (r *Remote) RefreshInterval(ctx context.Context, index string) (time.Duration, error) {
	var meta cluster.IndexMeta
	err := r.do(func(addr string) (err error) {
		meta, err = r.clients.GetIndex(ctx, addr, index)
		return err
	})
	return meta.RefreshInterval, err
}

// SetRefreshInterval changes the refresh interval of an index.
func (r *Remote) SetRefreshInterval(ctx context.Context, index string, interval time.Duration) error {
	return r.do(func(addr string) error {
		_, err := r.clients.UpdateSettings(ctx, addr, index, Settings{RefreshInterval: &interval})
		return err
	})
}

// Refresh makes every write to the index visible to readers.
func (r *Remote) Refresh(ctx context.Context, index string) error {
	return r.do(func(addr string) error {
		return r.clients.Refresh(ctx, addr, index, false)
	})
}

// Count counts the refreshed documents of an index.
func (r *Remote) Count(ctx context.Context, index string) (n int64, err error) {
	err = r.do(func(addr string) error {
		n, err = r.clients.Count(ctx, addr, index, false)
		return err
	})
	return n, err
}

// Health returns the cluster health.
func (r *Remote) Health(ctx context.Context) (h cluster.Health, err error) {
	err = r.do(func(addr string) error {
		h, err = r.clients.Health(ctx, addr)
		return err
	})
	return h, err
}

// RiverStates returns river states from every configured node.
func (r *Remote) RiverStates(ctx context.Context, name string) ([]river.State, error) {
	var out []river.State
	for _, addr := range r.addrs {
		states, err := r.clients.RiverStates(ctx, addr, name)
		if err != nil {
			return nil, err
		}
		out = append(out, states...)
	}
	return out, nil
}
