package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/quorum"
	"ingest/internal/river"
	"ingest/internal/routing"
	"ingest/internal/storage"
)

// ClientManager caches one connection per peer address and issues calls
// over it.
type ClientManager struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewClientManager creates a client manager. Connections are insecure
// unless opts override the transport credentials.
func NewClientManager(opts ...grpc.DialOption) *ClientManager {
	return &ClientManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
	}
}

func (m *ClientManager) conn(addr string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, exists := m.conns[addr]
	m.mu.RUnlock()
	if exists {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, exists := m.conns[addr]; exists {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	m.conns[addr] = conn
	return conn, nil
}

func (m *ClientManager) invoke(ctx context.Context, addr, service, method string, req, resp any) error {
	conn, err := m.conn(addr)
	if err != nil {
		return err
	}
	err = conn.Invoke(ctx, "/"+service+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

// Close closes every cached connection.
func (m *ClientManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*grpc.ClientConn)
	m.mu.Unlock()

	var result *multierror.Error
	for addr, conn := range conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	return result.ErrorOrNil()
}

// Probe checks that the node at addr is serving.
func (m *ClientManager) Probe(ctx context.Context, addr string) error {
	conn, err := m.conn(addr)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fromStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.Errorf("%s is %s", addr, resp.GetStatus())
	}
	return nil
}

// WaitReady probes addr with exponential backoff until it serves or ctx
// is done.
func (m *ClientManager) WaitReady(ctx context.Context, addr string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return m.Probe(probeCtx, addr)
	}, backoff.WithContext(b, ctx))
}

// Gossip exchanges membership views with the node at addr.
func (m *ClientManager) Gossip(ctx context.Context, addr string, members []cluster.Member) ([]cluster.Member, error) {
	var resp gossipMessage
	if err := m.invoke(ctx, addr, membershipService, "Gossip", &gossipMessage{Members: members}, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// Leader sends a shard request to the leader copy at addr.
func (m *ClientManager) Leader(ctx context.Context, addr string, req *action.ShardRequest) (*action.LeaderShardResponse, error) {
	var resp leaderResponse
	if err := m.invoke(ctx, addr, shardService, "Leader", toShardRequest(req), &resp); err != nil {
		return nil, err
	}
	return resp.response(), nil
}

// Replica sends a replica request to the copy at addr.
func (m *ClientManager) Replica(ctx context.Context, addr string, req *action.ReplicaShardRequest) (*action.ReplicaShardResponse, error) {
	var resp action.ReplicaShardResponse
	if err := m.invoke(ctx, addr, shardService, "Replica", toReplicaRequest(req), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Recover asks the leader copy at addr to fill the copy of id on target.
func (m *ClientManager) Recover(ctx context.Context, addr string, id routing.ShardID, target string) error {
	return m.invoke(ctx, addr, shardService, "Recover", &recoverRequest{ShardID: id, Target: target}, &empty{})
}

// Bulk runs a request coordinated by the node at addr.
func (m *ClientManager) Bulk(ctx context.Context, addr string, req *action.Request) (*action.Response, error) {
	var resp bulkResponse
	if err := m.invoke(ctx, addr, ingestService, "Bulk", toBulkRequest(req), &resp); err != nil {
		return nil, err
	}
	return resp.response(), nil
}

// Index writes one document through the node at addr.
func (m *ClientManager) Index(ctx context.Context, addr string, op action.IndexOp, level quorum.Level) (*action.WriteResponse, error) {
	var resp action.WriteResponse
	req := &writeRequest{Op: toWireOp(op), Consistency: int(level)}
	if err := m.invoke(ctx, addr, ingestService, "Index", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes one document through the node at addr.
func (m *ClientManager) Delete(ctx context.Context, addr string, op action.DeleteOp, level quorum.Level) (*action.WriteResponse, error) {
	var resp action.WriteResponse
	req := &writeRequest{Op: toWireOp(op), Consistency: int(level)}
	if err := m.invoke(ctx, addr, ingestService, "Delete", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateIndex creates an index through the node at addr.
func (m *ClientManager) CreateIndex(ctx context.Context, addr string, meta cluster.IndexMeta) (cluster.IndexMeta, error) {
	var resp cluster.IndexMeta
	err := m.invoke(ctx, addr, adminService, "CreateIndex", &meta, &resp)
	return resp, err
}

// GetIndex returns an index's metadata as known by the node at addr.
func (m *ClientManager) GetIndex(ctx context.Context, addr, index string) (cluster.IndexMeta, error) {
	var resp cluster.IndexMeta
	err := m.invoke(ctx, addr, adminService, "GetIndex", &indexRequest{Index: index}, &resp)
	return resp, err
}

// UpdateSettings changes index settings through the node at addr.
func (m *ClientManager) UpdateSettings(ctx context.Context, addr, index string, settings Settings) (cluster.IndexMeta, error) {
	var resp cluster.IndexMeta
	err := m.invoke(ctx, addr, adminService, "UpdateSettings", &settingsRequest{Index: index, Settings: settings}, &resp)
	return resp, err
}

// Refresh refreshes an index through the node at addr. With local set only
// that node's copies are refreshed.
func (m *ClientManager) Refresh(ctx context.Context, addr, index string, local bool) error {
	return m.invoke(ctx, addr, adminService, "Refresh", &indexRequest{Index: index, Local: local}, &empty{})
}

// Count counts the refreshed documents of an index. With local set only the
// leader copies held by the node at addr are counted.
func (m *ClientManager) Count(ctx context.Context, addr, index string, local bool) (int64, error) {
	var resp countResponse
	err := m.invoke(ctx, addr, adminService, "Count", &indexRequest{Index: index, Local: local}, &resp)
	return resp.Count, err
}

// Get reads a document through the node at addr. It returns nil if the
// document does not exist. With local set the node reads its own copy.
func (m *ClientManager) Get(ctx context.Context, addr, index, typ, id string, local bool) (*storage.Document, error) {
	var resp getResponse
	req := &getRequest{Index: index, Type: typ, ID: id, Local: local}
	if err := m.invoke(ctx, addr, adminService, "Get", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return &resp.Doc, nil
}

// Health returns the cluster health as seen by the node at addr.
func (m *ClientManager) Health(ctx context.Context, addr string) (cluster.Health, error) {
	var resp cluster.Health
	err := m.invoke(ctx, addr, adminService, "Health", &empty{}, &resp)
	return resp, err
}

// PutMetadata pushes index metadata to the node at addr.
func (m *ClientManager) PutMetadata(ctx context.Context, addr string, indices []cluster.IndexMeta) error {
	return m.invoke(ctx, addr, adminService, "PutMetadata", &metadataRequest{Indices: indices}, &empty{})
}

// RiverStates returns the states of the rivers matching name on the node
// at addr.
func (m *ClientManager) RiverStates(ctx context.Context, addr, name string) ([]river.State, error) {
	var resp riverResponse
	if err := m.invoke(ctx, addr, adminService, "RiverStates", &riverRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return resp.States, nil
}
