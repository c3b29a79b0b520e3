package transport

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/quorum"
	"ingest/internal/river"
	"ingest/internal/routing"
	"ingest/internal/storage"
)

const (
	shardService      = "ingest.Shard"
	ingestService     = "ingest.Ingest"
	adminService      = "ingest.Admin"
	membershipService = "ingest.Membership"
)

// ShardHandler runs shard requests against the local copies.
type ShardHandler interface {
	LeaderShard(ctx context.Context, req *action.ShardRequest) (*action.LeaderShardResponse, error)
	ReplicaShard(ctx context.Context, req *action.ReplicaShardRequest) (*action.ReplicaShardResponse, error)
	// RecoverShard fills the copy of id on target from the local copy.
	RecoverShard(ctx context.Context, id routing.ShardID, target string) error
}

// IngestHandler coordinates client writes.
type IngestHandler interface {
	Ingest(ctx context.Context, req *action.Request) (*action.Response, error)
	Index(ctx context.Context, op action.IndexOp, level quorum.Level) (*action.WriteResponse, error)
	Delete(ctx context.Context, op action.DeleteOp, level quorum.Level) (*action.WriteResponse, error)
}

// AdminHandler serves index administration and reads.
type AdminHandler interface {
	CreateIndex(ctx context.Context, meta cluster.IndexMeta) (cluster.IndexMeta, error)
	GetIndex(ctx context.Context, index string) (cluster.IndexMeta, error)
	UpdateSettings(ctx context.Context, index string, settings Settings) (cluster.IndexMeta, error)
	// Refresh, Count and Get answer from the local copies only when local
	// is set, and for the whole cluster otherwise.
	Refresh(ctx context.Context, index string, local bool) error
	Count(ctx context.Context, index string, local bool) (int64, error)
	// Get returns nil if the document does not exist.
	Get(ctx context.Context, index, typ, id string, local bool) (*storage.Document, error)
	Health(ctx context.Context) (cluster.Health, error)
	PutMetadata(ctx context.Context, indices []cluster.IndexMeta) error
	RiverStates(ctx context.Context, name string) ([]river.State, error)
}

// MembershipHandler merges a peer's membership view and returns the local
// one.
type MembershipHandler interface {
	Gossip(ctx context.Context, members []cluster.Member) ([]cluster.Member, error)
}

// Handlers are the services a Server exposes. Nil handlers are not
// registered.
type Handlers struct {
	Shard      ShardHandler
	Ingest     IngestHandler
	Admin      AdminHandler
	Membership MembershipHandler
}

// Server is the gRPC server of a node.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger logrus.FieldLogger
}

// NewServer creates a server exposing h.
func NewServer(h Handlers, logger logrus.FieldLogger, opts ...grpc.ServerOption) *Server {
	logger = logger.WithField("component", "transport_server")
	opts = append(opts, grpc.ChainUnaryInterceptor(statusInterceptor(logger)))
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger,
	}
	if h.Shard != nil {
		s.grpc.RegisterService(shardServiceDesc(h.Shard), s)
	}
	if h.Ingest != nil {
		s.grpc.RegisterService(ingestServiceDesc(h.Ingest), s)
	}
	if h.Admin != nil {
		s.grpc.RegisterService(adminServiceDesc(h.Admin), s)
	}
	if h.Membership != nil {
		s.grpc.RegisterService(membershipServiceDesc(h.Membership), s)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.WithField("action", "serve").WithField("addr", lis.Addr().String()).Info("serving")
	return s.grpc.Serve(lis)
}

// Stop marks the server as not serving and stops it gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func statusInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.WithField("action", "rpc").WithField("method", info.FullMethod).
				WithField("took", time.Since(start)).WithError(err).Debug("call failed")
			return nil, toStatus(err)
		}
		return resp, nil
	}
}

// unary builds a method descriptor calling fn with a decoded *Req.
func unary[Req, Resp any](service, method string, fn func(ctx context.Context, req *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*Req))
			})
		},
	}
}

func serviceDesc(name string, methods ...grpc.MethodDesc) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
	}
}

func shardServiceDesc(h ShardHandler) *grpc.ServiceDesc {
	return serviceDesc(shardService,
		unary(shardService, "Leader", func(ctx context.Context, req *shardRequest) (*leaderResponse, error) {
			resp, err := h.LeaderShard(ctx, req.request())
			if err != nil {
				return nil, err
			}
			return toLeaderResponse(resp), nil
		}),
		unary(shardService, "Replica", func(ctx context.Context, req *replicaRequest) (*action.ReplicaShardResponse, error) {
			return h.ReplicaShard(ctx, req.request())
		}),
		unary(shardService, "Recover", func(ctx context.Context, req *recoverRequest) (*empty, error) {
			return &empty{}, h.RecoverShard(ctx, req.ShardID, req.Target)
		}),
	)
}

func ingestServiceDesc(h IngestHandler) *grpc.ServiceDesc {
	return serviceDesc(ingestService,
		unary(ingestService, "Bulk", func(ctx context.Context, req *bulkRequest) (*bulkResponse, error) {
			resp, err := h.Ingest(ctx, req.request())
			if err != nil {
				return nil, err
			}
			return toBulkResponse(resp), nil
		}),
		unary(ingestService, "Index", func(ctx context.Context, req *writeRequest) (*action.WriteResponse, error) {
			return h.Index(ctx, req.Op.indexOp(), quorum.Level(req.Consistency))
		}),
		unary(ingestService, "Delete", func(ctx context.Context, req *writeRequest) (*action.WriteResponse, error) {
			return h.Delete(ctx, req.Op.deleteOp(), quorum.Level(req.Consistency))
		}),
	)
}

func adminServiceDesc(h AdminHandler) *grpc.ServiceDesc {
	return serviceDesc(adminService,
		unary(adminService, "CreateIndex", func(ctx context.Context, req *cluster.IndexMeta) (*cluster.IndexMeta, error) {
			meta, err := h.CreateIndex(ctx, *req)
			return &meta, err
		}),
		unary(adminService, "GetIndex", func(ctx context.Context, req *indexRequest) (*cluster.IndexMeta, error) {
			meta, err := h.GetIndex(ctx, req.Index)
			return &meta, err
		}),
		unary(adminService, "UpdateSettings", func(ctx context.Context, req *settingsRequest) (*cluster.IndexMeta, error) {
			meta, err := h.UpdateSettings(ctx, req.Index, req.Settings)
			return &meta, err
		}),
		unary(adminService, "Refresh", func(ctx context.Context, req *indexRequest) (*empty, error) {
			return &empty{}, h.Refresh(ctx, req.Index, req.Local)
		}),
		unary(adminService, "Count", func(ctx context.Context, req *indexRequest) (*countResponse, error) {
			n, err := h.Count(ctx, req.Index, req.Local)
			return &countResponse{Count: n}, err
		}),
		unary(adminService, "Get", func(ctx context.Context, req *getRequest) (*getResponse, error) {
			doc, err := h.Get(ctx, req.Index, req.Type, req.ID, req.Local)
			if err != nil || doc == nil {
				return &getResponse{}, err
			}
			return &getResponse{Found: true, Doc: *doc}, nil
		}),
		unary(adminService, "Health", func(ctx context.Context, _ *empty) (*cluster.Health, error) {
			health, err := h.Health(ctx)
			return &health, err
		}),
		unary(adminService, "PutMetadata", func(ctx context.Context, req *metadataRequest) (*empty, error) {
			return &empty{}, h.PutMetadata(ctx, req.Indices)
		}),
		unary(adminService, "RiverStates", func(ctx context.Context, req *riverRequest) (*riverResponse, error) {
			states, err := h.RiverStates(ctx, req.Name)
			return &riverResponse{States: states}, err
		}),
	)
}

func membershipServiceDesc(h MembershipHandler) *grpc.ServiceDesc {
	return serviceDesc(membershipService,
		unary(membershipService, "Gossip", func(ctx context.Context, req *gossipMessage) (*gossipMessage, error) {
			members, err := h.Gossip(ctx, req.Members)
			return &gossipMessage{Members: members}, err
		}),
	)
}
