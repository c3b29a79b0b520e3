package transport

import (
	"time"

	"ingest/internal/action"
	"ingest/internal/cluster"
	"ingest/internal/quorum"
	"ingest/internal/river"
	"ingest/internal/routing"
	"ingest/internal/storage"
	"ingest/internal/version"
)

type opKind uint8

const (
	opNone opKind = iota
	opIndex
	opDelete
)

// wireOp is an action.Operation on the wire. opNone stands for a slot the
// leader rejected.
type wireOp struct {
	Kind        opKind       `msgpack:"k"`
	Index       string       `msgpack:"i,omitempty"`
	Type        string       `msgpack:"t,omitempty"`
	ID          string       `msgpack:"id,omitempty"`
	Routing     string       `msgpack:"r,omitempty"`
	Version     int64        `msgpack:"v"`
	VersionType version.Type `msgpack:"vt,omitempty"`
	Source      []byte       `msgpack:"s,omitempty"`
	Create      bool         `msgpack:"c,omitempty"`
	Found       bool         `msgpack:"f,omitempty"`
}

func toWireOp(op action.Operation) wireOp {
	switch o := op.(type) {
	case action.IndexOp:
		return wireOp{
			Kind:        opIndex,
			Index:       o.Index,
			Type:        o.Type,
			ID:          o.ID,
			Routing:     o.Routing,
			Version:     o.Version,
			VersionType: o.VersionType,
			Source:      o.Source,
			Create:      o.Create,
		}
	case action.DeleteOp:
		return wireOp{
			Kind:        opDelete,
			Index:       o.Index,
			Type:        o.Type,
			ID:          o.ID,
			Routing:     o.Routing,
			Version:     o.Version,
			VersionType: o.VersionType,
			Found:       o.Found(),
		}
	default:
		return wireOp{Kind: opNone}
	}
}

func (w wireOp) meta() action.Meta {
	return action.Meta{
		Index:       w.Index,
		Type:        w.Type,
		ID:          w.ID,
		Routing:     w.Routing,
		Version:     w.Version,
		VersionType: w.VersionType,
	}
}

func (w wireOp) operation() action.Operation {
	switch w.Kind {
	case opIndex:
		return w.indexOp()
	case opDelete:
		return w.deleteOp()
	default:
		return nil
	}
}

func (w wireOp) indexOp() action.IndexOp {
	return action.IndexOp{Meta: w.meta(), Source: w.Source, Create: w.Create}
}

func (w wireOp) deleteOp() action.DeleteOp {
	return action.RestoreDeleteOp(w.meta(), w.Found)
}

type wireItem struct {
	Slot int    `msgpack:"slot"`
	Op   wireOp `msgpack:"op"`
}

func toWireItems(items []action.Item) []wireItem {
	out := make([]wireItem, len(items))
	for i, item := range items {
		out[i] = wireItem{Slot: item.Slot, Op: toWireOp(item.Op)}
	}
	return out
}

func fromWireItems(items []wireItem) []action.Item {
	out := make([]action.Item, len(items))
	for i, item := range items {
		out[i] = action.Item{Slot: item.Slot, Op: item.Op.operation()}
	}
	return out
}

type shardRequest struct {
	IngestID      int64           `msgpack:"ingest_id"`
	ShardID       routing.ShardID `msgpack:"shard"`
	Consistency   int             `msgpack:"consistency"`
	RequireQuorum bool            `msgpack:"require_quorum,omitempty"`
	Items         []wireItem      `msgpack:"items"`
}

func toShardRequest(req *action.ShardRequest) *shardRequest {
	return &shardRequest{
		IngestID:      req.IngestID,
		ShardID:       req.ShardID,
		Consistency:   int(req.Consistency),
		RequireQuorum: req.RequireQuorum,
		Items:         toWireItems(req.Items),
	}
}

func (m *shardRequest) request() *action.ShardRequest {
	return &action.ShardRequest{
		IngestID:      m.IngestID,
		ShardID:       m.ShardID,
		Consistency:   quorum.Level(m.Consistency),
		RequireQuorum: m.RequireQuorum,
		Items:         fromWireItems(m.Items),
	}
}

type leaderResponse struct {
	IngestID     int64            `msgpack:"ingest_id"`
	ShardID      routing.ShardID  `msgpack:"shard"`
	NodeID       string           `msgpack:"node"`
	SuccessCount int              `msgpack:"success"`
	QuorumShards int              `msgpack:"quorum"`
	Items        []wireItem       `msgpack:"items"`
	Failures     []action.Failure `msgpack:"failures"`
	Took         time.Duration    `msgpack:"took"`
}

func toLeaderResponse(lr *action.LeaderShardResponse) *leaderResponse {
	if lr == nil {
		return nil
	}
	return &leaderResponse{
		IngestID:     lr.IngestID,
		ShardID:      lr.ShardID,
		NodeID:       lr.NodeID,
		SuccessCount: lr.SuccessCount,
		QuorumShards: lr.QuorumShards,
		Items:        toWireItems(lr.Items),
		Failures:     lr.Failures,
		Took:         lr.Took,
	}
}

func (m *leaderResponse) response() *action.LeaderShardResponse {
	if m == nil {
		return nil
	}
	return &action.LeaderShardResponse{
		IngestID:     m.IngestID,
		ShardID:      m.ShardID,
		NodeID:       m.NodeID,
		SuccessCount: m.SuccessCount,
		QuorumShards: m.QuorumShards,
		Items:        fromWireItems(m.Items),
		Failures:     m.Failures,
		Took:         m.Took,
	}
}

type recoverRequest struct {
	ShardID routing.ShardID `msgpack:"shard"`
	Target  string          `msgpack:"target"`
}

type replicaRequest struct {
	IngestID int64           `msgpack:"ingest_id"`
	ShardID  routing.ShardID `msgpack:"shard"`
	Ordinal  int             `msgpack:"ordinal"`
	Items    []wireItem      `msgpack:"items"`
}

func toReplicaRequest(req *action.ReplicaShardRequest) *replicaRequest {
	return &replicaRequest{
		IngestID: req.IngestID,
		ShardID:  req.ShardID,
		Ordinal:  req.Ordinal,
		Items:    toWireItems(req.Items),
	}
}

func (m *replicaRequest) request() *action.ReplicaShardRequest {
	return &action.ReplicaShardRequest{
		IngestID: m.IngestID,
		ShardID:  m.ShardID,
		Ordinal:  m.Ordinal,
		Items:    fromWireItems(m.Items),
	}
}

type bulkRequest struct {
	IngestID      int64         `msgpack:"ingest_id"`
	Consistency   int           `msgpack:"consistency"`
	RequireQuorum bool          `msgpack:"require_quorum,omitempty"`
	Timeout       time.Duration `msgpack:"timeout"`
	Ops           []wireOp      `msgpack:"ops"`
}

func toBulkRequest(req *action.Request) *bulkRequest {
	ops := make([]wireOp, len(req.Ops))
	for i, op := range req.Ops {
		ops[i] = toWireOp(op)
	}
	return &bulkRequest{
		IngestID:      req.IngestID,
		Consistency:   int(req.Consistency),
		RequireQuorum: req.RequireQuorum,
		Timeout:       req.Timeout,
		Ops:           ops,
	}
}

func (m *bulkRequest) request() *action.Request {
	req := action.NewRequest()
	req.IngestID = m.IngestID
	req.Consistency = quorum.Level(m.Consistency)
	req.RequireQuorum = m.RequireQuorum
	req.Timeout = m.Timeout
	for _, op := range m.Ops {
		req.Add(op.operation())
	}
	return req
}

type shardResult struct {
	Leader    *leaderResponse                `msgpack:"leader"`
	Replicas  []*action.ReplicaShardResponse `msgpack:"replicas"`
	QuorumMet bool                           `msgpack:"quorum_met"`
}

type bulkResponse struct {
	IngestID int64         `msgpack:"ingest_id"`
	Took     time.Duration `msgpack:"took"`
	Shards   []shardResult `msgpack:"shards"`
}

func toBulkResponse(resp *action.Response) *bulkResponse {
	out := &bulkResponse{IngestID: resp.IngestID, Took: resp.Took, Shards: make([]shardResult, len(resp.Shards))}
	for i, s := range resp.Shards {
		out.Shards[i] = shardResult{Leader: toLeaderResponse(s.Leader), Replicas: s.Replicas, QuorumMet: s.QuorumMet}
	}
	return out
}

func (m *bulkResponse) response() *action.Response {
	out := &action.Response{IngestID: m.IngestID, Took: m.Took, Shards: make([]action.ShardResult, len(m.Shards))}
	for i, s := range m.Shards {
		out.Shards[i] = action.ShardResult{Leader: s.Leader.response(), Replicas: s.Replicas, QuorumMet: s.QuorumMet}
	}
	return out
}

type writeRequest struct {
	Op          wireOp `msgpack:"op"`
	Consistency int    `msgpack:"consistency"`
}

// indexRequest names an index. Local requests are answered from the
// receiving node's copies only.
type indexRequest struct {
	Index string `msgpack:"index"`
	Local bool   `msgpack:"local,omitempty"`
}

// Settings are the index settings that can change after creation. Nil
// fields are left unchanged.
type Settings struct {
	RefreshInterval *time.Duration `msgpack:"refresh_interval,omitempty"`
	Replicas        *int           `msgpack:"replicas,omitempty"`
}

type settingsRequest struct {
	Index    string   `msgpack:"index"`
	Settings Settings `msgpack:"settings"`
}

type countResponse struct {
	Count int64 `msgpack:"count"`
}

type getRequest struct {
	Index string `msgpack:"index"`
	Type  string `msgpack:"type"`
	ID    string `msgpack:"id"`
	Local bool   `msgpack:"local,omitempty"`
}

type getResponse struct {
	Found bool             `msgpack:"found"`
	Doc   storage.Document `msgpack:"doc"`
}

type metadataRequest struct {
	Indices []cluster.IndexMeta `msgpack:"indices"`
}

type riverRequest struct {
	Name string `msgpack:"name"`
}

type riverResponse struct {
	States []river.State `msgpack:"states"`
}

type gossipMessage struct {
	Members []cluster.Member `msgpack:"members"`
}

type empty struct{}
