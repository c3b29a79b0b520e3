// Package transport carries node-to-node and client-to-node calls over
// gRPC. Messages are plain Go structs encoded with msgpack; service
// descriptors are declared by hand instead of generated from protobuf.
//
// Services:
//
//	ingest.Shard       Leader, Replica
//	ingest.Ingest      Bulk, Index, Delete
//	ingest.Admin       CreateIndex, GetIndex, UpdateSettings, Refresh, Count,
//	                   Get, Health, PutMetadata, RiverStates
//	ingest.Membership  Gossip
//
// Liveness probes use the standard gRPC health service.
package transport
