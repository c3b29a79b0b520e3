// Package action implements the replicated write path.
//
// A Request (a batch of index and delete operations) is split by shard.
// Every shard's items go to the node holding its leader copy, which applies
// them in order, assigns versions and decides how many copies must
// acknowledge. The items the leader accepted are then mirrored to every
// active replica copy at the leader's versions. The Coordinator merges the
// leader and replica responses of all shards into one Response.
//
// Per-item failures never abort a batch. A shard that is not available on
// its leader aborts that shard and fails the whole request, so that callers
// retry it. Replica failures are reported inside the Response only.
package action
