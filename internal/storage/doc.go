// Package storage provides the per-shard document engines. Leader writes
// go through Index and Delete, which check and assign versions; replica
// writes go through ApplyReplica at the version the leader assigned.
// Writes are visible to Get immediately and to Count after Refresh.
package storage
