// Package ring places shard copies on data nodes using consistent hashing
// with virtual nodes. The first node of a shard's preference list holds the
// leader copy, the following ones hold replicas.
package ring
