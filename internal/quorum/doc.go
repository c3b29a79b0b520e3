// Package quorum computes how many shard copies must acknowledge a write
// for a given consistency level and the shard's current topology.
package quorum
