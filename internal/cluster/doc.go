// Package cluster holds the node's view of the cluster: which data nodes
// are alive (Membership), which indices exist, and where every shard copy
// lives (State). Shard copies are placed on alive nodes with a consistent
// hash ring; copies reported as failed are kept out of the write path until
// their node leaves and rejoins.
//
// Limitations:
// - No shard relocation or recovery; a new copy starts empty
// - Index metadata is propagated by broadcast, last version wins
package cluster
