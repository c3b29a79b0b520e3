// Package version provides the scalar document versions assigned by leader
// shards and the optimistic concurrency rules applied to them. Replicas never
// assign versions; they compare the leader's version against what they hold.
package version
