// Package routing identifies shards and their copies, and maps a document
// to the shard that owns it.
package routing
