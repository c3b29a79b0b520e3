package quorum

import (
	"fmt"
	"strings"
)

// Unreachable is returned by Required when too few shard copies are live
// to satisfy the requested level.
const Unreachable = -1

// Level is the write consistency requested by a caller.
type Level int

const (
	// Default resolves to Quorum. It is the zero value.
	Default Level = iota
	// Ignore skips replica acknowledgement entirely.
	Ignore
	// One requires a single copy.
	One
	// Quorum requires a majority computed from the replica count.
	Quorum
	// All requires every configured copy.
	All
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case Default:
		return "default"
	case Ignore:
		return "ignore"
	case One:
		return "one"
	case Quorum:
		return "quorum"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// Resolve maps Default to the level it stands for.
func (l Level) Resolve() Level {
	if l == Default {
		return Quorum
	}
	return l
}

// ParseLevel parses a consistency level name. The empty string is Default.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return Default, nil
	case "ignore":
		return Ignore, nil
	case "one":
		return One, nil
	case "quorum":
		return Quorum, nil
	case "all":
		return All, nil
	default:
		return Default, fmt.Errorf("unknown consistency level: %s", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Topology describes the copies of one shard as seen by its leader.
type Topology struct {
	// DataNodes is the number of live data nodes in the cluster.
	DataNodes int
	// Replicas is the configured replica count of the index.
	Replicas int
	// ActiveReplicas is the number of replica copies able to take writes.
	ActiveReplicas int
}

// LiveCopies counts the leader plus its active replicas.
func (t Topology) LiveCopies() int {
	return t.ActiveReplicas + 1
}

// Policy holds cluster-wide quorum switches.
type Policy struct {
	// SingleNodeBypass disables quorum checks when the cluster has exactly
	// one data node.
	SingleNodeBypass bool
}

// Required returns the number of shard copies, leader included, that must
// acknowledge a write, 0 when no acknowledgement is required, or
// Unreachable.
func Required(level Level, topo Topology, policy Policy) int {
	level = level.Resolve()
	if level == Ignore || topo.Replicas == 0 {
		return 0
	}
	if policy.SingleNodeBypass && topo.DataNodes == 1 {
		return 0
	}

	var required int
	switch level {
	case One:
		required = 1
	case Quorum:
		required = topo.Replicas/2 + 1
	case All:
		required = topo.Replicas + 1
	default:
		return Unreachable
	}
	if topo.LiveCopies() < required {
		return Unreachable
	}
	return required
}

// Met reports whether replicaAcks successful replica responses, together
// with the leader, satisfy required.
func Met(required, replicaAcks int) bool {
	if required < 0 {
		return false
	}
	return replicaAcks+1 >= required
}
