package version

import (
	"fmt"
	"strings"
)

const (
	// MatchAny is the requested version when the caller does not care about
	// the current version of the document.
	MatchAny int64 = -3
	// NotFound is the current version of a document that does not exist.
	NotFound int64 = -1
)

// Type selects how a requested version is checked and assigned.
type Type uint8

const (
	// Internal versions are assigned by the leader, starting at 1.
	Internal Type = iota
	// External versions are supplied by the caller and must increase.
	External
	// ExternalGTE versions are supplied by the caller and must not decrease.
	ExternalGTE
	// Force writes the supplied version unconditionally.
	Force
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case Internal:
		return "internal"
	case External:
		return "external"
	case ExternalGTE:
		return "external_gte"
	case Force:
		return "force"
	default:
		return "unknown"
	}
}

// ParseType parses a version type name. The empty string is Internal.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "internal":
		return Internal, nil
	case "external", "external_gt":
		return External, nil
	case "external_gte":
		return ExternalGTE, nil
	case "force":
		return Force, nil
	default:
		return Internal, fmt.Errorf("unknown version type: %s", s)
	}
}

// Validate checks that requested is usable with this type.
func (t Type) Validate(requested int64) error {
	if t == Internal {
		if requested != MatchAny && requested < 0 {
			return fmt.Errorf("illegal version value [%d] for version type [%s]", requested, t)
		}
		return nil
	}
	if requested < 0 {
		return fmt.Errorf("illegal version value [%d] for version type [%s]", requested, t)
	}
	return nil
}

// Conflict reports whether writing requested on top of current is rejected.
// current is NotFound when the document does not exist.
func (t Type) Conflict(current, requested int64) bool {
	switch t {
	case Internal:
		if requested == MatchAny {
			return false
		}
		return current != requested
	case External:
		if current == NotFound {
			return false
		}
		return requested <= current
	case ExternalGTE:
		if current == NotFound {
			return false
		}
		return requested < current
	default:
		return false
	}
}

// Next returns the version a leader assigns when the write is accepted.
func (t Type) Next(current, requested int64) int64 {
	if t == Internal {
		if current == NotFound {
			return 1
		}
		return current + 1
	}
	return requested
}

// CompareResult represents the result of comparing two versions.
type CompareResult int

const (
	// Before indicates the incoming version is older than the stored one.
	Before CompareResult = iota
	// After indicates the incoming version is newer than the stored one.
	After
	// Equal indicates both versions are the same.
	Equal
)

// Compare compares an incoming version against the stored one.
func Compare(incoming, stored int64) CompareResult {
	switch {
	case incoming == stored:
		return Equal
	case incoming > stored:
		return After
	default:
		return Before
	}
}
