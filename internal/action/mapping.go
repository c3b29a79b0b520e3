package action

import (
	"context"

	"github.com/buger/jsonparser"
)

// Metadata answers the index-level questions the leader asks per item.
type Metadata interface {
	RoutingRequired(index string) bool
	// UnknownFields filters fields down to those not yet mapped.
	UnknownFields(index, typ string, fields []string) []string
}

// MappingUpdater propagates newly seen document fields. Updates are sent
// asynchronously and are not part of the write acknowledgement.
type MappingUpdater interface {
	UpdateMapping(ctx context.Context, index, typ string, fields []string) error
}

// objectFields returns the top-level field names of a JSON object source.
func objectFields(source []byte) ([]string, error) {
	var fields []string
	err := jsonparser.ObjectEach(source, func(key []byte, _ []byte, _ jsonparser.ValueType, _ int) error {
		fields = append(fields, string(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}
