package river

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"

	"ingest/internal/action"
	"ingest/internal/quorum"
	"ingest/internal/storage"
)

// Documents is the write path river states are persisted through.
type Documents interface {
	Index(ctx context.Context, op action.IndexOp, level quorum.Level) (*action.WriteResponse, error)
	// Get returns the document or nil if it does not exist.
	Get(ctx context.Context, index, typ, id string) (*storage.Document, error)
	Refresh(ctx context.Context, index string) error
}

// Coordinates address the document a state is persisted to.
type Coordinates struct {
	Index string `msgpack:"index"`
	Type  string `msgpack:"type"`
	ID    string `msgpack:"id"`
}

// IsZero reports whether the coordinates are incomplete.
func (c Coordinates) IsZero() bool {
	return c.Index == "" || c.Type == "" || c.ID == ""
}

// State is the state of one river.
type State struct {
	Name    string    `msgpack:"name"`
	Type    string    `msgpack:"type"`
	Started time.Time `msgpack:"started"`
	// LastRun is the time of the last activity.
	LastRun time.Time      `msgpack:"last_run"`
	Counter int64          `msgpack:"counter"`
	Enabled bool           `msgpack:"enabled"`
	Active  bool           `msgpack:"active"`
	Custom  map[string]any `msgpack:"custom"`
	// Schedule is a cron expression; empty means the river only runs on
	// demand.
	Schedule    string      `msgpack:"schedule"`
	Coordinates Coordinates `msgpack:"coordinates"`
}

type stateDoc struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Enabled  bool           `json:"enabled"`
	Started  *time.Time     `json:"started,omitempty"`
	LastRun  *time.Time     `json:"timestamp,omitempty"`
	Counter  int64          `json:"counter"`
	Active   bool           `json:"active"`
	Custom   map[string]any `json:"custom,omitempty"`
	Schedule string         `json:"schedule,omitempty"`
}

// MarshalJSON renders the persisted form of the state.
func (s State) MarshalJSON() ([]byte, error) {
	doc := stateDoc{
		Name:     s.Name,
		Type:     s.Type,
		Enabled:  s.Enabled,
		Counter:  s.Counter,
		Active:   s.Active,
		Custom:   s.Custom,
		Schedule: s.Schedule,
	}
	if !s.Started.IsZero() {
		doc.Started = &s.Started
	}
	if !s.LastRun.IsZero() {
		doc.LastRun = &s.LastRun
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads a persisted state. Unknown fields and values of the
// wrong type are skipped.
func (s *State) UnmarshalJSON(data []byte) error {
	return jsonparser.ObjectEach(data, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		switch string(key) {
		case "name":
			s.Name, _ = jsonparser.ParseString(value)
		case "type":
			s.Type, _ = jsonparser.ParseString(value)
		case "schedule":
			s.Schedule, _ = jsonparser.ParseString(value)
		case "started":
			if t, err := time.Parse(time.RFC3339Nano, string(value)); err == nil {
				s.Started = t
			}
		case "timestamp":
			if t, err := time.Parse(time.RFC3339Nano, string(value)); err == nil {
				s.LastRun = t
			}
		case "counter":
			if n, err := strconv.ParseInt(string(value), 10, 64); err == nil {
				s.Counter = n
			}
		case "enabled":
			if b, err := jsonparser.ParseBoolean(value); err == nil {
				s.Enabled = b
			}
		case "active":
			if b, err := jsonparser.ParseBoolean(value); err == nil {
				s.Active = b
			}
		case "custom":
			if typ != jsonparser.Object {
				return nil
			}
			custom := make(map[string]any)
			if err := json.Unmarshal(value, &custom); err == nil {
				s.Custom = custom
			}
		}
		return nil
	})
}

// Save writes the state to its coordinates and refreshes the index so the
// state is visible to readers. States without coordinates are not saved.
func (s *State) Save(ctx context.Context, docs Documents) error {
	if s.Coordinates.IsZero() {
		return nil
	}
	source, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "encode river %s", s.Name)
	}
	c := s.Coordinates
	if _, err := docs.Index(ctx, action.NewIndexOp(c.Index, c.Type, c.ID, source), quorum.Default); err != nil {
		return errors.Wrapf(err, "save river %s", s.Name)
	}
	return errors.Wrapf(docs.Refresh(ctx, c.Index), "refresh river %s", s.Name)
}

// Load reads the state from its coordinates. A missing document resets
// the counter.
func (s *State) Load(ctx context.Context, docs Documents) error {
	if s.Coordinates.IsZero() {
		return nil
	}
	c := s.Coordinates
	doc, err := docs.Get(ctx, c.Index, c.Type, c.ID)
	if err != nil && !errors.Is(err, storage.ErrShardNotAvailable) {
		return errors.Wrapf(err, "load river %s", s.Name)
	}
	if doc == nil {
		s.Counter = 0
		return nil
	}
	return errors.Wrapf(s.UnmarshalJSON(doc.Source), "decode river %s", s.Name)
}

// DefaultCoordinates returns where a river's state is kept when it does not
// name its own document.
func DefaultCoordinates(name string) Coordinates {
	return Coordinates{Index: "_river", Type: name, ID: "_status"}
}

// Lookup reads the state persisted at c. It returns false if no state was
// saved there.
func Lookup(ctx context.Context, docs Documents, c Coordinates) (State, bool, error) {
	doc, err := docs.Get(ctx, c.Index, c.Type, c.ID)
	if err != nil {
		return State{}, false, errors.Wrapf(err, "lookup river at %s/%s/%s", c.Index, c.Type, c.ID)
	}
	if doc == nil {
		return State{}, false, nil
	}
	st := State{Coordinates: c}
	if err := st.UnmarshalJSON(doc.Source); err != nil {
		return State{}, false, errors.Wrapf(err, "decode river at %s/%s/%s", c.Index, c.Type, c.ID)
	}
	return st, true, nil
}
