package river

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnknownRiver is returned for operations on a river that was never
// registered.
var ErrUnknownRiver = errors.New("unknown river")

// Registry holds the rivers of one process and persists their states.
type Registry struct {
	docs   Documents
	logger logrus.FieldLogger

	mu     sync.RWMutex
	states map[string]*State
}

// NewRegistry creates a registry persisting through docs. docs may be nil
// to keep states in memory only.
func NewRegistry(docs Documents, logger logrus.FieldLogger) *Registry {
	return &Registry{
		docs:   docs,
		logger: logger.WithField("component", "river_registry"),
		states: make(map[string]*State),
	}
}

// Register adds a river. A previously persisted state at the river's
// coordinates is loaded and takes precedence for its counters.
func (r *Registry) Register(ctx context.Context, s State) (State, error) {
	if s.Name == "" {
		return State{}, errors.New("river name is missing")
	}
	if s.Schedule != "" && !gronx.IsValid(s.Schedule) {
		return State{}, fmt.Errorf("river %s: invalid schedule %q", s.Name, s.Schedule)
	}
	if r.docs != nil {
		persisted := State{Name: s.Name, Coordinates: s.Coordinates}
		if err := persisted.Load(ctx, r.docs); err != nil {
			return State{}, err
		}
		s.Counter = persisted.Counter
		if s.Started.IsZero() {
			s.Started = persisted.Started
		}
		s.LastRun = persisted.LastRun
	}
	if s.Started.IsZero() {
		s.Started = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[s.Name]; exists {
		return State{}, fmt.Errorf("river %s is already registered", s.Name)
	}
	st := s
	r.states[s.Name] = &st
	r.logger.WithField("action", "register_river").WithField("river", s.Name).
		WithField("counter", s.Counter).Info("river registered")
	return st.clone(), nil
}

// Update applies fn to the river's state and persists the result.
func (r *Registry) Update(ctx context.Context, name string, fn func(*State)) (State, error) {
	r.mu.Lock()
	st, exists := r.states[name]
	if !exists {
		r.mu.Unlock()
		return State{}, errors.Wrap(ErrUnknownRiver, name)
	}
	fn(st)
	out := st.clone()
	r.mu.Unlock()

	if r.docs != nil {
		if err := out.Save(ctx, r.docs); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Begin marks the river active, counts a run and returns the run's id.
func (r *Registry) Begin(ctx context.Context, name string) (string, error) {
	runID := uuid.NewString()
	_, err := r.Update(ctx, name, func(s *State) {
		s.Active = true
		s.Counter++
		s.LastRun = time.Now().UTC()
		if s.Custom == nil {
			s.Custom = make(map[string]any)
		}
		s.Custom["run_id"] = runID
	})
	return runID, err
}

// End marks the river inactive and records extra run details in its
// custom map.
func (r *Registry) End(ctx context.Context, name string, custom map[string]any) error {
	_, err := r.Update(ctx, name, func(s *State) {
		s.Active = false
		s.LastRun = time.Now().UTC()
		if s.Custom == nil {
			s.Custom = make(map[string]any)
		}
		for k, v := range custom {
			s.Custom[k] = v
		}
	})
	return err
}

// Get returns the state of one river.
func (r *Registry) Get(name string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, exists := r.states[name]
	if !exists {
		return State{}, false
	}
	return st.clone(), true
}

// List returns the states of the rivers matching name, sorted by name. An
// empty name or "*" matches every river.
func (r *Registry) List(name string) []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []State
	for n, st := range r.states {
		if name == "" || name == "*" || name == n {
			out = append(out, st.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Due returns the enabled, idle rivers whose schedule fires at now.
func (r *Registry) Due(now time.Time) []State {
	gron := gronx.New()
	var due []State
	for _, st := range r.List("") {
		if !st.Enabled || st.Active || st.Schedule == "" {
			continue
		}
		ok, err := gron.IsDue(st.Schedule, now)
		if err != nil {
			r.logger.WithField("action", "river_due").WithField("river", st.Name).
				WithError(err).Warn("cannot evaluate schedule")
			continue
		}
		if ok {
			due = append(due, st)
		}
	}
	return due
}

// NextRun returns the next time the river's schedule fires after now.
func (r *Registry) NextRun(name string, now time.Time) (time.Time, error) {
	st, exists := r.Get(name)
	if !exists {
		return time.Time{}, errors.Wrap(ErrUnknownRiver, name)
	}
	if st.Schedule == "" {
		return time.Time{}, fmt.Errorf("river %s has no schedule", name)
	}
	return gronx.NextTickAfter(st.Schedule, now, false)
}

// Run calls fn for every due river, checking once per minute boundary,
// until ctx is done. fn runs between Begin and End.
func (r *Registry) Run(ctx context.Context, fn func(ctx context.Context, s State) (map[string]any, error)) {
	for {
		now := time.Now().Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(now)):
		}
		for _, st := range r.Due(now) {
			r.runOnce(ctx, st, fn)
		}
	}
}

func (r *Registry) runOnce(ctx context.Context, st State, fn func(ctx context.Context, s State) (map[string]any, error)) {
	logger := r.logger.WithField("action", "river_run").WithField("river", st.Name)
	runID, err := r.Begin(ctx, st.Name)
	if err != nil {
		logger.WithError(err).Error("cannot begin run")
		return
	}
	logger = logger.WithField("run_id", runID)
	custom, err := fn(ctx, st)
	if err != nil {
		logger.WithError(err).Error("run failed")
		if custom == nil {
			custom = make(map[string]any)
		}
		custom["error"] = err.Error()
	}
	if err := r.End(ctx, st.Name, custom); err != nil {
		logger.WithError(err).Error("cannot end run")
	}
}

func (s State) clone() State {
	if s.Custom != nil {
		custom := make(map[string]any, len(s.Custom))
		for k, v := range s.Custom {
			custom[k] = v
		}
		s.Custom = custom
	}
	return s
}
