package tessitura

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	Tt "github.com/maroda/tessitura/types"
)

var (
	ErrDuplicateID      = errors.New("duplicate parameter id")
	ErrInvalidID        = errors.New("invalid parameter id")
	ErrInvalidIndex     = errors.New("invalid array index")
	ErrInvalidThreshold = errors.New("thresholds must satisfy low_crit < low_warn < high_warn < high_crit")
	ErrNotFound         = errors.New("parameter not found")
)

// RegistryError is returned for every rejected registry mutation,
// the registry itself is unchanged when one is returned.
type RegistryError struct {
	Op  string // add, edit, remove
	ID  string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Parameter is the named presentation of one channel
type Parameter struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Unit        string       `json:"unit" yaml:"unit"`
	ArrayIndex  int          `json:"array_index" yaml:"array_index"`
	Threshold   Tt.Threshold `json:"threshold" yaml:"threshold"`
	Color       string       `json:"color,omitempty" yaml:"color,omitempty"`
	Decimals    int          `json:"decimals,omitempty" yaml:"decimals,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	SensorGroup string       `json:"sensor_group,omitempty" yaml:"sensor_group,omitempty"`
}

func validateParameter(p Parameter) error {
	if p.ID == "" || strings.IndexFunc(p.ID, unicode.IsSpace) >= 0 {
		return ErrInvalidID
	}
	if p.ArrayIndex < 0 {
		return ErrInvalidIndex
	}
	if !ValidThreshold(p.Threshold) {
		return ErrInvalidThreshold
	}
	return nil
}

// Snapshot is an immutable view of the registry.
// The dispatcher decodes each packet against exactly one Snapshot.
type Snapshot struct {
	params []Parameter
	index  map[string]int
}

func (s *Snapshot) Len() int { return len(s.params) }

// Parameters is the insertion ordered list, callers must not modify it
func (s *Snapshot) Parameters() []Parameter { return s.params }

func (s *Snapshot) Get(id string) (Parameter, bool) {
	i, ok := s.index[id]
	if !ok {
		return Parameter{}, false
	}
	return s.params[i], true
}

func newSnapshot(params []Parameter) *Snapshot {
	idx := make(map[string]int, len(params))
	for i, p := range params {
		idx[p.ID] = i
	}
	return &Snapshot{params: params, index: idx}
}

// Registry maps channel positions to parameters.
// Writers are serialized and publish a new Snapshot with an atomic swap,
// readers never block.
type Registry struct {
	mu       sync.Mutex
	snap     atomic.Pointer[Snapshot]
	onRemove []func(id string)
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(newSnapshot(nil))
	return r
}

// OnRemove registers cleanup run after a parameter is removed,
// used to drop its filter chain and history.
func (r *Registry) OnRemove(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Snapshot is the current view
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// List returns a copy of the parameters in insertion order
func (r *Registry) List() []Parameter {
	params := r.snap.Load().params
	out := make([]Parameter, len(params))
	copy(out, params)
	return out
}

func (r *Registry) Get(id string) (Parameter, bool) {
	return r.snap.Load().Get(id)
}

func (r *Registry) Add(p Parameter) error {
	if err := validateParameter(p); err != nil {
		return &RegistryError{Op: "add", ID: p.ID, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.index[p.ID]; ok {
		return &RegistryError{Op: "add", ID: p.ID, Err: ErrDuplicateID}
	}

	next := make([]Parameter, len(cur.params), len(cur.params)+1)
	copy(next, cur.params)
	next = append(next, p)
	r.snap.Store(newSnapshot(next))

	slog.Debug("Parameter added", slog.String("id", p.ID), slog.Int("index", p.ArrayIndex))
	return nil
}

// Edit replaces the parameter named id, keeping id and its position
func (r *Registry) Edit(id string, p Parameter) error {
	p.ID = id
	if err := validateParameter(p); err != nil {
		return &RegistryError{Op: "edit", ID: id, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	i, ok := cur.index[id]
	if !ok {
		return &RegistryError{Op: "edit", ID: id, Err: ErrNotFound}
	}

	next := make([]Parameter, len(cur.params))
	copy(next, cur.params)
	next[i] = p
	r.snap.Store(newSnapshot(next))

	slog.Debug("Parameter edited", slog.String("id", id))
	return nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()

	cur := r.snap.Load()
	i, ok := cur.index[id]
	if !ok {
		r.mu.Unlock()
		return &RegistryError{Op: "remove", ID: id, Err: ErrNotFound}
	}

	next := make([]Parameter, 0, len(cur.params)-1)
	next = append(next, cur.params[:i]...)
	next = append(next, cur.params[i+1:]...)
	r.snap.Store(newSnapshot(next))
	hooks := r.onRemove
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}

	slog.Debug("Parameter removed", slog.String("id", id))
	return nil
}

// Replace swaps in a whole new parameter set, all or nothing
func (r *Registry) Replace(params []Parameter) error {
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if err := validateParameter(p); err != nil {
			return &RegistryError{Op: "replace", ID: p.ID, Err: err}
		}
		if _, dup := seen[p.ID]; dup {
			return &RegistryError{Op: "replace", ID: p.ID, Err: ErrDuplicateID}
		}
		seen[p.ID] = struct{}{}
	}

	r.mu.Lock()
	cur := r.snap.Load()
	next := make([]Parameter, len(params))
	copy(next, params)
	r.snap.Store(newSnapshot(next))
	hooks := r.onRemove
	r.mu.Unlock()

	for _, old := range cur.params {
		if _, kept := seen[old.ID]; !kept {
			for _, fn := range hooks {
				fn(old.ID)
			}
		}
	}
	return nil
}
