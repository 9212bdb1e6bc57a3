// Package registry holds the current version of every entity type and answers
// attribute lookups for the validator and the query compiler.
//
// The relational store is the source of truth; a Registry is the in-process
// view of it, refreshed whenever a new version is written.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
)

// Registry maps entity type ids to their current version.
//
// Thread-safety: All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[int64]attr.EntityType
}

// New creates a registry seeded with types.
func New(types ...attr.EntityType) *Registry {
	r := &Registry{types: make(map[int64]attr.EntityType, len(types))}
	for _, t := range types {
		r.types[t.ID] = t
	}
	return r
}

// Put installs t as the current version of its id. Older versions are
// ignored so that a late refresh cannot roll a mutation back.
func (r *Registry) Put(t attr.EntityType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.types[t.ID]; ok && cur.Version > t.Version {
		return
	}
	r.types[t.ID] = t
}

// Get returns the current version of entity type id.
func (r *Registry) Get(id int64) (attr.EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return attr.EntityType{}, fault.NotFound.New("entity type %d", id)
	}
	return t, nil
}

// ForProject returns the project's entity types of the given kinds, ordered
// by id. No kinds means every kind.
func (r *Registry) ForProject(project int64, kinds ...attr.Kind) []attr.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[attr.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := []attr.EntityType{}
	for _, t := range r.types {
		if t.Project != project {
			continue
		}
		if len(want) > 0 && !want[t.Kind] {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scope resolves attribute names for one query: the named type when typeID
// is non-zero, otherwise every type of kind in the project.
func (r *Registry) Scope(project int64, kind attr.Kind, typeID int64) (*Scope, error) {
	if typeID != 0 {
		t, err := r.Get(typeID)
		if err != nil {
			return nil, err
		}
		if t.Project != project || t.Kind != kind {
			return nil, fault.BadQuery.New("entity type %d is not a %s type of project %d", typeID, kind, project)
		}
		return &Scope{types: []attr.EntityType{t}}, nil
	}
	return &Scope{types: r.ForProject(project, kind)}, nil
}

// Scope is the set of entity types a query's attribute names resolve against.
type Scope struct {
	types []attr.EntityType
}

// NewScope builds a scope directly from types.
func NewScope(types ...attr.EntityType) *Scope {
	return &Scope{types: types}
}

// Types returns the scope's entity types.
func (s *Scope) Types() []attr.EntityType {
	return s.types
}

// Lookup finds the definition for name. found is false when no type in scope
// defines it. Types that define the same name with different dtypes make the
// name ambiguous, which is a BadQuery.
func (s *Scope) Lookup(name string) (def attr.Definition, found bool, err error) {
	for _, t := range s.types {
		d, ok := t.Lookup(name)
		if !ok {
			continue
		}
		if found && d.Dtype != def.Dtype {
			return attr.Definition{}, false, fault.BadQuery.New(
				"attribute %q is %s in one type and %s in another; filter by type", name, def.Dtype, d.Dtype)
		}
		if !found {
			def, found = d, true
		}
	}
	return def, found, nil
}

// String lists the scope's type names, for diagnostics.
func (s *Scope) String() string {
	names := make([]string, len(s.types))
	for i, t := range s.types {
		names[i] = fmt.Sprintf("%s(%d)", t.Name, t.ID)
	}
	return fmt.Sprint(names)
}
