package operation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/opgraph/internal/graph"
)

// Registry is the closed set of operations known to the process. It is
// built once at startup; lookups afterwards are read-only and need no
// locking.
type Registry struct {
	defs     map[string]*Definition
	names    []string
	checksum string
}

// NewRegistry indexes the definitions by name. Duplicate names, nil
// definitions and namespaces in Uses that the catalog does not know are
// reported together.
func NewRegistry(catalog *graph.Catalog, defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	var errs []error
	for i, d := range defs {
		if d == nil {
			errs = append(errs, fmt.Errorf("operation #%d is nil", i))
			continue
		}
		if _, dup := r.defs[d.name]; dup {
			errs = append(errs, fmt.Errorf("operation %q is defined more than once", d.name))
			continue
		}
		for _, ns := range d.cfg.Uses {
			if !catalog.Has(ns) {
				errs = append(errs, fmt.Errorf("operation %q uses unknown namespace %q", d.name, ns))
			}
		}
		r.defs[d.name] = d
		r.names = append(r.names, d.name)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("operation: building registry: %w", errors.Join(errs...))
	}
	sort.Strings(r.names)

	parts := make([]string, 0, len(r.names))
	for _, name := range r.names {
		parts = append(parts, name+"@"+r.defs[name].hash)
	}
	r.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
	return r, nil
}

// Get returns the operation with the given name.
func (r *Registry) Get(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns every operation name in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Public returns the operations external callers may invoke, sorted by name.
func (r *Registry) Public() []*Definition {
	out := make([]*Definition, 0, len(r.names))
	for _, name := range r.names {
		if d := r.defs[name]; !d.Internal() {
			out = append(out, d)
		}
	}
	return out
}

// All returns every operation sorted by name.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.defs[name])
	}
	return out
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	return len(r.defs)
}

// Checksum fingerprints the registered operation contracts.
func (r *Registry) Checksum() string {
	return r.checksum
}
