// Package heap enumerates live objects reachable from registered inspection
// roots and resolves type names across root domains. A target process that
// embeds the diver registers the objects it wants inspectable; everything
// reachable from those roots through exported fields is enumerable.
package heap

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry holds inspection roots grouped into named domains. Domains play
// the role of isolation boundaries for type resolution: the same type name
// may resolve differently per domain.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]*domain
}

type domain struct {
	roots   map[string]any           // root name -> pointer to object
	statics map[string]reflect.Value // name -> func or pointer-to-var
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{domains: make(map[string]*domain)}
}

func (r *Registry) domainLocked(name string) *domain {
	d, ok := r.domains[name]
	if !ok {
		d = &domain{roots: make(map[string]any), statics: make(map[string]reflect.Value)}
		r.domains[name] = d
	}
	return d
}

// RegisterRoot exposes obj (which must be a non-nil pointer) as an
// enumeration root under the given domain.
func (r *Registry) RegisterRoot(domainName, name string, obj any) error {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("root %s/%s must be a non-nil pointer, got %T", domainName, name, obj)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domainLocked(domainName).roots[name] = obj
	return nil
}

// RemoveRoot withdraws a root. Objects only reachable through it disappear
// from the next enumeration pass.
func (r *Registry) RemoveRoot(domainName, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.domains[domainName]; ok {
		delete(d.roots, name)
	}
}

// RegisterStatic exposes a package-level function or a pointer to a
// package-level variable for handle-0 access.
func (r *Registry) RegisterStatic(domainName, name string, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		if rv.IsNil() {
			return fmt.Errorf("static %s/%s is a nil func", domainName, name)
		}
	case reflect.Ptr:
		if rv.IsNil() {
			return fmt.Errorf("static %s/%s is a nil pointer", domainName, name)
		}
	default:
		return fmt.Errorf("static %s/%s must be a func or pointer, got %T", domainName, name, v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domainLocked(domainName).statics[name] = rv
	return nil
}

// Static looks up a registered static by name, searching the named domain
// first and then all others.
func (r *Registry) Static(domainHint, name string) (reflect.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.domains[domainHint]; ok {
		if v, ok := d.statics[name]; ok {
			return v, true
		}
	}
	for dn, d := range r.domains {
		if dn == domainHint {
			continue
		}
		if v, ok := d.statics[name]; ok {
			return v, true
		}
	}
	return reflect.Value{}, false
}

// Roots returns a stable copy of (domain, root name, object) triples.
func (r *Registry) Roots() []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Root
	for dn, d := range r.domains {
		for rn, obj := range d.roots {
			out = append(out, Root{Domain: dn, Name: rn, Object: obj})
		}
	}
	return out
}

// Root is one registered enumeration root.
type Root struct {
	Domain string
	Name   string
	Object any
}
