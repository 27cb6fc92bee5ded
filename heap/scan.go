package heap

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Descriptor is the result of enumerating one heap object. Descriptors are
// transient: every scan pass recomputes them and an index built from one
// pass says nothing about the heap after the next collection.
type Descriptor struct {
	Address      uint64
	TypeName     string
	Domain       string
	Size         uint64
	IdentityHash uint64
	HasHash      bool
	Ref          ObjRef
}

// TypeInfo describes one type discovered during registration or scanning.
type TypeInfo struct {
	Name   string
	Domain string
	Type   reflect.Type // the pointer type *T
}

// Stats summarizes one scan pass.
type Stats struct {
	Scanned  int
	Matched  int
	Errors   int
	Duration time.Duration
}

// Index is the output of one scan pass: address-keyed descriptors plus the
// type table accumulated so far. Immutable once built.
type Index struct {
	byAddr map[uint64]*Descriptor
	all    []*Descriptor
	built  time.Time
}

// NewIndex builds an index from an address-keyed descriptor map. Used when
// merging passes; Scan builds its own.
func NewIndex(byAddr map[uint64]*Descriptor) *Index {
	ix := &Index{byAddr: byAddr, built: time.Now()}
	for _, d := range byAddr {
		ix.all = append(ix.all, d)
	}
	sort.Slice(ix.all, func(i, j int) bool { return ix.all[i].Address < ix.all[j].Address })
	return ix
}

// At returns the descriptor recorded at addr during the pass, or nil.
func (ix *Index) At(addr uint64) *Descriptor {
	if ix == nil {
		return nil
	}
	return ix.byAddr[addr]
}

// Objects returns the descriptors in address order.
func (ix *Index) Objects() []*Descriptor {
	return ix.all
}

// Built returns the time the pass finished.
func (ix *Index) Built() time.Time {
	return ix.built
}

// Scanner walks the object graph under a registry's roots. One scanner per
// session; the type table persists across passes so type resolution keeps
// working between enumerations.
type Scanner struct {
	reg *Registry

	mu    sync.RWMutex
	types map[string]TypeInfo

	// maxObjects bounds one pass as a defense against cyclic blowup in a
	// pathological graph.
	maxObjects int
}

// DefaultMaxObjects bounds a single scan pass.
const DefaultMaxObjects = 1 << 20

// NewScanner returns a scanner over the given registry.
func NewScanner(reg *Registry) *Scanner {
	return &Scanner{reg: reg, types: make(map[string]TypeInfo), maxObjects: DefaultMaxObjects}
}

// Scan enumerates all objects reachable from the registry's roots whose type
// name contains filter (empty matches all). withHashes additionally
// computes identity hashes. Objects whose hash computation panics are
// skipped and counted; the pass only fails outright if it produced zero
// descriptors and at least one error occurred.
func (s *Scanner) Scan(filter string, withHashes bool) (*Index, Stats, error) {
	start := time.Now()
	ix := &Index{byAddr: make(map[uint64]*Descriptor)}
	var stats Stats

	visited := make(map[visitKey]struct{})
	for _, root := range s.reg.Roots() {
		s.walkRoot(root, filter, withHashes, visited, ix, &stats)
	}

	sort.Slice(ix.all, func(i, j int) bool { return ix.all[i].Address < ix.all[j].Address })
	ix.built = time.Now()
	stats.Duration = time.Since(start)

	if len(ix.all) == 0 && stats.Errors > 0 {
		return nil, stats, fmt.Errorf("heap scan produced no objects with %d errors", stats.Errors)
	}
	return ix, stats, nil
}

// ResolveType searches the accumulated type table. domainHint narrows the
// search when the same name exists in several domains; an empty hint
// matches anywhere.
func (s *Scanner) ResolveType(fullName, domainHint string) (TypeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if domainHint != "" {
		if ti, ok := s.types[domainHint+"\x00"+fullName]; ok {
			return ti, true
		}
		return TypeInfo{}, false
	}
	for key, ti := range s.types {
		if strings.HasSuffix(key, "\x00"+fullName) {
			return ti, true
		}
	}
	return TypeInfo{}, false
}

// Types returns the accumulated type table, filtered by substring and
// optionally by domain.
func (s *Scanner) Types(filter, domainFilter string) []TypeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TypeInfo
	for _, ti := range s.types {
		if domainFilter != "" && ti.Domain != domainFilter {
			continue
		}
		if filter != "" && !strings.Contains(ti.Name, filter) {
			continue
		}
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type visitKey struct {
	addr uintptr
	typ  reflect.Type
}

func (s *Scanner) walkRoot(root Root, filter string, withHashes bool, visited map[visitKey]struct{}, ix *Index, stats *Stats) {
	rv := reflect.ValueOf(root.Object)
	s.walk(rv, root.Domain, filter, withHashes, visited, ix, stats, 0)
}

// walk recursively visits v, recording a descriptor for every distinct
// pointer-to-struct object encountered. Only exported fields are followed;
// unexported state is invisible to remote callers anyway.
func (s *Scanner) walk(v reflect.Value, domainName, filter string, withHashes bool, visited map[visitKey]struct{}, ix *Index, stats *Stats, depth int) {
	if !v.IsValid() || len(visited) > s.maxObjects || depth > 64 {
		return
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		key := visitKey{addr: v.Pointer(), typ: v.Type()}
		if _, seen := visited[key]; seen {
			return
		}
		visited[key] = struct{}{}
		if v.Elem().Kind() == reflect.Struct && v.CanInterface() {
			s.record(v, domainName, filter, withHashes, ix, stats)
		}
		s.walk(v.Elem(), domainName, filter, withHashes, visited, ix, stats, depth+1)
	case reflect.Interface:
		if !v.IsNil() {
			s.walk(v.Elem(), domainName, filter, withHashes, visited, ix, stats, depth+1)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // unexported
			}
			s.walk(v.Field(i), domainName, filter, withHashes, visited, ix, stats, depth+1)
		}
	case reflect.Slice, reflect.Array:
		if !followableElem(v.Type().Elem()) {
			return
		}
		for i := 0; i < v.Len(); i++ {
			s.walk(v.Index(i), domainName, filter, withHashes, visited, ix, stats, depth+1)
		}
	case reflect.Map:
		if v.IsNil() {
			return
		}
		followKeys := followableElem(v.Type().Key())
		followVals := followableElem(v.Type().Elem())
		if !followKeys && !followVals {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			if followKeys {
				s.walk(iter.Key(), domainName, filter, withHashes, visited, ix, stats, depth+1)
			}
			if followVals {
				s.walk(iter.Value(), domainName, filter, withHashes, visited, ix, stats, depth+1)
			}
		}
	}
}

// followableElem reports whether a container element type can lead to more
// heap objects.
func followableElem(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Struct, reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}

func (s *Scanner) record(v reflect.Value, domainName, filter string, withHashes bool, ix *Index, stats *Stats) {
	stats.Scanned++
	name := FullTypeName(v.Type().Elem())
	s.rememberType(name, domainName, v.Type())

	if filter != "" && !strings.Contains(name, filter) {
		return
	}
	addr := uint64(v.Pointer())
	if _, dup := ix.byAddr[addr]; dup {
		return
	}
	d := &Descriptor{
		Address:  addr,
		TypeName: name,
		Domain:   domainName,
		Size:     uint64(v.Type().Elem().Size()),
		Ref:      MakeRef(v.Interface()),
	}
	if withHashes {
		h, err := IdentityHash(v.Interface())
		if err != nil {
			stats.Errors++
			return
		}
		d.IdentityHash = h
		d.HasHash = true
	}
	ix.byAddr[addr] = d
	ix.all = append(ix.all, d)
	stats.Matched++
}

func (s *Scanner) rememberType(name, domainName string, ptrType reflect.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domainName + "\x00" + name
	if _, ok := s.types[key]; !ok {
		s.types[key] = TypeInfo{Name: name, Domain: domainName, Type: ptrType}
	}
}

// FullTypeName returns the package-qualified name for t.
func FullTypeName(t reflect.Type) string {
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}
