// Package resolve bridges addresses in the target heap to live object
// references. It owns the session's snapshot and the last enumeration index,
// and composes the pin table for stable handles.
package resolve

import (
	"fmt"
	"log"
	"reflect"
	"runtime/debug"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/heapdive/heapdive/heap"
	"github.com/heapdive/heapdive/pin"
	"github.com/heapdive/heapdive/snapshot"
	"github.com/heapdive/heapdive/types"
)

// State of a runtime session.
type State int

const (
	Uninitialized State = iota
	Attached
	Refreshing
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Attached:
		return "attached"
	case Refreshing:
		return "refreshing"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

const typeCacheSize = 256

// Runtime is one logical snapshot-runtime session. Lookups and type
// resolution take the read lock; refresh, enumeration and dispose take the
// write lock, so callers block at most for the duration of one pass.
type Runtime struct {
	mu sync.RWMutex

	state     State
	provider  *snapshot.Provider
	scanner   *heap.Scanner
	pins      *pin.Table
	index     *heap.Index
	typeCache *lru.Cache
}

// Attach builds a runtime over the given registry and pin table and captures
// the initial snapshot.
func Attach(reg *heap.Registry, pins *pin.Table, pid int) (*Runtime, error) {
	cache, err := lru.New(typeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build type cache: %v", err)
	}
	r := &Runtime{
		provider:  snapshot.NewProvider(pid),
		scanner:   heap.NewScanner(reg),
		pins:      pins,
		typeCache: cache,
	}
	if _, err := r.provider.Create(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAttachFailed, err)
	}
	r.state = Attached
	return r, nil
}

// SetMaxCapture overrides the snapshot capture byte cap for subsequent
// refreshes.
func (r *Runtime) SetMaxCapture(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider.SetMaxCapture(n)
}

// State returns the session state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Snapshot returns the current snapshot, for raw reads.
func (r *Runtime) Snapshot() *snapshot.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provider.Current()
}

// ResolveType finds a type descriptor by its package-qualified name,
// searching every discovered domain (or just domainHint when given). Types
// are discovered during scans; an unknown name triggers one discovery pass
// before failing with ErrTypeNotFound.
func (r *Runtime) ResolveType(fullName, domainHint string) (heap.TypeInfo, error) {
	r.mu.RLock()
	if r.state == Disposed {
		r.mu.RUnlock()
		return heap.TypeInfo{}, types.ErrSessionClosed
	}
	cacheKey := domainHint + "\x00" + fullName
	if v, ok := r.typeCache.Get(cacheKey); ok {
		r.mu.RUnlock()
		return v.(heap.TypeInfo), nil
	}
	ti, ok := r.scanner.ResolveType(fullName, domainHint)
	r.mu.RUnlock()
	if ok {
		r.typeCache.Add(cacheKey, ti)
		return ti, nil
	}

	// Unknown name: the type table may simply not have seen a pass yet.
	if _, _, err := r.EnumerateHeap("", false); err != nil {
		return heap.TypeInfo{}, fmt.Errorf("%w: %s (discovery pass failed: %v)", types.ErrTypeNotFound, fullName, err)
	}
	r.mu.RLock()
	ti, ok = r.scanner.ResolveType(fullName, domainHint)
	r.mu.RUnlock()
	if !ok {
		return heap.TypeInfo{}, fmt.Errorf("%w: %s", types.ErrTypeNotFound, fullName)
	}
	r.typeCache.Add(cacheKey, ti)
	return ti, nil
}

// Types lists the types the scanner has discovered so far, filtered by
// substring and optionally by domain.
func (r *Runtime) Types(filter, domainFilter string) ([]heap.TypeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == Disposed {
		return nil, types.ErrSessionClosed
	}
	return r.scanner.Types(filter, domainFilter), nil
}

// GetObject converts an address into a live object reference.
//
// Fast path: the pin table. Failing that, the descriptor recorded at that
// address by the last enumeration; if its type still matches, the reference
// is materialized directly from the raw address and type descriptor. A type
// mismatch or dead referent means the object moved since the pass: with no
// identity hash that is ErrObjectMoved, with one we re-enumerate filtered by
// type and accept the first candidate whose hash matches.
//
// On success the object is pinned if pinRequested, and the returned address
// is the stable pinned address (or the input address otherwise).
func (r *Runtime) GetObject(addr uint64, pinRequested bool, expectedType string, identityHash *uint64) (any, uint64, error) {
	if obj, ok := r.pins.TryResolve(addr); ok {
		if expectedType == "" || typeNameOf(obj) == expectedType {
			return obj, addr, nil
		}
	}

	r.mu.RLock()
	if r.state == Disposed {
		r.mu.RUnlock()
		return nil, 0, types.ErrSessionClosed
	}
	d := r.index.At(addr)
	r.mu.RUnlock()

	if d != nil && (expectedType == "" || d.TypeName == expectedType) {
		if obj, alive := d.Ref.Get(); alive {
			return r.finish(obj, addr, pinRequested)
		}
	}

	if identityHash == nil {
		return nil, 0, fmt.Errorf("%w: no descriptor for 0x%x matching %q", types.ErrObjectMoved, addr, expectedType)
	}

	// Linear rescan filtered by type, testing candidate identity hashes.
	ix, _, err := r.EnumerateHeap(expectedType, true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to rescan for moved object: %v", err)
	}
	for _, cand := range ix.Objects() {
		if !cand.HasHash || cand.IdentityHash != *identityHash {
			continue
		}
		if obj, alive := cand.Ref.Get(); alive {
			return r.finish(obj, cand.Address, pinRequested)
		}
	}
	return nil, 0, fmt.Errorf("%w: identity hash %x not found among %d candidates", types.ErrObjectMoved, *identityHash, len(ix.Objects()))
}

func (r *Runtime) finish(obj any, addr uint64, pinRequested bool) (any, uint64, error) {
	if !pinRequested {
		return obj, addr, nil
	}
	pinned, err := r.pins.Pin(obj)
	if err != nil {
		return nil, 0, err
	}
	return obj, pinned, nil
}

// EnumerateHeap refreshes the snapshot and streams descriptors for every
// reachable object whose type name contains typeFilter. The collector is
// suspended for the duration of the pass; this is the most expensive
// operation in the system and its duration is always logged.
func (r *Runtime) EnumerateHeap(typeFilter string, withHashes bool) (*heap.Index, heap.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disposed {
		return nil, heap.Stats{}, types.ErrSessionClosed
	}
	r.state = Refreshing
	defer func() { r.state = Attached }()

	if _, err := r.provider.Refresh(); err != nil {
		log.Printf("Warning: snapshot refresh failed, scanning live heap only: %v", err)
	}

	prev := debug.SetGCPercent(-1)
	ix, stats, err := r.scanner.Scan(typeFilter, withHashes)
	debug.SetGCPercent(prev)

	if err != nil {
		return nil, stats, fmt.Errorf("%w: %v", types.ErrHeapDumpFailed, err)
	}
	log.Printf("heap pass: %d scanned, %d matched, %d errors in %v (gc suspended)",
		stats.Scanned, stats.Matched, stats.Errors, stats.Duration)

	// Only an unfiltered pass replaces the resolution index; a filtered
	// pass would silently forget every object outside the filter.
	if typeFilter == "" || r.index == nil {
		r.index = ix
	} else {
		r.mergeIndex(ix)
	}
	return ix, stats, nil
}

// mergeIndex folds a filtered pass into the standing index so addresses
// found by the pass resolve without a full re-enumeration.
func (r *Runtime) mergeIndex(ix *heap.Index) {
	merged := make(map[uint64]*heap.Descriptor)
	for _, d := range r.index.Objects() {
		merged[d.Address] = d
	}
	for _, d := range ix.Objects() {
		merged[d.Address] = d
	}
	r.index = heap.NewIndex(merged)
}

// Refresh supersedes the snapshot without a scan. Addresses resolved against
// the old snapshot that were not pinned must be considered stale afterwards.
func (r *Runtime) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disposed {
		return types.ErrSessionClosed
	}
	r.state = Refreshing
	defer func() { r.state = Attached }()
	if _, err := r.provider.Refresh(); err != nil {
		return fmt.Errorf("failed to refresh snapshot: %v", err)
	}
	return nil
}

// Dispose releases the snapshot and marks the session unusable. Idempotent;
// teardown failures are logged, never propagated.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disposed {
		return
	}
	r.provider.Dispose()
	r.index = nil
	r.state = Disposed
}

func typeNameOf(obj any) string {
	t := reflect.TypeOf(obj)
	if t != nil && t.Kind() == reflect.Ptr {
		return heap.FullTypeName(t.Elem())
	}
	return heap.FullTypeName(t)
}
