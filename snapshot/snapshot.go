// Package snapshot captures a paused, read-only duplicate of the target
// process's heap mappings. The duplicate is used purely for raw reads; it is
// never written and is superseded wholesale on refresh.
package snapshot

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Region is one captured memory mapping.
type Region struct {
	Start uint64
	End   uint64
	Perms string
	Data  []byte
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Snapshot is an immutable point-in-time copy of the target's readable heap
// mappings. A snapshot never changes after capture; callers needing fresher
// contents refresh the provider, which disposes this snapshot and captures a
// new one.
type Snapshot struct {
	ID       string
	Captured time.Time
	Regions  []Region

	mu       sync.Mutex
	disposed bool
	closer   func() error
}

// ReadAt copies up to len(buf) bytes starting at the absolute address addr
// from the captured image. Short reads happen at region boundaries.
func (s *Snapshot) ReadAt(addr uint64, buf []byte) (int, error) {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return 0, fmt.Errorf("snapshot %s is disposed", s.ID)
	}
	for i := range s.Regions {
		r := &s.Regions[i]
		if !r.Contains(addr) {
			continue
		}
		off := addr - r.Start
		if off >= uint64(len(r.Data)) {
			return 0, fmt.Errorf("address 0x%x not captured", addr)
		}
		n := copy(buf, r.Data[off:])
		return n, nil
	}
	return 0, fmt.Errorf("address 0x%x not mapped in snapshot", addr)
}

// Size returns the total captured byte count.
func (s *Snapshot) Size() uint64 {
	var total uint64
	for i := range s.Regions {
		total += uint64(len(s.Regions[i].Data))
	}
	return total
}

// dispose releases the captured buffers and any platform handle. Safe to
// call repeatedly; teardown errors are logged, never propagated.
func (s *Snapshot) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.Regions = nil
	if s.closer != nil {
		if err := s.closer(); err != nil {
			log.Printf("Warning: snapshot %s teardown: %v", s.ID, err)
		}
		s.closer = nil
	}
}

// Provider owns the current snapshot for one session. Create, Refresh and
// Dispose are serialized by the caller (the resolver holds its write lock
// across them).
type Provider struct {
	pid      int
	maxBytes uint64
	current  *Snapshot
}

// DefaultMaxCapture bounds a single capture pass. Heap mappings past the cap
// are dropped with a warning rather than failing the snapshot.
const DefaultMaxCapture = 256 << 20

// NewProvider returns a provider that snapshots the process with the given
// pid. pid 0 means the calling process.
func NewProvider(pid int) *Provider {
	return &Provider{pid: pid, maxBytes: DefaultMaxCapture}
}

// SetMaxCapture overrides the capture byte cap.
func (p *Provider) SetMaxCapture(n uint64) {
	p.maxBytes = n
}

// Create captures a new snapshot. The collector is held off for the capture
// so the image is internally consistent.
func (p *Provider) Create() (*Snapshot, error) {
	if p.current != nil {
		return nil, fmt.Errorf("snapshot already exists; refresh instead")
	}
	prev := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(prev)

	start := time.Now()
	regions, closer, err := captureRegions(p.pid, p.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to capture process image: %v", err)
	}
	snap := &Snapshot{
		ID:       uuid.NewString(),
		Captured: start,
		Regions:  regions,
		closer:   closer,
	}
	p.current = snap
	log.Printf("snapshot %s: captured %d regions (%d bytes) in %v",
		snap.ID, len(regions), snap.Size(), time.Since(start))
	return snap, nil
}

// Current returns the live snapshot, or nil.
func (p *Provider) Current() *Snapshot {
	return p.current
}

// Dispose releases the current snapshot. Idempotent.
func (p *Provider) Dispose() {
	if p.current == nil {
		return
	}
	p.current.dispose()
	p.current = nil
}

// Refresh disposes the current snapshot and captures a new one. Every
// address resolved against the old snapshot that was not pinned is invalid
// afterwards.
func (p *Provider) Refresh() (*Snapshot, error) {
	p.Dispose()
	return p.Create()
}
