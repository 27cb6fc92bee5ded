// Package pin keeps a fixed-capacity table of pinned objects. A pinned
// object's address is stable for the lifetime of the pin and doubles as its
// protocol handle.
//
// The relocation-prevention mechanism (runtime.Pinner) is confined to one
// long-lived background worker goroutine that exclusively owns the slot
// array; arbitrary caller goroutines pin and unpin concurrently through
// lock-guarded index bookkeeping and a request queue. The worker never takes
// the bookkeeping lock.
package pin

import (
	"fmt"
	"log"
	"reflect"
	"runtime"
	"sync"

	"github.com/heapdive/heapdive/heap"
	"github.com/heapdive/heapdive/types"
)

// DefaultCapacity is the default slot count.
const DefaultCapacity = 16384

// request is one unit of work for the pinning worker. A nil obj means
// "release this slot".
type request struct {
	obj  any
	slot int
	ack  chan struct{}
}

type slotEntry struct {
	obj  any
	addr uint64
	slot int
	ref  heap.ObjRef
}

// Table is the pin table. All methods are safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	cap    int
	free   []int // LIFO stack of released indices
	high   int   // next never-used index
	byObj  map[any]*slotEntry
	byAddr map[uint64]*slotEntry
	closed bool

	reqs chan request
	done chan struct{}
}

// NewTable starts the background worker and returns a table with the given
// slot capacity (DefaultCapacity if n <= 0).
func NewTable(n int) *Table {
	if n <= 0 {
		n = DefaultCapacity
	}
	t := &Table{
		cap:    n,
		byObj:  make(map[any]*slotEntry),
		byAddr: make(map[uint64]*slotEntry),
		reqs:   make(chan request, 1024),
		done:   make(chan struct{}),
	}
	go t.worker()
	return t
}

// worker exclusively owns the pinner slots. It needs no lock: all
// communication is through the request queue.
func (t *Table) worker() {
	defer close(t.done)
	pinners := make([]runtime.Pinner, t.cap)
	for req := range t.reqs {
		t.apply(&pinners[req.slot], req)
	}
	// Drain on close: release everything still pinned.
	for i := range pinners {
		pinners[i].Unpin()
	}
}

func (t *Table) apply(p *runtime.Pinner, req request) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Warning: pin worker slot %d: %v", req.slot, r)
		}
		if req.ack != nil {
			close(req.ack)
		}
	}()
	if req.obj == nil {
		p.Unpin()
		return
	}
	p.Pin(req.obj)
}

// Capacity returns the slot count.
func (t *Table) Capacity() int {
	return t.cap
}

// Count returns the number of occupied slots.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byObj)
}

// Pin fixes obj in place and returns its address. Pinning an already-pinned
// object returns the existing address without consuming a slot. A different
// object at an already-pinned address (a struct and its first field alias
// the same address) is rejected rather than silently remapping the handle.
// The call returns once the mapping is durably recorded and the worker has
// acknowledged the pin.
func (t *Table) Pin(obj any) (uint64, error) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return 0, fmt.Errorf("pin needs a non-nil pointer, got %T", obj)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, types.ErrSessionClosed
	}
	if se, ok := t.byObj[obj]; ok {
		addr := se.addr
		t.mu.Unlock()
		return addr, nil
	}
	addr := uint64(rv.Pointer())
	if _, ok := t.byAddr[addr]; ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("address 0x%x is already pinned by a different object, refusing alias %T", addr, obj)
	}
	slot, ok := t.allocSlotLocked()
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: all %d slots in use", types.ErrCapacityExceeded, t.cap)
	}
	se := &slotEntry{obj: obj, addr: addr, slot: slot, ref: heap.MakeRef(obj)}
	t.byObj[obj] = se
	t.byAddr[addr] = se
	ack := make(chan struct{})
	// Enqueue under the lock so slot reuse observes release-before-pin
	// ordering in the worker's queue.
	t.reqs <- request{obj: obj, slot: slot, ack: ack}
	t.mu.Unlock()

	<-ack
	return addr, nil
}

// allocSlotLocked prefers LIFO reuse of freed indices over growing the
// high-water mark.
func (t *Table) allocSlotLocked() (int, bool) {
	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		return slot, true
	}
	if t.high < t.cap {
		slot := t.high
		t.high++
		return slot, true
	}
	return 0, false
}

// Unpin releases obj's slot. Unknown objects are a no-op. The caller does
// not block on the worker.
func (t *Table) Unpin(obj any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	se, ok := t.byObj[obj]
	if !ok {
		return
	}
	t.releaseLocked(se)
}

// UnpinAddr releases the slot holding the object pinned at addr, whether or
// not the object is still alive.
func (t *Table) UnpinAddr(addr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	se, ok := t.byAddr[addr]
	if !ok {
		return false
	}
	t.releaseLocked(se)
	return true
}

func (t *Table) releaseLocked(se *slotEntry) {
	delete(t.byObj, se.obj)
	delete(t.byAddr, se.addr)
	t.free = append(t.free, se.slot)
	if !t.closed {
		t.reqs <- request{obj: nil, slot: se.slot}
	}
}

// UnpinAll clears every occupied slot. Used on session teardown.
func (t *Table) UnpinAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, se := range t.byObj {
		if !t.closed {
			t.reqs <- request{obj: nil, slot: se.slot}
		}
		t.free = append(t.free, se.slot)
	}
	t.byObj = make(map[any]*slotEntry)
	t.byAddr = make(map[uint64]*slotEntry)
}

// TryResolve returns the live object pinned at addr. The boolean is false
// if nothing is pinned there or the object has been collected since unpin.
func (t *Table) TryResolve(addr uint64) (any, bool) {
	t.mu.RLock()
	se, ok := t.byAddr[addr]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return se.ref.Get()
}

// AddressOf returns the pinned address for obj, if it is pinned.
func (t *Table) AddressOf(obj any) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	se, ok := t.byObj[obj]
	if !ok {
		return 0, false
	}
	return se.addr, true
}

// Close releases all pins and stops the worker. The table is unusable
// afterwards.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.byObj = make(map[any]*slotEntry)
	t.byAddr = make(map[uint64]*slotEntry)
	close(t.reqs)
	t.mu.Unlock()
	<-t.done
}
