package pin

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/heapdive/heapdive/types"
)

type thing struct {
	ID   int
	Name string
}

func TestPinIsIdempotent(t *testing.T) {
	tbl := NewTable(8)
	defer tbl.Close()

	obj := &thing{ID: 1}
	a1, err := tbl.Pin(obj)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	a2, err := tbl.Pin(obj)
	if err != nil {
		t.Fatalf("second Pin: %v", err)
	}
	if a1 != a2 {
		t.Errorf("re-pin returned different address: 0x%x vs 0x%x", a1, a2)
	}
	if tbl.Count() != 1 {
		t.Errorf("Count = %d, want 1", tbl.Count())
	}
}

func TestPinUnpinRoundTrip(t *testing.T) {
	tbl := NewTable(8)
	defer tbl.Close()

	obj := &thing{ID: 2}
	addr, err := tbl.Pin(obj)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if got, ok := tbl.TryResolve(addr); !ok || got.(*thing) != obj {
		t.Fatalf("TryResolve(0x%x) = %v, %v", addr, got, ok)
	}

	tbl.Unpin(obj)
	if _, ok := tbl.TryResolve(addr); ok {
		t.Error("TryResolve still finds object after unpin")
	}
	if tbl.Count() != 0 {
		t.Errorf("Count = %d after unpin, want 0", tbl.Count())
	}

	// The freed slot must be reusable.
	other := &thing{ID: 3}
	if _, err := tbl.Pin(other); err != nil {
		t.Fatalf("Pin after unpin: %v", err)
	}
}

func TestPinRejectsNonPointer(t *testing.T) {
	tbl := NewTable(4)
	defer tbl.Close()
	if _, err := tbl.Pin(42); err == nil {
		t.Error("expected error pinning a non-pointer")
	}
	var p *thing
	if _, err := tbl.Pin(p); err == nil {
		t.Error("expected error pinning a nil pointer")
	}
}

func TestPinRejectsAliasedAddress(t *testing.T) {
	tbl := NewTable(4)
	defer tbl.Close()

	obj := &thing{ID: 9, Name: "outer"}
	addr, err := tbl.Pin(obj)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}

	// The first field shares the struct's address but is a different
	// object; remapping the handle to it would corrupt resolution.
	if _, err := tbl.Pin(&obj.ID); err == nil {
		t.Fatal("expected error pinning a field that aliases a pinned struct")
	}
	if got, ok := tbl.TryResolve(addr); !ok || got.(*thing) != obj {
		t.Errorf("TryResolve(0x%x) = %v, %v, want the original struct", addr, got, ok)
	}
	if tbl.Count() != 1 {
		t.Errorf("Count = %d, want 1", tbl.Count())
	}
}

func TestCapacityBoundary(t *testing.T) {
	const n = 4
	tbl := NewTable(n)
	defer tbl.Close()

	objs := make([]*thing, n)
	addrs := make([]uint64, n)
	for i := range objs {
		objs[i] = &thing{ID: i}
		addr, err := tbl.Pin(objs[i])
		if err != nil {
			t.Fatalf("Pin %d: %v", i, err)
		}
		addrs[i] = addr
	}

	if _, err := tbl.Pin(&thing{ID: n}); !errors.Is(err, types.ErrCapacityExceeded) {
		t.Fatalf("pin %d returned %v, want ErrCapacityExceeded", n+1, err)
	}

	// The first N pins stay valid.
	for i, addr := range addrs {
		if got, ok := tbl.TryResolve(addr); !ok || got.(*thing) != objs[i] {
			t.Errorf("pin %d invalidated by capacity failure", i)
		}
	}
}

func TestUnpinAddrWorksByHandle(t *testing.T) {
	tbl := NewTable(4)
	defer tbl.Close()

	obj := &thing{ID: 9}
	addr, _ := tbl.Pin(obj)
	if !tbl.UnpinAddr(addr) {
		t.Fatal("UnpinAddr did not find the handle")
	}
	if tbl.UnpinAddr(addr) {
		t.Error("UnpinAddr found an already-released handle")
	}
	if _, ok := tbl.AddressOf(obj); ok {
		t.Error("AddressOf still maps an unpinned object")
	}
}

func TestUnpinAllClearsTable(t *testing.T) {
	tbl := NewTable(16)
	defer tbl.Close()

	for i := 0; i < 10; i++ {
		if _, err := tbl.Pin(&thing{ID: i}); err != nil {
			t.Fatalf("Pin %d: %v", i, err)
		}
	}
	tbl.UnpinAll()
	if tbl.Count() != 0 {
		t.Errorf("Count = %d after UnpinAll, want 0", tbl.Count())
	}
	// Full capacity must be available again.
	for i := 0; i < 16; i++ {
		if _, err := tbl.Pin(&thing{ID: 100 + i}); err != nil {
			t.Fatalf("Pin after UnpinAll: %v", err)
		}
	}
}

func TestConcurrentPinUnpin(t *testing.T) {
	tbl := NewTable(DefaultCapacity)
	defer tbl.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				obj := &thing{ID: g*1000 + i, Name: fmt.Sprintf("g%d", g)}
				addr, err := tbl.Pin(obj)
				if err != nil {
					t.Errorf("Pin: %v", err)
					return
				}
				if got, ok := tbl.TryResolve(addr); !ok || got.(*thing) != obj {
					t.Errorf("TryResolve lost object at 0x%x", addr)
					return
				}
				tbl.Unpin(obj)
			}
		}(g)
	}
	wg.Wait()
	if tbl.Count() != 0 {
		t.Errorf("Count = %d after concurrent churn, want 0", tbl.Count())
	}
}

func TestPinAfterCloseFails(t *testing.T) {
	tbl := NewTable(4)
	tbl.Close()
	tbl.Close() // idempotent
	if _, err := tbl.Pin(&thing{}); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("Pin after Close = %v, want ErrSessionClosed", err)
	}
}
