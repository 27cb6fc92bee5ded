package resolve

import (
	"errors"
	"runtime"
	"testing"

	"github.com/heapdive/heapdive/heap"
	"github.com/heapdive/heapdive/pin"
	"github.com/heapdive/heapdive/types"
)

type zone struct {
	Name  string
	Level int
}

type player struct {
	Name  string
	Score int
	Zone  *zone
}

type world struct {
	Players []*player
	Title   string
}

const playerType = "github.com/heapdive/heapdive/resolve.player"

func newRuntime(t *testing.T) (*Runtime, *world, *pin.Table) {
	t.Helper()
	reg := heap.NewRegistry()
	w := &world{
		Players: []*player{
			{Name: "thrall", Score: 100, Zone: &zone{Name: "durotar", Level: 5}},
			{Name: "jaina", Score: 200, Zone: &zone{Name: "ashenvale", Level: 20}},
		},
		Title: "azeroth",
	}
	if err := reg.RegisterRoot("game", "world", w); err != nil {
		t.Fatalf("RegisterRoot: %v", err)
	}
	pins := pin.NewTable(64)
	rt, err := Attach(reg, pins, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() {
		rt.Dispose()
		pins.Close()
	})
	return rt, w, pins
}

func TestStateMachine(t *testing.T) {
	rt, w, _ := newRuntime(t)
	if rt.State() != Attached {
		t.Fatalf("state = %v after attach, want attached", rt.State())
	}
	rt.Dispose()
	if rt.State() != Disposed {
		t.Fatalf("state = %v after dispose, want disposed", rt.State())
	}
	rt.Dispose() // idempotent
	if _, _, err := rt.EnumerateHeap("", false); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("EnumerateHeap on disposed session = %v, want ErrSessionClosed", err)
	}
	if _, _, err := rt.GetObject(1, false, "", nil); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("GetObject on disposed session = %v, want ErrSessionClosed", err)
	}
	runtime.KeepAlive(w)
}

func TestAddressResolutionConsistency(t *testing.T) {
	rt, w, _ := newRuntime(t)
	ix, _, err := rt.EnumerateHeap(playerType, false)
	if err != nil {
		t.Fatalf("EnumerateHeap: %v", err)
	}
	if len(ix.Objects()) != 2 {
		t.Fatalf("got %d players, want 2", len(ix.Objects()))
	}
	for _, d := range ix.Objects() {
		want, _ := d.Ref.Get()
		got, addr, err := rt.GetObject(d.Address, false, d.TypeName, nil)
		if err != nil {
			t.Fatalf("GetObject(0x%x): %v", d.Address, err)
		}
		if got.(*player) != want.(*player) {
			t.Errorf("GetObject(0x%x) returned a different object", d.Address)
		}
		if addr != d.Address {
			t.Errorf("unpinned resolve changed the address: 0x%x -> 0x%x", d.Address, addr)
		}
	}
	runtime.KeepAlive(w)
}

func TestGetObjectTypeMismatchWithoutHash(t *testing.T) {
	rt, w, _ := newRuntime(t)
	ix, _, err := rt.EnumerateHeap(playerType, false)
	if err != nil {
		t.Fatalf("EnumerateHeap: %v", err)
	}
	addr := ix.Objects()[0].Address
	_, _, err = rt.GetObject(addr, false, "some.other.Type", nil)
	if !errors.Is(err, types.ErrObjectMoved) {
		t.Errorf("type mismatch without hash = %v, want ErrObjectMoved", err)
	}
	runtime.KeepAlive(w)
}

func TestMovedObjectFallbackViaIdentityHash(t *testing.T) {
	rt, w, _ := newRuntime(t)
	if _, _, err := rt.EnumerateHeap("", false); err != nil {
		t.Fatalf("EnumerateHeap: %v", err)
	}
	hash, err := heap.IdentityHash(w.Players[1])
	if err != nil {
		t.Fatalf("IdentityHash: %v", err)
	}

	// A stale address that was never enumerated stands in for an object
	// that moved between snapshots.
	const staleAddr = 0xdead0000
	if _, _, err := rt.GetObject(staleAddr, false, playerType, nil); !errors.Is(err, types.ErrObjectMoved) {
		t.Fatalf("stale address without hash = %v, want ErrObjectMoved", err)
	}

	got, _, err := rt.GetObject(staleAddr, false, playerType, &hash)
	if err != nil {
		t.Fatalf("stale address with hash: %v", err)
	}
	if got.(*player) != w.Players[1] {
		t.Error("identity-hash fallback recovered the wrong object")
	}

	// A hash matching nothing exhausts the candidates.
	bogus := hash ^ 0xffff
	if _, _, err := rt.GetObject(staleAddr, false, playerType, &bogus); !errors.Is(err, types.ErrObjectMoved) {
		t.Errorf("bogus hash = %v, want ErrObjectMoved (exhausted)", err)
	}
	runtime.KeepAlive(w)
}

func TestGetObjectPinsOnRequest(t *testing.T) {
	rt, w, pins := newRuntime(t)
	ix, _, err := rt.EnumerateHeap(playerType, false)
	if err != nil {
		t.Fatalf("EnumerateHeap: %v", err)
	}
	d := ix.Objects()[0]
	obj, pinned, err := rt.GetObject(d.Address, true, d.TypeName, nil)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got, ok := pins.TryResolve(pinned); !ok || got.(*player) != obj.(*player) {
		t.Error("pinned handle does not resolve through the pin table")
	}

	// Pinned fast path survives a refresh that invalidates the index.
	if err := rt.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	again, addr2, err := rt.GetObject(pinned, false, d.TypeName, nil)
	if err != nil {
		t.Fatalf("GetObject after refresh: %v", err)
	}
	if again.(*player) != obj.(*player) || addr2 != pinned {
		t.Error("pinned fast path lost the object across refresh")
	}
	runtime.KeepAlive(w)
}

func TestResolveType(t *testing.T) {
	rt, w, _ := newRuntime(t)
	// No pass has run yet; ResolveType must trigger its own discovery.
	ti, err := rt.ResolveType(playerType, "")
	if err != nil {
		t.Fatalf("ResolveType: %v", err)
	}
	if ti.Domain != "game" {
		t.Errorf("domain = %q, want game", ti.Domain)
	}
	// Cached second lookup.
	if _, err := rt.ResolveType(playerType, ""); err != nil {
		t.Fatalf("cached ResolveType: %v", err)
	}
	if _, err := rt.ResolveType("no.such.Type", ""); !errors.Is(err, types.ErrTypeNotFound) {
		t.Errorf("unknown type = %v, want ErrTypeNotFound", err)
	}
	runtime.KeepAlive(w)
}

func TestResolveTypeRefusedAfterDispose(t *testing.T) {
	rt, w, _ := newRuntime(t)
	// Warm the cache so the post-dispose lookup would hit it.
	if _, err := rt.ResolveType(playerType, ""); err != nil {
		t.Fatalf("ResolveType: %v", err)
	}
	rt.Dispose()
	if _, err := rt.ResolveType(playerType, ""); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("ResolveType after Dispose = %v, want ErrSessionClosed", err)
	}
	runtime.KeepAlive(w)
}

func TestFilteredPassMergesIntoIndex(t *testing.T) {
	rt, w, _ := newRuntime(t)
	full, _, err := rt.EnumerateHeap("", false)
	if err != nil {
		t.Fatalf("EnumerateHeap: %v", err)
	}
	if _, _, err := rt.EnumerateHeap(playerType, true); err != nil {
		t.Fatalf("filtered EnumerateHeap: %v", err)
	}
	// Addresses outside the filter must still resolve.
	for _, d := range full.Objects() {
		if _, _, err := rt.GetObject(d.Address, false, d.TypeName, nil); err != nil {
			t.Errorf("GetObject(0x%x %s) after filtered pass: %v", d.Address, d.TypeName, err)
		}
	}
	runtime.KeepAlive(w)
}
