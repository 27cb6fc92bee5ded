package hook

import (
	"sync"
	"testing"
)

func TestEmitterDeliversToHandlers(t *testing.T) {
	e := NewEmitter("ZoneChanged", "LevelUp")
	var got []string
	remove, err := e.AddEventHandler("ZoneChanged", func(sender, args any) {
		got = append(got, args.(string))
	})
	if err != nil {
		t.Fatalf("AddEventHandler: %v", err)
	}

	e.Emit("ZoneChanged", nil, "ashenvale")
	e.Emit("LevelUp", nil, "ignored")
	e.Emit("ZoneChanged", nil, "durotar")

	if len(got) != 2 || got[0] != "ashenvale" || got[1] != "durotar" {
		t.Errorf("got %v, want [ashenvale durotar]", got)
	}

	remove()
	e.Emit("ZoneChanged", nil, "after-detach")
	if len(got) != 2 {
		t.Error("handler still firing after detach")
	}
}

func TestEmitterRejectsUnknownEvent(t *testing.T) {
	e := NewEmitter("A")
	if _, err := e.AddEventHandler("B", func(any, any) {}); err == nil {
		t.Error("expected error for unknown event name")
	}
}

func TestRegistryPositions(t *testing.T) {
	r := NewRegistry()
	counts := map[Position]int{}
	var mu sync.Mutex
	record := func(pos Position) InterceptFunc {
		return func(_, _ string, at Position, _ []any) {
			mu.Lock()
			counts[pos]++
			mu.Unlock()
		}
	}
	removeEntry, err := r.Install("game.Player", "TakeDamage", Entry, record(Entry))
	if err != nil {
		t.Fatalf("Install entry: %v", err)
	}
	if _, err := r.Install("game.Player", "TakeDamage", Exit, record(Exit)); err != nil {
		t.Fatalf("Install exit: %v", err)
	}
	if _, err := r.Install("game.Player", "TakeDamage", Around, record(Around)); err != nil {
		t.Fatalf("Install around: %v", err)
	}

	r.Enter("game.Player", "TakeDamage", 10)
	r.Exit("game.Player", "TakeDamage", true)

	if counts[Entry] != 1 {
		t.Errorf("entry fired %d times, want 1", counts[Entry])
	}
	if counts[Exit] != 1 {
		t.Errorf("exit fired %d times, want 1", counts[Exit])
	}
	if counts[Around] != 2 {
		t.Errorf("around fired %d times, want 2 (entry+exit)", counts[Around])
	}

	removeEntry()
	r.Enter("game.Player", "TakeDamage", 10)
	if counts[Entry] != 1 {
		t.Error("removed entry hook still firing")
	}
	if !r.Installed("game.Player", "TakeDamage") {
		t.Error("Installed false while exit/around hooks remain")
	}
}

func TestRegistryUnknownPosition(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Install("T", "M", Position("sideways"), func(string, string, Position, []any) {}); err == nil {
		t.Error("expected error for unknown position")
	}
}

func TestRegistryIsolatesMethods(t *testing.T) {
	r := NewRegistry()
	fired := 0
	r.Install("T", "A", Entry, func(string, string, Position, []any) { fired++ })
	r.Enter("T", "B")
	r.Enter("Other", "A")
	if fired != 0 {
		t.Errorf("hook leaked across method identities: fired %d times", fired)
	}
	r.Enter("T", "A")
	if fired != 1 {
		t.Errorf("hook on own method fired %d times, want 1", fired)
	}
}
