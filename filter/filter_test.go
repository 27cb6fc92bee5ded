package filter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const zoneRule = `
title: Zone change notifications
id: zone-change-filter
logsource:
  product: heapdive
detection:
  selection:
    Event: ZoneChanged
  condition: selection
`

const scoreRule = `
title: High score mute
id: high-score-mute
logsource:
  product: heapdive
detection:
  selection:
    Event: ScoreChanged
  condition: selection
`

func TestCompileAndMatch(t *testing.T) {
	r, err := Compile(zoneRule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if r.ID != "zone-change-filter" {
		t.Errorf("ID = %q", r.ID)
	}
	ctx := context.Background()
	if !r.Match(ctx, map[string]interface{}{"Event": "ZoneChanged", "Arg0": "durotar"}) {
		t.Error("rule did not match its own event")
	}
	if r.Match(ctx, map[string]interface{}{"Event": "LevelUp"}) {
		t.Error("rule matched an unrelated event")
	}
}

func TestCompileRejectsGarbage(t *testing.T) {
	if _, err := Compile(":::not yaml"); err == nil {
		t.Error("expected parse error")
	}
}

func TestStoreLoadsAndMutes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mute.yml"), []byte(scoreRule), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
	ctx := context.Background()
	if !s.Muted(ctx, map[string]interface{}{"Event": "ScoreChanged"}) {
		t.Error("matching delivery not muted")
	}
	if s.Muted(ctx, map[string]interface{}{"Event": "ZoneChanged"}) {
		t.Error("non-matching delivery muted")
	}
}

func TestStoreHotReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	if s.Count() != 0 {
		t.Fatalf("Count = %d for empty dir, want 0", s.Count())
	}

	if err := os.WriteFile(filepath.Join(dir, "mute.yaml"), []byte(scoreRule), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Count() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if s.Count() != 1 {
		t.Fatalf("rule file not picked up by watcher")
	}
}
