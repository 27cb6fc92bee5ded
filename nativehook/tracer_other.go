//go:build !linux
// +build !linux

// Stub implementation for platforms without eBPF so the diver builds and
// reports a clean failure when a native hook is requested.

package nativehook

import (
	"context"
	"fmt"
	"time"
)

// Tracer is unavailable off Linux.
type Tracer struct{}

// NewTracer always fails on this platform.
func NewTracer(execPath string, onEntry EntryFunc) (*Tracer, error) {
	return nil, fmt.Errorf("native hooks require linux eBPF support")
}

func (t *Tracer) Attach(symbol string) error {
	return fmt.Errorf("native hooks require linux eBPF support")
}

func (t *Tracer) Detach(symbol string) {}

func (t *Tracer) Counts() map[string]uint64 { return nil }

func (t *Tracer) Start(ctx context.Context, interval time.Duration) {}

func (t *Tracer) Close() {}
