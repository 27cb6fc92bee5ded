//go:build linux
// +build linux

package nativehook

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

var memlockOnce sync.Once

// counter is one attached uprobe: a single-slot array map the probe
// program atomically increments on every entry.
type counter struct {
	counts *ebpf.Map
	prog   *ebpf.Program
	lnk    link.Link
	last   uint64
}

func (c *counter) read() (uint64, error) {
	var v uint64
	if err := c.counts.Lookup(uint32(0), &v); err != nil {
		return 0, fmt.Errorf("failed to read counter: %v", err)
	}
	return v, nil
}

func (c *counter) close() {
	if c.lnk != nil {
		c.lnk.Close()
	}
	if c.prog != nil {
		c.prog.Close()
	}
	if c.counts != nil {
		c.counts.Close()
	}
}

// counterProgram builds the probe body: look up slot 0 and atomically add 1.
func counterProgram(counts *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Imm(asm.R0, 0),
		asm.StoreMem(asm.RFP, -4, asm.R0, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, counts.FD()),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}

// Tracer attaches entry counters to symbols of one executable and polls
// them, reporting increments through onEntry.
type Tracer struct {
	exe     *link.Executable
	onEntry EntryFunc

	mu       sync.Mutex
	counters map[string]*counter
	closed   bool
}

// NewTracer opens the executable for uprobe attachment. Needs CAP_BPF (or
// root); the memlock rlimit is lifted on first use.
func NewTracer(execPath string, onEntry EntryFunc) (*Tracer, error) {
	var rlimitErr error
	memlockOnce.Do(func() { rlimitErr = rlimit.RemoveMemlock() })
	if rlimitErr != nil {
		return nil, fmt.Errorf("failed to remove memlock rlimit: %v", rlimitErr)
	}
	exe, err := link.OpenExecutable(execPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for uprobes: %v", execPath, err)
	}
	return &Tracer{exe: exe, onEntry: onEntry, counters: make(map[string]*counter)}, nil
}

// Attach installs an entry counter on symbol. Idempotent.
func (t *Tracer) Attach(symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("tracer closed")
	}
	if _, ok := t.counters[symbol]; ok {
		return nil
	}

	c := &counter{}
	var err error
	c.counts, err = ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create counter map: %v", err)
	}
	c.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.Kprobe,
		License:      "Dual MIT/GPL",
		Instructions: counterProgram(c.counts),
	})
	if err != nil {
		c.close()
		return fmt.Errorf("failed to load counter program: %v", err)
	}
	c.lnk, err = t.exe.Uprobe(symbol, c.prog, nil)
	if err != nil {
		c.close()
		return fmt.Errorf("failed to attach uprobe to %s: %v", symbol, err)
	}

	t.counters[symbol] = c
	log.Printf("uprobe entry counter attached to %s", symbol)
	return nil
}

// Detach removes the counter for symbol, if any.
func (t *Tracer) Detach(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[symbol]; ok {
		c.close()
		delete(t.counters, symbol)
	}
}

// Counts returns the current totals per attached symbol.
func (t *Tracer) Counts() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.counters))
	for sym, c := range t.counters {
		v, err := c.read()
		if err != nil {
			continue
		}
		out[sym] = v
	}
	return out
}

// Start polls the attached counters until ctx is cancelled, invoking
// onEntry once per observed increment so callers see every entry.
func (t *Tracer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.poll()
			}
		}
	}()
}

func (t *Tracer) poll() {
	t.mu.Lock()
	type hit struct {
		sym   string
		from  uint64
		total uint64
	}
	var hits []hit
	for sym, c := range t.counters {
		v, err := c.read()
		if err != nil || v == c.last {
			continue
		}
		hits = append(hits, hit{sym: sym, from: c.last, total: v})
		c.last = v
	}
	onEntry := t.onEntry
	t.mu.Unlock()

	if onEntry == nil {
		return
	}
	for _, h := range hits {
		for n := h.from + 1; n <= h.total; n++ {
			onEntry(h.sym, n)
		}
	}
}

// Close detaches every counter.
func (t *Tracer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for sym, c := range t.counters {
		c.close()
		delete(t.counters, sym)
	}
}
