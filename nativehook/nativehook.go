// Package nativehook counts entries into native symbols of the target's own
// executable using eBPF uprobes. It covers the symbols the reflection-based
// hook registry cannot see; the diver polls the counters and feeds deltas
// into the normal interception fan-out.
package nativehook

import "time"

// EntryFunc receives one polled increment: the hooked symbol and its total
// entry count so far.
type EntryFunc func(symbol string, count uint64)

// DefaultPollInterval is how often attached counters are sampled.
const DefaultPollInterval = 100 * time.Millisecond
