//go:build !linux

package snapshot

import "log"

// captureRegions is only implemented for Linux. Other platforms get an
// empty snapshot so the rest of the engine (pin/resolve, protocol) still
// operates; raw address reads simply report unmapped.
func captureRegions(pid int, maxBytes uint64) ([]Region, func() error, error) {
	log.Printf("Warning: process image capture not supported on this platform")
	return nil, nil, nil
}
