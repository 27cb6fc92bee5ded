//go:build linux

package snapshot

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// captureRegions copies the readable private mappings of pid out of
// /proc/<pid>/mem. Regions that refuse reads (guard pages, vvar and
// friends) are skipped rather than failing the capture.
func captureRegions(pid int, maxBytes uint64) ([]Region, func() error, error) {
	if pid == 0 {
		pid = os.Getpid()
	}
	maps, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open maps: %v", err)
	}
	defer maps.Close()

	memFD, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), unix.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mem: %v", err)
	}
	closer := func() error { return unix.Close(memFD) }

	var regions []Region
	var captured uint64
	scanner := bufio.NewScanner(maps)
	for scanner.Scan() {
		start, end, perms, ok := parseMapsLine(scanner.Text())
		if !ok || !wantRegion(scanner.Text(), perms) {
			continue
		}
		size := end - start
		if captured+size > maxBytes {
			log.Printf("Warning: capture cap reached at 0x%x, dropping remaining regions", start)
			break
		}
		buf := make([]byte, size)
		n, err := unix.Pread(memFD, buf, int64(start))
		if err != nil || n == 0 {
			// Unreadable mapping; common for guard pages. Skip it.
			continue
		}
		regions = append(regions, Region{Start: start, End: start + uint64(n), Perms: perms, Data: buf[:n]})
		captured += uint64(n)
	}
	if err := scanner.Err(); err != nil {
		unix.Close(memFD)
		return nil, nil, fmt.Errorf("failed to scan maps: %v", err)
	}
	return regions, closer, nil
}

// parseMapsLine splits one /proc/pid/maps line into its address range and
// permission string.
func parseMapsLine(line string) (start, end uint64, perms string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, "", false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return 0, 0, "", false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return 0, 0, "", false
	}
	end, err = strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return 0, 0, "", false
	}
	return start, end, fields[1], true
}

// wantRegion keeps readable private anonymous mappings and the legacy
// [heap] segment; file-backed and special kernel mappings carry no heap
// objects.
func wantRegion(line, perms string) bool {
	if !strings.HasPrefix(perms, "r") || !strings.HasSuffix(perms, "p") {
		return false
	}
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return true // anonymous
	}
	path := fields[len(fields)-1]
	if path == "[heap]" {
		return true
	}
	return !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "[")
}
