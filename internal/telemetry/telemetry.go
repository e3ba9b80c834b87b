// Package telemetry samples system memory, per-process memory, and (on
// Windows) NPU utilization counters for the status endpoints. Everything
// here is best-effort: platforms or processes we cannot read report zeros
// rather than errors.
package telemetry

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// MemoryInfo is a system-wide physical memory snapshot in bytes.
type MemoryInfo struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
	Used      uint64 `json:"used"`
	Percent   int    `json:"percent"`
}

// ProcessMemoryInfo is one process's memory footprint in bytes. Private is
// only populated on platforms that report a commit-charge figure.
type ProcessMemoryInfo struct {
	RSS     uint64 `json:"rss"`
	Private uint64 `json:"private"`
}

// parseMemInfo reads /proc/meminfo-format data. Values are kB on disk and
// returned in bytes. MemAvailable falls back to MemFree on old kernels.
func parseMemInfo(r io.Reader) MemoryInfo {
	fields := make(map[string]uint64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		fields[key] = n * 1024
	}

	total := fields["MemTotal"]
	available, ok := fields["MemAvailable"]
	if !ok {
		available = fields["MemFree"]
	}
	var used uint64
	if total > available {
		used = total - available
	}
	var percent int
	if total > 0 {
		percent = int(float64(used) / float64(total) * 100)
	}
	return MemoryInfo{Total: total, Available: available, Used: used, Percent: percent}
}

// parseVmRSS extracts the resident set size in bytes from /proc/<pid>/status
// content.
func parseVmRSS(r io.Reader) uint64 {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		parts := strings.Fields(line[len("VmRSS:"):])
		if len(parts) == 0 {
			return 0
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return 0
		}
		return n * 1024
	}
	return 0
}
