//go:build linux

package telemetry

import (
	"fmt"
	"os"
)

// MemoryStatus samples system physical memory from /proc/meminfo.
func MemoryStatus() MemoryInfo {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return MemoryInfo{}
	}
	defer f.Close()
	return parseMemInfo(f)
}

// ProcessMemory samples a process's resident set from /proc/<pid>/status.
// Linux has no cheap commit-charge counter, so Private stays zero.
func ProcessMemory(pid int) ProcessMemoryInfo {
	if pid <= 0 {
		return ProcessMemoryInfo{}
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return ProcessMemoryInfo{}
	}
	defer f.Close()
	return ProcessMemoryInfo{RSS: parseVmRSS(f)}
}
