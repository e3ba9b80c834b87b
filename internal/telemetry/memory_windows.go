//go:build windows

package telemetry

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// MemoryStatus samples system physical memory via GlobalMemoryStatusEx.
func MemoryStatus() MemoryInfo {
	var ms windows.MemoryStatusEx
	ms.Length = uint32(unsafe.Sizeof(ms))
	if err := windows.GlobalMemoryStatusEx(&ms); err != nil {
		return MemoryInfo{}
	}
	info := MemoryInfo{
		Total:     ms.TotalPhys,
		Available: ms.AvailPhys,
		Percent:   int(ms.MemoryLoad),
	}
	if info.Total > info.Available {
		info.Used = info.Total - info.Available
	}
	return info
}

// ProcessMemory samples a process's working set and commit charge.
func ProcessMemory(pid int) ProcessMemoryInfo {
	if pid <= 0 {
		return ProcessMemoryInfo{}
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, uint32(pid))
	if err != nil {
		return ProcessMemoryInfo{}
	}
	defer windows.CloseHandle(h)

	var pmc windows.PROCESS_MEMORY_COUNTERS
	if err := windows.GetProcessMemoryInfo(h, &pmc, uint32(unsafe.Sizeof(pmc))); err != nil {
		return ProcessMemoryInfo{}
	}
	// PagefileUsage is the process commit charge, the closest available
	// stand-in for private bytes without the EX counters struct.
	return ProcessMemoryInfo{
		RSS:     uint64(pmc.WorkingSetSize),
		Private: uint64(pmc.PagefileUsage),
	}
}
