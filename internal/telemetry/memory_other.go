//go:build !linux && !windows

package telemetry

// MemoryStatus reports zeros on platforms without a supported sampler.
func MemoryStatus() MemoryInfo { return MemoryInfo{} }

// ProcessMemory reports zeros on platforms without a supported sampler.
func ProcessMemory(pid int) ProcessMemoryInfo { return ProcessMemoryInfo{} }
