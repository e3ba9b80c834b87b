//go:build linux

package telemetry

import (
	"os"
	"testing"
)

func TestMemoryStatusLive(t *testing.T) {
	info := MemoryStatus()
	if info.Total == 0 {
		t.Fatal("total = 0, want > 0 on linux")
	}
	if info.Percent < 0 || info.Percent > 100 {
		t.Fatalf("percent = %d, want 0..100", info.Percent)
	}
}

func TestProcessMemorySelf(t *testing.T) {
	info := ProcessMemory(os.Getpid())
	if info.RSS == 0 {
		t.Fatal("rss = 0, want > 0 for the test process")
	}
}

func TestProcessMemoryInvalidPID(t *testing.T) {
	if info := ProcessMemory(0); info != (ProcessMemoryInfo{}) {
		t.Fatalf("info = %+v, want zeros", info)
	}
	if info := ProcessMemory(-4); info != (ProcessMemoryInfo{}) {
		t.Fatalf("info = %+v, want zeros", info)
	}
}
