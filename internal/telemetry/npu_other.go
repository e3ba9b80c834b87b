//go:build !windows

package telemetry

import "time"

// NPU performance counters only exist on Windows; everywhere else the
// monitor reports permanently unavailable.
const npuProbeSupported = false

func (m *NPUMonitor) findCounter(stop <-chan struct{}) string { return "" }

func (m *NPUMonitor) probeCounter(path string, timeout time.Duration) (float64, bool) {
	return 0, false
}
