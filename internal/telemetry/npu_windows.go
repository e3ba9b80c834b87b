//go:build windows

package telemetry

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

const npuProbeSupported = true

// npuCounterCandidates are the counter paths Intel NPU drivers have shipped
// under, most common first.
var npuCounterCandidates = []string{
	`\NPU Engine(*)\Utilization Percentage`,
	`\NPU Engine(*)\Running Time`,
	`\Intel(R) NPU Engine(*)\Utilization Percentage`,
	`\Intel(R) NPU Engine(*)\Running Time`,
	`\Neural Processing Unit(*)\Utilization Percentage`,
	`\Neural Processor(*)\Utilization Percentage`,
	`\AI Processor(*)\Utilization Percentage`,
}

// findCounter locates a readable NPU counter: the env override wins, then
// the known candidates, then a full counter-list scan when enabled.
func (m *NPUMonitor) findCounter(stop <-chan struct{}) string {
	if env := strings.TrimSpace(os.Getenv(EnvNPUCounterPath)); env != "" {
		return env
	}
	for _, path := range npuCounterCandidates {
		select {
		case <-stop:
			return ""
		default:
		}
		if _, ok := m.probe(path, m.fastTimeout); ok {
			return path
		}
	}
	if !m.deepScan {
		return ""
	}
	return m.deepScanCounters(stop)
}

// probeCounter samples path once through typeperf.
func (m *NPUMonitor) probeCounter(path string, timeout time.Duration) (float64, bool) {
	stdout, stderr, err := runTypeperf(timeout, path, "-sc", "1")
	if err != nil {
		return 0, false
	}
	for _, marker := range []string{"Error:", "错误", "No valid counters"} {
		if strings.Contains(stderr, marker) {
			return 0, false
		}
	}
	return parseTypeperfSample(stdout, path)
}

// deepScanCounters enumerates every installed counter and picks one that
// names an NPU, preferring utilization-style counters.
func (m *NPUMonitor) deepScanCounters(stop <-chan struct{}) string {
	select {
	case <-stop:
		return ""
	default:
	}
	stdout, _, err := runTypeperf(12*time.Second, "-qx")
	if err != nil {
		return ""
	}
	var matches []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "npu") ||
			strings.Contains(lower, "neural") ||
			strings.Contains(lower, "ai processor") {
			matches = append(matches, line)
		}
	}
	for _, line := range matches {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "utilization") ||
			strings.Contains(lower, "usage") ||
			strings.Contains(lower, "running") {
			return normalizeTypeperfPath(line)
		}
	}
	if len(matches) > 0 {
		return normalizeTypeperfPath(matches[0])
	}
	return ""
}

// runTypeperf executes typeperf without flashing a console window.
func runTypeperf(timeout time.Duration, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "typeperf", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
