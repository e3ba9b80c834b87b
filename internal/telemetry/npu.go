package telemetry

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// Environment knobs for the NPU monitor.
const (
	// EnvNPUCounterPath pins the performance counter path, skipping
	// discovery entirely.
	EnvNPUCounterPath = "IDLE_NPU_COUNTER_PATH"

	// EnvNPUFastTimeout bounds each discovery probe, in seconds.
	EnvNPUFastTimeout = "IDLE_NPU_MONITOR_FAST_TIMEOUT"

	// EnvNPUDeepScan enables enumerating the full counter list when the
	// known candidates all fail.
	EnvNPUDeepScan = "IDLE_NPU_MONITOR_DEEP_SCAN"

	// EnvNPURetryInterval is the pause between discovery rounds, in
	// seconds.
	EnvNPURetryInterval = "IDLE_NPU_MONITOR_RETRY_INTERVAL"
)

// NPUSample is one utilization reading.
type NPUSample struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}

// NPUStatus is the monitor snapshot served to clients.
type NPUStatus struct {
	Available bool        `json:"available"`
	Searching bool        `json:"searching"`
	Current   float64     `json:"current"`
	History   []NPUSample `json:"history"`
}

// NPUMonitor samples NPU utilization from Windows performance counters.
// Counter discovery is heuristic: driver generations disagree about the
// counter set name, so a background search probes candidates until one
// responds, retrying on an interval. On other platforms the monitor is
// permanently unavailable. Clients must treat the utilization series as
// optional.
type NPUMonitor struct {
	mu          sync.Mutex
	available   bool
	searching   bool
	running     bool
	current     float64
	history     []NPUSample
	counterPath string
	stop        chan struct{}

	historySize int
	sampleEvery time.Duration
	supported   bool

	fastTimeout   time.Duration
	deepScan      bool
	retryInterval time.Duration

	// Probe seams; the platform files install the real ones.
	find  func(stop <-chan struct{}) string
	probe func(path string, timeout time.Duration) (float64, bool)
}

const (
	npuHistorySize = 60
	npuSampleEvery = time.Second
	npuReadTimeout = 6 * time.Second
)

// NewNPUMonitor returns a stopped monitor with a 60-sample history window.
func NewNPUMonitor() *NPUMonitor {
	m := &NPUMonitor{
		historySize:   npuHistorySize,
		sampleEvery:   npuSampleEvery,
		supported:     npuProbeSupported,
		fastTimeout:   time.Duration(parseIntEnv(EnvNPUFastTimeout, 2)) * time.Second,
		deepScan:      parseBoolEnv(EnvNPUDeepScan, true),
		retryInterval: time.Duration(parseIntEnv(EnvNPURetryInterval, 10)) * time.Second,
	}
	if m.fastTimeout < time.Second {
		m.fastTimeout = time.Second
	}
	if m.retryInterval < time.Second {
		m.retryInterval = time.Second
	}
	m.find = m.findCounter
	m.probe = m.probeCounter
	return m
}

// Start launches counter discovery unless the monitor is already running
// or searching. It returns the current availability, which on a first call
// is false until the background search lands.
func (m *NPUMonitor) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.searching {
		return m.available
	}
	if !m.supported {
		return false
	}
	m.available = false
	m.counterPath = ""
	m.searching = true
	m.stop = make(chan struct{})
	go m.searchLoop(m.stop)
	return m.available
}

// Stop halts sampling and any in-flight search. Safe to call repeatedly.
func (m *NPUMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.running = false
	m.searching = false
}

// Available reports whether a readable counter was found.
func (m *NPUMonitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Searching reports whether counter discovery is still in flight.
func (m *NPUMonitor) Searching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searching
}

// Current returns the latest utilization percentage.
func (m *NPUMonitor) Current() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of the utilization ring, oldest first.
func (m *NPUMonitor) History() []NPUSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NPUSample, len(m.history))
	copy(out, m.history)
	return out
}

// Status returns one coherent snapshot for the status endpoints.
func (m *NPUMonitor) Status() NPUStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := make([]NPUSample, len(m.history))
	copy(hist, m.history)
	return NPUStatus{
		Available: m.available,
		Searching: m.searching,
		Current:   m.current,
		History:   hist,
	}
}

// stillCurrent reports whether stop is the live session channel; a false
// result means Stop or a restart superseded this goroutine. Callers must
// hold m.mu.
func (m *NPUMonitor) stillCurrent(stop <-chan struct{}) bool {
	return m.stop != nil && m.stop == stop
}

func (m *NPUMonitor) searchLoop(stop <-chan struct{}) {
	for {
		path := m.find(stop)

		m.mu.Lock()
		if !m.stillCurrent(stop) {
			m.mu.Unlock()
			return
		}
		if path != "" {
			m.counterPath = path
			m.available = true
			m.searching = false
			m.running = true
			m.mu.Unlock()
			L_info("npu: counter found", "path", path)
			m.monitorLoop(stop, path)
			return
		}
		m.mu.Unlock()

		L_debug("npu: no performance counter found, retrying")
		select {
		case <-stop:
			return
		case <-time.After(m.retryInterval):
		}
	}
}

func (m *NPUMonitor) monitorLoop(stop <-chan struct{}, path string) {
	ticker := time.NewTicker(m.sampleEvery)
	defer ticker.Stop()
	for {
		v, ok := m.probe(path, npuReadTimeout)
		if !ok {
			v = 0
		}

		m.mu.Lock()
		if !m.stillCurrent(stop) {
			m.mu.Unlock()
			return
		}
		m.current = v
		m.history = append(m.history, NPUSample{
			Time:  float64(time.Now().UnixNano()) / 1e9,
			Value: v,
		})
		if len(m.history) > m.historySize {
			m.history = m.history[len(m.history)-m.historySize:]
		}
		m.mu.Unlock()

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func parseBoolEnv(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func parseIntEnv(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// parseTypeperfSample extracts a utilization value from `typeperf -sc 1`
// CSV output. Multi-instance counters report one column per engine: GPU
// Engine paths take the busiest instance, dedicated NPU sets average
// across engines. The value is clamped to 0-100.
func parseTypeperfSample(stdout, counterPath string) (float64, bool) {
	for _, marker := range []string{"Error:", "错误", "No valid counters"} {
		if strings.Contains(stdout, marker) {
			return 0, false
		}
	}
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return 0, false
	}
	for i := len(lines) - 1; i >= 0; i-- {
		rec, err := csv.NewReader(strings.NewReader(lines[i])).Read()
		if err != nil || len(rec) < 2 {
			continue
		}
		var vals []float64
		for _, cell := range rec[1:] {
			if v, perr := strconv.ParseFloat(strings.TrimSpace(cell), 64); perr == nil {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		var value float64
		if strings.Contains(strings.ToLower(counterPath), `\gpu engine`) {
			for _, v := range vals {
				if v > value {
					value = v
				}
			}
		} else {
			for _, v := range vals {
				value += v
			}
			value /= float64(len(vals))
		}
		if value < 0 {
			value = 0
		}
		if value > 100 {
			value = 100
		}
		return value, true
	}
	return 0, false
}

// normalizeTypeperfPath strips the leading \\machine prefix that
// `typeperf -qx` prints so the path can be queried locally.
func normalizeTypeperfPath(line string) string {
	if strings.HasPrefix(line, `\\`) {
		parts := strings.SplitN(line, `\`, 4)
		if len(parts) >= 4 {
			return `\` + parts[3]
		}
	}
	return line
}
