// Package supervisor owns the inference worker subprocess: on-demand spawn,
// command dispatch over stdin, event demultiplexing from stdout, and crash
// recovery. The worker runs in its own process so a native inference crash
// never takes the host down with it.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/idlenpu/internal/events"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/session"
	"github.com/roelfdiedericks/idlenpu/internal/telemetry"
)

const (
	defaultLoadTimeout = 300 * time.Second
	defaultLoadPoll    = 500 * time.Millisecond
	defaultGrace       = 1 * time.Second // exit wait after shutdown or kill
	stderrLines        = 50              // lines kept for crash.log
)

// processMemory is swappable in tests.
var processMemory = telemetry.ProcessMemory

// LoadRequest names the model the host wants resident in the worker.
type LoadRequest struct {
	Source       string
	ModelID      string
	Dir          string
	Device       string
	MaxPromptLen int
}

// LoadResult reports what actually got loaded.
type LoadResult struct {
	Path   string
	Device string
	Kind   string
}

// Status is the model/process snapshot served by the status endpoints.
type Status struct {
	Loaded        bool                        `json:"loaded"`
	Path          string                      `json:"path"`
	Device        string                      `json:"device"`
	Kind          string                      `json:"kind"`
	PID           int                         `json:"pid"`
	Memory        telemetry.ProcessMemoryInfo `json:"memory"`
	Loading       bool                        `json:"loading"`
	LoadStage     string                      `json:"load_stage"`
	LoadMessage   string                      `json:"load_message"`
	LoadStartedAt float64                     `json:"load_started_at"`
}

// Supervisor manages the worker subprocess and multiplexes its event stream
// between the pending load call and the active generation. At most one load
// and one generation are in flight at any time.
type Supervisor struct {
	dataDir string
	logPath string // worker stderr is appended here
	binary  string
	spawn   func() (*childProc, error)

	loadTimeout time.Duration
	loadPoll    time.Duration
	grace       time.Duration

	mu      sync.Mutex
	proc    *childProc
	devices []string

	loading       bool
	loadStage     string
	loadMessage   string
	loadStartedAt time.Time
	loadDone      chan struct{}
	loadOutcome   *loadOutcome

	generating bool
	job        *events.Stream

	modelLoaded bool
	modelPath   string
	device      string
	kind        string
}

type loadOutcome struct {
	ok  bool
	err string
}

// New returns a supervisor that spawns `<self> worker` children. Worker
// stderr is appended to runtimeLog; crash reports land in dataDir/crash.log.
func New(dataDir, runtimeLog string) *Supervisor {
	binary, _ := os.Executable()
	s := &Supervisor{
		dataDir:     dataDir,
		logPath:     runtimeLog,
		binary:      binary,
		loadTimeout: defaultLoadTimeout,
		loadPoll:    defaultLoadPoll,
		grace:       defaultGrace,
	}
	s.spawn = s.spawnProcess
	return s
}

// Load makes the requested model resident in the worker and blocks until it
// is ready, the load fails, or the deadline passes. Rejected while a
// generation is running.
func (s *Supervisor) Load(req LoadRequest) (LoadResult, error) {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return LoadResult{}, errors.New("Generation in progress")
	}
	if s.loading {
		s.mu.Unlock()
		return LoadResult{}, errors.New("Load already in progress")
	}
	if err := s.ensureWorkerLocked(); err != nil {
		s.mu.Unlock()
		return LoadResult{}, err
	}
	proc := s.proc
	s.loadDone = make(chan struct{})
	s.loadOutcome = nil
	s.modelPath = req.Dir
	s.loading = true
	s.loadStage = "start"
	s.loadMessage = ""
	s.loadStartedAt = time.Now()
	done := s.loadDone
	s.mu.Unlock()

	L_info("supervisor: load requested", "path", req.Dir, "device", req.Device, "source", req.Source)
	err := proc.in.Send(ipc.Command{
		Type:         ipc.CmdLoad,
		Source:       req.Source,
		ModelID:      req.ModelID,
		Path:         req.Dir,
		Device:       req.Device,
		MaxPromptLen: req.MaxPromptLen,
	})
	if err != nil {
		L_error("supervisor: load command write failed", "error", err)
		s.mu.Lock()
		s.failLoadLocked("Model process exited")
		s.mu.Unlock()
	}

	deadline := time.Now().Add(s.loadTimeout)
	ticker := time.NewTicker(s.loadPoll)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			if !proc.alive() {
				s.mu.Lock()
				s.failLoadLocked("Model process exited")
				s.mu.Unlock()
				continue
			}
			if time.Now().After(deadline) {
				L_error("supervisor: load timed out", "path", req.Dir)
				s.mu.Lock()
				s.failLoadLocked("Model load timed out")
				s.mu.Unlock()
				proc.kill()
				proc.join(s.grace)
			}
		}
	}

	s.mu.Lock()
	outcome := s.loadOutcome
	if outcome != nil && outcome.ok {
		s.modelLoaded = true
		res := LoadResult{Path: s.modelPath, Device: s.device, Kind: s.kind}
		s.mu.Unlock()
		if res.Device == "" {
			res.Device = "AUTO"
		}
		if res.Kind == "" {
			res.Kind = "llm"
		}
		return res, nil
	}
	s.mu.Unlock()

	msg := "Model load failed"
	if outcome != nil && outcome.err != "" {
		msg = outcome.err
	}
	return LoadResult{}, errors.New(msg)
}

// Generate starts one generation and returns the stream carrying its
// events. The stream terminates with a done frame (after the worker's
// finished report) or an error frame.
func (s *Supervisor) Generate(messages []session.Message, cfg map[string]any) (*events.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.modelLoaded {
		return nil, errors.New("Model not loaded")
	}
	if s.generating {
		return nil, errors.New("Generation already running")
	}
	if err := s.ensureWorkerLocked(); err != nil {
		return nil, err
	}

	stream := events.NewStream()
	s.generating = true
	s.job = stream
	if err := s.proc.in.Send(ipc.Command{Type: ipc.CmdGenerate, Messages: messages, Config: cfg}); err != nil {
		s.generating = false
		s.job = nil
		return nil, fmt.Errorf("generate command write failed: %w", err)
	}
	return stream, nil
}

// Stop asks the worker to abort the current generation. The stream still
// terminates through the worker's own finished event.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil || !proc.alive() {
		return
	}
	if err := proc.in.Send(ipc.Command{Type: ipc.CmdStop}); err != nil {
		L_warn("supervisor: stop command write failed", "error", err)
	}
}

// Unload discards the model and retires the worker process entirely, so the
// next load starts from a clean address space. Rejected mid-generation.
func (s *Supervisor) Unload() error {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return errors.New("Generation in progress")
	}
	proc := s.proc
	s.proc = nil
	s.clearModelLocked()
	s.mu.Unlock()

	if proc != nil && proc.alive() {
		s.retire(proc)
	}
	return nil
}

// Shutdown tears the worker down unconditionally. Part of host exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	if proc != nil && proc.alive() {
		s.retire(proc)
	}
}

// Status reports the current worker and model state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	alive := s.proc != nil && s.proc.alive()
	st := Status{
		Loaded:      s.modelLoaded && alive,
		Path:        s.modelPath,
		Device:      s.device,
		Kind:        s.kind,
		Loading:     s.loading,
		LoadStage:   s.loadStage,
		LoadMessage: s.loadMessage,
	}
	if alive {
		st.PID = s.proc.pid
	}
	if !s.loadStartedAt.IsZero() {
		st.LoadStartedAt = float64(s.loadStartedAt.UnixMilli()) / 1000
	}
	s.mu.Unlock()

	if st.Device == "" {
		st.Device = "AUTO"
	}
	if st.Kind == "" {
		st.Kind = "llm"
	}
	if st.Loaded {
		st.Memory = processMemory(st.PID)
	}
	return st
}

// Devices returns the accelerator list advertised by the worker's hello, or
// a conservative default before any worker has run.
func (s *Supervisor) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) == 0 {
		return []string{"AUTO", "CPU"}
	}
	return append([]string(nil), s.devices...)
}

// ensureWorkerLocked spawns a worker child if none is running. Callers hold mu.
func (s *Supervisor) ensureWorkerLocked() error {
	if s.proc != nil && s.proc.alive() {
		return nil
	}
	c, err := s.spawn()
	if err != nil {
		return fmt.Errorf("spawn worker failed: %w", err)
	}
	s.proc = c
	go s.monitor(c)
	return nil
}

// retire shuts a worker down politely, then forcibly.
func (s *Supervisor) retire(c *childProc) {
	if err := c.in.Send(ipc.Command{Type: ipc.CmdShutdown}); err != nil {
		L_debug("supervisor: shutdown command write failed", "error", err)
	}
	if c.join(s.grace) {
		return
	}
	L_warn("supervisor: worker ignored shutdown, killing", "pid", c.pid)
	c.kill()
	c.join(s.grace)
}

// monitor drains the worker's event pipe and reaps the process when the
// pipe closes. It is the only goroutine that reads stdout or calls wait.
func (s *Supervisor) monitor(c *childProc) {
	r := ipc.NewReader(c.stdout)
	for {
		var ev ipc.Event
		if err := r.Next(&ev); err != nil {
			if err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF) {
				L_debug("supervisor: event pipe closed", "error", err)
			}
			break
		}
		s.dispatch(ev)
	}
	waitErr := c.wait()
	c.markExited()
	s.workerExited(c, waitErr)
}

// dispatch routes one worker event: load progress updates supervisor state,
// generation frames flow to the active job's stream.
func (s *Supervisor) dispatch(ev ipc.Event) {
	switch ev.Type {
	case ipc.EvtHello:
		s.mu.Lock()
		if len(ev.Devices) > 0 {
			s.devices = append([]string(nil), ev.Devices...)
		}
		s.mu.Unlock()
		L_info("supervisor: worker hello", "pid", ev.PID, "devices", ev.Devices)

	case ipc.EvtLoadStage:
		s.mu.Lock()
		s.loading = true
		s.loadStage = ev.Stage
		s.loadMessage = ev.Message
		s.mu.Unlock()
		L_debug("supervisor: load stage", "stage", ev.Stage, "message", ev.Message)

	case ipc.EvtLoaded:
		s.mu.Lock()
		s.device = ev.Device
		if ev.Kind != "" {
			s.kind = ev.Kind
		}
		s.completeLoadLocked()
		s.mu.Unlock()
		L_info("supervisor: load complete", "device", ev.Device, "kind", ev.Kind)

	case ipc.EvtToken:
		if job := s.activeJob(); job != nil {
			job.Publish(events.Token{Token: ev.Token})
		}

	case ipc.EvtImage:
		if job := s.activeJob(); job != nil {
			job.Publish(events.Image{Attachments: ev.Attachments})
		}

	case ipc.EvtFinished:
		s.mu.Lock()
		job := s.job
		s.job = nil
		s.generating = false
		s.mu.Unlock()
		if job == nil {
			return
		}
		var stats any
		if ev.Stats != nil {
			stats = ev.Stats
		}
		job.Publish(events.Done{Stats: stats})
		job.Close()

	case ipc.EvtError:
		msg := ev.Message
		if msg == "" {
			msg = "Unknown error"
		}
		s.mu.Lock()
		if job := s.job; job != nil {
			s.job = nil
			s.generating = false
			s.mu.Unlock()
			job.Publish(events.Error{Message: msg})
			job.Close()
			return
		}
		if s.loading && s.loadOutcome == nil {
			s.failLoadLocked(msg)
			s.mu.Unlock()
			L_error("supervisor: load failed", "error", msg)
			return
		}
		s.mu.Unlock()
		L_warn("supervisor: worker error outside any operation", "message", msg)

	default:
		L_debug("supervisor: unhandled worker event", "type", ev.Type)
	}
}

// workerExited settles host state after the child is reaped. A death during
// an active generation surfaces as a crash error on the job stream; a death
// during a load fails the pending load call.
func (s *Supervisor) workerExited(c *childProc, waitErr error) {
	s.mu.Lock()
	var job *events.Stream
	if s.proc == c {
		s.proc = nil
		s.modelLoaded = false
		job = s.job
		s.job = nil
		s.generating = false
		if s.loading && s.loadOutcome == nil {
			s.failLoadLocked("Model process exited")
		}
	}
	s.mu.Unlock()

	if waitErr != nil && !c.killed.Load() {
		L_error("supervisor: worker crashed", "pid", c.pid, "error", waitErr)
		s.logCrash(c, waitErr)
	} else {
		L_info("supervisor: worker exited", "pid", c.pid)
	}

	if job != nil {
		reason := "worker exited"
		if waitErr != nil {
			reason = waitErr.Error()
		}
		job.Publish(events.Error{Message: "Process Crash: " + reason})
		job.Publish(events.Done{})
		job.Close()
	}
}

func (s *Supervisor) activeJob() *events.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// completeLoadLocked resolves the pending load successfully. Callers hold mu.
func (s *Supervisor) completeLoadLocked() {
	if s.loadDone == nil || s.loadOutcome != nil {
		return
	}
	s.loadOutcome = &loadOutcome{ok: true}
	s.loading = false
	s.loadStage = "ready"
	s.loadMessage = ""
	close(s.loadDone)
}

// failLoadLocked resolves the pending load with an error. Callers hold mu.
func (s *Supervisor) failLoadLocked(msg string) {
	if s.loadDone == nil || s.loadOutcome != nil {
		return
	}
	s.loadOutcome = &loadOutcome{err: msg}
	s.loading = false
	s.loadStage = "error"
	s.loadMessage = msg
	close(s.loadDone)
}

func (s *Supervisor) clearModelLocked() {
	s.modelLoaded = false
	s.modelPath = ""
	s.device = ""
	s.kind = ""
	s.loading = false
	s.loadStage = ""
	s.loadMessage = ""
	s.loadStartedAt = time.Time{}
}

// spawnProcess execs this binary's hidden worker subcommand with pipes for
// the frame protocol. Worker stderr (native runtime chatter included) is
// teed to the runtime log and a tail buffer for crash reports.
func (s *Supervisor) spawnProcess() (*childProc, error) {
	cmd := exec.Command(s.binary, "worker") //nolint:gosec // G204: binary is from os.Executable() - self-spawning
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	L_info("supervisor: worker started", "pid", cmd.Process.Pid)

	c := newChildProc(cmd.Process.Pid, ipc.NewWriter(stdin), stdout)
	c.tail = NewCircularBuffer(stderrLines)

	var wg sync.WaitGroup
	wg.Add(1)
	go s.captureStderr(stderr, c.tail, &wg)

	c.wait = func() error {
		wg.Wait()
		return cmd.Wait()
	}
	c.terminate = func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return c, nil
}

// captureStderr tees worker stderr lines into the runtime log and the crash
// tail buffer.
func (s *Supervisor) captureStderr(r io.Reader, tail *CircularBuffer, wg *sync.WaitGroup) {
	defer wg.Done()

	var f *os.File
	if s.logPath != "" {
		var err error
		f, err = os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			L_warn("supervisor: open runtime log failed", "error", err)
		} else {
			defer f.Close()
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		tail.Write(line)
		if f != nil {
			fmt.Fprintln(f, line)
		}
	}
}

// logCrash appends a crash entry with the worker's last stderr lines.
func (s *Supervisor) logCrash(c *childProc, waitErr error) {
	if s.dataDir == "" || c.tail == nil {
		return
	}
	crashLogPath := filepath.Join(s.dataDir, "crash.log")
	f, err := os.OpenFile(crashLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		L_error("supervisor: failed to open crash.log", "error", err)
		return
	}
	defer f.Close()

	lines := c.tail.Lines()
	fmt.Fprintf(f, "\n=== WORKER CRASH %s ===\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(f, "PID:   %d\n", c.pid)
	fmt.Fprintf(f, "Exit:  %v\n", waitErr)
	fmt.Fprintf(f, "Last %d lines of stderr:\n", len(lines))
	fmt.Fprintln(f, "---")
	for _, line := range lines {
		fmt.Fprintln(f, line)
	}
	fmt.Fprintln(f, "---")

	L_debug("supervisor: crash logged", "path", crashLogPath)
}

// childProc is one spawned worker: its command writer, event pipe, and exit
// bookkeeping. Tests substitute an in-process fake.
type childProc struct {
	pid    int
	in     *ipc.Writer
	stdout io.Reader
	tail   *CircularBuffer

	wait      func() error // blocks until the process exits; called once by monitor
	terminate func()

	killed   atomic.Bool
	exitOnce sync.Once
	exitCh   chan struct{}
}

func newChildProc(pid int, in *ipc.Writer, stdout io.Reader) *childProc {
	return &childProc{pid: pid, in: in, stdout: stdout, exitCh: make(chan struct{})}
}

func (c *childProc) alive() bool {
	select {
	case <-c.exitCh:
		return false
	default:
		return true
	}
}

func (c *childProc) markExited() {
	c.exitOnce.Do(func() { close(c.exitCh) })
}

func (c *childProc) kill() {
	c.killed.Store(true)
	if c.terminate != nil {
		c.terminate()
	}
}

// join waits up to d for the monitor to observe the exit.
func (c *childProc) join(d time.Duration) bool {
	select {
	case <-c.exitCh:
		return true
	case <-time.After(d):
		return false
	}
}

// CircularBuffer stores the last N lines of worker stderr.
type CircularBuffer struct {
	lines []string
	size  int
	pos   int
	count int
	mu    sync.Mutex
}

// NewCircularBuffer creates a buffer holding size lines.
func NewCircularBuffer(size int) *CircularBuffer {
	return &CircularBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

// Write adds a line, evicting the oldest once full.
func (b *CircularBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.pos] = line
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Lines returns the retained lines oldest first.
func (b *CircularBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]string, 0, b.count)
	if b.count < b.size {
		result = append(result, b.lines[:b.count]...)
	} else {
		result = append(result, b.lines[b.pos:]...)
		result = append(result, b.lines[:b.pos]...)
	}
	return result
}
