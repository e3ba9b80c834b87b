// Package download runs model snapshot downloads in a child process and
// relays their progress to streaming clients. The child does the actual hub
// traffic so a stop request can kill it without unwinding half-finished
// network state inside the host.
package download

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roelfdiedericks/idlenpu/internal/events"
	"github.com/roelfdiedericks/idlenpu/internal/hub"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// ErrBusy rejects a second download while one is running.
var ErrBusy = errors.New("Download already running")

// ErrNoRepo rejects a start request with a blank repo id.
var ErrNoRepo = errors.New("repo_id required")

// Status is the snapshot reported on the status endpoint.
type Status struct {
	Active  bool   `json:"active"`
	RepoID  string `json:"repo_id"`
	Percent int    `json:"percent"`
	File    string `json:"file"`
	Error   string `json:"error"`
	Path    string `json:"path"`
	Done    bool   `json:"done"`
}

// Supervisor runs at most one download child at a time.
type Supervisor struct {
	cacheDir   string
	modelsRoot string

	// spawn is swappable in tests.
	spawn func(repoID string) (*fetchProc, error)

	mu   sync.Mutex
	proc *fetchProc
	st   Status
}

// fetchProc is one running fetch child as the supervisor sees it.
type fetchProc struct {
	pid       int
	events    io.Reader // stdout: download event frames
	logs      io.Reader // stderr: raw hub SDK chatter
	wait      func() error
	terminate func()
	killed    atomic.Bool
}

// New returns a supervisor installing snapshots from cacheDir into
// modelsRoot.
func New(cacheDir, modelsRoot string) *Supervisor {
	s := &Supervisor{cacheDir: cacheDir, modelsRoot: modelsRoot}
	s.spawn = func(repoID string) (*fetchProc, error) {
		return spawnFetch(repoID, s.cacheDir, s.modelsRoot)
	}
	return s
}

// Start begins downloading repoID and returns the event stream for it.
// Only one download may run at a time. If the model is already installed
// the stream carries error and done frames without spawning anything.
func (s *Supervisor) Start(repoID string) (*events.Stream, error) {
	repoID = strings.TrimSpace(repoID)
	if repoID == "" {
		return nil, ErrNoRepo
	}

	s.mu.Lock()
	if s.st.Active {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	if name, exists := s.installedName(repoID); exists {
		msg := "Model exists: " + name
		s.st = Status{RepoID: repoID, Error: msg, Done: true}
		s.mu.Unlock()
		st := events.NewStream()
		st.Publish(events.Error{Message: msg})
		st.Publish(events.Done{})
		st.Close()
		L_info("download: refused, model already installed", "repo", repoID, "name", name)
		return st, nil
	}

	proc, err := s.spawn(repoID)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("start download: %w", err)
	}
	st := events.NewStream()
	s.proc = proc
	s.st = Status{Active: true, RepoID: repoID}
	s.mu.Unlock()

	go s.monitor(proc, st)
	L_info("download: started", "repo", repoID, "pid", proc.pid)
	return st, nil
}

// Stop kills the running child, if any. The monitor then emits cancelled
// and done to the stream.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return
	}
	proc.killed.Store(true)
	proc.terminate()
	L_info("download: stop requested", "pid", proc.pid)
}

// Status returns the current download snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// installedName reports whether any on-disk candidate name for repoID
// already exists under the models root. Some hubs substitute "___" for
// dots in directory names, so both spellings are checked.
func (s *Supervisor) installedName(repoID string) (string, bool) {
	name := hub.RepoDirName(repoID)
	if name == "" {
		return "", false
	}
	candidates := []string{name}
	if sub := strings.ReplaceAll(name, ".", "___"); sub != name {
		candidates = append(candidates, sub)
	}
	for _, c := range candidates {
		if _, err := os.Stat(filepath.Join(s.modelsRoot, c)); err == nil {
			return c, true
		}
	}
	return "", false
}

// monitor is the only goroutine that publishes to the stream. It drains the
// child's event frames and filtered stderr until both pipes close, reaps the
// process, then settles the terminal frames.
func (s *Supervisor) monitor(c *fetchProc, st *events.Stream) {
	evCh := make(chan ipc.DownloadEvent, 8)
	lineCh := make(chan string, 8)

	go func() {
		defer close(evCh)
		r := ipc.NewReader(c.events)
		for {
			var ev ipc.DownloadEvent
			if err := r.Next(&ev); err != nil {
				return
			}
			evCh <- ev
		}
	}()
	go func() {
		defer close(lineCh)
		sc := bufio.NewScanner(c.logs)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		sc.Split(scanTerminalLines)
		for sc.Scan() {
			line := strings.TrimSpace(StripANSI(sc.Text()))
			if noiseLine(line) {
				continue
			}
			lineCh <- line
		}
		// If the scanner gave up on an oversized line, keep the pipe
		// draining so the child never blocks on stderr.
		io.Copy(io.Discard, c.logs) //nolint:errcheck
	}()

	sawDone := false
	for evCh != nil || lineCh != nil {
		select {
		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			if s.dispatch(ev, st) {
				sawDone = true
			}
		case line, ok := <-lineCh:
			if !ok {
				lineCh = nil
				continue
			}
			st.Publish(events.Log{Message: line})
		}
	}

	waitErr := c.wait()
	s.finish(c, st, sawDone, waitErr)
}

// dispatch forwards one child event and mirrors it into the status
// snapshot. It reports whether the event was the child's terminal done.
// The done frame itself is deferred to finish so it always arrives last,
// exactly once, on every exit path.
func (s *Supervisor) dispatch(ev ipc.DownloadEvent, st *events.Stream) bool {
	switch ev.Type {
	case "progress":
		s.mu.Lock()
		s.st.Percent = ev.Percent
		s.st.File = ev.File
		s.mu.Unlock()
		st.Publish(events.Progress{File: ev.File, Percent: ev.Percent})
	case "log":
		if ev.Message == "" {
			return false
		}
		st.Publish(events.Log{Message: ev.Message})
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "Unknown error"
		}
		s.mu.Lock()
		s.st.Error = msg
		s.mu.Unlock()
		st.Publish(events.Error{Message: msg})
	case "finished":
		s.mu.Lock()
		s.st.Path = ev.Path
		s.mu.Unlock()
		st.Publish(events.Finished{Path: ev.Path})
	case "done":
		return true
	default:
		L_warn("download: unknown child event", "type", ev.Type)
	}
	return false
}

// finish settles the terminal frames after the child exits: cancelled+done
// for a stop request, a synthesized error+done for a child that died without
// reporting, plain done otherwise.
func (s *Supervisor) finish(c *fetchProc, st *events.Stream, sawDone bool, waitErr error) {
	exitCode := 0
	if waitErr != nil {
		exitCode = 1
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			exitCode = ee.ExitCode()
		}
	}
	killed := c.killed.Load()

	var synthesized string
	if !killed && !sawDone && exitCode != 0 {
		synthesized = fmt.Sprintf("Download exited with code %d", exitCode)
	}

	s.mu.Lock()
	s.st.Active = false
	s.st.Done = true
	if synthesized != "" {
		s.st.Error = synthesized
	}
	final := s.st
	s.proc = nil
	s.mu.Unlock()

	if killed {
		st.Publish(events.Cancelled{})
	} else if synthesized != "" {
		st.Publish(events.Error{Message: synthesized})
	}
	st.Publish(events.Done{})
	st.Close()

	L_info("download: finished",
		"repo", final.RepoID, "error", final.Error, "path", final.Path, "cancelled", killed)
}

// spawnFetch starts the hidden fetch subcommand of this same binary.
func spawnFetch(repoID, cacheDir, modelsRoot string) (*fetchProc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, "fetch", //nolint:gosec // G204: our own binary and paths
		"--repo", repoID, "--dest", cacheDir, "--models", modelsRoot)
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
	return &fetchProc{
		pid:       cmd.Process.Pid,
		events:    stdout,
		logs:      stderr,
		wait:      cmd.Wait,
		terminate: func() { _ = cmd.Process.Kill() },
	}, nil
}
