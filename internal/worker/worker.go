// Package worker implements the inference child process: a serial
// command loop over stdin/stdout frames that loads OpenVINO GenAI
// pipelines and streams generation output back to the host. Running
// inference out-of-process keeps native crashes and leaked device
// memory away from the HTTP host; the supervisor just restarts the
// child.
package worker

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/roelfdiedericks/idlenpu/internal/config"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/paths"
	"github.com/roelfdiedericks/idlenpu/internal/settings"
)

// Worker serves host commands against a single Runtime.
type Worker struct {
	rt  *Runtime
	out *ipc.Writer

	// stop is flipped by the reader goroutine when a stop command
	// arrives mid-generation; the streamer callback polls it.
	stop atomic.Bool

	resolver  *settings.Resolver
	knownKeys []string
}

func newWorker(rt *Runtime, out io.Writer, schema *settings.Schema) *Worker {
	return &Worker{
		rt:        rt,
		out:       ipc.NewWriter(out),
		resolver:  &settings.Resolver{Schema: schema},
		knownKeys: config.KnownKeys(),
	}
}

// Run resolves the data directories and serves commands from in until
// the stream closes or a shutdown command arrives. Logs go to stderr;
// the host owns redirecting them into the runtime log.
func Run(in io.Reader, out io.Writer) error {
	p, err := paths.Resolve()
	if err != nil {
		return fmt.Errorf("resolve data paths failed: %w", err)
	}
	w := newWorker(
		NewRuntime(p.OVCacheDir),
		out,
		settings.LoadSchema(p.SettingsJSONFile(), p.SettingsTOMLFile()),
	)
	return w.run(in)
}

func (w *Worker) run(in io.Reader) error {
	if err := w.out.Send(ipc.Event{Type: ipc.EvtHello, PID: os.Getpid(), Devices: w.rt.Devices()}); err != nil {
		return fmt.Errorf("hello failed: %w", err)
	}

	// Commands execute serially, but stop must interrupt a running
	// generate, so a reader goroutine intercepts it off-loop. The host
	// never pipelines other commands behind an active generation.
	cmds := make(chan ipc.Command)
	go func() {
		defer close(cmds)
		r := ipc.NewReader(in)
		for {
			var cmd ipc.Command
			if err := r.Next(&cmd); err != nil {
				if err != io.EOF {
					L_error("worker: command stream broken", "error", err)
				}
				return
			}
			if cmd.Type == ipc.CmdStop {
				w.stop.Store(true)
				continue
			}
			cmds <- cmd
		}
	}()

	for cmd := range cmds {
		if w.handle(cmd) {
			return nil
		}
	}
	w.rt.Unload()
	return nil
}

// handle dispatches one command. The returned flag requests shutdown.
// Panics from the native layer surface as error events instead of
// killing the loop, so the host sees what happened.
func (w *Worker) handle(cmd ipc.Command) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			L_error("worker: command panicked", "type", cmd.Type, "panic", r)
			w.send(ipc.Event{Type: ipc.EvtError, Message: fmt.Sprintf("Process Crash: %v", r)})
		}
	}()

	switch cmd.Type {
	case ipc.CmdLoad:
		w.handleLoad(cmd)
	case ipc.CmdGenerate:
		w.handleGenerate(cmd)
	case ipc.CmdShutdown:
		w.rt.Unload()
		return true
	default:
		L_warn("worker: unknown command", "type", cmd.Type)
	}
	return false
}

func (w *Worker) handleLoad(cmd ipc.Command) {
	w.send(ipc.Event{Type: ipc.EvtLoadStage, Stage: "start", Message: "Starting"})
	err := w.rt.EnsureLoaded(LoadRequest{
		Source:                 cmd.Source,
		ModelID:                cmd.ModelID,
		Dir:                    cmd.Path,
		Device:                 cmd.Device,
		MaxPromptLen:           cmd.MaxPromptLen,
		ImageMaxSequenceLength: cmd.ImageMaxSequenceLength,
		CacheBust:              cmd.CacheBust,
	}, w.loadProgress)
	if err != nil {
		L_error("worker: load failed", "path", cmd.Path, "error", err)
		w.send(ipc.Event{Type: ipc.EvtError, Message: "Load Error: " + err.Error()})
		return
	}
	w.send(ipc.Event{
		Type:    ipc.EvtLoaded,
		ModelID: w.rt.ModelID,
		Path:    w.rt.Dir,
		Device:  w.rt.Device,
		Kind:    w.rt.Kind,
	})
}

func (w *Worker) loadProgress(stage, message string) {
	w.send(ipc.Event{Type: ipc.EvtLoadStage, Stage: stage, Message: message})
}

// send reports events best-effort. A broken pipe means the host is
// gone; the reader goroutine will shut the loop down right after.
func (w *Worker) send(evt ipc.Event) {
	if err := w.out.Send(evt); err != nil {
		L_error("worker: event write failed", "type", evt.Type, "error", err)
	}
}
