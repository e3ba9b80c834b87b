package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roelfdiedericks/idlenpu/internal/genai"
	"github.com/roelfdiedericks/idlenpu/internal/genai/genaitest"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
	"github.com/roelfdiedericks/idlenpu/internal/session"
	"github.com/roelfdiedericks/idlenpu/internal/settings"
)

func userMessages(text string) []session.Message {
	return []session.Message{{Role: "user", Content: text}}
}

func useEngine(t *testing.T, f *genaitest.Fake) {
	t.Helper()
	genai.Register(f)
	t.Cleanup(func() { genai.Register(nil) })
}

func testWorker(t *testing.T) (*Worker, *bytes.Buffer) {
	t.Helper()
	rt := NewRuntime(t.TempDir())
	rt.settle = 0
	var buf bytes.Buffer
	return newWorker(rt, &buf, &settings.Schema{}), &buf
}

// loadedWorker registers f, loads dir on device and fails the test if
// the load does not end in a loaded event.
func loadedWorker(t *testing.T, f *genaitest.Fake, dir, device string) (*Worker, *bytes.Buffer) {
	t.Helper()
	useEngine(t, f)
	w, buf := testWorker(t)
	w.handle(loadCmd(dir, device))
	evts := drain(t, buf)
	if len(evts) == 0 || evts[len(evts)-1].Type != ipc.EvtLoaded {
		t.Fatalf("load did not complete: %+v", evts)
	}
	return w, buf
}

func loadCmd(dir, device string) ipc.Command {
	return ipc.Command{Type: ipc.CmdLoad, Source: "local", ModelID: "m", Path: dir, Device: device}
}

// drain decodes every event currently in buf and clears it.
func drain(t *testing.T, buf *bytes.Buffer) []ipc.Event {
	t.Helper()
	var out []ipc.Event
	r := bytes.NewReader(buf.Bytes())
	for {
		var e ipc.Event
		err := ipc.ReadFrame(r, &e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, e)
	}
	buf.Reset()
	return out
}

func stageNames(evts []ipc.Event) string {
	var out []string
	for _, e := range evts {
		if e.Type == ipc.EvtLoadStage {
			out = append(out, e.Stage)
		}
	}
	return strings.Join(out, " ")
}

func findEvent(evts []ipc.Event, typ string) (ipc.Event, bool) {
	for _, e := range evts {
		if e.Type == typ {
			return e, true
		}
	}
	return ipc.Event{}, false
}

func touch(t *testing.T, parts ...string) {
	t.Helper()
	path := filepath.Join(parts...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func llmDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "qwen2-7b-int4")
	touch(t, dir, "openvino_model.xml")
	touch(t, dir, "tokenizer.json")
	return dir
}

func vlmDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "minicpm-v-int4")
	touch(t, dir, "openvino_language_model.xml")
	touch(t, dir, "openvino_vision_embeddings_model.xml")
	touch(t, dir, "tokenizer.json")
	return dir
}

// imageDir lays out a diffusion pipeline; inferSeq > 0 adds the
// tokenizer config the sequence-length inference reads.
func imageDir(t *testing.T, inferSeq int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sd-turbo")
	writeJSON(t, filepath.Join(dir, "model_index.json"), map[string]any{"_class_name": "StableDiffusionPipeline"})
	if inferSeq > 0 {
		writeJSON(t, filepath.Join(dir, "tokenizer_2", "tokenizer_config.json"), map[string]any{"model_max_length": inferSeq})
	}
	return dir
}

func fluxDir(t *testing.T, withScheduler bool) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "flux-schnell")
	writeJSON(t, filepath.Join(dir, "transformer", "config.json"), map[string]any{"_class_name": "FluxTransformer2DModel"})
	writeJSON(t, filepath.Join(dir, "tokenizer_2", "tokenizer_config.json"), map[string]any{"model_max_length": 512})
	if withScheduler {
		writeJSON(t, filepath.Join(dir, "scheduler", "scheduler_config.json"), map[string]any{"_class_name": "FlowMatchEulerDiscreteScheduler"})
	}
	return dir
}

func asrDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "whisper-base")
	touch(t, dir, "openvino_encoder_model.xml")
	touch(t, dir, "openvino_decoder_model.xml")
	touch(t, dir, "tokenizer.json")
	return dir
}

func TestRunEmitsHelloFirst(t *testing.T) {
	f := &genaitest.Fake{DeviceList: []string{"CPU", "NPU"}}
	useEngine(t, f)
	rt := NewRuntime(t.TempDir())
	rt.settle = 0
	var out bytes.Buffer
	w := newWorker(rt, &out, &settings.Schema{})

	if err := w.run(strings.NewReader("")); err != nil {
		t.Fatalf("run: %v", err)
	}

	evts := drain(t, &out)
	if len(evts) != 1 || evts[0].Type != ipc.EvtHello {
		t.Fatalf("got %+v, want a single hello", evts)
	}
	if evts[0].PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", evts[0].PID, os.Getpid())
	}
	want := "AUTO CPU NPU"
	if got := strings.Join(evts[0].Devices, " "); got != want {
		t.Errorf("devices = %q, want %q", got, want)
	}
}

func TestRunAdvertisesFallbackDevicesWithoutEngine(t *testing.T) {
	rt := NewRuntime(t.TempDir())
	rt.settle = 0
	var out bytes.Buffer
	w := newWorker(rt, &out, &settings.Schema{})

	if err := w.run(strings.NewReader("")); err != nil {
		t.Fatalf("run: %v", err)
	}
	evts := drain(t, &out)
	if got := strings.Join(evts[0].Devices, " "); got != "AUTO CPU GPU NPU" {
		t.Errorf("devices = %q", got)
	}
}

func TestRunExitsOnShutdownCommand(t *testing.T) {
	f := &genaitest.Fake{}
	useEngine(t, f)
	rt := NewRuntime(t.TempDir())
	rt.settle = 0

	var in bytes.Buffer
	if err := ipc.WriteFrame(&in, ipc.Command{Type: ipc.CmdShutdown}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	w := newWorker(rt, &out, &settings.Schema{})
	if err := w.run(&in); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunIgnoresUnknownCommands(t *testing.T) {
	f := &genaitest.Fake{}
	useEngine(t, f)
	rt := NewRuntime(t.TempDir())
	rt.settle = 0

	var in bytes.Buffer
	for _, c := range []ipc.Command{{Type: "bogus"}, {Type: ipc.CmdShutdown}} {
		if err := ipc.WriteFrame(&in, c); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	w := newWorker(rt, &out, &settings.Schema{})
	if err := w.run(&in); err != nil {
		t.Fatalf("run: %v", err)
	}
	evts := drain(t, &out)
	for _, e := range evts[1:] {
		t.Errorf("unexpected event after hello: %+v", e)
	}
}

// TestRunStopInterruptsGeneration drives the full loop over pipes. Pipe
// writes block until read, so each step is lock-stepped with the test:
// after the stop frame lands the streamer must quit within a token or
// two instead of draining the whole script.
func TestRunStopInterruptsGeneration(t *testing.T) {
	script := make([]string, 500)
	for i := range script {
		script[i] = "tok"
	}
	f := &genaitest.Fake{Tokens: script}
	useEngine(t, f)

	dir := llmDir(t)
	rt := NewRuntime(t.TempDir())
	rt.settle = 0

	cmdR, cmdW := io.Pipe()
	evtR, evtW := io.Pipe()
	w := newWorker(rt, evtW, &settings.Schema{})

	done := make(chan error, 1)
	go func() { done <- w.run(cmdR) }()

	enc := ipc.NewWriter(cmdW)
	dec := ipc.NewReader(evtR)

	next := func() ipc.Event {
		t.Helper()
		var e ipc.Event
		if err := dec.Next(&e); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return e
	}

	if e := next(); e.Type != ipc.EvtHello {
		t.Fatalf("first event = %+v, want hello", e)
	}

	if err := enc.Send(loadCmd(dir, "CPU")); err != nil {
		t.Fatal(err)
	}
	for {
		e := next()
		if e.Type == ipc.EvtLoaded {
			break
		}
		if e.Type == ipc.EvtError {
			t.Fatalf("load failed: %s", e.Message)
		}
	}

	if err := enc.Send(ipc.Command{Type: ipc.CmdGenerate, Messages: userMessages("hi")}); err != nil {
		t.Fatal(err)
	}
	if e := next(); e.Type != ipc.EvtToken {
		t.Fatalf("got %+v, want first token", e)
	}
	if err := enc.Send(ipc.Command{Type: ipc.CmdStop}); err != nil {
		t.Fatal(err)
	}

	seen := 1
	var fin ipc.Event
	for {
		e := next()
		if e.Type == ipc.EvtToken {
			seen++
			continue
		}
		if e.Type == ipc.EvtFinished {
			fin = e
			break
		}
		t.Fatalf("unexpected event: %+v", e)
	}

	if seen >= len(script) {
		t.Errorf("stop did not interrupt: saw all %d tokens", seen)
	}
	if fin.Stats == nil || fin.Stats.Tokens != seen {
		t.Errorf("stats = %+v, want tokens %d", fin.Stats, seen)
	}

	cmdW.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestHandleReportsPanicsAsCrash(t *testing.T) {
	f := &genaitest.Fake{Tokens: []string{"x"}}
	w, buf := loadedWorker(t, f, llmDir(t), "CPU")

	// Simulate a lost native handle: kind says image, pipeline is gone.
	w.rt.Kind = "image"
	w.rt.Image = nil

	if done := w.handle(ipc.Command{Type: ipc.CmdGenerate, Messages: userMessages("draw")}); done {
		t.Fatal("crash must not stop the loop")
	}

	evts := drain(t, buf)
	if len(evts) == 0 {
		t.Fatal("no events")
	}
	last := evts[len(evts)-1]
	if last.Type != ipc.EvtError || !strings.HasPrefix(last.Message, "Process Crash: ") {
		t.Errorf("last event = %+v, want Process Crash error", last)
	}
}
