package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/roelfdiedericks/idlenpu/internal/genai"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/scanner"
)

// DefaultMaxPromptLen is the MAX_PROMPT_LEN hint used when a load
// request does not specify one.
const DefaultMaxPromptLen = 16384

// NPU tuning knobs bridged from the host environment into compile
// properties.
const (
	EnvDeferWeightsLoad      = "IDLE_NPU_DEFER_WEIGHTS_LOAD"
	EnvCompilationNumThreads = "IDLE_NPU_COMPILATION_NUM_THREADS"
)

// fallbackDevices is advertised when no engine binding is linked in, so
// the UI still renders a device picker.
var fallbackDevices = []string{"AUTO", "CPU", "GPU", "NPU"}

var sanitizePattern = regexp.MustCompile(`[^\w\-.]+`)

// sanitize collapses runs of characters unsafe in cache directory names.
func sanitize(name string) string {
	return sanitizePattern.ReplaceAllString(name, "_")
}

// LoadRequest carries the parameters of one load. Zero fields inherit
// the currently loaded values so mid-generate reloads can restate only
// what changes.
type LoadRequest struct {
	Source       string
	ModelID      string
	Dir          string
	Device       string
	MaxPromptLen int

	// ImageMaxSequenceLength pins the text-encoder sequence budget of
	// image pipelines; zero means infer from the tokenizer config.
	ImageMaxSequenceLength int

	// CacheBust, when set, forces a rebuild and salts the compiled-model
	// cache directory name.
	CacheBust string
}

// Runtime owns at most one loaded pipeline and its tokenizer. It is not
// safe for concurrent use; the worker loop drives it serially.
type Runtime struct {
	// CacheRoot is where per-(model,device) compiled-model caches live.
	CacheRoot string

	Source  string
	ModelID string
	Dir     string // resolved directory of the loaded model
	Device  string // effective device after AUTO/fallback resolution
	Kind    string

	// MaxPromptLen is the accepted MAX_PROMPT_LEN hint, zero when the
	// pipeline was built without one.
	MaxPromptLen int
	// SupportedKeys is the introspected parameter surface of image
	// pipelines, nil for other kinds.
	SupportedKeys []string
	// ImageMaxSeq is the sequence budget the image pipeline was built
	// with, zero when inferred as unset.
	ImageMaxSeq int

	Tokenizer genai.Tokenizer
	Text      genai.TextPipeline
	Image     genai.ImagePipeline

	available []string
	// settle is how long Unload waits for native handles to finalize
	// before a rebuild grabs the device again.
	settle time.Duration
}

// NewRuntime returns an empty runtime caching compiled models under
// cacheRoot.
func NewRuntime(cacheRoot string) *Runtime {
	return &Runtime{
		CacheRoot: cacheRoot,
		Source:    "local",
		Device:    "AUTO",
		Kind:      scanner.KindLLM,
		settle:    500 * time.Millisecond,
	}
}

// Loaded reports whether a pipeline is currently available.
func (rt *Runtime) Loaded() bool {
	return rt.Text != nil || rt.Image != nil
}

// Devices returns the advertised device list with AUTO prepended. When
// no engine is registered a static list is advertised instead.
func (rt *Runtime) Devices() []string {
	if rt.available == nil {
		if eng, err := genai.Default(); err == nil {
			rt.available = append([]string{"AUTO"}, eng.Devices()...)
		} else {
			rt.available = fallbackDevices
		}
	}
	return rt.available
}

func (rt *Runtime) hasDevice(name string) bool {
	for _, d := range rt.Devices() {
		if d == name {
			return true
		}
	}
	return false
}

// Unload drops all pipeline references and nudges the collector twice
// so native handles release device memory before the next build.
func (rt *Runtime) Unload() {
	L_info("worker: unloading model")
	if rt.Image != nil {
		_ = rt.Image.Close()
	}
	if rt.Text != nil {
		_ = rt.Text.Close()
	}
	if rt.Tokenizer != nil {
		_ = rt.Tokenizer.Close()
	}
	rt.Image, rt.Text, rt.Tokenizer = nil, nil, nil
	rt.Kind = scanner.KindLLM
	rt.MaxPromptLen = 0
	rt.SupportedKeys = nil
	rt.ImageMaxSeq = 0

	runtime.GC()
	runtime.GC()
	time.Sleep(rt.settle)
}

// EnsureLoaded makes the requested pipeline current. Matching requests
// reuse the existing instance; anything else tears down and rebuilds.
// progress receives stage events and may be nil.
func (rt *Runtime) EnsureLoaded(req LoadRequest, progress func(stage, message string)) error {
	emit := func(stage, message string) {
		if progress != nil {
			progress(stage, message)
		}
	}

	if req.Source == "" {
		req.Source = rt.Source
	}
	if req.ModelID == "" {
		req.ModelID = rt.ModelID
	}
	if req.Dir == "" {
		req.Dir = rt.Dir
	}
	if req.Device == "" {
		req.Device = rt.Device
	}
	if req.MaxPromptLen <= 0 {
		req.MaxPromptLen = DefaultMaxPromptLen
	}
	wantImageSeq := 0
	if req.ImageMaxSequenceLength > 0 {
		wantImageSeq = req.ImageMaxSequenceLength
	}

	L_info("worker: load requested", "dir", req.Dir, "device", req.Device)
	emit("start", "Loading "+req.Dir)

	needReload := req.Source != rt.Source ||
		req.Dir != rt.Dir ||
		req.Device != rt.Device ||
		!rt.Loaded() ||
		(wantImageSeq > 0 && rt.Kind == scanner.KindImage && wantImageSeq != rt.ImageMaxSeq) ||
		req.CacheBust != ""

	if !needReload {
		L_debug("worker: reusing loaded pipeline", "dir", rt.Dir)
		return nil
	}

	rt.Unload()

	if req.Source != "local" {
		return fmt.Errorf("unsupported model source %q: only local models can be loaded", req.Source)
	}
	dir, err := filepath.Abs(req.Dir)
	if err != nil {
		return fmt.Errorf("resolve model path failed: %w", err)
	}
	if st, statErr := os.Stat(dir); statErr != nil || !st.IsDir() {
		return fmt.Errorf("model path not found: %s", dir)
	}

	eng, err := genai.Default()
	if err != nil {
		return err
	}

	kind := scanner.DetectKind(dir)
	L_info("worker: detected model kind", "kind", kind)

	imageMaxSeq := 0
	cacheTag := ""
	isFlux := false
	if kind == scanner.KindImage {
		imageMaxSeq = wantImageSeq
		if imageMaxSeq == 0 {
			imageMaxSeq = inferImageMaxSequenceLength(dir)
		}
		cacheTag = imageCacheTag(imageMaxSeq)
		if req.CacheBust != "" {
			cacheTag += "-" + req.CacheBust
		}
		isFlux = isFluxModel(dir)
	}

	var tok genai.Tokenizer
	if kind == scanner.KindLLM || kind == scanner.KindVLM {
		emit("tokenizer", "Initializing tokenizer")
		tok, err = eng.NewTokenizer(dir)
		if err != nil {
			return fmt.Errorf("tokenizer init failed: %w", err)
		}
	}

	dev := "AUTO"
	if rt.hasDevice(req.Device) {
		dev = req.Device
	}

	props, err := rt.deviceProps(eng, dev, dir, cacheTag, isFlux)
	if err != nil {
		closeTokenizer(tok)
		return err
	}

	emit("pipeline", "Initializing pipeline on "+dev)
	err = rt.construct(eng, kind, dir, dev, props, req.MaxPromptLen, imageMaxSeq, isFlux)
	if err != nil && dev != "CPU" {
		L_warn("worker: pipeline init failed, falling back to CPU", "device", dev, "error", err)
		emit("fallback", "Falling back to CPU")
		dev = "CPU"
		props, err = rt.deviceProps(eng, dev, dir, cacheTag, isFlux)
		if err == nil {
			err = rt.construct(eng, kind, dir, dev, props, req.MaxPromptLen, imageMaxSeq, isFlux)
		}
	}
	if err != nil {
		closeTokenizer(tok)
		return err
	}

	rt.Source = req.Source
	rt.ModelID = req.ModelID
	rt.Dir = dir
	rt.Device = dev
	rt.Kind = kind
	rt.Tokenizer = tok

	L_info("worker: model ready", "dir", dir, "device", dev, "kind", kind)
	emit("ready", "Model ready")
	return nil
}

// construct builds the pipeline for kind on dev and records the
// per-kind state. On NPU (or AUTO with an NPU present), text pipelines
// first try a MAX_PROMPT_LEN hint and retry without it when rejected.
func (rt *Runtime) construct(eng genai.Engine, kind, dir, dev string, props map[string]any, maxPromptLen, imageMaxSeq int, isFlux bool) error {
	switch kind {
	case scanner.KindImage:
		pipe, err := rt.buildImage(eng, dir, dev, props, imageMaxSeq, isFlux)
		if err != nil {
			return err
		}
		rt.Image = pipe
		rt.MaxPromptLen = 0
		rt.SupportedKeys = eng.ImageParamSurface()
		rt.ImageMaxSeq = imageMaxSeq
		if imageMaxSeq > 0 {
			pipe.SetMaxSequenceLength(imageMaxSeq)
		}
		return nil

	case scanner.KindASR:
		pipe, err := eng.NewWhisperPipeline(dir, dev, props)
		if err != nil {
			return err
		}
		rt.Text = pipe
		rt.MaxPromptLen = 0
		rt.SupportedKeys = nil
		return nil
	}

	newText := eng.NewLLMPipeline
	if kind == scanner.KindVLM {
		newText = eng.NewVLMPipeline
	}
	rt.SupportedKeys = nil

	// NPU needs MAX_PROMPT_LEN to fit longer conversations.
	if dev == "NPU" || (dev == "AUTO" && rt.hasDevice("NPU")) {
		hinted := withProp(props, "MAX_PROMPT_LEN", maxPromptLen)
		pipe, err := newText(dir, dev, hinted)
		if err == nil {
			rt.Text = pipe
			rt.MaxPromptLen = maxPromptLen
			L_info("worker: pipeline created", "kind", kind, "max_prompt_len", maxPromptLen)
			return nil
		}
		L_warn("worker: MAX_PROMPT_LEN rejected, retrying without it", "error", err)
		pipe, err = newText(dir, dev, props)
		if err != nil {
			return err
		}
		rt.Text = pipe
		// The NPU plugin applies a small built-in prompt budget when the
		// hint is rejected on VLM pipelines.
		if kind == scanner.KindVLM {
			rt.MaxPromptLen = 1024
		} else {
			rt.MaxPromptLen = maxPromptLen
		}
		return nil
	}

	pipe, err := newText(dir, dev, props)
	if err != nil {
		return err
	}
	rt.Text = pipe
	rt.MaxPromptLen = maxPromptLen
	return nil
}

// buildImage constructs a text-to-image pipeline, assembling FLUX
// variants from their components.
func (rt *Runtime) buildImage(eng genai.Engine, dir, dev string, props map[string]any, maxSeq int, isFlux bool) (genai.ImagePipeline, error) {
	if isFlux {
		if _, err := os.Stat(filepath.Join(dir, "scheduler", "scheduler_config.json")); err != nil {
			return nil, fmt.Errorf("missing scheduler_config.json for FLUX pipeline")
		}
		L_info("worker: assembling FLUX pipeline components")
		return eng.NewFluxPipeline(genai.FluxConfig{
			Root:              dir,
			Device:            dev,
			Props:             props,
			MaxSequenceLength: maxSeq,
		})
	}
	return eng.NewImagePipeline(dir, dev, props)
}

// deviceProps assembles compile properties: a per-(model,device[,tag])
// CACHE_DIR when the device supports caching, plus NPU environment
// bridges. FLUX pipelines run uncached, the compiled-cache path breaks
// their component assembly.
func (rt *Runtime) deviceProps(eng genai.Engine, dev, dir, cacheTag string, disableCache bool) (map[string]any, error) {
	props := map[string]any{}

	if !disableCache && eng.SupportsCacheDir(dev) {
		name := filepath.Base(dir) + "-" + dev
		if cacheTag != "" {
			name += "-" + cacheTag
		}
		cacheDir := filepath.Join(rt.CacheRoot, sanitize(name))
		if err := os.MkdirAll(cacheDir, 0750); err != nil {
			return nil, fmt.Errorf("create cache dir failed: %w", err)
		}
		props["CACHE_DIR"] = cacheDir
	}

	if dev == "NPU" {
		if v, ok := parseBoolEnv(os.Getenv(EnvDeferWeightsLoad)); ok {
			props["NPU_DEFER_WEIGHTS_LOAD"] = v
		}
		if raw := os.Getenv(EnvCompilationNumThreads); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				props["COMPILATION_NUM_THREADS"] = n
			}
		}
	}

	if len(props) > 0 {
		L_debug("worker: device properties", "device", dev, "props", props)
	}
	return props, nil
}

func closeTokenizer(tok genai.Tokenizer) {
	if tok != nil {
		_ = tok.Close()
	}
}

func withProp(props map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(props)+1)
	for k, v := range props {
		out[k] = v
	}
	out[key] = value
	return out
}

// parseBoolEnv accepts the usual spellings and reports ok=false for
// anything else so unset and garbage values leave the property alone.
func parseBoolEnv(value string) (parsed, ok bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// imageCacheTag names the compiled-cache variant of an image pipeline
// by its text-encoder sequence budget.
func imageCacheTag(maxSeq int) string {
	if maxSeq > 0 {
		return fmt.Sprintf("imgseq%d", maxSeq)
	}
	return "imgseqauto"
}

// isFluxModel sniffs the transformer config for the FLUX dialect.
func isFluxModel(dir string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, "transformer", "config.json"))
	if err != nil {
		return false
	}
	var cfg struct {
		ClassName string `json:"_class_name"`
		ModelType string `json:"model_type"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return false
	}
	name := cfg.ClassName
	if name == "" {
		name = cfg.ModelType
	}
	return strings.ToLower(strings.TrimSpace(name)) == "fluxtransformer2dmodel"
}

// inferImageMaxSequenceLength reads the text-encoder tokenizer config
// for a usable sequence budget. Zero means none found.
func inferImageMaxSequenceLength(dir string) int {
	candidates := []string{
		filepath.Join(dir, "tokenizer_2", "tokenizer_config.json"),
		filepath.Join(dir, "tokenizer", "tokenizer_config.json"),
	}
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg map[string]any
		if err := json.Unmarshal(raw, &cfg); err != nil {
			continue
		}
		for _, key := range []string{"model_max_length", "max_length"} {
			if v, ok := toFloat(cfg[key]); ok && v > 0 && v <= 1<<30 && v == float64(int(v)) {
				return int(v)
			}
		}
	}
	return 0
}
