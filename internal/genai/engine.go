// Package genai is the contract between the inference worker and the
// native OpenVINO GenAI runtime. A cgo binding registers an Engine at
// init time; without one, model loads fail cleanly instead of crashing
// the process. Keeping the surface behind an interface also keeps the
// worker testable on machines without the native libraries.
package genai

import (
	"image"
	"sync"
)

type engineError string

func (e engineError) Error() string { return string(e) }

// ErrNoEngine is returned by Default when no runtime binding has
// registered itself.
const ErrNoEngine engineError = "no inference engine registered"

// ChatMessage is one role/content turn handed to the chat template.
type ChatMessage struct {
	Role    string
	Content string
}

// FluxConfig describes a manually assembled FLUX diffusion pipeline.
// The binding loads the scheduler config plus the CLIP, T5, transformer
// and VAE submodels from their conventional subdirectories under Root,
// reshapes the T5 encoder to MaxSequenceLength when it is positive, and
// compiles every component on Device with Props.
type FluxConfig struct {
	Root              string
	Device            string
	Props             map[string]any
	MaxSequenceLength int
}

// Engine is the surface a native runtime binding must provide.
type Engine interface {
	// Devices lists the physical devices the runtime advertises
	// (CPU, GPU, NPU...). AUTO is implied and not included.
	Devices() []string

	// SupportsCacheDir reports whether a device accepts compiled-model
	// caching through the CACHE_DIR property.
	SupportsCacheDir(device string) bool

	// ImageParamSurface enumerates the parameter names of the image
	// generation config object. The settings resolver intersects the
	// supported keys of image models against it.
	ImageParamSurface() []string

	NewTokenizer(path string) (Tokenizer, error)
	NewLLMPipeline(path, device string, props map[string]any) (TextPipeline, error)
	NewVLMPipeline(path, device string, props map[string]any) (TextPipeline, error)
	NewImagePipeline(path, device string, props map[string]any) (ImagePipeline, error)
	NewFluxPipeline(cfg FluxConfig) (ImagePipeline, error)
	NewWhisperPipeline(path, device string, props map[string]any) (TextPipeline, error)
}

// Tokenizer renders chat histories into model prompts.
type Tokenizer interface {
	ApplyChatTemplate(messages []ChatMessage, addGenerationPrompt bool) (string, error)
	Close() error
}

// TextPipeline streams generated text. The stream callback receives
// each decoded sub-token; returning true asks the pipeline to stop at
// the next safe point. Images ride along for vision-language models
// and are nil otherwise.
type TextPipeline interface {
	Generate(prompt string, images []image.Image, options map[string]any, stream func(token string) bool) error
	Close() error
}

// ImagePipeline produces images from a text prompt.
type ImagePipeline interface {
	Generate(prompt string, options map[string]any) ([]image.Image, error)

	// MaxSequenceLength reflects the generation config's current
	// text-encoder sequence budget; SetMaxSequenceLength adjusts it
	// best-effort after construction.
	MaxSequenceLength() int
	SetMaxSequenceLength(n int)

	Close() error
}

var (
	regMu   sync.RWMutex
	current Engine
)

// Register installs the runtime binding, replacing any previous one.
// Bindings call it from their package init.
func Register(e Engine) {
	regMu.Lock()
	defer regMu.Unlock()
	current = e
}

// Default returns the registered engine, or ErrNoEngine when no
// binding is linked into the build.
func Default() (Engine, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	if current == nil {
		return nil, ErrNoEngine
	}
	return current, nil
}
