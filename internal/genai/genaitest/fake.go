// Package genaitest provides a scriptable in-memory Engine for worker
// tests. Every construction and generate call is recorded; failures are
// injected per device or per call so fallback paths can be exercised
// without native libraries.
package genaitest

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/roelfdiedericks/idlenpu/internal/genai"
)

// Construction records one pipeline or tokenizer build attempt.
type Construction struct {
	Kind   string // tokenizer, llm, vlm, image, flux, whisper
	Path   string
	Device string
	Props  map[string]any
	MaxSeq int // flux only
}

// TextCall records one text-pipeline generate.
type TextCall struct {
	Prompt  string
	Images  int
	Options map[string]any
}

// ImageCall records one image-pipeline generate.
type ImageCall struct {
	Prompt  string
	Options map[string]any
}

// Fake implements genai.Engine. Zero value advertises a single CPU
// device and produces no tokens; script the exported fields before use.
type Fake struct {
	mu sync.Mutex

	// DeviceList is what Devices advertises. Defaults to ["CPU"].
	DeviceList []string
	// CacheDevices lists devices reporting CACHE_DIR support.
	CacheDevices []string
	// ImageParams is the introspected image parameter surface.
	ImageParams []string

	// TokenizerErr fails NewTokenizer.
	TokenizerErr error
	// TemplateErr fails ApplyChatTemplate, forcing the fallback template.
	TemplateErr error
	// ConstructErr fails any pipeline construction on the given device.
	ConstructErr map[string]error
	// RejectPromptLen fails constructions whose props carry MAX_PROMPT_LEN.
	RejectPromptLen bool

	// Tokens is the scripted text output; TextErr is returned after the
	// script (set Tokens to nil for an immediate failure).
	Tokens  []string
	TextErr error

	// OutImages is returned by successful image generates. ImageErrs is
	// consumed FIFO: each generate pops one entry (nil = success).
	OutImages []image.Image
	ImageErrs []error

	Constructions []Construction
	TextCalls     []TextCall
	ImageCalls    []ImageCall
	Closed        int
}

var _ genai.Engine = (*Fake)(nil)

func (f *Fake) Devices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.DeviceList) == 0 {
		return []string{"CPU"}
	}
	return append([]string(nil), f.DeviceList...)
}

func (f *Fake) SupportsCacheDir(device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.CacheDevices {
		if d == device {
			return true
		}
	}
	return false
}

func (f *Fake) ImageParamSurface() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ImageParams...)
}

func (f *Fake) NewTokenizer(path string) (genai.Tokenizer, error) {
	f.record(Construction{Kind: "tokenizer", Path: path})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TokenizerErr != nil {
		return nil, f.TokenizerErr
	}
	return &fakeTokenizer{f: f}, nil
}

func (f *Fake) NewLLMPipeline(path, device string, props map[string]any) (genai.TextPipeline, error) {
	return f.newText("llm", path, device, props)
}

func (f *Fake) NewVLMPipeline(path, device string, props map[string]any) (genai.TextPipeline, error) {
	return f.newText("vlm", path, device, props)
}

func (f *Fake) NewWhisperPipeline(path, device string, props map[string]any) (genai.TextPipeline, error) {
	return f.newText("whisper", path, device, props)
}

func (f *Fake) NewImagePipeline(path, device string, props map[string]any) (genai.ImagePipeline, error) {
	f.record(Construction{Kind: "image", Path: path, Device: device, Props: props})
	if err := f.constructionErr(device, props); err != nil {
		return nil, err
	}
	return &fakeImage{f: f}, nil
}

func (f *Fake) NewFluxPipeline(cfg genai.FluxConfig) (genai.ImagePipeline, error) {
	f.record(Construction{Kind: "flux", Path: cfg.Root, Device: cfg.Device, Props: cfg.Props, MaxSeq: cfg.MaxSequenceLength})
	if err := f.constructionErr(cfg.Device, cfg.Props); err != nil {
		return nil, err
	}
	return &fakeImage{f: f, maxSeq: cfg.MaxSequenceLength}, nil
}

func (f *Fake) newText(kind, path, device string, props map[string]any) (genai.TextPipeline, error) {
	f.record(Construction{Kind: kind, Path: path, Device: device, Props: props})
	if err := f.constructionErr(device, props); err != nil {
		return nil, err
	}
	return &fakeText{f: f}, nil
}

func (f *Fake) constructionErr(device string, props map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectPromptLen {
		if _, ok := props["MAX_PROMPT_LEN"]; ok {
			return errors.New("MAX_PROMPT_LEN property is not supported")
		}
	}
	if err := f.ConstructErr[device]; err != nil {
		return err
	}
	return nil
}

func (f *Fake) record(c Construction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Constructions = append(f.Constructions, c)
}

func (f *Fake) closed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed++
}

// LastConstruction returns the most recent construction record, useful
// for asserting the device and props of the surviving attempt.
func (f *Fake) LastConstruction() Construction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Constructions) == 0 {
		return Construction{}
	}
	return f.Constructions[len(f.Constructions)-1]
}

type fakeTokenizer struct {
	f *Fake
}

// ApplyChatTemplate renders a deterministic template distinct from the
// worker's fallback so tests can tell which path produced the prompt.
func (t *fakeTokenizer) ApplyChatTemplate(messages []genai.ChatMessage, addGenerationPrompt bool) (string, error) {
	t.f.mu.Lock()
	err := t.f.TemplateErr
	t.f.mu.Unlock()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "<%s>%s</%s>\n", m.Role, m.Content, m.Role)
	}
	if addGenerationPrompt {
		b.WriteString("<assistant>")
	}
	return b.String(), nil
}

func (t *fakeTokenizer) Close() error {
	t.f.closed()
	return nil
}

type fakeText struct {
	f *Fake
}

func (p *fakeText) Generate(prompt string, images []image.Image, options map[string]any, stream func(string) bool) error {
	p.f.mu.Lock()
	tokens := append([]string(nil), p.f.Tokens...)
	errOut := p.f.TextErr
	p.f.TextCalls = append(p.f.TextCalls, TextCall{Prompt: prompt, Images: len(images), Options: options})
	p.f.mu.Unlock()

	for _, tok := range tokens {
		if stream(tok) {
			return nil
		}
	}
	return errOut
}

func (p *fakeText) Close() error {
	p.f.closed()
	return nil
}

type fakeImage struct {
	f      *Fake
	maxSeq int
}

func (p *fakeImage) Generate(prompt string, options map[string]any) ([]image.Image, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	p.f.ImageCalls = append(p.f.ImageCalls, ImageCall{Prompt: prompt, Options: options})
	if len(p.f.ImageErrs) > 0 {
		err := p.f.ImageErrs[0]
		p.f.ImageErrs = p.f.ImageErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]image.Image(nil), p.f.OutImages...), nil
}

func (p *fakeImage) MaxSequenceLength() int { return p.maxSeq }

func (p *fakeImage) SetMaxSequenceLength(n int) { p.maxSeq = n }

func (p *fakeImage) Close() error {
	p.f.closed()
	return nil
}
