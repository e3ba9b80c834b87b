package worker

import (
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/roelfdiedericks/idlenpu/internal/config"
	"github.com/roelfdiedericks/idlenpu/internal/genai"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/scanner"
	"github.com/roelfdiedericks/idlenpu/internal/session"
)

// appKeys configure the host's message assembly, never the pipeline.
var appKeys = []string{"system_prompt", "max_history_turns", "skip_special_tokens"}

// attachmentBlockMarker separates a message's own text from the
// attachment block the host appends. The raw text is what image
// pipelines want as their prompt.
const attachmentBlockMarker = "\n\n[Attachments]"

func (w *Worker) handleGenerate(cmd ipc.Command) {
	if !w.rt.Loaded() {
		w.send(ipc.Event{Type: ipc.EvtError, Message: "Model not loaded in process"})
		return
	}

	w.stop.Store(false)

	params := config.Merged(config.GenerationConfig(cmd.Config))
	addGenPrompt := popBool(params, "add_generation_prompt", true)
	delete(params, "enable_thinking")
	for _, k := range appKeys {
		delete(params, k)
	}

	if supported := w.supportedKeys(); len(supported) > 0 {
		keep := make(map[string]struct{}, len(supported))
		for _, k := range supported {
			keep[k] = struct{}{}
		}
		for k := range params {
			if _, ok := keep[k]; !ok {
				delete(params, k)
			}
		}
	}

	if w.rt.Kind == scanner.KindImage {
		w.generateImage(cmd.Messages, params)
		return
	}
	w.generateText(cmd.Messages, params, addGenPrompt)
}

// supportedKeys picks the filter set: image pipelines use the surface
// introspected at load, everything else goes through the settings
// resolver keyed by the model directory name.
func (w *Worker) supportedKeys() []string {
	if w.rt.Kind == scanner.KindImage && len(w.rt.SupportedKeys) > 0 {
		return w.rt.SupportedKeys
	}
	return w.resolver.SupportedKeys(filepath.Base(w.rt.Dir), w.rt.Dir, w.knownKeys)
}

func (w *Worker) generateText(messages []session.Message, params config.GenerationConfig, addGenPrompt bool) {
	tokens := 0
	start := time.Now()
	defer func() {
		elapsed := time.Since(start).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(tokens) / elapsed
		}
		w.send(ipc.Event{Type: ipc.EvtFinished, Stats: &ipc.Stats{
			Tokens: tokens,
			Time:   round2(elapsed),
			Speed:  round2(speed),
		}})
	}()

	prompt := w.renderPrompt(messages, addGenPrompt)

	var images []image.Image
	if w.rt.Kind == scanner.KindVLM {
		images = decodeUserImages(messages)
	}

	start = time.Now()
	err := w.rt.Text.Generate(prompt, images, params, func(tok string) bool {
		if w.stop.Load() {
			return true
		}
		tokens++
		w.send(ipc.Event{Type: ipc.EvtToken, Token: tok})
		return false
	})
	if err == nil {
		return
	}

	if w.rt.Kind == scanner.KindVLM && isPromptTooLong(err) {
		limit := w.rt.MaxPromptLen
		if limit <= 0 {
			limit = 1024
		}
		w.send(ipc.Event{
			Type:    ipc.EvtError,
			Message: fmt.Sprintf("Gen Error: VLM prompt too long (limit %d). Reduce history or shorten input.", limit),
		})
		return
	}
	w.send(ipc.Event{Type: ipc.EvtError, Message: "Gen Error: " + err.Error()})
}

// renderPrompt runs the tokenizer's chat template and falls back to a
// generic ChatML rendering when the model ships none.
func (w *Worker) renderPrompt(messages []session.Message, addGenPrompt bool) string {
	if w.rt.Tokenizer != nil {
		chat := make([]genai.ChatMessage, len(messages))
		for i, m := range messages {
			chat[i] = genai.ChatMessage{Role: m.Role, Content: m.Content}
		}
		prompt, err := w.rt.Tokenizer.ApplyChatTemplate(chat, addGenPrompt)
		if err == nil {
			return prompt
		}
		L_warn("worker: chat template failed, using fallback", "error", err)
	}

	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
	}
	if addGenPrompt {
		b.WriteString("<|im_start|>assistant\n")
	}
	return b.String()
}

func (w *Worker) generateImage(messages []session.Message, params config.GenerationConfig) {
	prompt := lastUserPrompt(messages)
	if prompt == "" {
		w.send(ipc.Event{Type: ipc.EvtError, Message: "Gen Error: Empty prompt"})
		return
	}

	if s, ok := params["negative_prompt"].(string); ok && strings.TrimSpace(s) == "" {
		delete(params, "negative_prompt")
	}
	if v, ok := params["rng_seed"]; !ok || v == nil {
		delete(params, "rng_seed")
	} else if f, numeric := toFloat(v); numeric && f <= 0 {
		delete(params, "rng_seed")
	}

	rawSeq, _ := toFloat(params["max_sequence_length"])
	delete(params, "max_sequence_length")
	maxSeq := int(rawSeq)
	if maxSeq <= 0 {
		maxSeq = w.rt.ImageMaxSeq
	}
	if maxSeq <= 0 {
		maxSeq = inferImageMaxSequenceLength(w.rt.Dir)
	}
	if maxSeq > 0 {
		if w.rt.ImageMaxSeq != maxSeq {
			// The requested sequence budget needs a differently shaped
			// text encoder; rebuild before generating. Stage events keep
			// the status endpoint honest while the stream waits.
			err := w.rt.EnsureLoaded(LoadRequest{
				Source:                 w.rt.Source,
				ModelID:                w.rt.ModelID,
				Dir:                    w.rt.Dir,
				Device:                 w.rt.Device,
				MaxPromptLen:           w.rt.MaxPromptLen,
				ImageMaxSequenceLength: maxSeq,
			}, w.loadProgress)
			if err != nil {
				w.send(ipc.Event{Type: ipc.EvtError, Message: "Gen Error: Failed to reload image pipeline: " + err.Error()})
				return
			}
		}
		params["max_sequence_length"] = maxSeq
	}

	start := time.Now()
	var produced []session.Attachment
	defer func() {
		w.send(ipc.Event{Type: ipc.EvtFinished, Stats: &ipc.Stats{
			Time:   round2(time.Since(start).Seconds()),
			Images: len(produced),
		}})
	}()

	imgs, err := w.rt.Image.Generate(prompt, params)
	if err != nil {
		// A stale compiled cache can pin the T5 encoder to the old
		// sequence length; one salted rebuild clears it.
		if !isSeqMismatch(err) || maxSeq <= 0 {
			w.send(ipc.Event{Type: ipc.EvtError, Message: "Gen Error: " + err.Error()})
			return
		}
		L_warn("worker: encoder reshape mismatch, rebuilding image pipeline", "error", err)
		retryErr := w.rt.EnsureLoaded(LoadRequest{
			Source:                 w.rt.Source,
			ModelID:                w.rt.ModelID,
			Dir:                    w.rt.Dir,
			Device:                 w.rt.Device,
			MaxPromptLen:           w.rt.MaxPromptLen,
			ImageMaxSequenceLength: maxSeq,
			CacheBust:              fmt.Sprintf("retry%d", time.Now().Unix()),
		}, w.loadProgress)
		if retryErr == nil {
			imgs, retryErr = w.rt.Image.Generate(prompt, params)
		}
		if retryErr != nil {
			w.send(ipc.Event{Type: ipc.EvtError, Message: "Gen Error: " + retryErr.Error()})
			return
		}
	}

	produced = encodeImages(imgs, config.MaxImageBytes)
	if len(produced) > 0 {
		w.send(ipc.Event{Type: ipc.EvtImage, Attachments: produced})
	}
}

// lastUserPrompt extracts the raw text of the most recent user message,
// trimming any rendered attachment block.
func lastUserPrompt(messages []session.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return stripAttachmentBlock(messages[i].Content)
		}
	}
	if len(messages) > 0 {
		return stripAttachmentBlock(messages[len(messages)-1].Content)
	}
	return ""
}

func stripAttachmentBlock(text string) string {
	if i := strings.Index(text, attachmentBlockMarker); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// isPromptTooLong matches the NPU plugin's prompt budget rejections.
func isPromptTooLong(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "m_max_prompt_len") ||
		strings.Contains(msg, "MAX_PROMPT_LEN") ||
		strings.Contains(msg, "prompt_len")
}

// isSeqMismatch matches the T5 encoder's reshape complaint when the
// compiled shape disagrees with the requested sequence length.
func isSeqMismatch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "max_sequence_length") &&
		strings.Contains(msg, "reshape") &&
		strings.Contains(msg, "T5EncoderModel")
}

func popBool(params config.GenerationConfig, key string, def bool) bool {
	v, ok := params[key]
	delete(params, key)
	if !ok || v == nil {
		return def
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	if f, isNum := toFloat(v); isNum {
		return f != 0
	}
	return def
}

// toFloat normalizes the numeric types a JSON round-trip or Go literal
// can leave in the config bag.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
